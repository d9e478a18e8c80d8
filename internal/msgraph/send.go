package msgraph

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// SendError Graph 发件失败（非 202）
type SendError struct {
	StatusCode int
	Reason     string
	Body       string
}

func (e *SendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("msgraph send: %d %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("msgraph send: %d %s: %s", e.StatusCode, e.Reason, e.Body)
}

// Send 发送 MIME 格式的邮件，需先完成认证
//
// 委托授权使用 /me/sendMail，应用授权使用 /users/{email}/sendMail；只有 202 表示成功
func (c *Client) Send(ctx context.Context, mime []byte) error {
	c.mu.Lock()
	result := c.result
	email := c.email
	c.mu.Unlock()

	if result == nil {
		return ErrNotAuthenticated
	}

	endpoint := strings.TrimRight(c.endpoints.GraphURL, "/") + "/" + sendPath(result.IsPersonalAccount, email)
	payload := base64.StdEncoding.EncodeToString(mime)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+result.AccessToken)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &SendError{
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
		Body:       strings.TrimSpace(string(body)),
	}
}

// sendPath sendMail 的相对路径
func sendPath(personal bool, email string) string {
	if personal {
		return "me/sendMail"
	}
	return "users/" + url.PathEscape(email) + "/sendMail"
}

func reasonPhrase(resp *http.Response) string {
	prefix := strconv.Itoa(resp.StatusCode) + " "
	if reason := strings.TrimPrefix(resp.Status, prefix); reason != "" && reason != resp.Status {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}

// 使用 Graph 发件的邮箱域名
var exchangeDomains = map[string]struct{}{
	"outlook.com": {},
	"hotmail.com": {},
	"live.com":    {},
	"msn.com":     {},
}

// IsExchangeEmail 判断发件箱是否应使用 Graph 发件
//
// 微软个人邮箱域名，或 SMTP 主机指向 Graph / Office 365
func IsExchangeEmail(email, smtpHost string) bool {
	host := strings.ToLower(strings.TrimSpace(smtpHost))
	switch {
	case host == "graph.microsoft.com":
		return true
	case strings.HasSuffix(host, ".office365.com"):
		return true
	}

	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	if _, ok := exchangeDomains[domain]; ok {
		return true
	}
	// outlook.jp、hotmail.co.uk 等地区域名
	for _, prefix := range []string{"outlook.", "hotmail.", "live."} {
		if strings.HasPrefix(domain, prefix) {
			return true
		}
	}
	return false
}
