// Package msgraph Microsoft Graph 发件：OAuth 令牌管理与 sendMail 调用
package msgraph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultTokenURL 刷新令牌交换地址（common 租户）
	DefaultTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	// DefaultAuthorityURL 客户端凭据流的授权服务器
	DefaultAuthorityURL = "https://login.microsoftonline.com"
	// DefaultGraphURL Graph API 根地址
	DefaultGraphURL = "https://graph.microsoft.com/v1.0"
	// GraphScope 请求的权限范围
	GraphScope = "https://graph.microsoft.com/.default"
	// MailSendPermission 发件必需的权限
	MailSendPermission = "Mail.Send"

	// expirySkew 提前视为过期的时间
	expirySkew = time.Minute
)

var (
	// ErrNotAuthenticated 未完成认证
	ErrNotAuthenticated = errors.New("msgraph: not authenticated")
	// ErrTokenUnavailable 令牌服务暂时不可用（网络错误、5xx、限流），可重试
	ErrTokenUnavailable = errors.New("msgraph: token endpoint unavailable")
)

// AuthError 认证失败（不自动重试）
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "msgraph auth: " + e.Message
}

func authErrorf(format string, args ...any) error {
	return &AuthError{Message: fmt.Sprintf(format, args...)}
}

// IsAuthError 判断是否为认证错误
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// AuthenticationResult 缓存的令牌
type AuthenticationResult struct {
	AccessToken       string
	RefreshToken      string
	Scopes            []string
	ExpiresAt         time.Time
	IsPersonalAccount bool // 委托授权（刷新令牌流）使用 /me
}

func (r *AuthenticationResult) expired(now time.Time) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(expirySkew).Before(r.ExpiresAt)
}

// Endpoints 服务地址（测试时可替换）
type Endpoints struct {
	TokenURL     string
	AuthorityURL string
	GraphURL     string
}

// DefaultEndpoints 返回生产环境地址
func DefaultEndpoints() Endpoints {
	return Endpoints{
		TokenURL:     DefaultTokenURL,
		AuthorityURL: DefaultAuthorityURL,
		GraphURL:     DefaultGraphURL,
	}
}

// TokenStore 持久化轮换后的刷新令牌
type TokenStore interface {
	UpdateOutboxSecret(ctx context.Context, userID int64, email, secret string) error
}

// Encrypter 凭据加密器
type Encrypter interface {
	Encrypt(ownerID int64, plaintext string) (string, error)
}

var (
	sharedClientOnce sync.Once
	sharedClient     *http.Client
)

// sharedHTTPClient 进程内共享的 HTTP 客户端，首次使用时创建，不随调用关闭
func sharedHTTPClient() *http.Client {
	sharedClientOnce.Do(func() {
		sharedClient = &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	})
	return sharedClient
}

// Option 客户端选项
type Option func(*Client)

// WithEndpoints 替换服务地址
func WithEndpoints(e Endpoints) Option {
	return func(c *Client) { c.endpoints = e }
}

// WithHTTPClient 替换 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger 设置日志记录器
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client 单个发件箱的 Graph 客户端
//
// 认证结果按 (email, username, password) 指纹缓存，输入变化时重新认证
type Client struct {
	endpoints  Endpoints
	httpClient *http.Client
	log        *zap.Logger
	now        func() time.Time

	mu           sync.Mutex
	email        string
	fingerprint  string
	result       *AuthenticationResult
	params       authParams
	tokenChanged bool
}

// NewClient 创建 Graph 客户端
func NewClient(opts ...Option) *Client {
	c := &Client{
		endpoints: DefaultEndpoints(),
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = sharedHTTPClient()
	}
	return c
}

// Result 返回当前缓存的认证结果
func (c *Client) Result() *AuthenticationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Authenticate 认证
//
// 指纹相同且令牌未过期时直接返回；否则按用户名格式选择授权方式：
//   - tenantId/clientId: 客户端凭据流，password 为客户端密钥
//   - clientId: 刷新令牌流，password 为刷新令牌或 {"clientSecret","refreshToken"} JSON
//
// 失败时不缓存任何结果
func (c *Client) Authenticate(ctx context.Context, email, username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fp := fingerprint(email, username, password)
	if c.result != nil && c.fingerprint == fp && !c.result.expired(c.now()) {
		return nil
	}

	params, err := resolveParams(username, password)
	if err != nil {
		c.resetLocked()
		return err
	}

	// 同一凭据过期续期时使用最近一次轮换得到的刷新令牌
	if params.flow == flowRefreshToken && c.result != nil && c.fingerprint == fp && c.result.RefreshToken != "" {
		params.refreshToken = c.result.RefreshToken
	}

	var result *AuthenticationResult
	switch params.flow {
	case flowClientCredentials:
		result, err = c.exchangeClientCredentials(ctx, params)
	default:
		result, err = c.exchangeRefreshToken(ctx, params)
	}
	if err != nil {
		c.resetLocked()
		return err
	}

	c.email = email
	c.fingerprint = fp
	c.result = result
	c.params = params
	c.tokenChanged = params.flow == flowRefreshToken && result.RefreshToken != params.refreshToken

	c.log.Debug("msgraph authenticated",
		zap.String("email", email),
		zap.Bool("personal", result.IsPersonalAccount),
		zap.Time("expires_at", result.ExpiresAt),
	)
	return nil
}

// AuthenticateAndPersist 认证，并在刷新令牌流且刷新令牌发生变化时加密保存新令牌
func (c *Client) AuthenticateAndPersist(ctx context.Context, email, username, password string, ownerID int64, store TokenStore, enc Encrypter) error {
	if err := c.Authenticate(ctx, email, username, password); err != nil {
		return err
	}

	c.mu.Lock()
	changed := c.tokenChanged
	params := c.params
	var newToken string
	if c.result != nil {
		newToken = c.result.RefreshToken
	}
	c.mu.Unlock()

	if !changed || store == nil || enc == nil {
		return nil
	}

	secret := params.storedSecret(newToken)
	encrypted, err := enc.Encrypt(ownerID, secret)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	if err := store.UpdateOutboxSecret(ctx, ownerID, email, encrypted); err != nil {
		return fmt.Errorf("persist refresh token: %w", err)
	}

	c.mu.Lock()
	c.tokenChanged = false
	c.mu.Unlock()

	c.log.Info("refresh token rotated and persisted", zap.String("email", email))
	return nil
}

func (c *Client) resetLocked() {
	c.fingerprint = ""
	c.result = nil
	c.tokenChanged = false
}

// ========== 参数解析 ==========

type flowType int

const (
	flowRefreshToken flowType = iota
	flowClientCredentials
)

type authParams struct {
	flow         flowType
	tenantID     string
	clientID     string
	clientSecret string
	refreshToken string
	jsonSecret   bool
}

// storedSecret 返回应保存的密码字段
func (p authParams) storedSecret(refreshToken string) string {
	if !p.jsonSecret {
		return refreshToken
	}
	raw, _ := json.Marshal(refreshSecret{ClientSecret: p.clientSecret, RefreshToken: refreshToken})
	return string(raw)
}

type refreshSecret struct {
	ClientSecret string `json:"clientSecret,omitempty"`
	RefreshToken string `json:"refreshToken"`
}

// resolveParams 根据用户名和密码确定授权方式
func resolveParams(username, password string) (authParams, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return authParams{}, authErrorf("client id is missing")
	}

	if tenant, client, ok := strings.Cut(username, "/"); ok {
		tenant = strings.TrimSpace(tenant)
		client = strings.TrimSpace(client)
		if tenant == "" || client == "" {
			return authParams{}, authErrorf("username must be in the form tenantId/clientId")
		}
		if password == "" {
			return authParams{}, authErrorf("client secret is missing")
		}
		return authParams{
			flow:         flowClientCredentials,
			tenantID:     tenant,
			clientID:     client,
			clientSecret: password,
		}, nil
	}

	p := authParams{flow: flowRefreshToken, clientID: username, refreshToken: strings.TrimSpace(password)}
	if strings.HasPrefix(p.refreshToken, "{") {
		var s refreshSecret
		if err := json.Unmarshal([]byte(p.refreshToken), &s); err != nil {
			return authParams{}, authErrorf("malformed credential json")
		}
		p.clientSecret = s.ClientSecret
		p.refreshToken = s.RefreshToken
		p.jsonSecret = true
	}
	if p.refreshToken == "" {
		return authParams{}, authErrorf("refresh token is missing")
	}
	return p, nil
}

// fingerprint 凭据指纹
func fingerprint(email, username, password string) string {
	sum := sha256.Sum256([]byte(email + "-" + username + "-" + password))
	return hex.EncodeToString(sum[:])
}

// ========== 令牌交换 ==========

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// exchangeRefreshToken 使用刷新令牌换取访问令牌
func (c *Client) exchangeRefreshToken(ctx context.Context, p authParams) (*AuthenticationResult, error) {
	form := url.Values{}
	form.Set("client_id", p.clientID)
	form.Set("refresh_token", p.refreshToken)
	form.Set("grant_type", "refresh_token")
	form.Set("scope", GraphScope)
	if p.clientSecret != "" {
		form.Set("client_secret", p.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrTokenUnavailable, err)
	}

	if retryableStatus(resp.StatusCode) {
		return nil, fmt.Errorf("%w: status %d", ErrTokenUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e tokenErrorResponse
		_ = json.Unmarshal(body, &e)
		msg := e.ErrorDescription
		if msg == "" {
			msg = "unknown error"
		}
		return nil, &AuthError{Message: msg}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrTokenUnavailable, err)
	}
	if tr.AccessToken == "" {
		return nil, authErrorf("token response has no access token")
	}
	if !strings.Contains(tr.Scope, MailSendPermission) {
		return nil, authErrorf("granted scope does not include %s", MailSendPermission)
	}

	result := &AuthenticationResult{
		AccessToken:       tr.AccessToken,
		RefreshToken:      tr.RefreshToken,
		Scopes:            strings.Fields(tr.Scope),
		IsPersonalAccount: true,
	}
	if result.RefreshToken == "" {
		result.RefreshToken = p.refreshToken
	}
	if tr.ExpiresIn > 0 {
		result.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return result, nil
}

// exchangeClientCredentials 客户端凭据流
func (c *Client) exchangeClientCredentials(ctx context.Context, p authParams) (*AuthenticationResult, error) {
	cfg := clientcredentials.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		TokenURL:     strings.TrimRight(c.endpoints.AuthorityURL, "/") + "/" + url.PathEscape(p.tenantID) + "/oauth2/v2.0/token",
		Scopes:       []string{GraphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := cfg.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if !errors.As(err, &re) || (re.Response != nil && retryableStatus(re.Response.StatusCode)) {
			return nil, fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
		}
		if re.ErrorDescription != "" {
			return nil, &AuthError{Message: re.ErrorDescription}
		}
		return nil, authErrorf("client credentials: %v", err)
	}

	scopes := grantedPermissions(tok)
	if len(scopes) > 0 && !containsPermission(scopes, MailSendPermission) {
		return nil, authErrorf("granted scope does not include %s", MailSendPermission)
	}

	return &AuthenticationResult{
		AccessToken: tok.AccessToken,
		Scopes:      scopes,
		ExpiresAt:   tok.Expiry,
	}, nil
}

// retryableStatus 令牌服务自身故障或限流，不代表凭据无效
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// grantedPermissions 读取授予的权限：优先使用响应中的 scope，其次读取访问令牌中的 roles 声明
func grantedPermissions(tok *oauth2.Token) []string {
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		return strings.Fields(scope)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err != nil {
		return nil
	}
	roles, _ := claims["roles"].([]any)
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func containsPermission(scopes []string, perm string) bool {
	for _, s := range scopes {
		if strings.Contains(s, perm) {
			return true
		}
	}
	return false
}
