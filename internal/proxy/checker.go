package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bulkmail/backend/internal/domain"
)

// HealthChecker 代理健康检测服务（通过代理查询出口 IP）
type HealthChecker interface {
	Name() string
	Enabled() bool
	ZoneType() domain.ProxyZoneType
	Order() int
	GetIP(ctx context.Context, proxyURL *url.URL) (string, error)
}

// CheckerConfig IP 查询服务配置
type CheckerConfig struct {
	Name    string        `mapstructure:"name"`
	URL     string        `mapstructure:"url"`
	Zone    string        `mapstructure:"zone"`
	Order   int           `mapstructure:"order"`
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// IPLookupChecker 通过 HTTP IP 回显服务检测代理
//
// 支持纯文本响应或 {"ip": "..."} 格式的 JSON 响应
type IPLookupChecker struct {
	cfg  CheckerConfig
	zone domain.ProxyZoneType
}

// NewIPLookupChecker 创建 IP 查询检测器
func NewIPLookupChecker(cfg CheckerConfig) *IPLookupChecker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = cfg.URL
	}
	return &IPLookupChecker{cfg: cfg, zone: domain.ParseProxyZone(cfg.Zone)}
}

func (c *IPLookupChecker) Name() string { return c.cfg.Name }
func (c *IPLookupChecker) Enabled() bool { return c.cfg.Enabled && c.cfg.URL != "" }
func (c *IPLookupChecker) ZoneType() domain.ProxyZoneType { return c.zone }
func (c *IPLookupChecker) Order() int { return c.cfg.Order }

// GetIP 经由代理请求 IP 回显服务，返回出口 IP
func (c *IPLookupChecker) GetIP(ctx context.Context, proxyURL *url.URL) (string, error) {
	client, err := NewClient(proxyURL)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return "", err
	}

	resp, err := client.HTTPClient(c.cfg.Timeout).Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip lookup %s: %s", c.cfg.Name, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	return parseIP(body)
}

// parseIP 解析纯文本或 JSON 格式的 IP 响应
func parseIP(body []byte) (string, error) {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var payload struct {
			IP     string `json:"ip"`
			Origin string `json:"origin"`
		}
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			return "", fmt.Errorf("decode ip response: %w", err)
		}
		text = payload.IP
		if text == "" {
			text = payload.Origin
		}
	}

	if net.ParseIP(text) == nil {
		return "", errors.New("ip lookup returned no valid address")
	}
	return text, nil
}

// NewCheckers 根据配置创建检测器列表
func NewCheckers(cfgs []CheckerConfig) []HealthChecker {
	out := make([]HealthChecker, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, NewIPLookupChecker(cfg))
	}
	return out
}
