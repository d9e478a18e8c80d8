// Package proxy 代理健康检测、路由匹配与拨号客户端
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"
	"h12.io/socks"
)

// Scheme 代理协议
type Scheme string

const (
	SchemeSOCKS5  Scheme = "socks5"
	SchemeHTTP    Scheme = "http"
	SchemeHTTPS   Scheme = "https"
	SchemeSOCKS4  Scheme = "socks4"
	SchemeSOCKS4A Scheme = "socks4a"
)

var ErrUnsupportedScheme = errors.New("proxy: unsupported scheme")

// defaultDialTimeout 连接代理服务器的超时时间
const defaultDialTimeout = 15 * time.Second

func init() {
	xproxy.RegisterDialerType(string(SchemeHTTP), newConnectDialer)
	xproxy.RegisterDialerType(string(SchemeHTTPS), newConnectDialer)
	xproxy.RegisterDialerType(string(SchemeSOCKS4), newSOCKS4Dialer)
	xproxy.RegisterDialerType(string(SchemeSOCKS4A), newSOCKS4Dialer)
}

// ParseScheme 解析协议，不支持时返回 ErrUnsupportedScheme
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(s)) {
	case SchemeSOCKS5:
		return SchemeSOCKS5, nil
	case SchemeHTTP:
		return SchemeHTTP, nil
	case SchemeHTTPS:
		return SchemeHTTPS, nil
	case SchemeSOCKS4:
		return SchemeSOCKS4, nil
	case SchemeSOCKS4A:
		return SchemeSOCKS4A, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, s)
	}
}

// Client 通过代理建立 TCP 连接
type Client struct {
	Scheme Scheme
	Addr   string
	dialer xproxy.Dialer
}

// NewClient 根据代理 URL 创建拨号客户端
func NewClient(u *url.URL) (*Client, error) {
	if u == nil {
		return nil, errors.New("proxy: nil url")
	}
	scheme, err := ParseScheme(u.Scheme)
	if err != nil {
		return nil, err
	}

	forward := &net.Dialer{Timeout: defaultDialTimeout}
	normalized := *u
	normalized.Scheme = string(scheme)
	dialer, err := xproxy.FromURL(&normalized, forward)
	if err != nil {
		return nil, fmt.Errorf("build %s dialer: %w", scheme, err)
	}

	return &Client{Scheme: scheme, Addr: u.Host, dialer: dialer}, nil
}

// DialContext 通过代理连接目标地址
func (c *Client) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := c.dialer.(xproxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := c.dialer.Dial(network, addr)
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// HTTPClient 返回经由该代理访问的 HTTP 客户端
func (c *Client) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         c.DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   true,
		},
	}
}

// ========== HTTP CONNECT ==========

type connectDialer struct {
	proxyAddr string
	useTLS    bool
	auth      string
	forward   xproxy.Dialer
}

func newConnectDialer(u *url.URL, forward xproxy.Dialer) (xproxy.Dialer, error) {
	d := &connectDialer{
		proxyAddr: hostPort(u, "80"),
		useTLS:    u.Scheme == string(SchemeHTTPS),
		forward:   forward,
	}
	if d.useTLS {
		d.proxyAddr = hostPort(u, "443")
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		cred := u.User.Username() + ":" + pass
		d.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(cred))
	}
	return d, nil
}

func (d *connectDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *connectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := dialForward(ctx, d.forward, "tcp", d.proxyAddr)
	if err != nil {
		return nil, err
	}

	if d.useTLS {
		host, _, _ := net.SplitHostPort(d.proxyAddr)
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("proxy tls handshake: %w", err)
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.auth != "" {
		req.Header.Set("Proxy-Authorization", d.auth)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	// 隧道建立后响应体即为隧道数据，不能 Close
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT %s: %s", addr, resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn 保留读取 CONNECT 响应时多读的数据
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// ========== SOCKS4 / SOCKS4a ==========

// socks4Dialer 包装 h12.io/socks；该库自行连接代理服务器，不支持用户 ID
type socks4Dialer struct {
	dial func(network, addr string) (net.Conn, error)
}

func newSOCKS4Dialer(u *url.URL, _ xproxy.Dialer) (xproxy.Dialer, error) {
	target := url.URL{Scheme: u.Scheme, Host: hostPort(u, "1080")}
	q := url.Values{}
	q.Set("timeout", defaultDialTimeout.String())
	target.RawQuery = q.Encode()
	return &socks4Dialer{dial: socks.Dial(target.String())}, nil
}

func (d *socks4Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.dial(network, addr)
}

// dialForward 使用上游拨号器连接代理服务器
func dialForward(ctx context.Context, forward xproxy.Dialer, network, addr string) (net.Conn, error) {
	if cd, ok := forward.(xproxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return forward.Dial(network, addr)
}

func hostPort(u *url.URL, defaultPort string) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), defaultPort)
}
