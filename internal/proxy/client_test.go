package proxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startConnectProxy 启动一个最小的 HTTP CONNECT 代理，转发到真实目标
func startConnectProxy(t *testing.T, greeting string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				req, err := http.ReadRequest(br)
				if err != nil || req.Method != http.MethodConnect {
					return
				}
				if greeting != "" {
					// 直接回应，不转发
					fmt.Fprintf(c, "HTTP/1.1 200 Connection established\r\n\r\n%s", greeting)
					io.Copy(io.Discard, br)
					return
				}
				upstream, err := net.Dial("tcp", req.Host)
				if err != nil {
					fmt.Fprint(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
					return
				}
				defer upstream.Close()
				fmt.Fprint(c, "HTTP/1.1 200 Connection established\r\n\r\n")
				go io.Copy(upstream, br)
				io.Copy(c, upstream)
			}(conn)
		}
	}()

	return ln.Addr().String()
}

// startSOCKS4Proxy 启动一个最小的 SOCKS4 代理，授权后回显数据
func startSOCKS4Proxy(t *testing.T, got chan<- []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 256)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		got <- append([]byte(nil), buf[:n]...)

		conn.Write([]byte{0, 0x5a, 0, 0, 0, 0, 0, 0})
		io.Copy(conn, conn)
	}()

	return ln.Addr().String()
}

func TestParseScheme(t *testing.T) {
	for _, s := range []string{"socks5", "HTTP", "https", "socks4", "socks4a"} {
		_, err := ParseScheme(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseScheme("ftp")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestClient_HTTPConnect(t *testing.T) {
	addr := startConnectProxy(t, "220 smtp.example.com ESMTP\r\n")
	u, _ := url.Parse("http://user:pass@" + addr)

	client, err := NewClient(u)
	require.NoError(t, err)
	assert.Equal(t, SchemeHTTP, client.Scheme)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := client.DialContext(ctx, "tcp", "smtp.example.com:25")
	require.NoError(t, err)
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "220 smtp.example.com ESMTP\r\n", line)
}

func TestClient_SOCKS4(t *testing.T) {
	t.Run("SOCKS4a由代理解析域名", func(t *testing.T) {
		got := make(chan []byte, 1)
		addr := startSOCKS4Proxy(t, got)
		u, _ := url.Parse("socks4a://" + addr)

		client, err := NewClient(u)
		require.NoError(t, err)
		assert.Equal(t, SchemeSOCKS4A, client.Scheme)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		conn, err := client.DialContext(ctx, "tcp", "mx.example.com:587")
		require.NoError(t, err)
		defer conn.Close()

		req := <-got
		require.GreaterOrEqual(t, len(req), 9)
		assert.Equal(t, byte(0x04), req[0])
		assert.Equal(t, byte(0x01), req[1])
		assert.Equal(t, uint16(587), binary.BigEndian.Uint16(req[2:4]))
		assert.Equal(t, []byte{0, 0, 0, 1}, req[4:8])
		assert.Equal(t, "\x00mx.example.com\x00", string(req[8:]))

		_, err = conn.Write([]byte("ping"))
		require.NoError(t, err)
		buf := make([]byte, 4)
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(buf))
	})

	t.Run("SOCKS4发送IPv4地址", func(t *testing.T) {
		got := make(chan []byte, 1)
		addr := startSOCKS4Proxy(t, got)
		u, _ := url.Parse("socks4://" + addr)

		client, err := NewClient(u)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		conn, err := client.DialContext(ctx, "tcp", "192.0.2.10:25")
		require.NoError(t, err)
		defer conn.Close()

		req := <-got
		require.Len(t, req, 9)
		assert.Equal(t, uint16(25), binary.BigEndian.Uint16(req[2:4]))
		assert.Equal(t, []byte{192, 0, 2, 10}, req[4:8])
		assert.Equal(t, byte(0), req[8])
	})

	t.Run("代理无响应时遵循上下文超时", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { ln.Close() })
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			io.Copy(io.Discard, conn)
		}()

		u, _ := url.Parse("socks4://" + ln.Addr().String())
		client, err := NewClient(u)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err = client.DialContext(ctx, "tcp", "192.0.2.10:25")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestParseIP(t *testing.T) {
	ip, err := parseIP([]byte("203.0.113.9\n"))
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", ip)

	ip, err = parseIP([]byte(`{"ip":"2001:db8::1"}`))
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", ip)

	_, err = parseIP([]byte("<html>blocked</html>"))
	assert.Error(t, err)
}

func TestIPLookupChecker_GetIP(t *testing.T) {
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ip":"198.51.100.20"}`)
	}))
	defer echo.Close()

	proxyAddr := startConnectProxy(t, "")
	u, _ := url.Parse("http://" + proxyAddr)

	checker := NewIPLookupChecker(CheckerConfig{Name: "echo", URL: echo.URL, Enabled: true, Zone: "all"})
	assert.True(t, checker.Enabled())

	ip, err := checker.GetIP(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.20", ip)

	dead, _ := url.Parse("http://127.0.0.1:1")
	_, err = checker.GetIP(context.Background(), dead)
	assert.Error(t, err)
}
