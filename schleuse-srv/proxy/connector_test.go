package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/schleuse/schleuse-srv/config"
)

// echoServer accepts connections and writes back everything it reads.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func newTestDialer(t *testing.T, cfg *config.Config) *Dialer {
	t.Helper()
	set, err := NewClassifierSet(cfg.Classifiers)
	require.NoError(t, err)
	d, err := NewDialer(cfg, set)
	require.NoError(t, err)
	return d
}

func assertEcho(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestDialerDirect(t *testing.T) {
	addr := echoServer(t)
	d := newTestDialer(t, config.Default())

	conn, err := d.Dial(context.Background(), UpstreamTarget{Authority: addr})
	require.NoError(t, err)
	defer conn.Close()
	assertEcho(t, conn, "ping")
}

func TestDialerConnectIsAsynchronous(t *testing.T) {
	addr := echoServer(t)
	d := newTestDialer(t, config.Default())

	type result struct {
		conn net.Conn
		err  error
	}
	results := make(chan result, 1)
	d.Connect(context.Background(), UpstreamTarget{Authority: addr}, func(conn net.Conn, err error) {
		results <- result{conn, err}
	})

	select {
	case r := <-results:
		require.NoError(t, r.err)
		defer r.conn.Close()
		assertEcho(t, r.conn, "async")
	case <-time.After(5 * time.Second):
		t.Fatal("connect callback not called")
	}
}

func TestDialerRefused(t *testing.T) {
	d := newTestDialer(t, config.Default())

	_, err := d.Dial(context.Background(), UpstreamTarget{Authority: closedAddr(t)})
	require.Error(t, err)
	assert.Equal(t, ErrCodeConnectionRefused, ErrorCode(err))
	assert.True(t, IsConnectionError(err))
}

func TestDialerCancelled(t *testing.T) {
	d := newTestDialer(t, config.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dial(ctx, UpstreamTarget{Authority: echoServer(t)})
	assert.Error(t, err)
}

func TestDialerTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "https://")

	cfg := config.Default()
	d := newTestDialer(t, cfg)
	_, err := d.Dial(context.Background(), UpstreamTarget{Authority: addr, TLS: true})
	require.Error(t, err)
	assert.Equal(t, ErrCodeTLSUpstreamFailed, ErrorCode(err))

	cfg.Interception.InsecureSkipVerify = true
	d = newTestDialer(t, cfg)
	conn, err := d.Dial(context.Background(), UpstreamTarget{Authority: addr, TLS: true, ServerName: "example.com"})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "secure", string(body))
}

// parentProxy is a minimal CONNECT proxy. It answers with status and, on
// success, sends early before relaying to the requested target.
func parentProxy(t *testing.T, status, early string, seen chan<- string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				req, err := http.ReadRequest(bufio.NewReader(conn))
				if err != nil {
					return
				}
				seen <- req.Method + " " + req.Host + " " + req.Header.Get("Proxy-Authorization")
				_, _ = conn.Write([]byte("HTTP/1.1 " + status + "\r\nContent-Length: 0\r\n\r\n" + early))
				if !strings.HasPrefix(status, "200") {
					return
				}
				target, err := net.Dial("tcp", req.Host)
				if err != nil {
					return
				}
				defer target.Close()
				go func() { _, _ = io.Copy(target, conn) }()
				_, _ = io.Copy(conn, target)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestDialerHTTPProxyForward(t *testing.T) {
	target := echoServer(t)
	seen := make(chan string, 1)
	parent := parentProxy(t, "200 Connection established", "early", seen)

	user, pass := "alice", "secret"
	cfg := config.Default()
	cfg.Forwards = []config.Forward{&config.ForwardProxy{Address: parent, Username: &user, Password: &pass}}
	d := newTestDialer(t, cfg)

	conn, err := d.Dial(context.Background(), UpstreamTarget{Authority: target})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "CONNECT "+target+" Basic YWxpY2U6c2VjcmV0", <-seen)

	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "early", string(buf), "bytes after the CONNECT answer are replayed")
	assertEcho(t, conn, "through parent")
}

func TestDialerHTTPProxyDenied(t *testing.T) {
	seen := make(chan string, 1)
	parent := parentProxy(t, "407 Proxy Authentication Required", "", seen)

	cfg := config.Default()
	cfg.Forwards = []config.Forward{&config.ForwardProxy{Address: parent}}
	d := newTestDialer(t, cfg)

	_, err := d.Dial(context.Background(), UpstreamTarget{Authority: "example.com:443"})
	require.Error(t, err)
	assert.Equal(t, ErrCodeProxyDenied, ErrorCode(err))
	assert.True(t, IsProxyChainError(err))
}

func TestDialerHTTPProxyUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Forwards = []config.Forward{&config.ForwardProxy{Address: closedAddr(t)}}
	d := newTestDialer(t, cfg)

	_, err := d.Dial(context.Background(), UpstreamTarget{Authority: "example.com:443"})
	assert.Equal(t, ErrCodeHTTPProxyDialFailed, ErrorCode(err))
}

func TestDialerHTTPProxyCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	cfg := config.Default()
	cfg.TimeoutSeconds = 60
	cfg.Forwards = []config.Forward{&config.ForwardProxy{Address: ln.Addr().String()}}
	d := newTestDialer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 1)
	go func() {
		_, err := d.Dial(ctx, UpstreamTarget{Authority: "example.com:443"})
		errs <- err
	}()

	select {
	case parent := <-accepted:
		defer parent.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("parent proxy not dialed")
	}
	cancel()

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, ErrCodeHTTPProxyConnectFailed, ErrorCode(err))
	case <-time.After(5 * time.Second):
		t.Fatal("silent parent proxy blocked the cancelled dial")
	}
}

func TestDialerSocks5Forward(t *testing.T) {
	target := echoServer(t)

	server, err := socks5.New(&socks5.Config{})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = server.Serve(ln) }()

	cfg := config.Default()
	cfg.Forwards = []config.Forward{&config.ForwardSocks5{Address: ln.Addr().String()}}
	d := newTestDialer(t, cfg)

	conn, err := d.Dial(context.Background(), UpstreamTarget{Authority: target})
	require.NoError(t, err)
	defer conn.Close()
	assertEcho(t, conn, "via socks")
}

func TestDialerSocks5Unreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Forwards = []config.Forward{&config.ForwardSocks5{Address: closedAddr(t)}}
	d := newTestDialer(t, cfg)

	_, err := d.Dial(context.Background(), UpstreamTarget{Authority: "example.com:443"})
	assert.Equal(t, ErrCodeSOCKS5ConnectFailed, ErrorCode(err))
}

func TestDialerForwardSelection(t *testing.T) {
	target := echoServer(t)
	seen := make(chan string, 1)
	parent := parentProxy(t, "407 Proxy Authentication Required", "", seen)

	cfg := config.Default()
	cfg.Forwards = []config.Forward{
		&config.ForwardProxy{
			ClassifierData: &config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "internal.example"},
			Address:        parent,
		},
		&config.ForwardDefaultNetwork{ForceIPv4: true},
	}
	d := newTestDialer(t, cfg)

	conn, err := d.Dial(context.Background(), UpstreamTarget{Authority: target})
	require.NoError(t, err, "unmatched targets fall through to the default network")
	defer conn.Close()
	assertEcho(t, conn, "direct")

	_, err = d.Dial(context.Background(), UpstreamTarget{Authority: "wiki.internal.example:443"})
	assert.Equal(t, ErrCodeProxyDenied, ErrorCode(err))
}

func TestPrefixConn(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	assert.Same(t, a, newPrefixConn(a, nil))

	conn := newPrefixConn(a, []byte("head"))
	go func() { _, _ = b.Write([]byte("tail")) }()

	buf := make([]byte, 8)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "headtail", string(buf))
}
