package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/schleuse/schleuse-srv/config"
	"github.com/codefionn/schleuse/schleuse-srv/httpparse"
	"github.com/codefionn/schleuse/schleuse-srv/metrics"
	"github.com/codefionn/schleuse/schleuse-srv/stats"
)

// startProxy serves cfg on a random local port until the test ends and
// returns the proxy URL without credentials.
func startProxy(t *testing.T, cfg *config.Config, opts ...Option) (*Proxy, *url.URL) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.Servers = []config.ServerConfig{{ListenAddress: ln.Addr().String(), Enabled: true}}

	base := []Option{
		WithCollector(stats.NewDummyCollector()),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	}
	p, err := NewProxy(cfg, append(base, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ServeListener(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("proxy did not stop")
		}
	})
	return p, &url.URL{Scheme: "http", Host: ln.Addr().String()}
}

func withUser(u *url.URL, user, pass string) *url.URL {
	out := *u
	out.User = url.UserPassword(user, pass)
	return &out
}

func proxyClient(proxyURL *url.URL, tlsConfig *tls.Config) *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: tlsConfig,
		},
	}
}

func TestProxyForwardsHTTP(t *testing.T) {
	var seenAuth, seenProxyConn []string
	var mu sync.Mutex
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenAuth = append(seenAuth, r.Header.Get("Proxy-Authorization"))
		seenProxyConn = append(seenProxyConn, r.Header.Get("Proxy-Connection"))
		mu.Unlock()
		w.Header().Set("X-Backend", "yes")
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	}))
	defer backend.Close()

	_, proxyURL := startProxy(t, authConfig())
	client := proxyClient(withUser(proxyURL, "user", "pass"), nil)

	for _, path := range []string{"/one", "/two"} {
		resp, err := client.Get(backend.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "yes", resp.Header.Get("X-Backend"))
		assert.Equal(t, "hello "+path, string(body))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", ""}, seenAuth, "credentials are not forwarded")
	assert.Equal(t, []string{"", ""}, seenProxyConn)
}

func TestProxyRequiresCredentials(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be reached")
	}))
	defer backend.Close()

	_, proxyURL := startProxy(t, authConfig())

	for _, u := range []*url.URL{proxyURL, withUser(proxyURL, "user", "wrong")} {
		resp, err := proxyClient(u, nil).Get(backend.URL)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
		assert.Equal(t, `Basic realm="schleuse"`, resp.Header.Get("Proxy-Authenticate"))
	}
}

func TestProxyDeniedConnectionStaysUsable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer backend.Close()

	_, proxyURL := startProxy(t, authConfig())
	conn, err := net.Dial("tcp", proxyURL.Host)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	reader := bufio.NewReader(conn)

	_, err = io.WriteString(conn, "GET "+backend.URL+"/ HTTP/1.1\r\nHost: "+strings.TrimPrefix(backend.URL, "http://")+"\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)

	_, err = io.WriteString(conn, "GET "+backend.URL+"/ HTTP/1.1\r\nHost: "+strings.TrimPrefix(backend.URL, "http://")+"\r\n"+validAuth+"\r\n")
	require.NoError(t, err)
	resp, err = http.ReadResponse(reader, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestProxyBadGateway(t *testing.T) {
	_, proxyURL := startProxy(t, config.Default())

	resp, err := proxyClient(proxyURL, nil).Get("http://" + closedAddr(t) + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrCodeConnectionRefused, resp.Header.Get("X-Proxy-Error"))
}

func TestProxyConnectTunnel(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "tunneled")
	}))
	defer backend.Close()

	_, proxyURL := startProxy(t, authConfig())
	client := proxyClient(withUser(proxyURL, "user", "pass"), &tls.Config{RootCAs: certPool(backend.Certificate())})

	resp, err := client.Get(backend.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "tunneled", string(body))
	assert.Equal(t, backend.Certificate().Raw, resp.TLS.PeerCertificates[0].Raw, "tunnels are not intercepted")
}

// capturePlugin records decrypted client traffic. Hooks run on the reactor
// goroutine while tests read from their own.
type capturePlugin struct {
	BasePlugin
	mu      sync.Mutex
	targets []string
	data    strings.Builder
}

func (p *capturePlugin) Name() string { return "capture" }

func (p *capturePlugin) AfterAuth(fc *Flow, req *httpparse.Message) (HookResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, req.Method+" "+req.Target)
	return HookResult{}, nil
}

func (p *capturePlugin) OnChunk(fc *Flow, dir Direction, chunk []byte) ([]byte, error) {
	if dir == ClientToUpstream && fc.Intercepted {
		p.mu.Lock()
		p.data.Write(chunk)
		p.mu.Unlock()
	}
	return chunk, nil
}

func (p *capturePlugin) captured() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.String()
}

func TestProxyTLSInterception(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "intercepted "+r.URL.Path)
	}))
	defer backend.Close()

	ca := newTestCA(t, nil)
	interceptor := NewTLSInterceptor(NewCertificateCache(NewCAIssuer(ca.cert, ca.key), 0), 5*time.Second, true)
	capture := &capturePlugin{}
	p, proxyURL := startProxy(t, authConfig(), WithInterceptor(interceptor), WithPlugins(capture))

	client := proxyClient(withUser(proxyURL, "user", "pass"), &tls.Config{RootCAs: ca.pool()})
	resp, err := client.Get(backend.URL + "/secret")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, "intercepted /secret", string(body))
	assert.Equal(t, "schleuse test CA", resp.TLS.PeerCertificates[0].Issuer.CommonName)
	assert.Contains(t, capture.captured(), "GET /secret HTTP/1.1\r\n")
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().Interceptions.WithLabelValues("success")))
}

func TestProxyTLSInterceptionUpstreamVerifyFails(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	ca := newTestCA(t, nil)
	interceptor := NewTLSInterceptor(NewCertificateCache(NewCAIssuer(ca.cert, ca.key), 0), 5*time.Second, false)
	p, proxyURL := startProxy(t, config.Default(), WithInterceptor(interceptor))

	client := proxyClient(proxyURL, &tls.Config{RootCAs: ca.pool()})
	_, err := client.Get(backend.URL)
	require.Error(t, err)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(p.Metrics().Interceptions.WithLabelValues("failure")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProxyWebSocketThroughConnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	_, proxyURL := startProxy(t, authConfig())
	dialer := websocket.Dialer{
		Proxy:            http.ProxyURL(withUser(proxyURL, "user", "pass")),
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(backend.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	for _, msg := range []string{"first", "second", strings.Repeat("x", 100_000)} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		_, got, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}
}

func TestProxyLargeBody(t *testing.T) {
	payload := strings.Repeat("0123456789", 200_000)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, payload)
	}))
	defer backend.Close()

	cfg := config.Default()
	cfg.MaxBufferBytes = 64 * 1024
	_, proxyURL := startProxy(t, cfg)

	resp, err := proxyClient(proxyURL, nil).Get(backend.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, len(payload), len(body))
	assert.Equal(t, payload, string(body))
}

func TestProxyLargeUpload(t *testing.T) {
	payload := strings.Repeat("abcdefghij", 200_000)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if string(body) != payload {
			w.WriteHeader(http.StatusExpectationFailed)
			return
		}
		_, _ = io.WriteString(w, "stored")
	}))
	defer backend.Close()

	cfg := config.Default()
	cfg.MaxBufferBytes = 64 * 1024
	_, proxyURL := startProxy(t, cfg)

	resp, err := proxyClient(proxyURL, nil).Post(backend.URL+"/upload", "text/plain", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stored", string(body))
}

func TestProxyConnectionLimit(t *testing.T) {
	cfg := config.Default()
	cfg.MaxConcurrentConnections = 1
	p, proxyURL := startProxy(t, cfg)

	first, err := net.Dial("tcp", proxyURL.Host)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(p.Metrics().ActiveConnections) == 1
	}, 5*time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", proxyURL.Host)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().ConnectionsRejected))

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(p.Metrics().ActiveConnections) == 0
	}, 5*time.Second, 10*time.Millisecond)

	third, err := net.Dial("tcp", proxyURL.Host)
	require.NoError(t, err)
	defer third.Close()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(p.Metrics().ConnectionsAccepted) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerAcquireLimits(t *testing.T) {
	cfg := config.Default()
	cfg.MaxConcurrentConnections = 2
	p, err := NewProxy(cfg, WithCollector(stats.NewDummyCollector()), WithMetrics(metrics.New(prometheus.NewRegistry())))
	require.NoError(t, err)

	limited := &Server{proxy: p, config: config.ServerConfig{ListenAddress: "127.0.0.1:3128", MaxConnections: 1}}
	require.NoError(t, limited.acquire())
	err = limited.acquire()
	require.Error(t, err)
	assert.Equal(t, ErrCodeConcurrencyLimitReached, ErrorCode(err))
	assert.Contains(t, err.Error(), "max-connections 1 of 127.0.0.1:3128")

	limited.release()
	require.NoError(t, limited.acquire())

	open := &Server{proxy: p}
	require.NoError(t, open.acquire())
	err = open.acquire()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max-concurrent-connections 2")
	assert.True(t, IsResourceError(err))
}

func TestProxyRunWithoutServers(t *testing.T) {
	cfg := config.Default()
	cfg.Servers = nil
	p, err := NewProxy(cfg, WithCollector(stats.NewDummyCollector()), WithMetrics(metrics.New(prometheus.NewRegistry())))
	require.NoError(t, err)
	assert.Equal(t, ErrCodeNoEnabledServers, ErrorCode(p.Run(context.Background())))
}

func certPool(cert *x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return pool
}
