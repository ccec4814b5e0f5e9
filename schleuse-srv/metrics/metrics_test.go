package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "1xx", StatusClass(101))
	assert.Equal(t, "2xx", StatusClass(200))
	assert.Equal(t, "4xx", StatusClass(407))
	assert.Equal(t, "5xx", StatusClass(502))
	assert.Equal(t, "other", StatusClass(0))
	assert.Equal(t, "other", StatusClass(600))
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Requests.WithLabelValues("GET").Inc()
	m.Requests.WithLabelValues("GET").Inc()
	m.Requests.WithLabelValues("CONNECT").Inc()
	m.AuthDenied.Inc()
	m.ActiveConnections.Inc()
	m.ActiveConnections.Dec()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("GET")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("CONNECT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthDenied))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveConnections))
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.ConnectionsAccepted.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "schleuse_connections_accepted_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServeListener(t *testing.T) {
	m := New(prometheus.NewRegistry())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "schleuse_active_connections")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
