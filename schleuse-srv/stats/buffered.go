package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/schleuse/schleuse-srv/logger"
)

// BufferedCollector queues records in memory and writes them to the
// underlying collector on a fixed interval. Record calls never block on the
// database, so it is safe to use from the reactor goroutine.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	mu    sync.Mutex
	batch batch

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type batch struct {
	pending       map[string]*connectionData
	completed     []completedConnectionData
	httpRequests  []httpRequestData
	httpResponses []httpResponseData
	errors        []errorData
	security      []securityEventData
}

type connectionData struct {
	clientIP   string
	targetHost string
	targetPort int
	protocol   string
	written    bool
}

type completedConnectionData struct {
	uuid          string
	conn          connectionData
	bytesSent     int64
	bytesReceived int64
	duration      time.Duration
	closeReason   string
}

type httpRequestData struct {
	uuid          string
	method        string
	url           string
	host          string
	userAgent     string
	contentLength int64
}

type httpResponseData struct {
	uuid          string
	statusCode    int
	contentLength int64
}

type errorData struct {
	uuid         string
	errorType    string
	errorMessage string
}

type securityEventData struct {
	clientIP   string
	targetHost string
	blocked    bool
	reason     string
}

func (b *batch) size() int {
	return len(b.completed) + len(b.httpRequests) + len(b.httpResponses) + len(b.errors) + len(b.security)
}

// NewBufferedCollectorWithInterval wraps underlying and starts the flusher.
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
	bc.batch.pending = make(map[string]*connectionData)

	bc.wg.Add(1)
	go bc.flusher()
	return bc
}

func (b *BufferedCollector) flusher() {
	defer b.wg.Done()

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.stopChan:
			b.Flush()
			return
		}
	}
}

func (b *BufferedCollector) StartConnection(_ context.Context, connectionUUID, clientIP, targetHost string, targetPort int, protocol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batch.pending[connectionUUID] = &connectionData{
		clientIP:   clientIP,
		targetHost: targetHost,
		targetPort: targetPort,
		protocol:   protocol,
	}
	return nil
}

func (b *BufferedCollector) EndConnection(_ context.Context, connectionUUID string, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, exists := b.batch.pending[connectionUUID]
	if !exists {
		return nil
	}
	delete(b.batch.pending, connectionUUID)
	b.batch.completed = append(b.batch.completed, completedConnectionData{
		uuid:          connectionUUID,
		conn:          *conn,
		bytesSent:     bytesSent,
		bytesReceived: bytesReceived,
		duration:      duration,
		closeReason:   closeReason,
	})
	return nil
}

func (b *BufferedCollector) RecordHTTPRequest(_ context.Context, connectionUUID, method, url, host, userAgent string, contentLength int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batch.httpRequests = append(b.batch.httpRequests, httpRequestData{
		uuid:          connectionUUID,
		method:        method,
		url:           url,
		host:          host,
		userAgent:     userAgent,
		contentLength: contentLength,
	})
	return nil
}

func (b *BufferedCollector) RecordHTTPResponse(_ context.Context, connectionUUID string, statusCode int, contentLength int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batch.httpResponses = append(b.batch.httpResponses, httpResponseData{
		uuid:          connectionUUID,
		statusCode:    statusCode,
		contentLength: contentLength,
	})
	return nil
}

func (b *BufferedCollector) RecordError(_ context.Context, connectionUUID, errorType, errorMessage string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batch.errors = append(b.batch.errors, errorData{
		uuid:         connectionUUID,
		errorType:    errorType,
		errorMessage: errorMessage,
	})
	return nil
}

func (b *BufferedCollector) RecordBlockedRequest(_ context.Context, clientIP, targetHost, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batch.security = append(b.batch.security, securityEventData{
		clientIP:   clientIP,
		targetHost: targetHost,
		blocked:    true,
		reason:     reason,
	})
	return nil
}

func (b *BufferedCollector) RecordAllowedRequest(_ context.Context, clientIP, targetHost string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batch.security = append(b.batch.security, securityEventData{
		clientIP:   clientIP,
		targetHost: targetHost,
	})
	return nil
}

// GetOverviewStats flushes and queries the underlying collector.
func (b *BufferedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	b.Flush()
	return b.underlying.GetOverviewStats(ctx)
}

func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// take swaps out everything that is ready to be written. Connections still
// open are returned once so their start is recorded.
func (b *BufferedCollector) take() (batch, map[string]connectionData) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.batch
	starts := make(map[string]connectionData)
	for id, conn := range b.batch.pending {
		if !conn.written {
			starts[id] = *conn
			conn.written = true
		}
	}
	b.batch = batch{pending: b.batch.pending}
	return out, starts
}

// Flush writes all buffered data to the underlying collector.
func (b *BufferedCollector) Flush() {
	data, starts := b.take()
	if data.size()+len(starts) == 0 {
		return
	}

	logger.Debug("Flushing stats data %d", data.size()+len(starts))

	ctx := context.Background()
	logErr := func(err error) {
		if err != nil {
			logger.Warn("Failed to write statistics: %v", err)
		}
	}

	for id, conn := range starts {
		logErr(b.underlying.StartConnection(ctx, id, conn.clientIP, conn.targetHost, conn.targetPort, conn.protocol))
	}
	for _, c := range data.completed {
		if !c.conn.written {
			logErr(b.underlying.StartConnection(ctx, c.uuid, c.conn.clientIP, c.conn.targetHost, c.conn.targetPort, c.conn.protocol))
		}
		logErr(b.underlying.EndConnection(ctx, c.uuid, c.bytesSent, c.bytesReceived, c.duration, c.closeReason))
	}
	for _, req := range data.httpRequests {
		logErr(b.underlying.RecordHTTPRequest(ctx, req.uuid, req.method, req.url, req.host, req.userAgent, req.contentLength))
	}
	for _, resp := range data.httpResponses {
		logErr(b.underlying.RecordHTTPResponse(ctx, resp.uuid, resp.statusCode, resp.contentLength))
	}
	for _, e := range data.errors {
		logErr(b.underlying.RecordError(ctx, e.uuid, e.errorType, e.errorMessage))
	}
	for _, ev := range data.security {
		if ev.blocked {
			logErr(b.underlying.RecordBlockedRequest(ctx, ev.clientIP, ev.targetHost, ev.reason))
		} else {
			logErr(b.underlying.RecordAllowedRequest(ctx, ev.clientIP, ev.targetHost))
		}
	}
}

// Close stops the flusher, writes what is left and closes the underlying
// collector.
func (b *BufferedCollector) Close() error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
	return b.underlying.Close()
}
