package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting proxy statistics.
// Connections are identified by their UUID string so callers never wait for
// a database generated id.
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int, protocol string) error
	EndConnection(ctx context.Context, connectionUUID string, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Request/Response tracking
	RecordHTTPRequest(ctx context.Context, connectionUUID, method, url, host, userAgent string, contentLength int64) error
	RecordHTTPResponse(ctx context.Context, connectionUUID string, statusCode int, contentLength int64) error

	// Error tracking
	RecordError(ctx context.Context, connectionUUID, errorType, errorMessage string) error

	// Security events
	RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error
	RecordAllowedRequest(ctx context.Context, clientIP, targetHost string) error

	GetOverviewStats(ctx context.Context) (*OverviewStats, error)

	HealthCheck(ctx context.Context) error

	// Close flushes pending data and releases resources
	Close() error
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	TotalRequests     int64 `json:"total_requests"`
	TotalResponses    int64 `json:"total_responses"`
	TotalErrors       int64 `json:"total_errors"`
	BlockedRequests   int64 `json:"blocked_requests"`
	AllowedRequests   int64 `json:"allowed_requests"`
	TotalBytesIn      int64 `json:"total_bytes_in"`
	TotalBytesOut     int64 `json:"total_bytes_out"`
}
