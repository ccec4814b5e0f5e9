package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/schleuse/schleuse-srv/logger"
)

// dialect holds the differences between the supported SQL backends.
type dialect struct {
	driver     string
	idColumn   string
	timeColumn string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var (
	dialectSQLite = dialect{
		driver:     "sqlite3",
		idColumn:   "INTEGER PRIMARY KEY AUTOINCREMENT",
		timeColumn: "TIMESTAMP",
	}
	dialectPostgres = dialect{
		driver:     "postgres",
		idColumn:   "BIGSERIAL PRIMARY KEY",
		timeColumn: "TIMESTAMPTZ",
		numbered:   true,
	}
)

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS connections (
			connection_uuid TEXT PRIMARY KEY,
			client_ip TEXT NOT NULL,
			target_host TEXT NOT NULL,
			target_port INTEGER NOT NULL,
			protocol TEXT NOT NULL,
			started_at ` + d.timeColumn + ` NOT NULL,
			ended_at ` + d.timeColumn + `,
			bytes_sent BIGINT NOT NULL DEFAULT 0,
			bytes_received BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS http_requests (
			id ` + d.idColumn + `,
			connection_uuid TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			host TEXT NOT NULL,
			user_agent TEXT NOT NULL,
			content_length BIGINT NOT NULL,
			timestamp ` + d.timeColumn + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS http_responses (
			id ` + d.idColumn + `,
			connection_uuid TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			content_length BIGINT NOT NULL,
			timestamp ` + d.timeColumn + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS errors (
			id ` + d.idColumn + `,
			connection_uuid TEXT NOT NULL,
			error_type TEXT NOT NULL,
			error_message TEXT NOT NULL,
			timestamp ` + d.timeColumn + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS security_events (
			id ` + d.idColumn + `,
			client_ip TEXT NOT NULL,
			target_host TEXT NOT NULL,
			event_type TEXT NOT NULL,
			reason TEXT NOT NULL,
			timestamp ` + d.timeColumn + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_http_requests_connection ON http_requests (connection_uuid)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_host ON security_events (target_host)`,
	}
}

// SQLCollector implements Collector on top of database/sql.
type SQLCollector struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLCollector, error) {
	db, err := sql.Open(dialectSQLite.driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the flusher and queries.
	db.SetMaxOpenConns(1)

	return newSQLCollector(db, dialectSQLite)
}

// NewPostgreSQLCollector creates a new PostgreSQL-based stats collector
func NewPostgreSQLCollector(connectionString string) (*SQLCollector, error) {
	db, err := sql.Open(dialectPostgres.driver, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLCollector(db, dialectPostgres)
}

func newSQLCollector(db *sql.DB, d dialect) (*SQLCollector, error) {
	c := &SQLCollector{db: db, dialect: d}
	for _, stmt := range d.schema() {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	logger.Debug("Initialized stats collector %s", d.driver)
	return c, nil
}

func (s *SQLCollector) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	return err
}

func (s *SQLCollector) StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int, protocol string) error {
	err := s.exec(ctx,
		`INSERT INTO connections (connection_uuid, client_ip, target_host, target_port, protocol, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		connectionUUID, clientIP, targetHost, targetPort, protocol, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record connection start: %w", err)
	}
	return nil
}

func (s *SQLCollector) EndConnection(ctx context.Context, connectionUUID string, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE connection_uuid = ?`,
		time.Now().UTC(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionUUID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

func (s *SQLCollector) RecordHTTPRequest(ctx context.Context, connectionUUID, method, url, host, userAgent string, contentLength int64) error {
	err := s.exec(ctx,
		`INSERT INTO http_requests (connection_uuid, method, url, host, user_agent, content_length, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		connectionUUID, method, url, host, userAgent, contentLength, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record HTTP request: %w", err)
	}
	return nil
}

func (s *SQLCollector) RecordHTTPResponse(ctx context.Context, connectionUUID string, statusCode int, contentLength int64) error {
	err := s.exec(ctx,
		`INSERT INTO http_responses (connection_uuid, status_code, content_length, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionUUID, statusCode, contentLength, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record HTTP response: %w", err)
	}
	return nil
}

func (s *SQLCollector) RecordError(ctx context.Context, connectionUUID, errorType, errorMessage string) error {
	err := s.exec(ctx,
		`INSERT INTO errors (connection_uuid, error_type, error_message, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionUUID, errorType, errorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

func (s *SQLCollector) recordSecurityEvent(ctx context.Context, clientIP, targetHost, eventType, reason string) error {
	err := s.exec(ctx,
		`INSERT INTO security_events (client_ip, target_host, event_type, reason, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		clientIP, targetHost, eventType, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record %s request: %w", eventType, err)
	}
	return nil
}

func (s *SQLCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	return s.recordSecurityEvent(ctx, clientIP, targetHost, "blocked", reason)
}

func (s *SQLCollector) RecordAllowedRequest(ctx context.Context, clientIP, targetHost string) error {
	return s.recordSecurityEvent(ctx, clientIP, targetHost, "allowed", "")
}

// GetOverviewStats returns overview statistics
func (s *SQLCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}

	queries := []struct {
		query string
		dst   []any
	}{
		{"SELECT COUNT(*) FROM connections", []any{&stats.TotalConnections}},
		{"SELECT COUNT(*) FROM connections WHERE ended_at IS NULL", []any{&stats.ActiveConnections}},
		{"SELECT COUNT(*) FROM http_requests", []any{&stats.TotalRequests}},
		{"SELECT COUNT(*) FROM http_responses", []any{&stats.TotalResponses}},
		{"SELECT COUNT(*) FROM errors", []any{&stats.TotalErrors}},
		{`SELECT
			COALESCE(SUM(CASE WHEN event_type = 'blocked' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN event_type = 'allowed' THEN 1 ELSE 0 END), 0)
			FROM security_events`, []any{&stats.BlockedRequests, &stats.AllowedRequests}},
		{"SELECT COALESCE(SUM(bytes_sent), 0), COALESCE(SUM(bytes_received), 0) FROM connections",
			[]any{&stats.TotalBytesOut, &stats.TotalBytesIn}},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dst...); err != nil {
			return nil, fmt.Errorf("failed to query overview stats: %w", err)
		}
	}
	return stats, nil
}

func (s *SQLCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLCollector) Close() error {
	return s.db.Close()
}
