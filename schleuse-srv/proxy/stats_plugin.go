package proxy

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/codefionn/schleuse/schleuse-srv/httpparse"
	"github.com/codefionn/schleuse/schleuse-srv/logger"
	"github.com/codefionn/schleuse/schleuse-srv/reactor"
	"github.com/codefionn/schleuse/schleuse-srv/stats"
)

// StatsPlugin records every client connection into a stats.Collector. The
// collector must not block; wrap database backends in a
// stats.BufferedCollector.
type StatsPlugin struct {
	BasePlugin
	collector stats.Collector
	started   map[string]time.Time
}

func NewStatsPlugin(collector stats.Collector) *StatsPlugin {
	return &StatsPlugin{
		collector: collector,
		started:   make(map[string]time.Time),
	}
}

func (p *StatsPlugin) Name() string {
	return "stats"
}

func (p *StatsPlugin) AfterAuth(fc *Flow, req *httpparse.Message) (HookResult, error) {
	ctx := context.Background()
	id := fc.ID.String()
	authority, tls, err := req.Authority()
	if err != nil {
		return HookResult{}, nil
	}
	host, portStr, _ := net.SplitHostPort(authority)
	port, _ := strconv.Atoi(portStr)

	if _, ok := p.started[id]; !ok {
		protocol := "http"
		if req.Method == "CONNECT" || tls {
			protocol = "https"
		}
		if err := p.collector.StartConnection(ctx, id, fc.ClientIP(), host, port, protocol); err != nil {
			logger.Warn("Failed to record connection start: %v", err)
		}
		p.started[id] = time.Now()
	}

	p.record("allowed request", p.collector.RecordAllowedRequest(ctx, fc.ClientIP(), host))
	if req.Method != "CONNECT" {
		contentLength, _ := strconv.ParseInt(req.Headers.Get("Content-Length"), 10, 64)
		p.record("request", p.collector.RecordHTTPRequest(ctx, id, req.Method, req.Target, host,
			req.Headers.Get("User-Agent"), contentLength))
	}
	return HookResult{}, nil
}

func (p *StatsPlugin) OnResponse(fc *Flow, resp *httpparse.Message) {
	contentLength, _ := strconv.ParseInt(resp.Headers.Get("Content-Length"), 10, 64)
	p.record("response", p.collector.RecordHTTPResponse(context.Background(), fc.ID.String(), resp.StatusCode, contentLength))
}

func (p *StatsPlugin) OnDenied(fc *Flow, reason string) {
	host := ""
	if fc.Request != nil {
		host = fc.Request.Hostname()
	}
	p.record("blocked request", p.collector.RecordBlockedRequest(context.Background(), fc.ClientIP(), host, reason))
}

func (p *StatsPlugin) OnClose(fc *Flow, err error) {
	ctx := context.Background()
	id := fc.ID.String()
	startedAt, ok := p.started[id]
	if !ok {
		return
	}
	delete(p.started, id)

	reason := "closed"
	switch {
	case errors.Is(err, reactor.ErrIdleTimeout):
		reason = "idle timeout"
	case err != nil:
		reason = "error"
		p.record("error", p.collector.RecordError(ctx, id, ErrorCode(err), err.Error()))
	}
	p.record("connection end", p.collector.EndConnection(ctx, id, fc.BytesOut, fc.BytesIn, time.Since(startedAt), reason))
}

func (p *StatsPlugin) record(what string, err error) {
	if err != nil {
		logger.Warn("Failed to record %s: %v", what, err)
	}
}
