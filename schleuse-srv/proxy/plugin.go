package proxy

import (
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/schleuse/schleuse-srv/httpparse"
)

// Direction tells OnChunk which way a relayed chunk travels.
type Direction int

const (
	ClientToUpstream Direction = iota
	UpstreamToClient
)

func (d Direction) String() string {
	if d == ClientToUpstream {
		return "client->upstream"
	}
	return "upstream->client"
}

// Flow is the per-connection context handed to plugin hooks.
type Flow struct {
	ID         uuid.UUID
	ClientAddr net.Addr
	// Request is the request currently being processed.
	Request *httpparse.Message
	// Response is the head of the upstream response once it was parsed.
	Response *httpparse.Message
	// Target is the upstream host:port.
	Target      string
	Tunnel      bool
	Intercepted bool
	StartedAt   time.Time

	BytesIn  int64
	BytesOut int64
}

// ClientIP returns the host part of the client address.
func (fc *Flow) ClientIP() string {
	if fc.ClientAddr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(fc.ClientAddr.String())
	if err != nil {
		return fc.ClientAddr.String()
	}
	return host
}

// HookResult is returned by request hooks. A non-nil Request replaces the
// in-flight request; a non-nil Response is sent to the client instead of
// contacting the upstream.
type HookResult struct {
	Request  *httpparse.Message
	Response []byte
}

// Plugin hooks are invoked on the reactor goroutine in registration order
// and must not block.
type Plugin interface {
	Name() string
	BeforeAuth(fc *Flow, req *httpparse.Message) (HookResult, error)
	AfterAuth(fc *Flow, req *httpparse.Message) (HookResult, error)
	OnUpstreamConnect(fc *Flow, req *httpparse.Message) error
	// OnChunk sees every relayed tunnel chunk and returns the bytes to
	// forward. Returning an empty slice drops the chunk.
	OnChunk(fc *Flow, dir Direction, chunk []byte) ([]byte, error)
}

// ResponseObserver is implemented by plugins interested in upstream
// response heads.
type ResponseObserver interface {
	OnResponse(fc *Flow, resp *httpparse.Message)
}

// DenyObserver is implemented by plugins interested in requests answered
// by the proxy itself. reason is "auth" or the name of the plugin that
// short-circuited.
type DenyObserver interface {
	OnDenied(fc *Flow, reason string)
}

// CloseObserver is implemented by plugins interested in the end of a
// client connection. err is nil for an orderly close.
type CloseObserver interface {
	OnClose(fc *Flow, err error)
}

// BasePlugin implements Plugin with no-op hooks for embedding.
type BasePlugin struct{}

func (BasePlugin) BeforeAuth(*Flow, *httpparse.Message) (HookResult, error) {
	return HookResult{}, nil
}

func (BasePlugin) AfterAuth(*Flow, *httpparse.Message) (HookResult, error) {
	return HookResult{}, nil
}

func (BasePlugin) OnUpstreamConnect(*Flow, *httpparse.Message) error {
	return nil
}

func (BasePlugin) OnChunk(_ *Flow, _ Direction, chunk []byte) ([]byte, error) {
	return chunk, nil
}

// Plugins is an ordered hook list.
type Plugins []Plugin

type requestHook func(p Plugin, fc *Flow, req *httpparse.Message) (HookResult, error)

func beforeAuthHook(p Plugin, fc *Flow, req *httpparse.Message) (HookResult, error) {
	return p.BeforeAuth(fc, req)
}

func afterAuthHook(p Plugin, fc *Flow, req *httpparse.Message) (HookResult, error) {
	return p.AfterAuth(fc, req)
}

// runRequest applies hook to every plugin. It stops at the first plugin
// producing a response and reports its name.
func (ps Plugins) runRequest(hook requestHook, fc *Flow, req *httpparse.Message) (*httpparse.Message, []byte, string, error) {
	for _, p := range ps {
		result, err := hook(p, fc, req)
		if err != nil {
			return req, nil, p.Name(), NewProxyError(ErrCodeRequestHookFailed, "", err)
		}
		if result.Request != nil {
			req = result.Request
			fc.Request = req
		}
		if result.Response != nil {
			return req, result.Response, p.Name(), nil
		}
	}
	return req, nil, "", nil
}

func (ps Plugins) upstreamConnect(fc *Flow, req *httpparse.Message) error {
	for _, p := range ps {
		if err := p.OnUpstreamConnect(fc, req); err != nil {
			return NewProxyError(ErrCodeRequestHookFailed, p.Name()+": upstream connect hook failed", err)
		}
	}
	return nil
}

func (ps Plugins) chunk(fc *Flow, dir Direction, chunk []byte) ([]byte, error) {
	for _, p := range ps {
		var err error
		chunk, err = p.OnChunk(fc, dir, chunk)
		if err != nil {
			return nil, NewProxyError(ErrCodeChunkHookFailed, p.Name()+": chunk hook failed", err)
		}
		if len(chunk) == 0 {
			return nil, nil
		}
	}
	return chunk, nil
}

func (ps Plugins) response(fc *Flow, resp *httpparse.Message) {
	for _, p := range ps {
		if o, ok := p.(ResponseObserver); ok {
			o.OnResponse(fc, resp)
		}
	}
}

func (ps Plugins) denied(fc *Flow, reason string) {
	for _, p := range ps {
		if o, ok := p.(DenyObserver); ok {
			o.OnDenied(fc, reason)
		}
	}
}

func (ps Plugins) closed(fc *Flow, err error) {
	for _, p := range ps {
		if o, ok := p.(CloseObserver); ok {
			o.OnClose(fc, err)
		}
	}
}
