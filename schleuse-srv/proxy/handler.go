package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/codefionn/schleuse/schleuse-srv/httpparse"
	"github.com/codefionn/schleuse/schleuse-srv/logger"
	"github.com/codefionn/schleuse/schleuse-srv/metrics"
	"github.com/codefionn/schleuse/schleuse-srv/reactor"
)

// State is the protocol state of a client connection.
type State int

const (
	StateAwaitingRequest State = iota
	StateAuthenticating
	StateAuthDenied
	StateConnectingUpstream
	StateTunneling
	StateForwarding
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequest:
		return "AWAITING_REQUEST"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthDenied:
		return "AUTH_DENIED"
	case StateConnectingUpstream:
		return "CONNECTING_UPSTREAM"
	case StateTunneling:
		return "TUNNELING"
	case StateForwarding:
		return "FORWARDING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var connectEstablished = []byte("HTTP/1.1 200 Connection established\r\n\r\n")

type detacher interface {
	Detach() (net.Conn, []byte, error)
}

// ProtocolHandler is the reactor.Handler of a client connection. It also
// drives the upstream leg through upstreamLeg. All methods run on the
// reactor goroutine.
type ProtocolHandler struct {
	proxy  *Proxy
	client *reactor.Connection
	state  State
	flow   *Flow

	parser *httpparse.Parser
	// requestStarted is set once the head of the request in the parser was
	// handled. Its body is streamed from then on.
	requestStarted bool
	keepAlive      bool

	upstream      *reactor.Connection
	response      *httpparse.Parser
	responseBytes int64
	upgraded      bool

	cancelDial     context.CancelFunc
	connectStarted time.Time

	// rawUpstream holds the dialed connection of an intercepted CONNECT
	// until the TLS handshakes are done.
	rawUpstream      net.Conn
	interceptPending bool
	intercepting     bool

	lastErr error
	release func()
	closed  bool
}

func newProtocolHandler(p *Proxy, client *reactor.Connection) *ProtocolHandler {
	return &ProtocolHandler{
		proxy:  p,
		client: client,
		state:  StateAwaitingRequest,
		parser: httpparse.NewRequestParser(),
		flow: &Flow{
			ID:         client.ID,
			ClientAddr: client.RemoteAddr(),
			StartedAt:  time.Now(),
		},
	}
}

// State returns the current protocol state.
func (h *ProtocolHandler) State() State {
	return h.state
}

// Flow returns the plugin context of the connection.
func (h *ProtocolHandler) Flow() *Flow {
	return h.flow
}

// Upstream returns the upstream leg, nil if there is none.
func (h *ProtocolHandler) Upstream() *reactor.Connection {
	return h.upstream
}

func (h *ProtocolHandler) highWater() int {
	return h.proxy.maxBufferBytes / 2
}

func (h *ProtocolHandler) WantsRead(c *reactor.Connection) bool {
	switch h.state {
	case StateAwaitingRequest, StateAuthDenied:
		return true
	case StateTunneling:
		return !h.interceptPending && !h.intercepting && h.upstreamHasRoom()
	case StateForwarding:
		return (h.upgraded || h.parser.State() == httpparse.StateBody) && h.upstreamHasRoom()
	default:
		return false
	}
}

func (h *ProtocolHandler) upstreamHasRoom() bool {
	return h.upstream != nil && h.upstream.Buffer.Len() < h.highWater()
}

func (h *ProtocolHandler) OnReadable(c *reactor.Connection, data []byte) error {
	h.flow.BytesIn += int64(len(data))
	h.proxy.metrics.Bytes.WithLabelValues("in").Add(float64(len(data)))

	switch {
	case h.state == StateTunneling, h.state == StateForwarding && h.upgraded:
		return h.relay(ClientToUpstream, data)
	case h.state == StateAwaitingRequest, h.state == StateAuthDenied:
		h.state = StateAwaitingRequest
		state, err := h.parser.Feed(data)
		return h.advance(state, err)
	default:
		// Body bytes of the request in flight. Pipelined bytes wait in the
		// parser until the exchange is done.
		if _, err := h.parser.Feed(data); err != nil {
			h.lastErr = NewProxyError(ErrCodeHTTPRequestReadFailed, "", err)
			return h.lastErr
		}
		return h.streamBody()
	}
}

// advance handles every request head buffered in the parser while the
// connection stays in a request reading state. A request answered by the
// proxy itself has its body skipped.
func (h *ProtocolHandler) advance(state httpparse.State, err error) error {
	for {
		if err != nil {
			h.badRequest(err)
			return nil
		}
		if !h.parser.HeadComplete() {
			return nil
		}
		if !h.requestStarted {
			h.requestStarted = true
			h.parser.StreamBody()
			if err := h.handleRequest(h.parser.Message()); err != nil {
				return err
			}
			if h.state != StateAwaitingRequest && h.state != StateAuthDenied {
				return nil
			}
		}
		h.parser.TakeBody()
		if state != httpparse.StateComplete {
			return nil
		}
		h.nextRequest()
		state, err = h.parser.Feed(nil)
	}
}

func (h *ProtocolHandler) nextRequest() {
	h.requestStarted = false
	h.parser.Reset()
}

// streamBody queues the request body bytes parsed since the last call on
// the upstream leg.
func (h *ProtocolHandler) streamBody() error {
	if h.state != StateForwarding || h.upgraded {
		return nil
	}
	body := h.parser.TakeBody()
	if len(body) == 0 {
		return nil
	}
	return h.relay(ClientToUpstream, body)
}

func (h *ProtocolHandler) handleRequest(req *httpparse.Message) error {
	h.state = StateAuthenticating
	h.flow.Request = req
	h.flow.Response = nil
	h.proxy.metrics.Requests.WithLabelValues(req.Method).Inc()
	logger.Debug("%s %s %s from %s", h.client, req.Method, req.Target, h.flow.ClientIP())

	parsed := req
	req, resp, by, err := h.proxy.plugins.runRequest(beforeAuthHook, h.flow, req)
	if err != nil {
		h.hookFailed(err)
		return nil
	}
	if resp != nil {
		h.shortCircuit(by, resp)
		return nil
	}

	if outcome := h.proxy.auth.Check(&req.Headers); !outcome.Allowed {
		logger.Debug("%s proxy authentication failed", h.client)
		h.proxy.metrics.AuthDenied.Inc()
		h.proxy.plugins.denied(h.flow, "auth")
		if err := h.queueClient(outcome.Response); err != nil {
			return err
		}
		h.state = StateAuthDenied
		return nil
	}

	req, resp, by, err = h.proxy.plugins.runRequest(afterAuthHook, h.flow, req)
	if err != nil {
		h.hookFailed(err)
		return nil
	}
	if resp != nil {
		h.shortCircuit(by, resp)
		return nil
	}

	h.connect(req, req != parsed)
	return nil
}

func (h *ProtocolHandler) connect(req *httpparse.Message, replaced bool) {
	authority, tlsTarget, err := req.Authority()
	if err != nil {
		h.badRequest(err)
		return
	}
	h.flow.Target = authority
	h.flow.Tunnel = req.Method == "CONNECT"
	h.keepAlive = req.KeepAlive()
	h.state = StateConnectingUpstream

	host, _, _ := net.SplitHostPort(authority)
	ctx, cancel := context.WithCancel(h.proxy.ctx)
	h.cancelDial = cancel
	h.connectStarted = time.Now()
	h.proxy.connector.Connect(ctx, UpstreamTarget{Authority: authority, TLS: tlsTarget, ServerName: host},
		func(conn net.Conn, err error) {
			h.proxy.mux.Submit(func() { h.onUpstreamConnected(req, replaced, conn, err) })
		})
}

func (h *ProtocolHandler) onUpstreamConnected(req *httpparse.Message, replaced bool, conn net.Conn, err error) {
	if h.cancelDial != nil {
		h.cancelDial()
		h.cancelDial = nil
	}
	if h.closed || h.state != StateConnectingUpstream {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	h.proxy.metrics.UpstreamConnect.Observe(time.Since(h.connectStarted).Seconds())

	if err != nil {
		code := ErrorCode(err)
		logger.Warn("%s upstream %s unreachable: %v", h.client, h.flow.Target, err)
		h.proxy.metrics.UpstreamErrors.WithLabelValues(code).Inc()
		h.lastErr = err
		h.finish(BadGatewayResponse(code), StateError)
		return
	}

	if err := h.proxy.plugins.upstreamConnect(h.flow, req); err != nil {
		_ = conn.Close()
		h.hookFailed(err)
		return
	}

	if req.Method == "CONNECT" {
		h.openTunnel(conn)
	} else {
		h.openForward(conn, req, replaced)
	}
}

func (h *ProtocolHandler) openTunnel(conn net.Conn) {
	if err := h.queueClient(connectEstablished); err != nil {
		_ = conn.Close()
		h.abort(err)
		return
	}
	h.state = StateTunneling

	if h.proxy.interceptor != nil {
		// The handshake starts once the 200 reached the client.
		h.flow.Intercepted = true
		h.rawUpstream = conn
		h.interceptPending = true
		return
	}

	if err := h.attachUpstream(conn); err != nil {
		h.abort(err)
		return
	}
	if rest := h.parser.Remaining(); len(rest) > 0 {
		if err := h.relay(ClientToUpstream, rest); err != nil {
			h.abort(err)
		}
	}
}

func (h *ProtocolHandler) openForward(conn net.Conn, req *httpparse.Message, replaced bool) {
	if err := h.attachUpstream(conn); err != nil {
		h.abort(err)
		return
	}
	h.state = StateForwarding
	h.response = httpparse.NewResponseParser(req.Method)
	h.responseBytes = 0
	h.upgraded = false

	if err := h.relay(ClientToUpstream, forwardPayload(req, replaced)); err != nil {
		h.abort(err)
		return
	}
	if err := h.streamBody(); err != nil {
		h.abort(err)
	}
}

// forwardPayload returns the bytes sent upstream for req: the bytes as
// received, unless a plugin replaced the request or proxy hop-by-hop
// headers have to be removed.
func forwardPayload(req *httpparse.Message, replaced bool) []byte {
	if !replaced && !req.Headers.Has("Proxy-Authorization") && !req.Headers.Has("Proxy-Connection") {
		return req.Raw()
	}
	out := *req
	out.Headers = req.Headers.Clone()
	out.Headers.Del("Proxy-Authorization")
	out.Headers.Del("Proxy-Connection")
	return out.Bytes()
}

func (h *ProtocolHandler) attachUpstream(conn net.Conn) error {
	up := reactor.NewConnection(h.proxy.newSocket(conn), &upstreamLeg{h: h}, h.proxy.maxBufferBytes)
	if err := h.proxy.mux.Register(up, reactor.Read); err != nil {
		_ = conn.Close()
		return fmt.Errorf("register upstream: %w", err)
	}
	h.upstream = up
	return nil
}

func (h *ProtocolHandler) OnWritable(c *reactor.Connection) error {
	if h.interceptPending && !c.Buffer.HasBuffer() {
		h.interceptPending = false
		return h.startInterception()
	}
	return nil
}

func (h *ProtocolHandler) startInterception() error {
	host, _, err := net.SplitHostPort(h.flow.Target)
	if err != nil {
		return err
	}
	cert, err := h.proxy.interceptor.Certificate(host)
	if err != nil {
		h.proxy.metrics.Interceptions.WithLabelValues("failure").Inc()
		return err
	}
	det, ok := h.client.Socket.(detacher)
	if !ok {
		return fmt.Errorf("socket %T cannot be detached for TLS interception", h.client.Socket)
	}

	h.proxy.mux.Deregister(h.client)
	h.intercepting = true
	raw := h.rawUpstream
	h.rawUpstream = nil
	prefix := append([]byte(nil), h.parser.Remaining()...)
	ctx := h.proxy.ctx
	interceptor := h.proxy.interceptor

	go func() {
		conn, leftover, err := det.Detach()
		if err != nil {
			_ = raw.Close()
			h.proxy.mux.Submit(func() { h.onIntercepted(nil, nil, err) })
			return
		}
		clientTLS, upstreamTLS, err := interceptor.Handshake(ctx, newPrefixConn(conn, append(prefix, leftover...)), raw, host, cert)
		h.proxy.mux.Submit(func() {
			if err != nil {
				h.onIntercepted(nil, nil, err)
				return
			}
			h.onIntercepted(clientTLS, upstreamTLS, nil)
		})
	}()
	return nil
}

func (h *ProtocolHandler) onIntercepted(clientTLS, upstreamTLS net.Conn, err error) {
	h.intercepting = false
	if h.closed || h.client.Closed() {
		if clientTLS != nil {
			_ = clientTLS.Close()
			_ = upstreamTLS.Close()
		}
		return
	}
	if err != nil {
		logger.Warn("%s TLS interception of %s failed: %v", h.client, h.flow.Target, err)
		h.proxy.metrics.Interceptions.WithLabelValues("failure").Inc()
		h.proxy.mux.Close(h.client, err)
		return
	}
	h.proxy.metrics.Interceptions.WithLabelValues("success").Inc()

	h.client.ReplaceSocket(h.proxy.newSocket(clientTLS))
	if err := h.proxy.mux.Register(h.client, reactor.Read); err != nil {
		_ = upstreamTLS.Close()
		h.proxy.mux.Close(h.client, err)
		return
	}
	if err := h.attachUpstream(upstreamTLS); err != nil {
		h.proxy.mux.Close(h.client, err)
	}
}

// relay passes a chunk through the plugin chunk hooks and queues it on the
// leg it is headed for.
func (h *ProtocolHandler) relay(dir Direction, data []byte) error {
	out, err := h.proxy.plugins.chunk(h.flow, dir, data)
	if err != nil || len(out) == 0 {
		return err
	}
	if dir == UpstreamToClient {
		return h.queueClient(out)
	}
	if h.upstream == nil {
		return nil
	}
	return overflowError(h.upstream.Queue(out))
}

func (h *ProtocolHandler) queueClient(p []byte) error {
	if err := h.client.Queue(p); err != nil {
		return overflowError(err)
	}
	h.flow.BytesOut += int64(len(p))
	h.proxy.metrics.Bytes.WithLabelValues("out").Add(float64(len(p)))
	return nil
}

// finish queues a final response and closes the client once it is sent.
func (h *ProtocolHandler) finish(resp []byte, next State) {
	h.state = next
	if err := h.queueClient(resp); err != nil {
		h.abort(err)
		return
	}
	h.client.CloseAfterFlush()
}

func overflowError(err error) error {
	if errors.Is(err, reactor.ErrBufferOverflow) {
		return NewProxyError(ErrCodeBufferOverflow, "", err)
	}
	return err
}

func (h *ProtocolHandler) abort(err error) {
	h.lastErr = err
	h.proxy.mux.Close(h.client, err)
}

func (h *ProtocolHandler) badRequest(err error) {
	logger.Debug("%s bad request: %v", h.client, err)
	h.lastErr = NewProxyError(ErrCodeHTTPRequestReadFailed, "", err)
	h.finish(BadRequestResponse(), StateError)
}

func (h *ProtocolHandler) hookFailed(err error) {
	logger.Warn("%s plugin hook failed: %v", h.client, err)
	h.lastErr = err
	h.finish(BadGatewayResponse(ErrorCode(err)), StateError)
}

func (h *ProtocolHandler) shortCircuit(by string, resp []byte) {
	h.proxy.metrics.Blocked.Inc()
	h.proxy.plugins.denied(h.flow, by)
	h.finish(resp, StateClosed)
}

func (h *ProtocolHandler) OnClose(c *reactor.Connection, err error) {
	if h.closed {
		return
	}
	h.closed = true
	relaying := h.state == StateTunneling || h.upgraded
	h.state = StateClosed
	if h.cancelDial != nil {
		h.cancelDial()
		h.cancelDial = nil
	}
	if h.rawUpstream != nil {
		_ = h.rawUpstream.Close()
		h.rawUpstream = nil
	}
	if up := h.upstream; up != nil {
		h.upstream = nil
		if err == nil && relaying {
			// End of stream from the client: what it sent last still
			// reaches the upstream.
			up.CloseAfterFlush()
		} else {
			h.proxy.mux.Close(up, nil)
		}
	}

	if err == nil {
		err = h.lastErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("%s closed: %v", c, err)
	}
	h.proxy.plugins.closed(h.flow, err)
	h.proxy.metrics.ActiveConnections.Dec()
	if h.release != nil {
		h.release()
		h.release = nil
	}
}

func (h *ProtocolHandler) upstreamWantsRead(c *reactor.Connection) bool {
	if c != h.upstream || h.client.ClosingAfterFlush() {
		return false
	}
	if h.state != StateTunneling && h.state != StateForwarding {
		return false
	}
	return h.client.Buffer.Len() < h.highWater()
}

func (h *ProtocolHandler) onUpstreamData(c *reactor.Connection, data []byte) error {
	if c != h.upstream {
		return nil
	}
	if h.state == StateTunneling || h.upgraded {
		return h.relay(UpstreamToClient, data)
	}
	if h.state != StateForwarding || h.response == nil {
		return nil
	}

	if err := h.relay(UpstreamToClient, data); err != nil {
		return err
	}
	h.responseBytes += int64(len(data))
	state, err := h.response.Feed(data)
	if err != nil {
		logger.Warn("%s malformed response from %s: %v", h.client, h.flow.Target, err)
		h.lastErr = NewProxyError(ErrCodeHTTPResponseReadFailed, "", err)
		h.client.CloseAfterFlush()
		return err
	}
	return h.onResponseProgress(state)
}

func (h *ProtocolHandler) onResponseProgress(state httpparse.State) error {
	for {
		resp := h.response.Message()
		if h.response.HeadComplete() && h.flow.Response != resp {
			h.flow.Response = resp
			h.proxy.metrics.Responses.WithLabelValues(metrics.StatusClass(resp.StatusCode)).Inc()
			h.proxy.plugins.response(h.flow, resp)
		}
		if state != httpparse.StateComplete {
			return nil
		}

		switch {
		case resp.StatusCode == 101:
			logger.Debug("%s switched protocols, relaying raw bytes", h.client)
			h.upgraded = true
			return nil
		case resp.StatusCode < 200:
			// Interim response, the final one follows.
			h.response.Reset()
			var err error
			if state, err = h.response.Feed(nil); err != nil {
				h.client.CloseAfterFlush()
				return err
			}
		default:
			h.exchangeDone(resp.KeepAlive())
			return nil
		}
	}
}

// exchangeDone closes the upstream leg after a complete response and either
// waits for the next request or closes the client.
func (h *ProtocolHandler) exchangeDone(responseKeepAlive bool) {
	// An unfinished request body leaves the client stream out of sync.
	keep := h.keepAlive && responseKeepAlive && !h.client.ClosingAfterFlush() &&
		h.parser.State() == httpparse.StateComplete
	if up := h.upstream; up != nil {
		h.upstream = nil
		h.proxy.mux.Close(up, nil)
	}
	h.response = nil
	h.flow.Target = ""

	if !keep {
		h.client.CloseAfterFlush()
		return
	}
	h.state = StateAwaitingRequest
	h.nextRequest()
	state, err := h.parser.Feed(nil)
	if err := h.advance(state, err); err != nil {
		h.abort(err)
	}
}

func (h *ProtocolHandler) onUpstreamClosed(c *reactor.Connection, err error) {
	if c != h.upstream {
		return
	}
	h.upstream = nil
	if h.client.Closed() {
		return
	}

	if h.state == StateForwarding && !h.upgraded && h.response != nil {
		if state, perr := h.response.Finish(); perr == nil && state == httpparse.StateComplete {
			// Response delimited by the connection close.
			h.keepAlive = false
			_ = h.onResponseProgress(state)
			return
		}
		if h.responseBytes == 0 {
			h.lastErr = NewProxyError(ErrCodeConnectionClosed, "", err)
			h.finish(BadGatewayResponse(ErrCodeConnectionClosed), StateError)
			return
		}
	}

	if err != nil {
		h.abort(err)
		return
	}
	h.client.CloseAfterFlush()
}

// upstreamLeg is the reactor.Handler of the upstream connection.
type upstreamLeg struct {
	h *ProtocolHandler
}

func (l *upstreamLeg) OnReadable(c *reactor.Connection, data []byte) error {
	return l.h.onUpstreamData(c, data)
}

func (l *upstreamLeg) OnWritable(*reactor.Connection) error {
	return nil
}

func (l *upstreamLeg) OnClose(c *reactor.Connection, err error) {
	l.h.onUpstreamClosed(c, err)
}

func (l *upstreamLeg) WantsRead(c *reactor.Connection) bool {
	return l.h.upstreamWantsRead(c)
}
