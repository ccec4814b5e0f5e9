// Package proxy implements the forward HTTP(S) proxy: the per-connection
// protocol handler, upstream dialing, TLS interception and the listeners
// feeding a single reactor.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/codefionn/schleuse/schleuse-srv/config"
	"github.com/codefionn/schleuse/schleuse-srv/logger"
	"github.com/codefionn/schleuse/schleuse-srv/metrics"
	"github.com/codefionn/schleuse/schleuse-srv/reactor"
	"github.com/codefionn/schleuse/schleuse-srv/stats"
)

// Proxy owns the reactor and everything its connections share. The shared
// state is immutable once NewProxy returned, except for the certificate
// cache, which only the reactor goroutine touches.
type Proxy struct {
	config  *config.Config
	servers []*Server

	poller reactor.Poller
	mux    *reactor.Multiplexer

	auth        *AuthGate
	connector   UpstreamConnector
	interceptor *TLSInterceptor
	plugins     Plugins
	extra       Plugins
	metrics     *metrics.Metrics
	collector   stats.Collector

	maxBufferBytes int
	newSocket      func(net.Conn) reactor.Socket
	ctx            context.Context

	active        atomic.Int64
	maxConcurrent int64

	adoptMu sync.Mutex
	stopped bool
}

// Option customises a Proxy.
type Option func(*Proxy)

// WithConnector replaces the upstream dialer.
func WithConnector(c UpstreamConnector) Option {
	return func(p *Proxy) { p.connector = c }
}

// WithPoller replaces the readiness poller.
func WithPoller(poller reactor.Poller) Option {
	return func(p *Proxy) { p.poller = poller }
}

// WithMetrics registers the proxy metrics on m instead of a private set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

// WithCollector replaces the statistics collector built from the config.
func WithCollector(c stats.Collector) Option {
	return func(p *Proxy) { p.collector = c }
}

// WithPlugins appends plugins after the built-in ones.
func WithPlugins(plugins ...Plugin) Option {
	return func(p *Proxy) { p.extra = append(p.extra, plugins...) }
}

// WithSocketFactory replaces how upstream and intercepted connections are
// wrapped for the reactor.
func WithSocketFactory(fn func(net.Conn) reactor.Socket) Option {
	return func(p *Proxy) { p.newSocket = fn }
}

// WithInterceptor enables TLS interception with t regardless of the config.
func WithInterceptor(t *TLSInterceptor) Option {
	return func(p *Proxy) { p.interceptor = t }
}

func NewProxy(cfg *config.Config, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		config:         cfg,
		maxBufferBytes: cfg.MaxBufferBytes,
		maxConcurrent:  int64(cfg.MaxConcurrentConnections),
		ctx:            context.Background(),
		newSocket:      func(conn net.Conn) reactor.Socket { return reactor.NewNetSocket(conn) },
	}
	if p.maxBufferBytes <= 0 {
		p.maxBufferBytes = reactor.DefaultMaxBufferBytes
	}
	for _, opt := range opts {
		opt(p)
	}

	var realm string
	if cfg.Auth != nil {
		realm = cfg.Auth.Realm
	}
	p.auth = NewAuthGate(CredentialsFromConfig(cfg.Auth), realm)

	set, err := NewClassifierSet(cfg.Classifiers)
	if err != nil {
		return nil, err
	}
	if p.connector == nil {
		dialer, err := NewDialer(cfg, set)
		if err != nil {
			return nil, err
		}
		p.connector = dialer
	}
	if p.interceptor == nil {
		if p.interceptor, err = LoadTLSInterceptor(cfg); err != nil {
			return nil, err
		}
	}
	if p.metrics == nil {
		p.metrics = metrics.New(nil)
	}
	if p.collector == nil {
		if p.collector, err = stats.CreateCollector(&cfg.Statistics); err != nil {
			logger.Error("Failed to initialize statistics collector: %v", err)
			p.collector = stats.NewDummyCollector()
		}
	}

	access, err := NewAccessControlPlugin(cfg, set)
	if err != nil {
		return nil, err
	}
	if access != nil {
		p.plugins = append(p.plugins, access)
	}
	p.plugins = append(p.plugins, NewStatsPlugin(p.collector))
	p.plugins = append(p.plugins, p.extra...)

	if p.poller == nil {
		p.poller = reactor.NewChanPoller()
	}
	// A read never exceeds half the buffer bound, so a leg that is read only
	// below the high water mark cannot overflow its peer.
	p.mux = reactor.NewMultiplexer(p.poller, reactor.Options{
		IdleTimeout: cfg.IdleTimeout(),
		ReadSize:    min(reactor.DefaultReadStep, max(p.maxBufferBytes/2, 1)),
	})

	for _, serverCfg := range cfg.Servers {
		if !serverCfg.Enabled {
			logger.Info("Skipping disabled server on %s", serverCfg.ListenAddress)
			continue
		}
		p.servers = append(p.servers, &Server{proxy: p, config: serverCfg})
	}
	if len(p.servers) == 0 {
		logger.Warn("No enabled proxy servers configured")
	}
	return p, nil
}

// Metrics returns the metrics the proxy reports to.
func (p *Proxy) Metrics() *metrics.Metrics {
	return p.metrics
}

// Handle adopts sock as a new client connection. Must be called on the
// reactor goroutine.
func (p *Proxy) Handle(sock reactor.Socket) (*reactor.Connection, error) {
	c := reactor.NewConnection(sock, nil, p.maxBufferBytes)
	c.SetHandler(newProtocolHandler(p, c))
	if err := p.mux.Register(c, reactor.Read); err != nil {
		_ = sock.Close()
		return nil, err
	}
	p.metrics.ActiveConnections.Inc()
	return c, nil
}

// adopt hands an accepted connection to the reactor. release is called
// once the connection is closed. Connections accepted after the reactor
// stopped are closed right away.
func (p *Proxy) adopt(conn net.Conn, release func()) {
	p.adoptMu.Lock()
	defer p.adoptMu.Unlock()
	if p.stopped {
		_ = conn.Close()
		release()
		return
	}
	p.mux.Submit(func() {
		c, err := p.Handle(p.newSocket(conn))
		if err != nil {
			logger.Error("Failed to register connection from %s: %v", conn.RemoteAddr(), err)
			release()
			return
		}
		c.Handler.(*ProtocolHandler).release = release
	})
}

// stopAdopting makes adopt reject connections. Tasks it submitted before
// are still queued on the multiplexer.
func (p *Proxy) stopAdopting() {
	p.adoptMu.Lock()
	p.stopped = true
	p.adoptMu.Unlock()
}

// Run listens on every enabled server and serves until ctx is done.
func (p *Proxy) Run(ctx context.Context) error {
	if len(p.servers) == 0 {
		return NewProxyError(ErrCodeNoEnabledServers, "", nil)
	}
	listeners := make([]net.Listener, 0, len(p.servers))
	for _, s := range p.servers {
		ln, err := net.Listen("tcp", s.config.ListenAddress)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return NewProxyError(ErrCodeListenerCreateFailed, s.config.ListenAddress, err)
		}
		listeners = append(listeners, ln)
	}
	return p.serve(ctx, listeners)
}

// ServeListener serves the first configured server on ln until ctx is
// done.
func (p *Proxy) ServeListener(ctx context.Context, ln net.Listener) error {
	return p.serve(ctx, []net.Listener{ln})
}

func (p *Proxy) serve(ctx context.Context, listeners []net.Listener) error {
	p.ctx = ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i, ln := range listeners {
		srv := &Server{proxy: p, config: config.ServerConfig{Enabled: true}}
		if i < len(p.servers) {
			srv = p.servers[i]
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.serve(ctx, ln); err != nil {
				logger.Error("Proxy server on %s stopped: %v", ln.Addr(), err)
			}
		}()
	}
	go func() {
		<-ctx.Done()
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}()

	err := p.mux.Run(ctx)
	p.stopAdopting()
	cancel()
	wg.Wait()
	// Connections adopted while Run shut down.
	p.mux.CloseAll()

	if cerr := p.poller.Close(); cerr != nil {
		logger.Debug("Close poller: %v", cerr)
	}
	if cerr := p.collector.Close(); cerr != nil {
		logger.Warn("Failed to close statistics collector: %v", cerr)
	}
	return err
}

// Server is one listener of the proxy.
type Server struct {
	proxy  *Proxy
	config config.ServerConfig
	active atomic.Int64
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	logger.Info("Starting proxy server on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return NewProxyError(ErrCodeListenerCreateFailed, "accept", err)
		}

		if err := s.acquire(); err != nil {
			logger.Warn("Rejecting %s: %v", conn.RemoteAddr(), err)
			s.proxy.metrics.ConnectionsRejected.Inc()
			_ = conn.Close()
			continue
		}
		s.proxy.metrics.ConnectionsAccepted.Inc()
		s.proxy.adopt(conn, s.release)
	}
}

// acquire reserves a slot under the per-server and the global limit.
func (s *Server) acquire() error {
	p := s.proxy
	if n := p.active.Add(1); p.maxConcurrent > 0 && n > p.maxConcurrent {
		p.active.Add(-1)
		return NewProxyError(ErrCodeConcurrencyLimitReached,
			fmt.Sprintf("max-concurrent-connections %d reached", p.maxConcurrent), nil)
	}
	if n := s.active.Add(1); s.config.MaxConnections > 0 && n > int64(s.config.MaxConnections) {
		s.active.Add(-1)
		p.active.Add(-1)
		return NewProxyError(ErrCodeConcurrencyLimitReached,
			fmt.Sprintf("max-connections %d of %s reached", s.config.MaxConnections, s.config.ListenAddress), nil)
	}
	return nil
}

func (s *Server) release() {
	s.active.Add(-1)
	s.proxy.active.Add(-1)
}
