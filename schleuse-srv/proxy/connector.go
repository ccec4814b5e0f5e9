package proxy

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/codefionn/schleuse/schleuse-srv/config"
	"github.com/codefionn/schleuse/schleuse-srv/httpparse"
	"github.com/codefionn/schleuse/schleuse-srv/logger"
	"github.com/codefionn/schleuse/schleuse-srv/resolver"
)

// UpstreamTarget is the endpoint a request is relayed to.
type UpstreamTarget struct {
	// Authority is host:port.
	Authority string
	// TLS requests a client handshake after the TCP connection is up.
	TLS        bool
	ServerName string
}

// UpstreamConnector opens upstream connections without blocking the
// caller. done is called exactly once, from any goroutine.
type UpstreamConnector interface {
	Connect(ctx context.Context, target UpstreamTarget, done func(net.Conn, error))
}

type compiledForward struct {
	classifier Classifier
	fwd        config.Forward
}

// Dialer is the UpstreamConnector used in production. Forward rules are
// evaluated in order; the first matching one decides how to reach the
// target. Without a match the target is dialed directly.
type Dialer struct {
	timeout            time.Duration
	resolver           *net.Resolver
	forwards           []compiledForward
	insecureSkipVerify bool
}

// NewDialer compiles the forward rules of cfg.
func NewDialer(cfg *config.Config, set *ClassifierSet) (*Dialer, error) {
	d := &Dialer{
		timeout:            cfg.Timeout(),
		resolver:           resolver.New(cfg.DNS),
		insecureSkipVerify: cfg.Interception.InsecureSkipVerify,
	}
	for i, fwd := range cfg.Forwards {
		classifier, err := set.Compile(fwd.Classifier())
		if err != nil {
			return nil, NewProxyError(ErrCodeForwardRuleError, fmt.Sprintf("forward %d", i), err)
		}
		d.forwards = append(d.forwards, compiledForward{classifier: classifier, fwd: fwd})
	}
	return d, nil
}

func (d *Dialer) Connect(ctx context.Context, target UpstreamTarget, done func(net.Conn, error)) {
	go func() {
		done(d.Dial(ctx, target))
	}()
}

// Dial connects to target and blocks until the connection, and the TLS
// handshake if requested, is established.
func (d *Dialer) Dial(ctx context.Context, target UpstreamTarget) (net.Conn, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	conn, err := d.dialTCP(ctx, target.Authority)
	if err != nil {
		return nil, classifyDialError(err)
	}
	if !target.TLS {
		return conn, nil
	}

	serverName := target.ServerName
	if serverName == "" {
		serverName, _, _ = net.SplitHostPort(target.Authority)
	}
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: d.insecureSkipVerify, // nolint:gosec // opt-in via interception.insecure-skip-verify
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, NewProxyError(ErrCodeTLSUpstreamFailed, "", err)
	}
	return tlsConn, nil
}

func (d *Dialer) netDialer() *net.Dialer {
	return &net.Dialer{Timeout: d.timeout, Resolver: d.resolver}
}

func (d *Dialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	input := NewClassifierInput(addr)
	for _, cf := range d.forwards {
		match, err := cf.classifier.Classify(input)
		if err != nil {
			logger.Error("Error evaluating forward classifier: %v", err)
			continue
		}
		if !match {
			continue
		}

		switch fwd := cf.fwd.(type) {
		case *config.ForwardDefaultNetwork:
			dialer := d.netDialer()
			network := "tcp"
			if fwd.ForceIPv4 {
				logger.Debug("Forcing IPv4 for default network forward to %s", addr)
				network = "tcp4"
				dialer.FallbackDelay = -1
			}
			return dialer.DialContext(ctx, network, addr)
		case *config.ForwardSocks5:
			logger.Debug("SOCKS5 proxy forwarding to %s via %s", addr, fwd.Address)
			return d.dialSocks5(ctx, fwd, addr)
		case *config.ForwardProxy:
			logger.Debug("HTTP proxy forwarding to %s via %s", addr, fwd.Address)
			return d.dialHTTPProxy(ctx, fwd, addr)
		default:
			logger.Error("Unknown forward type: %v", cf.fwd.Type())
		}
	}

	return d.netDialer().DialContext(ctx, "tcp", addr)
}

func (d *Dialer) dialSocks5(ctx context.Context, fwd *config.ForwardSocks5, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if fwd.Username != nil {
		auth = &proxy.Auth{User: *fwd.Username}
		if fwd.Password != nil {
			auth.Password = *fwd.Password
		}
	}

	dialer, err := proxy.SOCKS5("tcp", fwd.Address, auth, d.netDialer())
	if err != nil {
		return nil, NewProxyError(ErrCodeSOCKS5DialerFailed, "", err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, NewProxyError(ErrCodeSOCKS5DialerFailed, "SOCKS5 dialer does not support contexts", nil)
	}
	conn, err := contextDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, NewProxyError(ErrCodeSOCKS5ConnectFailed, "", err)
	}
	return conn, nil
}

// dialHTTPProxy opens a CONNECT tunnel through another HTTP proxy. Ending
// ctx interrupts the CONNECT exchange.
func (d *Dialer) dialHTTPProxy(ctx context.Context, fwd *config.ForwardProxy, addr string) (net.Conn, error) {
	conn, err := d.netDialer().DialContext(ctx, "tcp", fwd.Address)
	if err != nil {
		return nil, NewProxyError(ErrCodeHTTPProxyDialFailed, "", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	tunnel, err := connectThrough(conn, fwd, addr)
	if !stop() {
		// conn was closed under the exchange.
		_ = conn.Close()
		return nil, NewProxyError(ErrCodeHTTPProxyConnectFailed, "", context.Cause(ctx))
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return tunnel, nil
}

// connectThrough sends the CONNECT request for addr on conn and reads the
// parent proxy's answer.
func connectThrough(conn net.Conn, fwd *config.ForwardProxy, addr string) (net.Conn, error) {
	request := "CONNECT " + addr + " HTTP/1.1\r\nHost: " + addr + "\r\n"
	if fwd.Username != nil {
		password := ""
		if fwd.Password != nil {
			password = *fwd.Password
		}
		request += "Proxy-Authorization: Basic " +
			base64.StdEncoding.EncodeToString([]byte(*fwd.Username+":"+password)) + "\r\n"
	}
	request += "\r\n"

	if _, err := conn.Write([]byte(request)); err != nil {
		return nil, NewProxyError(ErrCodeHTTPProxyConnectFailed, "", err)
	}

	parser := httpparse.NewResponseParser("CONNECT")
	buf := make([]byte, 4096)
	for parser.State() != httpparse.StateComplete {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, perr := parser.Feed(buf[:n]); perr != nil {
				return nil, NewProxyError(ErrCodeCONNECTResponseFailed, "", perr)
			}
		}
		if err != nil && parser.State() != httpparse.StateComplete {
			return nil, NewProxyError(ErrCodeCONNECTResponseFailed, "", err)
		}
	}

	resp := parser.Message()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := ErrCodeHTTPProxyConnectFailed
		if resp.StatusCode == 407 {
			code = ErrCodeProxyDenied
		}
		return nil, NewProxyError(code, fmt.Sprintf("parent proxy answered %d %s", resp.StatusCode, resp.Reason), nil)
	}
	return newPrefixConn(conn, parser.Remaining()), nil
}
