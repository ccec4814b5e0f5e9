package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/codefionn/schleuse/schleuse-srv/config"
)

const defaultHandshakeTimeout = 30 * time.Second

// TLSInterceptor terminates CONNECT tunnels with a locally issued
// certificate and opens a second TLS session to the real upstream.
type TLSInterceptor struct {
	cache              *CertificateCache
	timeout            time.Duration
	insecureSkipVerify bool
}

// NewTLSInterceptor returns an interceptor minting leaves through cache.
func NewTLSInterceptor(cache *CertificateCache, timeout time.Duration, insecureSkipVerify bool) *TLSInterceptor {
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	return &TLSInterceptor{
		cache:              cache,
		timeout:            timeout,
		insecureSkipVerify: insecureSkipVerify,
	}
}

// LoadTLSInterceptor builds an interceptor from the interception section of
// cfg. It returns nil when HTTPS interception is disabled.
func LoadTLSInterceptor(cfg *config.Config) (*TLSInterceptor, error) {
	ic := cfg.Interception
	if !ic.Enabled || !ic.HTTPS {
		return nil, nil
	}
	issuer, err := LoadCAIssuer(ic.CAFile, ic.CAKeyFile, ic.CAKeyPassword)
	if err != nil {
		return nil, err
	}
	return NewTLSInterceptor(NewCertificateCache(issuer, 0), cfg.Timeout(), ic.InsecureSkipVerify), nil
}

// Certificate returns the leaf for hostname. Must be called on the reactor
// goroutine.
func (t *TLSInterceptor) Certificate(hostname string) (*tls.Certificate, error) {
	return t.cache.Get(hostname)
}

// Handshake runs the server handshake on client with cert and then the
// client handshake on upstream. It blocks and must not run on the reactor
// goroutine. On failure both connections are closed.
func (t *TLSInterceptor) Handshake(ctx context.Context, client, upstream net.Conn, serverName string, cert *tls.Certificate) (*tls.Conn, *tls.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	clientTLS := tls.Server(client, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
	})
	if err := clientTLS.HandshakeContext(ctx); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		return nil, nil, NewProxyError(ErrCodeTLSHandshakeFailed, "client handshake for "+serverName, err)
	}

	upstreamTLS := tls.Client(upstream, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: t.insecureSkipVerify, // nolint:gosec // opt-in via interception.insecure-skip-verify
		NextProtos:         []string{"http/1.1"},
		MinVersion:         tls.VersionTLS12,
	})
	if err := upstreamTLS.HandshakeContext(ctx); err != nil {
		_ = clientTLS.Close()
		_ = upstream.Close()
		return nil, nil, NewProxyError(ErrCodeTLSUpstreamFailed, "upstream handshake with "+serverName, err)
	}
	return clientTLS, upstreamTLS, nil
}
