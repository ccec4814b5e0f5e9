// Package resolver provides the DNS resolver used for upstream dials.
package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codefionn/schleuse/schleuse-srv/config"
	"github.com/codefionn/schleuse/schleuse-srv/logger"
)

const defaultTimeout = 10 * time.Second

// Resolver dials the configured DNS servers in round-robin order over
// UDP, TCP or TLS.
type Resolver struct {
	servers   []config.DNSServerConfig
	tlsConfig *tls.Config

	mu         sync.Mutex
	currentIdx int
}

// NewResolver creates a Resolver for cfg.Servers.
func NewResolver(cfg config.DNSConfig) *Resolver {
	return &Resolver{
		servers: cfg.Servers,
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"dot"},
		},
	}
}

// New returns a net.Resolver for cfg. Without enabled servers the system
// configuration is used.
func New(cfg config.DNSConfig) *net.Resolver {
	if !cfg.Enabled || len(cfg.Servers) == 0 {
		logger.Debug("Using system default DNS resolver")
		return &net.Resolver{PreferGo: true}
	}

	logger.Info("Custom DNS resolver initialized with %d server(s)", len(cfg.Servers))
	for i, server := range cfg.Servers {
		logger.Info("  DNS Server %d: %s (%s)", i, server.Address, server.Type)
	}
	return &net.Resolver{
		PreferGo: true,
		Dial:     NewResolver(cfg).Dial,
	}
}

func (r *Resolver) next() (int, config.DNSServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.currentIdx
	r.currentIdx = (r.currentIdx + 1) % len(r.servers)
	return idx, r.servers[idx]
}

// Dial is the custom dial function for DNS resolution. network is the one
// requested by the Go resolver; it is honoured for UDP servers so truncated
// answers can be retried over TCP.
func (r *Resolver) Dial(ctx context.Context, network, _ string) (net.Conn, error) {
	idx, server := r.next()
	logger.Debug("Using DNS server %d: %s (%s)", idx, server.Address, server.Type)

	timeout := server.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}

	switch server.Type {
	case config.DNSTypeUDP:
		return dialer.DialContext(ctx, network, server.Address)
	case config.DNSTypeTCP:
		return dialer.DialContext(ctx, "tcp", server.Address)
	case config.DNSTypeDoT:
		tcpConn, err := dialer.DialContext(ctx, "tcp", server.Address)
		if err != nil {
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := r.tlsConfig.Clone()
		if server.TLSHost != "" {
			tlsConfig.ServerName = server.TLSHost
		} else if host, _, err := net.SplitHostPort(server.Address); err == nil {
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}
		return tlsConn, nil
	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", server.Type)
	}
}
