package config

import "time"

// DNSType defines the transport of a DNS server
type DNSType string

const (
	DNSTypeUDP DNSType = "udp" // Standard DNS over UDP
	DNSTypeTCP DNSType = "tcp" // Standard DNS over TCP
	DNSTypeDoT DNSType = "dot" // DNS over TLS
)

// DNSServerConfig defines configuration for a single DNS server
type DNSServerConfig struct {
	Address        string  // host:port or [IPv6]:port
	Type           DNSType // udp, tcp or dot
	TimeoutSeconds int     // Query timeout in seconds
	TLSHost        string  // SNI host name, only used for DoT
}

// Timeout returns TimeoutSeconds as a duration.
func (d DNSServerConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// DNSConfig holds configuration for the resolver used for upstream dials
type DNSConfig struct {
	Enabled bool
	Servers []DNSServerConfig
}

// DefaultDNSConfig returns the disabled resolver configuration; the
// system resolver is used until Enabled is set.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Servers: []DNSServerConfig{
			{Address: "8.8.8.8:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
			{Address: "1.1.1.1:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
		},
	}
}
