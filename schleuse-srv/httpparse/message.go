package httpparse

import (
	"bytes"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Message is a parsed HTTP/1.x request or response.
type Message struct {
	// request line
	Method string
	Target string

	// status line
	StatusCode int
	Reason     string

	Proto   string
	Headers Headers
	// Body holds the body bytes as framed on the wire. Chunked bodies are
	// not decoded.
	Body []byte

	// head holds the start line and header block as received.
	head []byte
}

func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// Raw returns the exact bytes the message was parsed from. Body bytes the
// parser did not keep are missing.
func (m *Message) Raw() []byte {
	if len(m.Body) == 0 {
		return m.head
	}
	raw := make([]byte, 0, len(m.head)+len(m.Body))
	return append(append(raw, m.head...), m.Body...)
}

// Bytes serialises the message from its fields.
func (m *Message) Bytes() []byte {
	var b bytes.Buffer
	if m.IsRequest() {
		b.WriteString(m.Method + " " + m.Target + " " + m.Proto + "\r\n")
	} else {
		b.WriteString(m.Proto + " " + strconv.Itoa(m.StatusCode))
		if m.Reason != "" {
			b.WriteString(" " + m.Reason)
		}
		b.WriteString("\r\n")
	}
	for _, f := range m.Headers.All() {
		b.WriteString(f.Name + ": " + f.Value + "\r\n")
	}
	b.WriteString("\r\n")
	b.Write(m.Body)
	return b.Bytes()
}

// KeepAlive reports whether the sender allows the connection to persist
// after this message.
func (m *Message) KeepAlive() bool {
	if m.Headers.hasToken("Connection", "close") {
		return false
	}
	if m.Proto == "HTTP/1.0" {
		return m.Headers.hasToken("Connection", "keep-alive") ||
			m.Headers.hasToken("Proxy-Connection", "keep-alive")
	}
	return true
}

// Chunked reports whether the message uses chunked transfer coding.
func (m *Message) Chunked() bool {
	te := m.Headers.Values("Transfer-Encoding")
	if len(te) == 0 {
		return false
	}
	parts := strings.Split(te[len(te)-1], ",")
	return strings.EqualFold(strings.TrimSpace(parts[len(parts)-1]), "chunked")
}

// Authority returns host:port addressed by a request. CONNECT targets are
// used as is; absolute URIs default to port 80 or 443 by scheme; origin
// form falls back to the Host header. tls reports an https target.
func (m *Message) Authority() (authority string, tls bool, err error) {
	if m.Method == "CONNECT" {
		host, port, err := net.SplitHostPort(m.Target)
		if err != nil {
			host, port = m.Target, "443"
		}
		if host == "" {
			return "", false, &ParseError{State: StateComplete, Reason: "empty CONNECT authority"}
		}
		return net.JoinHostPort(host, port), false, nil
	}

	host := m.Headers.Get("Host")
	defaultPort := "80"
	if !strings.HasPrefix(m.Target, "/") && m.Target != "*" {
		u, err := url.Parse(m.Target)
		if err != nil {
			return "", false, &ParseError{State: StateComplete, Reason: "invalid request target: " + err.Error()}
		}
		if u.Host != "" {
			host = u.Host
		}
		if strings.EqualFold(u.Scheme, "https") {
			defaultPort = "443"
			tls = true
		}
	}
	if host == "" {
		return "", false, &ParseError{State: StateComplete, Reason: "request has no target host"}
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(strings.Trim(host, "[]"), defaultPort)
	}
	return host, tls, nil
}

// Hostname returns the authority without port.
func (m *Message) Hostname() string {
	authority, _, err := m.Authority()
	if err != nil {
		return ""
	}
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		return authority
	}
	return host
}
