package proxy

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/codefionn/schleuse/schleuse-srv/config"
	"github.com/codefionn/schleuse/schleuse-srv/httpparse"
)

// Credentials is the single username/password pair a client must present.
type Credentials struct {
	Username string
	Password string
}

// CredentialsFromConfig returns nil when auth is disabled.
func CredentialsFromConfig(auth *config.AuthConfig) *Credentials {
	if auth == nil {
		return nil
	}
	return &Credentials{Username: auth.Username, Password: auth.Password}
}

// AuthOutcome is the result of AuthGate.Check. A denied outcome carries the
// 407 response to queue for the client.
type AuthOutcome struct {
	Allowed  bool
	Response []byte
}

// AuthGate validates Proxy-Authorization headers. It never touches a socket.
type AuthGate struct {
	creds  *Credentials
	denied []byte
}

// NewAuthGate returns a gate for creds. A nil creds allows every request.
func NewAuthGate(creds *Credentials, realm string) *AuthGate {
	if realm == "" {
		realm = "schleuse"
	}
	return &AuthGate{
		creds:  creds,
		denied: proxyAuthRequired(realm),
	}
}

// Enabled reports whether requests are checked at all.
func (g *AuthGate) Enabled() bool {
	return g.creds != nil
}

// DeniedResponse returns the 407 packet of this gate.
func (g *AuthGate) DeniedResponse() []byte {
	return g.denied
}

// Check inspects the Proxy-Authorization header of a request.
func (g *AuthGate) Check(h *httpparse.Headers) AuthOutcome {
	if g.creds == nil || g.valid(h.Get("Proxy-Authorization")) {
		return AuthOutcome{Allowed: true}
	}
	return AuthOutcome{Response: g.denied}
}

func (g *AuthGate) valid(value string) bool {
	scheme, encoded, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return false
	}
	if strings.Count(string(decoded), ":") != 1 {
		return false
	}
	user, pass, _ := strings.Cut(string(decoded), ":")

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(g.creds.Username))
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(g.creds.Password))
	return userOK&passOK == 1
}

func proxyAuthRequired(realm string) []byte {
	return []byte("HTTP/1.1 407 Proxy Authentication Required\r\n" +
		"Proxy-Authenticate: Basic realm=\"" + realm + "\"\r\n" +
		"Content-Length: 0\r\n" +
		"Connection: keep-alive\r\n" +
		"\r\n")
}
