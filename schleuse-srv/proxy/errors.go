package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"
)

// Error is a proxy failure identified by a stable code.
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates an Error. An empty description is filled from
// ErrorDescriptions.
func NewProxyError(code, description string, cause error) *Error {
	if description == "" {
		description = GetErrorDescription(code)
	}
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeNoEnabledServers     = "E1001"
	ErrCodeInvalidCAFile        = "E1002"
	ErrCodeInvalidCAKey         = "E1003"
	ErrCodeCAKeyUnsupported     = "E1004"
	ErrCodeCADecodeFailed       = "E1005"
	ErrCodeCAParseFailed        = "E1006"
	ErrCodeListenerCreateFailed = "E1008"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionTimeout  = "E2002"
	ErrCodeConnectionRefused  = "E2003"
	ErrCodeHostUnreachable    = "E2004"
	ErrCodeNetworkUnreachable = "E2005"
	ErrCodeConnectionClosed   = "E2008"
	ErrCodeDialFailed         = "E2009"
	ErrCodeDNSResolveFailed   = "E2011"

	// TLS and Certificate Errors (E3000-E3999)
	ErrCodeTLSHandshakeFailed   = "E3001"
	ErrCodeCertGenerationFailed = "E3002"
	ErrCodePrivateKeyGenFailed  = "E3005"
	ErrCodeTLSUpstreamFailed    = "E3007"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed  = "E4001"
	ErrCodeHTTPResponseReadFailed = "E4002"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed     = "E6001"
	ErrCodeSOCKS5ConnectFailed    = "E6002"
	ErrCodeHTTPProxyDialFailed    = "E6003"
	ErrCodeHTTPProxyConnectFailed = "E6004"
	ErrCodeCONNECTResponseFailed  = "E6006"
	ErrCodeProxyDenied            = "E6008"
	ErrCodeForwardRuleError       = "E6009"

	// Access Control and Security Errors (E7000-E7999)
	ErrCodeBlocklistMatch    = "E7002"
	ErrCodeAllowlistMismatch = "E7003"
	ErrCodeClassifierError   = "E7004"

	// Plugin Errors (E8000-E8999)
	ErrCodeRequestHookFailed = "E8002"
	ErrCodeChunkHookFailed   = "E8008"

	// Resource and Limit Errors (E9000-E9899)
	ErrCodeBufferOverflow          = "E9004"
	ErrCodeConcurrencyLimitReached = "E9006"

	// Internal Errors (E9900-E9999)
	ErrCodeInternalError = "E9901"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeNoEnabledServers:     "No enabled proxy servers configured",
	ErrCodeInvalidCAFile:        "Invalid or unreadable CA certificate file",
	ErrCodeInvalidCAKey:         "Invalid or unreadable CA private key file",
	ErrCodeCAKeyUnsupported:     "CA private key type is not supported",
	ErrCodeCADecodeFailed:       "Failed to decode CA certificate or key PEM",
	ErrCodeCAParseFailed:        "Failed to parse CA certificate or key",
	ErrCodeListenerCreateFailed: "Failed to create network listener",

	ErrCodeConnectionTimeout:  "Connection attempt timed out",
	ErrCodeConnectionRefused:  "Connection refused by target server",
	ErrCodeHostUnreachable:    "Target host is unreachable",
	ErrCodeNetworkUnreachable: "Target network is unreachable",
	ErrCodeConnectionClosed:   "Connection closed unexpectedly",
	ErrCodeDialFailed:         "Failed to dial target address",
	ErrCodeDNSResolveFailed:   "Failed to resolve target host",

	ErrCodeTLSHandshakeFailed:   "TLS handshake failed",
	ErrCodeCertGenerationFailed: "Failed to generate SSL certificate",
	ErrCodePrivateKeyGenFailed:  "Failed to generate private key",
	ErrCodeTLSUpstreamFailed:    "TLS handshake with upstream server failed",

	ErrCodeHTTPRequestReadFailed:  "Failed to read HTTP request",
	ErrCodeHTTPResponseReadFailed: "Failed to read HTTP response",

	ErrCodeSOCKS5DialerFailed:     "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:    "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:    "Failed to dial HTTP proxy server",
	ErrCodeHTTPProxyConnectFailed: "HTTP proxy connection failed",
	ErrCodeCONNECTResponseFailed:  "Failed to read CONNECT response",
	ErrCodeProxyDenied:            "Proxy request denied",
	ErrCodeForwardRuleError:       "Error in forwarding rule evaluation",

	ErrCodeBlocklistMatch:    "Host matches blocklist entry",
	ErrCodeAllowlistMismatch: "Host not found in allowlist",
	ErrCodeClassifierError:   "Error in access control classifier",

	ErrCodeRequestHookFailed: "Request hook failed",
	ErrCodeChunkHookFailed:   "Chunk hook failed",

	ErrCodeBufferOverflow:          "Buffer overflow detected",
	ErrCodeConcurrencyLimitReached: "Concurrency limit reached",

	ErrCodeInternalError: "Internal proxy error",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// ErrorCode returns the code of the first *Error in err's chain, or
// ErrCodeInternalError.
func ErrorCode(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return ErrCodeInternalError
}

func hasCodeIn(err error, lo, hi string) bool {
	var proxyErr *Error
	if !errors.As(err, &proxyErr) {
		return false
	}
	return proxyErr.Code >= lo && proxyErr.Code < hi
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool { return hasCodeIn(err, "E2000", "E3000") }

// IsTLSError checks if the error is TLS-related
func IsTLSError(err error) bool { return hasCodeIn(err, "E3000", "E4000") }

// IsHTTPError checks if the error is HTTP-related
func IsHTTPError(err error) bool { return hasCodeIn(err, "E4000", "E5000") }

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool { return hasCodeIn(err, "E6000", "E7000") }

// IsAccessControlError checks if the error is access control-related
func IsAccessControlError(err error) bool { return hasCodeIn(err, "E7000", "E8000") }

// IsPluginError checks if the error came from a plugin hook
func IsPluginError(err error) bool { return hasCodeIn(err, "E8000", "E9000") }

// IsResourceError checks if the error is resource-related
func IsResourceError(err error) bool { return hasCodeIn(err, "E9000", "E9900") }

// classifyDialError maps a dial failure onto a connection error code.
func classifyDialError(err error) *Error {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr
	}

	code := ErrCodeDialFailed
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		code = ErrCodeConnectionTimeout
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			code = ErrCodeConnectionTimeout
		} else {
			code = ErrCodeDNSResolveFailed
		}
	case errors.Is(err, syscall.ECONNREFUSED):
		code = ErrCodeConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		code = ErrCodeHostUnreachable
	case errors.Is(err, syscall.ENETUNREACH):
		code = ErrCodeNetworkUnreachable
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			code = ErrCodeConnectionTimeout
		}
	}
	return NewProxyError(code, "", err)
}

// BadGatewayResponse renders the 502 sent when the upstream could not be
// reached. The error code is repeated in the X-Proxy-Error header.
func BadGatewayResponse(errorCode string) []byte {
	description := GetErrorDescription(errorCode)
	title := "502 Bad Gateway"
	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>%s</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; background-color: #f4f4f4; color: #333; }
        .container { background-color: #fff; padding: 20px; border-radius: 5px; }
        h1 { color: #d9534f; }
        .error-code { font-weight: bold; color: #c9302c; }
    </style>
</head>
<body>
    <div class="container">
        <h1>%s</h1>
        <p>The proxy could not reach the requested server.</p>
        <p><span class="error-code">Error Code:</span> %s</p>
        <p><span class="error-code">Description:</span> %s</p>
    </div>
</body>
</html>`, title, title, errorCode, description)

	return simpleResponse("502 Bad Gateway", "text/html; charset=utf-8", htmlBody, [][2]string{
		{"X-Proxy-Error", errorCode},
		{"Connection", "close"},
	})
}

// BadRequestResponse is sent for requests that cannot be parsed.
func BadRequestResponse() []byte {
	return simpleResponse("400 Bad Request", "text/plain; charset=utf-8", "Bad Request\n", [][2]string{
		{"Connection", "close"},
	})
}

// ForbiddenResponse is sent when access control rejects the target.
func ForbiddenResponse(errorCode string) []byte {
	return simpleResponse("403 Forbidden", "text/plain; charset=utf-8", GetErrorDescription(errorCode)+"\n", [][2]string{
		{"X-Proxy-Error", errorCode},
		{"Connection", "close"},
	})
}

func simpleResponse(status, contentType, body string, extra [][2]string) []byte {
	b := make([]byte, 0, 128+len(body))
	b = append(b, "HTTP/1.1 "+status+"\r\n"...)
	b = append(b, "Content-Type: "+contentType+"\r\n"...)
	b = append(b, "Content-Length: "+strconv.Itoa(len(body))+"\r\n"...)
	for _, h := range extra {
		b = append(b, h[0]+": "+h[1]+"\r\n"...)
	}
	b = append(b, "\r\n"...)
	b = append(b, body...)
	return b
}
