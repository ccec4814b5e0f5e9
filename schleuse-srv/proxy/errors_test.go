package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProxyErrorFormatting(t *testing.T) {
	err := NewProxyError(ErrCodeConnectionRefused, "", errors.New("dial tcp: refused"))
	assert.Equal(t, "[E2003] Connection refused by target server: dial tcp: refused", err.Error())

	err = NewProxyError(ErrCodeBlocklistMatch, "ads.example", nil)
	assert.Equal(t, "[E7002] ads.example", err.Error())
}

func TestErrorCode(t *testing.T) {
	wrapped := fmt.Errorf("connect: %w", NewProxyError(ErrCodeTLSUpstreamFailed, "", nil))
	assert.Equal(t, ErrCodeTLSUpstreamFailed, ErrorCode(wrapped))
	assert.Equal(t, ErrCodeInternalError, ErrorCode(errors.New("plain")))
	assert.Equal(t, "Unknown error code", GetErrorDescription("E0000"))
}

func TestErrorCategories(t *testing.T) {
	tests := []struct {
		code  string
		check func(error) bool
	}{
		{ErrCodeConnectionTimeout, IsConnectionError},
		{ErrCodeTLSHandshakeFailed, IsTLSError},
		{ErrCodeHTTPRequestReadFailed, IsHTTPError},
		{ErrCodeProxyDenied, IsProxyChainError},
		{ErrCodeAllowlistMismatch, IsAccessControlError},
		{ErrCodeChunkHookFailed, IsPluginError},
		{ErrCodeBufferOverflow, IsResourceError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.True(t, tt.check(NewProxyError(tt.code, "", nil)))
			assert.False(t, tt.check(NewProxyError(ErrCodeInternalError, "", nil)))
			assert.False(t, tt.check(errors.New(tt.code)))
		})
	}
}

func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, ErrCodeConnectionRefused},
		{"host unreachable", &net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}, ErrCodeHostUnreachable},
		{"network unreachable", &net.OpError{Op: "dial", Err: syscall.ENETUNREACH}, ErrCodeNetworkUnreachable},
		{"deadline", context.DeadlineExceeded, ErrCodeConnectionTimeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, ErrCodeDNSResolveFailed},
		{"dns timeout", &net.DNSError{Err: "timeout", Name: "slow.invalid", IsTimeout: true}, ErrCodeConnectionTimeout},
		{"other", errors.New("boom"), ErrCodeDialFailed},
		{"already classified", NewProxyError(ErrCodeSOCKS5ConnectFailed, "", nil), ErrCodeSOCKS5ConnectFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, classifyDialError(tt.err).Code)
		})
	}
}

func TestErrorResponses(t *testing.T) {
	resp := string(BadGatewayResponse(ErrCodeConnectionTimeout))
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 502 Bad Gateway\r\n"))
	assert.Contains(t, resp, "X-Proxy-Error: E2002\r\n")
	assert.Contains(t, resp, "Connection attempt timed out")

	head, body, ok := strings.Cut(resp, "\r\n\r\n")
	assert.True(t, ok)
	assert.Contains(t, head, fmt.Sprintf("Content-Length: %d\r\n", len(body)))

	assert.Equal(t, "HTTP/1.1 400 Bad Request\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: 12\r\n"+
		"Connection: close\r\n"+
		"\r\n"+
		"Bad Request\n", string(BadRequestResponse()))

	forbidden := string(ForbiddenResponse(ErrCodeAllowlistMismatch))
	assert.True(t, strings.HasPrefix(forbidden, "HTTP/1.1 403 Forbidden\r\n"))
	assert.Contains(t, forbidden, "X-Proxy-Error: E7003\r\n")
}
