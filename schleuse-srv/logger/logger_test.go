package logger

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureOutput(f func()) string {
	var buf bytes.Buffer
	old := stdLogger.Writer()
	SetOutput(&buf)
	defer SetOutput(old)

	f()
	return buf.String()
}

func withLevel(t *testing.T, level LogLevel) {
	t.Helper()
	original := GetLevel()
	SetLevel(level)
	t.Cleanup(func() { SetLevel(original) })
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"TRACE", TRACE},
		{"debug", DEBUG},
		{"Info", INFO},
		{"WaRn", WARN},
		{"warning", WARN},
		{" error ", ERROR},
		{"FATAL", FATAL},
		{"verbose", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, GetLevelFromString(tt.in))
		})
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "TRACE", TRACE.String())
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name    string
		current LogLevel
		log     func(string, ...any)
		printed bool
	}{
		{"trace with debug level", DEBUG, Trace, false},
		{"debug with debug level", DEBUG, Debug, true},
		{"debug with info level", INFO, Debug, false},
		{"info with info level", INFO, Info, true},
		{"info with warn level", WARN, Info, false},
		{"warn with warn level", WARN, Warn, true},
		{"warn with error level", ERROR, Warn, false},
		{"error with error level", ERROR, Error, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withLevel(t, tt.current)
			out := captureOutput(func() { tt.log("test message") })
			if tt.printed {
				assert.Contains(t, out, "test message")
			} else {
				assert.Empty(t, out)
			}
		})
	}
}

func TestLogFormatting(t *testing.T) {
	withLevel(t, TRACE)

	out := captureOutput(func() {
		Error("error: %v, code: %d", fmt.Errorf("boom"), 502)
	})

	assert.Contains(t, out, "[ERROR] error: boom, code: 502")
}

func TestScopedPrefix(t *testing.T) {
	withLevel(t, DEBUG)

	out := captureOutput(func() {
		For("conn-1").Debug("state %s", "AwaitingRequest")
		For("conn-1").Trace("hidden")
	})

	assert.True(t, strings.Contains(out, "[DEBUG] [conn-1] state AwaitingRequest"), out)
	assert.NotContains(t, out, "hidden")
}
