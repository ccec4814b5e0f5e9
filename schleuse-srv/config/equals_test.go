package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestHasChanged(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Auth = &AuthConfig{Username: "user", Password: "pass", Realm: "schleuse"}
		cfg.Classifiers["internal"] = &ClassifierAnd{Classifiers: []Classifier{
			&ClassifierDomain{Op: ClassifierOpEqual, Domain: "corp.example"},
			&ClassifierPort{Port: 443},
		}}
		cfg.Forwards = []Forward{
			&ForwardProxy{Address: "parent:3128", Username: strPtr("u"), ClassifierData: &ClassifierRef{Id: "internal"}},
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   bool
	}{
		{name: "identical", mutate: func(*Config) {}, want: false},
		{name: "timeout", mutate: func(c *Config) { c.TimeoutSeconds++ }, want: true},
		{name: "server address", mutate: func(c *Config) { c.Servers[0].ListenAddress = "0.0.0.0:1" }, want: true},
		{name: "auth removed", mutate: func(c *Config) { c.Auth = nil }, want: true},
		{name: "auth password", mutate: func(c *Config) { c.Auth.Password = "other" }, want: true},
		{name: "classifier port", mutate: func(c *Config) {
			c.Classifiers["internal"].(*ClassifierAnd).Classifiers[1] = &ClassifierPort{Port: 80}
		}, want: true},
		{name: "forward password", mutate: func(c *Config) {
			c.Forwards[0].(*ForwardProxy).Password = strPtr("p")
		}, want: true},
		{name: "blocklist added", mutate: func(c *Config) { c.Blocklist = &ClassifierFalse{} }, want: true},
		{name: "dns enabled", mutate: func(c *Config) { c.DNS.Enabled = true }, want: true},
		{name: "interception", mutate: func(c *Config) { c.Interception.Enabled = true }, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := base(), base()
			tt.mutate(b)
			assert.Equal(t, tt.want, HasChanged(a, b))
		})
	}
}

func TestHasChangedNil(t *testing.T) {
	assert.False(t, HasChanged(nil, nil))
	assert.True(t, HasChanged(Default(), nil))
}

func TestClassifierEqualDomainsFileContent(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.txt")
	second := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(first, []byte("example.com\n"), 0o600))
	require.NoError(t, os.WriteFile(second, []byte("example.com\n"), 0o600))

	assert.True(t, classifierEqual(&ClassifierDomainsFile{FilePath: first}, &ClassifierDomainsFile{FilePath: second}))

	require.NoError(t, os.WriteFile(second, []byte("example.org\n"), 0o600))
	assert.False(t, classifierEqual(&ClassifierDomainsFile{FilePath: first}, &ClassifierDomainsFile{FilePath: second}))
}
