package config

import (
	"bytes"
	"os"

	"github.com/codefionn/schleuse/schleuse-srv/logger"
)

// HasChanged reports whether b differs from a in any setting that requires
// restarting the proxy.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if len(a.Servers) != len(b.Servers) {
		return true
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return true
		}
	}

	switch {
	case a.TimeoutSeconds != b.TimeoutSeconds,
		a.IdleTimeoutSeconds != b.IdleTimeoutSeconds,
		a.MaxConcurrentConnections != b.MaxConcurrentConnections,
		a.MaxBufferBytes != b.MaxBufferBytes,
		a.LogLevel != b.LogLevel,
		a.Interception != b.Interception,
		a.Statistics != b.Statistics,
		a.Metrics != b.Metrics:
		return true
	}

	if !authEqual(a.Auth, b.Auth) || !dnsEqual(a.DNS, b.DNS) {
		return true
	}
	if !classifiersMapEqual(a.Classifiers, b.Classifiers) {
		return true
	}
	if !forwardsSliceEqual(a.Forwards, b.Forwards) {
		return true
	}
	return !classifierEqual(a.Allowlist, b.Allowlist) || !classifierEqual(a.Blocklist, b.Blocklist)
}

func authEqual(a, b *AuthConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func dnsEqual(a, b DNSConfig) bool {
	if a.Enabled != b.Enabled || len(a.Servers) != len(b.Servers) {
		return false
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return false
		}
	}
	return true
}

func classifierEqual(a, b Classifier) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	switch ta := a.(type) {
	case *ClassifierPort:
		return ta.Port == b.(*ClassifierPort).Port
	case *ClassifierDomainsFile:
		// The file content matters, not only its path.
		taContent, err := os.ReadFile(ta.FilePath)
		if err != nil {
			logger.Error("Failed to read domains file: %v (file: %s)", err, ta.FilePath)
			return false
		}
		tbContent, err := os.ReadFile(b.(*ClassifierDomainsFile).FilePath)
		if err != nil {
			logger.Error("Failed to read domains file: %v (file: %s)", err, b.(*ClassifierDomainsFile).FilePath)
			return false
		}
		return bytes.Equal(taContent, tbContent)
	case *ClassifierAnd:
		return classifierListEqual(ta.Classifiers, b.(*ClassifierAnd).Classifiers)
	case *ClassifierOr:
		return classifierListEqual(ta.Classifiers, b.(*ClassifierOr).Classifiers)
	case *ClassifierNot:
		return classifierEqual(ta.Classifier, b.(*ClassifierNot).Classifier)
	case *ClassifierDomain:
		return *ta == *b.(*ClassifierDomain)
	case *ClassifierRef:
		return ta.Id == b.(*ClassifierRef).Id
	case *ClassifierIP:
		return ta.IP == b.(*ClassifierIP).IP
	case *ClassifierNetwork:
		return ta.CIDR == b.(*ClassifierNetwork).CIDR
	case *ClassifierTrue, *ClassifierFalse:
		return true
	default:
		return false
	}
}

func classifierListEqual(a, b []Classifier) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !classifierEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func classifiersMapEqual(a, b map[string]Classifier) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !classifierEqual(va, vb) {
			return false
		}
	}
	return true
}

func forwardsSliceEqual(a, b []Forward) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !forwardEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func forwardEqual(a, b Forward) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	switch ta := a.(type) {
	case *ForwardDefaultNetwork:
		tb := b.(*ForwardDefaultNetwork)
		return ta.ForceIPv4 == tb.ForceIPv4 && classifierEqual(ta.ClassifierData, tb.ClassifierData)
	case *ForwardSocks5:
		tb := b.(*ForwardSocks5)
		return ta.Address == tb.Address &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password) &&
			classifierEqual(ta.ClassifierData, tb.ClassifierData)
	case *ForwardProxy:
		tb := b.(*ForwardProxy)
		return ta.Address == tb.Address &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password) &&
			classifierEqual(ta.ClassifierData, tb.ClassifierData)
	default:
		return false
	}
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
