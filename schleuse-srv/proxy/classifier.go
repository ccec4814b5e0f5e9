package proxy

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"github.com/codefionn/schleuse/schleuse-srv/config"
	"github.com/codefionn/schleuse/schleuse-srv/logger"
)

// ClassifierInput describes the upstream target a rule is evaluated for.
type ClassifierInput struct {
	Host string
	// IP is set when the target host is an IP literal.
	IP   string
	Port uint16
}

// NewClassifierInput splits a host:port authority.
func NewClassifierInput(authority string) ClassifierInput {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		host = authority
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	in := ClassifierInput{Host: host}
	if port, err := strconv.ParseUint(portStr, 10, 16); err == nil {
		in.Port = uint16(port)
	}
	if ip := net.ParseIP(host); ip != nil {
		in.IP = ip.String()
	}
	return in
}

// Classifier defines the interface for all compiled host classifiers.
type Classifier interface {
	Classify(input ClassifierInput) (bool, error)
}

type classifierAnd struct {
	classifiers []Classifier
}

func (c *classifierAnd) Classify(input ClassifierInput) (bool, error) {
	for _, classifier := range c.classifiers {
		result, err := classifier.Classify(input)
		if err != nil || !result {
			return false, err
		}
	}
	return true, nil
}

type classifierOr struct {
	classifiers []Classifier
}

func (c *classifierOr) Classify(input ClassifierInput) (bool, error) {
	for _, classifier := range c.classifiers {
		result, err := classifier.Classify(input)
		if err != nil {
			return false, err
		}
		if result {
			return true, nil
		}
	}
	return false, nil
}

type classifierNot struct {
	classifier Classifier
}

func (c *classifierNot) Classify(input ClassifierInput) (bool, error) {
	result, err := c.classifier.Classify(input)
	if err != nil {
		return false, err
	}
	return !result, nil
}

type classifierDomain struct {
	op     config.ClassifierOp
	domain string
}

func (c *classifierDomain) Classify(input ClassifierInput) (bool, error) {
	switch c.op {
	case config.ClassifierOpEqual:
		return input.Host == c.domain, nil
	case config.ClassifierOpNotEqual:
		return input.Host != c.domain, nil
	case config.ClassifierOpContains:
		return strings.Contains(input.Host, c.domain), nil
	case config.ClassifierOpNotContains:
		return !strings.Contains(input.Host, c.domain), nil
	case config.ClassifierOpIs:
		return isDomainOrSubdomain(input.Host, c.domain), nil
	default:
		return false, fmt.Errorf("unsupported domain classifier operation: %v", c.op)
	}
}

func isDomainOrSubdomain(host, domain string) bool {
	if !strings.HasSuffix(host, domain) {
		return false
	}
	return len(host) == len(domain) || host[len(host)-len(domain)-1] == '.'
}

// domainSet matches a host against many domains at once with an
// Aho-Corasick automaton.
type domainSet struct {
	trie       *ahocorasick.Trie
	domains    []string
	subdomains bool
}

func newDomainSet(domains []string, subdomains bool) *domainSet {
	set := &domainSet{domains: domains, subdomains: subdomains}
	if len(domains) > 0 {
		set.trie = ahocorasick.NewTrieBuilder().AddStrings(domains).Build()
	}
	return set
}

func (c *domainSet) Classify(input ClassifierInput) (bool, error) {
	if c.trie == nil {
		return false, nil
	}
	for _, match := range c.trie.MatchString(input.Host) {
		domain := c.domains[match.Pattern()]
		if c.subdomains {
			if isDomainOrSubdomain(input.Host, domain) {
				return true, nil
			}
		} else if input.Host == domain {
			return true, nil
		}
	}
	return false, nil
}

type classifierPort struct {
	port int
}

func (c *classifierPort) Classify(input ClassifierInput) (bool, error) {
	if input.Port == 0 {
		return false, fmt.Errorf("target port not provided in classifier input")
	}
	return int(input.Port) == c.port, nil
}

type classifierIP struct {
	ip net.IP
}

// Classify never matches host names, only IP literal targets.
func (c *classifierIP) Classify(input ClassifierInput) (bool, error) {
	if input.IP == "" {
		return false, nil
	}
	return c.ip.Equal(net.ParseIP(input.IP)), nil
}

type classifierNetwork struct {
	network *net.IPNet
}

func (c *classifierNetwork) Classify(input ClassifierInput) (bool, error) {
	if input.IP == "" {
		return false, nil
	}
	return c.network.Contains(net.ParseIP(input.IP)), nil
}

type classifierRef struct {
	id    string
	named map[string]Classifier
}

func (c *classifierRef) Classify(input ClassifierInput) (bool, error) {
	classifier, ok := c.named[c.id]
	if !ok {
		return false, fmt.Errorf("classifier with ID '%s' not found", c.id)
	}
	return classifier.Classify(input)
}

type classifierConst bool

func (c classifierConst) Classify(ClassifierInput) (bool, error) { return bool(c), nil }

// ClassifierSet compiles configuration classifiers. Named classifiers are
// shared by every classifier compiled from the same set, so references are
// resolved at evaluation time and may point forward.
type ClassifierSet struct {
	named map[string]Classifier
}

// NewClassifierSet compiles the named classifiers of a configuration.
func NewClassifierSet(named map[string]config.Classifier) (*ClassifierSet, error) {
	set := &ClassifierSet{named: make(map[string]Classifier, len(named))}
	for name, c := range named {
		compiled, err := set.Compile(c)
		if err != nil {
			return nil, NewProxyError(ErrCodeClassifierError, fmt.Sprintf("classifier %q", name), err)
		}
		set.named[name] = compiled
	}
	return set, nil
}

// Compile turns c into its executable form. A nil c yields nil.
func (s *ClassifierSet) Compile(c config.Classifier) (Classifier, error) {
	if c == nil {
		return nil, nil
	}

	switch t := c.(type) {
	case *config.ClassifierTrue:
		return classifierConst(true), nil
	case *config.ClassifierFalse:
		return classifierConst(false), nil
	case *config.ClassifierAnd:
		list, err := s.compileList(t.Classifiers)
		if err != nil {
			return nil, err
		}
		return &classifierAnd{classifiers: list}, nil
	case *config.ClassifierOr:
		if optimized := optimizeOr(t); optimized != nil {
			return optimized, nil
		}
		list, err := s.compileList(t.Classifiers)
		if err != nil {
			return nil, err
		}
		return &classifierOr{classifiers: list}, nil
	case *config.ClassifierNot:
		inner, err := s.Compile(t.Classifier)
		if err != nil {
			return nil, err
		}
		if inner == nil {
			return nil, fmt.Errorf("not classifier without operand")
		}
		return &classifierNot{classifier: inner}, nil
	case *config.ClassifierDomain:
		return &classifierDomain{op: t.Op, domain: strings.ToLower(t.Domain)}, nil
	case *config.ClassifierPort:
		return &classifierPort{port: t.Port}, nil
	case *config.ClassifierIP:
		ip := net.ParseIP(t.IP)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", t.IP)
		}
		return &classifierIP{ip: ip}, nil
	case *config.ClassifierNetwork:
		_, network, err := net.ParseCIDR(t.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR format '%s': %w", t.CIDR, err)
		}
		return &classifierNetwork{network: network}, nil
	case *config.ClassifierRef:
		return &classifierRef{id: t.Id, named: s.named}, nil
	case *config.ClassifierDomainsFile:
		return loadDomainsFile(t.FilePath)
	default:
		return nil, fmt.Errorf("unsupported classifier type: %v", c.Type())
	}
}

func (s *ClassifierSet) compileList(list []config.Classifier) ([]Classifier, error) {
	out := make([]Classifier, 0, len(list))
	for _, c := range list {
		compiled, err := s.Compile(c)
		if err != nil {
			return nil, err
		}
		if compiled != nil {
			out = append(out, compiled)
		}
	}
	return out, nil
}

// optimizeOr replaces an OR of domain classifiers sharing the equal or is
// operation with a single automaton. It returns nil if that is not possible.
func optimizeOr(or *config.ClassifierOr) Classifier {
	if len(or.Classifiers) < 2 {
		return nil
	}
	var op config.ClassifierOp
	domains := make([]string, 0, len(or.Classifiers))
	for i, c := range or.Classifiers {
		d, ok := c.(*config.ClassifierDomain)
		if !ok || (d.Op != config.ClassifierOpEqual && d.Op != config.ClassifierOpIs) {
			return nil
		}
		if i > 0 && d.Op != op {
			return nil
		}
		op = d.Op
		domains = append(domains, strings.ToLower(d.Domain))
	}
	return newDomainSet(domains, op == config.ClassifierOpIs)
}

var rgComment = regexp.MustCompile(`\A(.*?)[ \t\v]*(?:[#;].*)?\z`)
var rgSplitDomains = regexp.MustCompile(`[ \t\v]+`)

// loadDomainsFile reads a domain list, one or more domains per line, hosts
// file layout accepted. Every domain also matches its subdomains.
func loadDomainsFile(filePath string) (Classifier, error) {
	cleanPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return nil, fmt.Errorf("invalid file path: %w", err)
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing domains file: %v", closeErr)
		}
	}()

	var domains []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		line = rgComment.FindStringSubmatch(line)[1]

		for _, domain := range rgSplitDomains.Split(line, -1) {
			switch {
			case domain == "" || domain == "0.0.0.0" || domain == "127.0.0.1":
			case strings.HasPrefix(domain, "*."):
				domains = append(domains, strings.ToLower(domain[2:]))
			default:
				domains = append(domains, strings.ToLower(domain))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading domains file: %w", err)
	}

	if len(domains) == 0 {
		logger.Warn("No domains found in file: %s", filePath)
	} else {
		logger.Info("Loaded %d domains from file: %s", len(domains), filePath)
	}
	return newDomainSet(domains, true), nil
}
