package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/schleuse/schleuse-srv/logger"
)

// InterceptionConfig defines settings for TLS interception of CONNECT tunnels
type InterceptionConfig struct {
	Enabled            bool   // Whether interception is enabled
	HTTPS              bool   // Whether CONNECT tunnels are terminated and re-encrypted
	CAFile             string // Path to the CA certificate used to sign leaf certificates
	CAKeyFile          string // Path to the CA private key
	CAKeyPassword      string // Password for an encrypted CA private key (optional)
	InsecureSkipVerify bool   // Skip upstream certificate verification
}

// AuthConfig holds the credentials clients must present in
// Proxy-Authorization. A nil *AuthConfig disables authentication.
type AuthConfig struct {
	Username string
	Password string
	Realm    string
}

// ServerConfig defines configuration for a single listener
type ServerConfig struct {
	ListenAddress  string // Address to listen on (e.g., 127.0.0.1:8080)
	Enabled        bool   // Whether this server is enabled
	MaxConnections int    // Maximum concurrent client connections for this listener
}

// StatisticsConfig selects the statistics backend
type StatisticsConfig struct {
	Enabled       bool
	Backend       string // sqlite, postgres or dummy
	SQLitePath    string
	PostgresDSN   string
	FlushInterval int // seconds
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	Servers                  []ServerConfig // List of listeners
	TimeoutSeconds           int            // Upstream dial and TLS handshake timeout
	IdleTimeoutSeconds       int            // Connections idle longer than this are closed
	MaxConcurrentConnections int            // Global max concurrent client connections
	MaxBufferBytes           int            // Bound of a connection's outbound buffer
	LogLevel                 string
	Auth                     *AuthConfig
	Classifiers              map[string]Classifier
	Forwards                 []Forward
	Allowlist                Classifier // Optional host allowlist using classifier
	Blocklist                Classifier // Optional host blocklist using classifier
	Interception             InterceptionConfig
	DNS                      DNSConfig
	Statistics               StatisticsConfig
	Metrics                  MetricsConfig
}

// Timeout returns TimeoutSeconds as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// IdleTimeout returns IdleTimeoutSeconds as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ForwardType defines the type of forwarding rule.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork dials the target directly.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 dials through a SOCKS5 proxy.
	ForwardTypeSocks5
	// ForwardTypeProxy tunnels through another HTTP proxy with CONNECT.
	ForwardTypeProxy
)

// Forward defines the interface for forwarding configurations.
type Forward interface {
	Type() ForwardType
	Classifier() Classifier
}

// ForwardDefaultNetwork represents default network forwarding configuration.
type ForwardDefaultNetwork struct {
	ClassifierData Classifier
	ForceIPv4      bool
}

func (c *ForwardDefaultNetwork) Type() ForwardType { return ForwardTypeDefaultNetwork }

func (c *ForwardDefaultNetwork) Classifier() Classifier { return orTrue(c.ClassifierData) }

// ForwardSocks5 represents SOCKS5 proxy forwarding configuration.
type ForwardSocks5 struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
}

func (c *ForwardSocks5) Type() ForwardType { return ForwardTypeSocks5 }

func (c *ForwardSocks5) Classifier() Classifier { return orTrue(c.ClassifierData) }

// ForwardProxy represents HTTP proxy forwarding configuration.
type ForwardProxy struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
}

func (c *ForwardProxy) Type() ForwardType { return ForwardTypeProxy }

func (c *ForwardProxy) Classifier() Classifier { return orTrue(c.ClassifierData) }

// orTrue matches everything when a forward has no classifier.
func orTrue(c Classifier) Classifier {
	if c == nil {
		return &ClassifierTrue{}
	}
	return c
}

func defaultServer() ServerConfig {
	return ServerConfig{
		ListenAddress:  "127.0.0.1:8080",
		Enabled:        true,
		MaxConnections: 100,
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Servers:                  []ServerConfig{defaultServer()},
		TimeoutSeconds:           30,
		IdleTimeoutSeconds:       300,
		MaxConcurrentConnections: 100,
		MaxBufferBytes:           4 * 1024 * 1024,
		LogLevel:                 "INFO",
		Classifiers:              make(map[string]Classifier),
		DNS:                      DefaultDNSConfig(),
		Statistics:               StatisticsConfig{Backend: "sqlite", FlushInterval: 5},
		Metrics:                  MetricsConfig{ListenAddress: "127.0.0.1:9090"},
	}
}

// LoadConfig loads configuration from the specified file path. Environment
// variables are applied first, the file overrides them.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		data, err := readConfigMap(configPath)
		if err != nil {
			return nil, err
		}
		if err := applyConfigMap(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readConfigMap decodes any supported file format into the generic map
// representation shared by all formats.
func readConfigMap(configPath string) (map[string]any, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}

	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json":
		return loadJSONMap(cleanPath)
	case ".yaml", ".yml":
		return loadYAMLMap(cleanPath)
	case ".hcl":
		return loadHCLMap(cleanPath)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func loadJSONMap(path string) (map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

// Validate rejects configurations the proxy cannot run with.
func (c *Config) Validate() error {
	if c.Auth != nil {
		if c.Auth.Username == "" {
			return fmt.Errorf("auth requires a username")
		}
		// Basic credentials carry exactly one ':' separator.
		if strings.Contains(c.Auth.Username, ":") || strings.Contains(c.Auth.Password, ":") {
			return fmt.Errorf("auth username and password must not contain ':'")
		}
		if c.Auth.Realm == "" {
			c.Auth.Realm = "schleuse"
		}
	}
	if c.Interception.Enabled && c.Interception.HTTPS {
		if c.Interception.CAFile == "" || c.Interception.CAKeyFile == "" {
			return fmt.Errorf("https interception requires ca-file and ca-key-file")
		}
	}
	if c.MaxBufferBytes < 0 {
		return fmt.Errorf("max-buffer-bytes must not be negative")
	}
	return nil
}

// ParseBasicAuth parses a "user:pass" command line value.
func ParseBasicAuth(value string) (*AuthConfig, error) {
	user, pass, ok := strings.Cut(value, ":")
	if !ok || user == "" {
		return nil, fmt.Errorf("basic auth must be given as user:pass")
	}
	if strings.Contains(pass, ":") {
		return nil, fmt.Errorf("basic auth password must not contain ':'")
	}
	return &AuthConfig{Username: user, Password: pass, Realm: "schleuse"}, nil
}

func applyConfigMap(data map[string]any, cfg *Config) error {
	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}

		cfg.Servers = []ServerConfig{}
		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}

			server := defaultServer()
			if addrVal, exists := serverMap["listen-address"]; exists {
				ptr, err := parseValue[string](addrVal)
				if err != nil {
					return fmt.Errorf("listen-address at index %d must be a string: %w", i, err)
				}
				server.ListenAddress = *ptr
			}
			if enabledVal, exists := serverMap["enabled"]; exists {
				ptr, err := parseValue[bool](enabledVal)
				if err != nil {
					return fmt.Errorf("enabled at index %d must be a boolean: %w", i, err)
				}
				server.Enabled = *ptr
			}
			if maxConnsVal, exists := serverMap["max-connections"]; exists {
				ptr, err := parseValue[int](maxConnsVal)
				if err != nil {
					return fmt.Errorf("max-connections at index %d must be an integer: %w", i, err)
				}
				server.MaxConnections = *ptr
			}

			cfg.Servers = append(cfg.Servers, server)
		}
	}

	// Shorthand for a single listener when no servers list is given
	if _, hasServers := data["servers"]; !hasServers {
		if val, exists := data["listen-address"]; exists {
			ptr, err := parseValue[string](val)
			if err != nil {
				return fmt.Errorf("listen-address must be a string: %w", err)
			}
			server := defaultServer()
			server.ListenAddress = *ptr
			cfg.Servers = []ServerConfig{server}
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"timeout-seconds", &cfg.TimeoutSeconds},
		{"idle-timeout-seconds", &cfg.IdleTimeoutSeconds},
		{"max-concurrent-connections", &cfg.MaxConcurrentConnections},
		{"max-buffer-bytes", &cfg.MaxBufferBytes},
	}
	for _, field := range ints {
		if val, exists := data[field.key]; exists {
			ptr, err := parseValue[int](val)
			if err != nil {
				if strings.Contains(err.Error(), "secret") {
					return err
				}
				return fmt.Errorf("%s must be a number", field.key)
			}
			*field.dst = *ptr
		}
	}

	if val, exists := data["log-level"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("log-level must be a string: %w", err)
		}
		cfg.LogLevel = *ptr
	}

	if val, exists := data["auth"]; exists {
		authMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("auth must be an object")
		}
		auth, err := parseAuth(authMap)
		if err != nil {
			return err
		}
		cfg.Auth = auth
	}

	if val, exists := data["interception"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("interception must be an object")
		}
		if err := parseInterception(m, &cfg.Interception); err != nil {
			return err
		}
	}

	if val, exists := data["dns"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("dns must be an object")
		}
		if err := parseDNS(m, &cfg.DNS); err != nil {
			return err
		}
	}

	if val, exists := data["statistics"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if err := parseStatistics(m, &cfg.Statistics); err != nil {
			return err
		}
	}

	if val, exists := data["metrics"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("metrics must be an object")
		}
		if err := setBool(m, "enabled", &cfg.Metrics.Enabled); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		if err := setString(m, "listen-address", &cfg.Metrics.ListenAddress); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	cfg.Classifiers = make(map[string]Classifier)
	if classifiers, ok := data["classifiers"].(map[string]any); ok && classifiers != nil {
		for key, classifier := range classifiers {
			classifierMap, ok := classifier.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid classifier format for %q", key)
			}
			newClassifier, err := parseClassifier(classifierMap)
			if err != nil {
				return fmt.Errorf("classifier %q: %w", key, err)
			}
			cfg.Classifiers[key] = newClassifier
		}
	}

	for _, list := range []struct {
		key string
		dst *Classifier
	}{{"allowlist", &cfg.Allowlist}, {"blocklist", &cfg.Blocklist}} {
		if val, exists := data[list.key]; exists {
			m, ok := val.(map[string]any)
			if !ok {
				return fmt.Errorf("%s must be a classifier object", list.key)
			}
			c, err := parseClassifier(m)
			if err != nil {
				return fmt.Errorf("%s: %w", list.key, err)
			}
			*list.dst = c
		}
	}

	if forwards, ok := data["forwards"].([]any); ok && forwards != nil {
		cfg.Forwards = nil
		for _, forward := range forwards {
			forwardMap, ok := forward.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid forward format")
			}
			newForward, err := parseForward(forwardMap)
			if err != nil {
				return err
			}
			cfg.Forwards = append(cfg.Forwards, newForward)
		}
	}

	return nil
}

func parseAuth(m map[string]any) (*AuthConfig, error) {
	auth := &AuthConfig{Realm: "schleuse"}
	if err := setString(m, "username", &auth.Username); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if err := setString(m, "password", &auth.Password); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if err := setString(m, "realm", &auth.Realm); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return auth, nil
}

func parseInterception(m map[string]any, ic *InterceptionConfig) error {
	for key, dst := range map[string]*bool{
		"enabled":              &ic.Enabled,
		"https":                &ic.HTTPS,
		"insecure-skip-verify": &ic.InsecureSkipVerify,
	} {
		if err := setBool(m, key, dst); err != nil {
			return fmt.Errorf("interception: %w", err)
		}
	}
	for key, dst := range map[string]*string{
		"ca-file":         &ic.CAFile,
		"ca-key-file":     &ic.CAKeyFile,
		"ca-key-password": &ic.CAKeyPassword,
	} {
		if err := setString(m, key, dst); err != nil {
			return fmt.Errorf("interception: %w", err)
		}
	}
	return nil
}

func parseDNS(m map[string]any, dns *DNSConfig) error {
	if err := setBool(m, "enabled", &dns.Enabled); err != nil {
		return fmt.Errorf("dns: %w", err)
	}
	servers, exists := m["servers"]
	if !exists {
		return nil
	}
	list, ok := servers.([]any)
	if !ok {
		return fmt.Errorf("dns servers must be an array")
	}
	dns.Servers = nil
	for i, entry := range list {
		sm, ok := entry.(map[string]any)
		if !ok {
			return fmt.Errorf("dns server at index %d must be an object", i)
		}
		server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
		var typ string
		if err := setString(sm, "type", &typ); err != nil {
			return fmt.Errorf("dns server %d: %w", i, err)
		}
		if typ != "" {
			server.Type = DNSType(typ)
		}
		if err := setString(sm, "address", &server.Address); err != nil {
			return fmt.Errorf("dns server %d: %w", i, err)
		}
		if err := setString(sm, "tls-host", &server.TLSHost); err != nil {
			return fmt.Errorf("dns server %d: %w", i, err)
		}
		if err := setInt(sm, "timeout-seconds", &server.TimeoutSeconds); err != nil {
			return fmt.Errorf("dns server %d: %w", i, err)
		}
		switch server.Type {
		case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
		default:
			return fmt.Errorf("dns server %d: unsupported type %q", i, server.Type)
		}
		if server.Address == "" {
			return fmt.Errorf("dns server %d requires an address", i)
		}
		dns.Servers = append(dns.Servers, server)
	}
	return nil
}

func parseStatistics(m map[string]any, sc *StatisticsConfig) error {
	if err := setBool(m, "enabled", &sc.Enabled); err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	for key, dst := range map[string]*string{
		"backend":      &sc.Backend,
		"sqlite-path":  &sc.SQLitePath,
		"postgres-dsn": &sc.PostgresDSN,
	} {
		if err := setString(m, key, dst); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
	}
	if err := setInt(m, "flush-interval", &sc.FlushInterval); err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	return nil
}

func parseForward(forwardMap map[string]any) (Forward, error) {
	forwardType, ok := forwardMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing forward type")
	}

	var classifier Classifier
	if classifierData, ok := forwardMap["classifier"].(map[string]any); ok {
		var err error
		classifier, err = parseClassifier(classifierData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse classifier for %s forward: %w", forwardType, err)
		}
	}

	switch forwardType {
	case "default-network":
		fwd := &ForwardDefaultNetwork{ClassifierData: classifier}
		if err := setBool(forwardMap, "force-ipv4", &fwd.ForceIPv4); err != nil {
			return nil, err
		}
		return fwd, nil

	case "socks5", "proxy":
		address, err := parseValue[string](forwardMap["address"])
		if err != nil {
			return nil, fmt.Errorf("%s forward requires address field", forwardType)
		}
		var username, password *string
		if v, err := parseValue[string](forwardMap["username"]); err == nil {
			username = v
		}
		if v, err := parseValue[string](forwardMap["password"]); err == nil {
			password = v
		}
		if forwardType == "socks5" {
			return &ForwardSocks5{ClassifierData: classifier, Address: *address, Username: username, Password: password}, nil
		}
		return &ForwardProxy{ClassifierData: classifier, Address: *address, Username: username, Password: password}, nil

	default:
		return nil, fmt.Errorf("unsupported forward type: %s", forwardType)
	}
}

func setString(m map[string]any, key string, dst *string) error {
	val, exists := m[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[string](val)
	if err != nil {
		return fmt.Errorf("%s must be a string: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func setBool(m map[string]any, key string, dst *bool) error {
	val, exists := m[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[bool](val)
	if err != nil {
		return fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func setInt(m map[string]any, key string, dst *int) error {
	val, exists := m[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[int](val)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = *ptr
	return nil
}

// parseValue converts a decoded config value to T. A {"_secret": "NAME"}
// object is replaced by the environment variable NAME.
func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func parseClassifier(classifierMap map[string]any) (Classifier, error) {
	classifierType, ok := classifierMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing classifier type")
	}

	parseList := func() ([]Classifier, error) {
		list, _ := classifierMap["classifiers"].([]any)
		out := make([]Classifier, 0, len(list))
		for _, entry := range list {
			m, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s classifier entries must be objects", classifierType)
			}
			c, err := parseClassifier(m)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	}

	switch classifierType {
	case "and":
		list, err := parseList()
		if err != nil {
			return nil, err
		}
		return &ClassifierAnd{Classifiers: list}, nil
	case "or":
		list, err := parseList()
		if err != nil {
			return nil, err
		}
		return &ClassifierOr{Classifiers: list}, nil
	case "not":
		inner, ok := classifierMap["classifier"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("not classifier requires a 'classifier' field")
		}
		c, err := parseClassifier(inner)
		if err != nil {
			return nil, err
		}
		return &ClassifierNot{Classifier: c}, nil
	case "domain":
		c := &ClassifierDomain{}
		c.Domain, _ = classifierMap["domain"].(string)
		if op, ok := classifierMap["op"].(string); ok {
			c.Op = parseClassifierOp(op)
		}
		return c, nil
	case "ip":
		c := &ClassifierIP{}
		c.IP, _ = classifierMap["ip"].(string)
		return c, nil
	case "network":
		c := &ClassifierNetwork{}
		c.CIDR, _ = classifierMap["cidr"].(string)
		return c, nil
	case "port":
		port, err := parseValue[int](classifierMap["port"])
		if err != nil {
			return nil, fmt.Errorf("port classifier: %w", err)
		}
		return &ClassifierPort{Port: *port}, nil
	case "ref":
		c := &ClassifierRef{}
		c.Id, _ = classifierMap["id"].(string)
		return c, nil
	case "true":
		return &ClassifierTrue{}, nil
	case "false":
		return &ClassifierFalse{}, nil
	case "domains-file":
		filePath, ok := classifierMap["file"].(string)
		if !ok || filePath == "" {
			return nil, fmt.Errorf("domains-file classifier requires a 'file' field")
		}
		return &ClassifierDomainsFile{FilePath: filePath}, nil
	default:
		return nil, fmt.Errorf("unsupported classifier type: %s", classifierType)
	}
}

func parseClassifierOp(op string) ClassifierOp {
	switch op {
	case "equal":
		return ClassifierOpEqual
	case "not-equal":
		return ClassifierOpNotEqual
	case "is":
		return ClassifierOpIs
	case "contains":
		return ClassifierOpContains
	case "not-contains":
		return ClassifierOpNotContains
	default:
		return ClassifierOpEqual
	}
}

func envBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func loadConfigFromEnv(cfg *Config) {
	for name, dst := range map[string]*int{
		"SCHLEUSE_TIMEOUTSECONDS":           &cfg.TimeoutSeconds,
		"SCHLEUSE_IDLETIMEOUTSECONDS":       &cfg.IdleTimeoutSeconds,
		"SCHLEUSE_MAXCONCURRENTCONNECTIONS": &cfg.MaxConcurrentConnections,
		"SCHLEUSE_MAXBUFFERBYTES":           &cfg.MaxBufferBytes,
	} {
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			logger.Warn("Invalid format for %s: %s", name, raw)
			continue
		}
		*dst = n
	}

	if v := os.Getenv("SCHLEUSE_INTERCEPT"); v != "" {
		cfg.Interception.Enabled = envBool(v)
	}
	if v := os.Getenv("SCHLEUSE_INTERCEPTHTTPS"); v != "" {
		cfg.Interception.HTTPS = envBool(v)
	}
	if v := os.Getenv("SCHLEUSE_CAFILE"); v != "" {
		cfg.Interception.CAFile = v
	}
	if v := os.Getenv("SCHLEUSE_CAKEYFILE"); v != "" {
		cfg.Interception.CAKeyFile = v
	}
	if v := os.Getenv("SCHLEUSE_CAKEYPASSWORD"); v != "" {
		cfg.Interception.CAKeyPassword = v
	}
	if v := os.Getenv("SCHLEUSE_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("SCHLEUSE_BASICAUTH"); v != "" {
		auth, err := ParseBasicAuth(v)
		if err != nil {
			logger.Warn("Ignoring SCHLEUSE_BASICAUTH: %v", err)
		} else {
			cfg.Auth = auth
		}
	}

	if addr := os.Getenv("SCHLEUSE_LISTENADDRESS"); addr != "" {
		if len(cfg.Servers) == 0 {
			cfg.Servers = []ServerConfig{defaultServer()}
		}
		cfg.Servers[0].ListenAddress = addr
	}

	// SCHLEUSE_SERVER_<n>_LISTENADDRESS, _ENABLED and _MAXCONNECTIONS
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("SCHLEUSE_SERVER_%d_", i)
		addr := os.Getenv(prefix + "LISTENADDRESS")
		if addr == "" {
			break
		}

		server := defaultServer()
		if i < len(cfg.Servers) {
			server = cfg.Servers[i]
		}
		server.ListenAddress = addr

		if v := os.Getenv(prefix + "ENABLED"); v != "" {
			if enabled, err := strconv.ParseBool(v); err == nil {
				server.Enabled = enabled
			} else {
				logger.Warn("Invalid format for %sENABLED: %s", prefix, v)
			}
		}
		if v := os.Getenv(prefix + "MAXCONNECTIONS"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				server.MaxConnections = n
			} else {
				logger.Warn("Invalid format for %sMAXCONNECTIONS: %s", prefix, v)
			}
		}

		if i < len(cfg.Servers) {
			cfg.Servers[i] = server
		} else {
			cfg.Servers = append(cfg.Servers, server)
		}
	}
}
