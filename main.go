package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codefionn/schleuse/schleuse-srv/config"
	"github.com/codefionn/schleuse/schleuse-srv/logger"
	"github.com/codefionn/schleuse/schleuse-srv/metrics"
	"github.com/codefionn/schleuse/schleuse-srv/proxy"
)

var version string

type options struct {
	configPath  string
	basicAuth   *config.AuthConfig
	watchConfig bool
}

func main() {
	cfg, opts := parseFlagsAndConfig()
	runProxy(cfg, opts)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (*config.Config, options) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (.json, .yaml or .hcl)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	basicAuth := flag.String("basic-auth", "", "Require proxy credentials given as user:pass")
	watchConfig := flag.Bool("watch-config", false, "Reload the configuration when the file changes")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("schleuse version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	opts := options{configPath: *configPathPtr, watchConfig: *watchConfig}
	if *basicAuth != "" {
		auth, err := config.ParseBasicAuth(*basicAuth)
		if err != nil {
			logger.Fatal("Invalid -basic-auth: %v", err)
		}
		opts.basicAuth = auth
	}

	logger.Info("Starting schleuse proxy server")
	logger.Debug("Using configuration file: %s", opts.configPath)

	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		opts.configPath = ""
		opts.watchConfig = false
		if cfg, err = loadConfig(opts); err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Debug("Configuration loaded successfully")
	for i, server := range cfg.Servers {
		logger.Debug("Server %d: %s (enabled: %t)", i, server.ListenAddress, server.Enabled)
	}
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)
	logger.Debug("Max connections: %d", cfg.MaxConcurrentConnections)
	logger.Debug("Proxy authentication: %t", cfg.Auth != nil)

	return cfg, opts
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.basicAuth != nil {
		auth := *opts.basicAuth
		cfg.Auth = &auth
	}
	return cfg, nil
}

type runningProxy struct {
	cancel context.CancelFunc
	done   chan error
}

func (r *runningProxy) stop() error {
	r.cancel()
	return <-r.done
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, opts options) {
	// One registry outlives proxy restarts so counters stay monotonic.
	m := metrics.New(prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("Serving metrics on %s/metrics", cfg.Metrics.ListenAddress)
			if err := m.Serve(ctx, cfg.Metrics.ListenAddress); err != nil {
				logger.Error("Metrics server stopped: %v", err)
			}
		}()
	}

	startProxy := func(cfg *config.Config) *runningProxy {
		p, err := proxy.NewProxy(cfg, proxy.WithMetrics(m))
		if err != nil {
			logger.Fatal("Failed to create proxy: %v", err)
		}
		runCtx, runCancel := context.WithCancel(ctx)
		r := &runningProxy{cancel: runCancel, done: make(chan error, 1)}
		go func() {
			logger.Info("Starting proxy server...")
			r.done <- p.Run(runCtx)
		}()
		return r
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	reloadChan := make(chan struct{}, 1)
	if opts.watchConfig && opts.configPath != "" {
		err := config.Watch(ctx, opts.configPath, func() {
			select {
			case reloadChan <- struct{}{}:
			default:
			}
		})
		if err != nil {
			logger.Error("Failed to watch configuration: %v", err)
		} else {
			logger.Info("Watching %s for changes", opts.configPath)
		}
	}

	current := startProxy(cfg)
	currentCfg := cfg

	reload := func(reason string) {
		logger.Info("%s: reloading configuration...", reason)
		newCfg, err := loadConfig(opts)
		if err != nil {
			logger.Error("Failed to reload config: %v (keeping current config)", err)
			return
		}
		if !config.HasChanged(currentCfg, newCfg) {
			logger.Info("Config unchanged after reload; not restarting proxy.")
			return
		}
		logger.Info("Config changed. Restarting proxy...")
		if err := current.stop(); err != nil {
			logger.Error("Error stopping proxy for reload: %v", err)
		}
		logger.SetLevel(logger.GetLevelFromString(newCfg.LogLevel))
		current = startProxy(newCfg)
		currentCfg = newCfg
		logger.Info("Proxy restarted with new configuration.")
	}

	for {
		select {
		case err := <-current.done:
			if err != nil {
				logger.Fatal("Proxy server error: %v", err)
			}
			logger.Info("Proxy server stopped")
			return
		case <-reloadChan:
			reload("Configuration file changed")
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				reload("Received SIGHUP")
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				if err := current.stop(); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("Error during shutdown: %v", err)
				}
				logger.Info("Proxy server shutdown complete")
				return
			}
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimPrefix(strings.TrimSpace(key), "export ")
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
