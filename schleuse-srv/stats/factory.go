package stats

import (
	"fmt"
	"time"

	"github.com/codefionn/schleuse/schleuse-srv/config"
)

// CreateCollector creates a statistics collector based on the provided
// configuration. Every real backend is wrapped in a BufferedCollector.
func CreateCollector(cfg *config.StatisticsConfig) (Collector, error) {
	if !cfg.Enabled {
		return NewDummyCollector(), nil
	}

	var collector Collector
	var err error

	switch cfg.Backend {
	case "sqlite", "":
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = "schleuse_stats.db"
		}
		collector, err = NewSQLiteCollector(sqlitePath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		collector, err = NewPostgreSQLCollector(cfg.PostgresDSN)
	case "dummy":
		return NewDummyCollector(), nil
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s collector: %w", cfg.Backend, err)
	}

	flushInterval := time.Duration(cfg.FlushInterval) * time.Second
	return NewBufferedCollectorWithInterval(collector, flushInterval), nil
}
