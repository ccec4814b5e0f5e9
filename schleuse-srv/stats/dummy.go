package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector, used when
// statistics collection is disabled.
type DummyCollector struct{}

func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartConnection(context.Context, string, string, string, int, string) error {
	return nil
}

func (d *DummyCollector) EndConnection(context.Context, string, int64, int64, time.Duration, string) error {
	return nil
}

func (d *DummyCollector) RecordHTTPRequest(context.Context, string, string, string, string, string, int64) error {
	return nil
}

func (d *DummyCollector) RecordHTTPResponse(context.Context, string, int, int64) error {
	return nil
}

func (d *DummyCollector) RecordError(context.Context, string, string, string) error {
	return nil
}

func (d *DummyCollector) RecordBlockedRequest(context.Context, string, string, string) error {
	return nil
}

func (d *DummyCollector) RecordAllowedRequest(context.Context, string, string) error {
	return nil
}

func (d *DummyCollector) GetOverviewStats(context.Context) (*OverviewStats, error) {
	return &OverviewStats{}, nil
}

func (d *DummyCollector) HealthCheck(context.Context) error {
	return nil
}

func (d *DummyCollector) Close() error {
	return nil
}
