package metrics

import (
	"context"
	"time"
)

// StatusReader returns the timestamps of the last completed and last
// successful probe. The exporter derives freshness gauges from them.
type StatusReader func() (lastCheck, lastSuccess time.Time)

// Exporter periodically refreshes gauges that decay with time
type Exporter struct {
	collector *Collector
	read      StatusReader
}

// NewExporter creates a new metrics exporter
func NewExporter(collector *Collector, read StatusReader) *Exporter {
	return &Exporter{
		collector: collector,
		read:      read,
	}
}

// Start begins the metrics export loop
func (e *Exporter) Start(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.export()
		}
	}
}

// export updates the freshness gauges
func (e *Exporter) export() {
	lastCheck, lastSuccess := e.read()

	if !lastCheck.IsZero() {
		e.collector.SecondsSinceLastCheck.Set(time.Since(lastCheck).Seconds())
	}
	if !lastSuccess.IsZero() {
		e.collector.SecondsSinceLastSuccess.Set(time.Since(lastSuccess).Seconds())
	}
}
