package daemon

import (
	"context"
	"time"

	"github.com/harun/retina/internal/observability"
)

// EventLoop handles periodic maintenance while the daemon runs
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: 30 * time.Second,
	}
}

// Run runs the event loop until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.log.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.log.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks refreshes gauges and logs store stats. Eviction stays lazy and
// only runs inside MatchOrCreate.
func (e *EventLoop) processTasks() {
	records := e.daemon.store.Len()
	observability.SetMemoryRecords(records)

	if e.daemon.pipeline != nil {
		observability.SetConfidenceThreshold(e.daemon.pipeline.Gate().Threshold())
	}

	e.daemon.log.Debug().
		Int("records", records).
		Int("dimension", e.daemon.store.Dimension()).
		Msg("Memory stats")

	if e.daemon.webhooks != nil {
		for _, h := range e.daemon.webhooks.Health() {
			if h.ConsecutiveFailures == 0 {
				continue
			}
			e.daemon.log.Warn().
				Str("url", h.URL).
				Int("consecutive_failures", h.ConsecutiveFailures).
				Int64("attempts", h.Attempts).
				Str("last_error", h.LastError).
				Msg("Webhook target is failing")
		}
	}
}
