package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/retina/internal/tracing"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Saver persists a snapshot
type Saver interface {
	Save(ctx context.Context) error
}

// Autosave saves the memory snapshot on a cron schedule
type Autosave struct {
	cron   *cron.Cron
	saver  Saver
	logger zerolog.Logger
}

// NewAutosave parses schedule ("*/5 * * * *", "@every 1m") and prepares the job
func NewAutosave(saver Saver, schedule string, logger zerolog.Logger) (*Autosave, error) {
	a := &Autosave{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		saver:  saver,
		logger: logger.With().Str("component", "autosave").Logger(),
	}

	if _, err := a.cron.AddFunc(schedule, a.run); err != nil {
		return nil, fmt.Errorf("invalid autosave schedule %q: %w", schedule, err)
	}
	return a, nil
}

// Start begins running the schedule in the background
func (a *Autosave) Start() {
	a.cron.Start()
}

// Stop halts the schedule and waits for a running save to finish
func (a *Autosave) Stop() {
	<-a.cron.Stop().Done()
}

func (a *Autosave) run() {
	ctx, cancel := context.WithTimeout(tracing.NewRequestContext(context.Background(), "autosave"), time.Minute)
	defer cancel()

	if err := a.saver.Save(ctx); err != nil {
		logger := tracing.LoggerFromContext(ctx, a.logger)
		logger.Error().Err(err).Msg("Autosave failed")
	}
}
