package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/retina/internal/config"
	"github.com/harun/retina/internal/logger"
	"github.com/harun/retina/internal/observability"
	"github.com/harun/retina/internal/tracing"
	"github.com/harun/retina/pkg/analytics"
	"github.com/harun/retina/pkg/gateway"
	"github.com/harun/retina/pkg/memory"
	"github.com/harun/retina/pkg/perception"
	"github.com/harun/retina/pkg/webhook"
	"github.com/rs/zerolog"
)

// Version is the release reported by the CLI and attached to traces
const Version = "0.1.0"

// ErrSnapshotCorrupt is returned by New when the snapshot cannot be parsed
// and memory.on_corrupt is "fail".
var ErrSnapshotCorrupt = errors.New("memory snapshot is corrupt")

// Daemon owns the identity store and the services built around it
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	// Core modules
	store     *memory.Store
	analytics *analytics.Store
	pipeline  *perception.Pipeline

	// Services
	gatewayServer *gateway.Server
	autosave      *Autosave
	watcher       *config.Watcher
	webhooks      *webhook.Notifier

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes a running daemon
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Records   int
	Dimension int
	Tracing   bool
}

// New creates a daemon and restores the memory snapshot
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Component("daemon"),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.Init(tracing.Options{
			ServiceName:    "retina-daemon",
			ServiceVersion: Version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		}); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			d.log.Info().Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// release undoes partial initialization after New fails
func (d *Daemon) release() {
	d.cancel()
	if d.analytics != nil {
		_ = d.analytics.Close()
		d.analytics = nil
	}
	if d.tracingEnabled {
		_ = tracing.Shutdown(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules initializes the store, analytics and perception pipeline
func (d *Daemon) initializeCoreModules() error {
	if d.config.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(d.config.Logging.AuditFile); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		} else {
			d.log.Info().Str("path", d.config.Logging.AuditFile).Msg("Audit logger initialized")
		}
	}

	params, err := d.config.MemoryParams()
	if err != nil {
		return fmt.Errorf("invalid memory configuration: %w", err)
	}

	if d.config.Memory.SnapshotPath != "" {
		if err := memory.EnsureSnapshotDirectory(d.config.Memory.SnapshotPath); err != nil {
			return err
		}
	}

	store, err := memory.NewStore(memory.Config{
		SnapshotPath: d.config.Memory.SnapshotPath,
		Params:       params,
		Logger:       d.logger.GetZerolog(),
		OnMatch:      d.publishMatch,
		OnEvict:      d.publishEviction,
	})
	if err != nil {
		return fmt.Errorf("failed to create memory store: %w", err)
	}
	d.store = store

	if err := d.loadSnapshot(); err != nil {
		return err
	}
	d.log.Info().
		Int("records", store.Len()).
		Int("dimension", store.Dimension()).
		Msg("Memory store initialized")

	if d.config.Analytics.Enabled {
		as, err := analytics.Open(analytics.Config{
			DBPath: d.config.Analytics.DBPath,
			Logger: d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to open analytics store: %w", err)
		}
		d.analytics = as
	}

	gate, err := perception.NewConfidenceGate(perception.GateConfig{
		Initial:     d.config.Perception.ConfidenceThreshold,
		Min:         d.config.Perception.MinConfidence,
		Max:         d.config.Perception.MaxConfidence,
		Step:        d.config.Perception.ConfidenceStep,
		NoveltyHigh: d.config.Perception.NoveltyHigh,
		NoveltyLow:  d.config.Perception.NoveltyLow,
	})
	if err != nil {
		return fmt.Errorf("failed to create confidence gate: %w", err)
	}

	pcfg := perception.PipelineConfig{
		Matcher:   d.store,
		Extractor: perception.NewHistogramExtractor(d.config.Perception.HistogramBins),
		Gate:      gate,
		Workers:   d.config.Perception.Workers,
		Logger:    d.logger.GetZerolog(),
	}
	if d.analytics != nil {
		pcfg.Sink = d.analytics
	}
	pipeline, err := perception.NewPipeline(pcfg)
	if err != nil {
		return fmt.Errorf("failed to create perception pipeline: %w", err)
	}
	d.pipeline = pipeline
	d.log.Info().Int("workers", d.config.Perception.Workers).Msg("Perception pipeline initialized")

	return nil
}

// loadSnapshot restores the store, applying memory.on_corrupt to unreadable snapshots
func (d *Daemon) loadSnapshot() error {
	if d.config.Memory.SnapshotPath == "" {
		return nil
	}

	ctx := tracing.NewRequestContext(d.ctx, "daemon")
	err := d.store.Load(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, memory.ErrPersistenceCorrupt) {
		return fmt.Errorf("failed to load memory snapshot: %w", err)
	}

	if d.config.Memory.OnCorrupt != config.OnCorruptReset {
		observability.RecordSnapshotAudit(ctx, "snapshot.load", "daemon", "failed", map[string]interface{}{
			"path":  d.config.Memory.SnapshotPath,
			"error": err.Error(),
		})
		return fmt.Errorf("%w: %w", ErrSnapshotCorrupt, err)
	}

	// keep the unreadable file for inspection before the next save overwrites it
	backup := fmt.Sprintf("%s.corrupt-%d", d.config.Memory.SnapshotPath, time.Now().Unix())
	if renameErr := os.Rename(d.config.Memory.SnapshotPath, backup); renameErr != nil {
		return fmt.Errorf("failed to move corrupt snapshot aside: %w", renameErr)
	}
	observability.RecordSnapshotAudit(ctx, "snapshot.reset", "daemon", "success", map[string]interface{}{
		"path":   d.config.Memory.SnapshotPath,
		"backup": backup,
		"error":  err.Error(),
	})
	d.log.Warn().Err(err).Str("backup", backup).Msg("Memory snapshot corrupt, starting with an empty store")

	return d.store.Load(ctx)
}

// initializeServices initializes the gateway and autosave scheduler
func (d *Daemon) initializeServices() error {
	if d.config.Gateway.Enabled {
		gcfg := gateway.Config{
			Host:              d.config.Gateway.Host,
			Port:              d.config.Gateway.Port,
			SharedSecret:      d.config.Gateway.SharedSecret,
			Memory:            d.store,
			RequestsPerSecond: d.config.Gateway.RequestsPerSecond,
			Burst:             d.config.Gateway.Burst,
			Logger:            d.logger.GetZerolog(),
		}
		if d.analytics != nil {
			gcfg.Analytics = d.analytics
		}
		srv, err := gateway.NewServer(gcfg)
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = srv
		d.log.Info().Int("port", d.config.Gateway.Port).Msg("Gateway server initialized")
	}

	if len(d.config.Webhooks) > 0 {
		targets := make([]webhook.Target, 0, len(d.config.Webhooks))
		for _, w := range d.config.Webhooks {
			t := webhook.Target{URL: w.URL, Secret: w.Secret, Events: w.Events}
			if w.Timeout != "" {
				timeout, err := time.ParseDuration(w.Timeout)
				if err != nil {
					return fmt.Errorf("invalid webhook timeout for %s: %w", w.URL, err)
				}
				t.Timeout = timeout
			}
			targets = append(targets, t)
		}
		notifier, err := webhook.NewNotifier(webhook.Options{
			Targets: targets,
			Logger:  d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create webhook notifier: %w", err)
		}
		d.webhooks = notifier
		d.log.Info().Int("targets", len(targets)).Msg("Webhook notifier initialized")
	}

	if d.config.Autosave.Enabled && d.config.Memory.SnapshotPath != "" {
		autosave, err := NewAutosave(d.store, d.config.Autosave.Schedule, d.logger.GetZerolog())
		if err != nil {
			return fmt.Errorf("failed to create autosave: %w", err)
		}
		d.autosave = autosave
	}

	return nil
}

func (d *Daemon) publishMatch(m memory.Match) {
	if d.gatewayServer != nil {
		d.gatewayServer.PublishMatch(m)
	}
	if d.webhooks != nil {
		d.webhooks.NotifyMatch(m)
	}
}

func (d *Daemon) publishEviction(ev memory.Eviction) {
	if d.gatewayServer != nil {
		d.gatewayServer.PublishEviction(ev)
	}
	if d.webhooks != nil {
		d.webhooks.NotifyEviction(ev)
	}
}

// WatchConfig reloads memory tuning whenever the loader's config file changes.
// It must be called before Start.
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	w, err := config.NewWatcher(loader, d.logger.GetZerolog(), d.applyConfig)
	if err != nil {
		return err
	}
	d.watcher = w
	return nil
}

// applyConfig applies the hot-reloadable parts of a new config
func (d *Daemon) applyConfig(cfg *config.Config) {
	params, err := cfg.MemoryParams()
	if err != nil {
		d.log.Warn().Err(err).Msg("Ignoring reloaded memory configuration")
		return
	}
	if err := d.store.SetParams(params); err != nil {
		d.log.Warn().Err(err).Msg("Failed to apply reloaded memory configuration")
		return
	}

	if cfg.Logging.Level != "" && cfg.Logging.Level != d.logger.Level().String() {
		if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
			d.log.Warn().Err(err).Msg("Ignoring reloaded log level")
		} else {
			d.log.Info().Str("level", cfg.Logging.Level).Msg("Applied reloaded log level")
		}
	}

	observability.RecordConfigAudit(d.ctx, "config.reload", "watcher", map[string]interface{}{
		"log_level":            d.logger.Level().String(),
		"similarity_threshold": params.SimilarityThreshold,
		"decay_threshold":      params.DecayThreshold,
		"cleanup_interval":     params.CleanupInterval.String(),
		"tau":                  params.Tau.String(),
	})
	d.log.Info().
		Float64("similarity_threshold", params.SimilarityThreshold).
		Float64("decay_threshold", params.DecayThreshold).
		Msg("Applied reloaded memory configuration")
}

// Start starts the daemon's services
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting retina daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.webhooks != nil {
		d.webhooks.Start()
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			_ = d.lifecycle.Stop()
			d.setStopped()
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	if d.autosave != nil {
		d.autosave.Start()
		logger.Info().Str("schedule", d.config.Autosave.Schedule).Msg("Autosave started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")

	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon gracefully and saves the memory snapshot
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping retina daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.gatewayServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.gatewayServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
		cancel()
	}

	if d.autosave != nil {
		d.autosave.Stop()
		logger.Info().Msg("Autosave stopped")
	}

	if d.webhooks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.webhooks.Stop(ctx); err != nil {
			logger.Warn().Err(err).Msg("Pending webhook deliveries abandoned")
		}
		cancel()
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	var saveErr error
	if d.config.Memory.SnapshotPath != "" {
		ctx := tracing.NewRequestContext(context.Background(), "daemon")
		if saveErr = d.store.Save(ctx); saveErr != nil {
			logger.Error().Err(saveErr).Msg("Failed to save memory snapshot")
		}
	}

	if d.analytics != nil {
		if err := d.analytics.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close analytics store")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")

	return saveErr
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:   d.running,
		Records:   d.store.Len(),
		Dimension: d.store.Dimension(),
		Tracing:   tracing.Enabled(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.log.Info().Str("signal", sig.String()).Msg("Received signal")

	return d.Stop()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetStore returns the memory store
func (d *Daemon) GetStore() *memory.Store {
	return d.store
}

// GetPipeline returns the perception pipeline
func (d *Daemon) GetPipeline() *perception.Pipeline {
	return d.pipeline
}

// GetAnalytics returns the analytics store, nil when disabled
func (d *Daemon) GetAnalytics() *analytics.Store {
	return d.analytics
}

// GetWebhooks returns the webhook notifier, nil when no webhooks are configured
func (d *Daemon) GetWebhooks() *webhook.Notifier {
	return d.webhooks
}

// GetGatewayServer returns the gateway server, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
