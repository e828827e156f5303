package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/retina/pkg/memory"
)

// Config represents the main retina configuration
type Config struct {
	// Memory store tuning and persistence
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Periodic snapshot saving
	Autosave AutosaveConfig `json:"autosave" mapstructure:"autosave"`

	// Detection gating and feature extraction
	Perception PerceptionConfig `json:"perception" mapstructure:"perception"`

	// Detection analytics sink
	Analytics AnalyticsConfig `json:"analytics" mapstructure:"analytics"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Outbound event webhooks
	Webhooks []WebhookConfig `json:"webhooks" mapstructure:"webhooks"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// MemoryConfig holds the identity store settings. Durations use Go syntax ("2s", "10s").
type MemoryConfig struct {
	SnapshotPath        string  `json:"snapshot_path" mapstructure:"snapshot_path"`
	SimilarityThreshold float64 `json:"similarity_threshold" mapstructure:"similarity_threshold"`
	DecayThreshold      float64 `json:"decay_threshold" mapstructure:"decay_threshold"`
	CleanupInterval     string  `json:"cleanup_interval" mapstructure:"cleanup_interval"`
	Tau                 string  `json:"tau" mapstructure:"tau"`
	BlendRetain         float64 `json:"blend_retain" mapstructure:"blend_retain"`
	StabilityStep       float64 `json:"stability_step" mapstructure:"stability_step"`
	InitialStability    float64 `json:"initial_stability" mapstructure:"initial_stability"`
	Dimension           int     `json:"dimension" mapstructure:"dimension"`
	OnCorrupt           string  `json:"on_corrupt" mapstructure:"on_corrupt"` // fail, reset
}

// AutosaveConfig holds the snapshot schedule
type AutosaveConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression or @every
}

// PerceptionConfig holds the adaptive confidence gate and extractor settings
type PerceptionConfig struct {
	Model               string  `json:"model" mapstructure:"model"`
	ConfidenceThreshold float64 `json:"confidence_threshold" mapstructure:"confidence_threshold"`
	MinConfidence       float64 `json:"min_confidence" mapstructure:"min_confidence"`
	MaxConfidence       float64 `json:"max_confidence" mapstructure:"max_confidence"`
	ConfidenceStep      float64 `json:"confidence_step" mapstructure:"confidence_step"`
	NoveltyHigh         float64 `json:"novelty_high" mapstructure:"novelty_high"`
	NoveltyLow          float64 `json:"novelty_low" mapstructure:"novelty_low"`
	HistogramBins       int     `json:"histogram_bins" mapstructure:"histogram_bins"`
	Workers             int     `json:"workers" mapstructure:"workers"`
}

// AnalyticsConfig holds the detections database settings
type AnalyticsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	DBPath  string `json:"db_path" mapstructure:"db_path"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled           bool    `json:"enabled" mapstructure:"enabled"`
	Port              int     `json:"port" mapstructure:"port"`
	Host              string  `json:"host" mapstructure:"host"`
	SharedSecret      string  `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerSecond float64 `json:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `json:"burst" mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// WebhookConfig is one outbound event subscriber. Events defaults to
// memory.new and memory.evicted; Timeout uses Go duration syntax.
type WebhookConfig struct {
	URL     string   `json:"url" mapstructure:"url"`
	Secret  string   `json:"secret,omitempty" mapstructure:"secret"`
	Events  []string `json:"events,omitempty" mapstructure:"events"`
	Timeout string   `json:"timeout,omitempty" mapstructure:"timeout"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

const (
	OnCorruptFail  = "fail"
	OnCorruptReset = "reset"
)

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	params := memory.DefaultParams()
	return &Config{
		Memory: MemoryConfig{
			SimilarityThreshold: params.SimilarityThreshold,
			DecayThreshold:      params.DecayThreshold,
			CleanupInterval:     params.CleanupInterval.String(),
			Tau:                 params.Tau.String(),
			BlendRetain:         params.BlendRetain,
			StabilityStep:       params.StabilityStep,
			InitialStability:    params.InitialStability,
			OnCorrupt:           OnCorruptFail,
		},
		Autosave: AutosaveConfig{
			Enabled:  false,
			Schedule: "@every 1m",
		},
		Perception: PerceptionConfig{
			Model:               "yolov8n",
			ConfidenceThreshold: 0.4,
			MinConfidence:       0.3,
			MaxConfidence:       0.6,
			ConfidenceStep:      0.01,
			NoveltyHigh:         0.4,
			NoveltyLow:          0.2,
			HistogramBins:       8,
			Workers:             4,
		},
		Analytics: AnalyticsConfig{
			Enabled: false,
		},
		Gateway: GatewayConfig{
			Enabled:           true,
			Port:              8080,
			Host:              "127.0.0.1",
			RequestsPerSecond: 200,
			Burst:             400,
		},
		Webhooks: []WebhookConfig{},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

// MemoryParams converts the memory section into store parameters.
func (c *Config) MemoryParams() (memory.Params, error) {
	cleanup, err := time.ParseDuration(c.Memory.CleanupInterval)
	if err != nil {
		return memory.Params{}, fmt.Errorf("memory.cleanup_interval: %w", err)
	}
	tau, err := time.ParseDuration(c.Memory.Tau)
	if err != nil {
		return memory.Params{}, fmt.Errorf("memory.tau: %w", err)
	}

	p := memory.Params{
		SimilarityThreshold: c.Memory.SimilarityThreshold,
		DecayThreshold:      c.Memory.DecayThreshold,
		CleanupInterval:     cleanup,
		Tau:                 tau,
		BlendRetain:         c.Memory.BlendRetain,
		StabilityStep:       c.Memory.StabilityStep,
		InitialStability:    c.Memory.InitialStability,
		Dimension:           c.Memory.Dimension,
	}
	if err := p.Validate(); err != nil {
		return memory.Params{}, err
	}
	return p, nil
}
