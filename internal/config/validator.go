package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateOnCorrupt validates the corrupt snapshot policy
func (v *Validator) ValidateOnCorrupt(policy string) error {
	switch policy {
	case OnCorruptFail, OnCorruptReset:
		return nil
	}
	return fmt.Errorf("invalid memory.on_corrupt: %s (must be one of: %s, %s)", policy, OnCorruptFail, OnCorruptReset)
}

// ValidateSchedule validates a cron schedule such as "*/5 * * * *" or "@every 1m"
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("autosave schedule cannot be empty")
	}
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid autosave schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateConfidenceGate validates the adaptive gate bounds
func (v *Validator) ValidateConfidenceGate(p PerceptionConfig) error {
	if p.MinConfidence < 0 || p.MaxConfidence > 1 || p.MinConfidence > p.MaxConfidence {
		return fmt.Errorf("perception confidence bounds must satisfy 0 <= min <= max <= 1, got [%v, %v]", p.MinConfidence, p.MaxConfidence)
	}
	if p.ConfidenceThreshold < p.MinConfidence || p.ConfidenceThreshold > p.MaxConfidence {
		return fmt.Errorf("perception.confidence_threshold %v outside [%v, %v]", p.ConfidenceThreshold, p.MinConfidence, p.MaxConfidence)
	}
	if p.ConfidenceStep < 0 {
		return fmt.Errorf("perception.confidence_step must be >= 0")
	}
	if p.NoveltyLow > p.NoveltyHigh {
		return fmt.Errorf("perception.novelty_low must not exceed novelty_high")
	}
	return nil
}

// webhookEvents lists the event names a webhook may subscribe to
var webhookEvents = []string{"memory.new", "memory.known", "memory.evicted"}

// ValidateWebhook validates an outbound webhook subscriber
func (v *Validator) ValidateWebhook(w WebhookConfig) error {
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid webhook url: %q (must be an absolute http or https URL)", w.URL)
	}
	if w.Timeout != "" {
		d, err := time.ParseDuration(w.Timeout)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid webhook timeout %q for %s", w.Timeout, w.URL)
		}
	}
	for _, event := range w.Events {
		known := false
		for _, valid := range webhookEvents {
			if event == valid {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("invalid webhook event %q (must be one of: %s)", event, strings.Join(webhookEvents, ", "))
		}
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if _, err := cfg.MemoryParams(); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateOnCorrupt(cfg.Memory.OnCorrupt); err != nil {
		errors = append(errors, err)
	}

	if cfg.Autosave.Enabled {
		if err := v.ValidateSchedule(cfg.Autosave.Schedule); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateConfidenceGate(cfg.Perception); err != nil {
		errors = append(errors, err)
	}
	if cfg.Perception.Workers < 1 {
		errors = append(errors, fmt.Errorf("perception.workers must be >= 1"))
	}
	if cfg.Perception.HistogramBins < 1 || cfg.Perception.HistogramBins > 64 {
		errors = append(errors, fmt.Errorf("perception.histogram_bins must be in [1, 64]"))
	}

	if cfg.Gateway.Enabled {
		if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
			errors = append(errors, fmt.Errorf("gateway: %w", err))
		}
		if cfg.Gateway.RequestsPerSecond < 0 || cfg.Gateway.Burst < 0 {
			errors = append(errors, fmt.Errorf("gateway rate limits must be >= 0"))
		}
	}

	for _, w := range cfg.Webhooks {
		if err := v.ValidateWebhook(w); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be in [0, 1]"))
	}

	return errors
}
