package perception

import (
	"fmt"
	"math"
	"sync"
)

// GateConfig holds the adaptive confidence gate settings
type GateConfig struct {
	Initial float64 `json:"initial"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step"`
	// NoveltyHigh lowers the threshold when the share of new detections exceeds it.
	NoveltyHigh float64 `json:"novelty_high"`
	// NoveltyLow raises the threshold when the share of new detections falls below it.
	NoveltyLow float64 `json:"novelty_low"`
}

// DefaultGateConfig returns the default gate settings
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Initial:     0.4,
		Min:         0.3,
		Max:         0.6,
		Step:        0.01,
		NoveltyHigh: 0.4,
		NoveltyLow:  0.2,
	}
}

// Validate checks gate bounds
func (c GateConfig) Validate() error {
	if c.Min < 0 || c.Max > 1 || c.Min > c.Max {
		return fmt.Errorf("gate bounds must satisfy 0 <= min <= max <= 1, got [%v, %v]", c.Min, c.Max)
	}
	if c.Initial < c.Min || c.Initial > c.Max {
		return fmt.Errorf("gate initial threshold %v outside [%v, %v]", c.Initial, c.Min, c.Max)
	}
	if c.Step < 0 {
		return fmt.Errorf("gate step must be >= 0")
	}
	if c.NoveltyLow > c.NoveltyHigh {
		return fmt.Errorf("gate novelty_low %v exceeds novelty_high %v", c.NoveltyLow, c.NoveltyHigh)
	}
	return nil
}

// ConfidenceGate filters detections by a threshold that drifts with novelty.
// A frame full of new identities lowers the bar so more candidates get
// through; a frame of familiar ones raises it.
type ConfidenceGate struct {
	mu        sync.Mutex
	cfg       GateConfig
	threshold float64
}

// NewConfidenceGate creates a gate starting at cfg.Initial
func NewConfidenceGate(cfg GateConfig) (*ConfidenceGate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ConfidenceGate{cfg: cfg, threshold: cfg.Initial}, nil
}

// Threshold returns the current threshold
func (g *ConfidenceGate) Threshold() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threshold
}

// Allow reports whether confidence passes the current threshold
func (g *ConfidenceGate) Allow(confidence float64) bool {
	return confidence >= g.Threshold()
}

// Adjust moves the threshold one step based on the share of new detections
// among total detections and returns the resulting threshold. A frame with no
// detections leaves it unchanged.
func (g *ConfidenceGate) Adjust(newCount, total int) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if total <= 0 {
		return g.threshold
	}

	ratio := float64(newCount) / float64(total)
	switch {
	case ratio > g.cfg.NoveltyHigh:
		g.threshold = math.Max(g.cfg.Min, roundThreshold(g.threshold-g.cfg.Step))
	case ratio < g.cfg.NoveltyLow:
		g.threshold = math.Min(g.cfg.Max, roundThreshold(g.threshold+g.cfg.Step))
	}
	return g.threshold
}

// roundThreshold keeps repeated steps on a 1e-6 grid.
func roundThreshold(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
