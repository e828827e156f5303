package memory

import (
	"fmt"
	"time"
)

const (
	DefaultSimilarityThreshold = 0.65
	DefaultDecayThreshold      = 0.15
	DefaultCleanupInterval     = 2 * time.Second
	DefaultTau                 = 10 * time.Second
	DefaultBlendRetain         = 0.8
	DefaultStabilityStep       = 0.1
	DefaultInitialStability    = 0.5
)

// Params holds the tuning constants of a Store.
type Params struct {
	// SimilarityThreshold is the minimum cosine score (inclusive) for a match.
	SimilarityThreshold float64 `json:"similarity_threshold"`
	// DecayThreshold is the minimum decay score (inclusive) a record needs to survive eviction.
	DecayThreshold float64 `json:"decay_threshold"`
	// CleanupInterval is the minimum time between eviction passes.
	CleanupInterval time.Duration `json:"cleanup_interval"`
	// Tau is the time constant of the exponential decay.
	Tau time.Duration `json:"tau"`
	// BlendRetain is the weight kept by the stored embedding on update.
	BlendRetain float64 `json:"blend_retain"`
	// StabilityStep is added to stability on every update, capped at 1.0.
	StabilityStep float64 `json:"stability_step"`
	// InitialStability is the stability of a freshly created record.
	InitialStability float64 `json:"initial_stability"`
	// Dimension pins the embedding length. Zero means it is taken from the first embedding seen.
	Dimension int `json:"dimension"`
}

// DefaultParams returns the standard tuning.
func DefaultParams() Params {
	return Params{
		SimilarityThreshold: DefaultSimilarityThreshold,
		DecayThreshold:      DefaultDecayThreshold,
		CleanupInterval:     DefaultCleanupInterval,
		Tau:                 DefaultTau,
		BlendRetain:         DefaultBlendRetain,
		StabilityStep:       DefaultStabilityStep,
		InitialStability:    DefaultInitialStability,
	}
}

// Validate checks every parameter against its allowed range.
func (p Params) Validate() error {
	if p.SimilarityThreshold < -1 || p.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: similarity_threshold must be in [-1, 1], got %v", ErrInvalidParams, p.SimilarityThreshold)
	}
	if p.DecayThreshold < 0 || p.DecayThreshold > 1 {
		return fmt.Errorf("%w: decay_threshold must be in [0, 1], got %v", ErrInvalidParams, p.DecayThreshold)
	}
	if p.CleanupInterval < 0 {
		return fmt.Errorf("%w: cleanup_interval must not be negative", ErrInvalidParams)
	}
	if p.Tau <= 0 {
		return fmt.Errorf("%w: tau must be positive", ErrInvalidParams)
	}
	if p.BlendRetain < 0 || p.BlendRetain > 1 {
		return fmt.Errorf("%w: blend_retain must be in [0, 1], got %v", ErrInvalidParams, p.BlendRetain)
	}
	if p.StabilityStep < 0 || p.StabilityStep > 1 {
		return fmt.Errorf("%w: stability_step must be in [0, 1], got %v", ErrInvalidParams, p.StabilityStep)
	}
	if p.InitialStability < 0 || p.InitialStability > 1 {
		return fmt.Errorf("%w: initial_stability must be in [0, 1], got %v", ErrInvalidParams, p.InitialStability)
	}
	if p.Dimension < 0 {
		return fmt.Errorf("%w: dimension must not be negative", ErrInvalidParams)
	}
	return nil
}
