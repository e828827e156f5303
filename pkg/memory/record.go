package memory

import (
	"math"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Record is the long-term memory of one perceived object.
type Record struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	SeenCount int       `json:"seen_count"`
	Stability float64   `json:"stability"`
}

// NewRecord creates a record for a first observation at now.
// The embedding is copied.
func NewRecord(embedding []float32, now time.Time, p Params) *Record {
	now = stamp(now)
	return &Record{
		ID:        newRecordID(),
		Embedding: append([]float32(nil), embedding...),
		FirstSeen: now,
		LastSeen:  now,
		SeenCount: 1,
		Stability: p.InitialStability,
	}
}

// Update folds a new observation into the record.
// The caller guarantees len(embedding) == len(r.Embedding).
func (r *Record) Update(embedding []float32, now time.Time, p Params) {
	retain := p.BlendRetain
	for i := range r.Embedding {
		r.Embedding[i] = float32(retain*float64(r.Embedding[i]) + (1-retain)*float64(embedding[i]))
	}
	r.LastSeen = stamp(now)
	r.SeenCount++
	r.Stability = math.Min(1.0, r.Stability+p.StabilityStep)
}

// DecayScore returns exp(-idle/tau) * stability. Negative idle time is treated as zero.
func (r *Record) DecayScore(now time.Time, tau time.Duration) float64 {
	idle := now.Sub(r.LastSeen)
	if idle < 0 {
		idle = 0
	}
	return math.Exp(-idle.Seconds()/tau.Seconds()) * r.Stability
}

// Clone returns a deep copy.
func (r *Record) Clone() Record {
	c := *r
	c.Embedding = append([]float32(nil), r.Embedding...)
	return c
}

// stamp drops precision a snapshot cannot hold, so a saved record loads
// back equal to the one in memory.
func stamp(t time.Time) time.Time {
	return t.Truncate(time.Microsecond)
}

func newRecordID() string {
	return gonanoid.Must()
}
