package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/retina/internal/observability"
	"github.com/harun/retina/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "retina.memory"

// Status tells whether an observation matched an existing record.
type Status string

const (
	StatusNew   Status = "new"
	StatusKnown Status = "known"
)

// Match is the outcome of a MatchOrCreate call.
type Match struct {
	// Record is a copy of the created or updated record, taken under the store lock.
	Record Record `json:"record"`
	Status Status `json:"status"`
	// Similarity is the best cosine score found during the scan, 0 for an empty store.
	Similarity float64 `json:"similarity"`
}

// Eviction describes one completed eviction pass.
type Eviction struct {
	At        time.Time `json:"at"`
	Removed   int       `json:"removed"`
	Remaining int       `json:"remaining"`
}

// Config holds store configuration
type Config struct {
	SnapshotPath string
	Params       Params
	Logger       zerolog.Logger
	// Clock is used by Observe and Save. Defaults to time.Now.
	Clock func() time.Time
	// OnMatch and OnEvict run synchronously after the store lock is released.
	OnMatch func(Match)
	OnEvict func(Eviction)
}

// Store is a decaying identity memory. All methods are safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	records     []*Record
	dimension   int
	lastCleanup time.Time
	params      Params

	// ioMu serializes Save and Load; it is never held together with mu during I/O.
	ioMu         sync.Mutex
	snapshotPath string

	logger  zerolog.Logger
	clock   func() time.Time
	onMatch func(Match)
	onEvict func(Eviction)
}

// NewStore creates an empty store. Call Load to restore a snapshot.
func NewStore(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Store{
		records:      make([]*Record, 0),
		lastCleanup:  clock(),
		dimension:    cfg.Params.Dimension,
		params:       cfg.Params,
		snapshotPath: cfg.SnapshotPath,
		logger:       cfg.Logger.With().Str("component", "memory").Logger(),
		clock:        clock,
		onMatch:      cfg.OnMatch,
		onEvict:      cfg.OnEvict,
	}, nil
}

// Observe matches embedding at the store clock's current time.
func (s *Store) Observe(ctx context.Context, embedding []float32) (Match, error) {
	return s.MatchOrCreate(ctx, embedding, s.clock())
}

// MatchOrCreate finds the most similar record to embedding. A score at or above
// the similarity threshold updates that record; otherwise a new record is
// created. Eviction runs first when the cleanup interval has elapsed.
func (s *Store) MatchOrCreate(ctx context.Context, embedding []float32, now time.Time) (Match, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.match_or_create",
		attribute.Int("embedding.dim", len(embedding)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	if !validEmbedding(embedding) {
		err := fmt.Errorf("%w: embedding must be non-empty and finite", ErrDegenerateInput)
		observability.RecordMemoryRejected("degenerate")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Match{}, err
	}

	s.mu.Lock()
	match, eviction, err := s.matchLocked(embedding, now)
	size := len(s.records)
	s.mu.Unlock()

	if err != nil {
		observability.RecordMemoryRejected("dimension")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Match{}, err
	}

	if eviction != nil {
		s.reportEviction(logger, *eviction)
	}

	observability.RecordMemoryMatch(string(match.Status), time.Since(start))
	observability.SetMemoryRecords(size)
	span.SetAttributes(
		attribute.String("memory.status", string(match.Status)),
		attribute.Float64("memory.similarity", match.Similarity),
	)

	logger.Debug().
		Str("record_id", match.Record.ID).
		Str("status", string(match.Status)).
		Float64("similarity", match.Similarity).
		Int("seen_count", match.Record.SeenCount).
		Int("records", size).
		Msg("Observation processed")

	if s.onMatch != nil {
		s.onMatch(match)
	}

	return match, nil
}

// matchLocked must be called with s.mu held.
func (s *Store) matchLocked(embedding []float32, now time.Time) (Match, *Eviction, error) {
	if s.dimension == 0 {
		s.dimension = len(embedding)
	} else if len(embedding) != s.dimension {
		return Match{}, nil, fmt.Errorf("%w: got %d, store holds %d", ErrDimensionMismatch, len(embedding), s.dimension)
	}

	var eviction *Eviction
	if now.Before(s.lastCleanup) {
		// Observations older than the last pass, such as a replayed log,
		// restart the interval instead of never reaching it.
		s.lastCleanup = now
	} else if now.Sub(s.lastCleanup) >= s.params.CleanupInterval {
		ev := s.evictLocked(now)
		eviction = &ev
	}

	var best *Record
	bestScore := 0.0
	for _, r := range s.records {
		score := CosineSimilarity(embedding, r.Embedding)
		if best == nil || score > bestScore {
			best = r
			bestScore = score
		}
	}

	if best != nil && bestScore >= s.params.SimilarityThreshold {
		best.Update(embedding, now, s.params)
		return Match{Record: best.Clone(), Status: StatusKnown, Similarity: bestScore}, eviction, nil
	}

	r := NewRecord(embedding, now, s.params)
	s.records = append(s.records, r)
	return Match{Record: r.Clone(), Status: StatusNew, Similarity: bestScore}, eviction, nil
}

// Evict runs an eviction pass at now regardless of the cleanup interval and
// returns the number of records removed.
func (s *Store) Evict(ctx context.Context, now time.Time) int {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.evict")
	defer span.End()

	s.mu.Lock()
	ev := s.evictLocked(now)
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("memory.evicted", ev.Removed))
	s.reportEviction(tracing.LoggerFromContext(ctx, s.logger), ev)
	return ev.Removed
}

// evictLocked keeps only records whose decay score reaches the decay threshold.
// The store dimension is left pinned even when every record is removed.
func (s *Store) evictLocked(now time.Time) Eviction {
	kept := s.records[:0]
	for _, r := range s.records {
		if r.DecayScore(now, s.params.Tau) >= s.params.DecayThreshold {
			kept = append(kept, r)
		}
	}
	removed := len(s.records) - len(kept)
	for i := len(kept); i < len(s.records); i++ {
		s.records[i] = nil
	}
	s.records = kept
	s.lastCleanup = now

	return Eviction{At: now, Removed: removed, Remaining: len(kept)}
}

func (s *Store) reportEviction(logger zerolog.Logger, ev Eviction) {
	observability.RecordMemoryEviction(ev.Removed)
	observability.SetMemoryRecords(ev.Remaining)
	if ev.Removed == 0 {
		return
	}

	logger.Info().
		Int("removed", ev.Removed).
		Int("remaining", ev.Remaining).
		Msg("Evicted decayed records")

	if s.onEvict != nil {
		s.onEvict(ev)
	}
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Dimension returns the pinned embedding length, or 0 if none has been seen yet.
func (s *Store) Dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dimension
}

// Records returns copies of all records in scan order.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.Clone()
	}
	return out
}

// Params returns the current tuning.
func (s *Store) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// SetParams replaces the tuning. A pinned dimension cannot be changed.
func (s *Store) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Dimension != 0 && s.dimension != 0 && p.Dimension != s.dimension {
		return fmt.Errorf("%w: dimension is pinned to %d", ErrInvalidParams, s.dimension)
	}
	if s.dimension == 0 {
		s.dimension = p.Dimension
	}
	s.params = p
	return nil
}

// SnapshotPath returns the snapshot file used by Save and Load.
func (s *Store) SnapshotPath() string {
	return s.snapshotPath
}
