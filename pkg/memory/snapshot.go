package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/harun/retina/internal/observability"
	"github.com/harun/retina/internal/tracing"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SnapshotVersion is the document version written by Save.
const SnapshotVersion = 1

var snapshotSchemaLoader = gojsonschema.NewStringLoader(SnapshotSchema)

// snapshotDocument is the on-disk layout. Timestamps are seconds since the Unix epoch.
type snapshotDocument struct {
	Version   int              `json:"version"`
	SavedAt   float64          `json:"saved_at"`
	Dimension int              `json:"dimension"`
	Records   []snapshotRecord `json:"records"`
}

type snapshotRecord struct {
	ID        string    `json:"id,omitempty"`
	Embedding []float32 `json:"embedding"`
	FirstSeen float64   `json:"first_seen"`
	LastSeen  float64   `json:"last_seen"`
	SeenCount int       `json:"seen_count"`
	Stability float64   `json:"stability"`
}

// Save writes every record to the snapshot file, replacing the previous one atomically.
// In-memory state is not modified.
func (s *Store) Save(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.save",
		attribute.String("snapshot.path", s.snapshotPath),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	fail := func(err error) error {
		observability.RecordSnapshotSave(time.Since(start), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if s.snapshotPath == "" {
		return fail(fmt.Errorf("%w: no snapshot path configured", ErrPersistenceUnavailable))
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	doc := snapshotDocument{
		Version:   SnapshotVersion,
		SavedAt:   toEpochSeconds(s.clock()),
		Dimension: s.dimension,
		Records:   make([]snapshotRecord, len(s.records)),
	}
	for i, r := range s.records {
		doc.Records[i] = snapshotRecord{
			ID:        r.ID,
			Embedding: append([]float32(nil), r.Embedding...),
			FirstSeen: toEpochSeconds(r.FirstSeen),
			LastSeen:  toEpochSeconds(r.LastSeen),
			SeenCount: r.SeenCount,
			Stability: r.Stability,
		}
	}
	s.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return fail(fmt.Errorf("failed to marshal snapshot: %w", err))
	}

	if err := writeFileAtomic(s.snapshotPath, data, 0644); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err))
	}

	observability.RecordSnapshotSave(time.Since(start), true)
	span.SetAttributes(attribute.Int("memory.records", len(doc.Records)))
	logger.Info().
		Str("path", s.snapshotPath).
		Int("records", len(doc.Records)).
		Msg("Saved memory snapshot")

	return nil
}

// Load replaces the in-memory records with the snapshot contents.
// A missing file yields an empty store. A file that cannot be parsed or
// validated returns ErrPersistenceCorrupt and leaves the store unchanged.
func (s *Store) Load(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.load",
		attribute.String("snapshot.path", s.snapshotPath),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	fail := func(err error) error {
		observability.RecordSnapshotLoad(time.Since(start), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if s.snapshotPath == "" {
		return fail(fmt.Errorf("%w: no snapshot path configured", ErrPersistenceUnavailable))
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	data, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.records = make([]*Record, 0)
		s.dimension = s.params.Dimension
		s.mu.Unlock()

		observability.RecordSnapshotLoad(time.Since(start), true)
		observability.SetMemoryRecords(0)
		logger.Info().Str("path", s.snapshotPath).Msg("Snapshot does not exist, starting fresh")
		return nil
	}
	if err != nil {
		return fail(fmt.Errorf("%w: failed to read snapshot: %w", ErrPersistenceUnavailable, err))
	}

	records, dim, err := decodeSnapshot(data)
	if err != nil {
		return fail(err)
	}

	s.mu.Lock()
	if s.params.Dimension != 0 && dim != 0 && dim != s.params.Dimension {
		s.mu.Unlock()
		return fail(fmt.Errorf("%w: snapshot dimension %d, configured %d: %w",
			ErrPersistenceCorrupt, dim, s.params.Dimension, ErrDimensionMismatch))
	}
	s.records = records
	if dim != 0 {
		s.dimension = dim
	} else {
		s.dimension = s.params.Dimension
	}
	s.mu.Unlock()

	observability.RecordSnapshotLoad(time.Since(start), true)
	observability.SetMemoryRecords(len(records))
	span.SetAttributes(attribute.Int("memory.records", len(records)))
	logger.Info().
		Str("path", s.snapshotPath).
		Int("records", len(records)).
		Int("dimension", dim).
		Msg("Loaded memory snapshot")

	return nil
}

// decodeSnapshot parses and validates a snapshot file. It returns the records
// and their common dimension (the declared dimension for an empty document).
func decodeSnapshot(data []byte) ([]*Record, int, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, 0, fmt.Errorf("%w: empty file", ErrPersistenceCorrupt)
	}

	if err := validateSnapshotSchema(trimmed); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrPersistenceCorrupt, err)
	}

	var doc snapshotDocument
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &doc.Records); err != nil {
			return nil, 0, fmt.Errorf("%w: failed to parse snapshot: %w", ErrPersistenceCorrupt, err)
		}
		doc.Version = SnapshotVersion
	} else {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, 0, fmt.Errorf("%w: failed to parse snapshot: %w", ErrPersistenceCorrupt, err)
		}
	}

	if doc.Version > SnapshotVersion {
		return nil, 0, fmt.Errorf("%w: unsupported snapshot version %d", ErrPersistenceCorrupt, doc.Version)
	}

	dim := doc.Dimension
	seen := make(map[string]struct{}, len(doc.Records))
	records := make([]*Record, 0, len(doc.Records))
	for i, sr := range doc.Records {
		if dim == 0 {
			dim = len(sr.Embedding)
		}
		if len(sr.Embedding) != dim {
			return nil, 0, fmt.Errorf("%w: record %d has dimension %d, expected %d", ErrPersistenceCorrupt, i, len(sr.Embedding), dim)
		}
		if !validEmbedding(sr.Embedding) {
			return nil, 0, fmt.Errorf("%w: record %d has a non-finite embedding", ErrPersistenceCorrupt, i)
		}
		if sr.LastSeen < sr.FirstSeen {
			return nil, 0, fmt.Errorf("%w: record %d last_seen precedes first_seen", ErrPersistenceCorrupt, i)
		}

		id := sr.ID
		if _, dup := seen[id]; id == "" || dup {
			id = newRecordID()
		}
		seen[id] = struct{}{}

		records = append(records, &Record{
			ID:        id,
			Embedding: sr.Embedding,
			FirstSeen: fromEpochSeconds(sr.FirstSeen),
			LastSeen:  fromEpochSeconds(sr.LastSeen),
			SeenCount: sr.SeenCount,
			Stability: sr.Stability,
		})
	}

	return records, dim, nil
}

func validateSnapshotSchema(data []byte) error {
	result, err := gojsonschema.Validate(snapshotSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}

	return nil
}

func toEpochSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// fromEpochSeconds restores a timestamp at microsecond resolution.
func fromEpochSeconds(sec float64) time.Time {
	return time.UnixMicro(int64(math.Round(sec * 1e6)))
}
