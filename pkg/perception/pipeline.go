package perception

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/retina/internal/observability"
	"github.com/harun/retina/internal/tracing"
	"github.com/harun/retina/pkg/analytics"
	"github.com/harun/retina/pkg/memory"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const tracerName = "retina.perception"

// Matcher resolves an embedding to an identity
type Matcher interface {
	MatchOrCreate(ctx context.Context, embedding []float32, now time.Time) (memory.Match, error)
}

// Sink records every processed detection
type Sink interface {
	Insert(ctx context.Context, d analytics.Detection) (int64, error)
}

// PipelineConfig holds pipeline configuration
type PipelineConfig struct {
	Matcher   Matcher
	Extractor Extractor
	Gate      *ConfidenceGate
	// Sink is optional.
	Sink Sink
	// Workers bounds parallel embedding extraction. Defaults to 1.
	Workers int
	Logger  zerolog.Logger
}

// Pipeline turns detector frames into identity observations
type Pipeline struct {
	matcher   Matcher
	extractor Extractor
	gate      *ConfidenceGate
	sink      Sink
	workers   int
	logger    zerolog.Logger
}

// NewPipeline creates a pipeline
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	observability.EnsureRegistered()

	if cfg.Matcher == nil {
		return nil, errors.New("pipeline requires a matcher")
	}
	if cfg.Extractor == nil {
		return nil, errors.New("pipeline requires an extractor")
	}
	gate := cfg.Gate
	if gate == nil {
		var err error
		gate, err = NewConfidenceGate(DefaultGateConfig())
		if err != nil {
			return nil, err
		}
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	observability.SetConfidenceThreshold(gate.Threshold())

	return &Pipeline{
		matcher:   cfg.Matcher,
		extractor: cfg.Extractor,
		gate:      gate,
		sink:      cfg.Sink,
		workers:   workers,
		logger:    cfg.Logger.With().Str("component", "perception").Logger(),
	}, nil
}

// Gate returns the pipeline's confidence gate
func (p *Pipeline) Gate() *ConfidenceGate {
	return p.gate
}

// ProcessFrame gates, embeds and matches every detection in frame. Matching
// runs in detection order so results are deterministic for a given frame.
// A per-detection matcher failure is reported in its result and does not
// abort the frame; only context cancellation does.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame Frame) (FrameResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if frame.ID == "" {
		frame.ID = gonanoid.Must()
	}
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = time.Now()
	}

	ctx = tracing.WithFrameID(ctx, frame.ID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "perception.process_frame",
		attribute.Int("frame.detections", len(frame.Detections)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	threshold := p.gate.Threshold()
	results := make([]DetectionResult, len(frame.Detections))
	embeddings := make([][]float32, len(frame.Detections))

	extractStart := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, det := range frame.Detections {
		results[i].Detection = det
		if det.Confidence < threshold {
			results[i].Outcome = OutcomeBelowThreshold
			continue
		}
		i, det := i, det
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			emb, ok := p.extractor.Extract(frame.Image, det.Box)
			if ok {
				embeddings[i] = emb
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return FrameResult{}, fmt.Errorf("failed to extract embeddings: %w", err)
	}
	observability.RecordFrame(time.Since(extractStart))

	out := FrameResult{FrameID: frame.ID, Total: len(frame.Detections)}
	for i := range results {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return FrameResult{}, err
		}

		r := &results[i]
		if r.Outcome == OutcomeBelowThreshold {
			continue
		}
		if embeddings[i] == nil {
			r.Outcome = OutcomeNoEmbedding
			continue
		}

		m, err := p.matcher.MatchOrCreate(ctx, embeddings[i], frame.CapturedAt)
		if err != nil {
			r.Outcome = OutcomeError
			r.Err = err
			logger.Warn().Err(err).Int("detection", i).Msg("Failed to match detection")
			continue
		}

		r.RecordID = m.Record.ID
		r.SeenCount = m.Record.SeenCount
		r.Similarity = m.Similarity
		if m.Status == memory.StatusNew {
			r.Outcome = OutcomeNew
			out.NewCount++
		} else {
			r.Outcome = OutcomeKnown
		}
	}

	out.Threshold = p.gate.Adjust(out.NewCount, out.Total)
	observability.SetConfidenceThreshold(out.Threshold)

	for i := range results {
		observability.RecordDetection(string(results[i].Outcome))
		p.record(ctx, logger, frame, results[i])
	}
	out.Results = results

	span.SetAttributes(
		attribute.Int("frame.new", out.NewCount),
		attribute.Float64("perception.threshold", out.Threshold),
	)
	logger.Debug().
		Int("detections", out.Total).
		Int("new", out.NewCount).
		Float64("threshold", out.Threshold).
		Msg("Frame processed")

	return out, nil
}

func (p *Pipeline) record(ctx context.Context, logger zerolog.Logger, frame Frame, r DetectionResult) {
	if p.sink == nil {
		return
	}

	_, err := p.sink.Insert(ctx, analytics.Detection{
		Model:       frame.Model,
		Label:       r.Detection.Label,
		Confidence:  r.Detection.Confidence,
		InferenceMS: frame.InferenceTime.Milliseconds(),
		Status:      string(r.Outcome),
		CreatedAt:   frame.CapturedAt,
	})
	if err != nil {
		logger.Warn().Err(err).Str("label", r.Detection.Label).Msg("Failed to record detection")
	}
}
