package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Detection is one logged detection
type Detection struct {
	ID          int64     `json:"id"`
	Model       string    `json:"model"`
	Label       string    `json:"label"`
	Confidence  float64   `json:"confidence"`
	InferenceMS int64     `json:"inference_ms"`
	Status      string    `json:"status"` // new, known, below_threshold, no_embedding, error
	CreatedAt   time.Time `json:"created_at"`
}

// Summary aggregates all logged detections
type Summary struct {
	Total          int                `json:"total"`
	LabelCounts    map[string]int     `json:"label_counts"`
	ModelCounts    map[string]int     `json:"model_counts"`
	StatusCounts   map[string]int     `json:"status_counts"`
	AvgConfidence  map[string]float64 `json:"avg_confidence"`
	AvgInferenceMS int64              `json:"avg_inference_ms"`
}

// Config holds analytics store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// Store persists detections in SQLite
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the detections database
func Open(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger.With().Str("component", "analytics").Logger(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Analytics store initialized")
	return s, nil
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model TEXT NOT NULL,
			label TEXT NOT NULL,
			confidence REAL NOT NULL,
			inference_ms INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_detections_label ON detections(label);
		CREATE INDEX IF NOT EXISTS idx_detections_created ON detections(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert logs a detection and returns its row id
func (s *Store) Insert(ctx context.Context, d Detection) (int64, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (model, label, confidence, inference_ms, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.Model, d.Label, d.Confidence, d.InferenceMS, d.Status, d.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert detection: %w", err)
	}

	return res.LastInsertId()
}

// FetchAll returns every logged detection in insertion order
func (s *Store) FetchAll(ctx context.Context) ([]Detection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model, label, confidence, inference_ms, status, created_at FROM detections ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var d Detection
		var created int64
		if err := rows.Scan(&d.ID, &d.Model, &d.Label, &d.Confidence, &d.InferenceMS, &d.Status, &created); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		d.CreatedAt = time.UnixMilli(created)
		out = append(out, d)
	}

	return out, rows.Err()
}

// Summary aggregates all detections. Mean confidence is rounded to three
// decimals and mean inference time is truncated to whole milliseconds.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	detections, err := s.FetchAll(ctx)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		Total:         len(detections),
		LabelCounts:   make(map[string]int),
		ModelCounts:   make(map[string]int),
		StatusCounts:  make(map[string]int),
		AvgConfidence: make(map[string]float64),
	}

	confTotals := make(map[string]float64)
	var inferenceTotal int64
	for _, d := range detections {
		sum.LabelCounts[d.Label]++
		sum.ModelCounts[d.Model]++
		if d.Status != "" {
			sum.StatusCounts[d.Status]++
		}
		confTotals[d.Label] += d.Confidence
		inferenceTotal += d.InferenceMS
	}

	for label, total := range confTotals {
		mean := total / float64(sum.LabelCounts[label])
		sum.AvgConfidence[label] = math.Round(mean*1000) / 1000
	}
	if len(detections) > 0 {
		sum.AvgInferenceMS = inferenceTotal / int64(len(detections))
	}

	return sum, nil
}

// Close closes the database
func (s *Store) Close() error {
	s.logger.Info().Msg("Closing analytics store")
	return s.db.Close()
}
