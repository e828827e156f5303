// Package analytics records per-detection facts in SQLite and summarizes them.
//
// The sink is independent of the identity store: it never reads records and
// the store never depends on it. Summary mirrors what an operator dashboard
// shows: counts by label and model, mean confidence per label and mean
// inference time.
package analytics
