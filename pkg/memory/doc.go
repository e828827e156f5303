// Package memory keeps a decaying identity memory for perceived objects.
//
// Each observation is an embedding. The store compares it against every
// record by cosine similarity: a score at or above the similarity threshold
// reinforces the best record, anything lower creates a new one. Records lose
// relevance exponentially with idle time scaled by their stability, and an
// eviction pass drops the ones that fall below the decay threshold.
//
// Invariants:
//   - Every record holds SeenCount >= 1, Stability in [0, 1] and LastSeen >= FirstSeen.
//   - All embeddings in a store share one dimension, pinned by config, the first
//     observation or a loaded snapshot.
//   - MatchOrCreate is linearizable; eviction, scan and update happen under one lock.
//   - Save never mutates in-memory state; a failed Load leaves it untouched.
//   - Timestamps are kept at microsecond resolution, the precision of a snapshot.
//
// Usage:
//
//	store, _ := memory.NewStore(memory.Config{SnapshotPath: "/data/memory_bank.json", Params: memory.DefaultParams()})
//	_ = store.Load(ctx)
//	match, _ := store.Observe(ctx, embedding)
//	_ = match.Status
//	_ = store.Save(ctx)
package memory
