package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reopen(t *testing.T, s *Store) *Store {
	t.Helper()
	r, err := NewStore(Config{
		SnapshotPath: s.SnapshotPath(),
		Params:       DefaultParams(),
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background()))
	return r
}

func assertSameRecords(t *testing.T, want, got []Record) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Embedding, got[i].Embedding)
		assert.True(t, want[i].FirstSeen.Equal(got[i].FirstSeen), "first_seen %d", i)
		assert.True(t, want[i].LastSeen.Equal(got[i].LastSeen), "last_seen %d", i)
		assert.Equal(t, want[i].SeenCount, got[i].SeenCount)
		assert.Equal(t, want[i].Stability, got[i].Stability)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 50} {
		t.Run(fmt.Sprintf("%d records", n), func(t *testing.T) {
			s := createTestStore(t)
			ctx := context.Background()

			for i := 0; i < n; i++ {
				at := testEpoch.Add(time.Duration(i) * time.Millisecond)
				_, err := s.MatchOrCreate(ctx, oneHot(64, i), at)
				require.NoError(t, err)
				if i%3 == 0 {
					_, err = s.MatchOrCreate(ctx, oneHot(64, i), at.Add(time.Microsecond))
					require.NoError(t, err)
				}
			}
			want := s.Records()

			require.NoError(t, s.Save(ctx))
			assert.Equal(t, want, s.Records(), "save must not modify state")

			loaded := reopen(t, s)
			assertSameRecords(t, want, loaded.Records())
			if n > 0 {
				assert.Equal(t, 64, loaded.Dimension())
			}
		})
	}
}

func TestSaveLoad_WallClockPrecision(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	s := createTestStore(t, func(c *Config) { c.Clock = func() time.Time { return now } })
	ctx := context.Background()

	_, err := s.Observe(ctx, []float32{0.2, 0.9})
	require.NoError(t, err)
	now = now.Add(777 * time.Nanosecond)
	m, err := s.Observe(ctx, []float32{0.2, 0.9})
	require.NoError(t, err)
	require.Equal(t, StatusKnown, m.Status)

	want := s.Records()
	assert.True(t, want[0].FirstSeen.Equal(time.Unix(1700000000, 123456000)))
	assert.True(t, want[0].LastSeen.Equal(time.Unix(1700000000, 123457000)))

	require.NoError(t, s.Save(ctx))
	assertSameRecords(t, want, reopen(t, s).Records())
}

func TestSaveLoad_PreservesMatching(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.MatchOrCreate(ctx, []float32{0.3, 0.7, 0.1}, testEpoch)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))

	loaded := reopen(t, s)
	m, err := loaded.MatchOrCreate(ctx, []float32{0.3, 0.7, 0.1}, testEpoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusKnown, m.Status)
	assert.Equal(t, 2, m.Record.SeenCount)
}

func TestSave_DocumentLayout(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.MatchOrCreate(ctx, []float32{1, 0}, testEpoch)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))

	data, err := os.ReadFile(s.SnapshotPath())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, float64(SnapshotVersion), doc["version"])
	assert.Equal(t, float64(2), doc["dimension"])
	assert.Equal(t, 1700000000.25, doc["saved_at"])

	records := doc["records"].([]any)
	require.Len(t, records, 1)
	rec := records[0].(map[string]any)
	assert.Equal(t, 1700000000.25, rec["first_seen"])
	assert.Equal(t, float64(1), rec["seen_count"])
	assert.Equal(t, 0.5, rec["stability"])
}

func TestSave_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no path configured", func(t *testing.T) {
		s := createTestStore(t, func(c *Config) { c.SnapshotPath = "" })
		assert.ErrorIs(t, s.Save(ctx), ErrPersistenceUnavailable)
	})

	t.Run("parent is a file", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "blocker")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

		s := createTestStore(t, func(c *Config) { c.SnapshotPath = filepath.Join(blocker, "memory_bank.json") })
		_, err := s.MatchOrCreate(ctx, []float32{1}, testEpoch)
		require.NoError(t, err)

		assert.ErrorIs(t, s.Save(ctx), ErrPersistenceUnavailable)
		assert.Equal(t, 1, s.Len())
	})
}

func TestLoad_MissingFile(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.Load(context.Background()))
	assert.Zero(t, s.Len())
	assert.Zero(t, s.Dimension())
}

func TestLoad_Corrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty file", content: ""},
		{name: "garbage", content: "not json{"},
		{name: "truncated", content: `{"version":1,"records":[{"embedding":[1,0]`},
		{name: "wrong top-level type", content: `"memory"`},
		{name: "missing fields", content: `{"version":1,"records":[{"embedding":[1,2]}]}`},
		{name: "seen count zero", content: `[{"embedding":[1],"first_seen":1,"last_seen":2,"seen_count":0,"stability":0.5}]`},
		{name: "stability out of range", content: `[{"embedding":[1],"first_seen":1,"last_seen":2,"seen_count":1,"stability":1.5}]`},
		{name: "empty embedding", content: `[{"embedding":[],"first_seen":1,"last_seen":2,"seen_count":1,"stability":0.5}]`},
		{name: "last before first", content: `[{"embedding":[1],"first_seen":5,"last_seen":2,"seen_count":1,"stability":0.5}]`},
		{name: "mixed dimensions", content: `[{"embedding":[1],"first_seen":1,"last_seen":2,"seen_count":1,"stability":0.5},{"embedding":[1,0],"first_seen":1,"last_seen":2,"seen_count":1,"stability":0.5}]`},
		{name: "declared dimension disagrees", content: `{"version":1,"dimension":3,"records":[{"embedding":[1,0],"first_seen":1,"last_seen":2,"seen_count":1,"stability":0.5}]}`},
		{name: "future version", content: `{"version":2,"records":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := createTestStore(t)
			ctx := context.Background()

			_, err := s.MatchOrCreate(ctx, []float32{0.5, 0.5}, testEpoch)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(s.SnapshotPath(), []byte(tt.content), 0644))

			err = s.Load(ctx)
			assert.ErrorIs(t, err, ErrPersistenceCorrupt)
			assert.Equal(t, 1, s.Len(), "state must be untouched on corrupt load")
			assert.Equal(t, 2, s.Dimension())
		})
	}
}

func TestLoad_LegacyArray(t *testing.T) {
	s := createTestStore(t)
	legacy := `[
		{"embedding": [0.6, 0.8], "first_seen": 1700000000.5, "last_seen": 1700000003.25, "seen_count": 4, "stability": 0.8},
		{"embedding": [1.0, 0.0], "first_seen": 1700000001.0, "last_seen": 1700000001.0, "seen_count": 1, "stability": 0.5}
	]`
	require.NoError(t, os.WriteFile(s.SnapshotPath(), []byte(legacy), 0644))

	require.NoError(t, s.Load(context.Background()))

	records := s.Records()
	require.Len(t, records, 2)
	assert.Equal(t, 2, s.Dimension())
	assert.NotEmpty(t, records[0].ID)
	assert.NotEqual(t, records[0].ID, records[1].ID)
	assert.Equal(t, 4, records[0].SeenCount)
	assert.Equal(t, 0.8, records[0].Stability)
	assert.Equal(t, []float32{0.6, 0.8}, records[0].Embedding)
	assert.True(t, records[0].FirstSeen.Equal(time.Unix(1700000000, 500000000)))
	assert.True(t, records[0].LastSeen.Equal(time.Unix(1700000003, 250000000)))
}

func TestLoad_ConfiguredDimensionConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.MatchOrCreate(ctx, []float32{1, 0, 0}, testEpoch)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))

	p := DefaultParams()
	p.Dimension = 8
	other, err := NewStore(Config{SnapshotPath: s.SnapshotPath(), Params: p, Logger: zerolog.Nop()})
	require.NoError(t, err)

	err = other.Load(ctx)
	assert.ErrorIs(t, err, ErrPersistenceCorrupt)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Zero(t, other.Len())
}

func TestLoad_ReplacesState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.MatchOrCreate(ctx, []float32{1, 0}, testEpoch)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))

	_, err = s.MatchOrCreate(ctx, []float32{0, 1}, testEpoch.Add(time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	require.NoError(t, s.Load(ctx))
	assert.Equal(t, 1, s.Len())
}

func TestSaveLoad_ConcurrentWithMatching(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, _ = s.MatchOrCreate(ctx, oneHot(16, i%16), testEpoch.Add(time.Duration(i)*time.Millisecond))
		}
	}()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Save(ctx))
	}
	<-done

	require.NoError(t, s.Save(ctx))
	loaded := reopen(t, s)
	assert.Equal(t, s.Len(), loaded.Len())
}
