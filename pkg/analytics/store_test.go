package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(Config{
		DBPath: filepath.Join(t.TempDir(), "detections.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	s, err := Open(Config{Logger: zerolog.Nop()})
	assert.Error(t, err)
	assert.Nil(t, s)
}

func TestInsertAndFetchAll(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	at := time.UnixMilli(1700000000123)

	id1, err := s.Insert(ctx, Detection{Model: "yolov8n", Label: "cup", Confidence: 0.91, InferenceMS: 40, Status: "new", CreatedAt: at})
	require.NoError(t, err)
	id2, err := s.Insert(ctx, Detection{Model: "yolov8n", Label: "person", Confidence: 0.55, InferenceMS: 42, Status: "known"})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	all, err := s.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	assert.Equal(t, id1, all[0].ID)
	assert.Equal(t, "cup", all[0].Label)
	assert.Equal(t, 0.91, all[0].Confidence)
	assert.Equal(t, int64(40), all[0].InferenceMS)
	assert.Equal(t, "new", all[0].Status)
	assert.True(t, all[0].CreatedAt.Equal(at))
	assert.False(t, all[1].CreatedAt.IsZero())
}

func TestSummary(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rows := []Detection{
		{Model: "yolov8n", Label: "cup", Confidence: 0.9, InferenceMS: 10, Status: "new"},
		{Model: "yolov8n", Label: "cup", Confidence: 0.8, InferenceMS: 20, Status: "known"},
		{Model: "yolov8s", Label: "cup", Confidence: 0.7, InferenceMS: 31, Status: "known"},
		{Model: "yolov8s", Label: "dog", Confidence: 0.6666, InferenceMS: 40, Status: "below_threshold"},
	}
	for _, d := range rows {
		_, err := s.Insert(ctx, d)
		require.NoError(t, err)
	}

	sum, err := s.Summary(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, map[string]int{"cup": 3, "dog": 1}, sum.LabelCounts)
	assert.Equal(t, map[string]int{"yolov8n": 2, "yolov8s": 2}, sum.ModelCounts)
	assert.Equal(t, 2, sum.StatusCounts["known"])
	assert.Equal(t, 0.8, sum.AvgConfidence["cup"])
	assert.Equal(t, 0.667, sum.AvgConfidence["dog"])
	// (10+20+31+40)/4 = 25.25
	assert.Equal(t, int64(25), sum.AvgInferenceMS)
}

func TestSummary_Empty(t *testing.T) {
	s := createTestStore(t)

	sum, err := s.Summary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
	assert.Zero(t, sum.AvgInferenceMS)
	assert.Empty(t, sum.LabelCounts)
}
