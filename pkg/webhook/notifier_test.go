package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/retina/pkg/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	headers http.Header
	body    []byte
}

// receiver records deliveries and replies with the statuses in order, then 200
type receiver struct {
	mu       sync.Mutex
	requests []received
	statuses []int
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	r.requests = append(r.requests, received{headers: req.Header.Clone(), body: body})
	status := http.StatusOK
	if len(r.statuses) > 0 {
		status = r.statuses[0]
		r.statuses = r.statuses[1:]
	}
	r.mu.Unlock()

	w.WriteHeader(status)
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *receiver) last() received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

func newTestNotifier(t *testing.T, targets ...Target) *Notifier {
	t.Helper()

	n, err := NewNotifier(Options{
		Targets:      targets,
		RetryBackoff: 10 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	n.Start()
	t.Cleanup(func() {
		_ = n.Stop(context.Background())
	})
	return n
}

func testMatch(status memory.Status) memory.Match {
	now := time.Unix(1700000000, 0)
	return memory.Match{
		Record: memory.Record{
			ID:        "rec-1",
			Embedding: []float32{1, 0},
			FirstSeen: now,
			LastSeen:  now,
			SeenCount: 1,
			Stability: 0.5,
		},
		Status:     status,
		Similarity: 0.2,
	}
}

func TestNewNotifier_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "localhost:9000", "ftp://example.com/hook", "http://"} {
		_, err := NewNotifier(Options{Targets: []Target{{URL: u}}})
		assert.Error(t, err, u)
	}
}

func TestNotifier_DeliversSignedPayload(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	n := newTestNotifier(t, Target{URL: srv.URL, Secret: "s3cret"})

	assert.Equal(t, 1, n.NotifyMatch(testMatch(memory.StatusNew)))
	require.Eventually(t, func() bool { return rcv.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	got := rcv.last()
	assert.Equal(t, "application/json", got.headers.Get("Content-Type"))
	assert.Equal(t, EventMemoryNew, got.headers.Get(HeaderEvent))
	assert.NotEmpty(t, got.headers.Get(HeaderDelivery))
	assert.True(t, Verify(got.body, got.headers.Get(HeaderSignature), "s3cret"))

	var payload struct {
		ID    string    `json:"id"`
		Event string    `json:"event"`
		Data  MatchData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got.body, &payload))
	assert.Equal(t, got.headers.Get(HeaderDelivery), payload.ID)
	assert.Equal(t, EventMemoryNew, payload.Event)
	assert.Equal(t, "rec-1", payload.Data.ID)
	assert.Equal(t, "new", payload.Data.Status)
	assert.Equal(t, 1, payload.Data.SeenCount)
	assert.Equal(t, 0.5, payload.Data.Stability)
}

func TestNotifier_Unsigned(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	n := newTestNotifier(t, Target{URL: srv.URL})

	n.NotifyEviction(memory.Eviction{At: time.Now(), Removed: 3, Remaining: 1})
	require.Eventually(t, func() bool { return rcv.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	got := rcv.last()
	assert.Empty(t, got.headers.Get(HeaderSignature))
	assert.Equal(t, EventMemoryEvicted, got.headers.Get(HeaderEvent))

	var payload struct {
		Data EvictionData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got.body, &payload))
	assert.Equal(t, 3, payload.Data.Removed)
	assert.Equal(t, 1, payload.Data.Remaining)
}

func TestNotifier_EventFilter(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	all := &receiver{}
	allSrv := httptest.NewServer(all)
	defer allSrv.Close()

	n := newTestNotifier(t,
		Target{URL: srv.URL},
		Target{URL: allSrv.URL, Events: []string{EventMemoryNew, EventMemoryKnown, EventMemoryEvicted}},
	)

	// known matches only go to targets that ask for them
	assert.Equal(t, 1, n.NotifyMatch(testMatch(memory.StatusKnown)))
	assert.Equal(t, 2, n.NotifyMatch(testMatch(memory.StatusNew)))

	require.Eventually(t, func() bool {
		return rcv.count() == 1 && all.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, EventMemoryNew, rcv.last().headers.Get(HeaderEvent))
}

func TestNotifier_RetriesServerErrors(t *testing.T) {
	rcv := &receiver{statuses: []int{http.StatusServiceUnavailable, http.StatusTooManyRequests}}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	n := newTestNotifier(t, Target{URL: srv.URL})
	n.NotifyMatch(testMatch(memory.StatusNew))

	require.Eventually(t, func() bool {
		h, ok := n.HealthFor(srv.URL)
		return ok && h.Attempts == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, rcv.count())
	h, _ := n.HealthFor(srv.URL)
	assert.Equal(t, int64(2), h.Failures)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Empty(t, h.LastError)
}

func TestNotifier_DoesNotRetryClientErrors(t *testing.T) {
	rcv := &receiver{statuses: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	n := newTestNotifier(t, Target{URL: srv.URL})
	n.NotifyMatch(testMatch(memory.StatusNew))

	require.Eventually(t, func() bool {
		h, ok := n.HealthFor(srv.URL)
		return ok && h.Failures == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, n.Stop(context.Background()))
	assert.Equal(t, 1, rcv.count())

	health := n.Health()
	require.Len(t, health, 1)
	assert.Equal(t, int64(1), health[0].Attempts)
	assert.Equal(t, 1, health[0].ConsecutiveFailures)
	assert.Contains(t, health[0].LastError, "status 400")
}

func TestNotifier_StopDrainsQueue(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	n, err := NewNotifier(Options{Targets: []Target{{URL: srv.URL}}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	// queued before the worker starts
	for i := 0; i < 5; i++ {
		n.NotifyMatch(testMatch(memory.StatusNew))
	}
	n.Start()

	require.NoError(t, n.Stop(context.Background()))
	assert.Equal(t, 5, rcv.count())

	// closed notifiers drop events
	assert.Equal(t, 0, n.NotifyMatch(testMatch(memory.StatusNew)))
	assert.NoError(t, n.Stop(context.Background()))
}

func TestNotifier_QueueFullDrops(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	n, err := NewNotifier(Options{
		Targets:   []Target{{URL: srv.URL}},
		QueueSize: 1,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	n.Start()

	n.NotifyMatch(testMatch(memory.StatusNew))
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// worker is busy: one slot in the queue, the rest are dropped
	assert.Equal(t, 1, n.NotifyMatch(testMatch(memory.StatusNew)))
	assert.Equal(t, 0, n.NotifyMatch(testMatch(memory.StatusNew)))
}

func TestNotifier_StopTimeoutAbandonsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n, err := NewNotifier(Options{
		Targets:      []Target{{URL: srv.URL}},
		MaxRetries:   5,
		RetryBackoff: time.Hour,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	n.Start()
	n.NotifyMatch(testMatch(memory.StatusNew))

	require.Eventually(t, func() bool {
		h, ok := n.HealthFor(srv.URL)
		return ok && h.Failures == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.Stop(ctx), context.DeadlineExceeded)
}
