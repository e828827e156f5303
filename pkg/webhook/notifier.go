package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/retina/internal/observability"
	"github.com/harun/retina/internal/tracing"
	"github.com/harun/retina/pkg/memory"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "retina.webhook"

// MatchData is the payload of memory.new and memory.known events
type MatchData struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	SeenCount  int       `json:"seen_count"`
	Stability  float64   `json:"stability"`
	Similarity float64   `json:"similarity"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// EvictionData is the payload of memory.evicted events
type EvictionData struct {
	At        time.Time `json:"at"`
	Removed   int       `json:"removed"`
	Remaining int       `json:"remaining"`
}

type job struct {
	target  *Target
	payload Payload
	body    []byte
}

// Notifier posts events to subscribed targets in the background
type Notifier struct {
	targets    []Target
	queue      chan job
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	logger     zerolog.Logger

	healthMu sync.Mutex
	health   map[string]*TargetHealth

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
}

// NewNotifier validates the targets and applies defaults
func NewNotifier(opts Options) (*Notifier, error) {
	targets := make([]Target, 0, len(opts.Targets))
	for _, t := range opts.Targets {
		u, err := url.Parse(t.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid webhook url: %q", t.URL)
		}
		if len(t.Events) == 0 {
			t.Events = DefaultEvents
		}
		if t.Timeout <= 0 {
			t.Timeout = 10 * time.Second
		}
		targets = append(targets, t)
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		targets:    targets,
		queue:      make(chan job, opts.QueueSize),
		client:     opts.Client,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		logger:     opts.Logger.With().Str("component", "webhook").Logger(),
		health:     make(map[string]*TargetHealth),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the delivery worker
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.closed {
		return
	}
	n.started = true

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for j := range n.queue {
			n.deliver(j)
		}
	}()
}

// Stop stops accepting events and waits for queued deliveries. Deliveries
// still pending when ctx ends are abandoned.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}

// Health returns the attempt history of every target tried so far, by URL
func (n *Notifier) Health() []TargetHealth {
	n.healthMu.Lock()
	defer n.healthMu.Unlock()

	out := make([]TargetHealth, 0, len(n.health))
	for _, h := range n.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// HealthFor returns the attempt history of the target at targetURL
func (n *Notifier) HealthFor(targetURL string) (TargetHealth, bool) {
	n.healthMu.Lock()
	defer n.healthMu.Unlock()

	h, ok := n.health[targetURL]
	if !ok {
		return TargetHealth{}, false
	}
	return *h, true
}

func (n *Notifier) recordAttempt(j job, err error, elapsed time.Duration) {
	observability.ObserveWebhookAttempt(j.payload.Event, err == nil, elapsed)

	n.healthMu.Lock()
	defer n.healthMu.Unlock()

	h, ok := n.health[j.target.URL]
	if !ok {
		h = &TargetHealth{URL: j.target.URL}
		n.health[j.target.URL] = h
	}
	h.Attempts++
	h.LastAttemptAt = time.Now()
	if err == nil {
		h.ConsecutiveFailures = 0
		h.LastError = ""
		return
	}
	h.Failures++
	h.ConsecutiveFailures++
	h.LastError = err.Error()
}

// NotifyMatch queues a memory.new or memory.known event
func (n *Notifier) NotifyMatch(m memory.Match) int {
	return n.Notify("memory."+string(m.Status), MatchData{
		ID:         m.Record.ID,
		Status:     string(m.Status),
		SeenCount:  m.Record.SeenCount,
		Stability:  m.Record.Stability,
		Similarity: m.Similarity,
		FirstSeen:  m.Record.FirstSeen,
		LastSeen:   m.Record.LastSeen,
	})
}

// NotifyEviction queues a memory.evicted event
func (n *Notifier) NotifyEviction(ev memory.Eviction) int {
	return n.Notify(EventMemoryEvicted, EvictionData{
		At:        ev.At,
		Removed:   ev.Removed,
		Remaining: ev.Remaining,
	})
}

// Notify queues event for every subscribed target and returns how many
// deliveries were queued. It never blocks; a full queue drops the event.
func (n *Notifier) Notify(event string, data interface{}) int {
	payload := Payload{
		ID:        uuid.NewString(),
		Event:     event,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error().Err(err).Str("event", event).Msg("Failed to encode webhook payload")
		return 0
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return 0
	}

	queued := 0
	for i := range n.targets {
		t := &n.targets[i]
		if !subscribed(t, event) {
			continue
		}
		select {
		case n.queue <- job{target: t, payload: payload, body: body}:
			queued++
		default:
			observability.RecordWebhookDelivery(event, "dropped")
			n.logger.Warn().
				Str("event", event).
				Str("url", t.URL).
				Msg("Webhook queue full, dropping event")
		}
	}
	return queued
}

func subscribed(t *Target, event string) bool {
	for _, e := range t.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (n *Notifier) deliver(j job) {
	ctx := tracing.WithRequestID(n.ctx, j.payload.ID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "webhook.deliver",
		attribute.String("webhook.event", j.payload.Event),
		attribute.String("webhook.url", j.target.URL),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, n.logger)

	var lastErr error
attempts:
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * n.backoff):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break attempts
			}
		}

		start := time.Now()
		retry, err := n.post(ctx, j)
		n.recordAttempt(j, err, time.Since(start))
		if err == nil {
			observability.RecordWebhookDelivery(j.payload.Event, "success")
			span.SetAttributes(attribute.Int("webhook.attempts", attempt+1))
			logger.Debug().
				Str("event", j.payload.Event).
				Str("url", j.target.URL).
				Int("attempt", attempt+1).
				Msg("Webhook delivered")
			return
		}

		lastErr = err
		if !retry {
			break
		}
	}

	observability.RecordWebhookDelivery(j.payload.Event, "failure")
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	logger.Warn().
		Err(lastErr).
		Str("event", j.payload.Event).
		Str("url", j.target.URL).
		Msg("Webhook delivery failed")
}

// errClient marks replies that retrying won't fix
var errClient = errors.New("webhook rejected by receiver")

// post makes one delivery attempt and reports whether a failure is worth retrying
func (n *Notifier) post(ctx context.Context, j job) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, j.target.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.target.URL, bytes.NewReader(j.body))
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "retina-webhook/1")
	req.Header.Set(HeaderEvent, j.payload.Event)
	req.Header.Set(HeaderDelivery, j.payload.ID)
	if j.target.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(j.body, j.target.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return n.ctx.Err() == nil, fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("%w: status %d", errClient, resp.StatusCode)
	}
}
