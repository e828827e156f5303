package webhook

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Event names a target can subscribe to
const (
	EventMemoryNew     = "memory.new"
	EventMemoryKnown   = "memory.known"
	EventMemoryEvicted = "memory.evicted"
)

// Header names set on every delivery
const (
	HeaderEvent     = "X-Retina-Event"
	HeaderDelivery  = "X-Retina-Delivery"
	HeaderSignature = "X-Retina-Signature-256"
)

// DefaultEvents is used for targets that don't list any events
var DefaultEvents = []string{EventMemoryNew, EventMemoryEvicted}

// Target is one subscriber endpoint
type Target struct {
	URL     string        // absolute http or https URL
	Secret  string        // HMAC-SHA256 signing secret, empty disables signing
	Events  []string      // subscribed events, DefaultEvents when empty
	Timeout time.Duration // per-attempt timeout (default: 10s)
}

// Payload is the JSON body posted to targets
type Payload struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
	Data      interface{} `json:"data"`
}

// TargetHealth summarizes the delivery attempts made to one target.
// Attempt latency is exported as a prometheus histogram instead.
type TargetHealth struct {
	URL                 string    `json:"url"`
	Attempts            int64     `json:"attempts"`
	Failures            int64     `json:"failures"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastAttemptAt       time.Time `json:"lastAttemptAt"`
}

// Options configures the notifier
type Options struct {
	Targets      []Target
	QueueSize    int           // pending deliveries before new events are dropped (default: 256)
	MaxRetries   int           // extra attempts after a failed delivery (default: 2, negative disables)
	RetryBackoff time.Duration // wait before retry n is n*RetryBackoff (default: 500ms)
	Client       *http.Client
	Logger       zerolog.Logger
}
