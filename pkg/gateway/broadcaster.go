package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const eventWriteTimeout = 2 * time.Second

// Fanout reports how one event reached the connected clients
type Fanout struct {
	Seq       int64
	Delivered int
	Dropped   int
}

// EventBroadcaster pushes events to every event stream client. Each event
// gets the next sequence number so clients can detect gaps.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewEventBroadcaster creates a broadcaster over clients
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{clients: clients, logger: logger}
}

// Broadcast sends event with data to all clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) Fanout {
	return b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped sends msg after stamping its type, sequence and timestamp.
// A client whose write fails is closed so its reader deregisters it.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) Fanout {
	msg.Type = "event"
	msg.Seq = b.seq.Add(1)
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	out := Fanout{Seq: msg.Seq}

	frame, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", msg.Event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return out
	}

	for _, c := range b.clients.Clients() {
		if err := b.send(c, frame); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", c.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Dropping unreachable event client")
			_ = c.Conn.Close()
			out.Dropped++
			continue
		}
		out.Delivered++
	}

	if out.Delivered+out.Dropped > 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Int("delivered", out.Delivered).
			Int("dropped", out.Dropped).
			Msg("Event fanned out")
	}
	return out
}

func (b *EventBroadcaster) send(c *Client, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.Conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); err != nil {
		return err
	}
	return c.Conn.WriteMessage(websocket.TextMessage, frame)
}
