package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBroadcaster_BroadcastAddsSequence(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "client-1", Conn: serverConn})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Broadcast(EventMemoryMatch, MatchEvent{ID: "rec-1", Status: "new", SeenCount: 1})
	broadcaster.BroadcastTyped(EventMessage{
		Event:   EventMemoryEvicted,
		Data:    EvictionEvent{Removed: 2, Remaining: 5},
		TraceID: "trace-1",
	})

	var first EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&first))

	var second EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&second))

	assert.Equal(t, "event", first.Type)
	assert.Equal(t, EventMemoryMatch, first.Event)
	assert.NotZero(t, first.Seq)
	assert.NotZero(t, first.Timestamp)
	data := first.Data.(map[string]interface{})
	assert.Equal(t, "rec-1", data["id"])
	assert.Equal(t, "new", data["status"])
	assert.Equal(t, float64(1), data["seen_count"])

	assert.Equal(t, EventMemoryEvicted, second.Event)
	assert.Equal(t, "trace-1", second.TraceID)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestEventBroadcaster_NoClients(t *testing.T) {
	broadcaster := NewEventBroadcaster(NewClientRegistry(), zerolog.Nop())
	first := broadcaster.Broadcast(EventMemoryMatch, nil)
	second := broadcaster.Broadcast(EventMemoryMatch, nil)

	assert.Equal(t, 0, first.Delivered)
	assert.Equal(t, 0, first.Dropped)
	assert.Equal(t, first.Seq+1, second.Seq)
}

func TestEventBroadcaster_ClosedClientDoesNotBlockOthers(t *testing.T) {
	deadConn, _, cleanupDead := websocketConnPair(t)
	liveConn, liveClient, cleanupLive := websocketConnPair(t)
	defer cleanupLive()

	cleanupDead()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "dead", Conn: deadConn})
	registry.Add(&Client{ID: "live", Conn: liveConn})

	fanout := NewEventBroadcaster(registry, zerolog.Nop()).Broadcast(EventMemoryMatch, MatchEvent{ID: "rec-1"})
	assert.Equal(t, 1, fanout.Delivered)
	assert.Equal(t, 1, fanout.Dropped)

	var event EventMessage
	require.NoError(t, liveClient.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, liveClient.ReadJSON(&event))
	assert.Equal(t, EventMemoryMatch, event.Event)
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}

func TestClientRegistry_Snapshot(t *testing.T) {
	registry := NewClientRegistry()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 1, registry.Add(&Client{ID: "b", ConnectedAt: base.Add(time.Second), LastActivity: base}))
	assert.Equal(t, 2, registry.Add(&Client{ID: "a", ConnectedAt: base, LastActivity: base}))

	registry.Touch("b", base.Add(10*time.Minute))
	registry.Touch("missing", base)

	infos := registry.Snapshot(base.Add(11 * time.Minute))
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.True(t, infos[0].Idle)
	assert.Equal(t, "b", infos[1].ID)
	assert.False(t, infos[1].Idle)

	assert.Equal(t, 1, registry.Remove("a"))
	assert.Equal(t, 1, registry.Remove("a"))
	assert.Equal(t, 1, registry.Count())
}
