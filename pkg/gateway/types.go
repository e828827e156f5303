package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	JSONRPC        string          `json:"jsonrpc"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage represents a server-initiated event
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// ObserveRequest is the body of POST /v1/observe. Timestamp is seconds since
// the Unix epoch; the server clock is used when it is absent.
type ObserveRequest struct {
	Embedding []float32 `json:"embedding"`
	Timestamp *float64  `json:"timestamp,omitempty"`
}

// ObserveResponse reports the identity an observation resolved to
type ObserveResponse struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	SeenCount  int     `json:"seen_count"`
	Stability  float64 `json:"stability"`
	Similarity float64 `json:"similarity"`
}

// MemoryStatus is the body of GET /v1/memory
type MemoryStatus struct {
	Size      int `json:"size"`
	Dimension int `json:"dimension"`
}

// MatchEvent is the payload of a memory.match event
type MatchEvent struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	SeenCount int    `json:"seen_count"`
}

// EvictionEvent is the payload of a memory.evicted event
type EvictionEvent struct {
	Removed   int `json:"removed"`
	Remaining int `json:"remaining"`
}

// ErrorResponse is the body of every non-2xx HTTP reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// RPC error codes
const (
	ParseError        = -32700
	InvalidRequest    = -32600
	MethodNotFound    = -32601
	InvalidParams     = -32602
	InternalError     = -32603
	RateLimitExceeded = -32005
)

// Event names
const (
	EventMemoryMatch   = "memory.match"
	EventMemoryEvicted = "memory.evicted"
	EventShutdown      = "server.shutdown"
)

// Client represents a connected WebSocket client
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string

	// gorilla connections allow one concurrent writer
	writeMu sync.Mutex
}

// WriteJSON writes v as a JSON text frame
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}
