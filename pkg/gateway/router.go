package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/retina/internal/observability"
	"github.com/harun/retina/internal/tracing"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultIdempotencyTTL = 5 * time.Minute

// RequestHandler handles one RPC method call. params is the raw JSON of the
// request's params member and may be empty.
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// RPCRouter dispatches JSON-RPC requests to registered handlers. Successful
// responses carrying an idempotency key are replayed for repeated keys.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	replies *cache.Cache
}

// NewRPCRouter creates a router remembering idempotent replies for five minutes
func NewRPCRouter() *RPCRouter {
	return NewRPCRouterWithTTL(defaultIdempotencyTTL)
}

// NewRPCRouterWithTTL creates a router remembering idempotent replies for ttl
func NewRPCRouterWithTTL(ttl time.Duration) *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replies: cache.New(ttl, ttl*2),
	}
}

// RegisterMethod binds handler to name. A name can be bound once.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if name == "" {
		return fmt.Errorf("method name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("method %s already registered", name)
	}
	r.methods[name] = handler
	return nil
}

// HasMethod reports whether name is bound
func (r *RPCRouter) HasMethod(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// GetMethods returns the bound method names in lexical order
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *RPCRouter) lookup(name string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.methods[name]
	return h, ok
}

// ParseRequest decodes a JSON-RPC request frame
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}

	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest runs req through its handler and wraps the outcome in a
// response. Handler errors that are not *RPCError become InternalError.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: InvalidRequest, Message: "invalid request"},
		}
	}

	key := replyKey(req)
	if key != "" {
		if cached, ok := r.replies.Get(key); ok {
			observability.RecordRPCCall(req.Method, "replayed")
			return &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: cached}
		}
	}

	handler, ok := r.lookup(req.Method)
	if !ok {
		observability.RecordRPCCall("unknown", "not_found")
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	ctx, span := tracing.StartSpan(ctx, "gateway", "rpc."+req.Method,
		attribute.String("rpc.method", req.Method),
		attribute.String("rpc.id", req.ID),
	)
	defer span.End()

	result, err := handler(ctx, req.Params)
	if err != nil {
		rpcErr := asRPCError(err)
		span.SetStatus(codes.Error, rpcErr.Message)
		span.SetAttributes(attribute.Int("rpc.error_code", rpcErr.Code))
		observability.RecordRPCCall(req.Method, "error")
		return errorResponse(req.ID, rpcErr)
	}

	// failures are never remembered so a retry can succeed
	if key != "" {
		r.replies.SetDefault(key, result)
	}
	observability.RecordRPCCall(req.Method, "success")
	return &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
}

func replyKey(req *RPCRequest) string {
	if req.IdempotencyKey == "" {
		return ""
	}
	return req.Method + ":" + req.IdempotencyKey
}

func errorResponse(id string, rpcErr *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: "2.0", Error: rpcErr}
}

// asRPCError keeps typed RPC errors and wraps anything else as InternalError
func asRPCError(err error) *RPCError {
	var typed *RPCError
	if errors.As(err, &typed) {
		return typed
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

// decodeParams unmarshals raw params into T. Absent params decode to the
// zero value.
func decodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &RPCError{Code: InvalidParams, Message: "invalid params", Data: err.Error()}
	}
	return v, nil
}
