package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/retina/internal/observability"
	"github.com/harun/retina/internal/tracing"
	"github.com/harun/retina/pkg/analytics"
	"github.com/harun/retina/pkg/memory"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 8 << 20

// MemoryService is the identity store the gateway serves
type MemoryService interface {
	MatchOrCreate(ctx context.Context, embedding []float32, now time.Time) (memory.Match, error)
	Len() int
	Dimension() int
}

// AnalyticsSource provides the detection summary
type AnalyticsSource interface {
	Summary(ctx context.Context) (analytics.Summary, error)
}

// Server is the HTTP and WebSocket gateway
type Server struct {
	host           string
	port           int
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	router         *RPCRouter
	authHandler    *AuthHandler
	broadcaster    *EventBroadcaster
	limiter        *RateLimiter
	memory         MemoryService
	analytics      AnalyticsSource
	clock          func() time.Time
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	sweepStop      chan struct{}
	sweepWG        sync.WaitGroup
}

const limiterSweepInterval = time.Minute

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Memory       MemoryService
	// Analytics is optional; /v1/analytics answers 404 without it.
	Analytics AnalyticsSource
	// RequestsPerSecond per remote host; 0 disables limiting.
	RequestsPerSecond float64
	Burst             int
	Clock             func() time.Time
	Logger            zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		clients:     clients,
		router:      NewRPCRouter(),
		authHandler: NewAuthHandler(cfg.SharedSecret),
		broadcaster: NewEventBroadcaster(clients, logger),
		limiter:     NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		memory:      cfg.Memory,
		analytics:   cfg.Analytics,
		clock:       cfg.Clock,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	if err := s.registerBuiltinMethods(); err != nil {
		return nil, fmt.Errorf("failed to register rpc methods: %w", err)
	}

	return s, nil
}

// Handler returns the gateway's HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/observe", s.instrument("observe", s.guard(http.HandlerFunc(s.handleObserve))))
	mux.Handle("/v1/memory", s.instrument("memory", s.guard(http.HandlerFunc(s.handleMemory))))
	mux.Handle("/v1/analytics", s.instrument("analytics", s.guard(http.HandlerFunc(s.handleAnalytics))))
	mux.Handle("/rpc", s.instrument("rpc", s.guard(http.HandlerFunc(s.handleRPC))))
	// the websocket handler needs the raw ResponseWriter to hijack
	mux.Handle("/ws", s.guard(http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.sweepStop = make(chan struct{})
	s.sweepWG.Add(1)
	go s.sweepLimiters(s.sweepStop)

	return nil
}

// sweepLimiters forgets the buckets of hosts that went quiet
func (s *Server) sweepLimiters(stop <-chan struct{}) {
	defer s.sweepWG.Done()

	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := s.limiter.Cleanup(); n > 0 {
				s.logger.Debug().Int("removed", n).Msg("Swept idle rate limiters")
			}
		}
	}
}

// Addr returns the listening address once Start has succeeded
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the gateway, waiting for in-flight RPC calls until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	if s.sweepStop != nil {
		close(s.sweepStop)
		s.sweepWG.Wait()
		s.sweepStop = nil
	}

	s.broadcaster.Broadcast(EventShutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.Clients() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// PublishMatch broadcasts a memory.match event
func (s *Server) PublishMatch(m memory.Match) {
	s.broadcaster.Broadcast(EventMemoryMatch, MatchEvent{
		ID:        m.Record.ID,
		Status:    string(m.Status),
		SeenCount: m.Record.SeenCount,
	})
}

// PublishEviction broadcasts a memory.evicted event
func (s *Server) PublishEviction(ev memory.Eviction) {
	s.broadcaster.Broadcast(EventMemoryEvicted, EvictionEvent{
		Removed:   ev.Removed,
		Remaining: ev.Remaining,
	})
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Snapshot(s.clock())
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// guard applies the shared secret and rate limit
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown() {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}

		if !s.authHandler.Authorize(r) {
			observability.RecordSecurityAudit(r.Context(), "gateway.auth", clientKey(r), "denied", map[string]interface{}{
				"path": r.URL.Path,
			})
			s.logger.Warn().Str("ip", r.RemoteAddr).Str("path", r.URL.Path).Msg("Rejected unauthorized request")
			if r.URL.Path == "/ws" {
				observability.RecordGatewayRequest("ws", http.StatusUnauthorized)
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if !s.limiter.AllowRequest(r) {
			if r.URL.Path == "/ws" {
				observability.RecordGatewayRequest("ws", http.StatusTooManyRequests)
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		observability.RecordGatewayRequest(route, rec.status)
	})
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := s.requestContext(r)
	w.Header().Set("X-Request-Id", tracing.GetRequestID(ctx))

	var req ObserveRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	resp, err := s.observe(ctx, req)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) observe(ctx context.Context, req ObserveRequest) (ObserveResponse, error) {
	now := s.clock()
	if req.Timestamp != nil {
		now = time.UnixMicro(int64(math.Round(*req.Timestamp * 1e6)))
	}

	m, err := s.memory.MatchOrCreate(ctx, req.Embedding, now)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().Err(err).Msg("Observation rejected")
		return ObserveResponse{}, err
	}

	return ObserveResponse{
		ID:         m.Record.ID,
		Status:     string(m.Status),
		SeenCount:  m.Record.SeenCount,
		Stability:  m.Record.Stability,
		Similarity: m.Similarity,
	}, nil
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.memoryStatus())
}

func (s *Server) memoryStatus() MemoryStatus {
	return MemoryStatus{Size: s.memory.Len(), Dimension: s.memory.Dimension()}
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.analytics == nil {
		writeError(w, http.StatusNotFound, "analytics disabled")
		return
	}

	summary, err := s.analytics.Summary(s.requestContext(r))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to summarize detections")
		writeError(w, http.StatusInternalServerError, "failed to summarize detections")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: "2.0", Error: asRPCError(err)})
		return
	}

	ctx := s.requestContext(r)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("rpc_id", req.ID).Str("method", req.Method).Msg("Gateway received HTTP RPC request")

	writeJSON(w, http.StatusOK, s.router.RouteRequest(ctx, req))
}

// handleWebSocket upgrades the connection to an event stream that also accepts RPC calls
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		observability.RecordGatewayRequest("ws", http.StatusBadRequest)
		return
	}
	observability.RecordGatewayRequest("ws", http.StatusSwitchingProtocols)

	now := s.clock()
	client := &Client{
		ID:           gonanoid.Must(),
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
	}
	observability.SetGatewayClients(s.clients.Add(client))

	s.logger.Info().
		Str("clientId", client.ID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.handleClient(client, clientKey(r))
}

// handleClient handles messages from a client
func (s *Server) handleClient(client *Client, host string) {
	defer func() {
		client.Conn.Close()
		observability.SetGatewayClients(s.clients.Remove(client.ID))
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID, s.clock())
		s.handleMessage(client, host, message)
	}
}

// handleMessage routes one RPC request received over the socket
func (s *Server) handleMessage(client *Client, host string, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		s.sendResponse(client, RPCResponse{JSONRPC: "2.0", Error: asRPCError(err)})
		return
	}

	if !s.limiter.Allow(host) {
		s.sendResponse(client, RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: RateLimitExceeded, Message: "rate limit exceeded"},
		})
		return
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()

		ctx := tracing.NewRequestContext(context.Background(), "gateway.ws")
		ctx = withClientID(ctx, client.ID)
		s.sendResponse(client, *s.router.RouteRequest(ctx, req))
	}()
}

func (s *Server) sendResponse(client *Client, resp RPCResponse) {
	if err := client.WriteJSON(resp); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Str("rpcId", resp.ID).
			Msg("Failed to send response")
	}
}

func (s *Server) requestContext(r *http.Request) context.Context {
	ctx := tracing.NewRequestContext(r.Context(), "gateway")
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	}
	return ctx
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, memory.ErrDegenerateInput), errors.Is(err, memory.ErrDimensionMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
