package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/harun/retina/pkg/memory"
)

// registerBuiltinMethods registers the RPC methods mirroring the REST routes
func (s *Server) registerBuiltinMethods() error {
	methods := map[string]RequestHandler{
		"memory.observe": s.rpcObserve,
		"memory.status": func(context.Context, json.RawMessage) (interface{}, error) {
			return s.memoryStatus(), nil
		},
		"analytics.summary": func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			if s.analytics == nil {
				return nil, &RPCError{Code: MethodNotFound, Message: "analytics disabled"}
			}
			return s.analytics.Summary(ctx)
		},
		"gateway.clients": func(context.Context, json.RawMessage) (interface{}, error) {
			return s.GetConnectedClients(), nil
		},
		"gateway.methods": func(context.Context, json.RawMessage) (interface{}, error) {
			return s.router.GetMethods(), nil
		},
	}

	for name, handler := range methods {
		if err := s.router.RegisterMethod(name, handler); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) rpcObserve(ctx context.Context, params json.RawMessage) (interface{}, error) {
	req, err := decodeParams[ObserveRequest](params)
	if err != nil {
		return nil, err
	}

	if clientID := clientIDFromContext(ctx); clientID != "" {
		s.logger.Debug().Str("clientId", clientID).Int("dim", len(req.Embedding)).Msg("Observe over websocket")
	}

	resp, err := s.observe(ctx, req)
	if errors.Is(err, memory.ErrDegenerateInput) || errors.Is(err, memory.ErrDimensionMismatch) {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
