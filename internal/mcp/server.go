// Package mcp serves the agent tools over Model Context Protocol JSON-RPC on
// stdio. Tool calls run concurrently because each one may wait on the human
// for minutes.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/ent0n29/humanloop/internal/orchestrator"
)

const protocolVersion = "2024-11-05"

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type cancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason"`
}

// Caller runs one tool. orchestrator.Service implements it.
type Caller interface {
	Call(ctx context.Context, name string, args json.RawMessage) (any, bool, error)
}

type Info struct {
	Name    string
	Version string
}

type Server struct {
	caller Caller
	info   Info

	writeMu sync.Mutex
	writer  framedWriter
	mode    framing

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func NewServer(caller Caller, info Info) *Server {
	if info.Name == "" {
		info.Name = "humanloop"
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	return &Server{
		caller:   caller,
		info:     info,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Serve reads requests from r until EOF or ctx ends, writing responses to w.
// In-flight tool calls are cancelled when the input closes.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	reader := framedReader{reader: bufio.NewReader(r)}
	s.writer = framedWriter{writer: bufio.NewWriter(w)}

	payloads := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(payloads)
		for {
			payload, mode, err := reader.ReadPayload()
			if err != nil {
				readErr <- err
				return
			}
			s.writeMu.Lock()
			if s.mode == framingUnknown {
				s.mode = mode
			}
			s.writeMu.Unlock()
			select {
			case payloads <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-payloads:
			if !ok {
				err := <-readErr
				if err == io.EOF {
					return nil
				}
				return fmt.Errorf("mcp read: %w", err)
			}
			s.handlePayload(ctx, payload)
		}
	}
}

func (s *Server) handlePayload(ctx context.Context, payload []byte) {
	var request jsonRPCRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		s.respond(jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &jsonRPCError{Code: -32700, Message: "invalid JSON-RPC request"},
		})
		return
	}
	if strings.TrimSpace(request.Method) == "" {
		s.respond(jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      idOrNull(request.ID),
			Error:   &jsonRPCError{Code: -32600, Message: "method is required"},
		})
		return
	}

	// Notifications have no id, so no response is written.
	if isNotification(request.ID) {
		s.handleNotification(request)
		return
	}

	response := jsonRPCResponse{JSONRPC: "2.0", ID: request.ID}
	switch request.Method {
	case "initialize":
		response.Result = map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo": map[string]any{
				"name":    s.info.Name,
				"version": s.info.Version,
			},
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
		}
	case "ping":
		response.Result = map[string]any{}
	case "tools/list":
		response.Result = map[string]any{"tools": orchestrator.Tools()}
	case "tools/call":
		s.startToolCall(ctx, request)
		return
	default:
		response.Error = &jsonRPCError{Code: -32601, Message: fmt.Sprintf("method not found: %s", request.Method)}
	}
	s.respond(response)
}

func (s *Server) handleNotification(request jsonRPCRequest) {
	switch request.Method {
	case "notifications/cancelled":
		var params cancelledParams
		if err := json.Unmarshal(request.Params, &params); err != nil {
			log.Printf("mcp: invalid cancellation: %v", err)
			return
		}
		if s.cancelCall(params.RequestID) {
			log.Printf("mcp: request %s cancelled by client: %s", string(params.RequestID), params.Reason)
		}
	case "notifications/initialized":
	default:
		log.Printf("mcp: ignoring notification %s", request.Method)
	}
}

// startToolCall runs the call in its own goroutine so other requests,
// including its cancellation, keep flowing.
func (s *Server) startToolCall(parent context.Context, request jsonRPCRequest) {
	var params toolCallParams
	if len(request.Params) == 0 {
		s.respond(jsonRPCResponse{JSONRPC: "2.0", ID: request.ID, Error: &jsonRPCError{Code: -32602, Message: "tools/call params are required"}})
		return
	}
	if err := json.Unmarshal(request.Params, &params); err != nil {
		s.respond(jsonRPCResponse{JSONRPC: "2.0", ID: request.ID, Error: &jsonRPCError{Code: -32602, Message: fmt.Sprintf("invalid tools/call params: %v", err)}})
		return
	}

	ctx, cancel := context.WithCancel(parent)
	key := idKey(request.ID)
	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
			cancel()
		}()

		out, isError, err := s.caller.Call(ctx, params.Name, params.Arguments)
		if err != nil {
			s.respond(jsonRPCResponse{JSONRPC: "2.0", ID: request.ID, Result: toolErrorResult(err.Error())})
			return
		}
		result, err := toolResult(out, isError)
		if err != nil {
			s.respond(jsonRPCResponse{JSONRPC: "2.0", ID: request.ID, Error: &jsonRPCError{Code: -32603, Message: err.Error()}})
			return
		}
		s.respond(jsonRPCResponse{JSONRPC: "2.0", ID: request.ID, Result: result})
	}()
}

func (s *Server) cancelCall(id json.RawMessage) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[idKey(id)]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Server) respond(response jsonRPCResponse) {
	payload := mustMarshalResponse(response)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writer.WritePayload(payload, s.mode); err != nil {
		log.Printf("mcp: write error: %v", err)
	}
}

func toolResult(out any, isError bool) (map[string]any, error) {
	text, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize tool result: %w", err)
	}
	result := map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": string(text)},
		},
		"structuredContent": out,
	}
	if isError {
		result["isError"] = true
	}
	return result, nil
}

func toolErrorResult(message string) map[string]any {
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": message},
		},
		"isError": true,
	}
}

func mustMarshalResponse(response jsonRPCResponse) []byte {
	payload, err := json.Marshal(response)
	if err != nil {
		fallback := jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &jsonRPCError{Code: -32603, Message: "failed to encode response"},
		}
		payload, _ = json.Marshal(fallback)
	}
	return payload
}

func isNotification(id json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(id))
	return trimmed == "" || trimmed == "null"
}

func idOrNull(id json.RawMessage) json.RawMessage {
	if isNotification(id) {
		return json.RawMessage("null")
	}
	return id
}

// idKey normalizes an id so 7 and "7" stay distinct but whitespace does not
// matter.
func idKey(id json.RawMessage) string {
	return strings.TrimSpace(string(id))
}
