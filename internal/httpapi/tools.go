package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ent0n29/humanloop/internal/orchestrator"
)

const maxToolBody = 4 << 20

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"tools": orchestrator.Tools()})
}

// handleCallTool runs one tool call and holds the request open until the
// human resolves it. The request context is the agent's cancellation signal.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := urlID(r, "name")
	if !orchestrator.IsTool(name) {
		respondError(w, http.StatusNotFound, "unknown_tool", "unknown tool: "+name)
		return
	}
	var raw json.RawMessage
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxToolBody))
		_ = r.Body.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		raw = body
	}

	out, isError, err := s.svc.Call(r.Context(), name, raw)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownTool) {
			respondError(w, http.StatusNotFound, "unknown_tool", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if isError {
		status := http.StatusInternalServerError
		if res, ok := out.(orchestrator.ErrorResult); ok {
			status = statusForKind(res.Kind)
		}
		respondJSON(w, status, out)
		return
	}
	respondJSON(w, http.StatusOK, out)
}
