// ABOUTME: HTTP handlers for the generation API
// ABOUTME: Generate, SSE stream, input/approval gates, status, disposal

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/forgelab/forge-gateway/internal/pipeline"
	"github.com/forgelab/forge-gateway/internal/session"
)

// GenerateResponse acknowledges a started generation task.
type GenerateResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

// StatusResponse is the point-in-time session view.
type StatusResponse struct {
	SessionID    string          `json:"session_id"`
	Status       string          `json:"status"`
	CreatedAt    string          `json:"created_at"`
	LastActivity string          `json:"last_activity"`
	Prompt       string          `json:"prompt,omitempty"`
	Result       *session.Result `json:"result,omitempty"`
}

// inputRequest is the body of POST /api/input.
type inputRequest struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// approveRequest is the body of POST /api/approve.
type approveRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Feedback  string `json:"feedback,omitempty"`
}

func (g *Gateway) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// Requests that leave the iteration budget unset inherit the configured
	// default rather than the package constant.
	if req.MaxIterations == 0 {
		req.MaxIterations = g.maxIterations
	}
	if err := req.Validate(); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess := g.registry.Create()

	// The pipeline task outlives this request; disposal cancels it.
	ctx, cancel := context.WithCancel(context.Background())
	sess.BindCancel(cancel)
	go g.runner.Run(ctx, sess, req)

	g.logger.Info("generation started", "session_id", sess.ID, "language", req.Language)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GenerateResponse{
		SessionID: sess.ID,
		Status:    "started",
		StreamURL: fmt.Sprintf("/api/stream/%s", sess.ID),
	})
}

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := g.registry.Get(r.PathValue("id"))
	if err != nil {
		g.sendJSONError(w, http.StatusNotFound, "Session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("response writer does not support flushing")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.dispatch(r.Context(), sess, &sseWriter{w: w, flusher: flusher})
}

func (g *Gateway) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Content) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id and content are required")
		return
	}

	g.deliverInput(w, req.SessionID, strings.TrimSpace(req.Content))
}

func (g *Gateway) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	var payload string
	switch req.Action {
	case "approve":
		payload = "APPROVE"
	case "reject":
		payload = "REJECT: " + req.Feedback
	default:
		g.sendJSONError(w, http.StatusBadRequest, "action must be approve or reject")
		return
	}

	g.deliverInput(w, req.SessionID, payload)
}

// deliverInput routes a payload to a session's input gate and maps gate
// errors onto HTTP statuses.
func (g *Gateway) deliverInput(w http.ResponseWriter, id, payload string) {
	sess, err := g.registry.Get(id)
	if err != nil {
		g.sendJSONError(w, http.StatusNotFound, "Session not found")
		return
	}

	if err := sess.SubmitInput(payload); err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidState):
			g.sendJSONError(w, http.StatusConflict, "session is not awaiting input")
		default:
			g.logger.Error("submitting input", "session_id", id, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := g.registry.Get(r.PathValue("id"))
	if err != nil {
		g.sendJSONError(w, http.StatusNotFound, "Session not found")
		return
	}

	snap := sess.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusResponse{
		SessionID:    snap.ID,
		Status:       string(snap.State),
		CreatedAt:    snap.CreatedAt.UTC().Format(time.RFC3339),
		LastActivity: snap.LastActivity.UTC().Format(time.RFC3339),
		Prompt:       snap.Prompt,
		Result:       snap.Result,
	})
}

func (g *Gateway) handleDispose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.registry.Get(id); err != nil {
		g.sendJSONError(w, http.StatusNotFound, "Session not found")
		return
	}

	g.registry.Dispose(id)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": g.registry.Len(),
	})
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
