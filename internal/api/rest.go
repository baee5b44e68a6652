package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crosstalk/internal/adapter"
	"crosstalk/internal/broadcast"
	"crosstalk/internal/logging"
	"crosstalk/internal/metrics"
	"crosstalk/internal/session"
	"crosstalk/internal/transfer"
	"crosstalk/internal/version"
)

type RestHandler struct {
	Store      *session.Store
	Dispatcher *broadcast.Dispatcher
	Engine     *transfer.Engine
	Registry   *adapter.Registry
	Metrics    *metrics.Registry
	Logger     *logging.Logger
	StartedAt  time.Time
}

type broadcastRequest struct {
	SessionID string                     `json:"session_id"`
	Prompt    string                     `json:"prompt"`
	Models    []broadcast.ModelSelection `json:"models"`
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type createSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

type statusResponse struct {
	Version       string    `json:"version"`
	SessionCount  int       `json:"session_count"`
	ProviderCount int       `json:"provider_count"`
	ModelCount    int       `json:"model_count"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	ServerTime    time.Time `json:"server_time"`
}

type modelsResponse struct {
	Models []adapter.ModelInfo `json:"models"`
}

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}

	uptime := int64(0)
	if !h.StartedAt.IsZero() {
		uptime = int64(time.Since(h.StartedAt).Seconds())
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Version:       version.Version,
		SessionCount:  len(h.Store.ListSessions()),
		ProviderCount: len(h.Registry.Providers()),
		ModelCount:    len(h.Registry.Models()),
		UptimeSeconds: uptime,
		ServerTime:    time.Now().UTC(),
	})
	return nil
}

func (h *RestHandler) handleModels(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	writeJSON(w, http.StatusOK, modelsResponse{Models: h.Registry.Models()})
	return nil
}

func (h *RestHandler) handleBroadcast(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}

	var req broadcastRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		return apiErr
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "prompt is required"}
	}

	result, err := h.Dispatcher.Broadcast(r.Context(), req.SessionID, req.Prompt, req.Models)
	if err != nil {
		return mapError(err)
	}
	writeJSON(w, http.StatusOK, result)
	return nil
}

// handleChat serves POST /api/chat/{paneID}.
func (h *RestHandler) handleChat(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}

	paneID := strings.TrimPrefix(r.URL.Path, "/api/chat/")
	if paneID == "" || strings.Contains(paneID, "/") {
		return &apiError{Status: http.StatusNotFound, Message: "pane not found"}
	}

	var req chatRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		return apiErr
	}
	if strings.TrimSpace(req.Message) == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "message is required"}
	}

	result, err := h.Dispatcher.SendChat(r.Context(), req.SessionID, paneID, req.Message)
	if err != nil {
		return mapError(err)
	}
	writeJSON(w, http.StatusOK, result)
	return nil
}

func (h *RestHandler) handleTransfer(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}

	var req transfer.Request
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		return apiErr
	}

	result, err := h.Engine.Transfer(r.Context(), req)
	if err != nil {
		return mapError(err)
	}
	writeJSON(w, http.StatusOK, result)
	return nil
}

func (h *RestHandler) handleSessions(w http.ResponseWriter, r *http.Request) *apiError {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.ListSessions())
		return nil
	case http.MethodPost:
		var req createSessionRequest
		if r.ContentLength != 0 {
			if apiErr := decodeJSON(r, &req); apiErr != nil {
				return apiErr
			}
		}
		writeJSON(w, http.StatusCreated, h.Store.EnsureSession(req.SessionID))
		return nil
	default:
		return methodNotAllowed(w, "GET, POST")
	}
}

// handleSession serves /api/sessions/{id} and
// /api/sessions/{id}/panes/{paneID}.
func (h *RestHandler) handleSession(w http.ResponseWriter, r *http.Request) *apiError {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	sessionID, subpath, _ := strings.Cut(rest, "/")
	if sessionID == "" {
		return &apiError{Status: http.StatusNotFound, Message: "session not found"}
	}

	if subpath != "" {
		paneID, ok := strings.CutPrefix(subpath, "panes/")
		if !ok || paneID == "" || strings.Contains(paneID, "/") {
			return &apiError{Status: http.StatusNotFound, Message: "not found"}
		}
		return h.handlePaneDelete(w, r, sessionID, paneID)
	}

	switch r.Method {
	case http.MethodGet:
		snapshot, err := h.Store.GetSession(sessionID)
		if err != nil {
			return mapError(err)
		}
		writeJSON(w, http.StatusOK, snapshot)
		return nil
	case http.MethodDelete:
		if err := h.Store.ArchiveSession(sessionID); err != nil {
			return mapError(err)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
		return nil
	default:
		return methodNotAllowed(w, "GET, DELETE")
	}
}

func (h *RestHandler) handlePaneDelete(w http.ResponseWriter, r *http.Request, sessionID, paneID string) *apiError {
	if r.Method != http.MethodDelete {
		return methodNotAllowed(w, "DELETE")
	}
	if err := h.Store.RemovePane(sessionID, paneID); err != nil {
		return mapError(err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	return nil
}

func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		limit = parsed
	}

	entries := h.Logger.History(limit)
	if level, ok := logging.ParseLevel(r.URL.Query().Get("level")); ok {
		filtered := make([]logging.Entry, 0, len(entries))
		for _, entry := range entries {
			if logging.LevelAtLeast(entry.Level, level) {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	writeJSON(w, http.StatusOK, entries)
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := h.Metrics.WritePrometheus(w); err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "metrics exposition failed"}
	}
	return nil
}

// handleMetricsSummary serves the per-session JSON rollup. ActiveRequests
// comes straight from the store's busy flags.
func (h *RestHandler) handleMetricsSummary(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "session_id is required"}
	}
	if _, err := h.Store.GetSession(sessionID); err != nil {
		return mapError(err)
	}

	writeJSON(w, http.StatusOK, h.Metrics.SessionSnapshot(sessionID, h.Store))
	return nil
}

func mapError(err error) *apiError {
	switch {
	case errors.Is(err, session.ErrPaneBusy):
		return &apiError{Status: http.StatusConflict, Message: err.Error(), Code: "pane_busy"}
	case errors.Is(err, session.ErrSessionArchived):
		return &apiError{Status: http.StatusConflict, Message: err.Error(), Code: "session_archived"}
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrPaneNotFound):
		return &apiError{Status: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, transfer.ErrSourceNotFound):
		return &apiError{Status: http.StatusNotFound, Message: err.Error(), Code: "source_not_found"}
	case errors.Is(err, transfer.ErrTargetNotFound):
		return &apiError{Status: http.StatusNotFound, Message: err.Error(), Code: "target_not_found"}
	case errors.Is(err, transfer.ErrEmptySelection):
		return &apiError{Status: http.StatusBadRequest, Message: err.Error(), Code: "empty_selection"}
	case errors.Is(err, transfer.ErrUnknownMode):
		return &apiError{Status: http.StatusBadRequest, Message: err.Error(), Code: "unknown_mode"}
	case errors.Is(err, broadcast.ErrNoTargets):
		return &apiError{Status: http.StatusBadRequest, Message: err.Error(), Code: "no_targets"}
	}

	if adapterErr, ok := adapter.AsError(err); ok {
		status := http.StatusBadGateway
		switch adapterErr.Code {
		case "model_unknown":
			status = http.StatusNotFound
		case "provider_unavailable":
			status = http.StatusServiceUnavailable
		}
		return &apiError{Status: status, Message: adapterErr.Message, Code: adapterErr.Code}
	}

	return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
}
