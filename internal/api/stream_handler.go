package api

import (
	"net/http"
	"strings"

	"crosstalk/internal/event"
	"crosstalk/internal/logging"
	"crosstalk/internal/session"
	"crosstalk/internal/stream"
)

// StreamHandler serves GET /ws/stream/{sessionID}: one WebSocket per
// client carrying every stream event for that session, panes
// interleaved. Connecting ensures the session exists, so a fresh client
// can subscribe before its first broadcast.
type StreamHandler struct {
	Bus            *event.Bus[stream.Event]
	Store          *session.Store
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireWSToken(w, r, h.AuthToken, h.Logger) {
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/ws/stream/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeWSError(w, r, h.Logger, wsError{
			Status:  http.StatusNotFound,
			Message: "session id required",
		})
		return
	}

	sess := h.Store.EnsureSession(sessionID)
	output, unsubscribe := h.Bus.SubscribeFiltered(func(evt stream.Event) bool {
		return evt.SessionID == sess.ID
	})
	defer unsubscribe()

	serveWSStream(w, r, wsStreamConfig[stream.Event]{
		AllowedOrigins: h.AllowedOrigins,
		Output:         output,
		Logger:         h.Logger,
	})
}

// StreamSSEHandler serves GET /api/stream/{sessionID}, the SSE fallback
// for clients that cannot speak WebSocket. Same bus subscription, same
// payloads.
type StreamSSEHandler struct {
	Bus       *event.Bus[stream.Event]
	Store     *session.Store
	Logger    *logging.Logger
	AuthToken string
}

func (h *StreamSSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireSSEToken(w, r, h.AuthToken, h.Logger) {
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/api/stream/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeSSEHTTPError(w, r, h.Logger, sseError{
			Status:  http.StatusNotFound,
			Message: "session id required",
		})
		return
	}

	sess := h.Store.EnsureSession(sessionID)
	output, unsubscribe := h.Bus.SubscribeFiltered(func(evt stream.Event) bool {
		return evt.SessionID == sess.ID
	})
	defer unsubscribe()

	serveSSEStream(w, r, sseStreamConfig[stream.Event]{
		Logger:    h.Logger,
		Output:    output,
		EventName: "stream",
	})
}

// LogsSSEHandler streams live log entries at GET /api/logs/stream.
type LogsSSEHandler struct {
	Logger    *logging.Logger
	AuthToken string
}

func (h *LogsSSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireSSEToken(w, r, h.AuthToken, h.Logger) {
		return
	}

	output, unsubscribe := h.Logger.Subscribe()
	defer unsubscribe()

	serveSSEStream(w, r, sseStreamConfig[logging.Entry]{
		Logger:    h.Logger,
		Output:    output,
		EventName: "log",
	})
}
