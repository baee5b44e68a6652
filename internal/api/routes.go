package api

import (
	"net/http"
	"time"

	"crosstalk/internal/adapter"
	"crosstalk/internal/broadcast"
	"crosstalk/internal/event"
	"crosstalk/internal/logging"
	"crosstalk/internal/metrics"
	"crosstalk/internal/session"
	"crosstalk/internal/stream"
	"crosstalk/internal/transfer"
)

type RouterOptions struct {
	Store          *session.Store
	Dispatcher     *broadcast.Dispatcher
	Engine         *transfer.Engine
	Registry       *adapter.Registry
	Bus            *event.Bus[stream.Event]
	Metrics        *metrics.Registry
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
}

func RegisterRoutes(mux *http.ServeMux, opts RouterOptions) {
	rest := &RestHandler{
		Store:      opts.Store,
		Dispatcher: opts.Dispatcher,
		Engine:     opts.Engine,
		Registry:   opts.Registry,
		Metrics:    opts.Metrics,
		Logger:     opts.Logger,
		StartedAt:  time.Now().UTC(),
	}

	mux.Handle("/ws/stream/", securityHeadersMiddleware(cacheControlNoStore, &StreamHandler{
		Bus:            opts.Bus,
		Store:          opts.Store,
		Logger:         opts.Logger,
		AuthToken:      opts.AuthToken,
		AllowedOrigins: opts.AllowedOrigins,
	}))
	mux.Handle("/api/stream/", securityHeadersMiddleware(cacheControlNoStore, &StreamSSEHandler{
		Bus:       opts.Bus,
		Store:     opts.Store,
		Logger:    opts.Logger,
		AuthToken: opts.AuthToken,
	}))
	mux.Handle("/api/logs/stream", securityHeadersMiddleware(cacheControlNoStore, &LogsSSEHandler{
		Logger:    opts.Logger,
		AuthToken: opts.AuthToken,
	}))

	wrap := func(handler apiHandler) http.Handler {
		return restHandler(opts.AuthToken, opts.Logger, handler)
	}
	mux.Handle("/api/broadcast", wrap(rest.handleBroadcast))
	mux.Handle("/api/chat/", wrap(rest.handleChat))
	mux.Handle("/api/transfer", wrap(rest.handleTransfer))
	mux.Handle("/api/sessions", wrap(rest.handleSessions))
	mux.Handle("/api/sessions/", wrap(rest.handleSession))
	mux.Handle("/api/models", wrap(rest.handleModels))
	mux.Handle("/api/status", wrap(rest.handleStatus))
	mux.Handle("/api/logs", wrap(rest.handleLogs))
	mux.Handle("/api/metrics", wrap(rest.handleMetrics))
	mux.Handle("/api/metrics/summary", wrap(rest.handleMetricsSummary))
	mux.Handle("/api/", securityHeadersMiddleware(cacheControlNoStore, http.NotFoundHandler()))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, cacheControlNoStore)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("crosstalk ok\n"))
	})
}
