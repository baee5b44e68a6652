// Package metrics aggregates adapter-reported usage into per-pane and
// per-session counters and exposes them in Prometheus text format.
// Cost and token figures are recorded as reported, never recomputed.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// BusyCounter reports how many panes in a session are currently
// processing a request. The session store implements it; the aggregator
// never duplicates busy state.
type BusyCounter interface {
	ActiveRequests(sessionID string) int
}

type Registry struct {
	requestsStarted   atomic.Int64
	requestsCompleted atomic.Int64
	requestsFailed    atomic.Int64
	transfers         atomic.Int64
	eventsPublished   atomic.Int64
	eventsDropped     atomic.Int64
	panes             sync.Map
	sessions          sync.Map
}

type usageStats struct {
	requests   atomic.Int64
	tokens     atomic.Int64
	latencyMS  atomic.Int64
	costMicros atomic.Int64
}

// SessionMetrics is the JSON summary served by the API.
type SessionMetrics struct {
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost"`
	AverageLatencyMS int64   `json:"average_latency_ms"`
	RequestCount     int64   `json:"request_count"`
	ActiveRequests   int     `json:"active_requests"`
}

// PaneMetrics mirrors SessionMetrics for a single pane.
type PaneMetrics struct {
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost"`
	AverageLatencyMS int64   `json:"average_latency_ms"`
	RequestCount     int64   `json:"request_count"`
}

var Default = &Registry{}

func (r *Registry) IncRequestStarted() {
	if r == nil {
		return
	}
	r.requestsStarted.Add(1)
}

func (r *Registry) IncRequestCompleted() {
	if r == nil {
		return
	}
	r.requestsCompleted.Add(1)
}

func (r *Registry) IncRequestFailed() {
	if r == nil {
		return
	}
	r.requestsFailed.Add(1)
}

func (r *Registry) IncTransfer() {
	if r == nil {
		return
	}
	r.transfers.Add(1)
}

func (r *Registry) IncEventPublished() {
	if r == nil {
		return
	}
	r.eventsPublished.Add(1)
}

func (r *Registry) IncEventDropped() {
	if r == nil {
		return
	}
	r.eventsDropped.Add(1)
}

// RecordMeter folds one adapter-reported usage report into the pane's and
// the owning session's running counters.
func (r *Registry) RecordMeter(sessionID, paneID string, tokensUsed int, cost float64, latencyMS int64) {
	if r == nil {
		return
	}
	record := func(stats *usageStats) {
		stats.requests.Add(1)
		stats.tokens.Add(int64(tokensUsed))
		stats.latencyMS.Add(latencyMS)
		stats.costMicros.Add(int64(cost * 1e6))
	}
	record(r.paneStats(paneID))
	record(r.sessionStats(sessionID))
}

// SessionSnapshot summarizes a session. ActiveRequests is read from the
// store's busy flags when a counter is supplied.
func (r *Registry) SessionSnapshot(sessionID string, busy BusyCounter) SessionMetrics {
	snapshot := SessionMetrics{}
	if r == nil {
		return snapshot
	}
	stats := r.sessionStats(sessionID)
	requests := stats.requests.Load()
	snapshot.TotalTokens = stats.tokens.Load()
	snapshot.TotalCost = float64(stats.costMicros.Load()) / 1e6
	snapshot.RequestCount = requests
	if requests > 0 {
		snapshot.AverageLatencyMS = stats.latencyMS.Load() / requests
	}
	if busy != nil {
		snapshot.ActiveRequests = busy.ActiveRequests(sessionID)
	}
	return snapshot
}

func (r *Registry) PaneSnapshot(paneID string) PaneMetrics {
	snapshot := PaneMetrics{}
	if r == nil {
		return snapshot
	}
	stats := r.paneStats(paneID)
	requests := stats.requests.Load()
	snapshot.TotalTokens = stats.tokens.Load()
	snapshot.TotalCost = float64(stats.costMicros.Load()) / 1e6
	snapshot.RequestCount = requests
	if requests > 0 {
		snapshot.AverageLatencyMS = stats.latencyMS.Load() / requests
	}
	return snapshot
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "crosstalk_requests_started_total", "Total adapter requests started", r.requestsStarted.Load())
	writeCounter(writer, "crosstalk_requests_completed_total", "Total adapter requests completed", r.requestsCompleted.Load())
	writeCounter(writer, "crosstalk_requests_failed_total", "Total adapter requests failed", r.requestsFailed.Load())
	writeCounter(writer, "crosstalk_transfers_total", "Total completed transfers", r.transfers.Load())
	writeCounter(writer, "crosstalk_stream_events_published_total", "Total stream events published", r.eventsPublished.Load())
	writeCounter(writer, "crosstalk_stream_events_dropped_total", "Total stream events dropped", r.eventsDropped.Load())

	paneIDs := r.paneIDs()
	sort.Strings(paneIDs)

	writeHelp(writer, "crosstalk_pane_tokens_total", "Adapter-reported tokens per pane")
	fmt.Fprintln(writer, "# TYPE crosstalk_pane_tokens_total counter")
	writeHelp(writer, "crosstalk_pane_cost_total", "Adapter-reported cost per pane")
	fmt.Fprintln(writer, "# TYPE crosstalk_pane_cost_total counter")
	writeHelp(writer, "crosstalk_pane_requests_total", "Completed requests per pane")
	fmt.Fprintln(writer, "# TYPE crosstalk_pane_requests_total counter")

	for _, paneID := range paneIDs {
		stats := r.paneStats(paneID)
		label := formatLabel(paneID)
		fmt.Fprintf(writer, "crosstalk_pane_tokens_total{pane=%s} %d\n", label, stats.tokens.Load())
		fmt.Fprintf(writer, "crosstalk_pane_cost_total{pane=%s} %.6f\n", label, float64(stats.costMicros.Load())/1e6)
		fmt.Fprintf(writer, "crosstalk_pane_requests_total{pane=%s} %d\n", label, stats.requests.Load())
	}

	return nil
}

func (r *Registry) paneStats(paneID string) *usageStats {
	value, _ := r.panes.LoadOrStore(paneID, &usageStats{})
	return value.(*usageStats)
}

func (r *Registry) sessionStats(sessionID string) *usageStats {
	value, _ := r.sessions.LoadOrStore(sessionID, &usageStats{})
	return value.(*usageStats)
}

func (r *Registry) paneIDs() []string {
	if r == nil {
		return nil
	}
	var ids []string
	r.panes.Range(func(key, value interface{}) bool {
		if id, ok := key.(string); ok {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
