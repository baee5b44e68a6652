package session

import (
	"time"

	"crosstalk/internal/adapter"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// State is a session's lifecycle phase. Archived sessions stay queryable
// but reject new work.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateArchived  State = "archived"
)

// Provenance records that a message's content arrived via a transfer.
// ContentHash fingerprints the source content at transfer time so later
// drift in the source is detectable.
type Provenance struct {
	SourceModel   string    `json:"source_model"`
	SourcePaneID  string    `json:"source_pane_id"`
	TransferredAt time.Time `json:"transferred_at"`
	ContentHash   string    `json:"content_hash"`
}

// Message is immutable once stored; transfers create new records with
// fresh IDs rather than mutating originals.
type Message struct {
	ID         string      `json:"id"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	CreatedAt  time.Time   `json:"created_at"`
	Provenance *Provenance `json:"provenance,omitempty"`

	TokensUsed int     `json:"tokens_used,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	LatencyMS  int64   `json:"latency_ms,omitempty"`
}

// PaneMetrics is the running usage total for one pane, fed from
// adapter-reported meter events.
type PaneMetrics struct {
	TokenCount   int64   `json:"token_count"`
	Cost         float64 `json:"cost"`
	LatencyMS    int64   `json:"latency_ms"`
	RequestCount int64   `json:"request_count"`
}

// Pane is one bound model's conversation thread within a session.
type Pane struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Model     adapter.ModelInfo `json:"model"`
	Messages  []Message         `json:"messages"`
	Busy      bool              `json:"busy"`
	Metrics   PaneMetrics       `json:"metrics"`
	CreatedAt time.Time         `json:"created_at"`
}

// Session is a snapshot of one workspace session.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	State     State     `json:"state"`
	TotalCost float64   `json:"total_cost"`
	Panes     []Pane    `json:"panes"`
}
