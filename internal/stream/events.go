// Package stream defines the events emitted while provider responses are
// in flight. Every event names the pane that owns it; each variant's
// payload is statically typed and exactly one payload field is set.
package stream

import "time"

type EventType string

const (
	EventToken  EventType = "token"
	EventFinal  EventType = "final"
	EventMeter  EventType = "meter"
	EventError  EventType = "error"
	EventStatus EventType = "status"
)

// Event is the tagged union delivered to stream subscribers.
type Event struct {
	EventType  EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	PaneID     string    `json:"pane_id"`
	OccurredAt time.Time `json:"timestamp"`

	Token  *TokenData  `json:"token,omitempty"`
	Final  *FinalData  `json:"final,omitempty"`
	Meter  *MeterData  `json:"meter,omitempty"`
	Error  *ErrorData  `json:"error,omitempty"`
	Status *StatusData `json:"status,omitempty"`
}

// TokenData carries one incremental output fragment. Position starts at
// zero and increases by one per fragment within a single request.
type TokenData struct {
	Fragment string `json:"fragment"`
	Position int    `json:"position"`
}

// FinalData terminates a request's event sequence.
type FinalData struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	MessageID    string `json:"message_id"`
}

// MeterData carries adapter-reported usage. Figures are never recomputed.
type MeterData struct {
	TokensUsed int     `json:"tokens_used"`
	Cost       float64 `json:"cost"`
	LatencyMS  int64   `json:"latency_ms"`
}

type ErrorData struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable"`
}

type StatusData struct {
	Status string `json:"status"`
}

func (e Event) Type() string {
	return string(e.EventType)
}

func (e Event) Timestamp() time.Time {
	return e.OccurredAt
}

func NewToken(sessionID, paneID, fragment string, position int) Event {
	return Event{
		EventType:  EventToken,
		SessionID:  sessionID,
		PaneID:     paneID,
		OccurredAt: time.Now().UTC(),
		Token:      &TokenData{Fragment: fragment, Position: position},
	}
}

func NewFinal(sessionID, paneID, content, finishReason, messageID string) Event {
	return Event{
		EventType:  EventFinal,
		SessionID:  sessionID,
		PaneID:     paneID,
		OccurredAt: time.Now().UTC(),
		Final:      &FinalData{Content: content, FinishReason: finishReason, MessageID: messageID},
	}
}

func NewMeter(sessionID, paneID string, tokensUsed int, cost float64, latencyMS int64) Event {
	return Event{
		EventType:  EventMeter,
		SessionID:  sessionID,
		PaneID:     paneID,
		OccurredAt: time.Now().UTC(),
		Meter:      &MeterData{TokensUsed: tokensUsed, Cost: cost, LatencyMS: latencyMS},
	}
}

func NewError(sessionID, paneID, message, code string, retryable bool) Event {
	return Event{
		EventType:  EventError,
		SessionID:  sessionID,
		PaneID:     paneID,
		OccurredAt: time.Now().UTC(),
		Error:      &ErrorData{Message: message, Code: code, Retryable: retryable},
	}
}

func NewStatus(sessionID, paneID, status string) Event {
	return Event{
		EventType:  EventStatus,
		SessionID:  sessionID,
		PaneID:     paneID,
		OccurredAt: time.Now().UTC(),
		Status:     &StatusData{Status: status},
	}
}
