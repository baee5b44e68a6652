// Package adapter defines the capability contract the orchestrator uses
// to talk to language-model providers, the registry of configured
// providers, and the model catalog.
package adapter

import (
	"context"
	"errors"
	"fmt"
)

// ModelInfo describes one model a provider serves. IDs are qualified as
// "provider:model" so a pane's binding survives catalog reloads.
type ModelInfo struct {
	ID                string  `yaml:"id" json:"id"`
	Name              string  `yaml:"name" json:"name"`
	Provider          string  `yaml:"provider" json:"provider"`
	MaxTokens         int     `yaml:"max_tokens" json:"max_tokens"`
	CostPer1KTokens   float64 `yaml:"cost_per_1k_tokens" json:"cost_per_1k_tokens"`
	SupportsStreaming bool    `yaml:"supports_streaming" json:"supports_streaming"`
}

// Message is the minimal history shape adapters receive.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call. Messages already include the prompt as
// the trailing user message.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage is the provider-reported accounting for one request.
type Usage struct {
	TokensUsed int
	Cost       float64
	LatencyMS  int64
}

// Final terminates a completion stream.
type Final struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Chunk is one element of a completion stream: either an incremental
// token fragment, the terminal Final, or a terminal error.
type Chunk struct {
	Token string
	Final *Final
	Err   error
}

// Completer streams one completion. Implementations must send exactly
// one terminal chunk (Final or Err) and then close the channel; the
// channel must also be closed when ctx is cancelled.
type Completer interface {
	Complete(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Error is a structured provider failure. Retryable errors may be
// resent unchanged by the caller; the dispatcher never retries.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsError unwraps a structured adapter error if err carries one.
func AsError(err error) (*Error, bool) {
	var adapterErr *Error
	if errors.As(err, &adapterErr) {
		return adapterErr, true
	}
	return nil, false
}

// Retryable reports whether err is a provider failure worth resending.
func Retryable(err error) bool {
	if adapterErr, ok := AsError(err); ok {
		return adapterErr.Retryable
	}
	return false
}
