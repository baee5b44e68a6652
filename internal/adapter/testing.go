package adapter

import (
	"context"
	"strings"
	"sync"
)

// Script drives a ScriptedCompleter through one canned completion.
type Script struct {
	Fragments    []string
	FinishReason string
	Usage        Usage
	// Err, when set, terminates the stream after FailAfter fragments
	// instead of a Final.
	Err       error
	FailAfter int
	// Gate, when set, holds the terminal chunk back until the channel
	// is closed. Lets tests pin a request in flight.
	Gate <-chan struct{}
}

// ScriptedCompleter is an in-process Completer for tests. It records
// every request it receives.
type ScriptedCompleter struct {
	mu       sync.Mutex
	script   Script
	requests []Request
}

func NewScripted(script Script) *ScriptedCompleter {
	if script.FinishReason == "" {
		script.FinishReason = "stop"
	}
	return &ScriptedCompleter{script: script}
}

// SetScript swaps the canned response for subsequent calls.
func (c *ScriptedCompleter) SetScript(script Script) {
	if script.FinishReason == "" {
		script.FinishReason = "stop"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = script
}

// Requests returns a copy of every request seen so far.
func (c *ScriptedCompleter) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	requests := make([]Request, len(c.requests))
	copy(requests, c.requests)
	return requests
}

func (c *ScriptedCompleter) Complete(ctx context.Context, req Request) (<-chan Chunk, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	script := c.script
	c.mu.Unlock()

	out := make(chan Chunk, len(script.Fragments)+1)
	go func() {
		defer close(out)

		emit := func(chunk Chunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		emitted := 0
		for _, fragment := range script.Fragments {
			if script.Err != nil && emitted >= script.FailAfter {
				break
			}
			if !emit(Chunk{Token: fragment}) {
				return
			}
			emitted++
		}

		if script.Gate != nil {
			select {
			case <-script.Gate:
			case <-ctx.Done():
				return
			}
		}

		if script.Err != nil {
			emit(Chunk{Err: script.Err})
			return
		}

		emit(Chunk{Final: &Final{
			Content:      strings.Join(script.Fragments, ""),
			FinishReason: script.FinishReason,
			Usage:        script.Usage,
		}})
	}()
	return out, nil
}
