// Package broadcast dispatches prompts to provider adapters. A broadcast
// fans one prompt out to N panes at once; each adapter call runs as an
// independent goroutine, so a slow or failing provider never delays the
// others. The dispatcher is the only writer of assistant messages.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crosstalk/internal/adapter"
	"crosstalk/internal/event"
	"crosstalk/internal/logging"
	"crosstalk/internal/metrics"
	"crosstalk/internal/session"
	"crosstalk/internal/stream"
)

const (
	defaultRequestTimeout = 120 * time.Second
	defaultTemperature    = 0.7

	statusStreaming = "streaming"
	statusIdle      = "idle"
)

var ErrNoTargets = errors.New("broadcast requires at least one target")

// ModelSelection names one broadcast target.
type ModelSelection struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// BroadcastResult reports which panes were dispatched to. Targets that
// could not be dispatched (unknown model, pane busy) land in Failed and
// do not affect the others.
type BroadcastResult struct {
	SessionID      string            `json:"session_id"`
	PaneIDs        []string          `json:"pane_ids"`
	UserMessageIDs map[string]string `json:"user_message_ids"`
	Failed         map[string]string `json:"failed,omitempty"`
}

type ChatResult struct {
	SessionID     string `json:"session_id"`
	PaneID        string `json:"pane_id"`
	UserMessageID string `json:"user_message_id"`
}

type Options struct {
	Store    *session.Store
	Registry *adapter.Registry
	Bus      *event.Bus[stream.Event]
	Metrics  *metrics.Registry
	Logger   *logging.Logger
	// RequestTimeout bounds a single adapter call so a hung provider
	// cannot leave a pane's busy flag stuck. Exceeding it surfaces as a
	// retryable error.
	RequestTimeout     time.Duration
	DefaultTemperature float64
	DefaultMaxTokens   int
}

type Dispatcher struct {
	store       *session.Store
	registry    *adapter.Registry
	bus         *event.Bus[stream.Event]
	metrics     *metrics.Registry
	logger      *logging.Logger
	timeout     time.Duration
	temperature float64
	maxTokens   int
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.DefaultTemperature == 0 {
		opts.DefaultTemperature = defaultTemperature
	}
	registry := opts.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	return &Dispatcher{
		store:       opts.Store,
		registry:    opts.Registry,
		bus:         opts.Bus,
		metrics:     registry,
		logger:      opts.Logger,
		timeout:     opts.RequestTimeout,
		temperature: opts.DefaultTemperature,
		maxTokens:   opts.DefaultMaxTokens,
	}
}

// Broadcast sends one prompt to every target at once. Each target
// resolves to an existing pane bound to that model, or a new pane; all
// adapter calls start together and none blocks another. The call
// returns as soon as every target is dispatched; responses stream
// through the bus.
func (d *Dispatcher) Broadcast(ctx context.Context, sessionID, prompt string, targets []ModelSelection) (BroadcastResult, error) {
	if len(targets) == 0 {
		return BroadcastResult{}, ErrNoTargets
	}

	sess := d.store.EnsureSession(sessionID)
	result := BroadcastResult{
		SessionID:      sess.ID,
		PaneIDs:        make([]string, 0, len(targets)),
		UserMessageIDs: make(map[string]string, len(targets)),
	}

	for _, target := range targets {
		model, completer, err := d.registry.Resolve(target.Provider, target.Model)
		if err != nil {
			result.fail(adapter.QualifyModelID(target.Provider, target.Model), err)
			continue
		}

		pane, err := d.resolvePane(sess.ID, model)
		if err != nil {
			result.fail(model.ID, err)
			continue
		}
		result.PaneIDs = append(result.PaneIDs, pane.ID)

		messageID, err := d.begin(ctx, sess.ID, pane.ID, prompt, completer, model)
		if err != nil {
			result.fail(pane.ID, err)
			continue
		}
		result.UserMessageIDs[pane.ID] = messageID
	}

	if d.logger != nil {
		d.logger.Info("broadcast dispatched", map[string]string{
			"session_id": sess.ID,
			"targets":    fmt.Sprintf("%d", len(targets)),
			"dispatched": fmt.Sprintf("%d", len(result.UserMessageIDs)),
		})
	}
	return result, nil
}

// SendChat sends one message to a single pane. A pane already
// processing a request fails fast with session.ErrPaneBusy rather than
// queueing.
func (d *Dispatcher) SendChat(ctx context.Context, sessionID, paneID, content string) (ChatResult, error) {
	pane, err := d.store.GetPane(sessionID, paneID)
	if err != nil {
		return ChatResult{}, err
	}
	completer, ok := d.registry.Provider(pane.Model.Provider)
	if !ok {
		return ChatResult{}, &adapter.Error{
			Code:    "provider_unavailable",
			Message: fmt.Sprintf("provider not available: %s", pane.Model.Provider),
		}
	}

	messageID, err := d.begin(ctx, sessionID, paneID, content, completer, pane.Model)
	if err != nil {
		return ChatResult{}, err
	}
	return ChatResult{
		SessionID:     sessionID,
		PaneID:        paneID,
		UserMessageID: messageID,
	}, nil
}

// Respond streams an assistant reply to the pane's existing history
// without appending a new user message first.
func (d *Dispatcher) Respond(ctx context.Context, sessionID, paneID string) error {
	if err := d.store.AcquirePane(paneID); err != nil {
		return err
	}
	if err := d.RespondHeld(ctx, sessionID, paneID); err != nil {
		d.store.ReleasePane(paneID)
		return err
	}
	return nil
}

// RespondHeld is Respond for a pane whose busy flag the caller already
// holds. On success ownership of the flag passes to the dispatcher,
// which releases it when the stream ends; on error the caller keeps the
// flag and decides how to unwind. Transfers use this after writing
// their synthetic prompt under the flag.
func (d *Dispatcher) RespondHeld(ctx context.Context, sessionID, paneID string) error {
	pane, err := d.store.GetPane(sessionID, paneID)
	if err != nil {
		return err
	}
	completer, ok := d.registry.Provider(pane.Model.Provider)
	if !ok {
		return &adapter.Error{
			Code:    "provider_unavailable",
			Message: fmt.Sprintf("provider not available: %s", pane.Model.Provider),
		}
	}

	history := historyOf(pane.Messages)
	go d.run(sessionID, paneID, history, completer, pane.Model)
	return nil
}

// begin claims the pane, appends the user message, and launches the
// adapter call. The busy flag is held until the call's terminal event.
func (d *Dispatcher) begin(ctx context.Context, sessionID, paneID, content string, completer adapter.Completer, model adapter.ModelInfo) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := d.store.AcquirePane(paneID); err != nil {
		return "", err
	}

	stored, err := d.store.AppendMessage(paneID, session.Message{
		Role:    session.RoleUser,
		Content: content,
	})
	if err != nil {
		d.store.ReleasePane(paneID)
		return "", err
	}

	pane, err := d.store.GetPane(sessionID, paneID)
	if err != nil {
		d.store.ReleasePane(paneID)
		return "", err
	}

	history := historyOf(pane.Messages)
	go d.run(sessionID, paneID, history, completer, model)
	return stored.ID, nil
}

func (d *Dispatcher) resolvePane(sessionID string, model adapter.ModelInfo) (session.Pane, error) {
	sess, err := d.store.GetSession(sessionID)
	if err != nil {
		return session.Pane{}, err
	}
	for _, pane := range sess.Panes {
		if pane.Model.ID == model.ID {
			return pane, nil
		}
	}
	return d.store.CreatePane(sessionID, model)
}

// run owns one adapter call end to end: status event, token forwarding,
// terminal handling, busy release. It runs detached from the request
// that started it so closing the HTTP connection does not abort the
// stream; closing the pane turns the remaining writes into no-ops.
func (d *Dispatcher) run(sessionID, paneID string, history []adapter.Message, completer adapter.Completer, model adapter.ModelInfo) {
	// finish and finishWithError release before their idle event;
	// releasing an already-released pane is a no-op.
	defer d.store.ReleasePane(paneID)

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	d.metrics.IncRequestStarted()
	d.bus.Publish(stream.NewStatus(sessionID, paneID, statusStreaming))

	ch, err := completer.Complete(ctx, adapter.Request{
		Model:       model.ID,
		Messages:    history,
		Temperature: d.temperature,
		MaxTokens:   d.maxTokens,
	})
	if err != nil {
		d.finishWithError(sessionID, paneID, err)
		return
	}

	position := 0
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				// Channel closed without a terminal chunk; treat as an
				// interrupted stream.
				d.finishWithError(sessionID, paneID, &adapter.Error{
					Code:      "stream_interrupted",
					Message:   "provider stream ended without a final response",
					Retryable: true,
				})
				return
			}
			switch {
			case chunk.Err != nil:
				d.finishWithError(sessionID, paneID, chunk.Err)
				return
			case chunk.Final != nil:
				d.finish(sessionID, paneID, chunk.Final)
				return
			default:
				if d.store.PaneExists(paneID) {
					d.bus.Publish(stream.NewToken(sessionID, paneID, chunk.Token, position))
				}
				position++
			}
		case <-ctx.Done():
			d.finishWithError(sessionID, paneID, &adapter.Error{
				Code:      "request_timeout",
				Message:   fmt.Sprintf("request exceeded %s", d.timeout),
				Retryable: true,
			})
			return
		}
	}
}

func (d *Dispatcher) finish(sessionID, paneID string, final *adapter.Final) {
	d.metrics.IncRequestCompleted()
	// Release before the idle event so that anyone reacting to idle
	// finds the pane free.
	defer func() {
		d.store.ReleasePane(paneID)
		d.bus.Publish(stream.NewStatus(sessionID, paneID, statusIdle))
	}()

	if !d.store.PaneExists(paneID) {
		return
	}

	stored, err := d.store.AppendMessage(paneID, session.Message{
		Role:       session.RoleAssistant,
		Content:    final.Content,
		TokensUsed: final.Usage.TokensUsed,
		Cost:       final.Usage.Cost,
		LatencyMS:  final.Usage.LatencyMS,
	})
	if err != nil {
		// Pane vanished between the existence check and the write.
		return
	}

	if err := d.store.RecordUsage(paneID, final.Usage.TokensUsed, final.Usage.Cost, final.Usage.LatencyMS); err == nil {
		d.metrics.RecordMeter(sessionID, paneID, final.Usage.TokensUsed, final.Usage.Cost, final.Usage.LatencyMS)
	}

	d.bus.Publish(stream.NewFinal(sessionID, paneID, final.Content, final.FinishReason, stored.ID))
	d.bus.Publish(stream.NewMeter(sessionID, paneID, final.Usage.TokensUsed, final.Usage.Cost, final.Usage.LatencyMS))
}

// finishWithError records the failure in the pane's history as a
// fallback assistant message so the conversation stays a faithful log,
// and scopes the error event to this pane only.
func (d *Dispatcher) finishWithError(sessionID, paneID string, err error) {
	d.metrics.IncRequestFailed()

	code := ""
	retryable := false
	message := err.Error()
	if adapterErr, ok := adapter.AsError(err); ok {
		code = adapterErr.Code
		retryable = adapterErr.Retryable
		message = adapterErr.Message
	}

	if d.logger != nil {
		d.logger.Warn("adapter request failed", map[string]string{
			"session_id": sessionID,
			"pane_id":    paneID,
			"code":       code,
			"error":      message,
		})
	}

	if d.store.PaneExists(paneID) {
		d.store.AppendMessage(paneID, session.Message{
			Role:    session.RoleAssistant,
			Content: fmt.Sprintf("[error: %s]", message),
		})
	}

	d.store.ReleasePane(paneID)
	d.bus.Publish(stream.NewError(sessionID, paneID, message, code, retryable))
	d.bus.Publish(stream.NewStatus(sessionID, paneID, statusIdle))
}

func (r *BroadcastResult) fail(key string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[key] = err.Error()
}

func historyOf(messages []session.Message) []adapter.Message {
	history := make([]adapter.Message, 0, len(messages))
	for _, message := range messages {
		history = append(history, adapter.Message{
			Role:    string(message.Role),
			Content: message.Content,
		})
	}
	return history
}
