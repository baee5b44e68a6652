// Package transfer moves selected messages between panes under three
// modes. append and replace are local copies; summarize hands the
// selection to a real model call on the target pane. Transfers never
// mutate the source pane, and a rejected request leaves the target
// untouched.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"crosstalk/internal/event"
	"crosstalk/internal/logging"
	"crosstalk/internal/metrics"
	"crosstalk/internal/session"
	"crosstalk/internal/stream"
)

type Mode string

const (
	ModeAppend    Mode = "append"
	ModeReplace   Mode = "replace"
	ModeSummarize Mode = "summarize"
)

const defaultSummaryInstructions = "Summarize the following conversation excerpt concisely, preserving the key facts and conclusions."

var (
	ErrEmptySelection = errors.New("no selected messages exist in the source pane")
	ErrSourceNotFound = errors.New("source pane not found")
	ErrTargetNotFound = errors.New("target pane not found")
	ErrUnknownMode    = errors.New("unknown transfer mode")
)

// Request describes one transfer. MessageIDs keeps the caller's order;
// ids that no longer resolve are skipped, but at least one must.
type Request struct {
	SessionID    string   `json:"session_id"`
	SourcePaneID string   `json:"source_pane_id"`
	TargetPaneID string   `json:"target_pane_id"`
	MessageIDs   []string `json:"message_ids"`
	Mode         Mode     `json:"mode"`
	// PreserveRoles keeps each copied message's original role. When
	// false the selection collapses into one synthetic message whose
	// role is the engine's configured collapse role.
	PreserveRoles       bool   `json:"preserve_roles"`
	AdditionalContext   string `json:"additional_context,omitempty"`
	SummaryInstructions string `json:"summary_instructions,omitempty"`
}

type Result struct {
	Success          bool   `json:"success"`
	TransferredCount int    `json:"transferred_count"`
	TargetPaneID     string `json:"target_pane_id"`
}

// Responder streams a model reply to a pane whose busy flag the caller
// holds. On success flag ownership passes to the responder; on error it
// stays with the caller. Satisfied by the broadcast dispatcher.
type Responder interface {
	RespondHeld(ctx context.Context, sessionID, paneID string) error
}

type Options struct {
	Store      *session.Store
	Dispatcher Responder
	Bus        *event.Bus[stream.Event]
	Metrics    *metrics.Registry
	Logger     *logging.Logger
	// CollapseRole is the role of the synthetic message produced when
	// PreserveRoles is false. Defaults to user.
	CollapseRole session.Role
}

type Engine struct {
	store        *session.Store
	dispatcher   Responder
	bus          *event.Bus[stream.Event]
	metrics      *metrics.Registry
	logger       *logging.Logger
	collapseRole session.Role
}

func NewEngine(opts Options) *Engine {
	registry := opts.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	role := opts.CollapseRole
	if role == "" {
		role = session.RoleUser
	}
	return &Engine{
		store:        opts.Store,
		dispatcher:   opts.Dispatcher,
		bus:          opts.Bus,
		metrics:      registry,
		logger:       opts.Logger,
		collapseRole: role,
	}
}

// Transfer validates the request fully before touching the target pane
// and holds the target's busy flag across the mutation, so a rejection
// or a failed summarize hand-off never leaves a partial transfer behind
// and no concurrent chat can interleave with the write.
func (e *Engine) Transfer(ctx context.Context, req Request) (Result, error) {
	switch req.Mode {
	case ModeAppend, ModeReplace, ModeSummarize:
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownMode, req.Mode)
	}

	source, err := e.store.GetPane(req.SessionID, req.SourcePaneID)
	if err != nil {
		return Result{}, ErrSourceNotFound
	}
	if _, err := e.store.GetPane(req.SessionID, req.TargetPaneID); err != nil {
		return Result{}, ErrTargetNotFound
	}

	selected := selectMessages(source.Messages, req.MessageIDs)
	if len(selected) == 0 {
		return Result{}, ErrEmptySelection
	}

	if err := e.store.AcquirePane(req.TargetPaneID); err != nil {
		if errors.Is(err, session.ErrPaneNotFound) {
			return Result{}, ErrTargetNotFound
		}
		return Result{}, err
	}
	held := true
	defer func() {
		if held {
			e.store.ReleasePane(req.TargetPaneID)
		}
	}()

	// Snapshot under the flag: this is the rollback state if the
	// summarize hand-off fails after the prompt lands.
	target, err := e.store.GetPane(req.SessionID, req.TargetPaneID)
	if err != nil {
		return Result{}, ErrTargetNotFound
	}

	now := time.Now().UTC()
	var outgoing []session.Message
	if req.Mode == ModeSummarize {
		outgoing = []session.Message{e.summaryPrompt(source, selected, req, now)}
	} else {
		outgoing = e.copyMessages(source, selected, req, now)
	}

	switch req.Mode {
	case ModeReplace:
		_, err = e.store.ReplaceMessages(req.TargetPaneID, outgoing)
	default:
		_, err = e.store.AppendMessages(req.TargetPaneID, outgoing)
	}
	if err != nil {
		return Result{}, ErrTargetNotFound
	}

	if req.Mode == ModeSummarize {
		if err := e.dispatcher.RespondHeld(ctx, req.SessionID, req.TargetPaneID); err != nil {
			e.restore(req, target.Messages)
			return Result{}, err
		}
		// The dispatcher's stream now owns the busy flag.
		held = false
	}

	e.metrics.IncTransfer()
	e.bus.Publish(stream.NewStatus(req.SessionID, req.TargetPaneID, "updated"))
	if e.logger != nil {
		e.logger.Info("transfer completed", map[string]string{
			"session_id":  req.SessionID,
			"source_pane": req.SourcePaneID,
			"target_pane": req.TargetPaneID,
			"mode":        string(req.Mode),
			"count":       fmt.Sprintf("%d", len(selected)),
		})
	}
	return Result{
		Success:          true,
		TransferredCount: len(selected),
		TargetPaneID:     req.TargetPaneID,
	}, nil
}

// restore puts the target pane's prior history back after a failed
// summarize hand-off. Runs while the busy flag is still held, so
// nothing can observe or interleave with the rollback.
func (e *Engine) restore(req Request, prior []session.Message) {
	if _, err := e.store.ReplaceMessages(req.TargetPaneID, prior); err != nil && e.logger != nil {
		e.logger.Warn("transfer rollback failed", map[string]string{
			"session_id":  req.SessionID,
			"target_pane": req.TargetPaneID,
			"error":       err.Error(),
		})
	}
}

// copyMessages builds the append/replace payload: fresh records with
// provenance pointing at the source, originals untouched.
func (e *Engine) copyMessages(source session.Pane, selected []session.Message, req Request, now time.Time) []session.Message {
	var outgoing []session.Message

	if req.PreserveRoles {
		for _, message := range selected {
			outgoing = append(outgoing, session.Message{
				Role:       message.Role,
				Content:    message.Content,
				Provenance: e.provenance(source, message.Content, now),
			})
		}
	} else {
		combined := joinContents(selected)
		outgoing = append(outgoing, session.Message{
			Role:       e.collapseRole,
			Content:    combined,
			Provenance: e.provenance(source, combined, now),
		})
	}

	if req.AdditionalContext != "" {
		outgoing = append(outgoing, session.Message{
			Role:    session.RoleUser,
			Content: req.AdditionalContext,
		})
	}
	return outgoing
}

// summaryPrompt assembles the single user message handed to the model.
// The assistant reply comes from the dispatcher afterwards.
func (e *Engine) summaryPrompt(source session.Pane, selected []session.Message, req Request, now time.Time) session.Message {
	instructions := req.SummaryInstructions
	if instructions == "" {
		instructions = defaultSummaryInstructions
	}

	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\n")
	for _, message := range selected {
		fmt.Fprintf(&b, "%s: %s\n", message.Role, message.Content)
	}
	if req.AdditionalContext != "" {
		b.WriteString("\nAdditional context: ")
		b.WriteString(req.AdditionalContext)
	}

	return session.Message{
		Role:       session.RoleUser,
		Content:    b.String(),
		Provenance: e.provenance(source, joinContents(selected), now),
	}
}

func (e *Engine) provenance(source session.Pane, content string, now time.Time) *session.Provenance {
	return &session.Provenance{
		SourceModel:   source.Model.ID,
		SourcePaneID:  source.ID,
		TransferredAt: now,
		ContentHash:   ContentHash(content),
	}
}

// ContentHash fingerprints message content at transfer time. Comparing
// a stored hash against a recomputed one detects source drift.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func selectMessages(messages []session.Message, ids []string) []session.Message {
	byID := make(map[string]session.Message, len(messages))
	for _, message := range messages {
		byID[message.ID] = message
	}
	var selected []session.Message
	for _, id := range ids {
		if message, ok := byID[id]; ok {
			selected = append(selected, message)
		}
	}
	return selected
}

func joinContents(messages []session.Message) string {
	parts := make([]string, 0, len(messages))
	for _, message := range messages {
		parts = append(parts, message.Content)
	}
	return strings.Join(parts, "\n\n")
}
