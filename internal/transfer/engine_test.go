package transfer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"crosstalk/internal/adapter"
	"crosstalk/internal/broadcast"
	"crosstalk/internal/event"
	"crosstalk/internal/metrics"
	"crosstalk/internal/session"
	"crosstalk/internal/stream"
)

type fixture struct {
	engine     *Engine
	store      *session.Store
	dispatcher *broadcast.Dispatcher
	completer  *adapter.ScriptedCompleter
	events     <-chan stream.Event
	sessionID  string
	source     session.Pane
	target     session.Pane
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	completer := adapter.NewScripted(adapter.Script{
		Fragments: []string{"a concise summary"},
		Usage:     adapter.Usage{TokensUsed: 4},
	})
	registry := adapter.NewRegistry()
	registry.Register("test", completer)
	registry.SetCatalog([]adapter.ModelInfo{
		{ID: "alpha", Provider: "test"},
		{ID: "beta", Provider: "test"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	counters := &metrics.Registry{}
	store := session.NewStore(session.StoreOptions{})
	bus := event.NewBus[stream.Event](ctx, event.BusOptions{Name: "stream", Registry: counters})
	events, unsubscribe := bus.Subscribe()
	t.Cleanup(unsubscribe)

	dispatcher := broadcast.NewDispatcher(broadcast.Options{
		Store:    store,
		Registry: registry,
		Bus:      bus,
		Metrics:  counters,
	})
	engine := NewEngine(Options{
		Store:      store,
		Dispatcher: dispatcher,
		Bus:        bus,
		Metrics:    counters,
	})

	sess := store.CreateSession()
	alpha, _ := registry.Model("test:alpha")
	beta, _ := registry.Model("test:beta")
	source, err := store.CreatePane(sess.ID, alpha)
	if err != nil {
		t.Fatalf("create source pane: %v", err)
	}
	target, err := store.CreatePane(sess.ID, beta)
	if err != nil {
		t.Fatalf("create target pane: %v", err)
	}
	return &fixture{
		engine:     engine,
		store:      store,
		dispatcher: dispatcher,
		completer:  completer,
		events:     events,
		sessionID:  sess.ID,
		source:     source,
		target:     target,
	}
}

func (f *fixture) seedSource(t *testing.T, messages ...session.Message) []session.Message {
	t.Helper()
	stored, err := f.store.AppendMessages(f.source.ID, messages)
	if err != nil {
		t.Fatalf("seed source pane: %v", err)
	}
	return stored
}

func ids(messages []session.Message) []string {
	out := make([]string, 0, len(messages))
	for _, message := range messages {
		out = append(out, message.ID)
	}
	return out
}

func TestAppendPreservesRoles(t *testing.T) {
	fix := newFixture(t)
	seeded := fix.seedSource(t,
		session.Message{Role: session.RoleUser, Content: "Which city?"},
		session.Message{Role: session.RoleAssistant, Content: "Jodhpur is great"},
	)

	existing, err := fix.store.AppendMessage(fix.target.ID, session.Message{Role: session.RoleUser, Content: "prior history"})
	if err != nil {
		t.Fatalf("seed target: %v", err)
	}

	result, err := fix.engine.Transfer(context.Background(), Request{
		SessionID:     fix.sessionID,
		SourcePaneID:  fix.source.ID,
		TargetPaneID:  fix.target.ID,
		MessageIDs:    ids(seeded),
		Mode:          ModeAppend,
		PreserveRoles: true,
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if !result.Success || result.TransferredCount != 2 || result.TargetPaneID != fix.target.ID {
		t.Fatalf("unexpected result %+v", result)
	}

	target, _ := fix.store.GetPane(fix.sessionID, fix.target.ID)
	if len(target.Messages) != 3 {
		t.Fatalf("expected prior history plus 2 copies, got %d", len(target.Messages))
	}
	if target.Messages[0].ID != existing.ID {
		t.Fatal("append must leave existing history untouched")
	}

	copied := target.Messages[1:]
	for i, message := range copied {
		if message.Role != seeded[i].Role || message.Content != seeded[i].Content {
			t.Fatalf("copy %d mismatch: %+v", i, message)
		}
		if message.ID == seeded[i].ID {
			t.Fatal("copies must carry fresh ids")
		}
		prov := message.Provenance
		if prov == nil {
			t.Fatal("copies must carry provenance")
		}
		if prov.SourcePaneID != fix.source.ID || prov.SourceModel != "test:alpha" {
			t.Fatalf("unexpected provenance %+v", prov)
		}
		if prov.ContentHash != ContentHash(seeded[i].Content) {
			t.Fatalf("content hash must fingerprint the source content")
		}
	}

	source, _ := fix.store.GetPane(fix.sessionID, fix.source.ID)
	if len(source.Messages) != 2 {
		t.Fatal("transfers must never mutate the source pane")
	}
}

func TestAppendTwiceYieldsDistinctCopies(t *testing.T) {
	fix := newFixture(t)
	seeded := fix.seedSource(t, session.Message{Role: session.RoleAssistant, Content: "Jodhpur is great"})

	req := Request{
		SessionID:     fix.sessionID,
		SourcePaneID:  fix.source.ID,
		TargetPaneID:  fix.target.ID,
		MessageIDs:    ids(seeded),
		Mode:          ModeAppend,
		PreserveRoles: true,
	}
	for i := 0; i < 2; i++ {
		if _, err := fix.engine.Transfer(context.Background(), req); err != nil {
			t.Fatalf("transfer %d failed: %v", i, err)
		}
	}

	target, _ := fix.store.GetPane(fix.sessionID, fix.target.ID)
	if len(target.Messages) != 2 {
		t.Fatalf("expected two independent copies, got %d", len(target.Messages))
	}
	if target.Messages[0].ID == target.Messages[1].ID {
		t.Fatal("repeated transfers must create distinct records")
	}
	want := ContentHash("Jodhpur is great")
	for _, message := range target.Messages {
		if message.Provenance.ContentHash != want {
			t.Fatalf("each copy must independently match the source hash")
		}
	}
}

func TestAppendCollapsedRole(t *testing.T) {
	fix := newFixture(t)
	seeded := fix.seedSource(t,
		session.Message{Role: session.RoleUser, Content: "first"},
		session.Message{Role: session.RoleAssistant, Content: "second"},
	)

	result, err := fix.engine.Transfer(context.Background(), Request{
		SessionID:         fix.sessionID,
		SourcePaneID:      fix.source.ID,
		TargetPaneID:      fix.target.ID,
		MessageIDs:        ids(seeded),
		Mode:              ModeAppend,
		AdditionalContext: "extra background",
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if result.TransferredCount != 2 {
		t.Fatalf("count reflects selected source messages, got %d", result.TransferredCount)
	}

	target, _ := fix.store.GetPane(fix.sessionID, fix.target.ID)
	if len(target.Messages) != 2 {
		t.Fatalf("expected collapsed message plus context, got %d", len(target.Messages))
	}
	collapsed := target.Messages[0]
	if collapsed.Role != session.RoleUser || collapsed.Content != "first\n\nsecond" {
		t.Fatalf("unexpected collapsed message %+v", collapsed)
	}
	if collapsed.Provenance == nil || collapsed.Provenance.ContentHash != ContentHash("first\n\nsecond") {
		t.Fatal("collapsed message must fingerprint the combined content")
	}
	extra := target.Messages[1]
	if extra.Role != session.RoleUser || extra.Content != "extra background" || extra.Provenance != nil {
		t.Fatalf("unexpected context message %+v", extra)
	}
}

func TestReplaceDiscardsHistory(t *testing.T) {
	fix := newFixture(t)
	seeded := fix.seedSource(t, session.Message{Role: session.RoleAssistant, Content: "keep this"})
	if _, err := fix.store.AppendMessage(fix.target.ID, session.Message{Role: session.RoleUser, Content: "doomed"}); err != nil {
		t.Fatalf("seed target: %v", err)
	}

	if _, err := fix.engine.Transfer(context.Background(), Request{
		SessionID:     fix.sessionID,
		SourcePaneID:  fix.source.ID,
		TargetPaneID:  fix.target.ID,
		MessageIDs:    ids(seeded),
		Mode:          ModeReplace,
		PreserveRoles: true,
	}); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	target, _ := fix.store.GetPane(fix.sessionID, fix.target.ID)
	if len(target.Messages) != 1 || target.Messages[0].Content != "keep this" {
		t.Fatalf("replace must leave exactly the transferred content, got %+v", target.Messages)
	}
}

func TestMissingIDsSkippedButNotAllMissing(t *testing.T) {
	fix := newFixture(t)
	seeded := fix.seedSource(t, session.Message{Role: session.RoleUser, Content: "present"})

	result, err := fix.engine.Transfer(context.Background(), Request{
		SessionID:     fix.sessionID,
		SourcePaneID:  fix.source.ID,
		TargetPaneID:  fix.target.ID,
		MessageIDs:    []string{"pruned-id", seeded[0].ID},
		Mode:          ModeAppend,
		PreserveRoles: true,
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if result.TransferredCount != 1 {
		t.Fatalf("missing ids are skipped, not fatal; got count %d", result.TransferredCount)
	}

	if _, err := fix.engine.Transfer(context.Background(), Request{
		SessionID:    fix.sessionID,
		SourcePaneID: fix.source.ID,
		TargetPaneID: fix.target.ID,
		MessageIDs:   []string{"pruned-id"},
		Mode:         ModeAppend,
	}); !errors.Is(err, ErrEmptySelection) {
		t.Fatalf("expected ErrEmptySelection, got %v", err)
	}
}

func TestRejectionLeavesTargetUntouched(t *testing.T) {
	fix := newFixture(t)
	seeded := fix.seedSource(t, session.Message{Role: session.RoleUser, Content: "content"})

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{
			name: "source missing",
			req:  Request{SessionID: fix.sessionID, SourcePaneID: "nope", TargetPaneID: fix.target.ID, MessageIDs: ids(seeded), Mode: ModeAppend},
			want: ErrSourceNotFound,
		},
		{
			name: "target missing",
			req:  Request{SessionID: fix.sessionID, SourcePaneID: fix.source.ID, TargetPaneID: "nope", MessageIDs: ids(seeded), Mode: ModeAppend},
			want: ErrTargetNotFound,
		},
		{
			name: "unknown mode",
			req:  Request{SessionID: fix.sessionID, SourcePaneID: fix.source.ID, TargetPaneID: fix.target.ID, MessageIDs: ids(seeded), Mode: "merge"},
			want: ErrUnknownMode,
		},
	}
	for _, tc := range cases {
		if _, err := fix.engine.Transfer(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	target, _ := fix.store.GetPane(fix.sessionID, fix.target.ID)
	if len(target.Messages) != 0 {
		t.Fatalf("rejected transfers must not mutate the target, got %+v", target.Messages)
	}
}

func TestSummarizeCallsModel(t *testing.T) {
	fix := newFixture(t)
	seeded := fix.seedSource(t,
		session.Message{Role: session.RoleUser, Content: "Plan a trip"},
		session.Message{Role: session.RoleAssistant, Content: "Jodhpur is great"},
	)

	result, err := fix.engine.Transfer(context.Background(), Request{
		SessionID:           fix.sessionID,
		SourcePaneID:        fix.source.ID,
		TargetPaneID:        fix.target.ID,
		MessageIDs:          ids(seeded),
		Mode:                ModeSummarize,
		SummaryInstructions: "Keep it under three sentences.",
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if result.TransferredCount != 2 {
		t.Fatalf("unexpected result %+v", result)
	}

	waitForAssistantReply(t, fix, fix.target.ID)

	target, _ := fix.store.GetPane(fix.sessionID, fix.target.ID)
	if len(target.Messages) != 2 {
		t.Fatalf("expected prompt plus one assistant reply, got %d", len(target.Messages))
	}

	prompt := target.Messages[0]
	if prompt.Role != session.RoleUser {
		t.Fatalf("summary prompt must be a user message, got %+v", prompt)
	}
	if !strings.Contains(prompt.Content, "Keep it under three sentences.") ||
		!strings.Contains(prompt.Content, "Jodhpur is great") {
		t.Fatalf("prompt must embed instructions and selection, got %q", prompt.Content)
	}
	if prompt.Provenance == nil || prompt.Provenance.SourcePaneID != fix.source.ID {
		t.Fatalf("summary prompt must carry provenance, got %+v", prompt.Provenance)
	}

	reply := target.Messages[1]
	if reply.Role != session.RoleAssistant || reply.Content != "a concise summary" {
		t.Fatalf("assistant reply must come from the model call, got %+v", reply)
	}

	requests := fix.completer.Requests()
	if len(requests) != 1 || requests[0].Model != "test:beta" {
		t.Fatalf("summarize must call the target pane's model, got %+v", requests)
	}
}

func TestSummarizeBusyTargetFailsFast(t *testing.T) {
	fix := newFixture(t)
	seeded := fix.seedSource(t, session.Message{Role: session.RoleUser, Content: "content"})

	if err := fix.store.AcquirePane(fix.target.ID); err != nil {
		t.Fatalf("acquire target: %v", err)
	}
	defer fix.store.ReleasePane(fix.target.ID)

	if _, err := fix.engine.Transfer(context.Background(), Request{
		SessionID:    fix.sessionID,
		SourcePaneID: fix.source.ID,
		TargetPaneID: fix.target.ID,
		MessageIDs:   ids(seeded),
		Mode:         ModeSummarize,
	}); !errors.Is(err, session.ErrPaneBusy) {
		t.Fatalf("expected ErrPaneBusy, got %v", err)
	}

	target, _ := fix.store.GetPane(fix.sessionID, fix.target.ID)
	if len(target.Messages) != 0 {
		t.Fatal("a busy target must reject the transfer before any mutation")
	}
}

func TestSummarizeFailureRollsBackPrompt(t *testing.T) {
	fix := newFixture(t)
	seeded := fix.seedSource(t, session.Message{Role: session.RoleAssistant, Content: "Jodhpur is great"})

	// A pane whose provider was never registered: the hand-off to the
	// model fails after validation of everything else passes.
	ghost, err := fix.store.CreatePane(fix.sessionID, adapter.ModelInfo{ID: "ghost:phantom", Provider: "ghost"})
	if err != nil {
		t.Fatalf("create ghost pane: %v", err)
	}
	prior, err := fix.store.AppendMessage(ghost.ID, session.Message{Role: session.RoleUser, Content: "prior history"})
	if err != nil {
		t.Fatalf("seed ghost pane: %v", err)
	}

	_, err = fix.engine.Transfer(context.Background(), Request{
		SessionID:    fix.sessionID,
		SourcePaneID: fix.source.ID,
		TargetPaneID: ghost.ID,
		MessageIDs:   ids(seeded),
		Mode:         ModeSummarize,
	})
	var provErr *adapter.Error
	if !errors.As(err, &provErr) || provErr.Code != "provider_unavailable" {
		t.Fatalf("expected provider_unavailable, got %v", err)
	}

	target, _ := fix.store.GetPane(fix.sessionID, ghost.ID)
	if len(target.Messages) != 1 || target.Messages[0].ID != prior.ID {
		t.Fatalf("failed summarize must leave the target exactly as before, got %+v", target.Messages)
	}
	if target.Busy {
		t.Fatal("busy flag must be released after a failed summarize")
	}
}

func TestSummarizeKeepsPaneClaimedUntilReply(t *testing.T) {
	fix := newFixture(t)
	seeded := fix.seedSource(t, session.Message{Role: session.RoleUser, Content: "content"})

	gate := make(chan struct{})
	fix.completer.SetScript(adapter.Script{Fragments: []string{"a concise summary"}, Gate: gate})

	if _, err := fix.engine.Transfer(context.Background(), Request{
		SessionID:    fix.sessionID,
		SourcePaneID: fix.source.ID,
		TargetPaneID: fix.target.ID,
		MessageIDs:   ids(seeded),
		Mode:         ModeSummarize,
	}); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	// The flag passed from the transfer to the reply stream without a
	// gap, so nothing can interleave with the target's history.
	if _, err := fix.dispatcher.SendChat(context.Background(), fix.sessionID, fix.target.ID, "interleave"); !errors.Is(err, session.ErrPaneBusy) {
		t.Fatalf("expected ErrPaneBusy while the summary streams, got %v", err)
	}
	if _, err := fix.engine.Transfer(context.Background(), Request{
		SessionID:    fix.sessionID,
		SourcePaneID: fix.source.ID,
		TargetPaneID: fix.target.ID,
		MessageIDs:   ids(seeded),
		Mode:         ModeReplace,
	}); !errors.Is(err, session.ErrPaneBusy) {
		t.Fatalf("expected ErrPaneBusy for a concurrent transfer, got %v", err)
	}

	close(gate)
	waitForIdle(t, fix, fix.target.ID)

	target, _ := fix.store.GetPane(fix.sessionID, fix.target.ID)
	if len(target.Messages) != 2 {
		t.Fatalf("expected prompt plus reply with nothing interleaved, got %+v", target.Messages)
	}
	if target.Busy {
		t.Fatal("busy flag must clear after the reply")
	}
}

func waitForAssistantReply(t *testing.T, fix *fixture, paneID string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-fix.events:
			if evt.PaneID == paneID && evt.EventType == stream.EventFinal {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the summarize reply")
		}
	}
}

// waitForIdle drains events until the pane's trailing idle status, after
// which the busy flag is guaranteed released.
func waitForIdle(t *testing.T, fix *fixture, paneID string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-fix.events:
			if evt.PaneID == paneID && evt.EventType == stream.EventStatus && evt.Status.Status == "idle" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the pane to go idle")
		}
	}
}
