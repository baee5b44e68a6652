// Package session owns all sessions, panes, and messages. It is the only
// component allowed to mutate message history. Mutations are linearized
// per pane: each pane carries its own lock, so concurrent callers against
// the same pane observe a total order while unrelated panes never block
// each other.
package session

import (
	"time"

	"sync"

	"github.com/google/uuid"

	"crosstalk/internal/adapter"
	"crosstalk/internal/logging"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

type StoreOptions struct {
	Clock  Clock
	Logger *logging.Logger
}

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	panes    map[string]*paneState
	clock    Clock
	logger   *logging.Logger
}

type sessionState struct {
	id        string
	createdAt time.Time
	updatedAt time.Time
	state     State
	totalCost float64
	paneOrder []string
}

type paneState struct {
	mu        sync.Mutex
	id        string
	sessionID string
	model     adapter.ModelInfo
	messages  []Message
	busy      bool
	metrics   PaneMetrics
	createdAt time.Time
	removed   bool
}

func NewStore(opts StoreOptions) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Store{
		sessions: make(map[string]*sessionState),
		panes:    make(map[string]*paneState),
		clock:    clock,
		logger:   opts.Logger,
	}
}

// CreateSession registers a new active session with a generated ID.
func (s *Store) CreateSession() Session {
	return s.createSession(uuid.NewString())
}

// EnsureSession returns the named session, creating it when absent.
// Clients generate their own session IDs on first connect.
func (s *Store) EnsureSession(sessionID string) Session {
	if sessionID == "" {
		return s.CreateSession()
	}
	s.mu.RLock()
	_, exists := s.sessions[sessionID]
	s.mu.RUnlock()
	if exists {
		snapshot, _ := s.GetSession(sessionID)
		return snapshot
	}
	return s.createSession(sessionID)
}

func (s *Store) createSession(sessionID string) Session {
	now := s.clock.Now()

	s.mu.Lock()
	if existing, ok := s.sessions[sessionID]; ok {
		snapshot := s.sessionSnapshotLocked(existing)
		s.mu.Unlock()
		return snapshot
	}
	state := &sessionState{
		id:        sessionID,
		createdAt: now,
		updatedAt: now,
		state:     StateActive,
	}
	s.sessions[sessionID] = state
	snapshot := s.sessionSnapshotLocked(state)
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("session created", map[string]string{"session_id": sessionID})
	}
	return snapshot
}

// GetSession returns a deep-copied snapshot reflecting every write
// committed before the call.
func (s *Store) GetSession(sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.sessionSnapshotLocked(state), nil
}

// ListSessions returns snapshots of every session, without messages.
func (s *Store) ListSessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]Session, 0, len(s.sessions))
	for _, state := range s.sessions {
		snapshot := s.sessionSnapshotLocked(state)
		for i := range snapshot.Panes {
			snapshot.Panes[i].Messages = nil
		}
		sessions = append(sessions, snapshot)
	}
	return sessions
}

// ArchiveSession marks a session archived. Archived sessions reject new
// panes and new requests but remain queryable.
func (s *Store) ArchiveSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	state.state = StateArchived
	state.updatedAt = s.clock.Now()
	return nil
}

// CreatePane binds a model to a new pane in the session.
func (s *Store) CreatePane(sessionID string, model adapter.ModelInfo) (Pane, error) {
	now := s.clock.Now()

	s.mu.Lock()
	state, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return Pane{}, ErrSessionNotFound
	}
	if state.state == StateArchived {
		s.mu.Unlock()
		return Pane{}, ErrSessionArchived
	}
	pane := &paneState{
		id:        uuid.NewString(),
		sessionID: sessionID,
		model:     model,
		createdAt: now,
	}
	s.panes[pane.id] = pane
	state.paneOrder = append(state.paneOrder, pane.id)
	state.updatedAt = now
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("pane created", map[string]string{
			"session_id": sessionID,
			"pane_id":    pane.id,
			"model":      model.ID,
		})
	}
	return s.paneSnapshot(pane), nil
}

// GetPane returns a deep-copied snapshot of one pane.
func (s *Store) GetPane(sessionID, paneID string) (Pane, error) {
	s.mu.RLock()
	_, sessionOK := s.sessions[sessionID]
	pane, paneOK := s.panes[paneID]
	s.mu.RUnlock()

	if !sessionOK {
		return Pane{}, ErrSessionNotFound
	}
	if !paneOK || pane.sessionID != sessionID {
		return Pane{}, ErrPaneNotFound
	}
	return s.paneSnapshot(pane), nil
}

// PaneExists reports whether the pane is still live. Dispatch goroutines
// consult it immediately before every write so that closing a pane turns
// the remainder of an in-flight request into no-ops.
func (s *Store) PaneExists(paneID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pane, ok := s.panes[paneID]
	return ok && !pane.removed
}

// RemovePane detaches a pane from its session. Safe while a request is
// in flight: the request's later writes fail with ErrPaneNotFound.
func (s *Store) RemovePane(sessionID, paneID string) error {
	s.mu.Lock()
	state, sessionOK := s.sessions[sessionID]
	pane, paneOK := s.panes[paneID]
	if !sessionOK {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if !paneOK || pane.sessionID != sessionID {
		s.mu.Unlock()
		return ErrPaneNotFound
	}
	delete(s.panes, paneID)
	for i, id := range state.paneOrder {
		if id == paneID {
			state.paneOrder = append(state.paneOrder[:i], state.paneOrder[i+1:]...)
			break
		}
	}
	state.updatedAt = s.clock.Now()
	s.mu.Unlock()

	pane.mu.Lock()
	pane.removed = true
	pane.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("pane removed", map[string]string{
			"session_id": sessionID,
			"pane_id":    paneID,
		})
	}
	return nil
}

// AcquirePane claims a pane's busy flag. A pane accepts at most one
// in-flight request; a second caller fails fast with ErrPaneBusy instead
// of queueing.
func (s *Store) AcquirePane(paneID string) error {
	s.mu.RLock()
	pane, ok := s.panes[paneID]
	var sessionArchived bool
	if ok {
		if state, sessionOK := s.sessions[pane.sessionID]; sessionOK {
			sessionArchived = state.state == StateArchived
		}
	}
	s.mu.RUnlock()

	if !ok {
		return ErrPaneNotFound
	}
	if sessionArchived {
		return ErrSessionArchived
	}

	pane.mu.Lock()
	defer pane.mu.Unlock()
	if pane.removed {
		return ErrPaneNotFound
	}
	if pane.busy {
		return ErrPaneBusy
	}
	pane.busy = true
	return nil
}

// ReleasePane clears the busy flag. Releasing a removed pane is a no-op.
func (s *Store) ReleasePane(paneID string) {
	s.mu.RLock()
	pane, ok := s.panes[paneID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	pane.mu.Lock()
	pane.busy = false
	pane.mu.Unlock()
}

// AppendMessage stores one message at the end of the pane's history,
// assigning an ID and timestamp when absent, and returns the stored copy.
func (s *Store) AppendMessage(paneID string, message Message) (Message, error) {
	stored, err := s.AppendMessages(paneID, []Message{message})
	if err != nil {
		return Message{}, err
	}
	return stored[0], nil
}

// AppendMessages atomically appends a batch in order.
func (s *Store) AppendMessages(paneID string, messages []Message) ([]Message, error) {
	return s.writeMessages(paneID, messages, false)
}

// ReplaceMessages atomically discards the pane's prior history and
// installs the given sequence. The discard is irrecoverable; callers
// confirm intent upstream.
func (s *Store) ReplaceMessages(paneID string, messages []Message) ([]Message, error) {
	return s.writeMessages(paneID, messages, true)
}

func (s *Store) writeMessages(paneID string, messages []Message, replace bool) ([]Message, error) {
	s.mu.RLock()
	pane, ok := s.panes[paneID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrPaneNotFound
	}

	now := s.clock.Now()
	stored := make([]Message, 0, len(messages))

	pane.mu.Lock()
	if pane.removed {
		pane.mu.Unlock()
		return nil, ErrPaneNotFound
	}
	if replace {
		pane.messages = pane.messages[:0]
	}
	for _, message := range messages {
		if message.ID == "" {
			message.ID = uuid.NewString()
		}
		if message.CreatedAt.IsZero() {
			message.CreatedAt = now
		}
		message.Provenance = cloneProvenance(message.Provenance)
		pane.messages = append(pane.messages, message)
		stored = append(stored, message)
	}
	sessionID := pane.sessionID
	pane.mu.Unlock()

	s.touchSession(sessionID, 0)
	return stored, nil
}

// RecordUsage folds adapter-reported usage into the pane's running
// metrics and the session's total cost.
func (s *Store) RecordUsage(paneID string, tokensUsed int, cost float64, latencyMS int64) error {
	s.mu.RLock()
	pane, ok := s.panes[paneID]
	s.mu.RUnlock()
	if !ok {
		return ErrPaneNotFound
	}

	pane.mu.Lock()
	if pane.removed {
		pane.mu.Unlock()
		return ErrPaneNotFound
	}
	pane.metrics.TokenCount += int64(tokensUsed)
	pane.metrics.Cost += cost
	pane.metrics.LatencyMS = latencyMS
	pane.metrics.RequestCount++
	sessionID := pane.sessionID
	pane.mu.Unlock()

	s.touchSession(sessionID, cost)
	return nil
}

// ActiveRequests counts the session's busy panes. This is the busy
// flags' only aggregate view; nothing else duplicates the state.
func (s *Store) ActiveRequests(sessionID string) int {
	s.mu.RLock()
	state, ok := s.sessions[sessionID]
	if !ok {
		s.mu.RUnlock()
		return 0
	}
	panes := make([]*paneState, 0, len(state.paneOrder))
	for _, paneID := range state.paneOrder {
		if pane, exists := s.panes[paneID]; exists {
			panes = append(panes, pane)
		}
	}
	s.mu.RUnlock()

	active := 0
	for _, pane := range panes {
		pane.mu.Lock()
		if pane.busy && !pane.removed {
			active++
		}
		pane.mu.Unlock()
	}
	return active
}

func (s *Store) touchSession(sessionID string, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	state.updatedAt = s.clock.Now()
	state.totalCost += cost
}

// sessionSnapshotLocked requires s.mu held (read or write).
func (s *Store) sessionSnapshotLocked(state *sessionState) Session {
	snapshot := Session{
		ID:        state.id,
		CreatedAt: state.createdAt,
		UpdatedAt: state.updatedAt,
		State:     state.state,
		TotalCost: state.totalCost,
		Panes:     make([]Pane, 0, len(state.paneOrder)),
	}
	for _, paneID := range state.paneOrder {
		pane, ok := s.panes[paneID]
		if !ok {
			continue
		}
		snapshot.Panes = append(snapshot.Panes, s.paneSnapshot(pane))
	}
	return snapshot
}

func (s *Store) paneSnapshot(pane *paneState) Pane {
	pane.mu.Lock()
	defer pane.mu.Unlock()

	snapshot := Pane{
		ID:        pane.id,
		SessionID: pane.sessionID,
		Model:     pane.model,
		Messages:  make([]Message, len(pane.messages)),
		Busy:      pane.busy,
		Metrics:   pane.metrics,
		CreatedAt: pane.createdAt,
	}
	for i, message := range pane.messages {
		message.Provenance = cloneProvenance(message.Provenance)
		snapshot.Messages[i] = message
	}
	return snapshot
}

func cloneProvenance(provenance *Provenance) *Provenance {
	if provenance == nil {
		return nil
	}
	clone := *provenance
	return &clone
}
