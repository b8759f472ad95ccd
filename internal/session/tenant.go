package session

import (
	"context"
	"sync"
	"time"

	"github.com/memohai/groupwatch/internal/automation"
	"github.com/memohai/groupwatch/internal/event"
	"github.com/memohai/groupwatch/internal/media"
	"github.com/memohai/groupwatch/internal/message"
)

// Status is a read-only view of a tenant session.
type Status struct {
	TenantID          string                 `json:"tenant_id"`
	State             State                  `json:"state"`
	CreatedAt         time.Time              `json:"created_at"`
	LastActivityAt    time.Time              `json:"last_activity_at"`
	ConversationID    string                 `json:"conversation_id,omitempty"`
	ParticipantFilter string                 `json:"participant_filter,omitempty"`
	HistoryLength     int                    `json:"history_length"`
	Subscribers       int                    `json:"subscribers"`
	Attempts          int                    `json:"attempts"`
	KnownGroups       int                    `json:"known_groups,omitempty"`
	LastError         string                 `json:"last_error,omitempty"`
	Progress          *event.ProgressPayload `json:"progress,omitempty"`
}

// tenant is one tenant's session record. The pool is its only writer.
// It implements message.Target for the ingestion pipeline.
type tenant struct {
	id        string
	createdAt time.Time
	history   *message.History
	ctx       context.Context
	cancel    context.CancelFunc

	mu           sync.RWMutex
	state        State
	lastActivity time.Time
	selection    message.Selection
	auto         automation.Session
	stopPolling  context.CancelFunc
	removing     bool
	attempts     int
	knownGroups  int
	lastErr      string
	progress     *event.ProgressPayload
}

func newTenant(id string, now time.Time, maxHistory int) *tenant {
	ctx, cancel := context.WithCancel(context.Background())
	return &tenant{
		id:           id,
		createdAt:    now,
		history:      message.NewHistory(maxHistory),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateIdle,
		lastActivity: now,
	}
}

func (t *tenant) TenantID() string         { return t.id }
func (t *tenant) Context() context.Context { return t.ctx }
func (t *tenant) History() *message.History {
	return t.history
}

func (t *tenant) Active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.removing
}

func (t *tenant) Selection() message.Selection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selection
}

func (t *tenant) Downloader() media.Downloader {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.auto == nil {
		return nil
	}
	return t.auto
}

func (t *tenant) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *tenant) live() automation.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.auto
}

func (t *tenant) owns(auto automation.Session) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.removing && t.auto == auto
}

func (t *tenant) touch(now time.Time) {
	t.mu.Lock()
	t.lastActivity = now
	t.mu.Unlock()
}

// setState applies a validated transition and returns the previous state.
func (t *tenant) setState(to State) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.state
	if t.removing {
		return from, ErrRemovalRace
	}
	if !CanTransition(from, to) {
		return from, transitionError{from: from, to: to}
	}
	t.state = to
	if to != StateReadinessPolling {
		t.progress = nil
	}
	return from, nil
}

// attach binds a freshly created automation session. It fails when the
// tenant is being removed so the caller can destroy the orphan.
func (t *tenant) attach(auto automation.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removing {
		return false
	}
	t.auto = auto
	return true
}

// detach drops the live automation session, stops polling and clears the
// selection, filter and history. It returns the dropped session.
func (t *tenant) detach() automation.Session {
	t.mu.Lock()
	auto := t.auto
	t.auto = nil
	stop := t.stopPolling
	t.stopPolling = nil
	t.selection = message.Selection{}
	t.progress = nil
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
	t.history.Reset()
	return auto
}

func (t *tenant) startPolling() context.Context {
	ctx, cancel := context.WithCancel(t.ctx)
	t.mu.Lock()
	if t.stopPolling != nil {
		t.stopPolling()
	}
	t.stopPolling = cancel
	t.mu.Unlock()
	return ctx
}

// markRemoving flags the tenant for teardown. Only the first caller wins.
func (t *tenant) markRemoving() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removing {
		return false
	}
	t.removing = true
	return true
}

func (t *tenant) isRemoving() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.removing
}

// teardown cancels all tenant work, seals history and returns the
// automation session for the caller to destroy.
func (t *tenant) teardown() automation.Session {
	t.mu.Lock()
	auto := t.auto
	t.auto = nil
	t.stopPolling = nil
	t.selection = message.Selection{}
	t.mu.Unlock()
	t.cancel()
	t.history.Seal()
	return auto
}

func (t *tenant) nextAttempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	return t.attempts
}

func (t *tenant) setSelection(conversationID string) bool {
	t.mu.Lock()
	changed := t.selection.ConversationID != conversationID
	t.selection.ConversationID = conversationID
	t.mu.Unlock()
	if changed {
		t.history.Reset()
	}
	return changed
}

func (t *tenant) setFilter(authorID string) {
	t.mu.Lock()
	t.selection.ParticipantFilter = authorID
	t.mu.Unlock()
}

func (t *tenant) setProgress(p event.ProgressPayload) {
	t.mu.Lock()
	t.progress = &p
	t.mu.Unlock()
}

func (t *tenant) setKnownGroups(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.knownGroups = n
	t.mu.Unlock()
}

func (t *tenant) groupHint() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.knownGroups
}

func (t *tenant) setError(err error) {
	t.mu.Lock()
	if err == nil {
		t.lastErr = ""
	} else {
		t.lastErr = err.Error()
	}
	t.mu.Unlock()
}

func (t *tenant) idleSince(now time.Time) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return now.Sub(t.lastActivity)
}

func (t *tenant) status(subscribers int) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := Status{
		TenantID:          t.id,
		State:             t.state,
		CreatedAt:         t.createdAt,
		LastActivityAt:    t.lastActivity,
		ConversationID:    t.selection.ConversationID,
		ParticipantFilter: t.selection.ParticipantFilter,
		HistoryLength:     t.history.Len(),
		Subscribers:       subscribers,
		Attempts:          t.attempts,
		KnownGroups:       t.knownGroups,
		LastError:         t.lastErr,
	}
	if t.progress != nil {
		p := *t.progress
		st.Progress = &p
	}
	return st
}
