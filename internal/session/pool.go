package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/memohai/groupwatch/internal/automation"
	"github.com/memohai/groupwatch/internal/event"
	"github.com/memohai/groupwatch/internal/message"
	"github.com/memohai/groupwatch/internal/metrics"
)

const (
	DefaultHistoryLimit   = 100
	DefaultDestroyTimeout = 30 * time.Second
)

// StateStore persists opaque session continuation state.
type StateStore interface {
	Save(ctx context.Context, tenantID string, blob []byte) error
	Load(ctx context.Context, tenantID string) ([]byte, bool, error)
	Delete(ctx context.Context, tenantID string) error
}

// AuthDirs manages the on-disk authentication artifacts of each tenant.
type AuthDirs interface {
	Path(tenantID string) (string, error)
	Delete(tenantID string) error
}

// Config tunes the pool and the components it owns.
type Config struct {
	Queue            QueueConfig
	Readiness        ReadinessConfig
	MaxHistory       int
	SubscriberBuffer int
	HistoryLimit     int
	CallTimeout      time.Duration
	DestroyTimeout   time.Duration
}

// Pool owns every tenant session. It is the only writer of session state.
type Pool struct {
	cfg         Config
	logger      *slog.Logger
	factory     automation.Factory
	states      StateStore
	auth        AuthDirs
	pipeline    *message.Pipeline
	broadcaster *event.Broadcaster
	queue       *Queue
	monitor     *Monitor
	now         func() time.Time
	wg          sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*tenant
	closed   bool
}

// NewPool creates a pool. states and auth may be nil.
func NewPool(log *slog.Logger, cfg Config, factory automation.Factory, states StateStore, auth AuthDirs, pipeline *message.Pipeline, broadcaster *event.Broadcaster) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = DefaultDestroyTimeout
	}
	if broadcaster == nil {
		broadcaster = event.NewBroadcaster(log)
	}
	if pipeline == nil {
		pipeline = message.NewPipeline(log, message.PipelineConfig{}, nil, nil, nil, nil)
	}
	p := &Pool{
		cfg:         cfg,
		logger:      log.With(slog.String("component", "session_pool")),
		factory:     factory,
		states:      states,
		auth:        auth,
		pipeline:    pipeline,
		broadcaster: broadcaster,
		monitor:     NewMonitor(log, cfg.Readiness),
		now:         time.Now,
		sessions:    map[string]*tenant{},
	}
	p.queue = NewQueue(log, cfg.Queue, p.runJob)
	pipeline.SetPublisher(p)
	return p
}

// GetOrCreate returns the tenant's session, creating it and queueing its
// startup if none exists. A disconnected session is queued again. A failed
// session is returned as is and must be removed before re-creation.
func (p *Pool) GetOrCreate(ctx context.Context, tenantID string) (Status, error) {
	if tenantID == "" {
		return Status{}, ErrInvalidTenant
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Status{}, ErrQueueClosed
	}
	now := p.now()
	t, ok := p.sessions[tenantID]
	if ok {
		if t.isRemoving() {
			return Status{}, ErrRemovalRace
		}
		t.touch(now)
		if t.State() == StateDisconnected {
			if err := p.transition(t, StateIdle); err != nil {
				return Status{}, err
			}
			if err := p.enqueueLocked(t); err != nil {
				return Status{}, err
			}
		}
		return t.status(p.broadcaster.Count(tenantID)), nil
	}

	t = newTenant(tenantID, now, p.cfg.MaxHistory)
	p.sessions[tenantID] = t
	metrics.SessionsActive.Inc()
	p.logger.Info("session created", slog.String("tenant_id", tenantID))
	p.emit(t, event.TypeState, event.StatePayload{To: string(StateIdle)})
	if err := p.enqueueLocked(t); err != nil {
		return Status{}, err
	}
	return t.status(p.broadcaster.Count(tenantID)), nil
}

func (p *Pool) enqueueLocked(t *tenant) error {
	if err := p.transition(t, StateQueued); err != nil {
		return err
	}
	return p.queue.Enqueue(p.queue.NewJob(t.id, t.nextAttempt()))
}

// Remove tears down the tenant's session and deletes its authentication
// artifacts and persisted state. Removing an unknown tenant is a no-op.
func (p *Pool) Remove(ctx context.Context, tenantID string) error {
	p.mu.Lock()
	t, ok := p.sessions[tenantID]
	if !ok || !t.markRemoving() {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.teardown(ctx, t, "explicit", true)
}

// CleanupInactive removes sessions without subscribers that have been idle
// longer than threshold. Sessions with a startup queued or running are
// skipped. It returns the number of sessions removed.
func (p *Pool) CleanupInactive(ctx context.Context, threshold time.Duration) int {
	now := p.now()
	var victims []*tenant
	p.mu.Lock()
	for id, t := range p.sessions {
		if t.State().Starting() || p.queue.Pending(id) {
			continue
		}
		if p.broadcaster.Count(id) > 0 || t.idleSince(now) <= threshold {
			continue
		}
		if t.markRemoving() {
			victims = append(victims, t)
		}
	}
	p.mu.Unlock()

	for _, t := range victims {
		if err := p.teardown(ctx, t, "inactive", true); err != nil {
			p.logger.Warn("cleanup teardown incomplete", slog.String("tenant_id", t.id), slog.Any("error", err))
		}
	}
	return len(victims)
}

// Shutdown stops the queue and tears down every session. Authentication
// artifacts and persisted state are kept so sessions can resume.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	var all []*tenant
	for _, t := range p.sessions {
		if t.markRemoving() {
			all = append(all, t)
		}
	}
	p.mu.Unlock()

	p.queue.Close()
	var errs []error
	for _, t := range all {
		if err := p.teardown(ctx, t, "shutdown", false); err != nil {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()
	p.pipeline.Wait()
	return errors.Join(errs...)
}

func (p *Pool) teardown(ctx context.Context, t *tenant, reason string, purge bool) error {
	p.queue.Cancel(t.id)
	auto := t.teardown()
	p.broadcaster.CloseTenant(t.id)

	var errs []error
	if auto != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DestroyTimeout)
		if err := auto.Destroy(dctx); err != nil {
			errs = append(errs, fmt.Errorf("destroy automation session: %w", err))
		}
		cancel()
	}
	if purge {
		if p.auth != nil {
			if err := p.auth.Delete(t.id); err != nil {
				errs = append(errs, fmt.Errorf("delete auth dir: %w", err))
			}
		}
		if p.states != nil {
			if err := p.states.Delete(ctx, t.id); err != nil {
				errs = append(errs, fmt.Errorf("delete session state: %w", err))
			}
		}
	}

	p.mu.Lock()
	if p.sessions[t.id] == t {
		delete(p.sessions, t.id)
		metrics.SessionsActive.Dec()
	}
	p.mu.Unlock()
	metrics.SessionsRemoved.WithLabelValues(reason).Inc()

	err := errors.Join(errs...)
	if err != nil {
		p.logger.Warn("session removed with errors", slog.String("tenant_id", t.id), slog.String("reason", reason), slog.Any("error", err))
	} else {
		p.logger.Info("session removed", slog.String("tenant_id", t.id), slog.String("reason", reason))
	}
	return err
}

// SelectConversation selects the conversation to monitor. The participant
// filter is kept; history is cleared when the selection changes.
func (p *Pool) SelectConversation(ctx context.Context, tenantID, conversationID string) error {
	t, err := p.ready(tenantID)
	if err != nil {
		return err
	}
	if t.setSelection(conversationID) {
		p.logger.Info("conversation selected", slog.String("tenant_id", tenantID), slog.String("conversation_id", conversationID))
	}
	return nil
}

// SetParticipantFilter restricts ingestion to one author. A nil or empty
// authorID clears the filter.
func (p *Pool) SetParticipantFilter(ctx context.Context, tenantID string, authorID *string) error {
	t, err := p.lookup(tenantID)
	if err != nil {
		return err
	}
	filter := ""
	if authorID != nil {
		filter = *authorID
	}
	t.setFilter(filter)
	return nil
}

// FetchHistory backfills up to limit recent messages of the selected
// conversation and returns the groups that gained messages.
func (p *Pool) FetchHistory(ctx context.Context, tenantID string, limit int) ([]message.Group, error) {
	t, err := p.ready(tenantID)
	if err != nil {
		return nil, err
	}
	sel := t.Selection()
	if sel.ConversationID == "" {
		return nil, ErrNoSelection
	}
	auto := t.live()
	if auto == nil {
		return nil, ErrNotReady
	}
	if limit <= 0 {
		limit = p.cfg.HistoryLimit
	}
	raws, err := auto.FetchMessages(ctx, sel.ConversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return p.pipeline.Merge(ctx, t, raws), nil
}

// ListConversations returns the conversations the tenant can select.
func (p *Pool) ListConversations(ctx context.Context, tenantID string) ([]automation.Conversation, error) {
	t, err := p.ready(tenantID)
	if err != nil {
		return nil, err
	}
	auto := t.live()
	if auto == nil {
		return nil, ErrNotReady
	}
	convs, err := auto.Conversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// History returns the tenant's messages in timestamp order.
func (p *Pool) History(tenantID string) ([]message.Message, error) {
	t, err := p.lookup(tenantID)
	if err != nil {
		return nil, err
	}
	return t.history.Snapshot(), nil
}

// Groups returns every message group of the tenant's history.
func (p *Pool) Groups(tenantID string) ([]message.Group, error) {
	t, err := p.lookup(tenantID)
	if err != nil {
		return nil, err
	}
	return p.pipeline.Groups(t), nil
}

// Subscribe registers an event subscriber for the tenant.
func (p *Pool) Subscribe(tenantID string) (*event.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.sessions[tenantID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if t.isRemoving() {
		return nil, ErrRemovalRace
	}
	t.touch(p.now())
	return p.broadcaster.Subscribe(tenantID, p.cfg.SubscriberBuffer), nil
}

// Unsubscribe removes an event subscriber.
func (p *Pool) Unsubscribe(tenantID, subscriptionID string) {
	p.broadcaster.Unsubscribe(tenantID, subscriptionID)
	p.mu.Lock()
	t, ok := p.sessions[tenantID]
	p.mu.Unlock()
	if ok {
		t.touch(p.now())
	}
}

// Status returns the tenant's session status.
func (p *Pool) Status(tenantID string) (Status, error) {
	p.mu.Lock()
	t, ok := p.sessions[tenantID]
	p.mu.Unlock()
	if !ok {
		return Status{}, ErrSessionNotFound
	}
	return t.status(p.broadcaster.Count(tenantID)), nil
}

// Count returns the number of sessions held by the pool.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Statuses returns every session status ordered by tenant id.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	items := make([]*tenant, 0, len(p.sessions))
	for _, t := range p.sessions {
		items = append(items, t)
	}
	p.mu.Unlock()
	out := make([]Status, 0, len(items))
	for _, t := range items {
		out = append(out, t.status(p.broadcaster.Count(t.id)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// PublishGroup publishes a new_message_group event for the tenant.
func (p *Pool) PublishGroup(tenantID string, group message.Group) {
	p.mu.Lock()
	t, ok := p.sessions[tenantID]
	p.mu.Unlock()
	if ok {
		p.emit(t, event.TypeNewMessageGroup, group)
	}
}

func (p *Pool) lookup(tenantID string) (*tenant, error) {
	p.mu.Lock()
	t, ok := p.sessions[tenantID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if t.isRemoving() {
		return nil, ErrRemovalRace
	}
	t.touch(p.now())
	return t, nil
}

func (p *Pool) ready(tenantID string) (*tenant, error) {
	t, err := p.lookup(tenantID)
	if err != nil {
		return nil, err
	}
	switch state := t.State(); state {
	case StateReady:
		return t, nil
	case StateFailed:
		return nil, fmt.Errorf("%w: session failed", ErrInitializationFailed)
	default:
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
}

// transition moves t to the next state and publishes a state event.
func (p *Pool) transition(t *tenant, to State) error {
	from, err := t.setState(to)
	if err != nil {
		return err
	}
	metrics.SessionTransitions.WithLabelValues(string(to)).Inc()
	p.logger.Debug("session transition",
		slog.String("tenant_id", t.id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if from != to {
		p.emit(t, event.TypeState, event.StatePayload{From: string(from), To: string(to)})
	}
	return nil
}

// emit publishes to the tenant's subscribers unless it is being removed.
// The read lock is held across the publish so nothing is delivered after
// removal starts.
func (p *Pool) emit(t *tenant, typ event.Type, data any) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.removing {
		return
	}
	p.broadcaster.Publish(t.id, typ, data)
}
