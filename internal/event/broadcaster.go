package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/groupwatch/internal/metrics"
)

// DefaultBuffer is the per-subscriber queue length used when none is given.
const DefaultBuffer = 64

// Subscription is one consumer of a tenant channel. C is never closed;
// Done is closed when the subscription ends.
type Subscription struct {
	ID       string
	TenantID string
	C        <-chan Event

	send chan Event
	done chan struct{}
	once sync.Once
}

// Done is closed after Unsubscribe or CloseTenant.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// Broadcaster fans events out to per-tenant subscribers.
//
// Publish never blocks: an event is dropped for a subscriber whose buffer
// is full. Subscribers of one tenant never see another tenant's events.
type Broadcaster struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	tenants map[string]map[string]*Subscription
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		logger:  log.With(slog.String("component", "broadcaster")),
		now:     time.Now,
		tenants: map[string]map[string]*Subscription{},
	}
}

// Subscribe registers a new subscriber for tenantID.
func (b *Broadcaster) Subscribe(tenantID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		C:        ch,
		send:     ch,
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	subs, ok := b.tenants[tenantID]
	if !ok {
		subs = map[string]*Subscription{}
		b.tenants[tenantID] = subs
	}
	subs[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", slog.String("tenant_id", tenantID), slog.String("subscription_id", sub.ID))
	return sub
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(tenantID, id string) {
	b.mu.Lock()
	var sub *Subscription
	if subs, ok := b.tenants[tenantID]; ok {
		sub = subs[id]
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.tenants, tenantID)
		}
	}
	b.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

// Publish delivers ev to every current subscriber of tenantID.
func (b *Broadcaster) Publish(tenantID string, typ Type, data any) {
	ev := Event{TenantID: tenantID, Type: typ, Time: b.now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.tenants[tenantID] {
		select {
		case <-sub.done:
			continue
		default:
		}
		select {
		case sub.send <- ev:
		default:
			metrics.EventsDropped.WithLabelValues(string(typ)).Inc()
			b.logger.Debug("event dropped",
				slog.String("tenant_id", tenantID),
				slog.String("subscription_id", sub.ID),
				slog.String("type", string(typ)),
			)
		}
	}
}

// Count returns the number of subscribers of tenantID.
func (b *Broadcaster) Count(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tenants[tenantID])
}

// CloseTenant ends every subscription of tenantID.
func (b *Broadcaster) CloseTenant(tenantID string) {
	b.mu.Lock()
	subs := b.tenants[tenantID]
	delete(b.tenants, tenantID)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
