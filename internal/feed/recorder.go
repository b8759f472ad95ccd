// Package feed keeps the most recent message groups per tenant for feed
// generation.
package feed

import (
	"context"
	"sort"
	"sync"

	"github.com/memohai/groupwatch/internal/message"
)

const DefaultMaxGroups = 50

// Recorder is a message.FeedSink holding the latest groups per tenant.
// A group re-sent with the same id replaces the earlier copy.
type Recorder struct {
	mu      sync.RWMutex
	max     int
	tenants map[string][]message.Group
}

func NewRecorder(maxGroups int) *Recorder {
	if maxGroups <= 0 {
		maxGroups = DefaultMaxGroups
	}
	return &Recorder{max: maxGroups, tenants: map[string][]message.Group{}}
}

func (r *Recorder) OnGroupUpdated(_ context.Context, tenantID string, group message.Group, _ []message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	groups := r.tenants[tenantID]
	replaced := false
	for i := range groups {
		if groups[i].ID == group.ID {
			groups[i] = group
			replaced = true
			break
		}
	}
	if !replaced {
		groups = append(groups, group)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].StartTimestamp < groups[j].StartTimestamp
	})
	if len(groups) > r.max {
		groups = append([]message.Group(nil), groups[len(groups)-r.max:]...)
	}
	r.tenants[tenantID] = groups
}

// Latest returns up to limit of the newest groups, oldest first.
// limit <= 0 returns everything recorded.
func (r *Recorder) Latest(tenantID string, limit int) []message.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	groups := r.tenants[tenantID]
	if limit > 0 && len(groups) > limit {
		groups = groups[len(groups)-limit:]
	}
	return append([]message.Group(nil), groups...)
}

