package message

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultGroupGap is the maximum gap between consecutive messages of a group.
const DefaultGroupGap = 5 * time.Minute

// groupNamespace seeds deterministic group ids.
var groupNamespace = uuid.MustParse("6f1c2a52-4b0e-4d7c-9a51-3f2b8c0e7d14")

// BuildGroups splits a history into maximal same-author runs. A message
// starts a new group when its author or conversation differs from the
// current group, or when it is more than gap after the previous message.
func BuildGroups(tenantID string, history []Message, gap time.Duration) []Group {
	if len(history) == 0 {
		return nil
	}
	if gap <= 0 {
		gap = DefaultGroupGap
	}
	sorted := make([]Message, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	maxGap := int64(gap / time.Second)
	groups := make([]Group, 0)
	var last int64
	for _, msg := range sorted {
		if n := len(groups); n > 0 {
			current := &groups[n-1]
			if current.AuthorID == msg.AuthorID &&
				current.ConversationID == msg.ConversationID &&
				msg.Timestamp-last <= maxGap {
				current.MessageIDs = append(current.MessageIDs, msg.ID)
				current.Messages = append(current.Messages, msg)
				last = msg.Timestamp
				continue
			}
		}
		groups = append(groups, Group{
			ID:             groupID(tenantID, msg.ID),
			AuthorID:       msg.AuthorID,
			ConversationID: msg.ConversationID,
			StartTimestamp: msg.Timestamp,
			MessageIDs:     []string{msg.ID},
			Messages:       []Message{msg},
		})
		last = msg.Timestamp
	}
	return groups
}

// GroupsContaining returns the groups that include any of ids, in order.
func GroupsContaining(groups []Group, ids ...string) []Group {
	if len(ids) == 0 {
		return nil
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	out := make([]Group, 0, 1)
	for _, g := range groups {
		for _, id := range g.MessageIDs {
			if _, ok := wanted[id]; ok {
				out = append(out, g)
				break
			}
		}
	}
	return out
}

func groupID(tenantID, firstMessageID string) string {
	return uuid.NewSHA1(groupNamespace, []byte(tenantID+"/"+firstMessageID)).String()
}
