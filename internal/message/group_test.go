package message

import (
	"testing"
	"time"
)

func msgAt(id, author string, ts int64) Message {
	return Message{ID: id, ConversationID: "c1", AuthorID: author, Kind: KindText, Timestamp: ts}
}

func TestBuildGroupsSplitsOnAuthorChange(t *testing.T) {
	t.Parallel()

	history := []Message{
		msgAt("m1", "X", 0),
		msgAt("m2", "X", 60),
		msgAt("m3", "Y", 120),
		msgAt("m4", "X", 400),
	}
	groups := BuildGroups("t1", history, 300*time.Second)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	want := []struct {
		author string
		ids    []string
		start  int64
	}{
		{author: "X", ids: []string{"m1", "m2"}, start: 0},
		{author: "Y", ids: []string{"m3"}, start: 120},
		{author: "X", ids: []string{"m4"}, start: 400},
	}
	for i, w := range want {
		g := groups[i]
		if g.AuthorID != w.author || g.StartTimestamp != w.start {
			t.Fatalf("group %d: got author %s start %d", i, g.AuthorID, g.StartTimestamp)
		}
		if len(g.MessageIDs) != len(w.ids) {
			t.Fatalf("group %d: got ids %v, want %v", i, g.MessageIDs, w.ids)
		}
		for j := range w.ids {
			if g.MessageIDs[j] != w.ids[j] {
				t.Fatalf("group %d: got ids %v, want %v", i, g.MessageIDs, w.ids)
			}
		}
	}
}

func TestBuildGroupsSplitsOnGap(t *testing.T) {
	t.Parallel()

	groups := BuildGroups("t1", []Message{
		msgAt("m1", "X", 0),
		msgAt("m2", "X", 300),
		msgAt("m3", "X", 601),
	}, 5*time.Minute)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if len(groups[0].MessageIDs) != 2 || groups[1].MessageIDs[0] != "m3" {
		t.Fatalf("unexpected grouping: %+v", groups)
	}
}

func TestBuildGroupsSortsInput(t *testing.T) {
	t.Parallel()

	groups := BuildGroups("t1", []Message{
		msgAt("m2", "X", 60),
		msgAt("m1", "X", 0),
	}, time.Minute)
	if len(groups) != 1 || groups[0].MessageIDs[0] != "m1" {
		t.Fatalf("unexpected grouping: %+v", groups)
	}
}

func TestGroupIDsAreStable(t *testing.T) {
	t.Parallel()

	history := []Message{msgAt("m1", "X", 0), msgAt("m2", "X", 10)}
	a := BuildGroups("t1", history, time.Minute)
	b := BuildGroups("t1", append(history, msgAt("m3", "X", 20)), time.Minute)
	if a[0].ID != b[0].ID {
		t.Fatalf("group id changed when the run grew: %s vs %s", a[0].ID, b[0].ID)
	}
	other := BuildGroups("t2", history, time.Minute)
	if other[0].ID == a[0].ID {
		t.Fatalf("group ids must differ across tenants")
	}
}

func TestGroupsContaining(t *testing.T) {
	t.Parallel()

	groups := BuildGroups("t1", []Message{
		msgAt("m1", "X", 0),
		msgAt("m2", "Y", 10),
		msgAt("m3", "X", 20),
	}, time.Minute)
	got := GroupsContaining(groups, "m3", "m1")
	if len(got) != 2 || got[0].MessageIDs[0] != "m1" || got[1].MessageIDs[0] != "m3" {
		t.Fatalf("unexpected groups: %+v", got)
	}
	if GroupsContaining(groups) != nil {
		t.Fatalf("expected nil for no ids")
	}
}
