package message

import "testing"

func TestHistoryAddIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	if !h.Add(msgAt("m1", "X", 10)) {
		t.Fatalf("expected first add to succeed")
	}
	if h.Add(msgAt("m1", "X", 99)) {
		t.Fatalf("expected duplicate to be ignored")
	}
	if h.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", h.Len())
	}
	got, _ := h.get("m1")
	if got.Timestamp != 10 {
		t.Fatalf("duplicate must not overwrite: %+v", got)
	}
}

func TestHistoryStaysSorted(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	h.Add(msgAt("live-2", "X", 200))
	h.Add(msgAt("live-1", "X", 100))
	added := h.Merge([]Message{msgAt("old-1", "Y", 10), msgAt("live-1", "X", 100), msgAt("old-2", "Y", 150)})
	if len(added) != 2 || added[0].ID != "old-1" || added[1].ID != "old-2" {
		t.Fatalf("unexpected merge result: %+v", added)
	}
	snapshot := h.Snapshot()
	want := []string{"old-1", "live-1", "old-2", "live-2"}
	for i, id := range want {
		if snapshot[i].ID != id {
			t.Fatalf("position %d: got %s, want %s", i, snapshot[i].ID, id)
		}
	}
}

func TestHistoryCapDropsOldest(t *testing.T) {
	t.Parallel()

	h := NewHistory(2)
	h.Add(msgAt("m1", "X", 1))
	h.Add(msgAt("m2", "X", 2))
	h.Add(msgAt("m3", "X", 3))
	if h.has("m1") || !h.has("m3") || h.Len() != 2 {
		t.Fatalf("unexpected contents: %+v", h.Snapshot())
	}
}

func TestHistorySetAttachmentOnce(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	h.Add(Message{ID: "m1", HasAttachment: true, Timestamp: 1})
	if _, ok := h.SetAttachment("m1", "ref-1"); !ok {
		t.Fatalf("expected first set to succeed")
	}
	if _, ok := h.SetAttachment("m1", "ref-2"); ok {
		t.Fatalf("expected second set to be ignored")
	}
	got, _ := h.get("m1")
	if got.AttachmentRef != "ref-1" {
		t.Fatalf("unexpected ref: %s", got.AttachmentRef)
	}
}

func TestHistorySealIgnoresMutations(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	h.Add(Message{ID: "m1", HasAttachment: true, Timestamp: 1})
	h.Seal()
	if h.Add(msgAt("m2", "X", 2)) {
		t.Fatalf("sealed history accepted add")
	}
	if added := h.Merge([]Message{msgAt("m3", "X", 3)}); added != nil {
		t.Fatalf("sealed history accepted merge")
	}
	if _, ok := h.SetAttachment("m1", "ref"); ok {
		t.Fatalf("sealed history accepted attachment")
	}
	if h.Len() != 0 || !h.isSealed() {
		t.Fatalf("sealed history should be empty")
	}
}
