package message

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/memohai/groupwatch/internal/automation"
	"github.com/memohai/groupwatch/internal/media"
)

type fakeTarget struct {
	tenantID  string
	ctx       context.Context
	cancel    context.CancelFunc
	active    atomic.Bool
	selection Selection
	history   *History
}

func newFakeTarget(tenantID string, sel Selection) *fakeTarget {
	ctx, cancel := context.WithCancel(context.Background())
	t := &fakeTarget{tenantID: tenantID, ctx: ctx, cancel: cancel, selection: sel, history: NewHistory(0)}
	t.active.Store(true)
	return t
}

func (f *fakeTarget) TenantID() string             { return f.tenantID }
func (f *fakeTarget) Context() context.Context     { return f.ctx }
func (f *fakeTarget) Active() bool                 { return f.active.Load() }
func (f *fakeTarget) Selection() Selection         { return f.selection }
func (f *fakeTarget) History() *History            { return f.history }
func (f *fakeTarget) Downloader() media.Downloader { return nil }

func (f *fakeTarget) remove() {
	f.active.Store(false)
	f.cancel()
	f.history.Seal()
}

type fakeFetcher struct {
	err     error
	release chan struct{}
	calls   atomic.Int32
}

func (f *fakeFetcher) Download(ctx context.Context, _ media.Downloader, req media.FetchRequest) (media.Payload, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return media.Payload{}, f.err
	}
	return media.Payload{Mime: "image/jpeg", Data: []byte("img-" + req.MessageID)}, nil
}

type fakeStore struct{}

func (fakeStore) Store(_ context.Context, tenantID, messageID, kind string, _ media.Payload) (media.Asset, error) {
	return media.Asset{StorageKey: tenantID + "/" + kind + "/" + messageID}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	groups map[string][]Group
}

func (r *recordingPublisher) PublishGroup(tenantID string, group Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups == nil {
		r.groups = map[string][]Group{}
	}
	r.groups[tenantID] = append(r.groups[tenantID], group)
}

func (r *recordingPublisher) count(tenantID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups[tenantID])
}

func (r *recordingPublisher) last(tenantID string) Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.groups[tenantID]
	return items[len(items)-1]
}

type recordingFeed struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (r *recordingFeed) OnGroupUpdated(context.Context, string, Group, []Message) {
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

func (r *recordingFeed) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestPipeline(fetcher AttachmentFetcher, pub Publisher, feed FeedSink) *Pipeline {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPipeline(log, PipelineConfig{GroupGap: 5 * time.Minute}, fetcher, fakeStore{}, feed, pub)
	p.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return p
}

func raw(id, conv, author string, ts int64) automation.Message {
	return automation.Message{ID: id, ConversationID: conv, AuthorID: author, Type: "chat", Body: "hi " + id, Timestamp: ts}
}

func TestPipelineFiltersBySelection(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	p := newTestPipeline(nil, pub, nil)

	unselected := newFakeTarget("t1", Selection{})
	if got := p.Ingest(context.Background(), unselected, raw("m1", "c1", "a", 1)); got != ResultFiltered {
		t.Fatalf("expected filtered without selection, got %s", got)
	}

	target := newFakeTarget("t1", Selection{ConversationID: "c1", ParticipantFilter: "alice"})
	if got := p.Ingest(context.Background(), target, raw("m1", "c2", "alice", 1)); got != ResultFiltered {
		t.Fatalf("expected filtered for other conversation, got %s", got)
	}
	if got := p.Ingest(context.Background(), target, raw("m2", "c1", "bob", 1)); got != ResultFiltered {
		t.Fatalf("expected filtered for other author, got %s", got)
	}
	if got := p.Ingest(context.Background(), target, raw("m3", "c1", "alice", 1)); got != ResultAccepted {
		t.Fatalf("expected accepted, got %s", got)
	}
	if target.history.Len() != 1 || pub.count("t1") != 1 {
		t.Fatalf("expected one message and one group event")
	}
}

func TestPipelineDeduplicatesAndCollapsesLinks(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	feed := &recordingFeed{}
	p := newTestPipeline(nil, pub, feed)
	target := newFakeTarget("t1", Selection{ConversationID: "c1"})

	msg := raw("m1", "c1", "a", 10)
	msg.Body = "linkA\nDownload any one link\nlinkB\nlinkC"
	if got := p.Ingest(context.Background(), target, msg); got != ResultAccepted {
		t.Fatalf("expected accepted, got %s", got)
	}
	if got := p.Ingest(context.Background(), target, msg); got != ResultDuplicate {
		t.Fatalf("expected duplicate, got %s", got)
	}
	p.Wait()
	stored, _ := target.history.get("m1")
	if stored.Body != "linkA\nDownload any one link\nlinkB" {
		t.Fatalf("unexpected body: %q", stored.Body)
	}
	if _, ok := stored.Content.(TextContent); !ok {
		t.Fatalf("expected text content, got %T", stored.Content)
	}
	if pub.count("t1") != 1 || feed.count() != 1 {
		t.Fatalf("duplicate must not be forwarded: pub=%d feed=%d", pub.count("t1"), feed.count())
	}
}

func TestPipelineForwardsAffectedGroupOnly(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	p := newTestPipeline(nil, pub, nil)
	target := newFakeTarget("t1", Selection{ConversationID: "c1"})

	p.Ingest(context.Background(), target, raw("m1", "c1", "X", 0))
	p.Ingest(context.Background(), target, raw("m2", "c1", "Y", 120))
	p.Ingest(context.Background(), target, raw("m3", "c1", "X", 60))

	last := pub.last("t1")
	if last.AuthorID != "X" || len(last.MessageIDs) != 2 || last.MessageIDs[1] != "m3" {
		t.Fatalf("expected late message grouped with m1, got %+v", last)
	}
}

func TestPipelineMergeForwardsOnlyNewMessages(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	p := newTestPipeline(nil, pub, nil)
	target := newFakeTarget("t1", Selection{ConversationID: "c1"})

	p.Ingest(context.Background(), target, raw("live", "c1", "Z", 5000))
	before := pub.count("t1")

	groups := p.Merge(context.Background(), target, []automation.Message{
		raw("live", "c1", "Z", 5000),
		raw("old-1", "c1", "X", 10),
		raw("old-2", "c1", "X", 20),
		raw("other", "c9", "X", 30),
	})
	if len(groups) != 1 || len(groups[0].MessageIDs) != 2 {
		t.Fatalf("expected one group of two backfilled messages, got %+v", groups)
	}
	if pub.count("t1")-before != 1 {
		t.Fatalf("expected one forwarded group, got %d", pub.count("t1")-before)
	}
	if snapshot := target.history.Snapshot(); snapshot[0].ID != "old-1" || snapshot[2].ID != "live" {
		t.Fatalf("history not sorted after merge: %+v", snapshot)
	}
	if again := p.Merge(context.Background(), target, []automation.Message{raw("old-1", "c1", "X", 10)}); again != nil {
		t.Fatalf("re-merging known ids must be a no-op")
	}
}

func TestPipelineAttachmentSuccessSetsRef(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	p := newTestPipeline(&fakeFetcher{}, pub, nil)
	target := newFakeTarget("t1", Selection{ConversationID: "c1"})

	msg := raw("m1", "c1", "a", 1)
	msg.Type = "image"
	msg.HasMedia = true
	p.Ingest(context.Background(), target, msg)
	p.Wait()

	stored, _ := target.history.get("m1")
	if !stored.HasAttachment || stored.AttachmentRef != "t1/image/m1" {
		t.Fatalf("expected attachment ref, got %+v", stored)
	}
	if pub.count("t1") != 2 {
		t.Fatalf("expected group re-forwarded after enrichment, got %d", pub.count("t1"))
	}
}

func TestPipelineAttachmentFailureIsSoft(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&fakeFetcher{err: media.ErrAttachmentDownloadFailed}, &recordingPublisher{}, nil)
	target := newFakeTarget("t1", Selection{ConversationID: "c1"})

	msg := raw("m1", "c1", "a", 1)
	msg.Type = "video"
	msg.HasMedia = true
	if got := p.Ingest(context.Background(), target, msg); got != ResultAccepted {
		t.Fatalf("expected accepted, got %s", got)
	}
	p.Wait()
	stored, _ := target.history.get("m1")
	if !stored.HasAttachment || stored.AttachmentRef != "" {
		t.Fatalf("expected flagged attachment without ref, got %+v", stored)
	}
}

func TestPipelineDiscardsDownloadAfterRemoval(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	fetcher := &fakeFetcher{release: make(chan struct{})}
	p := newTestPipeline(fetcher, pub, nil)
	target := newFakeTarget("t1", Selection{ConversationID: "c1"})

	msg := raw("m1", "c1", "a", 1)
	msg.Type = "image"
	msg.HasMedia = true
	p.Ingest(context.Background(), target, msg)
	before := pub.count("t1")

	target.remove()
	close(fetcher.release)
	p.Wait()

	if pub.count("t1") != before {
		t.Fatalf("late download produced events after removal")
	}
	if target.history.Len() != 0 || fetcher.calls.Load() != 1 {
		t.Fatalf("late download mutated history after removal")
	}
}

func TestPipelineIsolatesTenants(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	p := newTestPipeline(nil, pub, nil)
	a := newFakeTarget("a", Selection{ConversationID: "c1"})
	b := newFakeTarget("b", Selection{ConversationID: "c1"})

	p.Ingest(context.Background(), a, raw("m1", "c1", "x", 1))
	if b.history.Len() != 0 || pub.count("b") != 0 {
		t.Fatalf("tenant b affected by tenant a ingestion")
	}
}

func TestPipelineSlowFeedSinkDoesNotBlockIngest(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	feed := &recordingFeed{release: make(chan struct{})}
	p := newTestPipeline(nil, pub, feed)
	target := newFakeTarget("t1", Selection{ConversationID: "c1"})

	done := make(chan Result, 1)
	go func() { done <- p.Ingest(context.Background(), target, raw("m1", "c1", "a", 1)) }()
	select {
	case got := <-done:
		if got != ResultAccepted {
			t.Fatalf("expected accepted, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("ingest blocked on the feed sink")
	}
	if pub.count("t1") != 1 {
		t.Fatalf("live event must not wait for the feed sink")
	}

	close(feed.release)
	p.Wait()
	if feed.count() != 1 {
		t.Fatalf("expected one sink update, got %d", feed.count())
	}
}
