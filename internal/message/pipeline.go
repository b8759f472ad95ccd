package message

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/memohai/groupwatch/internal/automation"
	"github.com/memohai/groupwatch/internal/media"
	"github.com/memohai/groupwatch/internal/metrics"
)

// Result reports what Ingest did with a message.
type Result string

const (
	ResultAccepted  Result = "accepted"
	ResultDuplicate Result = "duplicate"
	ResultFiltered  Result = "filtered"
)

// Target is the per-tenant state the pipeline reads and mutates.
// Context is cancelled and Active turns false when the tenant is removed.
type Target interface {
	TenantID() string
	Context() context.Context
	Active() bool
	Selection() Selection
	History() *History
	Downloader() media.Downloader
}

// AttachmentFetcher downloads attachments with retries.
type AttachmentFetcher interface {
	Download(ctx context.Context, d media.Downloader, req media.FetchRequest) (media.Payload, error)
}

// AttachmentStore persists downloaded payloads and returns their reference.
type AttachmentStore interface {
	Store(ctx context.Context, tenantID, messageID, kind string, payload media.Payload) (media.Asset, error)
}

// PipelineConfig tunes grouping.
type PipelineConfig struct {
	GroupGap time.Duration
}

// Pipeline filters, deduplicates, groups and enriches inbound messages.
// It holds no per-tenant state of its own.
type Pipeline struct {
	logger    *slog.Logger
	fetcher   AttachmentFetcher
	store     AttachmentStore
	feed      FeedSink
	publisher Publisher
	gap       time.Duration
	now       func() time.Time
	inflight  sync.WaitGroup

	feedOnce  sync.Once
	feedQueue chan feedUpdate
}

// feedQueueSize bounds pending sink updates. Updates beyond it are dropped.
const feedQueueSize = 256

type feedUpdate struct {
	ctx      context.Context
	tenantID string
	group    Group
	snapshot []Message
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(log *slog.Logger, cfg PipelineConfig, fetcher AttachmentFetcher, store AttachmentStore, feed FeedSink, publisher Publisher) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	gap := cfg.GroupGap
	if gap <= 0 {
		gap = DefaultGroupGap
	}
	return &Pipeline{
		logger:    log.With(slog.String("component", "ingest")),
		fetcher:   fetcher,
		store:     store,
		feed:      feed,
		publisher: publisher,
		gap:       gap,
		now:       time.Now,
	}
}

// SetPublisher replaces the live-event publisher.
func (p *Pipeline) SetPublisher(publisher Publisher) {
	p.publisher = publisher
}

// Normalize converts a raw platform message. Body has the duplicate-link
// collapse applied.
func (p *Pipeline) Normalize(raw automation.Message) Message {
	kind := KindFromPlatform(raw.Type)
	body := CollapseDuplicateLinks(raw.Body)
	return Message{
		ID:             raw.ID,
		ConversationID: raw.ConversationID,
		AuthorID:       raw.AuthorID,
		Kind:           kind,
		Body:           body,
		HasAttachment:  raw.HasMedia,
		Timestamp:      raw.Timestamp,
		ReceivedAt:     p.now().Unix(),
		Content:        NewContent(kind, body, raw.Type),
	}
}

// Ingest processes one live message for target.
func (p *Pipeline) Ingest(ctx context.Context, target Target, raw automation.Message) Result {
	if target == nil || !target.Active() {
		return ResultFiltered
	}
	if !target.Selection().Accepts(raw.ConversationID, raw.AuthorID) {
		metrics.MessagesIngested.WithLabelValues(string(ResultFiltered)).Inc()
		return ResultFiltered
	}
	msg := p.Normalize(raw)
	history := target.History()
	if !history.Add(msg) {
		metrics.MessagesIngested.WithLabelValues(string(ResultDuplicate)).Inc()
		return ResultDuplicate
	}
	metrics.MessagesIngested.WithLabelValues(string(ResultAccepted)).Inc()

	if msg.HasAttachment {
		p.fetchAsync(target, msg, raw.Ref())
	}
	p.forward(ctx, target, msg.ID)
	return ResultAccepted
}

// Merge adds backfilled messages whose ids are unknown and forwards only
// the groups containing them.
func (p *Pipeline) Merge(ctx context.Context, target Target, raws []automation.Message) []Group {
	if target == nil || !target.Active() || len(raws) == 0 {
		return nil
	}
	selection := target.Selection()
	refs := make(map[string]string, len(raws))
	candidates := make([]Message, 0, len(raws))
	for _, raw := range raws {
		if !selection.Accepts(raw.ConversationID, raw.AuthorID) {
			continue
		}
		refs[raw.ID] = raw.Ref()
		candidates = append(candidates, p.Normalize(raw))
	}
	added := target.History().Merge(candidates)
	if len(added) == 0 {
		return nil
	}
	metrics.MessagesIngested.WithLabelValues(string(ResultAccepted)).Add(float64(len(added)))

	ids := make([]string, 0, len(added))
	for _, msg := range added {
		ids = append(ids, msg.ID)
		if msg.HasAttachment {
			p.fetchAsync(target, msg, refs[msg.ID])
		}
	}
	return p.forward(ctx, target, ids...)
}

// Groups recomputes every group of the target history.
func (p *Pipeline) Groups(target Target) []Group {
	return BuildGroups(target.TenantID(), target.History().Snapshot(), p.gap)
}

// Wait blocks until in-flight attachment fetches and sink updates finish.
func (p *Pipeline) Wait() {
	p.inflight.Wait()
}

func (p *Pipeline) forward(ctx context.Context, target Target, ids ...string) []Group {
	if !target.Active() {
		return nil
	}
	snapshot := target.History().Snapshot()
	affected := GroupsContaining(BuildGroups(target.TenantID(), snapshot, p.gap), ids...)
	for _, group := range affected {
		if p.feed != nil {
			p.notifyFeed(feedUpdate{ctx: ctx, tenantID: target.TenantID(), group: group, snapshot: snapshot})
		}
		if p.publisher != nil {
			p.publisher.PublishGroup(target.TenantID(), group)
		}
	}
	return affected
}

// notifyFeed hands u to the sink worker without blocking the caller.
// Updates reach the sink in the order they were produced.
func (p *Pipeline) notifyFeed(u feedUpdate) {
	p.feedOnce.Do(func() {
		p.feedQueue = make(chan feedUpdate, feedQueueSize)
		go p.runFeed()
	})
	p.inflight.Add(1)
	select {
	case p.feedQueue <- u:
	default:
		p.inflight.Done()
		p.logger.Warn("feed sink backlog full, dropping update",
			slog.String("tenant_id", u.tenantID),
			slog.String("group_id", u.group.ID),
		)
	}
}

func (p *Pipeline) runFeed() {
	for u := range p.feedQueue {
		p.feed.OnGroupUpdated(u.ctx, u.tenantID, u.group, u.snapshot)
		p.inflight.Done()
	}
}

func (p *Pipeline) fetchAsync(target Target, msg Message, ref string) {
	if p.fetcher == nil {
		return
	}
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.fetchAttachment(target, msg, ref)
	}()
}

// fetchAttachment never fails the message: on error it stays
// HasAttachment with an empty AttachmentRef.
func (p *Pipeline) fetchAttachment(target Target, msg Message, ref string) {
	ctx := target.Context()
	tenantID := target.TenantID()
	payload, err := p.fetcher.Download(ctx, target.Downloader(), media.FetchRequest{
		TenantID:   tenantID,
		MessageID:  msg.ID,
		Ref:        ref,
		LargeMedia: msg.Kind.LargeMedia(),
	})
	if !target.Active() {
		return
	}
	if err != nil {
		p.logger.Warn("attachment unavailable",
			slog.String("tenant_id", tenantID),
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
		return
	}
	if p.store == nil {
		return
	}
	asset, err := p.store.Store(ctx, tenantID, msg.ID, string(msg.Kind), payload)
	if err != nil {
		p.logger.Warn("attachment store failed",
			slog.String("tenant_id", tenantID),
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
		return
	}
	if _, changed := target.History().SetAttachment(msg.ID, asset.StorageKey); !changed {
		return
	}
	p.forward(ctx, target, msg.ID)
}
