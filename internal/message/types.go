// Package message normalises inbound platform messages into per-tenant
// history, groups them into author runs and forwards the results.
package message

import (
	"context"
	"strings"
)

// Kind classifies a message by content type.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindSticker  Kind = "sticker"
)

// KindFromPlatform maps a platform type string to a Kind.
// Unknown types are treated as text.
func KindFromPlatform(raw string) Kind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "image":
		return KindImage
	case "video", "gif":
		return KindVideo
	case "audio", "ptt", "voice":
		return KindAudio
	case "document", "file":
		return KindDocument
	case "sticker":
		return KindSticker
	default:
		return KindText
	}
}

// LargeMedia reports whether payloads of this kind are subject to the
// minimum-size truncation check.
func (k Kind) LargeMedia() bool {
	return k == KindVideo || k == KindDocument
}

// Content is the kind-specific part of a message. The set of
// implementations is closed; switch on the concrete type.
type Content interface {
	Kind() Kind
	isContent()
}

type TextContent struct {
	Text string `json:"text"`
}

type ImageContent struct {
	Caption string `json:"caption,omitempty"`
}

type VideoContent struct {
	Caption string `json:"caption,omitempty"`
}

type AudioContent struct {
	Voice bool `json:"voice,omitempty"`
}

type DocumentContent struct {
	Caption string `json:"caption,omitempty"`
}

type StickerContent struct{}

func (TextContent) Kind() Kind     { return KindText }
func (ImageContent) Kind() Kind    { return KindImage }
func (VideoContent) Kind() Kind    { return KindVideo }
func (AudioContent) Kind() Kind    { return KindAudio }
func (DocumentContent) Kind() Kind { return KindDocument }
func (StickerContent) Kind() Kind  { return KindSticker }

func (TextContent) isContent()     {}
func (ImageContent) isContent()    {}
func (VideoContent) isContent()    {}
func (AudioContent) isContent()    {}
func (DocumentContent) isContent() {}
func (StickerContent) isContent()  {}

// NewContent builds the variant for kind from a body text.
func NewContent(kind Kind, body string, platformType string) Content {
	switch kind {
	case KindImage:
		return ImageContent{Caption: body}
	case KindVideo:
		return VideoContent{Caption: body}
	case KindAudio:
		return AudioContent{Voice: strings.EqualFold(platformType, "ptt")}
	case KindDocument:
		return DocumentContent{Caption: body}
	case KindSticker:
		return StickerContent{}
	default:
		return TextContent{Text: body}
	}
}

// Message is a normalised message. Only AttachmentRef changes after
// creation, and only once from empty to a value.
type Message struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	AuthorID       string  `json:"author_id"`
	Kind           Kind    `json:"kind"`
	Body           string  `json:"body,omitempty"`
	HasAttachment  bool    `json:"has_attachment"`
	AttachmentRef  string  `json:"attachment_ref,omitempty"`
	Timestamp      int64   `json:"timestamp"`
	ReceivedAt     int64   `json:"received_at"`
	Content        Content `json:"content"`
}

// Group is a maximal run of same-author messages within the gap threshold.
type Group struct {
	ID             string    `json:"id"`
	AuthorID       string    `json:"author_id"`
	ConversationID string    `json:"conversation_id"`
	StartTimestamp int64     `json:"start_timestamp"`
	MessageIDs     []string  `json:"message_ids"`
	Messages       []Message `json:"messages"`
}

// Selection is a tenant's monitoring filter.
type Selection struct {
	ConversationID    string `json:"conversation_id,omitempty"`
	ParticipantFilter string `json:"participant_filter,omitempty"`
}

// Accepts reports whether a message passes the selection.
func (s Selection) Accepts(conversationID, authorID string) bool {
	if s.ConversationID == "" || s.ConversationID != conversationID {
		return false
	}
	if s.ParticipantFilter != "" && s.ParticipantFilter != authorID {
		return false
	}
	return true
}

// FeedSink receives group updates. Calls are fire-and-forget.
type FeedSink interface {
	OnGroupUpdated(ctx context.Context, tenantID string, group Group, history []Message)
}

// Sinks fans a group update out to several sinks.
type Sinks []FeedSink

// OnGroupUpdated forwards to every non-nil sink.
func (s Sinks) OnGroupUpdated(ctx context.Context, tenantID string, group Group, history []Message) {
	for _, sink := range s {
		if sink != nil {
			sink.OnGroupUpdated(ctx, tenantID, group, history)
		}
	}
}

// Publisher pushes groups to live subscribers of a tenant.
type Publisher interface {
	PublishGroup(tenantID string, group Group)
}
