// Package automation defines the contract between the session pool and the
// browser-automation backend that drives one platform account per tenant.
// The pool never talks to the platform directly; it only sees Session.
package automation

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by calls made after Destroy.
var ErrClosed = errors.New("automation session closed")

// EventType identifies an event emitted by a live automation session.
type EventType string

const (
	EventQR            EventType = "qr"
	EventAuthenticated EventType = "authenticated"
	EventAuthFailure   EventType = "auth_failure"
	EventDisconnected  EventType = "disconnected"
	EventMessage       EventType = "message"
)

// Event is a single notification from the automation backend.
// Only the field matching Type is populated.
type Event struct {
	Type    EventType
	QR      string
	Reason  string
	Message Message
}

// Message is the platform's raw message shape before normalisation.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	AuthorID       string `json:"author_id"`
	Type           string `json:"type"`
	Body           string `json:"body,omitempty"`
	HasMedia       bool   `json:"has_media"`
	MediaRef       string `json:"media_ref,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// Ref returns the handle used to download the message attachment.
func (m Message) Ref() string {
	if m.MediaRef != "" {
		return m.MediaRef
	}
	return m.ID
}

// ChatSnapshot is the result of evaluating the platform's chat list.
type ChatSnapshot struct {
	TotalChats   int  `json:"total_chats"`
	TotalGroups  int  `json:"total_groups"`
	LoadedGroups int  `json:"loaded_groups"`
	StillLoading bool `json:"still_loading"`
}

// Attachment is a downloaded media payload.
type Attachment struct {
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"data"`
}

// Conversation is a group chat the tenant can select for monitoring.
type Conversation struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}

// Session is one tenant's live automation resource.
type Session interface {
	Initialize(ctx context.Context) error
	OnEvent(handler func(Event))
	EvaluateChatSnapshot(ctx context.Context) (ChatSnapshot, error)
	FetchMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	DownloadAttachment(ctx context.Context, ref string) (Attachment, error)
	Conversations(ctx context.Context) ([]Conversation, error)
	Destroy(ctx context.Context) error
}

// StateExporter is implemented by sessions that can hand back an opaque
// blob for resuming an authenticated session later.
type StateExporter interface {
	ExportState(ctx context.Context) ([]byte, error)
}

// Options configures a new automation session.
type Options struct {
	TenantID     string
	AuthDir      string
	RestoreState []byte
	CallTimeout  time.Duration
}

// Factory creates automation sessions.
type Factory interface {
	New(ctx context.Context, opts Options) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, opts Options) (Session, error)

// New calls f.
func (f FactoryFunc) New(ctx context.Context, opts Options) (Session, error) {
	return f(ctx, opts)
}
