package event

import "time"

// Type names an event published on a tenant channel.
type Type string

const (
	TypeState           Type = "state"
	TypeQRChallenge     Type = "qr_challenge"
	TypeAuthenticated   Type = "authenticated"
	TypeAuthFailure     Type = "auth_failure"
	TypeDisconnected    Type = "disconnected"
	TypeLoadingProgress Type = "loading_progress"
	TypeFullyLoaded     Type = "fully_loaded"
	TypeNewMessageGroup Type = "new_message_group"
	TypeError           Type = "error"
)

// Event is one notification delivered to a tenant's subscribers.
type Event struct {
	TenantID string    `json:"tenant_id"`
	Type     Type      `json:"type"`
	Time     time.Time `json:"time"`
	Data     any       `json:"data,omitempty"`
}

// StatePayload accompanies TypeState.
type StatePayload struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
}

// QRPayload accompanies TypeQRChallenge.
type QRPayload struct {
	QR string `json:"qr"`
}

// ReasonPayload accompanies TypeAuthFailure and TypeDisconnected.
type ReasonPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ProgressPayload accompanies TypeLoadingProgress. ETASeconds is nil
// until a positive loading rate has been observed.
type ProgressPayload struct {
	Loaded     int      `json:"loaded"`
	Total      int      `json:"total"`
	State      string   `json:"state"`
	ETASeconds *float64 `json:"eta_seconds,omitempty"`
}

// FullyLoadedPayload accompanies TypeFullyLoaded.
type FullyLoadedPayload struct {
	GroupsAvailable int `json:"groups_available"`
}

// ErrorPayload accompanies TypeError.
type ErrorPayload struct {
	Message string `json:"message"`
}
