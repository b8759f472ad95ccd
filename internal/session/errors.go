package session

import "errors"

var (
	ErrInitializationFailed = errors.New("session initialization failed")
	ErrAuthenticationFailed = errors.New("session authentication failed")
	ErrNotReady             = errors.New("session not ready")
	ErrEvaluation           = errors.New("chat snapshot evaluation failed")
	ErrRemovalRace          = errors.New("session is being removed")
	ErrSessionNotFound      = errors.New("session not found")
	ErrNoSelection          = errors.New("no conversation selected")
	ErrInvalidTenant        = errors.New("tenant id is required")
	ErrQueueClosed          = errors.New("initialization queue closed")
)

// IsRetryable reports whether the caller should back off and retry the
// same operation instead of re-creating the session.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotReady)
}
