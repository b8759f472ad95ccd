// Package session owns the per-tenant platform sessions: their state
// machine, the global initialization queue, readiness polling and the
// pool that composes them.
package session

import "fmt"

// State is a session lifecycle state.
type State string

const (
	StateIdle                   State = "idle"
	StateQueued                 State = "queued"
	StateInitializing           State = "initializing"
	StateAwaitingAuthentication State = "awaiting_authentication"
	StateAuthenticated          State = "authenticated"
	StateReadinessPolling       State = "readiness_polling"
	StateReady                  State = "ready"
	StateDisconnected           State = "disconnected"
	StateFailed                 State = "failed"
)

var transitions = map[State][]State{
	StateIdle:                   {StateQueued},
	StateQueued:                 {StateInitializing, StateFailed},
	StateInitializing:           {StateAwaitingAuthentication, StateAuthenticated, StateDisconnected, StateFailed},
	StateAwaitingAuthentication: {StateAwaitingAuthentication, StateInitializing, StateAuthenticated, StateDisconnected, StateFailed},
	StateAuthenticated:          {StateReadinessPolling, StateDisconnected, StateFailed},
	StateReadinessPolling:       {StateReady, StateDisconnected, StateFailed},
	StateReady:                  {StateDisconnected, StateFailed},
	StateDisconnected:           {StateIdle},
	StateFailed:                 {},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Starting reports whether a startup job is queued or running. Starting
// sessions are exempt from the inactivity sweep.
func (s State) Starting() bool {
	return s == StateQueued || s == StateInitializing
}

type transitionError struct {
	from, to State
}

func (e transitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.from, e.to)
}
