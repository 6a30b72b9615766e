// Package session drives one booking attempt from service selection to a
// terminal reservation outcome.
package session

import (
	"errors"
	"sync"
)

// State is a session lifecycle state.
type State string

const (
	StateIdle             State = "idle"
	StateSelectingService State = "selecting_service"
	StateSubscribed       State = "subscribed"
	StateSlotChosen       State = "slot_chosen"
	StateSubmitting       State = "submitting"
	StateConfirmed        State = "confirmed"
	StateRejected         State = "rejected"
	StateTransportFailure State = "transport_failure"
)

// Terminal reports whether no further transitions are possible except
// Abandon.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateRejected, StateTransportFailure:
		return true
	}
	return false
}

func (s State) in(states ...State) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the current state.
	ErrInvalidTransition = errors.New("session: invalid transition")
	// ErrClosed is returned once a session has been abandoned or has failed
	// authentication.
	ErrClosed = errors.New("session: closed")
	// ErrConnectionLost is the TransportFailure cause when reconnecting gives up.
	ErrConnectionLost = errors.New("session: connection lost")
)

// Change describes one state transition.
type Change struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// Handle unregisters an observer. Dispose is idempotent.
type Handle struct {
	once    sync.Once
	dispose func()
}

func (h *Handle) Dispose() {
	if h == nil {
		return
	}
	h.once.Do(h.dispose)
}
