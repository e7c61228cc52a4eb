// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"fmt"
	"time"
)

// SessionStatus is the state of a booked session.
type SessionStatus string

const (
	SessionRequested SessionStatus = "REQUESTED"
	SessionAccepted  SessionStatus = "ACCEPTED"
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// allowedTransitions lists every legal status change. COMPLETED and
// CANCELLED are terminal.
var allowedTransitions = map[SessionStatus][]SessionStatus{
	SessionRequested: {SessionAccepted, SessionCancelled},
	SessionAccepted:  {SessionActive, SessionCancelled},
	SessionActive:    {SessionCompleted, SessionCancelled},
}

// Cancellation carries the required context for a CANCELLED transition.
type Cancellation struct {
	By     string // user id of whoever cancelled
	Reason string
}

// Terminal reports whether no further transitions are allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition applies a status change to the session, recording the side
// effects the new state requires. Illegal transitions (including any
// transition out of a terminal state) are rejected with a validation error
// and leave the session untouched.
func Transition(sess *Session, to SessionStatus, cancel *Cancellation, now time.Time) error {
	if !CanTransition(sess.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Status, to)
	}

	switch to {
	case SessionAccepted:
		if sess.StartTime == nil {
			t := now
			sess.StartTime = &t
		}
	case SessionActive:
		// No side effects; the sitter has arrived.
	case SessionCancelled:
		if cancel == nil || cancel.By == "" {
			return fmt.Errorf("%w: cancellation requires cancelled_by", ErrInvalidTransition)
		}
		t := now
		sess.CancelledAt = &t
		sess.CancelledBy = cancel.By
		sess.CancellationReason = cancel.Reason
	case SessionCompleted:
		t := now
		sess.CompletedAt = &t
		if sess.EndTime == nil {
			sess.EndTime = &t
		}
	}

	sess.Status = to
	return nil
}
