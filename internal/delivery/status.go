package delivery

import (
	"fmt"
	"time"
)

// State is the queue's user-visible condition.
type State string

const (
	StateIdle         State = "idle"
	StateDelivering   State = "delivering"
	StateStalled      State = "stalled"
	StateAuthRequired State = "auth_required"
)

// Status is a snapshot of the queue for display.
type Status struct {
	State     State
	SessionID string
	Pending   int
	Index     int // head segment, meaningful when Pending > 0
	Attempt   int
	LastError string
	RetryIn   time.Duration
	Delivered int
	Failed    int
}

func (s Status) String() string {
	switch s.State {
	case StateDelivering:
		return fmt.Sprintf("delivering segment %d (%d queued)", s.Index, s.Pending)
	case StateStalled:
		return fmt.Sprintf("stalled on segment %d after %d attempts: %s; retrying in %s",
			s.Index, s.Attempt, s.LastError, s.RetryIn.Round(time.Millisecond))
	case StateAuthRequired:
		return fmt.Sprintf("authentication required; %d segments waiting", s.Pending)
	default:
		return fmt.Sprintf("idle (%d delivered, %d failed)", s.Delivered, s.Failed)
	}
}

// EntryState is where a queued segment is in its delivery lifecycle.
type EntryState string

const (
	EntryPending         EntryState = "pending"
	EntryInFlight        EntryState = "in_flight"
	EntryAwaitingBackoff EntryState = "awaiting_backoff"
	EntryDone            EntryState = "done"
	EntryFailed          EntryState = "failed"
)
