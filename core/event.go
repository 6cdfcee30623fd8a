package core

import (
	"context"
	"encoding/json"
)

// EventStatus is the lifecycle phase reported by a push event.
type EventStatus string

const (
	// StatusProgress reports intermediate progress; it never resolves a
	// waiter.
	StatusProgress EventStatus = "progress"
	// StatusSucceeded is the terminal success status.
	StatusSucceeded EventStatus = "succeeded"
	// StatusFailed is the terminal business-failure status.
	StatusFailed EventStatus = "failed"
)

// Event is one server push on the subscription channel. State is the
// correlation key matching the event to the invocation that triggered it.
// Delivery is at-least-once: duplicates and events for unknown keys must
// be tolerated by the receiver.
type Event struct {
	State       State           `json:"state"`
	Status      EventStatus     `json:"status"`
	Error       string          `json:"error,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	ID          string          `json:"id,omitempty"`
	RetryMillis int             `json:"retry_ms,omitempty"`
}

// Terminal reports whether the event resolves its correlation key. At most
// one terminal event is delivered to a waiter per key.
func (e Event) Terminal() bool {
	return e.Status == StatusSucceeded || e.Status == StatusFailed
}

// Waiter is a handle on one pending operation. Await suspends until the
// terminal event arrives, the context is done, or the channel is lost.
// Cancel releases the pending entry; it is safe to call more than once and
// after resolution.
type Waiter interface {
	Await(ctx context.Context) (Event, error)
	Cancel()
}
