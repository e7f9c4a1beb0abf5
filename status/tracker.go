// Package status tracks the current processing state of every ingested
// event. One entry per request ID, last write wins, no history; entries
// live for the lifetime of the process.
package status

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/lily-data/metapipe/telemetry"
)

// State is a processing state in the event lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transitions follow this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Status is the current processing status of one event.
type Status struct {
	RequestID string    `json:"requestId"`
	State     State     `json:"status"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tracker is a concurrent status store keyed by request ID. Writers to
// different keys are independent; writers to the same key race benignly
// to last-write-wins.
type Tracker struct {
	entries *xsync.MapOf[string, Status]
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries: xsync.NewMapOf[string, Status](),
	}
}

// Update overwrites the status for requestID unconditionally.
func (t *Tracker) Update(requestID string, state State, message string) {
	prev, existed := t.entries.Load(requestID)
	t.entries.Store(requestID, Status{
		RequestID: requestID,
		State:     state,
		Message:   message,
		UpdatedAt: time.Now(),
	})

	if existed {
		telemetry.StatusByState.With(string(prev.State)).Dec()
	}
	telemetry.StatusByState.With(string(state)).Inc()
}

// Get returns the current status for requestID. The second return is
// false for unknown IDs; Get never panics.
func (t *Tracker) Get(requestID string) (Status, bool) {
	return t.entries.Load(requestID)
}

// Len returns the number of tracked requests.
func (t *Tracker) Len() int {
	return t.entries.Size()
}
