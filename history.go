package durable

import (
	"encoding/json"
	"time"
)

// EventType tags one history event variant.
type EventType string

const (
	EventOrchestratorStarted   EventType = "orchestrator_started"
	EventOrchestratorCompleted EventType = "orchestrator_completed"
	EventActivityScheduled     EventType = "activity_scheduled"
	EventActivityCompleted     EventType = "activity_completed"
	EventActivityFailed        EventType = "activity_failed"
	EventTimerCreated          EventType = "timer_created"
	EventTimerFired            EventType = "timer_fired"
	EventExternalReceived      EventType = "external_event_received"
)

// Event is one record in an instance history. Histories are append-only and
// strictly ordered: replay determinism depends on that order, so events are
// immutable once written.
type Event struct {
	// Sequence is the position of the event in the instance history,
	// assigned by the store on append, starting at 1.
	Sequence int64 `json:"sequence"`

	Type EventType `json:"type"`

	// TaskID correlates a Scheduled/Created event with its
	// Completed/Failed/Fired counterpart. Task ids are issued by the
	// orchestration context in code order, so the same logic always asks
	// for the same ids. Zero for events that have no task identity
	// (started, completed, external).
	TaskID int64 `json:"task_id,omitempty"`

	// Name is the activity name for activity events and the external
	// event name for external events.
	Name string `json:"name,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`

	// Error carries the terminal failure text for ActivityFailed.
	Error string `json:"error,omitempty"`

	// FireAt is the absolute wake time for TimerCreated.
	FireAt time.Time `json:"fire_at,omitempty"`

	// Timestamp is the append time stamped by the store clock. It is
	// the only time orchestration code may observe.
	Timestamp time.Time `json:"timestamp"`
}

// IsScheduling reports whether the event opens a suspension that a later
// completion event will close.
func (e Event) IsScheduling() bool {
	return e.Type == EventActivityScheduled || e.Type == EventTimerCreated
}

// IsCompletion reports whether the event closes the suspension identified by
// TaskID.
func (e Event) IsCompletion() bool {
	switch e.Type {
	case EventActivityCompleted, EventActivityFailed, EventTimerFired:
		return true
	}
	return false
}
