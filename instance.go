package durable

import (
	"encoding/json"
	"time"
)

// Status is the materialized lifecycle state of an orchestration instance.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// Instance is the status projection of one orchestration run. The event log
// is the source of truth; the projection exists so status queries never
// replay history.
type Instance struct {
	ID        string          `json:"id"`
	Input     json.RawMessage `json:"input,omitempty"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Failure   string          `json:"failure,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Active reports whether the instance still owns its history. At most one
// active instance may exist per id.
func (i *Instance) Active() bool {
	return i != nil && !i.Status.Terminal()
}
