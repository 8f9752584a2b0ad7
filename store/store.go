package store

import (
	"context"
	"encoding/json"
	"time"

	durable "github.com/goliatone/go-durable"
)

// ExecutionStore persists per-instance append-only event logs plus the
// materialized status projection. Each instance's history is exclusively
// owned by the goroutine running that instance; the store itself must be
// safe for concurrent use across instances.
//
// The log layout is an internal contract versioned together with the replay
// logic that reads it; cross-version compatibility is not part of the
// interface.
type ExecutionStore interface {
	// CreateInstance registers an instance for id. When an active
	// instance already exists it is returned unchanged with
	// created=false (idempotent start). A terminal instance under the
	// same id is discarded together with its history and a fresh run is
	// created.
	CreateInstance(ctx context.Context, id string, input json.RawMessage) (inst *durable.Instance, created bool, err error)

	// AppendEvents durably appends events to the instance history,
	// stamping sequence numbers and timestamps. The stamped events are
	// returned in append order. The append commits before the side
	// effect it records is considered to have happened.
	AppendEvents(ctx context.Context, id string, events ...durable.Event) ([]durable.Event, error)

	// History returns the full event log for id in sequence order.
	History(ctx context.Context, id string) ([]durable.Event, error)

	// Instance returns the status projection, ErrInstanceNotFound when
	// the id is unknown.
	Instance(ctx context.Context, id string) (*durable.Instance, error)

	// SetStatus updates the projection. Result and failure are only
	// meaningful for terminal statuses.
	SetStatus(ctx context.Context, id string, status durable.Status, result json.RawMessage, failure string) error

	// ListByStatus returns ids of instances currently in the given
	// status, used to rehydrate Running instances after a restart.
	ListByStatus(ctx context.Context, status durable.Status) ([]string, error)

	// PurgeTerminal deletes terminal instances not updated since the
	// cutoff, returning how many were removed.
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}

// Ledger is the shared activity idempotency ledger. PutIfAbsent is the
// atomic check-and-set that guarantees at-most-once effect when retries race
// with replay-induced re-issue: exactly one caller wins for a given key.
type Ledger interface {
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}
