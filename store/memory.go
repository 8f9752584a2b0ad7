package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	durable "github.com/goliatone/go-durable"
)

// MemoryStore is the in-process ExecutionStore used by tests and the demo
// CLI. It is not restartable: use SQLiteStore when histories must survive
// the process.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*durable.Instance
	histories map[string][]durable.Event
	now       func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the append clock, letting tests produce stable
// timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		instances: make(map[string]*durable.Instance),
		histories: make(map[string][]durable.Event),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) CreateInstance(_ context.Context, id string, input json.RawMessage) (*durable.Instance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.instances[id]; ok {
		if existing.Active() {
			return cloneInstance(existing), false, nil
		}
		// terminal run under the same id: discard and start fresh
		delete(s.histories, id)
	}

	now := s.now()
	inst := &durable.Instance{
		ID:        id,
		Input:     append(json.RawMessage(nil), input...),
		Status:    durable.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.instances[id] = inst
	return cloneInstance(inst), true, nil
}

func (s *MemoryStore) AppendEvents(_ context.Context, id string, events ...durable.Event) ([]durable.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[id]; !ok {
		return nil, durable.ErrInstanceNotFound
	}

	history := s.histories[id]
	next := int64(len(history)) + 1
	now := s.now()

	stamped := make([]durable.Event, 0, len(events))
	for i, ev := range events {
		ev.Sequence = next + int64(i)
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		history = append(history, ev)
		stamped = append(stamped, ev)
	}
	s.histories[id] = history
	return stamped, nil
}

func (s *MemoryStore) History(_ context.Context, id string) ([]durable.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.instances[id]; !ok {
		return nil, durable.ErrInstanceNotFound
	}
	return append([]durable.Event(nil), s.histories[id]...), nil
}

func (s *MemoryStore) Instance(_ context.Context, id string) (*durable.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, durable.ErrInstanceNotFound
	}
	return cloneInstance(inst), nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status durable.Status, result json.RawMessage, failure string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return durable.ErrInstanceNotFound
	}
	inst.Status = status
	inst.Result = append(json.RawMessage(nil), result...)
	inst.Failure = failure
	inst.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status durable.Status) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, inst := range s.instances {
		if inst.Status == status {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) PurgeTerminal(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, inst := range s.instances {
		if inst.Status.Terminal() && inst.UpdatedAt.Before(olderThan) {
			delete(s.instances, id)
			delete(s.histories, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneInstance(inst *durable.Instance) *durable.Instance {
	if inst == nil {
		return nil
	}
	cp := *inst
	cp.Input = append(json.RawMessage(nil), inst.Input...)
	cp.Result = append(json.RawMessage(nil), inst.Result...)
	return &cp
}

// MemoryLedger is a non-restartable Ledger double. Production callers need
// a durable, atomically-updatable store such as LedgerStore on SQLite.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewMemoryLedger constructs an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string][]byte)}
}

func (l *MemoryLedger) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[key]; exists {
		return false, nil
	}
	l.entries[key] = append([]byte(nil), value...)
	return true, nil
}

func (l *MemoryLedger) Get(_ context.Context, key string) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	value, ok := l.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (l *MemoryLedger) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, key)
	return nil
}
