package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	durable "github.com/goliatone/go-durable"
)

func TestCreateInstanceIsIdempotentWhileActive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, created, err := s.CreateInstance(ctx, "order-1", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("expected first create to report created")
	}

	second, created, err := s.CreateInstance(ctx, "order-1", json.RawMessage(`{"a":2}`))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("expected second create to join the active run")
	}
	if string(second.Input) != string(first.Input) {
		t.Fatalf("joined run must keep original input, got %s", second.Input)
	}
}

func TestCreateInstanceRestartsTerminalRun(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.CreateInstance(ctx, "order-1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.AppendEvents(ctx, "order-1", durable.Event{Type: durable.EventOrchestratorStarted}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.SetStatus(ctx, "order-1", durable.StatusCompleted, json.RawMessage(`"ok"`), ""); err != nil {
		t.Fatalf("set status: %v", err)
	}

	inst, created, err := s.CreateInstance(ctx, "order-1", nil)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh run over the terminal instance")
	}
	if inst.Status != durable.StatusPending {
		t.Fatalf("fresh run status = %s", inst.Status)
	}

	history, err := s.History(ctx, "order-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected the old history discarded, got %d events", len(history))
	}
}

func TestAppendEventsStampsSequenceAndTimestamp(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, _, err := s.CreateInstance(ctx, "order-1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	stamped, err := s.AppendEvents(ctx, "order-1",
		durable.Event{Type: durable.EventOrchestratorStarted},
		durable.Event{Type: durable.EventActivityScheduled, TaskID: 1, Name: "ValidateOrder"},
	)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if stamped[0].Sequence != 1 || stamped[1].Sequence != 2 {
		t.Fatalf("unexpected sequences %d, %d", stamped[0].Sequence, stamped[1].Sequence)
	}
	if !stamped[1].Timestamp.Equal(now) {
		t.Fatalf("unexpected timestamp %s", stamped[1].Timestamp)
	}

	more, err := s.AppendEvents(ctx, "order-1",
		durable.Event{Type: durable.EventActivityCompleted, TaskID: 1})
	if err != nil {
		t.Fatalf("append more: %v", err)
	}
	if more[0].Sequence != 3 {
		t.Fatalf("sequence must continue, got %d", more[0].Sequence)
	}
}

func TestAppendEventsUnknownInstance(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.AppendEvents(context.Background(), "nope", durable.Event{Type: durable.EventTimerFired}); err == nil {
		t.Fatal("expected error for unknown instance")
	}
}

func TestPurgeTerminalRemovesOnlyOldTerminalRuns(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))
	ctx := context.Background()

	for _, id := range []string{"done-old", "done-new", "running"} {
		if _, _, err := s.CreateInstance(ctx, id, nil); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := s.SetStatus(ctx, "done-old", durable.StatusCompleted, nil, ""); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := s.SetStatus(ctx, "running", durable.StatusRunning, nil, ""); err != nil {
		t.Fatalf("set status: %v", err)
	}

	// done-new completes an hour later
	later := now.Add(time.Hour)
	s.now = func() time.Time { return later }
	if err := s.SetStatus(ctx, "done-new", durable.StatusFailed, nil, "boom"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	purged, err := s.PurgeTerminal(ctx, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	if _, err := s.Instance(ctx, "done-old"); err == nil {
		t.Fatal("expected done-old removed")
	}
	if _, err := s.Instance(ctx, "done-new"); err != nil {
		t.Fatalf("done-new should survive: %v", err)
	}
	if _, err := s.Instance(ctx, "running"); err != nil {
		t.Fatalf("running should survive: %v", err)
	}
}

func TestListByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := s.CreateInstance(ctx, id, nil); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := s.SetStatus(ctx, "b", durable.StatusRunning, nil, ""); err != nil {
		t.Fatalf("set status: %v", err)
	}

	running, err := s.ListByStatus(ctx, durable.StatusRunning)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(running) != 1 || running[0] != "b" {
		t.Fatalf("unexpected running set %v", running)
	}
}

func TestLedgerPutIfAbsentWinsOnce(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := l.PutIfAbsent(ctx, "charge-1", []byte("99"))
			if err != nil {
				t.Errorf("put: %v", err)
				return
			}
			if created {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	value, ok, err := l.Get(ctx, "charge-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(value) != "99" {
		t.Fatalf("unexpected value %q", value)
	}

	if err := l.Delete(ctx, "charge-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := l.Get(ctx, "charge-1"); ok {
		t.Fatal("expected key removed")
	}
}
