package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/activity"
	"github.com/goliatone/go-durable/store"
)

func testEngine(t *testing.T, st store.ExecutionStore, reg *activity.Registry, orch Orchestration) *Engine {
	t.Helper()
	eng := New(st, reg, orch,
		WithExecutor(activity.NewExecutor(reg, activity.WithStrategy(func(durable.RetryPolicy) activity.RetryStrategy {
			return activity.NoDelayStrategy{}
		}))),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return eng
}

func waitStatus(t *testing.T, eng *Engine, id string, want durable.Status) *durable.Instance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := eng.Status(context.Background(), id)
		if err == nil && inst.Status == want {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	inst, err := eng.Status(context.Background(), id)
	t.Fatalf("instance %s never reached %s (last: %+v, err=%v)", id, want, inst, err)
	return nil
}

// raiseEventually retries until the instance is Running and accepts the
// event.
func raiseEventually(t *testing.T, eng *Engine, id, name string, payload any) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := eng.RaiseEvent(context.Background(), id, name, payload); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("could not raise %s on %s", name, id)
}

func TestOrchestrationRunsToCompletion(t *testing.T) {
	reg := activity.NewRegistry()
	reg.MustRegister("double", activity.Typed(func(_ context.Context, n int) (int, error) {
		return n * 2, nil
	}))

	st := store.NewMemoryStore()
	eng := testEngine(t, st, reg, func(c *Context) (any, error) {
		var n int
		if err := c.Input(&n); err != nil {
			return nil, err
		}
		var doubled int
		if err := c.CallActivity("double", n).Get(&doubled); err != nil {
			return nil, err
		}
		return doubled, nil
	})

	if _, err := eng.StartInstance(context.Background(), "run-1", 21); err != nil {
		t.Fatalf("start: %v", err)
	}
	inst, err := eng.Wait(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if inst.Status != durable.StatusCompleted {
		t.Fatalf("status = %s, failure = %s", inst.Status, inst.Failure)
	}
	if string(inst.Result) != "42" {
		t.Fatalf("result = %s", inst.Result)
	}

	history, err := st.History(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	types := make([]durable.EventType, 0, len(history))
	for _, ev := range history {
		types = append(types, ev.Type)
	}
	want := []durable.EventType{
		durable.EventOrchestratorStarted,
		durable.EventActivityScheduled,
		durable.EventActivityCompleted,
		durable.EventOrchestratorCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("history types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestStartInstanceRejectsEmptyID(t *testing.T) {
	eng := testEngine(t, store.NewMemoryStore(), activity.NewRegistry(), func(c *Context) (any, error) {
		return nil, nil
	})
	if _, err := eng.StartInstance(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestStartInstanceJoinsActiveRun(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, st, activity.NewRegistry(), func(c *Context) (any, error) {
		var signal string
		if err := c.WaitForExternalEvent("Go").Get(&signal); err != nil {
			return nil, err
		}
		return signal, nil
	})

	ctx := context.Background()
	if _, err := eng.StartInstance(ctx, "run-1", "first"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, eng, "run-1", durable.StatusRunning)

	inst, err := eng.StartInstance(ctx, "run-1", "second")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if string(inst.Input) != `"first"` {
		t.Fatalf("joined run must keep original input, got %s", inst.Input)
	}

	// the join must not have spawned a second history
	history, err := st.History(ctx, "run-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	starts := 0
	for _, ev := range history {
		if ev.Type == durable.EventOrchestratorStarted {
			starts++
		}
	}
	if starts != 1 {
		t.Fatalf("expected a single start event, got %d", starts)
	}

	raiseEventually(t, eng, "run-1", "Go", "done")
	final, err := eng.Wait(ctx, "run-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != durable.StatusCompleted {
		t.Fatalf("status = %s", final.Status)
	}
}

func TestExternalEventsConsumedInRaiseOrder(t *testing.T) {
	eng := testEngine(t, store.NewMemoryStore(), activity.NewRegistry(), func(c *Context) (any, error) {
		var first, second string
		if err := c.WaitForExternalEvent("Sig").Get(&first); err != nil {
			return nil, err
		}
		if err := c.WaitForExternalEvent("Sig").Get(&second); err != nil {
			return nil, err
		}
		return []string{first, second}, nil
	})

	if _, err := eng.StartInstance(context.Background(), "run-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	raiseEventually(t, eng, "run-1", "Sig", "a")
	raiseEventually(t, eng, "run-1", "Sig", "b")

	inst, err := eng.Wait(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if inst.Status != durable.StatusCompleted {
		t.Fatalf("status = %s, failure = %s", inst.Status, inst.Failure)
	}
	if string(inst.Result) != `["a","b"]` {
		t.Fatalf("events must arrive in raise order, got %s", inst.Result)
	}
}

func TestRaiseEventOnUnknownAndTerminalInstances(t *testing.T) {
	eng := testEngine(t, store.NewMemoryStore(), activity.NewRegistry(), func(c *Context) (any, error) {
		return "ok", nil
	})

	err := eng.RaiseEvent(context.Background(), "nope", "Go", nil)
	if durable.ErrorCode(err) != durable.ErrCodeInstanceNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := eng.StartInstance(context.Background(), "run-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eng.Wait(context.Background(), "run-1"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	err = eng.RaiseEvent(context.Background(), "run-1", "Go", nil)
	if durable.ErrorCode(err) != durable.ErrCodeInstanceNotRunning {
		t.Fatalf("expected not running, got %v", err)
	}
}

func TestRehydrateResumesWithoutReRunningActivities(t *testing.T) {
	var calls atomic.Int32
	newRegistry := func() *activity.Registry {
		reg := activity.NewRegistry()
		reg.MustRegister("charge", activity.Typed(func(_ context.Context, id string) (string, error) {
			calls.Add(1)
			return "charged " + id, nil
		}))
		return reg
	}
	orch := func(c *Context) (any, error) {
		var id string
		if err := c.Input(&id); err != nil {
			return nil, err
		}
		var receipt string
		if err := c.CallActivity("charge", id).Get(&receipt); err != nil {
			return nil, err
		}
		var approval string
		if err := c.WaitForExternalEvent("Approval").Get(&approval); err != nil {
			return nil, err
		}
		return receipt + " / " + approval, nil
	}

	st := store.NewMemoryStore()
	first := New(st, newRegistry(), orch)
	if _, err := first.StartInstance(context.Background(), "run-1", "o-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// wait until the charge outcome is durably recorded, then fail over
	deadline := time.Now().Add(5 * time.Second)
	for {
		history, err := st.History(context.Background(), "run-1")
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		done := false
		for _, ev := range history {
			if ev.Type == durable.EventActivityCompleted {
				done = true
			}
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("charge never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	second := testEngine(t, st, newRegistry(), orch)
	resumed, err := second.Rehydrate(context.Background())
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("expected 1 resumed instance, got %d", resumed)
	}

	raiseEventually(t, second, "run-1", "Approval", "granted")
	inst, err := second.Wait(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if inst.Status != durable.StatusCompleted {
		t.Fatalf("status = %s, failure = %s", inst.Status, inst.Failure)
	}
	if string(inst.Result) != `"charged o-1 / granted"` {
		t.Fatalf("result = %s", inst.Result)
	}
	if calls.Load() != 1 {
		t.Fatalf("recorded activity re-ran: %d calls", calls.Load())
	}
}

func TestWhenAnyTimerWinsWhenNoEventArrives(t *testing.T) {
	eng := testEngine(t, store.NewMemoryStore(), activity.NewRegistry(), func(c *Context) (any, error) {
		approval := c.WaitForExternalEvent("Approval")
		timeout := c.CreateTimer(c.Now().Add(30 * time.Millisecond))
		if winner := c.WhenAny(approval, timeout.Future); winner == timeout.Future {
			return "timed out", nil
		}
		return "approved", nil
	})

	if _, err := eng.StartInstance(context.Background(), "run-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	inst, err := eng.Wait(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if inst.Status != durable.StatusCompleted {
		t.Fatalf("status = %s, failure = %s", inst.Status, inst.Failure)
	}
	if string(inst.Result) != `"timed out"` {
		t.Fatalf("result = %s", inst.Result)
	}
}

func TestWhenAnyEventWinsAndCanceledTimerNeverFires(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, st, activity.NewRegistry(), func(c *Context) (any, error) {
		approval := c.WaitForExternalEvent("Approval")
		timeout := c.CreateTimer(c.Now().Add(time.Hour))
		winner := c.WhenAny(approval, timeout.Future)
		if winner == timeout.Future {
			return "timed out", nil
		}
		timeout.Cancel()
		var approved bool
		if err := approval.Get(&approved); err != nil {
			return nil, err
		}
		return approved, nil
	})

	if _, err := eng.StartInstance(context.Background(), "run-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	raiseEventually(t, eng, "run-1", "Approval", true)

	inst, err := eng.Wait(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(inst.Result) != "true" {
		t.Fatalf("result = %s, failure = %s", inst.Result, inst.Failure)
	}

	history, err := st.History(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, ev := range history {
		if ev.Type == durable.EventTimerFired {
			t.Fatal("canceled timer must not append a fire event")
		}
	}
}

func TestTerminateStopsRunningInstance(t *testing.T) {
	eng := testEngine(t, store.NewMemoryStore(), activity.NewRegistry(), func(c *Context) (any, error) {
		var never string
		if err := c.WaitForExternalEvent("Never").Get(&never); err != nil {
			return nil, err
		}
		return never, nil
	})

	if _, err := eng.StartInstance(context.Background(), "run-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, eng, "run-1", durable.StatusRunning)

	if err := eng.Terminate(context.Background(), "run-1", "operator request"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	inst := waitStatus(t, eng, "run-1", durable.StatusTerminated)
	if inst.Failure != "operator request" {
		t.Fatalf("reason = %q", inst.Failure)
	}

	// terminating a terminal instance is a no-op
	if err := eng.Terminate(context.Background(), "run-1", "again"); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
}

func TestDivergentHistoryFailsInstancePermanently(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	// a previous code version recorded an activity at task 1
	if _, _, err := st.CreateInstance(ctx, "run-1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.AppendEvents(ctx, "run-1",
		durable.Event{Type: durable.EventOrchestratorStarted},
		durable.Event{Type: durable.EventActivityScheduled, TaskID: 1, Name: "ChargeCard"},
	); err != nil {
		t.Fatalf("append: %v", err)
	}

	// current code asks for a timer at the same position
	eng := testEngine(t, st, activity.NewRegistry(), func(c *Context) (any, error) {
		timer := c.CreateTimer(c.Now().Add(time.Millisecond))
		if err := timer.Get(nil); err != nil {
			return nil, err
		}
		return "done", nil
	})

	resumed, err := eng.Rehydrate(ctx)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("resumed = %d", resumed)
	}

	inst := waitStatus(t, eng, "run-1", durable.StatusFailed)
	if !strings.Contains(inst.Failure, "timer") {
		t.Fatalf("failure should name the divergence, got %q", inst.Failure)
	}
}

func TestOrchestrationPanicFailsInstance(t *testing.T) {
	eng := testEngine(t, store.NewMemoryStore(), activity.NewRegistry(), func(c *Context) (any, error) {
		panic("bug in workflow code")
	})
	if _, err := eng.StartInstance(context.Background(), "run-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	inst := waitStatus(t, eng, "run-1", durable.StatusFailed)
	if !strings.Contains(inst.Failure, "panicked") {
		t.Fatalf("failure = %q", inst.Failure)
	}
}

func TestRecordedActivityFailureIsABranchNotACrash(t *testing.T) {
	reg := activity.NewRegistry()
	reg.MustRegister("always-fails", func(context.Context, json.RawMessage) (any, error) {
		return nil, durable.NonRetryable(context.DeadlineExceeded, "rejected")
	})

	eng := testEngine(t, store.NewMemoryStore(), reg, func(c *Context) (any, error) {
		if err := c.CallActivity("always-fails", nil).Get(nil); err != nil {
			if c.Err() != nil {
				return nil, err
			}
			return "compensated", nil
		}
		return "unexpected success", nil
	})

	if _, err := eng.StartInstance(context.Background(), "run-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	inst, err := eng.Wait(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if inst.Status != durable.StatusCompleted {
		t.Fatalf("status = %s, failure = %s", inst.Status, inst.Failure)
	}
	if string(inst.Result) != `"compensated"` {
		t.Fatalf("result = %s", inst.Result)
	}
}

// gatedHistoryStore stalls the first history read for one instance until
// released, exposing the window between an engine relaunching an instance
// and its cached history being installed.
type gatedHistoryStore struct {
	store.ExecutionStore
	id      string
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedHistoryStore) History(ctx context.Context, id string) ([]durable.Event, error) {
	history, err := s.ExecutionStore.History(ctx, id)
	if id == s.id {
		s.once.Do(func() {
			close(s.started)
			<-s.release
		})
	}
	return history, err
}

func TestEventRaisedWhileRehydrateLoadsIsNotLost(t *testing.T) {
	orch := func(c *Context) (any, error) {
		var approved bool
		if err := c.WaitForExternalEvent("Approval").Get(&approved); err != nil {
			return nil, err
		}
		return approved, nil
	}

	st := store.NewMemoryStore()
	first := New(st, activity.NewRegistry(), orch)
	if _, err := first.StartInstance(context.Background(), "gate-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, first, "gate-1", durable.StatusRunning)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	gated := &gatedHistoryStore{
		ExecutionStore: st,
		id:             "gate-1",
		started:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	second := testEngine(t, gated, activity.NewRegistry(), orch)
	if _, err := second.Rehydrate(context.Background()); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}

	// raise while the relaunched run is still reading its history
	<-gated.started
	raised := make(chan error, 1)
	go func() {
		raised <- second.RaiseEvent(context.Background(), "gate-1", "Approval", true)
	}()
	time.Sleep(50 * time.Millisecond)
	close(gated.release)

	if err := <-raised; err != nil {
		t.Fatalf("raise: %v", err)
	}
	inst := waitStatus(t, second, "gate-1", durable.StatusCompleted)
	if string(inst.Result) != "true" {
		t.Fatalf("result = %s", inst.Result)
	}
}

func TestNewIDStableAcrossReplay(t *testing.T) {
	newRegistry := func() *activity.Registry {
		reg := activity.NewRegistry()
		reg.MustRegister("echo", activity.Typed(func(_ context.Context, v string) (string, error) {
			return v, nil
		}))
		return reg
	}
	orch := func(c *Context) (any, error) {
		first := c.NewID()
		second := c.NewID()
		if first == second {
			return nil, fmt.Errorf("ids did not advance")
		}
		// the echoed value pins the first execution's id in history
		var recorded string
		if err := c.CallActivity("echo", first).Get(&recorded); err != nil {
			return nil, err
		}
		if err := c.WaitForExternalEvent("Go").Get(nil); err != nil {
			return nil, err
		}
		return []string{first, recorded}, nil
	}

	st := store.NewMemoryStore()
	first := New(st, newRegistry(), orch)
	if _, err := first.StartInstance(context.Background(), "ids-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, first, "ids-1", durable.StatusRunning)
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	second := testEngine(t, st, newRegistry(), orch)
	if _, err := second.Rehydrate(context.Background()); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	raiseEventually(t, second, "ids-1", "Go", nil)
	inst, err := second.Wait(context.Background(), "ids-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if inst.Status != durable.StatusCompleted {
		t.Fatalf("status = %s, failure = %s", inst.Status, inst.Failure)
	}

	var ids []string
	if err := json.Unmarshal(inst.Result, &ids); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(ids) != 2 || ids[0] != ids[1] {
		t.Fatalf("replayed id diverged from recorded id: %v", ids)
	}
	if len(ids[0]) != 36 || strings.Count(ids[0], "-") != 4 {
		t.Fatalf("id is not a uuid: %q", ids[0])
	}
}

func TestWhenAnyWinnerMatchesHistoryOrder(t *testing.T) {
	reg := activity.NewRegistry()
	reg.MustRegister("left", activity.Typed(func(_ context.Context, _ struct{}) (string, error) {
		return "l", nil
	}))
	reg.MustRegister("right", activity.Typed(func(_ context.Context, _ struct{}) (string, error) {
		return "r", nil
	}))
	orch := func(c *Context) (any, error) {
		a := c.CallActivity("left", struct{}{})
		b := c.CallActivity("right", struct{}{})
		if c.WhenAny(a, b) == a {
			return "left", nil
		}
		return "right", nil
	}

	st := store.NewMemoryStore()
	eng := testEngine(t, st, reg, orch)

	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("race-%d", i)
		if _, err := eng.StartInstance(context.Background(), id, nil); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
		inst := waitStatus(t, eng, id, durable.StatusCompleted)

		history, err := st.History(context.Background(), id)
		if err != nil {
			t.Fatalf("history %s: %v", id, err)
		}
		firstDone := ""
		for _, ev := range history {
			if ev.Type == durable.EventActivityCompleted {
				firstDone = ev.Name
				break
			}
		}
		if firstDone == "" {
			t.Fatalf("%s recorded no activity completion", id)
		}
		if string(inst.Result) != `"`+firstDone+`"` {
			t.Fatalf("%s winner %s disagrees with history order %s", id, inst.Result, firstDone)
		}
	}
}

func TestWaitBlocksOnNonResidentRunningInstance(t *testing.T) {
	orch := func(c *Context) (any, error) {
		if err := c.WaitForExternalEvent("Go").Get(nil); err != nil {
			return nil, err
		}
		return "done", nil
	}

	st := store.NewMemoryStore()
	first := New(st, activity.NewRegistry(), orch)
	if _, err := first.StartInstance(context.Background(), "orphan-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, first, "orphan-1", durable.StatusRunning)
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// instance is Running in the store but resident in no engine
	second := testEngine(t, st, activity.NewRegistry(), orch)
	done := make(chan *durable.Instance, 1)
	go func() {
		inst, err := second.Wait(context.Background(), "orphan-1")
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		done <- inst
	}()

	select {
	case <-done:
		t.Fatal("wait returned while the instance was still running")
	case <-time.After(150 * time.Millisecond):
	}

	if _, err := second.Rehydrate(context.Background()); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	raiseEventually(t, second, "orphan-1", "Go", nil)

	select {
	case inst := <-done:
		if inst.Status != durable.StatusCompleted {
			t.Fatalf("status = %s", inst.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wait never observed the terminal status")
	}
}
