package engine

import (
	"context"
	"encoding/json"
	"sync"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/activity"
)

// execution is the in-memory run state of one orchestration instance. The
// orchestration goroutine owns the history exclusively; completion callbacks
// (activity executor, timer service, event raisers) append through the same
// per-instance lock so history append order is total.
type execution struct {
	id    string
	eng   *Engine
	ctx   context.Context
	stop  context.CancelFunc
	input json.RawMessage

	mu          sync.Mutex
	history     []durable.Event
	taskWaiters map[int64]chan durable.Event

	failOnce sync.Once
	failedCh chan struct{}
	failure  error

	done chan struct{}
}

func newExecution(parent context.Context, eng *Engine, id string) *execution {
	ctx, cancel := context.WithCancel(parent)
	return &execution{
		id:          id,
		eng:         eng,
		ctx:         ctx,
		stop:        cancel,
		taskWaiters: make(map[int64]chan durable.Event),
		failedCh:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// load reads the instance and its history into the cache. The lock is held
// across the store reads: the execution is already published in the engine's
// running map, so a concurrent raiseExternal must either land in the read
// snapshot or queue behind the lock and extend the cache afterwards. Reading
// outside the lock would let a raise slip between the read and the cache
// install and vanish from the resident run.
func (x *execution) load(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	inst, err := x.eng.store.Instance(ctx, x.id)
	if err != nil {
		return err
	}
	history, err := x.eng.store.History(ctx, x.id)
	if err != nil {
		return err
	}
	x.input = inst.Input
	x.history = history
	return nil
}

// fail parks the execution with a store-level failure so blocked futures
// unblock instead of deadlocking.
func (x *execution) fail(err error) {
	x.failOnce.Do(func() {
		x.failure = err
		close(x.failedCh)
	})
}

func (x *execution) failErr() error {
	select {
	case <-x.failedCh:
		return x.failure
	default:
		return nil
	}
}

// append durably writes events and extends the cached history, returning the
// stamped copies. The durable append commits before the recorded effect is
// considered to have happened.
func (x *execution) append(events ...durable.Event) ([]durable.Event, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.appendLocked(events...)
}

func (x *execution) appendLocked(events ...durable.Event) ([]durable.Event, error) {
	stamped, err := x.eng.store.AppendEvents(x.ctx, x.id, events...)
	if err != nil {
		return nil, err
	}
	x.history = append(x.history, stamped...)
	return stamped, nil
}

func (x *execution) findScheduling(taskID int64) (durable.Event, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, ev := range x.history {
		if ev.IsScheduling() && ev.TaskID == taskID {
			return ev, true
		}
	}
	return durable.Event{}, false
}

func (x *execution) hasCompleted() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, ev := range x.history {
		if ev.Type == durable.EventOrchestratorCompleted {
			return true
		}
	}
	return false
}

func (x *execution) findCompletion(taskID int64) (durable.Event, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, ev := range x.history {
		if ev.IsCompletion() && ev.TaskID == taskID {
			return ev, true
		}
	}
	return durable.Event{}, false
}

// registerTask installs the completion channel for taskID. Must happen
// before the side effect is issued so the completion signal cannot be
// missed.
func (x *execution) registerTask(taskID int64) chan durable.Event {
	x.mu.Lock()
	defer x.mu.Unlock()
	ch := make(chan durable.Event, 1)
	x.taskWaiters[taskID] = ch
	return ch
}

// completeTask durably records the completion event and wakes the waiting
// future. The channel send happens under the same lock as the append so
// waiter channels are always filled in history order: a non-blocking poll
// that sees a later completion is guaranteed to also see every earlier one.
// The channels are buffered and receive exactly one event, so the send
// cannot block while holding the lock.
func (x *execution) completeTask(ev durable.Event) {
	x.mu.Lock()
	defer x.mu.Unlock()

	stamped, err := x.appendLocked(ev)
	if err != nil {
		x.eng.logger.Error("append completion for %s task %d failed: %v", x.id, ev.TaskID, err)
		x.fail(err)
		return
	}
	if ch := x.taskWaiters[ev.TaskID]; ch != nil {
		delete(x.taskWaiters, ev.TaskID)
		ch <- stamped[0]
	}
}

// dispatchActivity issues the real activity work for a scheduled task. Runs
// detached from the orchestration goroutine; the outcome comes back through
// completeTask.
func (x *execution) dispatchActivity(inv activity.Invocation) {
	x.eng.wg.Add(1)
	go func() {
		defer x.eng.wg.Done()

		payload, err := x.eng.executor.Execute(x.ctx, inv)
		if x.ctx.Err() != nil {
			// engine stopping or instance terminated: the attempt will
			// be re-issued on rehydrate under the idempotency contract
			return
		}
		if err != nil {
			x.completeTask(durable.Event{
				Type:   durable.EventActivityFailed,
				TaskID: inv.TaskID,
				Name:   inv.Name,
				Error:  err.Error(),
			})
			return
		}
		x.completeTask(durable.Event{
			Type:    durable.EventActivityCompleted,
			TaskID:  inv.TaskID,
			Name:    inv.Name,
			Payload: payload,
		})
	}()
}

// scheduleTimer arms the timer service for a created timer task.
func (x *execution) scheduleTimer(taskID int64, fireAt durable.Event) {
	x.eng.timers.Schedule(x.id, taskID, fireAt.FireAt, func() {
		x.completeTask(durable.Event{
			Type:   durable.EventTimerFired,
			TaskID: taskID,
		})
	})
}

// countExternal returns how many events with the given name are recorded,
// and the occurrence-th one when present (0-based).
func (x *execution) findExternal(name string, occurrence int) (durable.Event, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	seen := 0
	for _, ev := range x.history {
		if ev.Type != durable.EventExternalReceived || ev.Name != name {
			continue
		}
		if seen == occurrence {
			return ev, true
		}
		seen++
	}
	return durable.Event{}, false
}

// waitExternal resolves the occurrence-th event with name from history, or
// registers a correlator waiter while still holding the history lock so a
// concurrent raise cannot slip between the check and the registration.
func (x *execution) waitExternal(name string, occurrence int) (durable.Event, chan durable.Event) {
	x.mu.Lock()
	defer x.mu.Unlock()

	seen := 0
	for _, ev := range x.history {
		if ev.Type != durable.EventExternalReceived || ev.Name != name {
			continue
		}
		if seen == occurrence {
			return ev, nil
		}
		seen++
	}
	return durable.Event{}, x.eng.correlator.Register(x.id, name)
}

// raiseExternal appends the raised event (history is the durable buffer)
// and delivers it to any registered waiter.
func (x *execution) raiseExternal(name string, payload json.RawMessage) error {
	x.mu.Lock()
	stamped, err := x.appendLocked(durable.Event{
		Type:    durable.EventExternalReceived,
		Name:    name,
		Payload: payload,
	})
	if err != nil {
		x.mu.Unlock()
		return err
	}
	x.eng.correlator.Deliver(x.id, stamped[0])
	x.mu.Unlock()
	return nil
}
