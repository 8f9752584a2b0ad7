package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/activity"
	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// Context is the only surface orchestration logic may touch. It threads
// time, ids and suspension results through history so re-executing the same
// logic against the same log is bit-identical: no wall clock, no randomness,
// no shared state.
type Context struct {
	exec *execution

	nextTask int64
	consumed map[string]int
	idSeq    int64
	now      time.Time

	// live flips once the run appends anything history did not already
	// record; before that every suspension resolves from replay.
	live  bool
	fatal error
}

func newContext(exec *execution) *Context {
	c := &Context{
		exec:     exec,
		consumed: make(map[string]int),
	}
	exec.mu.Lock()
	if len(exec.history) > 0 {
		c.now = exec.history[0].Timestamp
		c.live = len(exec.history) == 1
	} else {
		c.live = true
	}
	exec.mu.Unlock()
	return c
}

// InstanceID returns the id of the running instance.
func (c *Context) InstanceID() string {
	return c.exec.id
}

// Input decodes the instance input recorded at start.
func (c *Context) Input(out any) error {
	if len(c.exec.input) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.exec.input, out); err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "orchestration input decode failed").
			WithTextCode("ORC_INPUT_DECODE")
	}
	return nil
}

// Now is the deterministic current time: the timestamp of the most recently
// applied history event. Orchestration logic must use it instead of the
// wall clock.
func (c *Context) Now() time.Time {
	return c.now
}

// NewID returns an id that is stable across replay, derived from the
// instance id and a per-run counter.
func (c *Context) NewID() string {
	c.idSeq++
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.exec.id+"/"+strconv.FormatInt(c.idSeq, 10))).String()
}

// Logger returns a replay-safe logger: output is suppressed while the run
// is still resolving recorded history, so restarts do not duplicate lines.
func (c *Context) Logger() durable.Logger {
	if !c.live {
		return silentLogger{}
	}
	return durable.WithLoggerFields(c.exec.eng.logger, map[string]any{"instance_id": c.exec.id})
}

func (c *Context) observe(ev durable.Event) {
	if ev.Timestamp.After(c.now) {
		c.now = ev.Timestamp
	}
}

// Err reports the first fatal engine error hit by this run, nil while the
// run is healthy. Orchestration code uses it to tell engine failures apart
// from recorded activity failures it should branch on.
func (c *Context) Err() error {
	return c.fatal
}

func (c *Context) setFatal(err error) {
	if c.fatal == nil && err != nil {
		c.fatal = err
	}
}

func (c *Context) nextTaskID() int64 {
	c.nextTask++
	return c.nextTask
}

func (c *Context) divergence(f *Future, msg string, meta map[string]any) *Future {
	err := durable.ErrNonDeterministic.Clone()
	err.Message = msg
	err = err.WithMetadata(meta)
	f.resolved = true
	f.err = err
	c.setFatal(err)
	return f
}

func (c *Context) storeFailure(f *Future, err error) *Future {
	f.resolved = true
	f.err = err
	c.setFatal(err)
	return f
}

// CallOption adjusts one activity call.
type CallOption func(*callConfig)

type callConfig struct {
	policy durable.RetryPolicy
}

// WithRetryPolicy runs the activity under bounded automatic retry.
func WithRetryPolicy(p durable.RetryPolicy) CallOption {
	return func(cfg *callConfig) {
		cfg.policy = p
	}
}

// CallActivity suspends on one side-effecting unit of work. When history
// already holds the Scheduled/Completed pair the recorded outcome returns
// synchronously and the side effect is not repeated; otherwise the Scheduled
// event is durably appended before the work is issued.
func (c *Context) CallActivity(name string, input any, opts ...CallOption) *Future {
	cfg := callConfig{policy: durable.SingleAttempt}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	taskID := c.nextTaskID()
	f := &Future{c: c, kind: taskActivity, taskID: taskID, name: name}

	var payload json.RawMessage
	if sched, ok := c.exec.findScheduling(taskID); ok {
		if sched.Type != durable.EventActivityScheduled || sched.Name != name {
			return c.divergence(f,
				fmt.Sprintf("history task %d is %s %q, code asked for activity %q", taskID, sched.Type, sched.Name, name),
				map[string]any{"task_id": taskID, "recorded": string(sched.Type), "recorded_name": sched.Name, "name": name})
		}
		payload = sched.Payload
	} else {
		raw, err := json.Marshal(input)
		if err != nil {
			return c.storeFailure(f, errors.Wrap(err, errors.CategoryBadInput, "activity input encode failed").
				WithTextCode("ORC_INPUT_ENCODE"))
		}
		c.live = true
		if _, err := c.exec.append(durable.Event{
			Type:    durable.EventActivityScheduled,
			TaskID:  taskID,
			Name:    name,
			Payload: raw,
		}); err != nil {
			return c.storeFailure(f, err)
		}
		payload = raw
	}

	if comp, ok := c.exec.findCompletion(taskID); ok {
		f.resolveEvent(comp)
		return f
	}

	// scheduled but not completed: issue (or safely re-issue) the work
	c.live = true
	f.ch = c.exec.registerTask(taskID)
	c.exec.dispatchActivity(activity.Invocation{
		InstanceID: c.exec.id,
		TaskID:     taskID,
		Name:       name,
		Input:      payload,
		Policy:     cfg.policy,
	})
	return f
}

// CreateTimer suspends on a one-shot wake at an absolute time. Replay
// treats "timer already fired" exactly like "activity already completed".
func (c *Context) CreateTimer(fireAt time.Time) *Timer {
	taskID := c.nextTaskID()
	f := &Future{c: c, kind: taskTimer, taskID: taskID}

	if sched, ok := c.exec.findScheduling(taskID); ok {
		if sched.Type != durable.EventTimerCreated {
			c.divergence(f,
				fmt.Sprintf("history task %d is %s, code asked for a timer", taskID, sched.Type),
				map[string]any{"task_id": taskID, "recorded": string(sched.Type)})
			return &Timer{Future: f, fireAt: fireAt}
		}
		fireAt = sched.FireAt
	} else {
		c.live = true
		if _, err := c.exec.append(durable.Event{
			Type:   durable.EventTimerCreated,
			TaskID: taskID,
			FireAt: fireAt,
		}); err != nil {
			c.storeFailure(f, err)
			return &Timer{Future: f, fireAt: fireAt}
		}
	}

	if comp, ok := c.exec.findCompletion(taskID); ok {
		f.resolveEvent(comp)
		return &Timer{Future: f, fireAt: fireAt}
	}

	c.live = true
	f.ch = c.exec.registerTask(taskID)
	c.exec.scheduleTimer(taskID, durable.Event{FireAt: fireAt})
	return &Timer{Future: f, fireAt: fireAt}
}

// WaitForExternalEvent suspends until an event with the given name is
// raised. Buffered events (raised before the wait) are consumed FIFO from
// history.
func (c *Context) WaitForExternalEvent(name string) *Future {
	c.nextTaskID() // external waits hold a slot in the suspension order
	occurrence := c.consumed[name]
	c.consumed[name] = occurrence + 1

	f := &Future{c: c, kind: taskExternal, name: name}
	ev, ch := c.exec.waitExternal(name, occurrence)
	if ch == nil {
		f.resolveEvent(ev)
		return f
	}
	c.live = true
	f.ch = ch
	return f
}

// WhenAny returns whichever of the two suspensions completes first. The
// winner is decided by history order, so a loser that later fires cannot
// change the outcome on replay.
func (c *Context) WhenAny(a, b *Future) *Future {
	a.poll()
	b.poll()
	if a.resolved || b.resolved {
		return pickEarliest(a, b)
	}

	select {
	case ev := <-a.ch:
		a.resolveEvent(ev)
	case ev := <-b.ch:
		b.resolveEvent(ev)
	case <-c.exec.failedCh:
		return c.storeFailure(a, c.exec.failure)
	case <-c.exec.ctx.Done():
		return c.storeFailure(a, c.exec.ctx.Err())
	}

	// the loser may have landed in history first; order by sequence
	a.poll()
	b.poll()
	return pickEarliest(a, b)
}

func pickEarliest(a, b *Future) *Future {
	switch {
	case a.resolved && b.resolved:
		if a.completionSeq() <= b.completionSeq() {
			return a
		}
		return b
	case a.resolved:
		return a
	default:
		return b
	}
}

type silentLogger struct{}

func (silentLogger) Trace(string, ...any)                     {}
func (silentLogger) Debug(string, ...any)                     {}
func (silentLogger) Info(string, ...any)                      {}
func (silentLogger) Warn(string, ...any)                      {}
func (silentLogger) Error(string, ...any)                     {}
func (silentLogger) Fatal(string, ...any)                     {}
func (silentLogger) WithContext(context.Context) durable.Logger { return silentLogger{} }
