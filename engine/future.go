package engine

import (
	"encoding/json"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-errors"
)

type taskKind int

const (
	taskActivity taskKind = iota
	taskTimer
	taskExternal
)

// Future is the handle for one suspension point. During replay it resolves
// synchronously from recorded history; on a live run it blocks until the
// paired completion event is appended.
type Future struct {
	c      *Context
	kind   taskKind
	taskID int64
	name   string

	ch       chan durable.Event
	resolved bool
	ev       durable.Event
	err      error
}

func (f *Future) resolveEvent(ev durable.Event) {
	f.resolved = true
	f.ev = ev
	f.c.observe(ev)

	switch ev.Type {
	case durable.EventActivityFailed:
		f.err = errors.New(ev.Error, errors.CategoryExternal).
			WithTextCode(durable.ErrCodeActivityFailed).
			WithMetadata(map[string]any{"activity": ev.Name, "task_id": ev.TaskID})
	case durable.EventActivityCompleted, durable.EventTimerFired, durable.EventExternalReceived:
	}
}

// poll consumes a live completion without blocking.
func (f *Future) poll() {
	if f.resolved || f.ch == nil {
		return
	}
	select {
	case ev := <-f.ch:
		f.resolveEvent(ev)
	default:
	}
}

func (f *Future) wait() error {
	if f.resolved {
		return nil
	}
	if f.ch == nil {
		return errors.New("future has no pending completion", errors.CategoryHandler).
			WithTextCode(durable.ErrCodeNonDeterministic)
	}
	select {
	case ev := <-f.ch:
		f.resolveEvent(ev)
		return nil
	case <-f.c.exec.failedCh:
		return f.c.exec.failure
	case <-f.c.exec.ctx.Done():
		return f.c.exec.ctx.Err()
	}
}

// Get blocks until the suspension completes and decodes the recorded result
// into out when non-nil. Activity failures come back as explicit error
// values the orchestration must branch on.
func (f *Future) Get(out any) error {
	if err := f.wait(); err != nil {
		f.c.setFatal(err)
		return err
	}
	if f.err != nil {
		return f.err
	}
	if out != nil && len(f.ev.Payload) > 0 {
		if err := json.Unmarshal(f.ev.Payload, out); err != nil {
			err = errors.Wrap(err, errors.CategoryHandler, "result decode failed").
				WithTextCode(durable.ErrCodeNonDeterministic)
			f.c.setFatal(err)
			return err
		}
	}
	return nil
}

// Done reports whether the future already resolved, consuming any pending
// live completion first.
func (f *Future) Done() bool {
	f.poll()
	return f.resolved
}

// completionSeq orders resolved futures by history position.
func (f *Future) completionSeq() int64 {
	if !f.resolved {
		return 0
	}
	return f.ev.Sequence
}

// Timer is a Future with a cancellation handle. Cancel is best-effort and
// idempotent: late fires of a canceled timer are swallowed, never recorded.
type Timer struct {
	*Future
	fireAt time.Time
}

// FireAt returns the absolute wake time recorded in history.
func (t *Timer) FireAt() time.Time {
	return t.fireAt
}

// Cancel stops the underlying wake. A no-op once the timer fired.
func (t *Timer) Cancel() {
	t.c.exec.eng.timers.Cancel(t.c.exec.id, t.taskID)
}
