package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/activity"
	"github.com/goliatone/go-durable/store"
	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// Orchestration is the deterministic workflow function executed (and
// re-executed) against recorded history. It must only interact with the
// outside world through the Context primitives.
type Orchestration func(c *Context) (any, error)

// Engine drives orchestration instances: one goroutine per instance, with
// the event log as the only authority on what already happened. Crashing
// mid-run loses nothing that was durably appended; Rehydrate replays the
// survivors and safely re-issues in-flight work.
type Engine struct {
	store         store.ExecutionStore
	registry      *activity.Registry
	executor      *activity.Executor
	timers        *TimerService
	correlator    *Correlator
	orchestration Orchestration
	logger        durable.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]*execution
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger durable.Logger) Option {
	return func(e *Engine) {
		e.logger = durable.NormalizeLogger(logger)
	}
}

// WithExecutor replaces the default activity executor.
func WithExecutor(executor *activity.Executor) Option {
	return func(e *Engine) {
		if executor != nil {
			e.executor = executor
		}
	}
}

// WithTimerClock overrides the timer service clock, letting tests collapse
// waits.
func WithTimerClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.timers = NewTimerService(now)
	}
}

// New constructs a started engine for one orchestration over the given
// store and activity registry.
func New(st store.ExecutionStore, registry *activity.Registry, orchestration Orchestration, opts ...Option) *Engine {
	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:         st,
		registry:      registry,
		orchestration: orchestration,
		timers:        NewTimerService(nil),
		correlator:    NewCorrelator(),
		logger:        durable.NewFmtLogger(nil),
		baseCtx:       baseCtx,
		cancel:        cancel,
		running:       make(map[string]*execution),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.executor == nil {
		e.executor = activity.NewExecutor(registry, activity.WithLogger(e.logger))
	}
	return e
}

// StartInstance begins (or idempotently rejoins) an orchestration run.
// While an instance is active the same instance comes back for every call
// with the same id; a terminal instance under the id starts a fresh run.
func (e *Engine) StartInstance(ctx context.Context, id string, input any) (*durable.Instance, error) {
	if id == "" {
		return nil, errors.New("instance id cannot be empty", errors.CategoryBadInput).
			WithTextCode("ORC_INSTANCE_ID_EMPTY")
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "instance input encode failed").
			WithTextCode("ORC_INPUT_ENCODE")
	}

	inst, created, err := e.store.CreateInstance(ctx, id, raw)
	if err != nil {
		return nil, err
	}
	if !created {
		e.logger.Info("instance %s already active, joining existing run", id)
		return inst, nil
	}

	if _, err := e.store.AppendEvents(ctx, id, durable.Event{
		Type:    durable.EventOrchestratorStarted,
		Payload: raw,
	}); err != nil {
		return nil, err
	}

	e.launch(id)
	return inst, nil
}

// RaiseEvent delivers an external event to a running instance. Unknown ids
// fail with NotFound, non-Running instances with InvalidState. Events with
// no registered wait are buffered in history, never dropped.
func (e *Engine) RaiseEvent(ctx context.Context, id, name string, payload any) error {
	inst, err := e.store.Instance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != durable.StatusRunning {
		return durable.ErrInstanceNotRunning.Clone().
			WithMetadata(map[string]any{"instance_id": id, "status": string(inst.Status)})
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "event payload encode failed").
			WithTextCode("ORC_INPUT_ENCODE")
	}

	e.mu.Lock()
	exec := e.running[id]
	e.mu.Unlock()

	if exec != nil {
		return exec.raiseExternal(name, raw)
	}
	// instance is Running but not resident (crash window before
	// rehydrate): the append alone buffers the event for replay
	_, err = e.store.AppendEvents(ctx, id, durable.Event{
		Type:    durable.EventExternalReceived,
		Name:    name,
		Payload: raw,
	})
	return err
}

// Status returns the instance projection.
func (e *Engine) Status(ctx context.Context, id string) (*durable.Instance, error) {
	return e.store.Instance(ctx, id)
}

// Terminate force-stops a running instance, recording the reason. Terminal
// instances are left untouched.
func (e *Engine) Terminate(ctx context.Context, id, reason string) error {
	inst, err := e.store.Instance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}
	if err := e.store.SetStatus(ctx, id, durable.StatusTerminated, nil, reason); err != nil {
		return err
	}
	e.mu.Lock()
	exec := e.running[id]
	e.mu.Unlock()
	if exec != nil {
		exec.stop()
	}
	return nil
}

// Wait blocks until the instance reaches a terminal status, then returns the
// projection. A run resident in this engine wakes the waiter directly; a
// non-resident instance (finishing in another process, or Running in the
// crash window before Rehydrate) is polled through the store.
func (e *Engine) Wait(ctx context.Context, id string) (*durable.Instance, error) {
	e.mu.Lock()
	exec := e.running[id]
	e.mu.Unlock()

	if exec != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-exec.done:
		}
		return e.store.Instance(ctx, id)
	}

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		inst, err := e.store.Instance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Rehydrate relaunches every instance the store still reports as Pending or
// Running, replaying recorded history and re-issuing in-flight side effects
// under the activity idempotency contract. Returns how many were resumed.
func (e *Engine) Rehydrate(ctx context.Context) (int, error) {
	resumed := 0
	for _, status := range []durable.Status{durable.StatusRunning, durable.StatusPending} {
		ids, err := e.store.ListByStatus(ctx, status)
		if err != nil {
			return resumed, err
		}
		for _, id := range ids {
			if e.launch(id) {
				resumed++
			}
		}
	}
	return resumed, nil
}

// Stop cancels in-flight runs and waits for them to unwind. Instances left
// Running resume on the next Rehydrate.
func (e *Engine) Stop(ctx context.Context) error {
	e.cancel()
	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-finished:
		return nil
	}
}

func (e *Engine) launch(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, inFlight := e.running[id]; inFlight {
		return false
	}
	if e.baseCtx.Err() != nil {
		return false
	}
	exec := newExecution(e.baseCtx, e, id)
	e.running[id] = exec
	e.wg.Add(1)
	go e.runInstance(exec)
	return true
}

func (e *Engine) runInstance(exec *execution) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.running, exec.id)
		e.mu.Unlock()
		e.timers.CancelInstance(exec.id)
		e.correlator.DropInstance(exec.id)
		exec.stop()
		close(exec.done)
	}()

	// runID correlates the log lines of one residency of the instance;
	// it is never recorded in history, so it changes on every replay.
	log := durable.WithLoggerFields(e.logger, map[string]any{
		"instance_id": exec.id,
		"run_id":      uuid.NewString(),
	})

	if err := exec.load(exec.ctx); err != nil {
		log.Error("load instance: %v", err)
		return
	}
	if err := e.store.SetStatus(exec.ctx, exec.id, durable.StatusRunning, nil, ""); err != nil {
		log.Error("mark running: %v", err)
		return
	}

	c := newContext(exec)
	result, err := e.invoke(c)
	if c.fatal != nil {
		err = c.fatal
	}

	if err != nil {
		if exec.ctx.Err() != nil {
			// engine stopping or instance terminated elsewhere: the
			// projection already says what happened
			log.Warn("run interrupted: %v", err)
			return
		}
		log.Error("orchestration failed: %v", err)
		if serr := e.store.SetStatus(context.Background(), exec.id, durable.StatusFailed, nil, err.Error()); serr != nil {
			log.Error("mark failed: %v", serr)
		}
		return
	}

	payload, merr := json.Marshal(result)
	if merr != nil {
		log.Error("result encode failed: %v", merr)
		_ = e.store.SetStatus(context.Background(), exec.id, durable.StatusFailed, nil, merr.Error())
		return
	}
	// a crash between the completion append and the projection update
	// must not duplicate the event on replay
	if !exec.hasCompleted() {
		if _, err := exec.append(durable.Event{
			Type:    durable.EventOrchestratorCompleted,
			Payload: payload,
		}); err != nil {
			log.Error("append completion: %v", err)
			return
		}
	}
	if err := e.store.SetStatus(exec.ctx, exec.id, durable.StatusCompleted, payload, ""); err != nil {
		log.Error("mark completed: %v", err)
		return
	}
	log.Info("orchestration completed")
}

func (e *Engine) invoke(c *Context) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprintf("orchestration panicked: %v", r), errors.CategoryHandler).
				WithTextCode(durable.ErrCodeNonDeterministic)
		}
	}()
	return e.orchestration(c)
}
