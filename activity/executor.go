package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-errors"
)

// Executor runs one activity invocation with bounded automatic retry.
// Transient failures sleep per the invocation policy and try again up to
// MaxAttempts; non-retryable failures propagate after the first attempt.
// Failures never escape uncaught: the caller always receives an explicit
// error value to branch on.
type Executor struct {
	registry *Registry
	logger   durable.Logger
	strategy func(durable.RetryPolicy) RetryStrategy
	sleep    func(context.Context, time.Duration) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger durable.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = durable.NormalizeLogger(logger)
	}
}

// WithStrategy overrides how a retry policy maps to a backoff strategy.
func WithStrategy(fn func(durable.RetryPolicy) RetryStrategy) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.strategy = fn
		}
	}
}

// NewExecutor constructs an executor over the given registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		logger:   durable.NewFmtLogger(nil),
		strategy: func(p durable.RetryPolicy) RetryStrategy {
			return PolicyBackoffStrategy{Policy: p}
		},
		sleep: sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute runs the invocation to a single outcome. The returned payload is
// the marshaled activity result on success; on failure the error carries the
// last attempt's cause and the attempt count.
func (e *Executor) Execute(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	fn, ok := e.registry.Lookup(inv.Name)
	if !ok {
		return nil, durable.ErrActivityNotFound.Clone().
			WithMetadata(map[string]any{"name": inv.Name, "instance_id": inv.InstanceID})
	}

	log := durable.WithLoggerFields(e.logger, map[string]any{
		"instance_id": inv.InstanceID,
		"activity":    inv.Name,
		"task_id":     inv.TaskID,
	})

	attempts := inv.Policy.Attempts()
	strategy := e.strategy(inv.Policy)
	actx := WithInvocation(ctx, inv)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := e.invoke(actx, fn, inv)
		if err == nil {
			payload, merr := json.Marshal(out)
			if merr != nil {
				return nil, errors.Wrap(merr, errors.CategoryHandler, "activity result encode failed").
					WithTextCode(durable.ErrCodeActivityFailed)
			}
			return payload, nil
		}

		if durable.IsNonRetryable(err) {
			log.Warn("activity failed with non-retryable error: %v", err)
			return nil, err
		}

		lastErr = err
		if attempt < attempts {
			delay := strategy.SleepDuration(attempt, err)
			log.Warn("activity attempt %d of %d failed, retrying in %s: %v", attempt, attempts, delay, err)
			if serr := e.sleep(ctx, delay); serr != nil {
				return nil, serr
			}
		}
	}

	log.Error("activity failed after %d attempts: %v", attempts, lastErr)
	return nil, errors.Wrap(lastErr, errors.CategoryExternal,
		fmt.Sprintf("activity %s exhausted %d attempts", inv.Name, attempts)).
		WithTextCode(durable.ErrCodeActivityFailed).
		WithMetadata(map[string]any{"attempts": attempts, "name": inv.Name})
}

func (e *Executor) invoke(ctx context.Context, fn Func, inv Invocation) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprintf("activity %s panicked: %v", inv.Name, r), errors.CategoryHandler).
				WithTextCode(durable.ErrCodeActivityFailed)
		}
	}()
	return fn(ctx, inv.Input)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
