package activity

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-errors"
)

// Func is one named side-effecting unit of work. Input arrives as the raw
// payload recorded in history; the returned value is marshaled back into the
// completion event.
type Func func(ctx context.Context, input json.RawMessage) (any, error)

// Typed adapts a strongly typed function into a Func, decoding the recorded
// payload into T before the call.
func Typed[T any, R any](fn func(ctx context.Context, msg T) (R, error)) Func {
	return func(ctx context.Context, input json.RawMessage) (any, error) {
		var msg T
		if len(input) > 0 {
			if err := json.Unmarshal(input, &msg); err != nil {
				return nil, durable.NonRetryable(err, "activity input decode failed")
			}
		}
		return fn(ctx, msg)
	}
}

// Invocation identifies one activity call: (instance id, task id) plus the
// recorded name, payload and retry policy. Retried attempts share the same
// identity, which is what makes the idempotency key stable across retries
// and replay-induced re-issue.
type Invocation struct {
	InstanceID string
	TaskID     int64
	Name       string
	Input      json.RawMessage
	Policy     durable.RetryPolicy
}

// IdempotencyKey is the dedup token side-effecting activities must hand to
// their provider to guarantee at-most-once effect under at-least-once
// delivery.
func (i Invocation) IdempotencyKey() string {
	return i.InstanceID + "::" + strconv.FormatInt(i.TaskID, 10)
}

type invocationKey struct{}

// WithInvocation stashes the invocation on the context handed to the
// activity function.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFromContext recovers the invocation inside an activity function,
// typically to derive the idempotency key.
func InvocationFromContext(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}

// Registry maps activity names to implementations.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds fn under name, rejecting duplicates.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return errors.New("activity name cannot be empty", errors.CategoryBadInput).
			WithTextCode("ACTIVITY_NAME_EMPTY")
	}
	if fn == nil {
		return errors.New("activity func cannot be nil", errors.CategoryBadInput).
			WithTextCode("ACTIVITY_FUNC_NIL")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return errors.New("activity already registered", errors.CategoryConflict).
			WithTextCode("ACTIVITY_DUPLICATE").
			WithMetadata(map[string]any{"name": name})
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is Register that panics, for wiring done at startup.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the func bound to name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}
