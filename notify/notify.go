package notify

import (
	"context"
	"errors"
	"sync"

	durable "github.com/goliatone/go-durable"
	apperrors "github.com/goliatone/go-errors"
)

// ChannelApproval is the channel approval requests publish on.
const ChannelApproval = "approval"

// ApprovalRequest asks a human to approve or reject an order.
type ApprovalRequest struct {
	InstanceID  string `json:"instanceId"`
	ApprovalURL string `json:"approvalUrl"`
}

// Handler receives every message published on a channel it subscribed to.
type Handler func(ctx context.Context, req ApprovalRequest) error

// Subscription undoes one Subscribe.
type Subscription interface {
	Unsubscribe()
}

// Hub fans notifications out to subscribed handlers. Production setups
// subscribe email, Slack or Teams senders; the default hub carries a log
// handler so approval links are always visible somewhere.
type Hub struct {
	mu        sync.RWMutex
	handlers  map[string][]*entry
	stopOnErr bool
}

type entry struct {
	h Handler
}

// Option configures a Hub.
type Option func(*Hub)

// WithStopOnError makes Publish return at the first failing handler
// instead of draining the list.
func WithStopOnError() Option {
	return func(h *Hub) {
		h.stopOnErr = true
	}
}

// NewHub builds an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{handlers: make(map[string][]*entry)}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscribe registers handler on channel.
func (h *Hub) Subscribe(channel string, handler Handler) Subscription {
	e := &entry{h: handler}
	h.mu.Lock()
	h.handlers[channel] = append(h.handlers[channel], e)
	h.mu.Unlock()
	return &subscription{hub: h, channel: channel, entry: e}
}

// Publish delivers req to every handler on channel, joining handler
// errors unless the hub stops on the first one.
func (h *Hub) Publish(ctx context.Context, channel string, req ApprovalRequest) error {
	h.mu.RLock()
	entries := make([]*entry, len(h.handlers[channel]))
	copy(entries, h.handlers[channel])
	h.mu.RUnlock()

	if len(entries) == 0 {
		return apperrors.New("no handlers subscribed", apperrors.CategoryBadInput).
			WithTextCode("NOTIFY_NO_HANDLERS").
			WithMetadata(map[string]any{"channel": channel})
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	var errs error
	for _, e := range entries {
		if err := e.h(ctx, req); err != nil {
			if h.stopOnErr {
				return err
			}
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// ApprovalRequired publishes an approval request, satisfying the workflow's
// notifier contract.
func (h *Hub) ApprovalRequired(ctx context.Context, instanceID, approvalURL string) error {
	return h.Publish(ctx, ChannelApproval, ApprovalRequest{
		InstanceID:  instanceID,
		ApprovalURL: approvalURL,
	})
}

type subscription struct {
	hub     *Hub
	channel string
	entry   *entry
}

func (s *subscription) Unsubscribe() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.handlers[s.channel]
	kept := make([]*entry, 0, len(entries))
	for _, e := range entries {
		if e != s.entry {
			kept = append(kept, e)
		}
	}
	h.handlers[s.channel] = kept
}

// LogHandler writes the approval link to the logger, the fallback delivery
// channel when no real sender is wired.
func LogHandler(logger durable.Logger) Handler {
	return func(_ context.Context, req ApprovalRequest) error {
		logger.Warn("ACTION REQUIRED: manager approval for instance %s", req.InstanceID)
		logger.Warn("approve with: POST %s  body: %s", req.ApprovalURL, `{"isApproved": true}`)
		return nil
	}
}

// NewLogHub is the default wiring: a hub with only the log handler.
func NewLogHub(logger durable.Logger) *Hub {
	h := NewHub()
	h.Subscribe(ChannelApproval, LogHandler(logger))
	return h
}
