package engine

import (
	"context"
	"encoding/json"
	"time"

	durable "github.com/goliatone/go-durable"
)

// Client is the boundary API callers use to drive orchestrations. Input
// errors are rejected here and never enter history.
type Client struct {
	engine *Engine
	logger durable.Logger
}

// NewClient wraps an engine.
func NewClient(engine *Engine, logger durable.Logger) *Client {
	return &Client{engine: engine, logger: durable.NormalizeLogger(logger)}
}

// StatusResponse is the projection returned by GetStatus.
type StatusResponse struct {
	InstanceID string          `json:"instanceId"`
	Status     durable.Status  `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Failure    string          `json:"failure,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// StartInstance starts a run for id, joining the existing run when one is
// still active.
func (c *Client) StartInstance(ctx context.Context, id string, input any) (*durable.Instance, error) {
	inst, err := c.engine.StartInstance(ctx, id, input)
	if err != nil {
		return nil, err
	}
	c.logger.Info("started orchestration instance %s", id)
	return inst, nil
}

// GetStatus returns the current status and, once terminal, the recorded
// result.
func (c *Client) GetStatus(ctx context.Context, id string) (*StatusResponse, error) {
	inst, err := c.engine.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{
		InstanceID: inst.ID,
		Status:     inst.Status,
		Result:     inst.Result,
		Failure:    inst.Failure,
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
	}, nil
}

// RaiseEvent delivers an external event to a running instance.
func (c *Client) RaiseEvent(ctx context.Context, id, name string, payload any) error {
	if err := c.engine.RaiseEvent(ctx, id, name, payload); err != nil {
		return err
	}
	c.logger.Info("raised event %s on instance %s", name, id)
	return nil
}

// Terminate force-stops a running instance.
func (c *Client) Terminate(ctx context.Context, id, reason string) error {
	return c.engine.Terminate(ctx, id, reason)
}

// WaitForCompletion blocks until the run finishes, returning the final
// status.
func (c *Client) WaitForCompletion(ctx context.Context, id string) (*StatusResponse, error) {
	inst, err := c.engine.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{
		InstanceID: inst.ID,
		Status:     inst.Status,
		Result:     inst.Result,
		Failure:    inst.Failure,
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
	}, nil
}
