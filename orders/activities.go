package orders

import (
	"context"
	"fmt"
	"strings"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/activity"
)

// Activity names as they appear in history events.
const (
	ActivityValidateOrder            = "ValidateOrder"
	ActivityProcessPayment           = "ProcessPayment"
	ActivityShipOrder                = "ShipOrder"
	ActivityRefundPayment            = "RefundPayment"
	ActivitySendApprovalNotification = "SendApprovalNotification"
)

// PaymentGateway is the provider-side payment contract. The key is the
// dedup token: charging the same key twice must have the effect of charging
// it once.
type PaymentGateway interface {
	ProcessPayment(ctx context.Context, key string, amount float64) error
	RefundPayment(ctx context.Context, key string) error
}

// Shipper creates shipments.
type Shipper interface {
	Ship(ctx context.Context, orderID string) error
}

// Notifier delivers approval requests to a human.
type Notifier interface {
	ApprovalRequired(ctx context.Context, instanceID, approvalURL string) error
}

// Activities bundles the order workflow's side-effecting units of work.
type Activities struct {
	cfg      Config
	gateway  PaymentGateway
	shipper  Shipper
	notifier Notifier
	logger   durable.Logger
}

// ActivitiesOption configures an Activities bundle.
type ActivitiesOption func(*Activities)

// WithActivitiesLogger overrides the default logger.
func WithActivitiesLogger(logger durable.Logger) ActivitiesOption {
	return func(a *Activities) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewActivities wires the workflow activities against their collaborators.
func NewActivities(cfg Config, gateway PaymentGateway, shipper Shipper, notifier Notifier, opts ...ActivitiesOption) *Activities {
	a := &Activities{
		cfg:      cfg,
		gateway:  gateway,
		shipper:  shipper,
		notifier: notifier,
		logger:   durable.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Register binds every activity under its history name.
func (a *Activities) Register(reg *activity.Registry) {
	reg.MustRegister(ActivityValidateOrder, activity.Typed(a.validateOrder))
	reg.MustRegister(ActivityProcessPayment, activity.Typed(a.processPayment))
	reg.MustRegister(ActivityShipOrder, activity.Typed(a.shipOrder))
	reg.MustRegister(ActivityRefundPayment, activity.Typed(a.refundPayment))
	reg.MustRegister(ActivitySendApprovalNotification, activity.Typed(a.sendApprovalNotification))
}

func (a *Activities) validateOrder(_ context.Context, order OrderRequest) (ValidationResult, error) {
	a.logger.Info("validating order %s", order.OrderID)

	result := order.Validate()
	if result.Valid {
		a.logger.Info("order %s validated", order.OrderID)
	} else {
		a.logger.Warn("order %s validation failed: %s", order.OrderID, result.Error)
	}
	return result, nil
}

func (a *Activities) processPayment(ctx context.Context, order OrderRequest) (string, error) {
	a.logger.Info("processing payment for order %s, amount $%s", order.OrderID, FormatAmount(order.Amount))

	// The order id is the business dedup key: replay or retry of the same
	// order must never charge twice.
	if err := a.gateway.ProcessPayment(ctx, order.OrderID, order.Amount); err != nil {
		return "", err
	}

	a.logger.Info("payment successful for order %s", order.OrderID)
	return fmt.Sprintf("✓ Processed payment $%s for %s", FormatAmount(order.Amount), order.OrderID), nil
}

func (a *Activities) shipOrder(ctx context.Context, order OrderRequest) (string, error) {
	a.logger.Info("initiating shipment for order %s", order.OrderID)

	if err := a.shipper.Ship(ctx, order.OrderID); err != nil {
		return "", err
	}

	a.logger.Info("shipment created for order %s", order.OrderID)
	return fmt.Sprintf("✓ Shipped order %s", order.OrderID), nil
}

func (a *Activities) refundPayment(ctx context.Context, order OrderRequest) (string, error) {
	a.logger.Warn("refunding $%s for order %s after failed shipment", FormatAmount(order.Amount), order.OrderID)

	if err := a.gateway.RefundPayment(ctx, order.OrderID); err != nil {
		return "", err
	}

	a.logger.Info("refund completed for order %s", order.OrderID)
	return fmt.Sprintf("✓ Refunded $%s for %s", FormatAmount(order.Amount), order.OrderID), nil
}

func (a *Activities) sendApprovalNotification(ctx context.Context, instanceID string) (string, error) {
	orderID := strings.TrimPrefix(instanceID, InstancePrefix)
	approvalURL := fmt.Sprintf("%s/orders/%s/approval", strings.TrimRight(a.cfg.BaseURL, "/"), orderID)

	if err := a.notifier.ApprovalRequired(ctx, instanceID, approvalURL); err != nil {
		return "", err
	}
	return fmt.Sprintf("✓ Approval notification sent (Instance: %s)", instanceID), nil
}
