package orders

import (
	"fmt"

	"github.com/goliatone/go-durable/engine"
)

// Workflow builds the order orchestration: validate, gate large orders on
// manager approval, charge with bounded retry, ship, and refund when
// shipping fails after a successful charge. Every branch ends in an
// OrderResult; errors escape only when the engine itself fails.
func Workflow(cfg Config) engine.Orchestration {
	return func(c *engine.Context) (any, error) {
		var order OrderRequest
		if err := c.Input(&order); err != nil {
			return nil, err
		}

		log := c.Logger()
		steps := []string{}

		log.Info("processing order %s for $%s", order.OrderID, FormatAmount(order.Amount))

		var validation ValidationResult
		if err := c.CallActivity(ActivityValidateOrder, order).Get(&validation); err != nil {
			return nil, err
		}
		if !validation.Valid {
			log.Warn("validation failed for order %s: %s", order.OrderID, validation.Error)
			return result(c, order, OrderValidationFailed, steps, validation.Error), nil
		}
		steps = append(steps, "✓ Validated order")

		if order.Amount > cfg.ApprovalThreshold {
			log.Warn("order %s ($%s) exceeds threshold $%s, requiring approval",
				order.OrderID, FormatAmount(order.Amount), FormatAmount(cfg.ApprovalThreshold))

			outcome, res, err := managerApproval(c, cfg, order, &steps)
			if err != nil {
				return nil, err
			}
			if !outcome {
				return res, nil
			}
		}

		var paymentStep string
		err := c.CallActivity(ActivityProcessPayment, order,
			engine.WithRetryPolicy(cfg.PaymentRetry.Policy())).Get(&paymentStep)
		if err != nil {
			if c.Err() != nil {
				return nil, err
			}
			log.Error("payment failed for order %s after retries: %v", order.OrderID, err)
			return result(c, order, OrderPaymentFailed, steps,
				"Payment failed after multiple attempts."), nil
		}
		steps = append(steps, paymentStep)

		var shipStep string
		if err := c.CallActivity(ActivityShipOrder, order).Get(&shipStep); err != nil {
			if c.Err() != nil {
				return nil, err
			}
			log.Error("shipping failed for order %s, initiating compensation: %v", order.OrderID, err)

			var refundStep string
			if err := c.CallActivity(ActivityRefundPayment, order).Get(&refundStep); err != nil {
				return nil, err
			}
			steps = append(steps, refundStep)
			return result(c, order, OrderShippingFailed, steps,
				"Shipping failed. Payment has been refunded."), nil
		}
		steps = append(steps, shipStep)

		log.Info("order %s completed successfully", order.OrderID)
		return result(c, order, OrderCompleted, steps, ""), nil
	}
}

// managerApproval runs the human gate: notify, then race the approval event
// against a timeout. Returns proceed=true when the manager approved;
// otherwise res carries the terminal result.
func managerApproval(c *engine.Context, cfg Config, order OrderRequest, steps *[]string) (proceed bool, res *OrderResult, err error) {
	log := c.Logger()

	if err := c.CallActivity(ActivitySendApprovalNotification, c.InstanceID()).Get(nil); err != nil {
		return false, nil, err
	}

	approval := c.WaitForExternalEvent(ManagerApprovalEvent)
	timeout := c.CreateTimer(c.Now().Add(cfg.ApprovalTimeout()))

	winner := c.WhenAny(approval, timeout.Future)
	if c.Err() != nil {
		return false, nil, c.Err()
	}

	if winner == timeout.Future {
		log.Warn("approval timeout for order %s", order.OrderID)
		*steps = append(*steps, "Timed out waiting for manager approval")
		return false, result(c, order, OrderTimedOut, *steps,
			fmt.Sprintf("No approval received within %d minutes.", cfg.ApprovalTimeoutMinutes)), nil
	}

	timeout.Cancel()

	var approved bool
	if err := approval.Get(&approved); err != nil {
		return false, nil, err
	}
	if !approved {
		log.Warn("order %s rejected by manager", order.OrderID)
		*steps = append(*steps, "Rejected by manager")
		return false, result(c, order, OrderRejectedByManager, *steps,
			"Order was rejected by the manager."), nil
	}

	*steps = append(*steps, "Approved by manager")
	log.Info("order %s approved by manager", order.OrderID)
	return true, nil, nil
}

func result(c *engine.Context, order OrderRequest, status OrderStatus, steps []string, failure string) *OrderResult {
	return &OrderResult{
		OrderID:       order.OrderID,
		Status:        status,
		Steps:         steps,
		FailureReason: failure,
		CompletedAt:   c.Now(),
	}
}
