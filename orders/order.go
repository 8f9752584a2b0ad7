package orders

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// ManagerApprovalEvent is the external event name the approval gate
	// waits on.
	ManagerApprovalEvent = "ManagerApproval"

	// InstancePrefix namespaces orchestration instance ids derived from
	// order ids.
	InstancePrefix = "order-"
)

// InstanceID maps an order id onto its orchestration instance id.
func InstanceID(orderID string) string {
	return InstancePrefix + orderID
}

// OrderRequest is the workflow input.
type OrderRequest struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

// Validate checks the request, returning a result rather than an error:
// invalid orders are an expected business outcome, not an exception.
func (o OrderRequest) Validate() ValidationResult {
	if strings.TrimSpace(o.OrderID) == "" {
		return ValidationFailure("OrderId is required.")
	}
	if o.Amount <= 0 {
		return ValidationFailure(fmt.Sprintf("Amount must be positive, but was %s.", FormatAmount(o.Amount)))
	}
	return ValidationSuccess()
}

// ValidationResult is the outcome of order validation.
type ValidationResult struct {
	Valid bool   `json:"isValid"`
	Error string `json:"errorMessage,omitempty"`
}

func ValidationSuccess() ValidationResult {
	return ValidationResult{Valid: true}
}

func ValidationFailure(message string) ValidationResult {
	return ValidationResult{Valid: false, Error: message}
}

// OrderStatus is the terminal business status of one order run.
type OrderStatus string

const (
	OrderCompleted         OrderStatus = "Completed"
	OrderValidationFailed  OrderStatus = "ValidationFailed"
	OrderRejectedByManager OrderStatus = "RejectedByManager"
	OrderTimedOut          OrderStatus = "TimedOut"
	OrderPaymentFailed     OrderStatus = "PaymentFailed"
	OrderShippingFailed    OrderStatus = "ShippingFailed"
)

// OrderResult is the workflow's sole externally visible output, immutable
// once produced.
type OrderResult struct {
	OrderID       string      `json:"orderId"`
	Status        OrderStatus `json:"status"`
	Steps         []string    `json:"steps"`
	FailureReason string      `json:"failureReason,omitempty"`
	CompletedAt   time.Time   `json:"completedAt"`
}

// FormatAmount renders an amount the way step descriptors expect: no
// trailing zeros, no currency separator.
func FormatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}
