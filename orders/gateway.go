package orders

import (
	"context"
	"fmt"
	"strings"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/store"
)

// SimulatedPaymentGateway is a provider stand-in backed by a durable
// ledger. It deduplicates charges on the caller's key, the way a real
// gateway honors idempotency tokens. Keys containing "fail" are rejected
// to exercise the retry path.
type SimulatedPaymentGateway struct {
	ledger store.Ledger
	logger durable.Logger
}

// NewSimulatedPaymentGateway builds a gateway over the given ledger.
func NewSimulatedPaymentGateway(ledger store.Ledger, logger durable.Logger) *SimulatedPaymentGateway {
	if logger == nil {
		logger = durable.NewFmtLogger(nil)
	}
	return &SimulatedPaymentGateway{ledger: ledger, logger: logger}
}

// ProcessPayment charges amount under key at most once. Repeat calls with
// a key already in the ledger return the cached success.
func (g *SimulatedPaymentGateway) ProcessPayment(ctx context.Context, key string, amount float64) error {
	if _, ok, err := g.ledger.Get(ctx, key); err != nil {
		return err
	} else if ok {
		g.logger.Info("payment already processed for %s, returning cached result", key)
		return nil
	}

	if strings.Contains(strings.ToLower(key), "fail") {
		return durable.Transient(
			fmt.Errorf("payment gateway rejected transaction for %s", key),
			"payment rejected")
	}

	created, err := g.ledger.PutIfAbsent(ctx, key, []byte(FormatAmount(amount)))
	if err != nil {
		return err
	}
	if !created {
		g.logger.Info("concurrent payment detected for %s, already processed", key)
		return nil
	}

	g.logger.Info("payment provider charged $%s for %s", FormatAmount(amount), key)
	return nil
}

// RefundPayment reverses the charge recorded under key. Refunding a key
// that was never charged is a no-op.
func (g *SimulatedPaymentGateway) RefundPayment(ctx context.Context, key string) error {
	if err := g.ledger.Delete(ctx, key); err != nil {
		return err
	}
	g.logger.Info("payment provider refunded %s", key)
	return nil
}

// SimulatedShipper is a shipping stand-in. Order ids containing "noship"
// fail permanently to exercise the compensation path.
type SimulatedShipper struct {
	logger durable.Logger
}

// NewSimulatedShipper builds a shipper.
func NewSimulatedShipper(logger durable.Logger) *SimulatedShipper {
	if logger == nil {
		logger = durable.NewFmtLogger(nil)
	}
	return &SimulatedShipper{logger: logger}
}

// Ship creates a shipment for orderID.
func (s *SimulatedShipper) Ship(_ context.Context, orderID string) error {
	if strings.Contains(strings.ToLower(orderID), "noship") {
		return durable.NonRetryable(
			fmt.Errorf("shipping service unavailable for order %s", orderID),
			"shipment rejected")
	}
	return nil
}
