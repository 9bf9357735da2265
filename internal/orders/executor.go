// Package orders executes atomic multi-leg orders with bounded fill waits.
package orders

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/gateway"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/retry"
)

// OrderTimeoutError means the order did not fill within the wait budget and
// was canceled. The triggering condition is re-evaluated next cycle.
type OrderTimeoutError struct {
	OrderID string
	Waited  time.Duration
}

func (e *OrderTimeoutError) Error() string {
	return fmt.Sprintf("order %s not filled after %v, canceled", e.OrderID, e.Waited)
}

// PartialFillMismatchError means the brokerage reported a fill that does not
// cover every submitted leg. The affected position must be frozen for manual
// review; no automated compensation is attempted.
type PartialFillMismatchError struct {
	OrderID string
	Missing []string // contract refs not fully filled
}

func (e *PartialFillMismatchError) Error() string {
	return fmt.Sprintf("order %s fill does not cover legs [%s]",
		e.OrderID, strings.Join(e.Missing, ", "))
}

// RejectedError means the brokerage refused the order outright.
type RejectedError struct {
	OrderID string
	State   gateway.OrderState
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order %s ended %s without filling", e.OrderID, e.State)
}

// Config controls fill polling.
type Config struct {
	PollInterval time.Duration
	FillTimeout  time.Duration
	CancelGrace  time.Duration // budget for the cancel call after a timeout
}

// DefaultConfig paces polling against brokerage rate limits.
var DefaultConfig = Config{
	PollInterval: 2 * time.Second,
	FillTimeout:  60 * time.Second,
	CancelGrace:  10 * time.Second,
}

// Executor submits atomic orders and waits for their terminal state.
type Executor struct {
	gw       gateway.Gateway
	logger   *log.Logger
	cfg      Config
	retryCfg retry.Config
}

// NewExecutor creates an Executor. A zero Config falls back to defaults.
func NewExecutor(gw gateway.Gateway, logger *log.Logger, cfg Config) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultConfig.FillTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultConfig.CancelGrace
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		gw:       gw,
		logger:   logger,
		cfg:      cfg,
		retryCfg: retry.DefaultConfig,
	}
}

// Execute submits the combo and blocks until fill, rejection, or timeout.
// On timeout the order is canceled before returning *OrderTimeoutError.
// A fill that does not cover every leg returns *PartialFillMismatchError.
func (e *Executor) Execute(ctx context.Context, symbol string, legs []gateway.OrderLeg,
	limitPrice float64, tag string) (*gateway.OrderStatus, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("execute: no legs")
	}

	status, err := retry.Do(ctx, e.retryCfg, e.logger, "submit atomic order",
		func(ctx context.Context) (*gateway.OrderStatus, error) {
			return e.gw.SubmitAtomicOrder(ctx, symbol, legs, limitPrice, tag)
		})
	if err != nil {
		return nil, fmt.Errorf("submit atomic order for %s: %w", symbol, err)
	}
	e.logger.Printf("order %s submitted for %s (%d legs, limit %.2f, tag %q)",
		status.ID, symbol, len(legs), limitPrice, tag)

	if status.State == gateway.OrderFilled {
		return e.verifyFill(status, legs)
	}

	return e.awaitFill(ctx, status.ID, legs)
}

func (e *Executor) awaitFill(ctx context.Context, orderID string, legs []gateway.OrderLeg) (*gateway.OrderStatus, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.FillTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-waitCtx.Done():
			return e.handleTimeout(orderID, legs, time.Since(start))
		case <-ticker.C:
			status, err := e.gw.GetOrderStatus(waitCtx, orderID)
			if err != nil {
				if retry.IsTransient(err) {
					e.logger.Printf("poll order %s: transient error, will retry: %v", orderID, err)
					continue
				}
				return nil, fmt.Errorf("poll order %s: %w", orderID, err)
			}
			switch status.State {
			case gateway.OrderFilled:
				return e.verifyFill(status, legs)
			case gateway.OrderRejected, gateway.OrderCanceled, gateway.OrderExpired:
				if missing := missingLegs(status, legs); len(missing) < len(legs) {
					// Some legs executed before the order died: atomicity
					// is broken.
					return nil, &PartialFillMismatchError{OrderID: orderID, Missing: missing}
				}
				return nil, &RejectedError{OrderID: orderID, State: status.State}
			}
		}
	}
}

// handleTimeout cancels the working order and reports how it ended. The
// cancel races the fill: a fill that lands first is still honored.
func (e *Executor) handleTimeout(orderID string, legs []gateway.OrderLeg, waited time.Duration) (*gateway.OrderStatus, error) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), e.cfg.CancelGrace)
	defer cancel()

	if err := e.gw.CancelOrder(cancelCtx, orderID); err != nil {
		e.logger.Printf("cancel order %s after timeout failed: %v", orderID, err)
	}

	status, err := e.gw.GetOrderStatus(cancelCtx, orderID)
	if err == nil {
		if status.State == gateway.OrderFilled {
			e.logger.Printf("order %s filled while being canceled", orderID)
			return e.verifyFill(status, legs)
		}
		if missing := missingLegs(status, legs); len(missing) < len(legs) {
			// Some legs executed on a canceled combo: atomicity is broken.
			return nil, &PartialFillMismatchError{OrderID: orderID, Missing: missing}
		}
	}

	return nil, &OrderTimeoutError{OrderID: orderID, Waited: waited}
}

// verifyFill confirms every submitted leg is fully covered by the reported
// fill.
func (e *Executor) verifyFill(status *gateway.OrderStatus, legs []gateway.OrderLeg) (*gateway.OrderStatus, error) {
	if missing := missingLegs(status, legs); len(missing) > 0 {
		return nil, &PartialFillMismatchError{OrderID: status.ID, Missing: missing}
	}
	return status, nil
}

// missingLegs returns the contract refs whose submitted quantity is not
// fully present in the fill report.
func missingLegs(status *gateway.OrderStatus, legs []gateway.OrderLeg) []string {
	filled := make(map[string]int, len(status.FilledLegs))
	for _, fl := range status.FilledLegs {
		filled[fl.ContractRef] += fl.Quantity
	}
	var missing []string
	for _, leg := range legs {
		if filled[leg.ContractRef] < leg.Quantity {
			missing = append(missing, leg.ContractRef)
		}
	}
	return missing
}
