// Package gateway abstracts the brokerage used for order routing, contract
// resolution, and account state.
package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
)

// OrderLeg is one leg of a multi-leg order instruction.
type OrderLeg struct {
	ContractRef string
	Side        models.LegSide
	Action      LegAction // open or close
	Quantity    int
}

// LegAction distinguishes opening legs from closing legs within a combo.
type LegAction string

const (
	ActionOpen  LegAction = "open"
	ActionClose LegAction = "close"
)

// OrderState is the brokerage-reported lifecycle state of an order.
type OrderState string

const (
	OrderPending  OrderState = "pending"
	OrderOpen     OrderState = "open"
	OrderFilled   OrderState = "filled"
	OrderCanceled OrderState = "canceled"
	OrderRejected OrderState = "rejected"
	OrderExpired  OrderState = "expired"
)

// FilledLeg reports the fill for one leg of a combo order.
type FilledLeg struct {
	ContractRef string
	Quantity    int
	AvgPrice    float64
}

// OrderStatus is the gateway's view of an order in flight or settled.
type OrderStatus struct {
	ID         string
	State      OrderState
	AvgPrice   float64 // signed net per-spread price: positive credit, negative debit
	FilledLegs []FilledLeg
}

// AccountLeg is a single option holding reported by the brokerage account.
type AccountLeg struct {
	ContractRef string
	Quantity    int // positive long, negative short
}

// PortfolioSnapshot is the brokerage account's option holdings at an instant.
type PortfolioSnapshot struct {
	Taken time.Time
	Legs  []AccountLeg
}

// Quote is a top-of-book quote for one contract or underlying.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
}

// Mid returns the bid/ask midpoint, falling back to last when the book is
// one-sided.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Greeks carries per-contract risk sensitivities.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	Vanna float64
}

// Gateway defines the brokerage operations the engine depends on. All
// calls take a context and are expected to respect its deadline.
type Gateway interface {
	// Account state
	PortfolioSnapshot(ctx context.Context) (*PortfolioSnapshot, error)

	// Market data
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetGreeks(ctx context.Context, contractRef string) (*Greeks, error)
	GetExpirations(ctx context.Context, symbol string) ([]time.Time, error)

	// Contract resolution
	ResolveContract(ctx context.Context, symbol string, right models.OptionRight,
		strike float64, expiration time.Time) (string, error)

	// Order routing. SubmitAtomicOrder places all legs as one indivisible
	// instruction: either every leg executes or none does.
	SubmitAtomicOrder(ctx context.Context, symbol string, legs []OrderLeg,
		limitPrice float64, tag string) (*OrderStatus, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// exec is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gw Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gw) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality.
type CircuitBreakerGateway struct {
	gw      Gateway
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerGateway implements Gateway at compile time.
var _ Gateway = (*CircuitBreakerGateway)(nil)

// NewCircuitBreakerGateway wraps gw with sensible defaults.
func NewCircuitBreakerGateway(gw Gateway, logger *log.Logger) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gw, logger, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerGatewayWithSettings wraps gw with custom settings.
func NewCircuitBreakerGatewayWithSettings(gw Gateway, logger *log.Logger, settings CircuitBreakerSettings) *CircuitBreakerGateway {
	if logger == nil {
		logger = log.Default()
	}
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerGateway{
		gw:      gw,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// PortfolioSnapshot wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) PortfolioSnapshot(ctx context.Context) (*PortfolioSnapshot, error) {
	return execCircuitBreaker(c.breaker, c.gw, func(g Gateway) (*PortfolioSnapshot, error) {
		return g.PortfolioSnapshot(ctx)
	})
}

// GetQuote wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.gw, func(g Gateway) (*Quote, error) {
		return g.GetQuote(ctx, symbol)
	})
}

// GetGreeks wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetGreeks(ctx context.Context, contractRef string) (*Greeks, error) {
	return execCircuitBreaker(c.breaker, c.gw, func(g Gateway) (*Greeks, error) {
		return g.GetGreeks(ctx, contractRef)
	})
}

// GetExpirations wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetExpirations(ctx context.Context, symbol string) ([]time.Time, error) {
	return execCircuitBreaker(c.breaker, c.gw, func(g Gateway) ([]time.Time, error) {
		return g.GetExpirations(ctx, symbol)
	})
}

// ResolveContract wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) ResolveContract(ctx context.Context, symbol string,
	right models.OptionRight, strike float64, expiration time.Time) (string, error) {
	return execCircuitBreaker(c.breaker, c.gw, func(g Gateway) (string, error) {
		return g.ResolveContract(ctx, symbol, right, strike, expiration)
	})
}

// SubmitAtomicOrder wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) SubmitAtomicOrder(ctx context.Context, symbol string,
	legs []OrderLeg, limitPrice float64, tag string) (*OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.gw, func(g Gateway) (*OrderStatus, error) {
		return g.SubmitAtomicOrder(ctx, symbol, legs, limitPrice, tag)
	})
}

// GetOrderStatus wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.gw, func(g Gateway) (*OrderStatus, error) {
		return g.GetOrderStatus(ctx, orderID)
	})
}

// CancelOrder wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.gw, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.CancelOrder(ctx, orderID)
	})
	return err
}
