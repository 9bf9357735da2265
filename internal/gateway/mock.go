package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
)

// MockGateway is a configurable in-memory Gateway for tests. Behavior is
// overridden per call via function fields; unset fields use the built-in
// happy-path defaults.
type MockGateway struct {
	mu sync.Mutex

	PortfolioSnapshotFunc func(ctx context.Context) (*PortfolioSnapshot, error)
	GetQuoteFunc          func(ctx context.Context, symbol string) (*Quote, error)
	GetGreeksFunc         func(ctx context.Context, contractRef string) (*Greeks, error)
	GetExpirationsFunc    func(ctx context.Context, symbol string) ([]time.Time, error)
	ResolveContractFunc   func(ctx context.Context, symbol string, right models.OptionRight,
		strike float64, expiration time.Time) (string, error)
	SubmitAtomicOrderFunc func(ctx context.Context, symbol string, legs []OrderLeg,
		limitPrice float64, tag string) (*OrderStatus, error)
	GetOrderStatusFunc func(ctx context.Context, orderID string) (*OrderStatus, error)
	CancelOrderFunc    func(ctx context.Context, orderID string) error

	// Recorded calls for assertions.
	SubmittedOrders []SubmittedOrder
	CanceledOrders  []string

	nextOrderID int
}

// SubmittedOrder records one SubmitAtomicOrder invocation.
type SubmittedOrder struct {
	Symbol     string
	Legs       []OrderLeg
	LimitPrice float64
	Tag        string
}

// Ensure MockGateway implements Gateway at compile time.
var _ Gateway = (*MockGateway)(nil)

// NewMockGateway returns a mock whose defaults fill every order immediately.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

func (m *MockGateway) PortfolioSnapshot(ctx context.Context) (*PortfolioSnapshot, error) {
	if m.PortfolioSnapshotFunc != nil {
		return m.PortfolioSnapshotFunc(ctx)
	}
	return &PortfolioSnapshot{Taken: time.Now().UTC()}, nil
}

func (m *MockGateway) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	if m.GetQuoteFunc != nil {
		return m.GetQuoteFunc(ctx, symbol)
	}
	return &Quote{Symbol: symbol, Bid: 0.95, Ask: 1.05, Last: 1.00}, nil
}

func (m *MockGateway) GetGreeks(ctx context.Context, contractRef string) (*Greeks, error) {
	if m.GetGreeksFunc != nil {
		return m.GetGreeksFunc(ctx, contractRef)
	}
	return &Greeks{Delta: 0.20, Theta: -0.05}, nil
}

func (m *MockGateway) GetExpirations(ctx context.Context, symbol string) ([]time.Time, error) {
	if m.GetExpirationsFunc != nil {
		return m.GetExpirationsFunc(ctx, symbol)
	}
	now := time.Now().UTC().Truncate(24 * time.Hour)
	return []time.Time{
		now.AddDate(0, 0, 7),
		now.AddDate(0, 0, 14),
		now.AddDate(0, 0, 30),
		now.AddDate(0, 0, 45),
	}, nil
}

func (m *MockGateway) ResolveContract(ctx context.Context, symbol string,
	right models.OptionRight, strike float64, expiration time.Time) (string, error) {
	if m.ResolveContractFunc != nil {
		return m.ResolveContractFunc(ctx, symbol, right, strike, expiration)
	}
	return FormatOCCSymbol(symbol, right, strike, expiration), nil
}

func (m *MockGateway) SubmitAtomicOrder(ctx context.Context, symbol string,
	legs []OrderLeg, limitPrice float64, tag string) (*OrderStatus, error) {
	m.mu.Lock()
	m.nextOrderID++
	id := fmt.Sprintf("%d", m.nextOrderID)
	m.SubmittedOrders = append(m.SubmittedOrders, SubmittedOrder{
		Symbol:     symbol,
		Legs:       append([]OrderLeg(nil), legs...),
		LimitPrice: limitPrice,
		Tag:        tag,
	})
	m.mu.Unlock()

	if m.SubmitAtomicOrderFunc != nil {
		return m.SubmitAtomicOrderFunc(ctx, symbol, legs, limitPrice, tag)
	}
	return FilledStatus(id, legs, limitPrice), nil
}

func (m *MockGateway) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	if m.GetOrderStatusFunc != nil {
		return m.GetOrderStatusFunc(ctx, orderID)
	}
	return &OrderStatus{ID: orderID, State: OrderFilled}, nil
}

func (m *MockGateway) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	m.CanceledOrders = append(m.CanceledOrders, orderID)
	m.mu.Unlock()
	if m.CancelOrderFunc != nil {
		return m.CancelOrderFunc(ctx, orderID)
	}
	return nil
}

// LastSubmitted returns the most recent atomic order, or nil.
func (m *MockGateway) LastSubmitted() *SubmittedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.SubmittedOrders) == 0 {
		return nil
	}
	return &m.SubmittedOrders[len(m.SubmittedOrders)-1]
}

// FilledStatus builds a fully filled OrderStatus covering every leg, a
// convenience for happy-path test setups.
func FilledStatus(id string, legs []OrderLeg, avgPrice float64) *OrderStatus {
	st := &OrderStatus{ID: id, State: OrderFilled, AvgPrice: avgPrice}
	for _, l := range legs {
		st.FilledLegs = append(st.FilledLegs, FilledLeg{
			ContractRef: l.ContractRef,
			Quantity:    l.Quantity,
			AvgPrice:    avgPrice / float64(len(legs)),
		})
	}
	return st
}
