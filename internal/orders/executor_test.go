package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/gateway"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
)

func fastExecutor(gw gateway.Gateway) *Executor {
	return NewExecutor(gw, nil, Config{
		PollInterval: 5 * time.Millisecond,
		FillTimeout:  100 * time.Millisecond,
		CancelGrace:  50 * time.Millisecond,
	})
}

func twoLegs() []gateway.OrderLeg {
	return []gateway.OrderLeg{
		{ContractRef: "SPY250919P00450000", Side: models.SideBuy, Action: gateway.ActionClose, Quantity: 2},
		{ContractRef: "SPY250919P00445000", Side: models.SideSell, Action: gateway.ActionClose, Quantity: 2},
	}
}

func TestExecuteImmediateFill(t *testing.T) {
	gw := gateway.NewMockGateway()
	ex := fastExecutor(gw)

	st, err := ex.Execute(context.Background(), "SPY", twoLegs(), -1.10, "close-test")
	require.NoError(t, err)
	assert.Equal(t, gateway.OrderFilled, st.State)
	require.NotNil(t, gw.LastSubmitted())
	assert.Equal(t, "close-test", gw.LastSubmitted().Tag)
}

func TestExecutePollsUntilFilled(t *testing.T) {
	gw := gateway.NewMockGateway()
	legs := twoLegs()
	polls := 0

	gw.SubmitAtomicOrderFunc = func(ctx context.Context, symbol string, legs []gateway.OrderLeg,
		limit float64, tag string) (*gateway.OrderStatus, error) {
		return &gateway.OrderStatus{ID: "77", State: gateway.OrderPending}, nil
	}
	gw.GetOrderStatusFunc = func(ctx context.Context, orderID string) (*gateway.OrderStatus, error) {
		polls++
		if polls < 3 {
			return &gateway.OrderStatus{ID: orderID, State: gateway.OrderOpen}, nil
		}
		return gateway.FilledStatus(orderID, legs, -1.10), nil
	}

	st, err := fastExecutor(gw).Execute(context.Background(), "SPY", legs, -1.10, "")
	require.NoError(t, err)
	assert.Equal(t, gateway.OrderFilled, st.State)
	assert.GreaterOrEqual(t, polls, 3)
}

func TestExecuteTimeoutCancelsOrder(t *testing.T) {
	gw := gateway.NewMockGateway()
	gw.SubmitAtomicOrderFunc = func(ctx context.Context, symbol string, legs []gateway.OrderLeg,
		limit float64, tag string) (*gateway.OrderStatus, error) {
		return &gateway.OrderStatus{ID: "88", State: gateway.OrderPending}, nil
	}
	gw.GetOrderStatusFunc = func(ctx context.Context, orderID string) (*gateway.OrderStatus, error) {
		return &gateway.OrderStatus{ID: orderID, State: gateway.OrderOpen}, nil
	}

	_, err := fastExecutor(gw).Execute(context.Background(), "SPY", twoLegs(), -1.10, "")
	var timeoutErr *OrderTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "88", timeoutErr.OrderID)
	assert.Contains(t, gw.CanceledOrders, "88")
}

func TestExecutePartialFillMismatch(t *testing.T) {
	gw := gateway.NewMockGateway()
	legs := twoLegs()
	gw.SubmitAtomicOrderFunc = func(ctx context.Context, symbol string, legs []gateway.OrderLeg,
		limit float64, tag string) (*gateway.OrderStatus, error) {
		// Fill reported, but only one leg executed.
		return &gateway.OrderStatus{
			ID:    "99",
			State: gateway.OrderFilled,
			FilledLegs: []gateway.FilledLeg{
				{ContractRef: legs[0].ContractRef, Quantity: legs[0].Quantity},
			},
		}, nil
	}

	_, err := fastExecutor(gw).Execute(context.Background(), "SPY", legs, -1.10, "")
	var mismatch *PartialFillMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, []string{"SPY250919P00445000"}, mismatch.Missing)
}

func TestExecutePartialQuantityMismatch(t *testing.T) {
	gw := gateway.NewMockGateway()
	legs := twoLegs()
	gw.SubmitAtomicOrderFunc = func(ctx context.Context, symbol string, legs []gateway.OrderLeg,
		limit float64, tag string) (*gateway.OrderStatus, error) {
		return &gateway.OrderStatus{
			ID:    "100",
			State: gateway.OrderFilled,
			FilledLegs: []gateway.FilledLeg{
				{ContractRef: legs[0].ContractRef, Quantity: legs[0].Quantity},
				{ContractRef: legs[1].ContractRef, Quantity: 1}, // 1 of 2
			},
		}, nil
	}

	_, err := fastExecutor(gw).Execute(context.Background(), "SPY", legs, -1.10, "")
	var mismatch *PartialFillMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestExecuteRejected(t *testing.T) {
	gw := gateway.NewMockGateway()
	gw.SubmitAtomicOrderFunc = func(ctx context.Context, symbol string, legs []gateway.OrderLeg,
		limit float64, tag string) (*gateway.OrderStatus, error) {
		return &gateway.OrderStatus{ID: "55", State: gateway.OrderPending}, nil
	}
	gw.GetOrderStatusFunc = func(ctx context.Context, orderID string) (*gateway.OrderStatus, error) {
		return &gateway.OrderStatus{ID: orderID, State: gateway.OrderRejected}, nil
	}

	_, err := fastExecutor(gw).Execute(context.Background(), "SPY", twoLegs(), -1.10, "")
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
}

func TestExecuteCanceledWithPartialFillIsMismatch(t *testing.T) {
	gw := gateway.NewMockGateway()
	legs := twoLegs()
	gw.SubmitAtomicOrderFunc = func(ctx context.Context, symbol string, legs []gateway.OrderLeg,
		limit float64, tag string) (*gateway.OrderStatus, error) {
		return &gateway.OrderStatus{ID: "56", State: gateway.OrderPending}, nil
	}
	gw.GetOrderStatusFunc = func(ctx context.Context, orderID string) (*gateway.OrderStatus, error) {
		// A day order canceled at the exchange after one leg executed.
		return &gateway.OrderStatus{
			ID:    orderID,
			State: gateway.OrderCanceled,
			FilledLegs: []gateway.FilledLeg{
				{ContractRef: legs[0].ContractRef, Quantity: legs[0].Quantity},
			},
		}, nil
	}

	_, err := fastExecutor(gw).Execute(context.Background(), "SPY", legs, -1.10, "")
	var mismatch *PartialFillMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, []string{"SPY250919P00445000"}, mismatch.Missing)

	var rejected *RejectedError
	assert.False(t, errors.As(err, &rejected), "partial execution must not settle as a clean rejection")
}

func TestExecuteFilledDuringCancel(t *testing.T) {
	gw := gateway.NewMockGateway()
	legs := twoLegs()
	canceled := false
	gw.SubmitAtomicOrderFunc = func(ctx context.Context, symbol string, legs []gateway.OrderLeg,
		limit float64, tag string) (*gateway.OrderStatus, error) {
		return &gateway.OrderStatus{ID: "66", State: gateway.OrderPending}, nil
	}
	gw.CancelOrderFunc = func(ctx context.Context, orderID string) error {
		canceled = true
		return nil
	}
	gw.GetOrderStatusFunc = func(ctx context.Context, orderID string) (*gateway.OrderStatus, error) {
		if canceled {
			return gateway.FilledStatus(orderID, legs, -1.05), nil
		}
		return &gateway.OrderStatus{ID: orderID, State: gateway.OrderOpen}, nil
	}

	st, err := fastExecutor(gw).Execute(context.Background(), "SPY", legs, -1.10, "")
	require.NoError(t, err, "fill landing during cancel must be honored")
	assert.Equal(t, gateway.OrderFilled, st.State)
}

func TestExecuteNoLegs(t *testing.T) {
	_, err := fastExecutor(gateway.NewMockGateway()).Execute(context.Background(), "SPY", nil, 0, "")
	require.Error(t, err)
	var mismatch *PartialFillMismatchError
	assert.False(t, errors.As(err, &mismatch))
}
