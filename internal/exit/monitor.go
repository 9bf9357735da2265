// Package exit periodically evaluates open positions against their exit
// rules and closes the ones that trigger.
package exit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/advisory"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/gateway"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/orders"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/risk"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/storage"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/util"
)

// Config controls the monitor's cadence and thresholds.
type Config struct {
	Interval time.Duration
	// MinDTE is the time-exit floor used when a position carries none of
	// its own.
	MinDTE int
	// AdvisoryLossTrigger is the loss fraction of entry value past which
	// the advisory gate is consulted. Zero disables the advisory rule.
	AdvisoryLossTrigger float64
	MinConfidence       int
}

// Monitor walks the open book on a timer and executes triggered exits.
type Monitor struct {
	store    storage.Interface
	gw       gateway.Gateway
	executor *orders.Executor
	risk     *risk.Manager
	advisor  advisory.Advisor
	logger   *log.Logger
	cfg      Config
}

// NewMonitor wires a Monitor. A nil advisor disables the advisory rule.
func NewMonitor(store storage.Interface, gw gateway.Gateway, executor *orders.Executor,
	riskMgr *risk.Manager, advisor advisory.Advisor, logger *log.Logger, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 7
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		store:    store,
		gw:       gw,
		executor: executor,
		risk:     riskMgr,
		advisor:  advisor,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run blocks, checking the book every interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce evaluates every monitorable position a single time. Failures on
// one position never block the rest.
func (m *Monitor) CheckOnce(ctx context.Context) {
	positions, err := m.store.GetOpenPositions()
	if err != nil {
		m.logger.Printf("exit monitor: load open positions: %v", err)
		return
	}
	for i := range positions {
		p := &positions[i]
		if !p.Monitorable() {
			continue
		}
		if err := m.checkPosition(ctx, p); err != nil {
			m.logger.Printf("exit monitor: position %s: %v", p.ID, err)
		}
	}
}

func (m *Monitor) checkPosition(ctx context.Context, p *models.Position) error {
	reason, cost, err := m.Evaluate(ctx, p)
	if err != nil {
		return err
	}

	p.CurrentPnL = util.RoundToTick(p.UnrealizedPnL(cost), 0.01)
	p.LastChecked = time.Now().UTC()
	if reason == "" {
		// Write through a fresh copy: the quote round-trip above can race
		// a concurrent flag or transition, and a stale snapshot must not
		// overwrite it.
		stored, err := m.store.GetPositionByID(p.ID)
		if err != nil {
			return err
		}
		stored.CurrentPnL = p.CurrentPnL
		stored.LastChecked = p.LastChecked
		return m.store.UpdatePosition(stored)
	}

	m.logger.Printf("exit triggered for %s (%s): cost-to-close %.2f, reason %s",
		p.ID, p.Symbol, cost, reason)
	return m.ClosePosition(ctx, p, cost, reason)
}

// Evaluate applies the exit rules in priority order: stop-loss, time floor,
// take-profit, then the advisory gate. It never mutates stored state.
func (m *Monitor) Evaluate(ctx context.Context, p *models.Position) (string, float64, error) {
	cost, err := m.CostToClose(ctx, p)
	if err != nil {
		return "", 0, fmt.Errorf("price legs: %w", err)
	}

	rules := p.ExitRules
	if rules.StopLossPrice > 0 && cost >= rules.StopLossPrice {
		return models.ExitReasonStopLoss, cost, nil
	}

	minDTE := rules.MinDTE
	if minDTE <= 0 {
		minDTE = m.cfg.MinDTE
	}
	if minDTE > 0 && p.CalculateDTE() < minDTE {
		return models.ExitReasonTimeLimit, cost, nil
	}

	if rules.TakeProfitPrice > 0 && cost <= rules.TakeProfitPrice {
		return models.ExitReasonTakeProfit, cost, nil
	}

	if reason := m.advisoryExit(ctx, p, cost); reason != "" {
		return reason, cost, nil
	}
	return "", cost, nil
}

func (m *Monitor) advisoryExit(ctx context.Context, p *models.Position, cost float64) string {
	if m.advisor == nil || m.cfg.AdvisoryLossTrigger <= 0 {
		return ""
	}
	lossFraction := -p.ProfitPercent(cost) / 100
	if lossFraction < m.cfg.AdvisoryLossTrigger {
		return ""
	}
	d, err := m.advisor.ShouldExit(ctx, advisory.PositionSummary{
		Symbol:        p.Symbol,
		Strategy:      string(p.Strategy),
		DTE:           p.CalculateDTE(),
		EntryPrice:    p.EntryPrice,
		CostToClose:   cost,
		UnrealizedPnL: p.UnrealizedPnL(cost),
		RollCount:     p.RollCount,
	})
	if err != nil {
		m.logger.Printf("advisory exit check for %s failed: %v", p.ID, err)
		return ""
	}
	if d.Meets(m.cfg.MinConfidence) {
		m.logger.Printf("advisory exit approved for %s (confidence %d): %s", p.ID, d.Confidence, d.Reason)
		return models.ExitReasonAdvisorySignal
	}
	return ""
}

// CostToClose prices the spread from per-leg quote midpoints. Positive
// means closing costs a debit.
func (m *Monitor) CostToClose(ctx context.Context, p *models.Position) (float64, error) {
	var cost float64
	for _, leg := range p.Legs {
		q, err := m.gw.GetQuote(ctx, leg.ContractRef)
		if err != nil {
			return 0, fmt.Errorf("quote %s: %w", leg.ContractRef, err)
		}
		mid := q.Mid()
		if leg.Side == models.SideSell {
			// Short leg is bought back.
			cost += mid * float64(leg.Ratio)
		} else {
			// Long leg is sold off.
			cost -= mid * float64(leg.Ratio)
		}
	}
	return cost, nil
}

// ClosePosition submits the reversing combo under the position's operation
// guard and settles the lifecycle on the outcome.
func (m *Monitor) ClosePosition(ctx context.Context, p *models.Position, cost float64, reason string) error {
	if !m.store.AcquireOperation(p.ID) {
		m.logger.Printf("position %s busy, skipping close this cycle", p.ID)
		return nil
	}
	defer m.store.ReleaseOperation(p.ID)

	current, err := m.store.GetPositionByID(p.ID)
	if err != nil {
		return err
	}
	if current.NeedsReview || !models.CanTransition(current.Status, models.StatusClosing) {
		m.logger.Printf("position %s no longer closeable (%s), skipping", p.ID, current.Status)
		return nil
	}

	if err := m.store.Transition(p.ID, models.StatusClosing, models.CondExitTriggered); err != nil {
		return err
	}

	legs := ClosingLegs(p)
	// Ceiling the cost concedes at most one tick in exchange for a limit
	// that clears the quoted midpoint.
	limit := -util.CeilToTick(cost, util.OptionTick)
	status, err := m.executor.Execute(ctx, p.Symbol, legs, limit, "exit-"+p.ID)
	if err != nil {
		return m.settleFailure(p, err)
	}

	fillCost := -status.AvgPrice
	pnl := p.UnrealizedPnL(fillCost)
	if err := m.store.Transition(p.ID, models.StatusClosed, models.CondOrderFilled); err != nil {
		return err
	}
	closed, err := m.store.GetPositionByID(p.ID)
	if err != nil {
		return err
	}
	closed.CurrentPnL = util.RoundToTick(pnl, 0.01)
	closed.ExitReason = reason
	if err := m.store.UpdatePosition(closed); err != nil {
		return err
	}
	m.risk.RemovePosition(p.ID)
	m.logger.Printf("position %s closed at %.2f (pnl %.2f, reason %s)", p.ID, fillCost, pnl, reason)
	return nil
}

// settleFailure maps execution errors onto the lifecycle. Timeouts revert
// to open for the next cycle; fill mismatches freeze the position.
func (m *Monitor) settleFailure(p *models.Position, execErr error) error {
	var timeout *orders.OrderTimeoutError
	if errors.As(execErr, &timeout) {
		if err := m.store.Transition(p.ID, models.StatusOpen, models.CondOrderTimeout); err != nil {
			return errors.Join(execErr, err)
		}
		m.logger.Printf("close of %s timed out, will retry next cycle", p.ID)
		return nil
	}

	var mismatch *orders.PartialFillMismatchError
	if errors.As(execErr, &mismatch) {
		stored, err := m.store.GetPositionByID(p.ID)
		if err != nil {
			return errors.Join(execErr, err)
		}
		stored.Flag(mismatch.Error())
		if err := m.store.UpdatePosition(stored); err != nil {
			return errors.Join(execErr, err)
		}
		m.logger.Printf("CRITICAL: %s frozen for manual review: %v", p.ID, mismatch)
		return execErr
	}

	// Other failures: revert to open so the trigger re-fires.
	if err := m.store.Transition(p.ID, models.StatusOpen, models.CondOrderTimeout); err != nil {
		return errors.Join(execErr, err)
	}
	return execErr
}

// ClosingLegs builds the reversing order legs for p.
func ClosingLegs(p *models.Position) []gateway.OrderLeg {
	legs := make([]gateway.OrderLeg, 0, len(p.Legs))
	for _, leg := range p.Legs {
		legs = append(legs, gateway.OrderLeg{
			ContractRef: leg.ContractRef,
			Side:        leg.Side.Opposite(),
			Action:      gateway.ActionClose,
			Quantity:    p.Contracts * leg.Ratio,
		})
	}
	return legs
}
