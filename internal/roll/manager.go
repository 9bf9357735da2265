// Package roll detects tested positions and replaces them through atomic
// close-and-reopen combos. A roll is one indivisible multi-leg order: the
// old legs reversed to close plus the adjusted legs to open. The close and
// the open are never submitted separately.
package roll

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/advisory"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/exit"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/gateway"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/orders"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/risk"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/storage"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/util"
)

// RollType classifies the defensive adjustment.
type RollType string

const (
	RollUpAndOut   RollType = "ROLL_UP_AND_OUT"
	RollDownAndOut RollType = "ROLL_DOWN_AND_OUT"
	RollOut        RollType = "ROLL_OUT"
)

// Config controls trigger thresholds and cadence.
type Config struct {
	Interval time.Duration
	// ProximityPct marks a short strike "tested" when the underlying is
	// within this fraction of it.
	ProximityPct float64
	// DeltaBreach is the absolute short-leg delta past which the strike
	// is considered breached.
	DeltaBreach float64
	// MinDTE is both the time-roll trigger floor and the minimum DTE of
	// the replacement expiration.
	MinDTE int
	// MaxRolls caps how many times a position chain may be rolled.
	// Zero means unlimited.
	MaxRolls      int
	MinConfidence int
}

// Trigger is the outcome of evaluating one position.
type Trigger struct {
	Type RollType
	// TestedRight is the option side under pressure; empty for pure
	// time rolls.
	TestedRight models.OptionRight
	Reason      string
}

// Plan holds the fully resolved replacement legs for a triggered roll.
type Plan struct {
	Trigger       Trigger
	NewLegs       []models.Leg
	NewExpiration time.Time
}

// Describe renders the plan for logs and the advisory gate.
func (pl *Plan) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s to %s:", pl.Trigger.Type, pl.NewExpiration.Format("2006-01-02"))
	for _, leg := range pl.NewLegs {
		fmt.Fprintf(&b, " %s %s %.2f", leg.Side, leg.Right, leg.Strike)
	}
	return b.String()
}

// Manager runs the periodic roll scan.
type Manager struct {
	store    storage.Interface
	gw       gateway.Gateway
	executor *orders.Executor
	risk     *risk.Manager
	advisor  advisory.Advisor
	exits    *exit.Monitor
	logger   *log.Logger
	cfg      Config
}

// NewManager wires a Manager. exits is consulted before every roll so that
// a pending close always outranks a roll on the same position.
func NewManager(store storage.Interface, gw gateway.Gateway, executor *orders.Executor,
	riskMgr *risk.Manager, advisor advisory.Advisor, exits *exit.Monitor,
	logger *log.Logger, cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ProximityPct <= 0 {
		cfg.ProximityPct = 0.02
	}
	if cfg.DeltaBreach <= 0 {
		cfg.DeltaBreach = 0.40
	}
	if cfg.MinDTE <= 0 {
		cfg.MinDTE = 21
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 7
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		store:    store,
		gw:       gw,
		executor: executor,
		risk:     riskMgr,
		advisor:  advisor,
		exits:    exits,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run blocks, scanning the book every interval until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
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

// CheckOnce scans monitorable positions and rolls the triggered ones.
func (m *Manager) CheckOnce(ctx context.Context) {
	positions, err := m.store.GetOpenPositions()
	if err != nil {
		m.logger.Printf("roll manager: load open positions: %v", err)
		return
	}
	for i := range positions {
		p := &positions[i]
		if !p.Monitorable() {
			continue
		}
		if err := m.checkPosition(ctx, p); err != nil {
			m.logger.Printf("roll manager: position %s: %v", p.ID, err)
		}
	}
}

func (m *Manager) checkPosition(ctx context.Context, p *models.Position) error {
	trigger, err := m.DetectTrigger(ctx, p)
	if err != nil {
		return err
	}
	if trigger == nil {
		return nil
	}
	if m.cfg.MaxRolls > 0 && p.RollCount >= m.cfg.MaxRolls {
		m.logger.Printf("position %s triggered (%s) but roll cap %d reached, leaving to exit rules",
			p.ID, trigger.Type, m.cfg.MaxRolls)
		return nil
	}

	// Capital preservation outranks repositioning: a roll never fires
	// while any exit rule would.
	exitReason, cost, err := m.exits.Evaluate(ctx, p)
	if err != nil {
		return fmt.Errorf("exit precheck: %w", err)
	}
	if exitReason != "" {
		m.logger.Printf("position %s triggered (%s) but exit rule %s takes priority, deferring",
			p.ID, trigger.Type, exitReason)
		return nil
	}

	return m.ExecuteRoll(ctx, p, *trigger, cost)
}

// DetectTrigger returns a non-nil Trigger when the position should roll:
// underlying near a short strike, short-leg delta breached, or expiration
// approaching with the short delta still elevated.
func (m *Manager) DetectTrigger(ctx context.Context, p *models.Position) (*Trigger, error) {
	shorts := p.ShortLegs()
	if len(shorts) == 0 {
		return nil, nil
	}

	quote, err := m.gw.GetQuote(ctx, p.Symbol)
	if err != nil {
		return nil, fmt.Errorf("underlying quote: %w", err)
	}
	spot := quote.Last
	if spot <= 0 {
		spot = quote.Mid()
	}

	var worstDelta float64
	for _, leg := range shorts {
		greeks, err := m.gw.GetGreeks(ctx, leg.ContractRef)
		if err != nil {
			return nil, fmt.Errorf("greeks for %s: %w", leg.ContractRef, err)
		}
		delta := math.Abs(greeks.Delta)
		if delta > worstDelta {
			worstDelta = delta
		}

		proximity := math.Abs(spot-leg.Strike) / leg.Strike
		tested := proximity < m.cfg.ProximityPct
		breached := delta > m.cfg.DeltaBreach
		if !tested && !breached {
			continue
		}

		t := &Trigger{TestedRight: leg.Right}
		if leg.Right == models.RightCall {
			t.Type = RollUpAndOut
		} else {
			t.Type = RollDownAndOut
		}
		switch {
		case tested && breached:
			t.Reason = fmt.Sprintf("strike %.2f tested (spot %.2f) with delta %.2f breached", leg.Strike, spot, delta)
		case tested:
			t.Reason = fmt.Sprintf("strike %.2f tested (spot %.2f, proximity %.2f%%)", leg.Strike, spot, proximity*100)
		default:
			t.Reason = fmt.Sprintf("strike %.2f delta %.2f over %.2f", leg.Strike, delta, m.cfg.DeltaBreach)
		}
		return t, nil
	}

	// Time trigger: close to expiration with the short delta still high
	// enough that pin risk is real.
	if p.CalculateDTE() < m.cfg.MinDTE && worstDelta > m.cfg.DeltaBreach/2 {
		return &Trigger{
			Type:   RollOut,
			Reason: fmt.Sprintf("%d DTE under %d floor with short delta %.2f", p.CalculateDTE(), m.cfg.MinDTE, worstDelta),
		}, nil
	}
	return nil, nil
}

// BuildPlan computes and resolves the replacement legs. Any resolution
// failure returns an error with no side effects.
func (m *Manager) BuildPlan(ctx context.Context, p *models.Position, trigger Trigger) (*Plan, error) {
	newExp, err := m.nextExpiration(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}

	shift := 0.0
	if trigger.Type != RollOut {
		width := sideSpreadWidth(p.Legs, trigger.TestedRight)
		if trigger.Type == RollUpAndOut {
			shift = width
		} else {
			shift = -width
		}
	}

	newLegs := make([]models.Leg, len(p.Legs))
	for i, leg := range p.Legs {
		nl := leg
		nl.Expiration = newExp
		if trigger.Type != RollOut && leg.Right == trigger.TestedRight {
			nl.Strike = leg.Strike + shift
		}
		ref, err := m.gw.ResolveContract(ctx, p.Symbol, nl.Right, nl.Strike, newExp)
		if err != nil {
			return nil, fmt.Errorf("resolve replacement leg %s %.2f %s: %w",
				nl.Right, nl.Strike, newExp.Format("2006-01-02"), err)
		}
		nl.ContractRef = ref
		newLegs[i] = nl
	}

	return &Plan{Trigger: trigger, NewLegs: newLegs, NewExpiration: newExp}, nil
}

// nextExpiration picks the earliest listed expiration at or beyond the DTE
// floor.
func (m *Manager) nextExpiration(ctx context.Context, symbol string) (time.Time, error) {
	exps, err := m.gw.GetExpirations(ctx, symbol)
	if err != nil {
		return time.Time{}, fmt.Errorf("expirations: %w", err)
	}
	sort.Slice(exps, func(i, j int) bool { return exps[i].Before(exps[j]) })
	cutoff := time.Now().UTC().AddDate(0, 0, m.cfg.MinDTE)
	for _, e := range exps {
		if !e.Before(cutoff) {
			return e, nil
		}
	}
	return time.Time{}, fmt.Errorf("no expiration at or beyond %d DTE for %s", m.cfg.MinDTE, symbol)
}

// ExecuteRoll runs the triggered roll end to end: advisory gate, guard,
// plan resolution, one combined combo, then the linked-position bookkeeping.
// closeCost is the already-priced cost to close the old legs.
func (m *Manager) ExecuteRoll(ctx context.Context, p *models.Position, trigger Trigger, closeCost float64) error {
	if !m.store.AcquireOperation(p.ID) {
		m.logger.Printf("position %s busy, skipping roll this cycle", p.ID)
		return nil
	}
	defer m.store.ReleaseOperation(p.ID)

	current, err := m.store.GetPositionByID(p.ID)
	if err != nil {
		return err
	}
	if current.NeedsReview || !models.CanTransition(current.Status, models.StatusRolling) {
		m.logger.Printf("position %s no longer rollable (%s), skipping", p.ID, current.Status)
		return nil
	}

	if err := m.store.Transition(p.ID, models.StatusRolling, models.CondRollTriggered); err != nil {
		return err
	}

	plan, err := m.BuildPlan(ctx, p, trigger)
	if err != nil {
		// Abort with the old position untouched: nothing was submitted.
		if terr := m.store.Transition(p.ID, models.StatusOpen, models.CondResolutionFailed); terr != nil {
			return errors.Join(err, terr)
		}
		m.logger.Printf("roll of %s aborted before submission: %v", p.ID, err)
		return err
	}

	if ok, err := m.approved(ctx, p, plan, closeCost); err != nil || !ok {
		if terr := m.store.Transition(p.ID, models.StatusOpen, models.CondResolutionFailed); terr != nil {
			return errors.Join(err, terr)
		}
		return err
	}

	openCredit, err := m.priceLegs(ctx, plan.NewLegs)
	if err != nil {
		if terr := m.store.Transition(p.ID, models.StatusOpen, models.CondResolutionFailed); terr != nil {
			return errors.Join(err, terr)
		}
		return err
	}
	// Flooring the net credit concedes at most one tick so the combined
	// combo rests inside the quoted midpoints.
	netLimit := util.FloorToTick(openCredit-closeCost, util.OptionTick)

	legs := append(exit.ClosingLegs(p), openingLegs(p.Contracts, plan.NewLegs)...)
	m.logger.Printf("rolling %s (%s): %s, net limit %.2f", p.ID, trigger.Reason, plan.Describe(), netLimit)

	status, err := m.executor.Execute(ctx, p.Symbol, legs, netLimit, "roll-"+p.ID)
	if err != nil {
		return m.settleFailure(p, err)
	}
	return m.commit(p, plan, status, closeCost)
}

func (m *Manager) approved(ctx context.Context, p *models.Position, plan *Plan, closeCost float64) (bool, error) {
	if m.advisor == nil {
		return true, nil
	}
	d, err := m.advisor.ApproveRoll(ctx, advisory.PositionSummary{
		Symbol:        p.Symbol,
		Strategy:      string(p.Strategy),
		DTE:           p.CalculateDTE(),
		EntryPrice:    p.EntryPrice,
		CostToClose:   closeCost,
		UnrealizedPnL: p.UnrealizedPnL(closeCost),
		RollCount:     p.RollCount,
	}, plan.Describe())
	if err != nil {
		return false, fmt.Errorf("advisory roll check: %w", err)
	}
	if !d.Meets(m.cfg.MinConfidence) {
		m.logger.Printf("roll of %s vetoed by advisory (approved=%v confidence=%d): %s",
			p.ID, d.Approved, d.Confidence, d.Reason)
		return false, nil
	}
	return true, nil
}

// priceLegs returns the net credit collected by opening legs at quote
// midpoints, per contract.
func (m *Manager) priceLegs(ctx context.Context, legs []models.Leg) (float64, error) {
	var credit float64
	for _, leg := range legs {
		q, err := m.gw.GetQuote(ctx, leg.ContractRef)
		if err != nil {
			return 0, fmt.Errorf("quote %s: %w", leg.ContractRef, err)
		}
		mid := q.Mid()
		if leg.Side == models.SideSell {
			credit += mid * float64(leg.Ratio)
		} else {
			credit -= mid * float64(leg.Ratio)
		}
	}
	return credit, nil
}

// commit finalizes a filled roll: old position to rolled, linked
// replacement created, risk aggregate swapped.
func (m *Manager) commit(p *models.Position, plan *Plan, status *gateway.OrderStatus, closeCost float64) error {
	newID := uuid.NewString()

	if err := m.store.Transition(p.ID, models.StatusRolled, models.CondOrderFilled); err != nil {
		return err
	}
	old, err := m.store.GetPositionByID(p.ID)
	if err != nil {
		return err
	}
	old.ExitReason = models.ExitReasonRolled
	old.CurrentPnL = old.UnrealizedPnL(closeCost)
	old.LinkedPositionID = newID
	if err := m.store.UpdatePosition(old); err != nil {
		return err
	}

	// The replacement's entry price is the net credit of the whole roll.
	np, err := models.NewPosition(newID, p.Symbol, p.Strategy, plan.NewLegs, p.Contracts, status.AvgPrice)
	if err != nil {
		return fmt.Errorf("build replacement position: %w", err)
	}
	np.ExitRules = p.ExitRules
	np.DeltaPerContract = p.DeltaPerContract
	np.Beta = p.Beta
	np.LinkedPositionID = p.ID
	np.RolledFromID = p.ID
	np.RollCount = p.RollCount + 1
	if err := m.store.AddPosition(np); err != nil {
		return fmt.Errorf("persist replacement position: %w", err)
	}

	m.risk.RemovePosition(p.ID)
	m.risk.AddPosition(np)
	m.logger.Printf("rolled %s into %s (%s, fill %.2f, roll #%d)",
		p.ID, newID, plan.Trigger.Type, status.AvgPrice, np.RollCount)
	return nil
}

func (m *Manager) settleFailure(p *models.Position, execErr error) error {
	var timeout *orders.OrderTimeoutError
	if errors.As(execErr, &timeout) {
		if err := m.store.Transition(p.ID, models.StatusOpen, models.CondOrderTimeout); err != nil {
			return errors.Join(execErr, err)
		}
		m.logger.Printf("roll of %s timed out, will re-evaluate next cycle", p.ID)
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
		m.logger.Printf("CRITICAL: roll of %s partially filled, frozen for manual review: %v", p.ID, mismatch)
		return execErr
	}

	if err := m.store.Transition(p.ID, models.StatusOpen, models.CondOrderTimeout); err != nil {
		return errors.Join(execErr, err)
	}
	return execErr
}

// sideSpreadWidth is the strike span of the legs on one side; the shift
// distance for up/down rolls.
func sideSpreadWidth(legs []models.Leg, right models.OptionRight) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, leg := range legs {
		if leg.Right != right {
			continue
		}
		lo = math.Min(lo, leg.Strike)
		hi = math.Max(hi, leg.Strike)
	}
	if math.IsInf(lo, 1) || hi == lo {
		return 0
	}
	return hi - lo
}

func openingLegs(contracts int, legs []models.Leg) []gateway.OrderLeg {
	out := make([]gateway.OrderLeg, 0, len(legs))
	for _, leg := range legs {
		out = append(out, gateway.OrderLeg{
			ContractRef: leg.ContractRef,
			Side:        leg.Side,
			Action:      gateway.ActionOpen,
			Quantity:    contracts * leg.Ratio,
		})
	}
	return out
}
