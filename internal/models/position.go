// Package models provides data structures and lifecycle management for
// multi-leg option positions.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const sharesPerContract = 100.0

// StrategyType identifies the defined-risk spread a position implements.
type StrategyType string

const (
	StrategyVerticalCredit StrategyType = "VERTICAL_CREDIT"
	StrategyVerticalDebit  StrategyType = "VERTICAL_DEBIT"
	StrategyIronCondor     StrategyType = "IRON_CONDOR"
	StrategyIronButterfly  StrategyType = "IRON_BUTTERFLY"
	StrategyCalendar       StrategyType = "CALENDAR"
)

// Valid returns true if the StrategyType is one of the defined constants.
func (s StrategyType) Valid() bool {
	switch s {
	case StrategyVerticalCredit, StrategyVerticalDebit, StrategyIronCondor,
		StrategyIronButterfly, StrategyCalendar:
		return true
	default:
		return false
	}
}

// LegCount returns the number of legs the strategy requires.
func (s StrategyType) LegCount() int {
	switch s {
	case StrategyIronCondor, StrategyIronButterfly:
		return 4
	default:
		return 2
	}
}

// OptionRight is the option type of a leg.
type OptionRight string

const (
	RightCall OptionRight = "call"
	RightPut  OptionRight = "put"
)

// LegSide is the direction of a leg as originally opened.
type LegSide string

const (
	SideBuy  LegSide = "buy"
	SideSell LegSide = "sell"
)

// Opposite returns the side that closes a leg opened on s.
func (s LegSide) Opposite() LegSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Leg is a single option contract within a position.
type Leg struct {
	ContractRef string      `json:"contract_ref"` // OCC symbol, e.g. SPY250919P00450000
	Right       OptionRight `json:"right"`
	Strike      float64     `json:"strike"`
	Expiration  time.Time   `json:"expiration"`
	Side        LegSide     `json:"side"`
	Ratio       int         `json:"ratio"`
}

// ExitRules holds the per-position exit thresholds evaluated by the monitor.
// Prices are per-spread cost-to-close values.
type ExitRules struct {
	TakeProfitPrice float64 `json:"take_profit_price"` // exit when cost-to-close <= this
	StopLossPrice   float64 `json:"stop_loss_price"`   // exit when cost-to-close >= this
	MinDTE          int     `json:"min_dte"`           // exit when nearest expiration falls below
}

// Exit reason codes recorded when a position closes.
const (
	ExitReasonTakeProfit     = "TAKE_PROFIT"
	ExitReasonStopLoss       = "STOP_LOSS"
	ExitReasonTimeLimit      = "TIME_LIMIT"
	ExitReasonAdvisorySignal = "ADVISORY_SIGNAL"
	ExitReasonRolled         = "ROLLED"
	ExitReasonExternal       = "CLOSED_EXTERNALLY"
	ExitReasonExpired        = "EXPIRED"
)

// Position represents a multi-leg option position and its lifecycle status.
type Position struct {
	ID               string         `json:"id"`
	Symbol           string         `json:"symbol"`
	Strategy         StrategyType   `json:"strategy"`
	Legs             []Leg          `json:"legs"`
	Contracts        int            `json:"contracts"`
	Status           PositionStatus `json:"status"`
	EntryDate        time.Time      `json:"entry_date"`
	ExitDate         time.Time      `json:"exit_date,omitempty"`
	ExitReason       string         `json:"exit_reason,omitempty"`
	EntryPrice       float64        `json:"entry_price"` // net credit > 0, net debit < 0
	CurrentPnL       float64        `json:"current_pnl"`
	ExitRules        ExitRules      `json:"exit_rules"`
	DeltaPerContract float64        `json:"delta_per_contract"`
	Beta             float64        `json:"beta"`
	LinkedPositionID string         `json:"linked_position_id,omitempty"`
	RolledFromID     string         `json:"rolled_from_id,omitempty"`
	RollCount        int            `json:"roll_count"`
	NeedsReview      bool           `json:"needs_review"`
	ReviewReason     string         `json:"review_reason,omitempty"`
	LastChecked      time.Time      `json:"last_checked,omitempty"`
}

// NewPosition creates an open position after validating its leg structure.
func NewPosition(id, symbol string, strategy StrategyType, legs []Leg, contracts int, entryPrice float64) (*Position, error) {
	p := &Position{
		ID:         id,
		Symbol:     symbol,
		Strategy:   strategy,
		Legs:       legs,
		Contracts:  contracts,
		Status:     StatusOpen,
		EntryDate:  time.Now().UTC(),
		EntryPrice: entryPrice,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks structural invariants: leg shape per strategy, positive
// contract count, non-empty contract references.
func (p *Position) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("position missing id")
	}
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("position %s: missing underlying symbol", p.ID)
	}
	if !p.Strategy.Valid() {
		return fmt.Errorf("position %s: unknown strategy %q", p.ID, p.Strategy)
	}
	if p.Contracts < 1 {
		return fmt.Errorf("position %s: contracts must be >= 1 (got %d)", p.ID, p.Contracts)
	}
	if len(p.Legs) != p.Strategy.LegCount() {
		return fmt.Errorf("position %s: strategy %s requires %d legs, got %d",
			p.ID, p.Strategy, p.Strategy.LegCount(), len(p.Legs))
	}
	for i, leg := range p.Legs {
		if strings.TrimSpace(leg.ContractRef) == "" {
			return fmt.Errorf("position %s: leg %d missing contract reference", p.ID, i)
		}
		if leg.Right != RightCall && leg.Right != RightPut {
			return fmt.Errorf("position %s: leg %d has invalid right %q", p.ID, i, leg.Right)
		}
		if leg.Side != SideBuy && leg.Side != SideSell {
			return fmt.Errorf("position %s: leg %d has invalid side %q", p.ID, i, leg.Side)
		}
		if leg.Strike <= 0 {
			return fmt.Errorf("position %s: leg %d has non-positive strike %.2f", p.ID, i, leg.Strike)
		}
		if leg.Ratio < 1 {
			return fmt.Errorf("position %s: leg %d has ratio %d, must be >= 1", p.ID, i, leg.Ratio)
		}
		if leg.Expiration.IsZero() {
			return fmt.Errorf("position %s: leg %d missing expiration", p.ID, i)
		}
	}
	return p.validateShape()
}

func (p *Position) validateShape() error {
	switch p.Strategy {
	case StrategyVerticalCredit, StrategyVerticalDebit:
		return p.validateVertical(p.Legs)
	case StrategyIronCondor:
		return p.validateCondor()
	case StrategyIronButterfly:
		return p.validateButterfly()
	case StrategyCalendar:
		return p.validateCalendar()
	}
	return nil
}

// validateVertical checks a two-leg same-right, same-expiration spread with
// one buy and one sell at distinct strikes.
func (p *Position) validateVertical(legs []Leg) error {
	if len(legs) != 2 {
		return fmt.Errorf("position %s: vertical requires exactly 2 legs", p.ID)
	}
	a, b := legs[0], legs[1]
	if a.Right != b.Right {
		return fmt.Errorf("position %s: vertical legs must share option right", p.ID)
	}
	if !a.Expiration.Equal(b.Expiration) {
		return fmt.Errorf("position %s: vertical legs must share expiration", p.ID)
	}
	if a.Side == b.Side {
		return fmt.Errorf("position %s: vertical requires one buy and one sell leg", p.ID)
	}
	if a.Strike == b.Strike {
		return fmt.Errorf("position %s: vertical legs must have distinct strikes", p.ID)
	}
	return nil
}

func (p *Position) validateCondor() error {
	calls, puts := p.legsByRight()
	if len(calls) != 2 || len(puts) != 2 {
		return fmt.Errorf("position %s: iron condor requires a call vertical and a put vertical", p.ID)
	}
	if err := p.validateVertical(calls); err != nil {
		return err
	}
	return p.validateVertical(puts)
}

func (p *Position) validateButterfly() error {
	if err := p.validateCondor(); err != nil {
		return err
	}
	// Short call and short put share the body strike.
	var shortCall, shortPut *Leg
	for i := range p.Legs {
		l := &p.Legs[i]
		if l.Side != SideSell {
			continue
		}
		if l.Right == RightCall {
			shortCall = l
		} else {
			shortPut = l
		}
	}
	if shortCall == nil || shortPut == nil {
		return fmt.Errorf("position %s: iron butterfly requires a short call and a short put", p.ID)
	}
	if shortCall.Strike != shortPut.Strike {
		return fmt.Errorf("position %s: iron butterfly short strikes must match (call %.2f, put %.2f)",
			p.ID, shortCall.Strike, shortPut.Strike)
	}
	return nil
}

func (p *Position) validateCalendar() error {
	a, b := p.Legs[0], p.Legs[1]
	if a.Right != b.Right {
		return fmt.Errorf("position %s: calendar legs must share option right", p.ID)
	}
	if a.Strike != b.Strike {
		return fmt.Errorf("position %s: calendar legs must share strike", p.ID)
	}
	if a.Expiration.Equal(b.Expiration) {
		return fmt.Errorf("position %s: calendar legs must have distinct expirations", p.ID)
	}
	if a.Side == b.Side {
		return fmt.Errorf("position %s: calendar requires one buy and one sell leg", p.ID)
	}
	return nil
}

func (p *Position) legsByRight() (calls, puts []Leg) {
	for _, l := range p.Legs {
		if l.Right == RightCall {
			calls = append(calls, l)
		} else {
			puts = append(puts, l)
		}
	}
	return calls, puts
}

// NearestExpiration returns the earliest expiration across legs.
func (p *Position) NearestExpiration() time.Time {
	var min time.Time
	for _, l := range p.Legs {
		if min.IsZero() || l.Expiration.Before(min) {
			min = l.Expiration
		}
	}
	return min
}

// CalculateDTE returns whole days until the nearest leg expiration,
// floored at zero.
func (p *Position) CalculateDTE() int {
	exp := p.NearestExpiration()
	if exp.IsZero() {
		return 0
	}
	now := time.Now().UTC().Truncate(24 * time.Hour)
	days := int(exp.UTC().Truncate(24*time.Hour).Sub(now).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// ShortLegs returns the legs sold to open.
func (p *Position) ShortLegs() []Leg {
	var out []Leg
	for _, l := range p.Legs {
		if l.Side == SideSell {
			out = append(out, l)
		}
	}
	return out
}

// IsCredit reports whether the position was opened for a net credit.
func (p *Position) IsCredit() bool {
	return p.EntryPrice > 0
}

// NetDelta returns the position's contribution to portfolio net delta in
// share-equivalent terms.
func (p *Position) NetDelta() float64 {
	return float64(p.Contracts) * p.DeltaPerContract * sharesPerContract
}

// BetaWeightedDelta returns NetDelta scaled by the underlying's beta.
func (p *Position) BetaWeightedDelta() float64 {
	return p.NetDelta() * p.Beta
}

// UnrealizedPnL computes mark-to-market P&L in dollars given the current
// per-spread cost to close. Credit positions profit as the close cost falls
// below the credit received; debit positions profit as value rises.
func (p *Position) UnrealizedPnL(costToClose float64) float64 {
	return (p.EntryPrice - costToClose) * float64(p.Contracts) * sharesPerContract
}

// ProfitPercent returns P&L as a percentage of the entry value.
func (p *Position) ProfitPercent(costToClose float64) float64 {
	denom := math.Abs(p.EntryPrice * float64(p.Contracts) * sharesPerContract)
	if denom == 0 {
		return 0
	}
	return (p.UnrealizedPnL(costToClose) / denom) * 100
}

// Transition moves the position through the lifecycle table, updating
// exit metadata on terminal statuses.
func (p *Position) Transition(to PositionStatus, condition string) error {
	if err := ValidateTransition(p.Status, to, condition); err != nil {
		return fmt.Errorf("position %s: %w", p.ID, err)
	}
	p.Status = to
	if to.Terminal() && p.ExitDate.IsZero() {
		p.ExitDate = time.Now().UTC()
	}
	return nil
}

// Flag marks the position for manual review, excluding it from automated
// monitoring until cleared.
func (p *Position) Flag(reason string) {
	p.NeedsReview = true
	p.ReviewReason = reason
}

// Monitorable reports whether automated monitors may act on the position.
func (p *Position) Monitorable() bool {
	return p.Status == StatusOpen && !p.NeedsReview
}

// ContractRefs returns the leg contract references in leg order.
func (p *Position) ContractRefs() []string {
	refs := make([]string, 0, len(p.Legs))
	for _, l := range p.Legs {
		refs = append(refs, l.ContractRef)
	}
	return refs
}
