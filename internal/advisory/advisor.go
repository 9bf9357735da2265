// Package advisory provides an optional LLM-backed second opinion for
// discretionary lifecycle decisions. Advice is a gate, never a trigger:
// mechanical rules fire on their own and advice can only confirm or veto
// the discretionary cases.
package advisory

import (
	"context"
	"fmt"
)

// PositionSummary is the minimal position context shared with the advisor.
type PositionSummary struct {
	Symbol        string  `json:"symbol"`
	Strategy      string  `json:"strategy"`
	DTE           int     `json:"dte"`
	EntryPrice    float64 `json:"entry_price"`
	CostToClose   float64 `json:"cost_to_close"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RollCount     int     `json:"roll_count"`
}

// Decision is the advisor's verdict with a 1-10 confidence score.
type Decision struct {
	Approved   bool   `json:"approved"`
	Confidence int    `json:"confidence"`
	Reason     string `json:"reason"`
}

// Advisor is consulted for discretionary exits and roll confirmations.
type Advisor interface {
	// ShouldExit is asked when a position's loss crosses the configured
	// trigger but no mechanical rule has fired yet.
	ShouldExit(ctx context.Context, s PositionSummary) (Decision, error)
	// ApproveRoll is asked before submitting a roll combo.
	ApproveRoll(ctx context.Context, s PositionSummary, plan string) (Decision, error)
}

// Static is a fixed-answer Advisor used in tests and when the advisory
// gate is disabled. The zero value vetoes everything.
type Static struct {
	Exit Decision
	Roll Decision
	Err  error
}

// Ensure Static implements Advisor at compile time.
var _ Advisor = (*Static)(nil)

// Permissive returns a Static advisor that approves everything with full
// confidence, the behavior of a disabled gate.
func Permissive() *Static {
	return &Static{
		Exit: Decision{Approved: true, Confidence: 10, Reason: "advisory disabled"},
		Roll: Decision{Approved: true, Confidence: 10, Reason: "advisory disabled"},
	}
}

func (s *Static) ShouldExit(ctx context.Context, _ PositionSummary) (Decision, error) {
	if s.Err != nil {
		return Decision{}, s.Err
	}
	return s.Exit, nil
}

func (s *Static) ApproveRoll(ctx context.Context, _ PositionSummary, _ string) (Decision, error) {
	if s.Err != nil {
		return Decision{}, s.Err
	}
	return s.Roll, nil
}

// Meets reports whether the decision clears the confidence floor.
func (d Decision) Meets(minConfidence int) bool {
	return d.Approved && d.Confidence >= minConfidence
}

func (s PositionSummary) describe() string {
	return fmt.Sprintf(
		"symbol=%s strategy=%s dte=%d entry_price=%.2f cost_to_close=%.2f unrealized_pnl=%.2f rolls=%d",
		s.Symbol, s.Strategy, s.DTE, s.EntryPrice, s.CostToClose, s.UnrealizedPnL, s.RollCount)
}
