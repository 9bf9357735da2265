package models

import (
	"testing"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name      string
		from      PositionStatus
		to        PositionStatus
		condition string
		wantErr   bool
	}{
		{"open to closing on exit", StatusOpen, StatusClosing, CondExitTriggered, false},
		{"closing to closed on fill", StatusClosing, StatusClosed, CondOrderFilled, false},
		{"closing back to open on timeout", StatusClosing, StatusOpen, CondOrderTimeout, false},
		{"open to rolling", StatusOpen, StatusRolling, CondRollTriggered, false},
		{"rolling to rolled on fill", StatusRolling, StatusRolled, CondOrderFilled, false},
		{"rolling back to open on resolution failure", StatusRolling, StatusOpen, CondResolutionFailed, false},
		{"open to closed externally", StatusOpen, StatusClosedExternally, CondLegsGone, false},
		{"open to expired", StatusOpen, StatusExpired, CondExpirationElapsed, false},

		{"open directly to closed", StatusOpen, StatusClosed, CondOrderFilled, true},
		{"wrong condition", StatusOpen, StatusClosing, CondRollTriggered, true},
		{"closed is terminal", StatusClosed, StatusOpen, CondOrderTimeout, true},
		{"rolled is terminal", StatusRolled, StatusRolling, CondRollTriggered, true},
		{"expired is terminal", StatusExpired, StatusOpen, "", true},
		{"closed externally is terminal", StatusClosedExternally, StatusClosing, CondExitTriggered, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to, tt.condition)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error for %s -> %s (%s)", tt.from, tt.to, tt.condition)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []PositionStatus{StatusClosed, StatusRolled, StatusClosedExternally, StatusExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []PositionStatus{StatusOpen, StatusClosing, StatusRolling} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPositionTransitionSetsExitDate(t *testing.T) {
	p, err := NewPosition("tr-1", "SPY", StrategyVerticalCredit,
		verticalLegs(RightCall, 460, 465, exp(25)), 1, 0.90)
	if err != nil {
		t.Fatalf("NewPosition returned error: %v", err)
	}

	if err := p.Transition(StatusClosing, CondExitTriggered); err != nil {
		t.Fatalf("open -> closing failed: %v", err)
	}
	if err := p.Transition(StatusClosed, CondOrderFilled); err != nil {
		t.Fatalf("closing -> closed failed: %v", err)
	}
	if p.ExitDate.IsZero() {
		t.Error("ExitDate not set on terminal transition")
	}
	if err := p.Transition(StatusOpen, CondOrderTimeout); err == nil {
		t.Error("transition out of closed should fail")
	}
}

func TestMonitorableExcludesFlagged(t *testing.T) {
	p, err := NewPosition("fl-1", "SPY", StrategyVerticalCredit,
		verticalLegs(RightPut, 440, 435, exp(20)), 1, 1.10)
	if err != nil {
		t.Fatalf("NewPosition returned error: %v", err)
	}
	if !p.Monitorable() {
		t.Fatal("fresh open position should be monitorable")
	}
	p.Flag("partial fill mismatch on order 123")
	if p.Monitorable() {
		t.Error("flagged position must be excluded from monitoring")
	}
	if p.Status != StatusOpen {
		t.Errorf("flagging must not change status, got %s", p.Status)
	}
}
