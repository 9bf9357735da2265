package models

import "fmt"

// PositionStatus is the lifecycle status of a position. A position moves
// monotonically toward exactly one terminal status.
type PositionStatus string

const (
	StatusOpen    PositionStatus = "open"    // live, monitored
	StatusClosing PositionStatus = "closing" // closing order in flight
	StatusRolling PositionStatus = "rolling" // roll combo order in flight
	StatusClosed  PositionStatus = "closed"  // closed by the engine
	StatusRolled  PositionStatus = "rolled"  // replaced by a linked position
	// StatusClosedExternally marks positions whose legs disappeared from the
	// broker account outside the engine's control.
	StatusClosedExternally PositionStatus = "closed_externally"
	StatusExpired          PositionStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s PositionStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusRolled, StatusClosedExternally, StatusExpired:
		return true
	default:
		return false
	}
}

// Transition conditions used throughout the engine.
const (
	CondExitTriggered     = "exit_triggered"
	CondRollTriggered     = "roll_triggered"
	CondOrderFilled       = "order_filled"
	CondOrderTimeout      = "order_timeout"
	CondResolutionFailed  = "resolution_failed"
	CondLegsGone          = "legs_gone"
	CondExpirationElapsed = "expiration_elapsed"
)

// StatusTransition defines a single valid lifecycle transition.
type StatusTransition struct {
	From        PositionStatus
	To          PositionStatus
	Condition   string
	Description string
}

// ValidTransitions is the complete lifecycle table.
var ValidTransitions = []StatusTransition{
	// Close path
	{StatusOpen, StatusClosing, CondExitTriggered, "Exit rule fired, closing order submitted"},
	{StatusClosing, StatusClosed, CondOrderFilled, "Closing order filled"},
	{StatusClosing, StatusOpen, CondOrderTimeout, "Closing order timed out and was canceled"},

	// Roll path
	{StatusOpen, StatusRolling, CondRollTriggered, "Roll trigger fired, combo order being prepared"},
	{StatusRolling, StatusRolled, CondOrderFilled, "Roll combo filled, replacement position opened"},
	{StatusRolling, StatusOpen, CondOrderTimeout, "Roll combo timed out and was canceled"},
	{StatusRolling, StatusOpen, CondResolutionFailed, "Replacement contract resolution failed, roll aborted"},

	// Reconciler outcomes
	{StatusOpen, StatusClosedExternally, CondLegsGone, "Broker account no longer holds any leg"},
	{StatusOpen, StatusExpired, CondExpirationElapsed, "All legs expired without assignment activity"},
}

// ValidateTransition checks from -> to against the lifecycle table. Terminal
// statuses never transition.
func ValidateTransition(from, to PositionStatus, condition string) error {
	if from.Terminal() {
		return fmt.Errorf("invalid transition from terminal status %s", from)
	}
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q", from, to, condition)
}

// CanTransition reports whether any condition permits from -> to.
func CanTransition(from, to PositionStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
