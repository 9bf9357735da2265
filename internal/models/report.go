package models

import "time"

// ReconciliationReport records the outcome of one reconciliation pass
// between tracked positions and the brokerage account snapshot.
type ReconciliationReport struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Matched          []string  `json:"matched,omitempty"`           // position ids fully present
	ClosedExternally []string  `json:"closed_externally,omitempty"` // position ids with no legs left
	Expired          []string  `json:"expired,omitempty"`           // position ids past expiration with no legs
	Inconsistent     []string  `json:"inconsistent,omitempty"`      // position ids with partial legs
	Untracked        []string  `json:"untracked,omitempty"`         // contract refs with no position
}

// Clean reports whether every tracked position matched and nothing
// unexpected was found.
func (r *ReconciliationReport) Clean() bool {
	return len(r.ClosedExternally) == 0 && len(r.Expired) == 0 &&
		len(r.Inconsistent) == 0 && len(r.Untracked) == 0
}
