// Package storage persists position lifecycle state. Two backends are
// provided: a JSON file for small books and SQLite for everything else.
package storage

import (
	"log"
	"strings"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
)

// Interface is the persistence contract used by the engine. Implementations
// must be safe for concurrent use.
type Interface interface {
	// Position CRUD
	AddPosition(p *models.Position) error
	GetPositionByID(id string) (*models.Position, error)
	GetPositions() ([]models.Position, error)
	GetOpenPositions() ([]models.Position, error)
	UpdatePosition(p *models.Position) error

	// Transition applies a lifecycle transition under the store's lock so
	// status monotonicity survives concurrent writers.
	Transition(id string, to models.PositionStatus, condition string) error

	// Per-position exclusive operation guard. AcquireOperation returns
	// false while another operation holds the position. The guard is
	// runtime state and never persisted.
	AcquireOperation(id string) bool
	ReleaseOperation(id string)

	// Reconciliation report log
	AppendReconciliationReport(r *models.ReconciliationReport) error
	ReconciliationReports() ([]models.ReconciliationReport, error)

	Close() error
}

// NewStorage selects a backend by path extension: .db/.sqlite/.sqlite3 use
// SQLite, anything else the JSON file store.
func NewStorage(path string, logger *log.Logger) (Interface, error) {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".db") || strings.HasSuffix(lower, ".sqlite") ||
		strings.HasSuffix(lower, ".sqlite3") {
		return NewSQLiteStorage(path, logger)
	}
	return NewJSONStorage(path, logger)
}
