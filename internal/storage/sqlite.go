package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
)

// SQLiteStorage persists positions and reconciliation reports in SQLite.
// Rows carry the queryable columns plus the full position document as JSON
// so the schema does not chase the model.
type SQLiteStorage struct {
	db     *sql.DB
	logger *log.Logger
	guard  *opGuard
}

// Ensure SQLiteStorage implements Interface at compile time.
var _ Interface = (*SQLiteStorage)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS positions (
	id         TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL,
	status     TEXT NOT NULL,
	strategy   TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS reconciliation_reports (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	data       TEXT NOT NULL
);
`

// NewSQLiteStorage opens or creates the database at dbPath.
func NewSQLiteStorage(dbPath string, logger *log.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = log.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY under the store's own concurrency.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		logger.Printf("sqlite WAL pragma failed: %v", err)
	}
	return &SQLiteStorage{db: db, logger: logger, guard: newOpGuard()}, nil
}

// AddPosition inserts a new position row.
func (s *SQLiteStorage) AddPosition(p *models.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position %s: %w", p.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO positions (id, symbol, status, strategy, data) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, string(p.Status), string(p.Strategy), string(raw))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("add position %s: %w", p.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the message.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// GetPositionByID loads one position.
func (s *SQLiteStorage) GetPositionByID(id string) (*models.Position, error) {
	var raw string
	err := s.db.QueryRow(`SELECT data FROM positions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, ErrPositionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query position %s: %w", id, err)
	}
	var p models.Position
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode position %s: %w", id, err)
	}
	return &p, nil
}

// GetPositions loads every position.
func (s *SQLiteStorage) GetPositions() ([]models.Position, error) {
	return s.queryPositions(`SELECT data FROM positions ORDER BY updated_at`)
}

// GetOpenPositions loads positions in non-terminal statuses.
func (s *SQLiteStorage) GetOpenPositions() ([]models.Position, error) {
	return s.queryPositions(
		`SELECT data FROM positions WHERE status IN ('open', 'closing', 'rolling') ORDER BY updated_at`)
}

func (s *SQLiteStorage) queryPositions(query string, args ...interface{}) ([]models.Position, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Printf("failed to close rows: %v", err)
		}
	}()

	var out []models.Position
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		var p models.Position
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode position row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePosition rewrites the stored row. Terminal positions reject status
// changes.
func (s *SQLiteStorage) UpdatePosition(p *models.Position) error {
	current, err := s.GetPositionByID(p.ID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() && current.Status != p.Status {
		return fmt.Errorf("update position %s: %w", p.ID, ErrTerminalStatus)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position %s: %w", p.ID, err)
	}
	_, err = s.db.Exec(
		`UPDATE positions SET symbol = ?, status = ?, strategy = ?, data = ?,
		 updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`,
		p.Symbol, string(p.Status), string(p.Strategy), string(raw), p.ID)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	return nil
}

// Transition loads, transitions, and rewrites the position in one call.
// MaxOpenConns(1) serializes it against other writers.
func (s *SQLiteStorage) Transition(id string, to models.PositionStatus, condition string) error {
	p, err := s.GetPositionByID(id)
	if err != nil {
		return err
	}
	if err := p.Transition(to, condition); err != nil {
		return err
	}
	return s.UpdatePosition(p)
}

// AcquireOperation takes the exclusive operation guard for id.
func (s *SQLiteStorage) AcquireOperation(id string) bool {
	return s.guard.acquire(id)
}

// ReleaseOperation releases the exclusive operation guard for id.
func (s *SQLiteStorage) ReleaseOperation(id string) {
	s.guard.release(id)
}

// AppendReconciliationReport appends r to the report log.
func (s *SQLiteStorage) AppendReconciliationReport(r *models.ReconciliationReport) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report %s: %w", r.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO reconciliation_reports (id, created_at, data) VALUES (?, ?, ?)`,
		r.ID, r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), string(raw))
	if err != nil {
		return fmt.Errorf("insert report %s: %w", r.ID, err)
	}
	return nil
}

// ReconciliationReports returns the report log, oldest first.
func (s *SQLiteStorage) ReconciliationReports() ([]models.ReconciliationReport, error) {
	rows, err := s.db.Query(`SELECT data FROM reconciliation_reports ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Printf("failed to close rows: %v", err)
		}
	}()

	var out []models.ReconciliationReport
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		var r models.ReconciliationReport
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode report row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
