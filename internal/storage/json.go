package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
)

// JSONStorage keeps the whole book in memory and persists it to a single
// JSON file with write-temp-then-rename semantics.
type JSONStorage struct {
	mu     sync.RWMutex
	path   string
	logger *log.Logger
	guard  *opGuard
	data   storageData
}

type storageData struct {
	Positions []models.Position             `json:"positions"`
	Reports   []models.ReconciliationReport `json:"reconciliation_reports"`
}

// Ensure JSONStorage implements Interface at compile time.
var _ Interface = (*JSONStorage)(nil)

// NewJSONStorage loads or creates the file at path.
func NewJSONStorage(path string, logger *log.Logger) (*JSONStorage, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &JSONStorage{
		path:   path,
		logger: logger,
		guard:  newOpGuard(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStorage) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s.save()
	}
	if err != nil {
		return fmt.Errorf("read storage file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return fmt.Errorf("parse storage file %s: %w", s.path, err)
	}
	return nil
}

// save writes the book atomically. Callers must hold at least a read lock
// when the data is shared; writers hold the write lock.
func (s *JSONStorage) save() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// AddPosition stores a new position. The id must be unique.
func (s *JSONStorage) AddPosition(p *models.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Positions {
		if s.data.Positions[i].ID == p.ID {
			return fmt.Errorf("add position %s: %w", p.ID, ErrDuplicateID)
		}
	}
	s.data.Positions = append(s.data.Positions, *p)
	return s.save()
}

// GetPositionByID returns a copy of the position.
func (s *JSONStorage) GetPositionByID(id string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.data.Positions {
		if s.data.Positions[i].ID == id {
			cp := s.data.Positions[i]
			cp.Legs = append([]models.Leg(nil), cp.Legs...)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("position %s: %w", id, ErrPositionNotFound)
}

// GetPositions returns copies of every position.
func (s *JSONStorage) GetPositions() ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePositions(s.data.Positions), nil
}

// GetOpenPositions returns copies of positions not yet in a terminal status.
func (s *JSONStorage) GetOpenPositions() ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for i := range s.data.Positions {
		if !s.data.Positions[i].Status.Terminal() {
			out = append(out, s.data.Positions[i])
		}
	}
	return clonePositions(out), nil
}

// UpdatePosition replaces the stored copy. Terminal positions reject status
// changes.
func (s *JSONStorage) UpdatePosition(p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Positions {
		if s.data.Positions[i].ID != p.ID {
			continue
		}
		if s.data.Positions[i].Status.Terminal() && s.data.Positions[i].Status != p.Status {
			return fmt.Errorf("update position %s: %w", p.ID, ErrTerminalStatus)
		}
		s.data.Positions[i] = *p
		return s.save()
	}
	return fmt.Errorf("update position %s: %w", p.ID, ErrPositionNotFound)
}

// Transition applies a validated lifecycle transition under the write lock.
func (s *JSONStorage) Transition(id string, to models.PositionStatus, condition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Positions {
		if s.data.Positions[i].ID != id {
			continue
		}
		if err := s.data.Positions[i].Transition(to, condition); err != nil {
			return err
		}
		return s.save()
	}
	return fmt.Errorf("transition position %s: %w", id, ErrPositionNotFound)
}

// AcquireOperation takes the exclusive operation guard for id.
func (s *JSONStorage) AcquireOperation(id string) bool {
	return s.guard.acquire(id)
}

// ReleaseOperation releases the exclusive operation guard for id.
func (s *JSONStorage) ReleaseOperation(id string) {
	s.guard.release(id)
}

// AppendReconciliationReport appends r to the persisted report log.
func (s *JSONStorage) AppendReconciliationReport(r *models.ReconciliationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Reports = append(s.data.Reports, *r)
	return s.save()
}

// ReconciliationReports returns the report log, oldest first.
func (s *JSONStorage) ReconciliationReports() ([]models.ReconciliationReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ReconciliationReport(nil), s.data.Reports...), nil
}

// Close is a no-op for the file backend.
func (s *JSONStorage) Close() error { return nil }

func clonePositions(in []models.Position) []models.Position {
	out := make([]models.Position, len(in))
	for i := range in {
		out[i] = in[i]
		out[i].Legs = append([]models.Leg(nil), in[i].Legs...)
	}
	return out
}
