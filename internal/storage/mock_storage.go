package storage

import (
	"fmt"
	"sync"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
)

// MockStorage is an in-memory Interface for tests, with per-method error
// injection.
type MockStorage struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	reports   []models.ReconciliationReport
	guard     *opGuard

	// Error injection hooks. When set, the corresponding method returns
	// the error instead of operating.
	AddErr        error
	GetErr        error
	UpdateErr     error
	TransitionErr error
	ReportErr     error
}

// Ensure MockStorage implements Interface at compile time.
var _ Interface = (*MockStorage)(nil)

// NewMockStorage returns an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		positions: make(map[string]*models.Position),
		guard:     newOpGuard(),
	}
}

func (m *MockStorage) AddPosition(p *models.Position) error {
	if m.AddErr != nil {
		return m.AddErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; ok {
		return fmt.Errorf("add position %s: %w", p.ID, ErrDuplicateID)
	}
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

func (m *MockStorage) GetPositionByID(id string) (*models.Position, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrPositionNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MockStorage) GetPositions() ([]models.Position, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (m *MockStorage) GetOpenPositions() ([]models.Position, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Position
	for _, p := range m.positions {
		if !p.Status.Terminal() {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MockStorage) UpdatePosition(p *models.Position) error {
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.positions[p.ID]
	if !ok {
		return fmt.Errorf("update position %s: %w", p.ID, ErrPositionNotFound)
	}
	if current.Status.Terminal() && current.Status != p.Status {
		return fmt.Errorf("update position %s: %w", p.ID, ErrTerminalStatus)
	}
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

func (m *MockStorage) Transition(id string, to models.PositionStatus, condition string) error {
	if m.TransitionErr != nil {
		return m.TransitionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("transition position %s: %w", id, ErrPositionNotFound)
	}
	return p.Transition(to, condition)
}

func (m *MockStorage) AcquireOperation(id string) bool { return m.guard.acquire(id) }
func (m *MockStorage) ReleaseOperation(id string)      { m.guard.release(id) }

func (m *MockStorage) AppendReconciliationReport(r *models.ReconciliationReport) error {
	if m.ReportErr != nil {
		return m.ReportErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, *r)
	return nil
}

func (m *MockStorage) ReconciliationReports() ([]models.ReconciliationReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ReconciliationReport(nil), m.reports...), nil
}

func (m *MockStorage) Close() error { return nil }
