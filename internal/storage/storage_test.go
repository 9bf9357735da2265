package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
)

func testPosition(t *testing.T, id string) *models.Position {
	t.Helper()
	exp := time.Now().UTC().AddDate(0, 0, 30).Truncate(24 * time.Hour)
	legs := []models.Leg{
		{ContractRef: "SPY250919P00450000", Right: models.RightPut, Strike: 450,
			Expiration: exp, Side: models.SideSell, Ratio: 1},
		{ContractRef: "SPY250919P00445000", Right: models.RightPut, Strike: 445,
			Expiration: exp, Side: models.SideBuy, Ratio: 1},
	}
	p, err := models.NewPosition(id, "SPY", models.StrategyVerticalCredit, legs, 2, 1.25)
	if err != nil {
		t.Fatalf("build test position: %v", err)
	}
	return p
}

// backends under test
func newBackends(t *testing.T) map[string]Interface {
	t.Helper()
	dir := t.TempDir()
	js, err := NewJSONStorage(filepath.Join(dir, "positions.json"), nil)
	if err != nil {
		t.Fatalf("json storage: %v", err)
	}
	sq, err := NewSQLiteStorage(filepath.Join(dir, "positions.db"), nil)
	if err != nil {
		t.Fatalf("sqlite storage: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Interface{"json": js, "sqlite": sq}
}

func TestAddGetRoundTrip(t *testing.T) {
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			p := testPosition(t, "rt-1")
			if err := s.AddPosition(p); err != nil {
				t.Fatalf("AddPosition: %v", err)
			}
			got, err := s.GetPositionByID("rt-1")
			if err != nil {
				t.Fatalf("GetPositionByID: %v", err)
			}
			if got.Symbol != "SPY" || got.Strategy != models.StrategyVerticalCredit {
				t.Errorf("round trip lost fields: %+v", got)
			}
			if len(got.Legs) != 2 {
				t.Errorf("round trip lost legs: %d", len(got.Legs))
			}
			if err := s.AddPosition(p); !errors.Is(err, ErrDuplicateID) {
				t.Errorf("duplicate add: got %v, want ErrDuplicateID", err)
			}
		})
	}
}

func TestGetPositionByIDNotFound(t *testing.T) {
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetPositionByID("missing"); !errors.Is(err, ErrPositionNotFound) {
				t.Errorf("got %v, want ErrPositionNotFound", err)
			}
		})
	}
}

func TestTransitionEnforcesLifecycle(t *testing.T) {
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			p := testPosition(t, "tr-1")
			if err := s.AddPosition(p); err != nil {
				t.Fatalf("AddPosition: %v", err)
			}

			if err := s.Transition("tr-1", models.StatusClosing, models.CondExitTriggered); err != nil {
				t.Fatalf("open -> closing: %v", err)
			}
			if err := s.Transition("tr-1", models.StatusClosed, models.CondOrderFilled); err != nil {
				t.Fatalf("closing -> closed: %v", err)
			}

			// Terminal: no further transitions, no status-changing updates.
			if err := s.Transition("tr-1", models.StatusOpen, models.CondOrderTimeout); err == nil {
				t.Error("transition out of closed should fail")
			}
			reopened, err := s.GetPositionByID("tr-1")
			if err != nil {
				t.Fatalf("GetPositionByID: %v", err)
			}
			reopened.Status = models.StatusOpen
			if err := s.UpdatePosition(reopened); !errors.Is(err, ErrTerminalStatus) {
				t.Errorf("terminal status update: got %v, want ErrTerminalStatus", err)
			}
		})
	}
}

func TestGetOpenPositionsExcludesTerminal(t *testing.T) {
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"a", "b", "c"} {
				if err := s.AddPosition(testPosition(t, id)); err != nil {
					t.Fatalf("AddPosition %s: %v", id, err)
				}
			}
			if err := s.Transition("c", models.StatusClosedExternally, models.CondLegsGone); err != nil {
				t.Fatalf("close c: %v", err)
			}

			open, err := s.GetOpenPositions()
			if err != nil {
				t.Fatalf("GetOpenPositions: %v", err)
			}
			if len(open) != 2 {
				t.Errorf("open positions = %d, want 2", len(open))
			}
		})
	}
}

func TestOperationGuardExclusivity(t *testing.T) {
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			if !s.AcquireOperation("p1") {
				t.Fatal("first acquire should succeed")
			}
			if s.AcquireOperation("p1") {
				t.Error("second acquire while held should fail")
			}
			if !s.AcquireOperation("p2") {
				t.Error("unrelated position should acquire")
			}
			s.ReleaseOperation("p1")
			if !s.AcquireOperation("p1") {
				t.Error("acquire after release should succeed")
			}
		})
	}
}

func TestReconciliationReportLog(t *testing.T) {
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			r := &models.ReconciliationReport{
				ID:               "rep-1",
				Timestamp:        time.Now().UTC(),
				Matched:          []string{"a", "b"},
				ClosedExternally: []string{"c"},
			}
			if err := s.AppendReconciliationReport(r); err != nil {
				t.Fatalf("AppendReconciliationReport: %v", err)
			}
			reports, err := s.ReconciliationReports()
			if err != nil {
				t.Fatalf("ReconciliationReports: %v", err)
			}
			if len(reports) != 1 {
				t.Fatalf("reports = %d, want 1", len(reports))
			}
			if len(reports[0].Matched) != 2 || len(reports[0].ClosedExternally) != 1 {
				t.Errorf("report lost fields: %+v", reports[0])
			}
			if reports[0].Clean() {
				t.Error("report with external closures should not be clean")
			}
		})
	}
}

func TestJSONStorageSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "positions.json")

	s1, err := NewJSONStorage(path, nil)
	if err != nil {
		t.Fatalf("NewJSONStorage: %v", err)
	}
	if err := s1.AddPosition(testPosition(t, "persist-1")); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}

	s2, err := NewJSONStorage(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := s2.GetPositionByID("persist-1")
	if err != nil {
		t.Fatalf("GetPositionByID after reload: %v", err)
	}
	if got.Status != models.StatusOpen {
		t.Errorf("status after reload = %s, want open", got.Status)
	}
}

func TestNewStorageSelectsBackend(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStorage(filepath.Join(dir, "book.db"), nil)
	if err != nil {
		t.Fatalf("NewStorage(.db): %v", err)
	}
	if _, ok := s.(*SQLiteStorage); !ok {
		t.Errorf("expected sqlite backend for .db, got %T", s)
	}
	_ = s.Close()

	s, err = NewStorage(filepath.Join(dir, "book.json"), nil)
	if err != nil {
		t.Fatalf("NewStorage(.json): %v", err)
	}
	if _, ok := s.(*JSONStorage); !ok {
		t.Errorf("expected json backend for .json, got %T", s)
	}
}
