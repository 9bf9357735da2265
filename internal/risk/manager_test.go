package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/storage"
)

func riskPosition(t *testing.T, id string, deltaPerContract, beta float64, contracts int) *models.Position {
	t.Helper()
	exp := time.Now().UTC().AddDate(0, 0, 30).Truncate(24 * time.Hour)
	legs := []models.Leg{
		{ContractRef: id + "-short", Right: models.RightPut, Strike: 450,
			Expiration: exp, Side: models.SideSell, Ratio: 1},
		{ContractRef: id + "-long", Right: models.RightPut, Strike: 445,
			Expiration: exp, Side: models.SideBuy, Ratio: 1},
	}
	p, err := models.NewPosition(id, "SPY", models.StrategyVerticalCredit, legs, contracts, 1.20)
	if err != nil {
		t.Fatalf("build position: %v", err)
	}
	p.DeltaPerContract = deltaPerContract
	p.Beta = beta
	return p
}

func TestAddRemoveRoundTripExact(t *testing.T) {
	m := NewManager(DefaultLimits, nil)

	// Contributions chosen to surface float drift under naive +=/-=.
	a := riskPosition(t, "a", 0.137, 1.13, 3)
	b := riskPosition(t, "b", -0.291, 0.87, 2)
	c := riskPosition(t, "c", 0.051, 1.02, 5)

	m.AddPosition(a)
	before := m.Metrics()

	m.AddPosition(b)
	m.AddPosition(c)
	m.RemovePosition("b")
	m.RemovePosition("c")

	after := m.Metrics()
	if before.NetDelta != after.NetDelta {
		t.Errorf("net delta drifted: %v != %v", before.NetDelta, after.NetDelta)
	}
	if before.BetaWeightedDelta != after.BetaWeightedDelta {
		t.Errorf("bw delta drifted: %v != %v", before.BetaWeightedDelta, after.BetaWeightedDelta)
	}
	if after.PositionCount != 1 {
		t.Errorf("position count = %d, want 1", after.PositionCount)
	}
}

func TestCheckNewTradeCeiling(t *testing.T) {
	m := NewManager(Limits{MaxBetaWeightedDelta: 100, MaxNetDelta: 1000, OneSidedFraction: 1.0}, nil)

	// Existing book: bw delta 75.
	existing := riskPosition(t, "x", 0.25, 1.0, 3) // 0.25 * 3 * 100 = 75
	m.AddPosition(existing)

	// Proposed trade adds bw 40 -> projected 115, over by 15.
	d := m.CheckNewTrade(40, 1.0)
	if d.Approved {
		t.Fatal("trade breaching bw ceiling should be rejected")
	}
	if d.BreachAmount != 15 {
		t.Errorf("breach amount = %v, want 15", d.BreachAmount)
	}
	if len(d.Issues) == 0 || !strings.Contains(d.Issues[0], "beta-weighted") {
		t.Errorf("expected beta-weighted issue, got %v", d.Issues)
	}

	// A smaller trade fits.
	d = m.CheckNewTrade(20, 1.0)
	if !d.Approved {
		t.Errorf("trade within ceiling rejected: %v", d.Issues)
	}

	// CheckNewTrade must not mutate aggregates.
	if got := m.Metrics().BetaWeightedDelta; got != 75 {
		t.Errorf("aggregates mutated by check: %v", got)
	}
}

func TestCheckNewTradeOneSidedCap(t *testing.T) {
	m := NewManager(Limits{MaxBetaWeightedDelta: 100, MaxNetDelta: 1000, OneSidedFraction: 0.8}, nil)

	bullish := riskPosition(t, "bull", 0.30, 1.0, 2) // bw +60
	bearish := riskPosition(t, "bear", -0.30, 1.0, 1) // bw -30
	m.AddPosition(bullish)
	m.AddPosition(bearish)

	// Net bw is +30, well under 100, but bullish side is already 60 of the
	// 80 cap: +25 more tips it over.
	d := m.CheckNewTrade(25, 1.0)
	if d.Approved {
		t.Fatal("one-sided bullish breach should be rejected")
	}
	found := false
	for _, issue := range d.Issues {
		if strings.Contains(issue, "bullish exposure") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected bullish exposure issue, got %v", d.Issues)
	}

	// The bearish direction still has room.
	d = m.CheckNewTrade(-25, 1.0)
	if !d.Approved {
		t.Errorf("bearish trade within cap rejected: %v", d.Issues)
	}
}

func TestCheckNewTradeNetDeltaCeiling(t *testing.T) {
	m := NewManager(Limits{MaxBetaWeightedDelta: 10000, MaxNetDelta: 50, OneSidedFraction: 1.0}, nil)

	m.AddPosition(riskPosition(t, "x", 0.15, 0.1, 3)) // net 45, bw 4.5
	d := m.CheckNewTrade(10, 0.1)
	if d.Approved {
		t.Fatal("net delta breach should be rejected")
	}
	if d.ProjectedNet != 55 {
		t.Errorf("projected net = %v, want 55", d.ProjectedNet)
	}
}

func TestRecomputeFromStore(t *testing.T) {
	store := storage.NewMockStorage()
	p1 := riskPosition(t, "s1", 0.20, 1.0, 2)
	p2 := riskPosition(t, "s2", -0.10, 1.5, 1)
	if err := store.AddPosition(p1); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}
	if err := store.AddPosition(p2); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}

	m := NewManager(DefaultLimits, nil)
	m.AddPosition(riskPosition(t, "stale", 0.9, 2.0, 10))

	if err := m.RecomputeFromStore(store); err != nil {
		t.Fatalf("RecomputeFromStore: %v", err)
	}
	got := m.Metrics()
	if got.PositionCount != 2 {
		t.Errorf("position count = %d, want 2", got.PositionCount)
	}
	wantNet := p1.NetDelta() + p2.NetDelta()
	if got.NetDelta != wantNet {
		t.Errorf("net delta = %v, want %v", got.NetDelta, wantNet)
	}
}

func TestReportListsPositions(t *testing.T) {
	m := NewManager(DefaultLimits, nil)
	m.AddPosition(riskPosition(t, "rep-1", 0.2, 1.0, 1))
	report := m.Report()
	if !strings.Contains(report, "rep-1") || !strings.Contains(report, "beta-weighted delta") {
		t.Errorf("report missing content:\n%s", report)
	}
}
