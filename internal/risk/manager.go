// Package risk maintains portfolio-level delta aggregates and gates new
// trades against configured exposure ceilings.
package risk

import (
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/storage"
)

// Limits are the portfolio exposure ceilings.
type Limits struct {
	MaxBetaWeightedDelta float64 // absolute beta-weighted delta ceiling
	MaxNetDelta          float64 // absolute raw net delta ceiling
	OneSidedFraction     float64 // share of the bw ceiling one direction may consume
}

// DefaultLimits mirror a conservative small account.
var DefaultLimits = Limits{
	MaxBetaWeightedDelta: 100,
	MaxNetDelta:          50,
	OneSidedFraction:     0.8,
}

// entry is one position's contribution, kept per id so removal restores
// aggregates exactly.
type entry struct {
	netDelta float64
	bwDelta  float64
}

// Manager tracks per-position delta contributions under a single lock.
type Manager struct {
	mu      sync.RWMutex
	limits  Limits
	logger  *log.Logger
	entries map[string]entry
}

// Metrics is a point-in-time snapshot of portfolio exposure.
type Metrics struct {
	NetDelta          float64 `json:"net_delta"`
	BetaWeightedDelta float64 `json:"beta_weighted_delta"`
	BullishExposure   float64 `json:"bullish_exposure"` // sum of positive bw contributions
	BearishExposure   float64 `json:"bearish_exposure"` // abs sum of negative bw contributions
	PositionCount     int     `json:"position_count"`
}

// Decision is the outcome of a pre-trade risk check.
type Decision struct {
	Approved     bool     `json:"approved"`
	Issues       []string `json:"issues,omitempty"`
	CurrentBW    float64  `json:"current_bw_delta"`
	ProjectedBW  float64  `json:"projected_bw_delta"`
	ProjectedNet float64  `json:"projected_net_delta"`
	BreachAmount float64  `json:"breach_amount,omitempty"` // how far past the tightest ceiling
}

// NewManager creates a Manager with the given limits. Zero-valued limits
// fall back to defaults.
func NewManager(limits Limits, logger *log.Logger) *Manager {
	if limits.MaxBetaWeightedDelta <= 0 {
		limits.MaxBetaWeightedDelta = DefaultLimits.MaxBetaWeightedDelta
	}
	if limits.MaxNetDelta <= 0 {
		limits.MaxNetDelta = DefaultLimits.MaxNetDelta
	}
	if limits.OneSidedFraction <= 0 || limits.OneSidedFraction > 1 {
		limits.OneSidedFraction = DefaultLimits.OneSidedFraction
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		limits:  limits,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// AddPosition records p's delta contribution. Re-adding an id replaces the
// prior entry.
func (m *Manager) AddPosition(p *models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[p.ID] = entry{
		netDelta: p.NetDelta(),
		bwDelta:  p.BetaWeightedDelta(),
	}
}

// RemovePosition drops the contribution for id. Removing an unknown id is
// a no-op.
func (m *Manager) RemovePosition(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// Metrics returns the current aggregates.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metricsLocked()
}

func (m *Manager) metricsLocked() Metrics {
	var out Metrics
	for _, e := range m.entries {
		out.NetDelta += e.netDelta
		out.BetaWeightedDelta += e.bwDelta
		if e.bwDelta > 0 {
			out.BullishExposure += e.bwDelta
		} else {
			out.BearishExposure += -e.bwDelta
		}
	}
	out.PositionCount = len(m.entries)
	return out
}

// CheckNewTrade evaluates a proposed position's delta contribution against
// the ceilings without mutating any state. netDelta is in share-equivalent
// terms (contracts x delta per contract x 100).
func (m *Manager) CheckNewTrade(netDelta, beta float64) Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()

	current := m.metricsLocked()
	bwDelta := netDelta * beta

	d := Decision{
		Approved:     true,
		CurrentBW:    current.BetaWeightedDelta,
		ProjectedBW:  current.BetaWeightedDelta + bwDelta,
		ProjectedNet: current.NetDelta + netDelta,
	}

	if over := math.Abs(d.ProjectedBW) - m.limits.MaxBetaWeightedDelta; over > 0 {
		d.Approved = false
		d.BreachAmount = math.Max(d.BreachAmount, over)
		d.Issues = append(d.Issues, fmt.Sprintf(
			"beta-weighted delta %.1f would exceed ceiling %.1f by %.1f",
			d.ProjectedBW, m.limits.MaxBetaWeightedDelta, over))
	}
	if over := math.Abs(d.ProjectedNet) - m.limits.MaxNetDelta; over > 0 {
		d.Approved = false
		d.BreachAmount = math.Max(d.BreachAmount, over)
		d.Issues = append(d.Issues, fmt.Sprintf(
			"net delta %.1f would exceed ceiling %.1f by %.1f",
			d.ProjectedNet, m.limits.MaxNetDelta, over))
	}

	oneSidedCap := m.limits.OneSidedFraction * m.limits.MaxBetaWeightedDelta
	bullish, bearish := current.BullishExposure, current.BearishExposure
	if bwDelta > 0 {
		bullish += bwDelta
	} else {
		bearish += -bwDelta
	}
	if bullish > oneSidedCap {
		d.Approved = false
		d.BreachAmount = math.Max(d.BreachAmount, bullish-oneSidedCap)
		d.Issues = append(d.Issues, fmt.Sprintf(
			"bullish exposure %.1f would exceed one-sided cap %.1f", bullish, oneSidedCap))
	}
	if bearish > oneSidedCap {
		d.Approved = false
		d.BreachAmount = math.Max(d.BreachAmount, bearish-oneSidedCap)
		d.Issues = append(d.Issues, fmt.Sprintf(
			"bearish exposure %.1f would exceed one-sided cap %.1f", bearish, oneSidedCap))
	}

	return d
}

// RecomputeFromStore rebuilds the aggregates from non-terminal positions,
// replacing all current entries.
func (m *Manager) RecomputeFromStore(store storage.Interface) error {
	positions, err := store.GetOpenPositions()
	if err != nil {
		return fmt.Errorf("recompute risk aggregates: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]entry, len(positions))
	for i := range positions {
		p := &positions[i]
		m.entries[p.ID] = entry{
			netDelta: p.NetDelta(),
			bwDelta:  p.BetaWeightedDelta(),
		}
	}
	m.logger.Printf("risk aggregates rebuilt from %d open positions", len(positions))
	return nil
}

// Report renders a human-readable exposure summary.
func (m *Manager) Report() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := m.metricsLocked()
	var b strings.Builder
	fmt.Fprintf(&b, "Portfolio Risk Report\n")
	fmt.Fprintf(&b, "  positions:           %d\n", metrics.PositionCount)
	fmt.Fprintf(&b, "  net delta:           %.1f / %.1f\n", metrics.NetDelta, m.limits.MaxNetDelta)
	fmt.Fprintf(&b, "  beta-weighted delta: %.1f / %.1f\n", metrics.BetaWeightedDelta, m.limits.MaxBetaWeightedDelta)
	fmt.Fprintf(&b, "  bullish exposure:    %.1f\n", metrics.BullishExposure)
	fmt.Fprintf(&b, "  bearish exposure:    %.1f\n", metrics.BearishExposure)

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := m.entries[id]
		fmt.Fprintf(&b, "  %s: net %.1f, bw %.1f\n", id, e.netDelta, e.bwDelta)
	}
	return b.String()
}
