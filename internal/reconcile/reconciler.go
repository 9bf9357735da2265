// Package reconcile squares the position store against the broker's actual
// holdings. The engine fails closed: monitors never act before a clean
// startup pass, and anything ambiguous is flagged rather than guessed at.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/gateway"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/risk"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/storage"
)

// Config controls the optional periodic cadence.
type Config struct {
	Interval time.Duration
}

// Reconciler matches tracked positions against a broker snapshot.
type Reconciler struct {
	store  storage.Interface
	gw     gateway.Gateway
	risk   *risk.Manager
	logger *log.Logger
	cfg    Config
}

func NewReconciler(store storage.Interface, gw gateway.Gateway, riskMgr *risk.Manager,
	logger *log.Logger, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{store: store, gw: gw, risk: riskMgr, logger: logger, cfg: cfg}
}

// Run executes one pass, producing and persisting a report. Callers treat
// a startup error as fatal.
func (r *Reconciler) Run(ctx context.Context) (*models.ReconciliationReport, error) {
	snapshot, err := r.gw.PortfolioSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio snapshot: %w", err)
	}
	positions, err := r.store.GetOpenPositions()
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}

	// Broker holdings by contract reference, quantities summed.
	held := make(map[string]int, len(snapshot.Legs))
	for _, leg := range snapshot.Legs {
		held[leg.ContractRef] += abs(leg.Quantity)
	}
	claimed := make(map[string]bool)

	report := &models.ReconciliationReport{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}

	for i := range positions {
		p := &positions[i]
		if err := r.reconcilePosition(p, held, claimed, report); err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", p.ID, err)
		}
	}

	// Holdings nothing claimed. Reported, never adopted.
	for _, leg := range snapshot.Legs {
		if !claimed[leg.ContractRef] {
			report.Untracked = append(report.Untracked, leg.ContractRef)
			r.logger.Printf("untracked broker holding %s (qty %d), not adopting", leg.ContractRef, leg.Quantity)
		}
	}

	if err := r.store.AppendReconciliationReport(report); err != nil {
		return nil, fmt.Errorf("persist report: %w", err)
	}
	r.logger.Printf("reconciliation complete: %d matched, %d closed externally, %d expired, %d inconsistent, %d untracked",
		len(report.Matched), len(report.ClosedExternally), len(report.Expired),
		len(report.Inconsistent), len(report.Untracked))
	return report, nil
}

func (r *Reconciler) reconcilePosition(p *models.Position, held map[string]int,
	claimed map[string]bool, report *models.ReconciliationReport) error {
	present := 0
	short := false
	for _, leg := range p.Legs {
		want := p.Contracts * leg.Ratio
		got := held[leg.ContractRef]
		if got > 0 {
			present++
			claimed[leg.ContractRef] = true
			if got < want {
				short = true
			}
		}
	}

	switch {
	case present == len(p.Legs) && !short:
		report.Matched = append(report.Matched, p.ID)
		return nil

	case present == 0:
		// The whole leg set is gone. Past expiration it expired on its
		// own; otherwise someone closed it out from under the engine.
		to, cond, reason := models.StatusClosedExternally, models.CondLegsGone, models.ExitReasonExternal
		if p.NearestExpiration().Before(time.Now().UTC()) {
			to, cond, reason = models.StatusExpired, models.CondExpirationElapsed, models.ExitReasonExpired
		}
		if p.Status != models.StatusOpen {
			// Closing or rolling with no legs left: the in-flight order
			// resolved ambiguously. Freeze rather than guess.
			return r.flag(p, report, fmt.Sprintf("no legs held while %s", p.Status))
		}
		if err := r.store.Transition(p.ID, to, cond); err != nil {
			return err
		}
		stored, err := r.store.GetPositionByID(p.ID)
		if err != nil {
			return err
		}
		stored.ExitReason = reason
		if err := r.store.UpdatePosition(stored); err != nil {
			return err
		}
		r.risk.RemovePosition(p.ID)
		if to == models.StatusExpired {
			report.Expired = append(report.Expired, p.ID)
		} else {
			report.ClosedExternally = append(report.ClosedExternally, p.ID)
		}
		r.logger.Printf("position %s marked %s", p.ID, to)
		return nil

	default:
		// Subset of legs present, or quantities short of expectation.
		// Acting on a partially held spread risks guessing wrong about
		// real exposure.
		detail := fmt.Sprintf("%d of %d legs held", present, len(p.Legs))
		if short {
			detail = "leg quantity below expected size"
		}
		return r.flag(p, report, detail)
	}
}

func (r *Reconciler) flag(p *models.Position, report *models.ReconciliationReport, detail string) error {
	stored, err := r.store.GetPositionByID(p.ID)
	if err != nil {
		return err
	}
	if !stored.NeedsReview {
		stored.Flag("reconciliation: " + detail)
		if err := r.store.UpdatePosition(stored); err != nil {
			return err
		}
	}
	report.Inconsistent = append(report.Inconsistent, p.ID)
	r.logger.Printf("position %s inconsistent (%s), flagged for review", p.ID, detail)
	return nil
}

// RunPeriodic re-reconciles on the configured cadence until ctx is
// canceled. Failures here are logged, not fatal: the next pass retries.
func (r *Reconciler) RunPeriodic(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				r.logger.Printf("periodic reconciliation failed: %v", err)
			}
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
