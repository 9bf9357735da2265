package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/advisory"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/config"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/dashboard"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/exit"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/gateway"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/orders"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/reconcile"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/risk"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/roll"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[ENGINE] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting position engine in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - no real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Engine error: %v", err)
	}
	logger.Println("Engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	store, err := storage.NewStorage(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Printf("storage close: %v", cerr)
		}
	}()

	tradier := gateway.NewTradierGateway(cfg.Gateway.APIKey, cfg.Gateway.AccountID,
		cfg.Gateway.Sandbox, logger)
	gw := gateway.NewCircuitBreakerGateway(tradier, logger)

	riskMgr := risk.NewManager(risk.Limits{
		MaxBetaWeightedDelta: cfg.Risk.MaxBetaWeightedDelta,
		MaxNetDelta:          cfg.Risk.MaxNetDelta,
		OneSidedFraction:     cfg.Risk.OneSidedFraction,
	}, logger)
	if err := riskMgr.RecomputeFromStore(store); err != nil {
		return fmt.Errorf("seed risk aggregate: %w", err)
	}
	logger.Printf("risk aggregate seeded:\n%s", riskMgr.Report())

	var advisor advisory.Advisor
	if cfg.Advisory.Enabled {
		advisor = advisory.NewOpenAIAdvisor(cfg.Advisory.APIKey, cfg.Advisory.Model, logger)
		logger.Printf("advisory gate enabled (model %s, min confidence %d)",
			cfg.Advisory.Model, cfg.Advisory.MinConfidence)
	} else {
		advisor = advisory.Permissive()
		logger.Println("advisory gate disabled, all discretionary checks pass")
	}

	executor := orders.NewExecutor(gw, logger, orders.Config{
		PollInterval: cfg.OrderPollInterval(),
		FillTimeout:  cfg.OrderFillTimeout(),
	})

	// Reconcile before anything is allowed to act on the book. Failure
	// here is fatal: the engine never trades against state it cannot
	// square with the broker.
	reconciler := reconcile.NewReconciler(store, gw, riskMgr, logger, reconcile.Config{
		Interval: cfg.ReconcileInterval(),
	})
	report, err := reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	if !report.Clean() {
		logger.Printf("startup reconciliation found discrepancies: %d closed externally, %d expired, %d inconsistent, %d untracked",
			len(report.ClosedExternally), len(report.Expired), len(report.Inconsistent), len(report.Untracked))
	}

	exitMonitor := exit.NewMonitor(store, gw, executor, riskMgr, advisor, logger, exit.Config{
		Interval:            cfg.ExitInterval(),
		MinDTE:              cfg.Exit.MinDTE,
		AdvisoryLossTrigger: cfg.Exit.AdvisoryLossTrigger,
		MinConfidence:       cfg.Advisory.MinConfidence,
	})
	rollManager := roll.NewManager(store, gw, executor, riskMgr, advisor, exitMonitor, logger, roll.Config{
		Interval:      cfg.RollInterval(),
		ProximityPct:  cfg.Roll.ProximityPct,
		DeltaBreach:   cfg.Roll.DeltaBreach,
		MinDTE:        cfg.Roll.MinDTE,
		MaxRolls:      cfg.Roll.MaxRolls,
		MinConfidence: cfg.Advisory.MinConfidence,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return exitMonitor.Run(gctx) })
	g.Go(func() error { return rollManager.Run(gctx) })
	if cfg.Reconcile.Periodic {
		g.Go(func() error { return reconciler.RunPeriodic(gctx) })
	}

	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		if lvl, perr := logrus.ParseLevel(cfg.Environment.LogLevel); perr == nil {
			dashLogger.SetLevel(lvl)
		}
		dash := dashboard.NewServer(dashboard.Config{
			ListenAddr: cfg.Dashboard.ListenAddr,
			AuthToken:  cfg.Dashboard.AuthToken,
		}, store, riskMgr, dashLogger)
		g.Go(func() error {
			if serr := dash.Start(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				return serr
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return dash.Shutdown(shutdownCtx)
		})
	}

	logger.Println("monitors running")
	return g.Wait()
}
