// Package dashboard serves a read-only JSON view of the engine: the book,
// the risk aggregate, and reconciliation history. It never mutates state.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/risk"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/storage"
)

type Config struct {
	ListenAddr string
	AuthToken  string
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	risk      *risk.Manager
	logger    *logrus.Logger
	addr      string
	authToken string
}

// PositionView is the wire shape of one position.
type PositionView struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Strategy   string    `json:"strategy"`
	Status     string    `json:"status"`
	EntryDate  time.Time `json:"entry_date"`
	DTE        int       `json:"dte"`
	Contracts  int       `json:"contracts"`
	EntryPrice float64   `json:"entry_price"`
	CurrentPnL float64   `json:"current_pnl"`
	RollCount  int       `json:"roll_count"`
	Flagged    bool      `json:"flagged"`
	ExitReason string    `json:"exit_reason,omitempty"`
}

// RiskView is the wire shape of the risk aggregate.
type RiskView struct {
	NetDelta          float64 `json:"net_delta"`
	BetaWeightedDelta float64 `json:"beta_weighted_delta"`
	BullishExposure   float64 `json:"bullish_exposure"`
	BearishExposure   float64 `json:"bearish_exposure"`
	PositionCount     int     `json:"position_count"`
}

func NewServer(cfg Config, store storage.Interface, riskMgr *risk.Manager, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		risk:      riskMgr,
		logger:    logger,
		addr:      cfg.ListenAddr,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/api/positions/{id}", s.handlePosition)
	s.router.Get("/api/risk", s.handleRisk)
	s.router.Get("/api/reconciliation", s.handleReconciliation)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("starting dashboard on %s", s.addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.storage.GetPositions()
	if err != nil {
		s.logger.WithError(err).Error("failed to load positions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	views := make([]PositionView, 0, len(positions))
	for i := range positions {
		views = append(views, toView(&positions[i]))
	}
	s.writeJSON(w, views)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.storage.GetPositionByID(id)
	if err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, toView(p))
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	m := s.risk.Metrics()
	s.writeJSON(w, RiskView{
		NetDelta:          m.NetDelta,
		BetaWeightedDelta: m.BetaWeightedDelta,
		BullishExposure:   m.BullishExposure,
		BearishExposure:   m.BearishExposure,
		PositionCount:     m.PositionCount,
	})
}

func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	reports, err := s.storage.ReconciliationReports()
	if err != nil {
		s.logger.WithError(err).Error("failed to load reconciliation reports")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if reports == nil {
		reports = []models.ReconciliationReport{}
	}
	s.writeJSON(w, reports)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}

func toView(p *models.Position) PositionView {
	return PositionView{
		ID:         p.ID,
		Symbol:     p.Symbol,
		Strategy:   string(p.Strategy),
		Status:     string(p.Status),
		EntryDate:  p.EntryDate,
		DTE:        p.CalculateDTE(),
		Contracts:  p.Contracts,
		EntryPrice: p.EntryPrice,
		CurrentPnL: p.CurrentPnL,
		RollCount:  p.RollCount,
		Flagged:    p.NeedsReview,
		ExitReason: p.ExitReason,
	}
}
