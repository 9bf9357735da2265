package dashboard

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/risk"
	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/storage"
)

func newTestServer(t *testing.T, authToken string) (*Server, storage.Interface, *risk.Manager) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	store, err := storage.NewJSONStorage(filepath.Join(t.TempDir(), "positions.json"), quiet)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	riskMgr := risk.NewManager(risk.DefaultLimits, quiet)
	return NewServer(Config{ListenAddr: ":0", AuthToken: authToken}, store, riskMgr, logger), store, riskMgr
}

func seedPosition(t *testing.T, store storage.Interface, id string) *models.Position {
	t.Helper()
	exp := time.Now().UTC().AddDate(0, 0, 30)
	legs := []models.Leg{
		{ContractRef: id + "-S", Right: models.RightPut, Strike: 450, Expiration: exp, Side: models.SideSell, Ratio: 1},
		{ContractRef: id + "-L", Right: models.RightPut, Strike: 445, Expiration: exp, Side: models.SideBuy, Ratio: 1},
	}
	p, err := models.NewPosition(id, "SPY", models.StrategyVerticalCredit, legs, 1, 1.50)
	require.NoError(t, err)
	p.DeltaPerContract = -0.15
	p.Beta = 1.0
	require.NoError(t, store.AddPosition(p))
	return p
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestPositionsEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t, "")
	seedPosition(t, store, "d1")
	seedPosition(t, store, "d2")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var views []PositionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "SPY", views[0].Symbol)
	assert.Equal(t, "open", views[0].Status)
	assert.Equal(t, "VERTICAL_CREDIT", views[0].Strategy)
}

func TestPositionByID(t *testing.T) {
	srv, store, _ := newTestServer(t, "")
	seedPosition(t, store, "d3")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/d3", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRiskEndpoint(t *testing.T) {
	srv, store, riskMgr := newTestServer(t, "")
	p := seedPosition(t, store, "d4")
	riskMgr.AddPosition(p)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/risk", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var view RiskView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 1, view.PositionCount)
	assert.InDelta(t, -15.0, view.NetDelta, 0.001)
}

func TestReconciliationEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t, "")
	require.NoError(t, store.AppendReconciliationReport(&models.ReconciliationReport{
		ID:        "rep-1",
		Timestamp: time.Now().UTC(),
		Matched:   []string{"a"},
	}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reconciliation", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var reports []models.ReconciliationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "rep-1", reports[0].ID)
}

func TestAuthToken(t *testing.T) {
	srv, store, _ := newTestServer(t, "secret")
	seedPosition(t, store, "d5")

	// No token: rejected.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Header token accepted.
	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("X-Auth-Token", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
