package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hozunlee/bit-moon/internal/models"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store is the slice of persistence the dashboard serves. Reads cover grid,
// trade and balance state; the only writes are the CoinControl flags, which
// the bot process itself never touches.
type Store interface {
	ListCoinControls() ([]*models.CoinControl, error)
	GetCoinControl(ticker string) (*models.CoinControl, error)
	SetActive(ticker string, active bool) error
	SetBudget(ticker string, budgetKRW float64) error
	GridLevels(ticker string) ([]*models.GridLevel, error)
	InvestedCapital(ticker string) (float64, error)
	Trades(ticker string, limit int) ([]*models.Trade, error)
	Balances(ticker string, limit int) ([]*models.BalanceSnapshot, error)
	LastSession() (time.Time, error)
}

// Server exposes the persisted bot state over HTTP.
type Server struct {
	store  Store
	logger *zap.SugaredLogger
	router *mux.Router
}

func NewServer(store Store, logger *zap.SugaredLogger) *Server {
	s := &Server{
		store:  store,
		logger: logger,
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/coins", s.handleListCoins).Methods("GET")
	s.router.HandleFunc("/api/coins/{ticker}/grid", s.handleGrid).Methods("GET")
	s.router.HandleFunc("/api/coins/{ticker}/trades", s.handleTrades).Methods("GET")
	s.router.HandleFunc("/api/coins/{ticker}/balances", s.handleBalances).Methods("GET")
	s.router.HandleFunc("/api/coins/{ticker}/active", s.handleSetActive).Methods("PUT")
	s.router.HandleFunc("/api/coins/{ticker}/budget", s.handleSetBudget).Methods("PUT")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	started, err := s.store.LastSession()
	if err != nil {
		s.logger.Warnf("failed to read session marker: %v", err)
	} else if !started.IsZero() {
		resp["session_started_at"] = started
		resp["session_uptime_sec"] = int64(time.Since(started).Seconds())
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// coinStatus is a CoinControl row enriched with the capital currently locked
// in bought levels, the number the budget guard compares against.
type coinStatus struct {
	models.CoinControl
	InvestedKRW float64 `json:"invested_krw"`
}

func (s *Server) handleListCoins(w http.ResponseWriter, r *http.Request) {
	controls, err := s.store.ListCoinControls()
	if err != nil {
		s.logger.Errorf("failed to list coin controls: %v", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list coins")
		return
	}

	coins := make([]coinStatus, 0, len(controls))
	for _, c := range controls {
		invested, err := s.store.InvestedCapital(c.Ticker)
		if err != nil {
			s.logger.Errorf("failed to read invested capital for %s: %v", c.Ticker, err)
			s.respondError(w, http.StatusInternalServerError, "failed to list coins")
			return
		}
		coins = append(coins, coinStatus{CoinControl: *c, InvestedKRW: invested})
	}
	s.respondJSON(w, http.StatusOK, coins)
}

func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	levels, err := s.store.GridLevels(ticker)
	if err != nil {
		s.logger.Errorf("failed to read grid for %s: %v", ticker, err)
		s.respondError(w, http.StatusInternalServerError, "failed to read grid")
		return
	}
	s.respondJSON(w, http.StatusOK, levels)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	trades, err := s.store.Trades(ticker, listLimit(r))
	if err != nil {
		s.logger.Errorf("failed to read trades for %s: %v", ticker, err)
		s.respondError(w, http.StatusInternalServerError, "failed to read trades")
		return
	}
	s.respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	balances, err := s.store.Balances(ticker, listLimit(r))
	if err != nil {
		s.logger.Errorf("failed to read balances for %s: %v", ticker, err)
		s.respondError(w, http.StatusInternalServerError, "failed to read balances")
		return
	}
	s.respondJSON(w, http.StatusOK, balances)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsActive == nil {
		s.respondError(w, http.StatusBadRequest, "body must be {\"is_active\": bool}")
		return
	}
	if !s.requireCoin(w, ticker) {
		return
	}
	if err := s.store.SetActive(ticker, *req.IsActive); err != nil {
		s.logger.Errorf("failed to set active for %s: %v", ticker, err)
		s.respondError(w, http.StatusInternalServerError, "failed to update coin")
		return
	}
	s.logger.Infof("dashboard set %s active=%v", ticker, *req.IsActive)
	s.respondUpdated(w, ticker)
}

func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	var req struct {
		BudgetKRW *float64 `json:"budget_krw"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BudgetKRW == nil {
		s.respondError(w, http.StatusBadRequest, "body must be {\"budget_krw\": number}")
		return
	}
	if *req.BudgetKRW < 0 {
		s.respondError(w, http.StatusBadRequest, "budget_krw must be >= 0, 0 removes the cap")
		return
	}
	if !s.requireCoin(w, ticker) {
		return
	}
	if err := s.store.SetBudget(ticker, *req.BudgetKRW); err != nil {
		s.logger.Errorf("failed to set budget for %s: %v", ticker, err)
		s.respondError(w, http.StatusInternalServerError, "failed to update coin")
		return
	}
	s.logger.Infof("dashboard set %s budget=%.0f", ticker, *req.BudgetKRW)
	s.respondUpdated(w, ticker)
}

// requireCoin writes a 404 and returns false when no CoinControl row exists
// for the ticker.
func (s *Server) requireCoin(w http.ResponseWriter, ticker string) bool {
	control, err := s.store.GetCoinControl(ticker)
	if err != nil {
		s.logger.Errorf("failed to read coin control for %s: %v", ticker, err)
		s.respondError(w, http.StatusInternalServerError, "failed to read coin")
		return false
	}
	if control == nil {
		s.respondError(w, http.StatusNotFound, "unknown ticker")
		return false
	}
	return true
}

func (s *Server) respondUpdated(w http.ResponseWriter, ticker string) {
	control, err := s.store.GetCoinControl(ticker)
	if err != nil || control == nil {
		s.logger.Errorf("failed to re-read coin control for %s: %v", ticker, err)
		s.respondError(w, http.StatusInternalServerError, "failed to read coin")
		return
	}
	s.respondJSON(w, http.StatusOK, control)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("failed to encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}

// listLimit reads ?limit=, clamped to keep one request from dragging the
// whole trade history across the wire.
func listLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
