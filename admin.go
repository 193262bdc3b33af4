package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/coordinator"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/escrowd"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/logging"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/metrics"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/pool"
)

// AdminServer exposes health, metrics and trade registration on the admin
// port.
type AdminServer struct {
	port      int
	startTime time.Time
	coord     *coordinator.Coordinator
	trades    *pool.Client
	daemons   *escrowd.Client
	log       *logging.ComponentLogger
	server    *http.Server
}

// HealthResponse is the JSON response for /health.
type HealthResponse struct {
	Status       string    `json:"status"`
	Uptime       string    `json:"uptime"`
	Cycles       uint64    `json:"cycles"`
	ActiveTrades int       `json:"active_trades"`
	LockedTrades int       `json:"locked_trades"`
	TrackedKeys  int       `json:"tracked_keys"`
	LastCycle    time.Time `json:"last_cycle"`
}

// NewAdminServer creates the admin surface for a running operator.
func NewAdminServer(port int, coord *coordinator.Coordinator, trades *pool.Client, daemons *escrowd.Client, logger *logging.ComponentLogger) *AdminServer {
	return &AdminServer{
		port:      port,
		startTime: time.Now(),
		coord:     coord,
		trades:    trades,
		daemons:   daemons,
		log:       logger,
	}
}

// Start begins serving in a background goroutine.
func (s *AdminServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/trades", s.handleListTrades)
	mux.HandleFunc("POST /api/trades/{id}", s.handleRegisterTrade)
	mux.HandleFunc("DELETE /api/trades/{id}", s.handleUnregisterTrade)
	mux.HandleFunc("GET /api/trades/{id}/address", s.handleTradeAddress)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.log.Info().Int("port", s.port).Msg("Admin server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Admin server error")
		}
	}()
}

// Stop closes the listener.
func (s *AdminServer) Stop() {
	if s.server != nil {
		s.server.Close()
	}
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.coord.GetStats()
	resp := HealthResponse{
		Status:       "healthy",
		Uptime:       time.Since(s.startTime).String(),
		Cycles:       stats.Cycles,
		ActiveTrades: stats.ActiveTrades,
		LockedTrades: stats.LockedTrades,
		TrackedKeys:  len(s.trades.TrackedKeys()),
		LastCycle:    stats.LastCycle,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *AdminServer) handleListTrades(w http.ResponseWriter, r *http.Request) {
	keys := s.trades.TrackedKeys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"trades": out})
}

func (s *AdminServer) handleRegisterTrade(w http.ResponseWriter, r *http.Request) {
	key := pool.TradeKey(r.PathValue("id"))
	if _, err := key.Scalar(); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}

	if err := s.coord.RegisterTrade(key); err != nil {
		s.log.Error().Err(err).Str("key", string(key)).Msg("Failed to register trade")
		http.Error(w, `{"error":"failed to persist trade key"}`, http.StatusInternalServerError)
		return
	}

	s.log.Info().Str("key", string(key)).Msg("Trade registered via admin API")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"registered": string(key)})
}

// handleTradeAddress proxies the trade daemon's receiving addresses, so an
// operator can hand the counterparty a deposit address without reaching the
// daemon port directly.
func (s *AdminServer) handleTradeAddress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	addrs, err := s.daemons.GetAddresses(r.Context(), id)
	if err != nil {
		s.log.Warn().Err(err).Str("key", id).Msg("Failed to fetch daemon addresses")
		http.Error(w, `{"error":"escrow daemon unavailable"}`, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(addrs)
}

func (s *AdminServer) handleUnregisterTrade(w http.ResponseWriter, r *http.Request) {
	key := pool.TradeKey(r.PathValue("id"))
	if err := s.trades.UnregisterTrade(key); err != nil {
		s.log.Error().Err(err).Str("key", string(key)).Msg("Failed to unregister trade")
		http.Error(w, `{"error":"failed to persist trade key removal"}`, http.StatusInternalServerError)
		return
	}

	s.log.Info().Str("key", string(key)).Msg("Trade unregistered via admin API")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"unregistered": string(key)})
}
