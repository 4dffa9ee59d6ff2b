// Package server exposes the orchestrator over HTTP. Every mutating route
// maps 1:1 onto an orchestrator call and returns its Result envelope; the
// server itself holds no trading state.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"gridbot/internal/core"
	"gridbot/internal/orchestrator"
	"gridbot/internal/state"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultUser = "operator"

// APIServer is the operator-facing HTTP surface.
type APIServer struct {
	addr   string
	orch   *orchestrator.Orchestrator
	store  *state.Store
	logger core.Logger
	srv    *http.Server
	extra  map[string]http.Handler
}

// Mount attaches an extra handler (the websocket feed) to the route table.
// Call before Start.
func (s *APIServer) Mount(pattern string, h http.Handler) {
	if s.extra == nil {
		s.extra = make(map[string]http.Handler)
	}
	s.extra[pattern] = h
}

// NewAPIServer binds the operator API to an address.
func NewAPIServer(addr string, orch *orchestrator.Orchestrator, store *state.Store, logger core.Logger) *APIServer {
	return &APIServer{
		addr:   addr,
		orch:   orch,
		store:  store,
		logger: logger.WithField("component", "api_server"),
	}
}

// Handler builds the route table. Exposed for httptest.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/levels", s.handleLevels)
	mux.HandleFunc("GET /api/orders/active", s.handleActiveOrders)
	mux.HandleFunc("GET /api/minimum-requirements/{venue}/{symbol}", s.handleMinimumRequirements)
	mux.HandleFunc("GET /api/actions", s.handleActions)

	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("PUT /api/config", s.handleUpdateConfig)

	mux.HandleFunc("POST /api/zones/{id}/enable", s.zoneToggler(true))
	mux.HandleFunc("POST /api/zones/{id}/disable", s.zoneToggler(false))
	mux.HandleFunc("POST /api/orders/level/{index}/cancel", s.handleCancelLevel)
	mux.HandleFunc("POST /api/orders/level/{index}/enable", s.handleEnableLevel)
	mux.HandleFunc("POST /api/orders/{id}/cancel", s.handleCancelOrder)
	mux.HandleFunc("POST /api/sync/manual", s.handleManualSync)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}

	return mux
}

// Start runs the server in the background.
func (s *APIServer) Start() {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info("operator API listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("operator API failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *APIServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func userOf(r *http.Request) string {
	if u := r.Header.Get("X-Operator"); u != "" {
		return u
	}
	return defaultUser
}

// writeResult serializes the envelope. Failed mutations are 409s so callers
// can distinguish them without parsing the body.
func (s *APIServer) writeResult(w http.ResponseWriter, res orchestrator.Result) {
	w.Header().Set("Content-Type", "application/json")
	if !res.Success {
		w.WriteHeader(http.StatusConflict)
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		s.logger.Warn("response write failed", "error", err)
	}
}

func (s *APIServer) writeBadRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(orchestrator.Result{Success: false, Message: msg})
}

type confirmBody struct {
	Confirm bool `json:"confirm"`
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.orch.Status(r.Context()))
}

func (s *APIServer) handleLevels(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.orch.GridLevels(r.Context()))
}

func (s *APIServer) handleActiveOrders(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.orch.ActiveOrders(r.Context()))
}

func (s *APIServer) handleMinimumRequirements(w http.ResponseWriter, r *http.Request) {
	venue := r.PathValue("venue")
	symbol := r.PathValue("symbol")
	s.writeResult(w, s.orch.MinimumRequirements(r.Context(), venue, symbol))
}

func (s *APIServer) handleActions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	s.writeResult(w, s.orch.RecentActions(r.Context(), limit))
}

func (s *APIServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var body confirmBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeBadRequest(w, "invalid JSON body")
		return
	}
	s.writeResult(w, s.orch.Start(r.Context(), userOf(r), body.Confirm))
}

func (s *APIServer) handleStop(w http.ResponseWriter, r *http.Request) {
	var body confirmBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeBadRequest(w, "invalid JSON body")
		return
	}
	s.writeResult(w, s.orch.Stop(r.Context(), userOf(r), body.Confirm))
}

func (s *APIServer) handleReset(w http.ResponseWriter, r *http.Request) {
	var params orchestrator.ResetParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeBadRequest(w, "invalid JSON body")
		return
	}
	s.writeResult(w, s.orch.Reset(r.Context(), userOf(r), params))
}

func (s *APIServer) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg core.GridConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeBadRequest(w, "invalid JSON body")
		return
	}
	s.writeResult(w, s.orch.UpdateConfig(r.Context(), userOf(r), &cfg))
}

func (s *APIServer) zoneToggler(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.PathValue("id"))
		if err != nil {
			s.writeBadRequest(w, "zone id must be an integer")
			return
		}
		s.writeResult(w, s.orch.ToggleZone(r.Context(), userOf(r), id, enabled))
	}
}

func (s *APIServer) handleCancelLevel(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeBadRequest(w, "level index must be an integer")
		return
	}
	s.writeResult(w, s.orch.CancelLevel(r.Context(), userOf(r), idx))
}

func (s *APIServer) handleEnableLevel(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeBadRequest(w, "level index must be an integer")
		return
	}
	s.writeResult(w, s.orch.EnableLevel(r.Context(), userOf(r), idx))
}

func (s *APIServer) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.orch.CancelOrder(r.Context(), userOf(r), r.PathValue("id")))
}

type manualSyncBody struct {
	Orders []core.ExternalOrder `json:"orders"`
}

func (s *APIServer) handleManualSync(w http.ResponseWriter, r *http.Request) {
	var body manualSyncBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(body.Orders) == 0 {
		s.writeBadRequest(w, "orders list is empty")
		return
	}
	s.writeResult(w, s.orch.ManualSync(r.Context(), userOf(r), body.Orders))
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	status := "ok"
	code := http.StatusOK
	if snap.BotState == core.StateError {
		status = "error"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"bot_state":  snap.BotState,
		"last_error": snap.LastError,
		"time":       time.Now().Unix(),
	})
}
