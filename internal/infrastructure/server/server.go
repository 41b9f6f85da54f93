// Package server exposes the operational HTTP API: aggregate health, cycle
// statuses, discrepancy history, manual trigger and breaker reset, plus the
// Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"exec_reconciler/internal/auth"
	"exec_reconciler/internal/core"
	"exec_reconciler/pkg/concurrency"
	"exec_reconciler/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Supervisor is the slice of the reconciliation supervisor the API needs.
type Supervisor interface {
	Statuses() []core.ReconciliationStatus
	CircuitStatuses() map[core.AccountID]core.CircuitStatus
	PoolStats() concurrency.Stats
	TriggerAll(ctx context.Context) error
	TriggerAccount(ctx context.Context, account core.AccountID) error
	ResetBreaker(account core.AccountID) bool
}

// OpsServer serves the operational HTTP API.
type OpsServer struct {
	addr    string
	logger  core.ILogger
	srv     *http.Server
	hm      core.IHealthMonitor
	sup     Supervisor
	journal core.IDiscrepancyJournal
	auth    *auth.APIKeyValidator
}

// NewOpsServer creates the operational API server. The journal may be nil
// when the deployment runs without durable history.
func NewOpsServer(addr string, logger core.ILogger, hm core.IHealthMonitor, sup Supervisor, journal core.IDiscrepancyJournal) *OpsServer {
	return &OpsServer{
		addr:    addr,
		logger:  logger.WithField("component", "ops_server"),
		hm:      hm,
		sup:     sup,
		journal: journal,
	}
}

// SetAuth guards the mutating endpoints with API key authentication. Read
// endpoints stay open so probes and scrapers work unauthenticated.
func (s *OpsServer) SetAuth(v *auth.APIKeyValidator) {
	s.auth = v
}

// Start serves in the background; failures are logged, not returned.
func (s *OpsServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/discrepancies", s.handleDiscrepancies)
	mux.Handle("/trigger", s.protect(http.HandlerFunc(s.handleTrigger)))
	mux.Handle("/breaker/reset", s.protect(http.HandlerFunc(s.handleBreakerReset)))
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting ops server", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ops server failed", "error", err)
		}
	}()
}

func (s *OpsServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *OpsServer) protect(h http.Handler) http.Handler {
	if s.auth == nil {
		return h
	}
	return s.auth.Middleware(h)
}

func (s *OpsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := telemetry.GetGlobalMetrics()

	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
		"metrics": map[string]interface{}{
			"open_orders":             metrics.GetOpenOrders(),
			"position_divergence_pct": metrics.GetPositionDivergence(),
		},
	}

	code := http.StatusOK
	if s.hm != nil {
		health["components"] = s.hm.GetStatus(r.Context())
		if !s.hm.IsHealthy(r.Context()) {
			health["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	s.writeJSON(w, code, health)
}

// handleStatus reports the last cycle outcome and breaker state per account.
func (s *OpsServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.sup == nil {
		http.Error(w, "supervisor not running", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": s.sup.Statuses(),
		"breakers": s.sup.CircuitStatuses(),
		"pool":     s.sup.PoolStats(),
	})
}

// handleDiscrepancies returns recent journal entries, newest first.
func (s *OpsServer) handleDiscrepancies(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal not configured", http.StatusNotFound)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Journal query failed", "error", err)
		http.Error(w, "journal query failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":         len(entries),
		"discrepancies": entries,
	})
}

// handleTrigger runs an out-of-band cycle for one account, or all accounts
// when no account parameter is given.
func (s *OpsServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sup == nil {
		http.Error(w, "supervisor not running", http.StatusServiceUnavailable)
		return
	}

	account := r.URL.Query().Get("account")

	var err error
	if account == "" {
		err = s.sup.TriggerAll(r.Context())
	} else {
		err = s.sup.TriggerAccount(r.Context(), core.AccountID(account))
	}
	if err != nil {
		s.logger.Warn("Manual trigger failed", "account", account, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"triggered": true,
		"account":   account,
	})
}

// handleBreakerReset closes the named account's circuit breaker.
func (s *OpsServer) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sup == nil {
		http.Error(w, "supervisor not running", http.StatusServiceUnavailable)
		return
	}

	account := r.URL.Query().Get("account")
	if account == "" {
		http.Error(w, "account parameter is required", http.StatusBadRequest)
		return
	}

	if !s.sup.ResetBreaker(core.AccountID(account)) {
		http.Error(w, "no breaker for account", http.StatusNotFound)
		return
	}

	s.logger.Warn("Circuit breaker reset via ops API", "account", account)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"reset":   true,
		"account": account,
	})
}

func (s *OpsServer) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Response encoding failed", "error", err)
	}
}
