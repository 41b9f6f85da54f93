package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"exec_reconciler/internal/auth"
	"exec_reconciler/internal/core"
	"exec_reconciler/internal/infrastructure/health"
	"exec_reconciler/internal/ledger"
	"exec_reconciler/pkg/concurrency"

	"github.com/shopspring/decimal"
)

type nopLogger struct{}

func (l *nopLogger) Debug(msg string, f ...interface{})               {}
func (l *nopLogger) Info(msg string, f ...interface{})                {}
func (l *nopLogger) Warn(msg string, f ...interface{})                {}
func (l *nopLogger) Error(msg string, f ...interface{})               {}
func (l *nopLogger) Fatal(msg string, f ...interface{})               {}
func (l *nopLogger) WithField(k string, v interface{}) core.ILogger   { return l }
func (l *nopLogger) WithFields(f map[string]interface{}) core.ILogger { return l }

type stubSupervisor struct {
	statuses        []core.ReconciliationStatus
	breakers        map[core.AccountID]core.CircuitStatus
	poolStats       concurrency.Stats
	triggeredAll    bool
	triggeredOne    core.AccountID
	triggerErr      error
	resetOK         bool
	resetRequested  core.AccountID
}

func (s *stubSupervisor) Statuses() []core.ReconciliationStatus { return s.statuses }

func (s *stubSupervisor) PoolStats() concurrency.Stats { return s.poolStats }

func (s *stubSupervisor) CircuitStatuses() map[core.AccountID]core.CircuitStatus {
	return s.breakers
}

func (s *stubSupervisor) TriggerAll(ctx context.Context) error {
	s.triggeredAll = true
	return s.triggerErr
}

func (s *stubSupervisor) TriggerAccount(ctx context.Context, account core.AccountID) error {
	s.triggeredOne = account
	return s.triggerErr
}

func (s *stubSupervisor) ResetBreaker(account core.AccountID) bool {
	s.resetRequested = account
	return s.resetOK
}

func newOpsFixture(sup Supervisor, hm core.IHealthMonitor, journal core.IDiscrepancyJournal) *OpsServer {
	return NewOpsServer(":0", &nopLogger{}, hm, sup, journal)
}

func TestOpsServer_HealthHealthy(t *testing.T) {
	hm := health.NewHealthManager(nil)
	hm.Register("venue", func(ctx context.Context) error { return nil })

	ops := newOpsFixture(&stubSupervisor{}, hm, nil)

	rec := httptest.NewRecorder()
	ops.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected ok status, got %v", body["status"])
	}
}

func TestOpsServer_HealthUnhealthy(t *testing.T) {
	hm := health.NewHealthManager(nil)
	hm.Register("venue", func(ctx context.Context) error { return fmt.Errorf("unreachable") })

	ops := newOpsFixture(&stubSupervisor{}, hm, nil)

	rec := httptest.NewRecorder()
	ops.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestOpsServer_Status(t *testing.T) {
	sup := &stubSupervisor{
		statuses: []core.ReconciliationStatus{
			{AccountID: "ACC-001", Venue: "MOCK", State: core.CycleCompleted, Discrepancies: 2},
		},
		breakers: map[core.AccountID]core.CircuitStatus{
			"ACC-001": {Tripped: false},
		},
		poolStats: concurrency.Stats{SubmittedTasks: 7, SuccessfulTasks: 6},
	}
	ops := newOpsFixture(sup, nil, nil)

	rec := httptest.NewRecorder()
	ops.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Accounts []core.ReconciliationStatus `json:"accounts"`
		Pool     concurrency.Stats           `json:"pool"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Accounts) != 1 || body.Accounts[0].Discrepancies != 2 {
		t.Errorf("unexpected accounts payload: %+v", body.Accounts)
	}
	if body.Pool.SubmittedTasks != 7 {
		t.Errorf("expected pool stats in payload, got %+v", body.Pool)
	}
}

func TestOpsServer_Discrepancies(t *testing.T) {
	journal := ledger.NewMemoryStore()
	d := core.Discrepancy{
		Kind:          core.DiscrepancyOrphan,
		Scope:         core.ScopeOrder,
		AccountID:     "ACC-001",
		Venue:         "MOCK",
		ClientOrderID: "O-1",
		VenueOrder: &core.OrderDelta{
			State:     core.OrderStateAccepted,
			FilledQty: decimal.Zero,
		},
		ObservedAt: time.Now().UTC(),
	}
	if err := journal.Append(context.Background(), d); err != nil {
		t.Fatalf("append: %v", err)
	}

	ops := newOpsFixture(&stubSupervisor{}, nil, journal)

	rec := httptest.NewRecorder()
	ops.handleDiscrepancies(rec, httptest.NewRequest(http.MethodGet, "/discrepancies?limit=10", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("expected 1 entry, got %d", body.Count)
	}

	// Invalid limit
	rec = httptest.NewRecorder()
	ops.handleDiscrepancies(rec, httptest.NewRequest(http.MethodGet, "/discrepancies?limit=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}

	// No journal configured
	ops = newOpsFixture(&stubSupervisor{}, nil, nil)
	rec = httptest.NewRecorder()
	ops.handleDiscrepancies(rec, httptest.NewRequest(http.MethodGet, "/discrepancies", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without journal, got %d", rec.Code)
	}
}

func TestOpsServer_Trigger(t *testing.T) {
	sup := &stubSupervisor{}
	ops := newOpsFixture(sup, nil, nil)

	// GET is refused
	rec := httptest.NewRecorder()
	ops.handleTrigger(rec, httptest.NewRequest(http.MethodGet, "/trigger", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	// POST without account triggers all
	rec = httptest.NewRecorder()
	ops.handleTrigger(rec, httptest.NewRequest(http.MethodPost, "/trigger", nil))
	if rec.Code != http.StatusOK || !sup.triggeredAll {
		t.Errorf("expected TriggerAll, code=%d triggeredAll=%v", rec.Code, sup.triggeredAll)
	}

	// POST with account triggers one
	rec = httptest.NewRecorder()
	ops.handleTrigger(rec, httptest.NewRequest(http.MethodPost, "/trigger?account=ACC-007", nil))
	if rec.Code != http.StatusOK || sup.triggeredOne != "ACC-007" {
		t.Errorf("expected TriggerAccount(ACC-007), code=%d got=%s", rec.Code, sup.triggeredOne)
	}

	// Trigger failures surface as conflict
	sup.triggerErr = fmt.Errorf("reconciliation halted")
	rec = httptest.NewRecorder()
	ops.handleTrigger(rec, httptest.NewRequest(http.MethodPost, "/trigger", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 on trigger failure, got %d", rec.Code)
	}
}

func TestOpsServer_TriggerRequiresAPIKey(t *testing.T) {
	sup := &stubSupervisor{}
	ops := newOpsFixture(sup, nil, nil)
	ops.SetAuth(auth.NewAPIKeyValidator([]string{"ops-secret"}, 100, &nopLogger{}))

	handler := ops.protect(http.HandlerFunc(ops.handleTrigger))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trigger", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if sup.triggeredAll {
		t.Fatal("trigger must not run without a key")
	}

	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	req.Header.Set(auth.HeaderAPIKey, "ops-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !sup.triggeredAll {
		t.Errorf("expected authorized trigger, code=%d triggeredAll=%v", rec.Code, sup.triggeredAll)
	}

	// Without SetAuth the handler passes through untouched.
	open := newOpsFixture(&stubSupervisor{}, nil, nil)
	rec = httptest.NewRecorder()
	open.protect(http.HandlerFunc(open.handleTrigger)).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trigger", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected open access without validator, got %d", rec.Code)
	}
}

func TestOpsServer_BreakerReset(t *testing.T) {
	sup := &stubSupervisor{resetOK: true}
	ops := newOpsFixture(sup, nil, nil)

	// Account parameter is mandatory
	rec := httptest.NewRecorder()
	ops.handleBreakerReset(rec, httptest.NewRequest(http.MethodPost, "/breaker/reset", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	ops.handleBreakerReset(rec, httptest.NewRequest(http.MethodPost, "/breaker/reset?account=ACC-001", nil))
	if rec.Code != http.StatusOK || sup.resetRequested != "ACC-001" {
		t.Errorf("expected reset of ACC-001, code=%d got=%s", rec.Code, sup.resetRequested)
	}

	sup.resetOK = false
	rec = httptest.NewRecorder()
	ops.handleBreakerReset(rec, httptest.NewRequest(http.MethodPost, "/breaker/reset?account=ACC-404", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown account, got %d", rec.Code)
	}
}
