package recon

import (
	"context"
	"testing"
	"time"

	"exec_reconciler/internal/core"
	"exec_reconciler/internal/ledger"

	"github.com/stretchr/testify/mock"
)

func newSupervisedReconciler(t *testing.T, account core.AccountID) (*Reconciler, *MockVenue) {
	t.Helper()
	venue := new(MockVenue)
	book := ledger.New(account, &mockLogger{})
	return NewReconciler(venue, book, &mockLogger{}, Config{Interval: time.Hour}), venue
}

func TestSupervisor_RejectsDuplicateAccount(t *testing.T) {
	sup := NewSupervisor(&mockLogger{}, SupervisorConfig{})

	r1, _ := newSupervisedReconciler(t, "ACC-001")
	r2, _ := newSupervisedReconciler(t, "ACC-001")

	if err := sup.Add(r1); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := sup.Add(r2); err == nil {
		t.Fatal("Expected duplicate account registration to fail")
	}
}

func TestSupervisor_StartRequiresWorkers(t *testing.T) {
	sup := NewSupervisor(&mockLogger{}, SupervisorConfig{})
	if err := sup.Start(context.Background()); err == nil {
		t.Fatal("Expected Start to fail with no reconcilers registered")
	}
}

func TestSupervisor_RunsInitialCycleForEveryAccount(t *testing.T) {
	sup := NewSupervisor(&mockLogger{}, SupervisorConfig{Interval: time.Hour, CycleTimeout: time.Second})

	r1, v1 := newSupervisedReconciler(t, "ACC-001")
	r2, v2 := newSupervisedReconciler(t, "ACC-002")
	v1.On("PollState", mock.Anything, core.AccountID("ACC-001")).
		Return(core.NewReconciliationReport("ACC-001", "MOCK", diffTestTime), nil)
	v2.On("PollState", mock.Anything, core.AccountID("ACC-002")).
		Return(core.NewReconciliationReport("ACC-002", "MOCK", diffTestTime), nil)

	if err := sup.Add(r1); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := sup.Add(r2); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The initial fan-out runs without waiting for the first tick
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		statuses := sup.Statuses()
		if len(statuses) == 2 &&
			statuses[0].State == core.CycleCompleted &&
			statuses[1].State == core.CycleCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	statuses := sup.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("Expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].AccountID != "ACC-001" || statuses[1].AccountID != "ACC-002" {
		t.Errorf("Statuses not sorted by account: %v", statuses)
	}
	for _, status := range statuses {
		if status.State != core.CycleCompleted {
			t.Errorf("Account %s expected completed cycle, got %s", status.AccountID, status.State)
		}
	}
}

func TestSupervisor_TriggerAll(t *testing.T) {
	sup := NewSupervisor(&mockLogger{}, SupervisorConfig{Interval: time.Hour})

	r1, v1 := newSupervisedReconciler(t, "ACC-001")
	v1.On("PollState", mock.Anything, core.AccountID("ACC-001")).
		Return(core.NewReconciliationReport("ACC-001", "MOCK", diffTestTime), nil)
	if err := sup.Add(r1); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := sup.TriggerAll(context.Background()); err != nil {
		t.Fatalf("TriggerAll failed: %v", err)
	}

	status, ok := sup.Status("ACC-001")
	if !ok {
		t.Fatal("Expected status for ACC-001")
	}
	if status.State != core.CycleCompleted {
		t.Errorf("Expected completed cycle, got %s", status.State)
	}
}

func TestSupervisor_TriggerAccountUnknown(t *testing.T) {
	sup := NewSupervisor(&mockLogger{}, SupervisorConfig{})
	if err := sup.TriggerAccount(context.Background(), "ACC-404"); err == nil {
		t.Fatal("Expected error for unknown account")
	}
}

func TestSupervisor_BreakerSurface(t *testing.T) {
	sup := NewSupervisor(&mockLogger{}, SupervisorConfig{})

	r1, _ := newSupervisedReconciler(t, "ACC-001")
	breaker := NewCircuitBreaker("ACC-001", CircuitConfig{MaxConsecutiveFailures: 1, CooldownPeriod: time.Hour})
	r1.SetCircuitBreaker(breaker)
	if err := sup.Add(r1); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	breaker.Open("operator halt")
	statuses := sup.CircuitStatuses()
	if status, ok := statuses["ACC-001"]; !ok || !status.Tripped {
		t.Fatalf("Expected tripped breaker for ACC-001, got %v", statuses)
	}

	if !sup.ResetBreaker("ACC-001") {
		t.Fatal("ResetBreaker should succeed")
	}
	if breaker.IsTripped() {
		t.Error("Breaker should be closed after reset")
	}
	if sup.ResetBreaker("ACC-404") {
		t.Error("ResetBreaker should fail for unknown account")
	}
}
