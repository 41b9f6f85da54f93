package recon

import (
	"context"
	"fmt"
	"sync"

	"exec_reconciler/internal/core"

	"github.com/stretchr/testify/mock"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               { fmt.Printf("DEBUG: %s %v\n", msg, f) }
func (m *mockLogger) Info(msg string, f ...interface{})                { fmt.Printf("INFO: %s %v\n", msg, f) }
func (m *mockLogger) Warn(msg string, f ...interface{})                { fmt.Printf("WARN: %s %v\n", msg, f) }
func (m *mockLogger) Error(msg string, f ...interface{})               { fmt.Printf("ERROR: %s %v\n", msg, f) }
func (m *mockLogger) Fatal(msg string, f ...interface{})               { fmt.Printf("FATAL: %s %v\n", msg, f) }
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type MockVenue struct {
	mock.Mock
	streamCallback func(core.OrderStateRecord)
	streamMu       sync.Mutex
}

func (m *MockVenue) Name() core.Venue {
	return "MOCK"
}

func (m *MockVenue) CheckHealth(ctx context.Context) error {
	return nil
}

func (m *MockVenue) PollState(ctx context.Context, accountID core.AccountID) (*core.ReconciliationReport, error) {
	args := m.Called(context.Background(), accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.ReconciliationReport), args.Error(1)
}

func (m *MockVenue) StartOrderStream(ctx context.Context, callback func(core.OrderStateRecord)) error {
	m.streamMu.Lock()
	m.streamCallback = callback
	m.streamMu.Unlock()
	return nil
}

func (m *MockVenue) StopOrderStream() error {
	m.streamMu.Lock()
	m.streamCallback = nil
	m.streamMu.Unlock()
	return nil
}

type mockPublisher struct {
	mu       sync.Mutex
	events   []core.Discrepancy
	statuses []core.ReconciliationStatus
}

func (m *mockPublisher) PublishDiscrepancy(d core.Discrepancy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, d)
}

func (m *mockPublisher) PublishCycleStatus(status core.ReconciliationStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func (m *mockPublisher) discrepancies() []core.Discrepancy {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]core.Discrepancy, len(m.events))
	copy(res, m.events)
	return res
}

func (m *mockPublisher) cycleStatuses() []core.ReconciliationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]core.ReconciliationStatus, len(m.statuses))
	copy(res, m.statuses)
	return res
}
