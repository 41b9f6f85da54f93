// Package mock provides a scriptable in-memory venue for development runs
// and integration tests. State is seeded with Set* calls and mutated with
// Simulate* calls, which also feed the order stream.
package mock

import (
	"context"
	"sync"
	"time"

	"exec_reconciler/internal/core"
	apperrors "exec_reconciler/pkg/errors"

	"github.com/shopspring/decimal"
)

// MockVenue implements core.IVenueAdapter on top of in-memory state.
type MockVenue struct {
	name core.Venue

	mu        sync.RWMutex
	orders    map[core.ClientOrderID]core.OrderStateRecord
	positions map[core.InstrumentID]core.PositionStateRecord

	pollErr   error
	healthErr error

	streamRunning bool
	callback      func(core.OrderStateRecord)
}

func NewMockVenue(name core.Venue) *MockVenue {
	if name == "" {
		name = "MOCK"
	}
	return &MockVenue{
		name:      name,
		orders:    make(map[core.ClientOrderID]core.OrderStateRecord),
		positions: make(map[core.InstrumentID]core.PositionStateRecord),
	}
}

func (m *MockVenue) Name() core.Venue {
	return m.name
}

func (m *MockVenue) CheckHealth(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthErr
}

// PollState snapshots the scripted venue state. The returned report is
// detached; later Set* or Simulate* calls do not touch it.
func (m *MockVenue) PollState(ctx context.Context, accountID core.AccountID) (*core.ReconciliationReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.pollErr != nil {
		return nil, m.pollErr
	}

	report := core.NewReconciliationReport(accountID, m.name, time.Now().UTC())
	for _, rec := range m.orders {
		report.AddOrderReport(rec)
	}
	for _, rec := range m.positions {
		report.AddPositionReport(rec)
	}
	return report, nil
}

// SetOrder seeds or replaces the venue-side record for one order.
func (m *MockVenue) SetOrder(rec core.OrderStateRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[rec.ClientOrderID] = rec
}

func (m *MockVenue) RemoveOrder(id core.ClientOrderID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, id)
}

// SetPosition seeds or replaces the venue-side record for one instrument.
// An explicit flat record stays in the snapshot; use RemovePosition to make
// the instrument disappear from reports instead.
func (m *MockVenue) SetPosition(rec core.PositionStateRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[rec.InstrumentID] = rec
}

func (m *MockVenue) RemovePosition(id core.InstrumentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, id)
}

// SetPollError scripts PollState to fail until cleared with nil.
func (m *MockVenue) SetPollError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErr = err
}

// SetHealthError scripts CheckHealth to fail until cleared with nil.
func (m *MockVenue) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// Reset drops all scripted orders, positions and errors.
func (m *MockVenue) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[core.ClientOrderID]core.OrderStateRecord)
	m.positions = make(map[core.InstrumentID]core.PositionStateRecord)
	m.pollErr = nil
	m.healthErr = nil
}

// SimulateFill advances an existing order to the given state and filled
// quantity, then pushes the update onto the order stream.
func (m *MockVenue) SimulateFill(id core.ClientOrderID, state core.OrderState, filledQty decimal.Decimal) error {
	m.mu.Lock()
	old, exists := m.orders[id]
	if !exists {
		m.mu.Unlock()
		return apperrors.ErrOrderNotFound
	}

	rec, err := core.NewOrderStateRecord(id, old.VenueOrderID, state, filledQty, time.Now().UTC())
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.orders[id] = rec

	running := m.streamRunning
	callback := m.callback
	m.mu.Unlock()

	if running && callback != nil {
		go callback(rec)
	}
	return nil
}

// PushOrderUpdate stores the record as venue truth and pushes it onto the
// order stream, covering orders the venue has never reported before.
func (m *MockVenue) PushOrderUpdate(rec core.OrderStateRecord) {
	m.mu.Lock()
	m.orders[rec.ClientOrderID] = rec
	running := m.streamRunning
	callback := m.callback
	m.mu.Unlock()

	if running && callback != nil {
		go callback(rec)
	}
}

func (m *MockVenue) StartOrderStream(ctx context.Context, callback func(core.OrderStateRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.streamRunning {
		return apperrors.ErrStreamAlreadyActive
	}
	m.streamRunning = true
	m.callback = callback
	return nil
}

func (m *MockVenue) StopOrderStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamRunning = false
	m.callback = nil
	return nil
}
