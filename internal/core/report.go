package core

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ReconciliationReport is a venue-sourced snapshot of execution state for one
// account: at most one order record per client order ID and at most one
// position record per instrument. Insertion is last-write-wins, so replaying
// a stream of updates into a report converges on the venue's final word for
// each identity.
//
// A report is built synchronously by a venue adapter, handed to the
// reconciler as a complete snapshot, and discarded after the diff. The engine
// never mutates it.
type ReconciliationReport struct {
	ReportID  uuid.UUID
	AccountID AccountID
	Venue     Venue
	Timestamp time.Time

	orderStates    map[ClientOrderID]OrderStateRecord
	positionStates map[InstrumentID]PositionStateRecord
}

// NewReconciliationReport returns an empty report for the given account.
func NewReconciliationReport(accountID AccountID, venue Venue, timestamp time.Time) *ReconciliationReport {
	return &ReconciliationReport{
		ReportID:       uuid.New(),
		AccountID:      accountID,
		Venue:          venue,
		Timestamp:      timestamp,
		orderStates:    make(map[ClientOrderID]OrderStateRecord),
		positionStates: make(map[InstrumentID]PositionStateRecord),
	}
}

// AddOrderReport inserts rec keyed by its client order ID, replacing any
// earlier record for the same order.
func (r *ReconciliationReport) AddOrderReport(rec OrderStateRecord) {
	r.orderStates[rec.ClientOrderID] = rec
}

// AddPositionReport inserts rec keyed by its instrument, replacing any
// earlier record for the same instrument.
func (r *ReconciliationReport) AddPositionReport(rec PositionStateRecord) {
	r.positionStates[rec.InstrumentID] = rec
}

// OrderStates returns a copy of the order records keyed by client order ID.
func (r *ReconciliationReport) OrderStates() map[ClientOrderID]OrderStateRecord {
	out := make(map[ClientOrderID]OrderStateRecord, len(r.orderStates))
	for k, v := range r.orderStates {
		out[k] = v
	}
	return out
}

// PositionStates returns a copy of the position records keyed by instrument.
func (r *ReconciliationReport) PositionStates() map[InstrumentID]PositionStateRecord {
	out := make(map[InstrumentID]PositionStateRecord, len(r.positionStates))
	for k, v := range r.positionStates {
		out[k] = v
	}
	return out
}

// Order returns the record for the given client order ID, if present.
func (r *ReconciliationReport) Order(id ClientOrderID) (OrderStateRecord, bool) {
	rec, ok := r.orderStates[id]
	return rec, ok
}

// Position returns the record for the given instrument, if present.
func (r *ReconciliationReport) Position(id InstrumentID) (PositionStateRecord, bool) {
	rec, ok := r.positionStates[id]
	return rec, ok
}

// OrderCount returns the number of distinct orders in the report.
func (r *ReconciliationReport) OrderCount() int { return len(r.orderStates) }

// PositionCount returns the number of distinct instruments in the report.
func (r *ReconciliationReport) PositionCount() int { return len(r.positionStates) }

// ClientOrderIDs returns the report's order keys in sorted order.
func (r *ReconciliationReport) ClientOrderIDs() []ClientOrderID {
	ids := make([]ClientOrderID, 0, len(r.orderStates))
	for id := range r.orderStates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// InstrumentIDs returns the report's position keys in sorted order.
func (r *ReconciliationReport) InstrumentIDs() []InstrumentID {
	ids := make([]InstrumentID, 0, len(r.positionStates))
	for id := range r.positionStates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
