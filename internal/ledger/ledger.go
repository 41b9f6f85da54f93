// Package ledger tracks the engine's local belief about orders and positions
// for a single account.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exec_reconciler/internal/core"
	apperrors "exec_reconciler/pkg/errors"
)

// trackedOrder pairs an order record with the quantity originally requested.
// A zero original quantity means unknown, which happens when an orphan is
// adopted from a venue report.
type trackedOrder struct {
	rec         core.OrderStateRecord
	originalQty decimal.Decimal
}

// Ledger is the locally tracked execution state for one account. Engine-side
// updates and reconciliation corrections both land here; the reconciler
// serializes its diff-and-correct step so corrections never interleave with
// each other.
type Ledger struct {
	accountID core.AccountID
	logger    core.ILogger

	mu        sync.RWMutex
	orders    map[core.ClientOrderID]trackedOrder
	positions map[core.InstrumentID]core.PositionStateRecord
}

// New returns an empty ledger for the given account.
func New(accountID core.AccountID, logger core.ILogger) *Ledger {
	return &Ledger{
		accountID: accountID,
		logger:    logger.WithField("account_id", accountID.String()),
		orders:    make(map[core.ClientOrderID]trackedOrder),
		positions: make(map[core.InstrumentID]core.PositionStateRecord),
	}
}

// AccountID returns the account this ledger tracks.
func (l *Ledger) AccountID() core.AccountID { return l.accountID }

// TrackOrder registers an order the engine has submitted. Re-tracking an
// existing client order ID replaces the record. A positive originalQty bounds
// the cumulative fill; zero means unknown.
func (l *Ledger) TrackOrder(rec core.OrderStateRecord, originalQty decimal.Decimal) error {
	if rec.ClientOrderID == "" {
		return core.ValidationError{Field: "client_order_id", Value: "", Message: "must not be empty"}
	}
	if !rec.State.Valid() {
		return core.ValidationError{Field: "state", Value: int(rec.State), Message: "not a member of the order state set"}
	}
	if originalQty.IsNegative() {
		return core.ValidationError{Field: "original_qty", Value: originalQty.String(), Message: "must not be negative"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if originalQty.IsPositive() && rec.FilledQty.GreaterThan(originalQty) {
		l.logger.Warn("tracked order filled beyond original quantity",
			"client_order_id", rec.ClientOrderID.String(),
			"filled_qty", rec.FilledQty.String(),
			"original_qty", originalQty.String())
	}
	l.orders[rec.ClientOrderID] = trackedOrder{rec: rec, originalQty: originalQty}
	return nil
}

// ApplyOrderUpdate replaces the record for an already tracked order, keeping
// the original quantity. Unknown orders return ErrOrderNotFound so the caller
// can decide whether to adopt them.
func (l *Ledger) ApplyOrderUpdate(rec core.OrderStateRecord) error {
	if !rec.State.Valid() {
		return core.ValidationError{Field: "state", Value: int(rec.State), Message: "not a member of the order state set"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.orders[rec.ClientOrderID]
	if !ok {
		return fmt.Errorf("apply update for %s: %w", rec.ClientOrderID, apperrors.ErrOrderNotFound)
	}
	l.checkFillBoundsLocked(existing, rec)
	existing.rec = rec
	l.orders[rec.ClientOrderID] = existing
	return nil
}

// RemoveOrder drops an order from tracking entirely. Normal flow keeps
// terminal orders until pruned so venue reports that still carry them do not
// read as orphans.
func (l *Ledger) RemoveOrder(id core.ClientOrderID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.orders, id)
}

// UpsertPosition replaces the tracked exposure for an instrument. Flat
// records are kept, not deleted, so the instrument stays visible to the diff.
func (l *Ledger) UpsertPosition(rec core.PositionStateRecord) error {
	if _, err := core.NewPositionStateRecord(rec.InstrumentID, rec.Side, rec.Quantity, rec.Timestamp); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[rec.InstrumentID] = rec
	return nil
}

// Snapshot returns a deep copy of the ledger for a diff pass.
func (l *Ledger) Snapshot() core.LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := core.LedgerSnapshot{
		AccountID: l.accountID,
		TakenAt:   time.Now().UTC(),
		Orders:    make(map[core.ClientOrderID]core.OrderStateRecord, len(l.orders)),
		Positions: make(map[core.InstrumentID]core.PositionStateRecord, len(l.positions)),
	}
	for id, tracked := range l.orders {
		snap.Orders[id] = tracked.rec
	}
	for id, rec := range l.positions {
		snap.Positions[id] = rec
	}
	return snap
}

// Restore replaces the ledger contents with a persisted snapshot. Used once
// at startup before any engine updates flow.
func (l *Ledger) Restore(snap core.LedgerSnapshot) error {
	if snap.AccountID != l.accountID {
		return core.ValidationError{Field: "account_id", Value: snap.AccountID.String(), Message: "snapshot belongs to a different account"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.orders = make(map[core.ClientOrderID]trackedOrder, len(snap.Orders))
	for id, rec := range snap.Orders {
		l.orders[id] = trackedOrder{rec: rec}
	}
	l.positions = make(map[core.InstrumentID]core.PositionStateRecord, len(snap.Positions))
	for id, rec := range snap.Positions {
		l.positions[id] = rec
	}
	return nil
}

// ApplyCorrection adopts the venue's side of a discrepancy into the ledger.
// Callers only invoke this under a venue-authoritative policy.
func (l *Ledger) ApplyCorrection(d core.Discrepancy) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch d.Scope {
	case core.ScopeOrder:
		return l.correctOrderLocked(d)
	case core.ScopePosition:
		return l.correctPositionLocked(d)
	default:
		return core.ValidationError{Field: "scope", Value: int(d.Scope), Message: "unknown discrepancy scope"}
	}
}

func (l *Ledger) correctOrderLocked(d core.Discrepancy) error {
	switch d.Kind {
	case core.DiscrepancyOrphan, core.DiscrepancyConflictingState:
		if d.VenueOrder == nil {
			return core.ValidationError{Field: "venue_order", Value: nil, Message: "required for order correction"}
		}
		rec := core.OrderStateRecord{
			ClientOrderID: d.ClientOrderID,
			VenueOrderID:  d.VenueOrder.VenueOrderID,
			State:         d.VenueOrder.State,
			FilledQty:     d.VenueOrder.FilledQty,
			Timestamp:     d.ObservedAt,
		}
		existing, ok := l.orders[d.ClientOrderID]
		if ok {
			l.checkFillBoundsLocked(existing, rec)
			existing.rec = rec
			l.orders[d.ClientOrderID] = existing
		} else {
			// Orphan adoption: the original quantity is unknown.
			l.orders[d.ClientOrderID] = trackedOrder{rec: rec}
		}
		return nil

	case core.DiscrepancyStale:
		// The venue no longer knows this order, so it cannot be working.
		existing, ok := l.orders[d.ClientOrderID]
		if !ok {
			return fmt.Errorf("stale correction for %s: %w", d.ClientOrderID, apperrors.ErrOrderNotFound)
		}
		existing.rec.State = core.OrderStateCanceled
		existing.rec.Timestamp = d.ObservedAt
		l.orders[d.ClientOrderID] = existing
		return nil

	default:
		return core.ValidationError{Field: "kind", Value: d.Kind.String(), Message: "not an order correction"}
	}
}

func (l *Ledger) correctPositionLocked(d core.Discrepancy) error {
	switch d.Kind {
	case core.DiscrepancyOrphan, core.DiscrepancyConflictingQuantity:
		if d.VenuePosition == nil {
			return core.ValidationError{Field: "venue_position", Value: nil, Message: "required for position correction"}
		}
		l.positions[d.InstrumentID] = core.PositionStateRecord{
			InstrumentID: d.InstrumentID,
			Side:         d.VenuePosition.Side,
			Quantity:     d.VenuePosition.Quantity,
			Timestamp:    d.ObservedAt,
		}
		return nil

	case core.DiscrepancyStale:
		// Absent from the venue snapshot means flat at the venue.
		l.positions[d.InstrumentID] = core.FlatPositionRecord(d.InstrumentID, d.ObservedAt)
		return nil

	default:
		return core.ValidationError{Field: "kind", Value: d.Kind.String(), Message: "not a position correction"}
	}
}

// checkFillBoundsLocked warns on fill quantities that regress or exceed the
// original order quantity. The venue record is adopted either way; the
// warning is the consumer-side signal that something upstream misreported.
func (l *Ledger) checkFillBoundsLocked(existing trackedOrder, incoming core.OrderStateRecord) {
	if incoming.FilledQty.LessThan(existing.rec.FilledQty) {
		l.logger.Warn("filled quantity regressed",
			"client_order_id", incoming.ClientOrderID.String(),
			"previous", existing.rec.FilledQty.String(),
			"incoming", incoming.FilledQty.String())
	}
	if existing.originalQty.IsPositive() && incoming.FilledQty.GreaterThan(existing.originalQty) {
		l.logger.Warn("filled quantity exceeds original order quantity",
			"client_order_id", incoming.ClientOrderID.String(),
			"original_qty", existing.originalQty.String(),
			"incoming", incoming.FilledQty.String())
	}
}

// PruneTerminal removes terminal orders whose record timestamp is before the
// cutoff and returns how many were dropped.
func (l *Ledger) PruneTerminal(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for id, tracked := range l.orders {
		if tracked.rec.State.IsTerminal() && tracked.rec.Timestamp.Before(before) {
			delete(l.orders, id)
			pruned++
		}
	}
	return pruned
}

// OpenOrderCount returns the number of tracked orders that can still trade.
func (l *Ledger) OpenOrderCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, tracked := range l.orders {
		if tracked.rec.State.IsOpen() {
			n++
		}
	}
	return n
}

// OrderCount returns the number of tracked orders, terminal ones included.
func (l *Ledger) OrderCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.orders)
}

// PositionCount returns the number of tracked instruments, flat ones
// included.
func (l *Ledger) PositionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// Order returns the tracked record for a client order ID, if present.
func (l *Ledger) Order(id core.ClientOrderID) (core.OrderStateRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tracked, ok := l.orders[id]
	return tracked.rec, ok
}

// Position returns the tracked record for an instrument, if present.
func (l *Ledger) Position(id core.InstrumentID) (core.PositionStateRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.positions[id]
	return rec, ok
}
