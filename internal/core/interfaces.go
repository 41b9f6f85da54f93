// Package core defines the domain model and component interfaces for the
// reconciliation service
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IVenueAdapter defines the interface for execution venues
type IVenueAdapter interface {
	// Identity
	Name() Venue
	CheckHealth(ctx context.Context) error

	// PollState fetches a complete execution-state snapshot for the account.
	// It returns a full report or an error, never a partial report.
	PollState(ctx context.Context, accountID AccountID) (*ReconciliationReport, error)

	// Incremental updates between polls
	StartOrderStream(ctx context.Context, callback func(OrderStateRecord)) error
	StopOrderStream() error
}

// ILedger defines the interface for locally tracked execution state
type ILedger interface {
	AccountID() AccountID

	// Engine-side bookkeeping
	TrackOrder(rec OrderStateRecord, originalQty decimal.Decimal) error
	ApplyOrderUpdate(rec OrderStateRecord) error
	RemoveOrder(id ClientOrderID)
	UpsertPosition(rec PositionStateRecord) error

	// Reconciliation surface
	Snapshot() LedgerSnapshot
	Restore(snap LedgerSnapshot) error
	ApplyCorrection(d Discrepancy) error
	PruneTerminal(before time.Time) int

	OpenOrderCount() int
	PositionCount() int
}

// IReconciler defines the interface for execution-state reconciliation
type IReconciler interface {
	Start(ctx context.Context) error
	Stop() error
	Reconcile(ctx context.Context) error
	Status() ReconciliationStatus
	TriggerManual(ctx context.Context) error
}

// ICircuitBreaker defines the interface for reconciliation circuit breakers
type ICircuitBreaker interface {
	IsTripped() bool
	RecordCycle(success bool)
	Open(reason string)
	Reset()
	Status() CircuitStatus
}

// IEventPublisher defines the interface for pushing reconciliation events to
// downstream consumers (live feed, engine event bus)
type IEventPublisher interface {
	PublishDiscrepancy(d Discrepancy)
	PublishCycleStatus(status ReconciliationStatus)
}

// IDiscrepancyJournal defines the interface for durable discrepancy history
type IDiscrepancyJournal interface {
	Append(ctx context.Context, d Discrepancy) error
	Recent(ctx context.Context, limit int) ([]Discrepancy, error)
	Close() error
}

// ILedgerStore defines the interface for ledger snapshot persistence
type ILedgerStore interface {
	SaveSnapshot(ctx context.Context, snap LedgerSnapshot) error
	LoadSnapshot(ctx context.Context, accountID AccountID) (*LedgerSnapshot, error)
	Close() error
}

// IHealthMonitor defines the interface for health monitoring. Checks take a
// context because venue probes go over the network.
type IHealthMonitor interface {
	Register(component string, check func(ctx context.Context) error)
	GetStatus(ctx context.Context) map[string]string
	IsHealthy(ctx context.Context) bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
