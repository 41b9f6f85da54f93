package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"exec_reconciler/internal/alert"
	"exec_reconciler/internal/core"
	apperrors "exec_reconciler/pkg/errors"
	"exec_reconciler/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultInterval     = 60 * time.Second
	defaultCycleTimeout = 30 * time.Second
)

// Config holds the per-account reconciliation policy.
type Config struct {
	// Interval between periodic cycles.
	Interval time.Duration
	// CycleTimeout bounds a single cycle, venue poll included.
	CycleTimeout time.Duration
	// Policy decides whether corrections are applied or only journaled.
	Policy core.AuthorityPolicy
	// AutoCorrectPct is the position divergence threshold (percent of venue
	// quantity). Divergence at or above it opens the circuit breaker instead
	// of correcting.
	AutoCorrectPct decimal.Decimal
	// PruneAfter drops terminal orders older than this from the ledger after
	// a completed cycle. Zero disables pruning.
	PruneAfter time.Duration
	// StalenessGrace holds stale verdicts on orders updated within this
	// window before the report; an order submitted just before the poll may
	// not be visible in the venue snapshot yet. Zero disables the hold.
	StalenessGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = defaultCycleTimeout
	}
	if c.AutoCorrectPct.IsZero() {
		c.AutoCorrectPct = decimal.NewFromInt(5)
	}
	return c
}

// Reconciler implements the IReconciler interface for one account on one
// venue. Each cycle polls the venue for a complete execution-state report,
// diffs it against the local ledger and corrects the ledger per policy.
type Reconciler struct {
	venue   core.IVenueAdapter
	ledger  core.ILedger
	journal core.IDiscrepancyJournal // Optional
	breaker core.ICircuitBreaker     // Optional
	store   core.ILedgerStore        // Optional
	events  core.IEventPublisher     // Optional
	alerts  *alert.AlertManager      // Optional
	logger  core.ILogger
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	// Status tracking
	lastStatus core.ReconciliationStatus
	statusMu   sync.RWMutex
}

// NewReconciler creates a new reconciler for the ledger's account.
func NewReconciler(
	venue core.IVenueAdapter,
	ledger core.ILedger,
	logger core.ILogger,
	cfg Config,
) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		venue:  venue,
		ledger: ledger,
		logger: logger.WithFields(map[string]interface{}{
			"component":  "reconciler",
			"account_id": ledger.AccountID().String(),
			"venue":      venue.Name().String(),
		}),
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		lastStatus: core.ReconciliationStatus{
			AccountID: ledger.AccountID(),
			Venue:     venue.Name(),
			State:     core.CycleNeverRun,
		},
	}
}

// SetJournal sets the durable discrepancy journal.
func (r *Reconciler) SetJournal(j core.IDiscrepancyJournal) {
	r.journal = j
}

// SetCircuitBreaker sets the circuit breaker for the reconciler.
func (r *Reconciler) SetCircuitBreaker(cb core.ICircuitBreaker) {
	r.breaker = cb
}

// SetStore sets the ledger snapshot store used after corrected cycles.
func (r *Reconciler) SetStore(s core.ILedgerStore) {
	r.store = s
}

// SetPublisher sets the event publisher for discrepancy and status events.
func (r *Reconciler) SetPublisher(p core.IEventPublisher) {
	r.events = p
}

// SetAlertManager sets the alert manager for correction and halt alerts.
func (r *Reconciler) SetAlertManager(am *alert.AlertManager) {
	r.alerts = am
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler", "interval", r.cfg.Interval, "policy", r.cfg.Policy.String())

	r.wg.Add(1)
	go r.runLoop()

	return nil
}

// Stop stops the reconciler
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.CycleTimeout)
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconciliation cycle failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// Reconcile performs a single reconciliation cycle
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cycleID := uuid.NewString()
	startTime := time.Now()
	account := r.ledger.AccountID()
	metrics := telemetry.GetGlobalMetrics()

	r.statusMu.Lock()
	r.lastStatus = core.ReconciliationStatus{
		AccountID: account,
		Venue:     r.venue.Name(),
		CycleID:   cycleID,
		State:     core.CycleRunning,
		StartedAt: startTime,
	}
	r.statusMu.Unlock()

	// Skip the cycle while the breaker is open: the book is halted and
	// corrections on top of a halt would hide the divergence that caused it.
	if r.breaker != nil && r.breaker.IsTripped() {
		r.logger.Warn("Skipping reconciliation cycle, circuit breaker open",
			"reason", r.breaker.Status().Reason)
		r.finishCycle(core.CycleSkipped, "")
		metrics.RecordCycle(ctx, account.String(), string(core.CycleSkipped))
		return nil
	}

	r.logger.Info("Starting reconciliation cycle", "cycle_id", cycleID)

	pollStart := time.Now()
	report, err := r.venue.PollState(ctx, account)
	metrics.ObservePollLatency(ctx, r.venue.Name().String(), float64(time.Since(pollStart).Milliseconds()))
	if err == nil && report == nil {
		err = apperrors.ErrReportIncomplete
	}
	if err == nil && report.AccountID != account {
		err = fmt.Errorf("venue report for account %s, expected %s", report.AccountID, account)
	}
	if err != nil {
		if r.breaker != nil {
			r.breaker.RecordCycle(false)
		}
		r.finishCycle(core.CycleFailed, err.Error())
		metrics.RecordCycle(ctx, account.String(), string(core.CycleFailed))
		return fmt.Errorf("failed to poll venue state: %w", err)
	}

	local := r.ledger.Snapshot()
	discrepancies := r.holdInFlight(Diff(report, local), local, report.Timestamp)

	for _, d := range discrepancies {
		r.logger.Warn("Discrepancy detected", "cycle_id", cycleID, "detail", d.String())
		metrics.RecordDiscrepancy(ctx, account.String(), d.Kind.String(), d.Scope.String())
		if r.journal != nil {
			if jerr := r.journal.Append(ctx, d); jerr != nil {
				r.logger.Error("Failed to journal discrepancy", "key", d.Key(), "error", jerr)
			}
		}
		if r.events != nil {
			r.events.PublishDiscrepancy(d)
		}
	}

	corrections := r.applyCorrections(ctx, discrepancies)

	if r.breaker != nil {
		r.breaker.RecordCycle(true)
	}

	metrics.SetOpenOrders(account.String(), int64(r.ledger.OpenOrderCount()))
	metrics.SetTrackedPositions(account.String(), int64(r.ledger.PositionCount()))

	if corrections > 0 && r.store != nil {
		if serr := r.store.SaveSnapshot(ctx, r.ledger.Snapshot()); serr != nil {
			r.logger.Error("Failed to persist ledger snapshot", "error", serr)
		}
	}

	if r.cfg.PruneAfter > 0 {
		if pruned := r.ledger.PruneTerminal(time.Now().Add(-r.cfg.PruneAfter)); pruned > 0 {
			r.logger.Debug("Pruned terminal orders", "count", pruned)
		}
	}

	r.statusMu.Lock()
	r.lastStatus.OrdersChecked = len(unionOrderIDs(report.OrderStates(), local.Orders))
	r.lastStatus.PositionsChecked = len(unionInstrumentIDs(report.PositionStates(), local.Positions))
	r.lastStatus.Discrepancies = len(discrepancies)
	r.lastStatus.Corrections = corrections
	r.statusMu.Unlock()
	r.finishCycle(core.CycleCompleted, "")

	metrics.RecordCycle(ctx, account.String(), string(core.CycleCompleted))
	metrics.ObserveCycleDuration(ctx, account.String(), time.Since(startTime).Seconds())

	if corrections > 0 && r.alerts != nil {
		r.alerts.Alert(ctx, "Ledger corrections applied",
			fmt.Sprintf("Reconciliation corrected %d of %d discrepancies against %s", corrections, len(discrepancies), r.venue.Name()),
			alert.Warning, map[string]string{
				"account_id": account.String(),
				"cycle_id":   cycleID,
			})
	}

	r.logger.Info("Reconciliation cycle completed",
		"cycle_id", cycleID,
		"discrepancies", len(discrepancies),
		"corrections", corrections)
	return nil
}

// applyCorrections rewrites the ledger from the venue side of each
// discrepancy. Under a local-authoritative policy nothing is touched; the
// discrepancies have already been journaled and published.
func (r *Reconciler) applyCorrections(ctx context.Context, discrepancies []core.Discrepancy) int {
	if len(discrepancies) == 0 {
		return 0
	}
	if r.cfg.Policy == core.LocalAuthoritative {
		r.logger.Info("Local-authoritative policy, corrections suppressed", "count", len(discrepancies))
		return 0
	}

	corrected := 0
	for _, d := range discrepancies {
		if d.Scope == core.ScopePosition && d.Kind == core.DiscrepancyConflictingQuantity {
			if !r.positionWithinTolerance(ctx, d) {
				continue
			}
		}
		if err := r.ledger.ApplyCorrection(d); err != nil {
			r.logger.Error("Failed to apply correction", "key", d.Key(), "error", err)
			continue
		}
		corrected++
		if d.Scope == core.ScopePosition {
			telemetry.GetGlobalMetrics().SetPositionDivergence(d.InstrumentID.String(), 0)
		}
	}
	if corrected > 0 {
		telemetry.GetGlobalMetrics().RecordCorrections(ctx, r.ledger.AccountID().String(), int64(corrected))
	}
	return corrected
}

// holdInFlight drops stale order verdicts for orders updated inside the
// grace window. The venue snapshot may simply not include them yet; the next
// cycle settles whichever way is true.
func (r *Reconciler) holdInFlight(discrepancies []core.Discrepancy, local core.LedgerSnapshot, reportTS time.Time) []core.Discrepancy {
	if r.cfg.StalenessGrace <= 0 {
		return discrepancies
	}
	kept := discrepancies[:0]
	for _, d := range discrepancies {
		if d.Kind == core.DiscrepancyStale && d.Scope == core.ScopeOrder {
			if rec, ok := local.Orders[d.ClientOrderID]; ok && reportTS.Sub(rec.Timestamp) < r.cfg.StalenessGrace {
				r.logger.Debug("Holding stale verdict inside grace window",
					"client_order_id", d.ClientOrderID,
					"age", reportTS.Sub(rec.Timestamp).String())
				continue
			}
		}
		kept = append(kept, d)
	}
	return kept
}

// positionWithinTolerance gates quantity-conflict corrections. A venue-flat
// report always passes: the position is closed at the venue and relative
// divergence against a zero quantity is meaningless. For live venue positions
// a divergence at or above the threshold opens the circuit breaker instead of
// silently rewriting the book.
func (r *Reconciler) positionWithinTolerance(ctx context.Context, d core.Discrepancy) bool {
	venueQty := signedDeltaQty(d.VenuePosition)
	if venueQty.IsZero() {
		return true
	}

	divergencePct := venueQty.Sub(signedDeltaQty(d.LocalPosition)).Abs().
		Div(venueQty.Abs()).Mul(decimal.NewFromInt(100))
	telemetry.GetGlobalMetrics().SetPositionDivergence(d.InstrumentID.String(), divergencePct.InexactFloat64())

	if divergencePct.LessThan(r.cfg.AutoCorrectPct) {
		r.logger.Info("Auto-correcting position divergence",
			"instrument", d.InstrumentID,
			"divergence_pct", divergencePct)
		return true
	}

	r.logger.Error("CRITICAL: Large position divergence detected, halting reconciliation",
		"instrument", d.InstrumentID,
		"divergence_pct", divergencePct)
	if r.breaker != nil {
		r.breaker.Open(fmt.Sprintf("position divergence %s%% on %s", divergencePct.StringFixed(2), d.InstrumentID))
	} else {
		r.logger.Error("Circuit breaker not configured, cannot halt reconciliation")
	}
	if r.alerts != nil {
		r.alerts.Alert(ctx, "Position divergence beyond tolerance", d.String(),
			alert.Critical, map[string]string{
				"account_id":     r.ledger.AccountID().String(),
				"instrument_id":  d.InstrumentID.String(),
				"divergence_pct": divergencePct.StringFixed(2),
			})
	}
	return false
}

func signedDeltaQty(p *core.PositionDelta) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	if p.Side == core.PositionSideShort {
		return p.Quantity.Neg()
	}
	return p.Quantity
}

func (r *Reconciler) finishCycle(state core.CycleState, errMsg string) {
	r.statusMu.Lock()
	r.lastStatus.State = state
	r.lastStatus.CompletedAt = time.Now()
	r.lastStatus.Error = errMsg
	status := r.lastStatus
	r.statusMu.Unlock()

	if r.events != nil {
		r.events.PublishCycleStatus(status)
	}
}

// OnStreamUpdate applies an incremental order update from the venue's user
// stream. Updates are serialized with cycles so a cycle never diffs against a
// half-applied stream event. Untracked orders are adopted, matching the
// orphan handling in the diff path.
func (r *Reconciler) OnStreamUpdate(rec core.OrderStateRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.ledger.ApplyOrderUpdate(rec)
	if err == nil {
		return
	}
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		r.logger.Warn("Stream update for untracked order, adopting",
			"client_order_id", rec.ClientOrderID,
			"state", rec.State.String())
		if terr := r.ledger.TrackOrder(rec, decimal.Zero); terr != nil {
			r.logger.Error("Failed to adopt streamed order",
				"client_order_id", rec.ClientOrderID, "error", terr)
		}
		return
	}
	r.logger.Error("Failed to apply stream update",
		"client_order_id", rec.ClientOrderID, "error", err)
}

// StartStream subscribes to the venue's incremental order updates.
func (r *Reconciler) StartStream(ctx context.Context) error {
	return r.venue.StartOrderStream(ctx, r.OnStreamUpdate)
}

// StopStream tears down the venue subscription.
func (r *Reconciler) StopStream() error {
	return r.venue.StopOrderStream()
}

// Status returns a snapshot of the most recent cycle.
func (r *Reconciler) Status() core.ReconciliationStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastStatus
}

// CircuitStatus reports the breaker state, false when none is configured.
func (r *Reconciler) CircuitStatus() (core.CircuitStatus, bool) {
	if r.breaker == nil {
		return core.CircuitStatus{}, false
	}
	return r.breaker.Status(), true
}

// ResetBreaker closes the breaker so cycles resume, false when none is
// configured.
func (r *Reconciler) ResetBreaker() bool {
	if r.breaker == nil {
		return false
	}
	r.breaker.Reset()
	r.logger.Warn("Circuit breaker reset by operator")
	return true
}

// TriggerManual triggers a manual reconciliation immediately
func (r *Reconciler) TriggerManual(ctx context.Context) error {
	r.logger.Info("Manual reconciliation triggered")
	return r.Reconcile(ctx)
}
