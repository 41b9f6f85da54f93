package core

import (
	"fmt"
	"sort"
	"time"
)

// AuthorityPolicy decides which side wins when local and venue state conflict.
type AuthorityPolicy int

const (
	// VenueAuthoritative adopts the venue record on every conflict.
	VenueAuthoritative AuthorityPolicy = iota
	// LocalAuthoritative journals discrepancies without touching the ledger,
	// for windows where the venue's own reporting is suspect.
	LocalAuthoritative
)

func (p AuthorityPolicy) String() string {
	if p == LocalAuthoritative {
		return "local"
	}
	return "venue"
}

// ParseAuthorityPolicy maps the config spelling onto a policy. An empty
// string selects the default venue-authoritative behavior.
func ParseAuthorityPolicy(s string) (AuthorityPolicy, error) {
	switch s {
	case "", "venue":
		return VenueAuthoritative, nil
	case "local":
		return LocalAuthoritative, nil
	default:
		return VenueAuthoritative, fmt.Errorf("unknown authority policy %q", s)
	}
}

// LedgerSnapshot is a point-in-time deep copy of one account's tracked state,
// taken under the ledger lock for a diff pass.
type LedgerSnapshot struct {
	AccountID AccountID                            `json:"account_id"`
	TakenAt   time.Time                            `json:"taken_at"`
	Orders    map[ClientOrderID]OrderStateRecord   `json:"orders"`
	Positions map[InstrumentID]PositionStateRecord `json:"positions"`
}

// ClientOrderIDs returns the snapshot's order keys in sorted order.
func (s LedgerSnapshot) ClientOrderIDs() []ClientOrderID {
	ids := make([]ClientOrderID, 0, len(s.Orders))
	for id := range s.Orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// InstrumentIDs returns the snapshot's position keys in sorted order.
func (s LedgerSnapshot) InstrumentIDs() []InstrumentID {
	ids := make([]InstrumentID, 0, len(s.Positions))
	for id := range s.Positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CycleState is the coarse state of a reconciliation cycle.
type CycleState string

const (
	CycleNeverRun  CycleState = "never_run"
	CycleRunning   CycleState = "running"
	CycleCompleted CycleState = "completed"
	CycleFailed    CycleState = "failed"
	CycleSkipped   CycleState = "skipped"
)

// ReconciliationStatus is a snapshot of the most recent reconciliation cycle
// for one account.
type ReconciliationStatus struct {
	AccountID        AccountID  `json:"account_id"`
	Venue            Venue      `json:"venue"`
	CycleID          string     `json:"cycle_id,omitempty"`
	State            CycleState `json:"state"`
	StartedAt        time.Time  `json:"started_at,omitzero"`
	CompletedAt      time.Time  `json:"completed_at,omitzero"`
	OrdersChecked    int        `json:"orders_checked"`
	PositionsChecked int        `json:"positions_checked"`
	Discrepancies    int        `json:"discrepancies"`
	Corrections      int        `json:"corrections"`
	Error            string     `json:"error,omitempty"`
}

// CircuitStatus is a snapshot of a reconciliation circuit breaker.
type CircuitStatus struct {
	Tripped      bool      `json:"tripped"`
	Reason       string    `json:"reason,omitempty"`
	TrippedAt    time.Time `json:"tripped_at,omitzero"`
	ResetAfter   time.Time `json:"reset_after,omitzero"`
	FailedCycles int       `json:"failed_cycles"`
}
