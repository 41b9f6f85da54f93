package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DiscrepancyKind classifies how local and venue state disagree.
type DiscrepancyKind int

const (
	DiscrepancyUnspecified DiscrepancyKind = iota
	// DiscrepancyOrphan is venue state with no local counterpart.
	DiscrepancyOrphan
	// DiscrepancyStale is local open state the venue no longer reports.
	DiscrepancyStale
	// DiscrepancyConflictingState is an order both sides know but disagree on
	// lifecycle state or filled quantity.
	DiscrepancyConflictingState
	// DiscrepancyConflictingQuantity is a position both sides know but
	// disagree on side or quantity.
	DiscrepancyConflictingQuantity
)

var discrepancyKindNames = map[DiscrepancyKind]string{
	DiscrepancyOrphan:              "ORPHAN",
	DiscrepancyStale:               "STALE",
	DiscrepancyConflictingState:    "CONFLICTING_STATE",
	DiscrepancyConflictingQuantity: "CONFLICTING_QUANTITY",
}

func (k DiscrepancyKind) String() string {
	if name, ok := discrepancyKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UNSPECIFIED(%d)", int(k))
}

// MarshalJSON emits the canonical name.
func (k DiscrepancyKind) MarshalJSON() ([]byte, error) {
	name, ok := discrepancyKindNames[k]
	if !ok {
		return nil, fmt.Errorf("cannot marshal invalid discrepancy kind %d", int(k))
	}
	return json.Marshal(name)
}

func (k *DiscrepancyKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for kind, n := range discrepancyKindNames {
		if n == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown discrepancy kind %q", name)
}

// DiscrepancyScope says whether a discrepancy concerns an order or a position.
type DiscrepancyScope int

const (
	ScopeOrder DiscrepancyScope = iota
	ScopePosition
)

func (s DiscrepancyScope) String() string {
	if s == ScopePosition {
		return "POSITION"
	}
	return "ORDER"
}

// MarshalJSON emits the canonical name.
func (s DiscrepancyScope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *DiscrepancyScope) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "ORDER":
		*s = ScopeOrder
	case "POSITION":
		*s = ScopePosition
	default:
		return fmt.Errorf("unknown discrepancy scope %q", name)
	}
	return nil
}

// OrderDelta is the order-shaped half of a discrepancy: lifecycle state plus
// cumulative fill as one side believes it.
type OrderDelta struct {
	VenueOrderID VenueOrderID    `json:"venue_order_id,omitempty"`
	State        OrderState      `json:"state"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
}

// PositionDelta is the position-shaped half of a discrepancy.
type PositionDelta struct {
	Side     PositionSide    `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Discrepancy is one detected divergence between the local ledger and a venue
// report. The pair matching Scope is populated: a nil local side marks an
// orphan, a nil venue side marks stale local state, and both present marks a
// conflict.
type Discrepancy struct {
	Kind  DiscrepancyKind  `json:"kind"`
	Scope DiscrepancyScope `json:"scope"`

	AccountID AccountID `json:"account_id"`
	Venue     Venue     `json:"venue"`

	ClientOrderID ClientOrderID `json:"client_order_id,omitempty"`
	LocalOrder    *OrderDelta   `json:"local_order,omitempty"`
	VenueOrder    *OrderDelta   `json:"venue_order,omitempty"`

	InstrumentID  InstrumentID   `json:"instrument_id,omitempty"`
	LocalPosition *PositionDelta `json:"local_position,omitempty"`
	VenuePosition *PositionDelta `json:"venue_position,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
}

// Key returns the identifier the discrepancy is keyed on, regardless of scope.
func (d Discrepancy) Key() string {
	if d.Scope == ScopePosition {
		return d.InstrumentID.String()
	}
	return d.ClientOrderID.String()
}

// String renders a compact one-line description for logs and alerts.
func (d Discrepancy) String() string {
	switch d.Scope {
	case ScopePosition:
		local, venue := "none", "none"
		if d.LocalPosition != nil {
			local = fmt.Sprintf("%s %s", d.LocalPosition.Side, d.LocalPosition.Quantity)
		}
		if d.VenuePosition != nil {
			venue = fmt.Sprintf("%s %s", d.VenuePosition.Side, d.VenuePosition.Quantity)
		}
		return fmt.Sprintf("%s position %s: local %s, venue %s", d.Kind, d.InstrumentID, local, venue)
	default:
		local, venue := "none", "none"
		if d.LocalOrder != nil {
			local = fmt.Sprintf("%s filled %s", d.LocalOrder.State, d.LocalOrder.FilledQty)
		}
		if d.VenueOrder != nil {
			venue = fmt.Sprintf("%s filled %s", d.VenueOrder.State, d.VenueOrder.FilledQty)
		}
		return fmt.Sprintf("%s order %s: local %s, venue %s", d.Kind, d.ClientOrderID, local, venue)
	}
}
