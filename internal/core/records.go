package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationError represents a record field that failed validation
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// OrderStateRecord is one side's belief about a single order: lifecycle state
// and cumulative filled quantity at a point in time.
type OrderStateRecord struct {
	ClientOrderID ClientOrderID   `json:"client_order_id"`
	VenueOrderID  VenueOrderID    `json:"venue_order_id,omitempty"`
	State         OrderState      `json:"state"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewOrderStateRecord builds a validated order record. VenueOrderID may be
// empty for orders the venue never acknowledged.
func NewOrderStateRecord(clientOrderID ClientOrderID, venueOrderID VenueOrderID, state OrderState, filledQty decimal.Decimal, timestamp time.Time) (OrderStateRecord, error) {
	if clientOrderID == "" {
		return OrderStateRecord{}, ValidationError{Field: "client_order_id", Value: clientOrderID, Message: "must not be empty"}
	}
	if !state.Valid() {
		return OrderStateRecord{}, ValidationError{Field: "state", Value: int(state), Message: "not a member of the order state set"}
	}
	if filledQty.IsNegative() {
		return OrderStateRecord{}, ValidationError{Field: "filled_qty", Value: filledQty.String(), Message: "must not be negative"}
	}
	return OrderStateRecord{
		ClientOrderID: clientOrderID,
		VenueOrderID:  venueOrderID,
		State:         state,
		FilledQty:     filledQty,
		Timestamp:     timestamp,
	}, nil
}

// Equal reports whether two records describe the same order state. Timestamps
// are ignored: local and venue clocks never agree, and the diff cares about
// state, not observation time. Quantities compare by value.
func (r OrderStateRecord) Equal(other OrderStateRecord) bool {
	return r.ClientOrderID == other.ClientOrderID &&
		r.State == other.State &&
		r.FilledQty.Equal(other.FilledQty)
}

// PositionStateRecord is one side's belief about net exposure in a single
// instrument. Quantity is the unsigned magnitude; Side carries direction.
type PositionStateRecord struct {
	InstrumentID InstrumentID    `json:"instrument_id"`
	Side         PositionSide    `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Timestamp    time.Time       `json:"timestamp"`
}

// NewPositionStateRecord builds a validated position record, enforcing the
// side/quantity coupling: quantity is zero exactly when the side is FLAT.
func NewPositionStateRecord(instrumentID InstrumentID, side PositionSide, quantity decimal.Decimal, timestamp time.Time) (PositionStateRecord, error) {
	if instrumentID == "" {
		return PositionStateRecord{}, ValidationError{Field: "instrument_id", Value: instrumentID, Message: "must not be empty"}
	}
	if !side.Valid() {
		return PositionStateRecord{}, ValidationError{Field: "side", Value: int(side), Message: "not a member of the position side set"}
	}
	if quantity.IsNegative() {
		return PositionStateRecord{}, ValidationError{Field: "quantity", Value: quantity.String(), Message: "must not be negative; side carries direction"}
	}
	if quantity.IsZero() && side != PositionSideFlat {
		return PositionStateRecord{}, ValidationError{Field: "side", Value: side.String(), Message: "zero quantity requires FLAT side"}
	}
	if !quantity.IsZero() && side == PositionSideFlat {
		return PositionStateRecord{}, ValidationError{Field: "quantity", Value: quantity.String(), Message: "FLAT side requires zero quantity"}
	}
	return PositionStateRecord{
		InstrumentID: instrumentID,
		Side:         side,
		Quantity:     quantity,
		Timestamp:    timestamp,
	}, nil
}

// FlatPositionRecord returns the canonical empty position for an instrument.
func FlatPositionRecord(instrumentID InstrumentID, timestamp time.Time) PositionStateRecord {
	return PositionStateRecord{
		InstrumentID: instrumentID,
		Side:         PositionSideFlat,
		Quantity:     decimal.Zero,
		Timestamp:    timestamp,
	}
}

// Equal reports whether two records describe the same exposure. Timestamps
// are ignored for the same reason as OrderStateRecord.Equal.
func (r PositionStateRecord) Equal(other PositionStateRecord) bool {
	return r.InstrumentID == other.InstrumentID &&
		r.Side == other.Side &&
		r.Quantity.Equal(other.Quantity)
}

// SignedQuantity returns the quantity with LONG positive and SHORT negative.
func (r PositionStateRecord) SignedQuantity() decimal.Decimal {
	if r.Side == PositionSideShort {
		return r.Quantity.Neg()
	}
	return r.Quantity
}
