package core

import (
	"encoding/json"
	"fmt"
)

// OrderState is the lifecycle state of an order as understood by either side
// of a reconciliation. The set is closed: adapters must map every venue
// status onto one of these values or fail the poll.
type OrderState int

const (
	OrderStateUnspecified OrderState = iota
	OrderStateSubmitted
	OrderStateAccepted
	OrderStatePartiallyFilled
	OrderStateFilled
	OrderStateCanceled
	OrderStateRejected
	OrderStateExpired
)

var orderStateNames = map[OrderState]string{
	OrderStateSubmitted:       "SUBMITTED",
	OrderStateAccepted:        "ACCEPTED",
	OrderStatePartiallyFilled: "PARTIALLY_FILLED",
	OrderStateFilled:          "FILLED",
	OrderStateCanceled:        "CANCELED",
	OrderStateRejected:        "REJECTED",
	OrderStateExpired:         "EXPIRED",
}

func (s OrderState) String() string {
	if name, ok := orderStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNSPECIFIED(%d)", int(s))
}

// Valid reports whether s is a member of the closed state set.
func (s OrderState) Valid() bool {
	_, ok := orderStateNames[s]
	return ok
}

// IsTerminal reports whether no further lifecycle transitions are possible.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected, OrderStateExpired:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the order can still trade or be canceled.
func (s OrderState) IsOpen() bool {
	switch s {
	case OrderStateSubmitted, OrderStateAccepted, OrderStatePartiallyFilled:
		return true
	default:
		return false
	}
}

// ParseOrderState maps the canonical spelling back to an OrderState.
func ParseOrderState(s string) (OrderState, error) {
	for state, name := range orderStateNames {
		if name == s {
			return state, nil
		}
	}
	return OrderStateUnspecified, fmt.Errorf("unknown order state %q", s)
}

// MarshalJSON emits the canonical name so journal entries and feed messages
// stay readable.
func (s OrderState) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid order state %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *OrderState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseOrderState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PositionSide is the direction of net exposure in an instrument. The zero
// value is FLAT, so a zero-value position record is internally consistent.
type PositionSide int

const (
	PositionSideFlat PositionSide = iota
	PositionSideLong
	PositionSideShort
)

var positionSideNames = map[PositionSide]string{
	PositionSideFlat:  "FLAT",
	PositionSideLong:  "LONG",
	PositionSideShort: "SHORT",
}

func (s PositionSide) String() string {
	if name, ok := positionSideNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNSPECIFIED(%d)", int(s))
}

// Valid reports whether s is one of FLAT, LONG, SHORT.
func (s PositionSide) Valid() bool {
	_, ok := positionSideNames[s]
	return ok
}

// ParsePositionSide maps the canonical spelling back to a PositionSide.
func ParsePositionSide(s string) (PositionSide, error) {
	for side, name := range positionSideNames {
		if name == s {
			return side, nil
		}
	}
	return PositionSideFlat, fmt.Errorf("unknown position side %q", s)
}

// MarshalJSON emits the canonical name.
func (s PositionSide) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid position side %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *PositionSide) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParsePositionSide(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
