package core

// ClientOrderID is the engine-assigned identifier for an order. It is the
// primary key for order state on both sides of a reconciliation.
type ClientOrderID string

func (id ClientOrderID) String() string { return string(id) }

// VenueOrderID is the venue-assigned identifier for an order. Orders the
// venue never acknowledged have none.
type VenueOrderID string

func (id VenueOrderID) String() string { return string(id) }

// AccountID identifies a trading account at a venue.
type AccountID string

func (id AccountID) String() string { return string(id) }

// InstrumentID identifies a tradable instrument, e.g. "BTCUSDT".
type InstrumentID string

func (id InstrumentID) String() string { return string(id) }

// Venue names an execution venue, e.g. "BINANCE".
type Venue string

func (v Venue) String() string { return string(v) }
