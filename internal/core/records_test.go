package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrderStateRecord_Valid(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec, err := NewOrderStateRecord("O-1", "V-1", OrderStatePartiallyFilled, decimal.NewFromInt(5), ts)
	require.NoError(t, err)

	assert.Equal(t, ClientOrderID("O-1"), rec.ClientOrderID)
	assert.Equal(t, VenueOrderID("V-1"), rec.VenueOrderID)
	assert.Equal(t, OrderStatePartiallyFilled, rec.State)
	assert.True(t, rec.FilledQty.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, ts, rec.Timestamp)
}

func TestNewOrderStateRecord_NoVenueOrderID(t *testing.T) {
	// An order the venue never acknowledged has no venue-assigned ID.
	rec, err := NewOrderStateRecord("O-2", "", OrderStateSubmitted, decimal.Zero, time.Now())
	require.NoError(t, err)
	assert.Equal(t, VenueOrderID(""), rec.VenueOrderID)
}

func TestNewOrderStateRecord_Invalid(t *testing.T) {
	tests := []struct {
		name          string
		clientOrderID ClientOrderID
		state         OrderState
		filledQty     decimal.Decimal
		wantField     string
	}{
		{
			name:          "empty client order id",
			clientOrderID: "",
			state:         OrderStateAccepted,
			filledQty:     decimal.Zero,
			wantField:     "client_order_id",
		},
		{
			name:          "unspecified state",
			clientOrderID: "O-1",
			state:         OrderStateUnspecified,
			filledQty:     decimal.Zero,
			wantField:     "state",
		},
		{
			name:          "out of range state",
			clientOrderID: "O-1",
			state:         OrderState(99),
			filledQty:     decimal.Zero,
			wantField:     "state",
		},
		{
			name:          "negative filled qty",
			clientOrderID: "O-1",
			state:         OrderStateAccepted,
			filledQty:     decimal.NewFromInt(-1),
			wantField:     "filled_qty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOrderStateRecord(tt.clientOrderID, "", tt.state, tt.filledQty, time.Now())
			require.Error(t, err)

			var verr ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestOrderStateRecord_EqualIgnoresTimestamp(t *testing.T) {
	a, err := NewOrderStateRecord("O-1", "V-1", OrderStateFilled, decimal.NewFromInt(10), time.Now())
	require.NoError(t, err)
	b, err := NewOrderStateRecord("O-1", "V-2", OrderStateFilled, decimal.NewFromFloat(10.0), time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, a.Equal(b), "records equal in state and fill should compare equal")

	b.State = OrderStatePartiallyFilled
	assert.False(t, a.Equal(b))
}

func TestNewPositionStateRecord_SideQuantityCoupling(t *testing.T) {
	tests := []struct {
		name     string
		side     PositionSide
		quantity decimal.Decimal
		wantErr  bool
	}{
		{name: "long with quantity", side: PositionSideLong, quantity: decimal.NewFromInt(2), wantErr: false},
		{name: "short with quantity", side: PositionSideShort, quantity: decimal.NewFromFloat(0.5), wantErr: false},
		{name: "flat with zero", side: PositionSideFlat, quantity: decimal.Zero, wantErr: false},
		{name: "long with zero", side: PositionSideLong, quantity: decimal.Zero, wantErr: true},
		{name: "short with zero", side: PositionSideShort, quantity: decimal.Zero, wantErr: true},
		{name: "flat with quantity", side: PositionSideFlat, quantity: decimal.NewFromInt(1), wantErr: true},
		{name: "negative quantity", side: PositionSideShort, quantity: decimal.NewFromInt(-3), wantErr: true},
		{name: "invalid side", side: PositionSide(42), quantity: decimal.NewFromInt(1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPositionStateRecord("BTCUSDT", tt.side, tt.quantity, time.Now())
			if tt.wantErr {
				var verr ValidationError
				require.ErrorAs(t, err, &verr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNewPositionStateRecord_EmptyInstrument(t *testing.T) {
	_, err := NewPositionStateRecord("", PositionSideFlat, decimal.Zero, time.Now())
	require.Error(t, err)
}

func TestFlatPositionRecord(t *testing.T) {
	rec := FlatPositionRecord("ETHUSDT", time.Now())
	assert.Equal(t, PositionSideFlat, rec.Side)
	assert.True(t, rec.Quantity.IsZero())
}

func TestPositionStateRecord_SignedQuantity(t *testing.T) {
	long, err := NewPositionStateRecord("BTCUSDT", PositionSideLong, decimal.NewFromInt(2), time.Now())
	require.NoError(t, err)
	assert.True(t, long.SignedQuantity().Equal(decimal.NewFromInt(2)))

	short, err := NewPositionStateRecord("BTCUSDT", PositionSideShort, decimal.NewFromInt(2), time.Now())
	require.NoError(t, err)
	assert.True(t, short.SignedQuantity().Equal(decimal.NewFromInt(-2)))

	flat := FlatPositionRecord("BTCUSDT", time.Now())
	assert.True(t, flat.SignedQuantity().IsZero())
}

func TestPositionStateRecord_EqualComparesByValue(t *testing.T) {
	a, err := NewPositionStateRecord("BTCUSDT", PositionSideLong, decimal.NewFromFloat(1.50), time.Now())
	require.NoError(t, err)
	b, err := NewPositionStateRecord("BTCUSDT", PositionSideLong, decimal.NewFromFloat(1.5), time.Now().Add(time.Minute))
	require.NoError(t, err)

	// 1.50 and 1.5 differ in representation but not value.
	assert.True(t, a.Equal(b))
}
