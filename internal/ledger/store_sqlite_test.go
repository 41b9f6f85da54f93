package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec_reconciler/internal/core"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_SnapshotRoundTrip(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	orderRec, err := core.NewOrderStateRecord("O-1", "V-1", core.OrderStatePartiallyFilled, decimal.NewFromInt(5), time.Now().UTC())
	require.NoError(t, err)
	posRec, err := core.NewPositionStateRecord("BTCUSDT", core.PositionSideLong, decimal.NewFromFloat(1.5), time.Now().UTC())
	require.NoError(t, err)

	snap := core.LedgerSnapshot{
		AccountID: "ACC-001",
		TakenAt:   time.Now().UTC(),
		Orders:    map[core.ClientOrderID]core.OrderStateRecord{"O-1": orderRec},
		Positions: map[core.InstrumentID]core.PositionStateRecord{"BTCUSDT": posRec},
	}
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	loaded, err := store.LoadSnapshot(ctx, "ACC-001")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, core.AccountID("ACC-001"), loaded.AccountID)
	require.Len(t, loaded.Orders, 1)
	assert.Equal(t, core.OrderStatePartiallyFilled, loaded.Orders["O-1"].State)
	assert.True(t, loaded.Orders["O-1"].FilledQty.Equal(decimal.NewFromInt(5)))
	require.Len(t, loaded.Positions, 1)
	assert.Equal(t, core.PositionSideLong, loaded.Positions["BTCUSDT"].Side)
	assert.True(t, loaded.Positions["BTCUSDT"].Quantity.Equal(decimal.NewFromFloat(1.5)))
}

func TestSQLiteStore_SnapshotReplace(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	first := core.LedgerSnapshot{
		AccountID: "ACC-001",
		TakenAt:   time.Now().UTC(),
		Orders:    map[core.ClientOrderID]core.OrderStateRecord{},
		Positions: map[core.InstrumentID]core.PositionStateRecord{},
	}
	require.NoError(t, store.SaveSnapshot(ctx, first))

	rec, err := core.NewOrderStateRecord("O-2", "", core.OrderStateSubmitted, decimal.Zero, time.Now().UTC())
	require.NoError(t, err)
	second := first
	second.Orders = map[core.ClientOrderID]core.OrderStateRecord{"O-2": rec}
	require.NoError(t, store.SaveSnapshot(ctx, second))

	loaded, err := store.LoadSnapshot(ctx, "ACC-001")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Len(t, loaded.Orders, 1, "a later snapshot replaces the earlier one")
}

func TestSQLiteStore_LoadMissingSnapshot(t *testing.T) {
	store := createTestStore(t)

	loaded, err := store.LoadSnapshot(context.Background(), "ACC-404")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSQLiteStore_ChecksumDetectsCorruption(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	snap := core.LedgerSnapshot{
		AccountID: "ACC-001",
		TakenAt:   time.Now().UTC(),
		Orders:    map[core.ClientOrderID]core.OrderStateRecord{},
		Positions: map[core.InstrumentID]core.PositionStateRecord{},
	}
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	_, err := store.db.Exec(`UPDATE snapshots SET data = data || ' ' WHERE account_id = 'ACC-001'`)
	require.NoError(t, err)

	_, err = store.LoadSnapshot(ctx, "ACC-001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestSQLiteStore_JournalAppendAndRecent(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	kinds := []core.DiscrepancyKind{
		core.DiscrepancyOrphan,
		core.DiscrepancyStale,
		core.DiscrepancyConflictingState,
	}
	for i, kind := range kinds {
		d := core.Discrepancy{
			Kind:          kind,
			Scope:         core.ScopeOrder,
			AccountID:     "ACC-001",
			Venue:         "BINANCE",
			ClientOrderID: core.ClientOrderID("O-" + string(rune('1'+i))),
			VenueOrder:    &core.OrderDelta{State: core.OrderStateAccepted, FilledQty: decimal.Zero},
			ObservedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.Append(ctx, d))
	}

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	// Newest first.
	assert.Equal(t, core.DiscrepancyConflictingState, recent[0].Kind)
	assert.Equal(t, core.DiscrepancyStale, recent[1].Kind)
	assert.Equal(t, core.ClientOrderID("O-3"), recent[0].ClientOrderID)

	all, err := store.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, none)
}
