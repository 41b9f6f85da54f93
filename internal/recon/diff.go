// Package recon implements execution-state reconciliation: diffing venue
// reports against the local ledger and correcting divergence.
package recon

import (
	"sort"

	"exec_reconciler/internal/core"
)

// Diff compares a venue report against a ledger snapshot and returns every
// divergence found. The result order is deterministic: orders before
// positions, each group sorted by identifier, so identical inputs always
// produce identical output.
//
// ObservedAt on each discrepancy is the report timestamp, not wall time, to
// keep the function pure.
func Diff(report *core.ReconciliationReport, local core.LedgerSnapshot) []core.Discrepancy {
	venueOrders := report.OrderStates()
	venuePositions := report.PositionStates()

	out := make([]core.Discrepancy, 0)

	for _, id := range unionOrderIDs(venueOrders, local.Orders) {
		venueRec, haveVenue := venueOrders[id]
		localRec, haveLocal := local.Orders[id]

		switch {
		case haveVenue && !haveLocal:
			out = append(out, core.Discrepancy{
				Kind:          core.DiscrepancyOrphan,
				Scope:         core.ScopeOrder,
				AccountID:     report.AccountID,
				Venue:         report.Venue,
				ClientOrderID: id,
				VenueOrder:    orderDelta(venueRec),
				ObservedAt:    report.Timestamp,
			})

		case !haveVenue && haveLocal:
			// A terminal local order the venue no longer reports is the
			// normal end of life, not a divergence.
			if !localRec.State.IsOpen() {
				continue
			}
			out = append(out, core.Discrepancy{
				Kind:          core.DiscrepancyStale,
				Scope:         core.ScopeOrder,
				AccountID:     report.AccountID,
				Venue:         report.Venue,
				ClientOrderID: id,
				LocalOrder:    orderDelta(localRec),
				ObservedAt:    report.Timestamp,
			})

		default:
			if localRec.State == venueRec.State && localRec.FilledQty.Equal(venueRec.FilledQty) {
				continue
			}
			out = append(out, core.Discrepancy{
				Kind:          core.DiscrepancyConflictingState,
				Scope:         core.ScopeOrder,
				AccountID:     report.AccountID,
				Venue:         report.Venue,
				ClientOrderID: id,
				LocalOrder:    orderDelta(localRec),
				VenueOrder:    orderDelta(venueRec),
				ObservedAt:    report.Timestamp,
			})
		}
	}

	for _, id := range unionInstrumentIDs(venuePositions, local.Positions) {
		venueRec, haveVenue := venuePositions[id]
		localRec, haveLocal := local.Positions[id]

		switch {
		case haveVenue && !haveLocal:
			// A flat venue record with no local belief is agreement.
			if venueRec.Side == core.PositionSideFlat {
				continue
			}
			out = append(out, core.Discrepancy{
				Kind:          core.DiscrepancyOrphan,
				Scope:         core.ScopePosition,
				AccountID:     report.AccountID,
				Venue:         report.Venue,
				InstrumentID:  id,
				VenuePosition: positionDelta(venueRec),
				ObservedAt:    report.Timestamp,
			})

		case !haveVenue && haveLocal:
			// Absence from a complete venue snapshot means flat at the venue.
			if localRec.Side == core.PositionSideFlat {
				continue
			}
			out = append(out, core.Discrepancy{
				Kind:          core.DiscrepancyStale,
				Scope:         core.ScopePosition,
				AccountID:     report.AccountID,
				Venue:         report.Venue,
				InstrumentID:  id,
				LocalPosition: positionDelta(localRec),
				ObservedAt:    report.Timestamp,
			})

		default:
			if localRec.Side == venueRec.Side && localRec.Quantity.Equal(venueRec.Quantity) {
				continue
			}
			out = append(out, core.Discrepancy{
				Kind:          core.DiscrepancyConflictingQuantity,
				Scope:         core.ScopePosition,
				AccountID:     report.AccountID,
				Venue:         report.Venue,
				InstrumentID:  id,
				LocalPosition: positionDelta(localRec),
				VenuePosition: positionDelta(venueRec),
				ObservedAt:    report.Timestamp,
			})
		}
	}

	return out
}

func orderDelta(rec core.OrderStateRecord) *core.OrderDelta {
	return &core.OrderDelta{
		VenueOrderID: rec.VenueOrderID,
		State:        rec.State,
		FilledQty:    rec.FilledQty,
	}
}

func positionDelta(rec core.PositionStateRecord) *core.PositionDelta {
	return &core.PositionDelta{
		Side:     rec.Side,
		Quantity: rec.Quantity,
	}
}

func unionOrderIDs(venue, local map[core.ClientOrderID]core.OrderStateRecord) []core.ClientOrderID {
	ids := make([]core.ClientOrderID, 0, len(venue)+len(local))
	for id := range venue {
		ids = append(ids, id)
	}
	for id := range local {
		if _, ok := venue[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func unionInstrumentIDs(venue, local map[core.InstrumentID]core.PositionStateRecord) []core.InstrumentID {
	ids := make([]core.InstrumentID, 0, len(venue)+len(local))
	for id := range venue {
		ids = append(ids, id)
	}
	for id := range local {
		if _, ok := venue[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
