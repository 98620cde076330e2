package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeatChartRejectsCycles(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	sc := DivisionScope(f.div1.ID)

	visionary, err := f.store.CreateSeat(ctx, f.admin, sc, SeatInput{SeatName: "Visionary"})
	require.NoError(t, err)
	integrator, err := f.store.CreateSeat(ctx, f.admin, sc, SeatInput{SeatName: "Integrator", ReportsToSeatID: visionary.ID})
	require.NoError(t, err)
	sales, err := f.store.CreateSeat(ctx, f.admin, sc, SeatInput{SeatName: "Sales", ReportsToSeatID: integrator.ID})
	require.NoError(t, err)
	assert.Equal(t, integrator.OrganizationID, f.org.ID)

	_, err = f.store.UpdateSeat(ctx, f.admin, sc, visionary.ID, map[string]any{"reports_to_seat_id": sales.ID})
	assert.ErrorIs(t, err, ErrCycle)
	_, err = f.store.UpdateSeat(ctx, f.admin, sc, sales.ID, map[string]any{"reports_to_seat_id": sales.ID})
	assert.ErrorIs(t, err, ErrCycle)

	_, err = f.store.CreateSeat(ctx, f.admin, DivisionScope(f.div2.ID), SeatInput{SeatName: "Ops", ReportsToSeatID: visionary.ID})
	assert.ErrorIs(t, err, ErrInvalidValue)

	tree := SeatTree(mustListSeats(t, f, sc))
	require.Len(t, tree, 1)
	assert.Equal(t, "Visionary", tree[0].SeatName)
	require.Len(t, tree[0].Children, 1)
	require.Len(t, tree[0].Children[0].Children, 1)
	assert.Equal(t, "Sales", tree[0].Children[0].Children[0].SeatName)
}

func TestDeleteSeatReparentsReports(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	sc := DivisionScope(f.div1.ID)

	top, err := f.store.CreateSeat(ctx, f.admin, sc, SeatInput{SeatName: "Integrator"})
	require.NoError(t, err)
	mid, err := f.store.CreateSeat(ctx, f.admin, sc, SeatInput{SeatName: "Operations", ReportsToSeatID: top.ID})
	require.NoError(t, err)
	leaf, err := f.store.CreateSeat(ctx, f.admin, sc, SeatInput{SeatName: "Warehouse", ReportsToSeatID: mid.ID})
	require.NoError(t, err)

	require.NoError(t, f.store.DeleteSeat(ctx, f.admin, sc, mid.ID))
	_, err = f.store.GetSeat(ctx, sc, mid.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	leaf, err = f.store.GetSeat(ctx, sc, leaf.ID)
	require.NoError(t, err)
	require.NotNil(t, leaf.ReportsToSeatID)
	assert.Equal(t, top.ID, *leaf.ReportsToSeatID)

	entries := f.audit(t, "accountability_seats", mid.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionDelete, entries[0].Action)
	assert.JSONEq(t, `{"reparented_reports":1}`, string(entries[0].Changes))
}

func TestSeatSummaryTracksGWC(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	sc := CorporateScope(f.org.ID)

	seat, err := f.store.CreateSeat(ctx, f.admin, sc, SeatInput{
		SeatName:  "CFO",
		UserName:  "Jordan",
		Roles:     []string{"Budget", "Cash flow"},
		GWCGetIt:  true,
		GWCWantIt: true,
	})
	require.NoError(t, err)
	assert.Nil(t, seat.DivisionID)
	assert.Equal(t, []string{"Budget", "Cash flow"}, seat.Roles)
	_, err = f.store.CreateSeat(ctx, f.admin, sc, SeatInput{SeatName: "CTO"})
	require.NoError(t, err)

	sum := SummarizeSeats(mustListSeats(t, f, sc))
	assert.Equal(t, SeatSummary{Total: 2, Filled: 1, Empty: 1, RightPersonRightSeat: 0}, sum)

	changes, err := f.store.UpdateSeat(ctx, f.admin, sc, seat.ID, map[string]any{"gwc_capacity": true})
	require.NoError(t, err)
	assert.Len(t, changes, 1)

	sum = SummarizeSeats(mustListSeats(t, f, sc))
	assert.Equal(t, 1, sum.RightPersonRightSeat)

	divisionSeats := mustListSeats(t, f, DivisionScope(f.div1.ID))
	assert.Empty(t, divisionSeats)
}

func mustListSeats(t *testing.T, f *fixture, sc Scope) []Seat {
	t.Helper()
	seats, err := f.store.ListSeats(context.Background(), sc)
	require.NoError(t, err)
	return seats
}
