package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRock(t *testing.T, f *fixture, divisionID int64) Rock {
	t.Helper()
	r, err := f.store.CreateRock(context.Background(), f.admin, divisionID, RockInput{
		Description: "Open second warehouse",
		OwnerName:   "Dana",
		Quarter:     "q1",
		Year:        2026,
	})
	require.NoError(t, err)
	return r
}

func TestCreateRockInheritsOrganization(t *testing.T) {
	f := setupTestStore(t)
	r := newRock(t, f, f.div1.ID)

	assert.Equal(t, f.org.ID, r.OrganizationID)
	assert.Equal(t, f.div1.ID, r.DivisionID)
	assert.Equal(t, RockNotStarted, r.Status)
	assert.Equal(t, "Q1", r.Quarter)
	assert.Equal(t, 1, r.Priority)

	entries := f.audit(t, "rocks", r.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionCreate, entries[0].Action)
	require.NotNil(t, entries[0].UserID)
	assert.Equal(t, f.admin.UserID, *entries[0].UserID)
	assert.Equal(t, "127.0.0.1", entries[0].IPAddress)
}

func TestCreateRejectsMissingFields(t *testing.T) {
	f := setupTestStore(t)
	_, err := f.store.CreateRock(context.Background(), f.admin, f.div1.ID, RockInput{Description: "  ", OwnerName: "Dana", Quarter: "Q1", Year: 2026})
	require.ErrorIs(t, err, ErrInvalidValue)

	rocks, err := f.store.ListRocks(context.Background(), f.div1.ID, RockFilter{})
	require.NoError(t, err)
	assert.Empty(t, rocks)
}

func TestScopingHidesOtherDivisions(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	r := newRock(t, f, f.div2.ID)

	_, err := f.store.GetRock(ctx, f.div1.ID, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.store.UpdateRock(ctx, f.admin, f.div1.ID, r.ID, map[string]any{"progress": 50})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, f.store.DeleteRock(ctx, f.admin, f.div1.ID, r.ID), ErrNotFound)

	_, err = f.store.RockHistory(ctx, f.div1.ID, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	rocks, err := f.store.ListRocks(ctx, f.div1.ID, RockFilter{})
	require.NoError(t, err)
	assert.Empty(t, rocks)

	still, err := f.store.GetRock(ctx, f.div2.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, still.Progress)
}

func TestUpdateWritesHistoryOnlyForChangedFields(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	r := newRock(t, f, f.div1.ID)

	changes, err := f.store.UpdateRock(ctx, f.admin, f.div1.ID, r.ID, map[string]any{
		"owner_name": "Dana",
		"progress":   float64(40),
		"status":     "on_track",
	})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, Change{Old: int64(0), New: int64(40)}, changes["progress"])

	history, err := f.store.RockHistory(ctx, f.div1.ID, r.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	fields := []string{history[0].FieldChanged, history[1].FieldChanged}
	assert.ElementsMatch(t, []string{"progress", "status"}, fields)

	entries := f.audit(t, "rocks", r.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionUpdate, entries[0].Action)

	var payload map[string]Change
	require.NoError(t, json.Unmarshal(entries[0].Changes, &payload))
	require.Len(t, payload, 2)
	assert.Equal(t, "ON_TRACK", payload["status"].New)
	assert.Equal(t, "NOT_STARTED", payload["status"].Old)

	got, err := f.store.GetRock(ctx, f.div1.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, "Open second warehouse", got.Description)
}

func TestNoOpUpdateIsJournaledWithoutHistory(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	r := newRock(t, f, f.div1.ID)

	changes, err := f.store.UpdateRock(ctx, f.admin, f.div1.ID, r.ID, map[string]any{
		"description": r.Description,
		"progress":    0,
		"due_date":    "",
	})
	require.NoError(t, err)
	assert.Empty(t, changes)

	history, err := f.store.RockHistory(ctx, f.div1.ID, r.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	entries := f.audit(t, "rocks", r.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionUpdate, entries[0].Action)
	assert.JSONEq(t, `{}`, string(entries[0].Changes))
}

func TestUnknownFieldRejectsWholePatch(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	r := newRock(t, f, f.div1.ID)

	_, err := f.store.UpdateRock(ctx, f.admin, f.div1.ID, r.ID, map[string]any{
		"progress":    10,
		"division_id": f.div2.ID,
	})
	require.ErrorIs(t, err, ErrUnknownField)

	_, err = f.store.UpdateRock(ctx, f.admin, f.div1.ID, r.ID, map[string]any{"progress": 101})
	require.ErrorIs(t, err, ErrInvalidValue)

	_, err = f.store.UpdateRock(ctx, f.admin, f.div1.ID, r.ID, map[string]any{})
	require.ErrorIs(t, err, ErrInvalidValue)

	got, err := f.store.GetRock(ctx, f.div1.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress)
	assert.Len(t, f.audit(t, "rocks", r.ID), 1)
}

func TestDueDateMustBeExactlyADate(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	r := newRock(t, f, f.div1.ID)

	for _, bad := range []string{"2026-02-11garbage", "2026-02-11T09:00:00Z", "11/02/2026", "2026-2-11"} {
		_, err := f.store.UpdateRock(ctx, f.admin, f.div1.ID, r.ID, map[string]any{"due_date": bad})
		require.ErrorIs(t, err, ErrInvalidValue, bad)
	}

	_, err := f.store.UpdateRock(ctx, f.admin, f.div1.ID, r.ID, map[string]any{"due_date": " 2026-03-31 "})
	require.NoError(t, err)
	got, err := f.store.GetRock(ctx, f.div1.ID, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DueDate)
	assert.Equal(t, "2026-03-31", *got.DueDate)
}

func TestSoftDeleteKeepsHistory(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	r := newRock(t, f, f.div1.ID)

	_, err := f.store.UpdateRock(ctx, f.admin, f.div1.ID, r.ID, map[string]any{"progress": 80})
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteRock(ctx, f.admin, f.div1.ID, r.ID))

	_, err = f.store.GetRock(ctx, f.div1.ID, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.store.DeleteRock(ctx, f.admin, f.div1.ID, r.ID), ErrNotFound)

	history, err := f.store.RockHistory(ctx, f.div1.ID, r.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].NewValue)
	assert.Equal(t, "80", *history[0].NewValue)

	entries := f.audit(t, "rocks", r.ID)
	require.Len(t, entries, 3)
	assert.Equal(t, ActionDelete, entries[0].Action)
}

func TestRockSummary(t *testing.T) {
	rocks := []Rock{
		{Status: RockComplete}, {Status: RockOnTrack}, {Status: RockAtRisk},
		{Status: RockBlocked}, {Status: RockNotStarted}, {Status: RockComplete},
	}
	sum := SummarizeRocks(rocks)
	assert.Equal(t, RockSummary{Total: 6, Complete: 2, OnTrack: 3, AtRisk: 2, NotStarted: 1, CompletionPct: 33.3}, sum)
	assert.Equal(t, RockSummary{}, SummarizeRocks(nil))
}

func TestTodoCompletionToggle(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	todo, err := f.store.CreateTodo(ctx, f.admin, f.div1.ID, TodoInput{Task: "Call supplier", OwnerName: "Lee", DueDate: "2026-02-01"})
	require.NoError(t, err)
	assert.Equal(t, TodoSourceManual, todo.Source)
	assert.Equal(t, "MEDIUM", todo.Priority)

	done, err := f.store.SetTodoCompleted(ctx, f.admin, f.div1.ID, todo.ID, true)
	require.NoError(t, err)
	assert.True(t, done.IsCompleted)
	assert.Equal(t, TodoComplete, done.Status)
	require.NotNil(t, done.CompletedBy)

	open, err := f.store.ListTodos(ctx, f.div1.ID, TodoFilter{})
	require.NoError(t, err)
	assert.Empty(t, open)

	reopened, err := f.store.SetTodoCompleted(ctx, f.admin, f.div1.ID, todo.ID, false)
	require.NoError(t, err)
	assert.False(t, reopened.IsCompleted)
	assert.Nil(t, reopened.CompletedAt)

	all, err := f.store.ListTodos(ctx, f.div1.ID, TodoFilter{IncludeCompleted: true})
	require.NoError(t, err)
	sum := SummarizeTodos(all, f.store.now())
	assert.Equal(t, TodoSummary{Total: 1, Open: 1, Overdue: 1}, sum)
}

func TestScorecardWeeks(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	m, err := f.store.CreateMetric(ctx, f.admin, f.div1.ID, MetricInput{MetricName: "Sales calls", OwnerName: "Lee", Goal: ">= 20"})
	require.NoError(t, err)
	assert.Equal(t, MetricYellow, m.Status)

	changes, err := f.store.UpdateMetric(ctx, f.admin, f.div1.ID, m.ID, map[string]any{"week_3": 22.5, "status": "GREEN"})
	require.NoError(t, err)
	assert.Len(t, changes, 2)

	_, err = f.store.UpdateMetric(ctx, f.admin, f.div1.ID, m.ID, map[string]any{"week_14": 1})
	assert.ErrorIs(t, err, ErrUnknownField)

	got, err := f.store.GetMetric(ctx, f.div1.ID, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Weeks[2])
	assert.Equal(t, 22.5, *got.Weeks[2])
	assert.Nil(t, got.Weeks[0])

	metrics, err := f.store.ListMetrics(ctx, f.div1.ID)
	require.NoError(t, err)
	assert.Equal(t, ScorecardSummary{Total: 1, Green: 1}, SummarizeScorecard(metrics))
}

func TestVTOVersioning(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	sc := DivisionScope(f.div1.ID)

	_, err := f.store.GetVTO(ctx, sc)
	require.ErrorIs(t, err, ErrNotFound)

	first, err := f.store.SaveVTO(ctx, f.admin, sc, map[string]any{
		"core_values":  []any{"Integrity", "Hustle"},
		"core_purpose": "Keep farms running",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	updates := []map[string]any{
		{"core_niche": "Parts in 24h"},
		{"ten_year_target": "$100M"},
		{"core_values": []any{"Integrity", "Hustle", "Humility"}},
	}
	for _, patch := range updates {
		_, err := f.store.SaveVTO(ctx, f.admin, sc, patch)
		require.NoError(t, err)
	}

	versions, err := f.store.ListVTOVersions(ctx, sc)
	require.NoError(t, err)
	require.Len(t, versions, len(updates)+1)

	active := 0
	for _, v := range versions {
		if v.IsActive {
			active++
		}
	}
	assert.Equal(t, 1, active)

	latest := versions[0]
	assert.True(t, latest.IsActive)
	assert.Equal(t, 4, latest.Version)
	assert.Equal(t, []string{"Integrity", "Hustle", "Humility"}, latest.CoreValues)
	require.NotNil(t, latest.CoreNiche)
	assert.Equal(t, "Parts in 24h", *latest.CoreNiche)

	second := versions[2]
	assert.False(t, second.IsActive)
	require.NotNil(t, second.CorePurpose)
	assert.Equal(t, "Keep farms running", *second.CorePurpose)
	assert.Nil(t, second.TenYearTarget)

	_, err = f.store.SaveVTO(ctx, f.admin, sc, map[string]any{"motto": "x"})
	assert.ErrorIs(t, err, ErrUnknownField)

	corporate, err := f.store.SaveVTO(ctx, f.admin, CorporateScope(f.org.ID), map[string]any{"core_purpose": "Group purpose"})
	require.NoError(t, err)
	assert.Nil(t, corporate.DivisionID)
	assert.Equal(t, 1, corporate.Version)
}
