package store

import (
	"context"
	"testing"
	"time"

	"eos/api/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeetingLifecycle(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()

	m, err := f.store.ScheduleMeeting(ctx, f.admin, f.div1.ID, MeetingInput{MeetingDate: "2026-02-11"})
	require.NoError(t, err)
	assert.Equal(t, string(workflow.MeetingScheduled), m.Status)
	assert.Equal(t, "WEEKLY", m.Frequency)
	assert.Equal(t, 90, m.DurationMinutes)
	require.Len(t, m.Sections, 7)
	for i, sec := range m.Sections {
		assert.Equal(t, i+1, sec.SectionOrder)
		assert.Equal(t, workflow.SectionPending, sec.Status)
	}
	assert.Equal(t, "Segue", m.Sections[0].SectionName)
	assert.Equal(t, "IDS", m.Sections[5].SectionName)
	assert.Equal(t, 30, m.Sections[5].AllocatedMinutes)

	_, err = f.store.CompleteMeeting(ctx, f.admin, f.div1.ID, 9999)
	assert.ErrorIs(t, err, ErrNotFound)

	start := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	m, err = f.store.StartMeeting(ctx, f.admin, f.div1.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, string(workflow.MeetingInProgress), m.Status)
	_, err = f.store.StartMeeting(ctx, f.admin, f.div1.ID, m.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorContains(t, err, "only SCHEDULED meetings can start")

	active := workflow.SectionActive
	sec, err := f.store.UpdateSection(ctx, f.admin, f.div1.ID, m.ID, m.Sections[0].ID, SectionPatch{Status: &active})
	require.NoError(t, err)
	assert.NotNil(t, sec.StartedAt)

	f.store.SetClock(func() time.Time { return start.Add(75 * time.Minute) })
	m, err = f.store.CompleteMeeting(ctx, f.admin, f.div1.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, string(workflow.MeetingCompleted), m.Status)
	require.NotNil(t, m.ActualDurationMinutes)
	assert.Equal(t, int64(75), *m.ActualDurationMinutes)
	for _, sec := range m.Sections {
		assert.Equal(t, workflow.SectionComplete, sec.Status, sec.SectionName)
		assert.NotNil(t, sec.CompletedAt)
	}

	_, err = f.store.CompleteMeeting(ctx, f.admin, f.div1.ID, m.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorContains(t, err, "already COMPLETED")

	entries := f.audit(t, "l10_meetings", m.ID)
	require.Len(t, entries, 3)
	assert.Equal(t, ActionComplete, entries[0].Action)
	assert.Equal(t, ActionStart, entries[1].Action)
}

func TestCompleteUnstartedMeetingUsesDefaultDuration(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	m, err := f.store.ScheduleMeeting(ctx, f.admin, f.div1.ID, MeetingInput{MeetingDate: "2026-02-18", MeetingTime: "09:30"})
	require.NoError(t, err)

	m, err = f.store.CompleteMeeting(ctx, f.admin, f.div1.ID, m.ID)
	require.NoError(t, err)
	require.NotNil(t, m.ActualDurationMinutes)
	assert.Equal(t, int64(workflow.DefaultCompletedMinutes), *m.ActualDurationMinutes)

	_, err = f.store.UpdateMeetingNotes(ctx, f.admin, f.div1.ID, m.ID, map[string]any{"rating": 8})
	require.NoError(t, err)
	_, err = f.store.UpdateMeetingNotes(ctx, f.admin, f.div1.ID, m.ID, map[string]any{"rating": 11})
	assert.ErrorIs(t, err, ErrInvalidValue)

	stats, err := f.store.MeetingStats(ctx, f.div1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 60.0, stats.AverageDuration)
	assert.Equal(t, 8.0, stats.AverageRating)
	assert.Equal(t, "2026-02-18", stats.LastCompletedDate)
}

func TestScheduleMeetingRejectsBadDate(t *testing.T) {
	f := setupTestStore(t)
	_, err := f.store.ScheduleMeeting(context.Background(), f.admin, f.div1.ID, MeetingInput{MeetingDate: "11/02/2026"})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestUpdateSectionNotes(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	m, err := f.store.ScheduleMeeting(ctx, f.admin, f.div1.ID, MeetingInput{MeetingDate: "2026-02-11"})
	require.NoError(t, err)

	notes := "Two new customers signed"
	minutes := 4
	sec, err := f.store.UpdateSection(ctx, f.admin, f.div1.ID, m.ID, m.Sections[1].ID, SectionPatch{Notes: &notes, ActualMinutes: &minutes})
	require.NoError(t, err)
	require.NotNil(t, sec.Notes)
	assert.Equal(t, notes, *sec.Notes)
	require.NotNil(t, sec.ActualMinutes)
	assert.Equal(t, int64(4), *sec.ActualMinutes)

	bogus := "SKIPPED"
	_, err = f.store.UpdateSection(ctx, f.admin, f.div1.ID, m.ID, m.Sections[1].ID, SectionPatch{Status: &bogus})
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = f.store.UpdateSection(ctx, f.admin, f.div2.ID, m.ID, m.Sections[1].ID, SectionPatch{Notes: &notes})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMeetingItems(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	m, err := f.store.ScheduleMeeting(ctx, f.admin, f.div1.ID, MeetingInput{MeetingDate: "2026-02-11"})
	require.NoError(t, err)

	todo, err := f.store.CreateMeetingTodo(ctx, f.admin, f.div1.ID, m.ID, TodoInput{Task: "Call the supplier", OwnerName: "Sam"})
	require.NoError(t, err)
	assert.Equal(t, TodoSourceL10, todo.Source)

	issue, err := f.store.CreateMeetingIssue(ctx, f.admin, f.div1.ID, m.ID, IssueInput{Issue: "Delivery van is unreliable"})
	require.NoError(t, err)
	require.NotNil(t, issue.AddedFromL10ID)
	assert.Equal(t, m.ID, *issue.AddedFromL10ID)

	todos, err := f.store.MeetingTodos(ctx, f.div1.ID, m.ID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, todo.ID, todos[0].ID)

	_, err = f.store.CreateMeetingTodo(ctx, f.admin, f.div2.ID, m.ID, TodoInput{Task: "x", OwnerName: "y"})
	assert.ErrorIs(t, err, ErrNotFound)
}
