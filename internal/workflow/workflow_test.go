package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyStage(t *testing.T) {
	now := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)

	t.Run("solve resolves", func(t *testing.T) {
		r := ApplyStage(StageDiscuss, StageSolve, 7, now)
		assert.Equal(t, IssueResolved, r.Status)
		require.NotNil(t, r.ResolvedAt)
		require.NotNil(t, r.ResolvedBy)
		assert.Equal(t, now, *r.ResolvedAt)
		assert.Equal(t, int64(7), *r.ResolvedBy)
		assert.False(t, r.Backward)
	})

	t.Run("discuss is in progress", func(t *testing.T) {
		r := ApplyStage(StageIdentify, StageDiscuss, 7, now)
		assert.Equal(t, IssueInProgress, r.Status)
		assert.Nil(t, r.ResolvedAt)
		assert.True(t, r.ClearResolution)
		assert.False(t, r.Backward)
	})

	t.Run("leaving solve reopens", func(t *testing.T) {
		r := ApplyStage(StageSolve, StageIdentify, 7, now)
		assert.Equal(t, IssueOpen, r.Status)
		assert.True(t, r.ClearResolution)
		assert.True(t, r.Backward)
	})
}

func TestParseStage(t *testing.T) {
	st, err := ParseStage(" discuss ")
	require.NoError(t, err)
	assert.Equal(t, StageDiscuss, st)

	_, err = ParseStage("DONE")
	assert.Error(t, err)
}

func TestCurrentQuarter(t *testing.T) {
	cases := []struct {
		month time.Month
		want  string
	}{
		{time.January, "Q1"},
		{time.March, "Q1"},
		{time.April, "Q2"},
		{time.September, "Q3"},
		{time.December, "Q4"},
	}
	for _, tc := range cases {
		q, y := CurrentQuarter(time.Date(2026, tc.month, 15, 0, 0, 0, 0, time.UTC))
		assert.Equal(t, tc.want, q, tc.month.String())
		assert.Equal(t, 2026, y)
	}
}

func TestRockOwner(t *testing.T) {
	assert.Equal(t, "Unassigned", RockOwner("  "))
	assert.Equal(t, "Dana", RockOwner("Dana"))
}

func TestAgendaIsCopied(t *testing.T) {
	a := Agenda()
	require.Len(t, a, 7)
	assert.Equal(t, "Segue", a[0].Name)
	assert.Equal(t, "IDS", a[5].Name)
	assert.Equal(t, 30, a[5].Minutes)

	total := 0
	for i, s := range a {
		assert.Equal(t, i+1, s.Order)
		total += s.Minutes
	}
	assert.Equal(t, 60, total)

	a[0].Minutes = 99
	assert.Equal(t, 5, Agenda()[0].Minutes)
}

func TestMeetingGuards(t *testing.T) {
	assert.True(t, CanStartMeeting(MeetingScheduled).Allowed)
	assert.False(t, CanStartMeeting(MeetingInProgress).Allowed)
	assert.Error(t, CanStartMeeting(MeetingCompleted).Error())

	assert.True(t, CanCompleteMeeting(MeetingScheduled).Allowed)
	assert.True(t, CanCompleteMeeting(MeetingInProgress).Allowed)
	assert.False(t, CanCompleteMeeting(MeetingCompleted).Allowed)
}

func TestMeetingDuration(t *testing.T) {
	end := time.Date(2026, 2, 11, 10, 30, 0, 0, time.UTC)
	start := end.Add(-(47*time.Minute + 50*time.Second))

	assert.Equal(t, 47, MeetingDuration(&start, end))
	assert.Equal(t, DefaultCompletedMinutes, MeetingDuration(nil, end))

	later := end.Add(time.Hour)
	assert.Equal(t, 0, MeetingDuration(&later, end))
}

func TestSectionStamps(t *testing.T) {
	started, completed, err := SectionStamps(SectionActive)
	require.NoError(t, err)
	assert.True(t, started)
	assert.False(t, completed)

	started, completed, err = SectionStamps(SectionComplete)
	require.NoError(t, err)
	assert.False(t, started)
	assert.True(t, completed)

	_, _, err = SectionStamps("SKIPPED")
	assert.Error(t, err)
}

func TestValidateReparent(t *testing.T) {
	// 1 <- 2 <- 3, 4 is a separate root
	parents := map[int64]int64{1: 0, 2: 1, 3: 2, 4: 0}

	cases := []struct {
		name      string
		seat      int64
		newParent int64
		wantErr   bool
	}{
		{name: "to root", seat: 3, newParent: 0},
		{name: "sibling tree", seat: 2, newParent: 4},
		{name: "self", seat: 2, newParent: 2, wantErr: true},
		{name: "direct child", seat: 1, newParent: 2, wantErr: true},
		{name: "grandchild", seat: 1, newParent: 3, wantErr: true},
		{name: "ancestor", seat: 3, newParent: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateReparent(tc.seat, tc.newParent, parents)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrCycle)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRightPersonRightSeat(t *testing.T) {
	full := GWC{GetIt: true, WantIt: true, Capacity: true}
	assert.True(t, RightPersonRightSeat(true, full))
	assert.False(t, RightPersonRightSeat(false, full))

	partial := full
	partial.Capacity = false
	assert.False(t, RightPersonRightSeat(true, partial))
}
