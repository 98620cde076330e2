package workflow

import (
	"fmt"
	"time"
)

type MeetingStatus string

const (
	MeetingScheduled  MeetingStatus = "SCHEDULED"
	MeetingInProgress MeetingStatus = "IN_PROGRESS"
	MeetingCompleted  MeetingStatus = "COMPLETED"
)

const (
	SectionPending  = "PENDING"
	SectionActive   = "ACTIVE"
	SectionComplete = "COMPLETE"
)

const (
	DefaultMeetingMinutes   = 90
	DefaultCompletedMinutes = 60
	DefaultFrequency        = "WEEKLY"
)

type SectionTemplate struct {
	Name    string
	Order   int
	Minutes int
}

var l10Agenda = []SectionTemplate{
	{Name: "Segue", Order: 1, Minutes: 5},
	{Name: "Headlines", Order: 2, Minutes: 5},
	{Name: "Scorecard Review", Order: 3, Minutes: 5},
	{Name: "Rock Review", Order: 4, Minutes: 5},
	{Name: "To-Do List Review", Order: 5, Minutes: 5},
	{Name: "IDS", Order: 6, Minutes: 30},
	{Name: "Conclude", Order: 7, Minutes: 5},
}

// Agenda returns a fresh copy of the L10 section template.
func Agenda() []SectionTemplate {
	out := make([]SectionTemplate, len(l10Agenda))
	copy(out, l10Agenda)
	return out
}

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
}

func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%s", r.Reason)
}

func CanStartMeeting(status MeetingStatus) GuardResult {
	if status != MeetingScheduled {
		return GuardResult{Reason: fmt.Sprintf("meeting is %s, only SCHEDULED meetings can start", status)}
	}
	return GuardResult{Allowed: true}
}

func CanCompleteMeeting(status MeetingStatus) GuardResult {
	if status == MeetingCompleted {
		return GuardResult{Reason: "meeting is already COMPLETED"}
	}
	return GuardResult{Allowed: true}
}

// MeetingDuration is the whole minutes between start and completion. A meeting
// that was never started falls back to DefaultCompletedMinutes.
func MeetingDuration(startedAt *time.Time, completedAt time.Time) int {
	if startedAt == nil || startedAt.IsZero() {
		return DefaultCompletedMinutes
	}
	d := completedAt.Sub(*startedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

// SectionStamps reports which timestamps a section status change sets.
func SectionStamps(status string) (started, completed bool, err error) {
	switch status {
	case SectionPending:
		return false, false, nil
	case SectionActive:
		return true, false, nil
	case SectionComplete:
		return false, true, nil
	default:
		return false, false, fmt.Errorf("unknown section status %q", status)
	}
}
