// Package workflow holds the pure rules for issue stages, meeting lifecycle and
// the accountability chart. Nothing here touches storage.
package workflow

import (
	"fmt"
	"strings"
	"time"
)

type Stage string

const (
	StageIdentify Stage = "IDENTIFY"
	StageDiscuss  Stage = "DISCUSS"
	StageSolve    Stage = "SOLVE"
)

const (
	IssueOpen       = "OPEN"
	IssueInProgress = "IN_PROGRESS"
	IssueResolved   = "RESOLVED"
)

func ParseStage(s string) (Stage, error) {
	switch st := Stage(strings.ToUpper(strings.TrimSpace(s))); st {
	case StageIdentify, StageDiscuss, StageSolve:
		return st, nil
	default:
		return "", fmt.Errorf("unknown IDS stage %q", s)
	}
}

func (s Stage) order() int {
	switch s {
	case StageIdentify:
		return 1
	case StageDiscuss:
		return 2
	case StageSolve:
		return 3
	default:
		return 0
	}
}

// StageResult is the composite set of fields a stage change writes in one
// statement.
type StageResult struct {
	Stage      Stage
	Status     string
	ResolvedAt *time.Time
	ResolvedBy *int64
	// ClearResolution is set for every stage but SOLVE so a reopened issue
	// loses its resolution stamps.
	ClearResolution bool
	Backward        bool
}

// ApplyStage computes the effect of moving an issue from one stage to another.
// Moving to SOLVE resolves the issue. Moving back out of SOLVE reopens it.
func ApplyStage(from, to Stage, actorID int64, now time.Time) StageResult {
	result := StageResult{
		Stage:    to,
		Backward: from.order() > to.order(),
	}
	switch to {
	case StageSolve:
		result.Status = IssueResolved
		result.ResolvedAt = &now
		result.ResolvedBy = &actorID
	case StageDiscuss:
		result.Status = IssueInProgress
		result.ClearResolution = true
	default:
		result.Status = IssueOpen
		result.ClearResolution = true
	}
	return result
}

// CurrentQuarter returns the calendar quarter label and year for t.
func CurrentQuarter(t time.Time) (string, int) {
	q := (int(t.Month())-1)/3 + 1
	return fmt.Sprintf("Q%d", q), t.Year()
}

// RockOwner picks the owner for a rock created from an issue.
func RockOwner(issueOwner string) string {
	if strings.TrimSpace(issueOwner) == "" {
		return "Unassigned"
	}
	return issueOwner
}
