package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"eos/api/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIssue(t *testing.T, f *fixture, divisionID int64, owner string) Issue {
	t.Helper()
	i, err := f.store.CreateIssue(context.Background(), f.admin, divisionID, IssueInput{
		Issue:     "Inventory counts drift every month",
		Priority:  "high",
		OwnerName: owner,
	})
	require.NoError(t, err)
	return i
}

func TestCreateIssueDefaults(t *testing.T) {
	f := setupTestStore(t)
	i := newIssue(t, f, f.div1.ID, "")
	assert.Equal(t, "ADMINISTRATIVE", i.Category)
	assert.Equal(t, "HIGH", i.Priority)
	assert.Equal(t, workflow.IssueOpen, i.Status)
	assert.Equal(t, string(workflow.StageIdentify), i.IDSStage)
	assert.Nil(t, i.OwnerName)
}

func TestIssueStageTransitions(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	i := newIssue(t, f, f.div1.ID, "Pat")

	i, err := f.store.SetIssueStage(ctx, f.admin, f.div1.ID, i.ID, workflow.StageDiscuss)
	require.NoError(t, err)
	assert.Equal(t, workflow.IssueInProgress, i.Status)

	i, err = f.store.SetIssueStage(ctx, f.admin, f.div1.ID, i.ID, workflow.StageSolve)
	require.NoError(t, err)
	assert.Equal(t, workflow.IssueResolved, i.Status)
	require.NotNil(t, i.ResolvedAt)
	require.NotNil(t, i.ResolvedBy)
	assert.Equal(t, f.admin.UserID, *i.ResolvedBy)

	i, err = f.store.SetIssueStage(ctx, f.admin, f.div1.ID, i.ID, workflow.StageIdentify)
	require.NoError(t, err)
	assert.Equal(t, workflow.IssueOpen, i.Status)
	assert.Nil(t, i.ResolvedAt)

	entries := f.audit(t, "issues", i.ID)
	require.Len(t, entries, 4)
	assert.Equal(t, ActionStageChange, entries[0].Action)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Changes, &payload))
	assert.Equal(t, true, payload["backward"])

	history, err := f.store.IssueHistory(ctx, f.div1.ID, i.ID)
	require.NoError(t, err)
	assert.Len(t, history, 6)
}

func TestConvertIssueToRock(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	i := newIssue(t, f, f.div1.ID, "")

	res, err := f.store.ConvertIssue(ctx, f.admin, f.div1.ID, i.ID, RockMaterializer{})
	require.NoError(t, err)
	assert.Equal(t, "rocks", res.Table)
	assert.True(t, res.Resolved)

	rock, err := f.store.GetRock(ctx, f.div1.ID, res.TargetID)
	require.NoError(t, err)
	assert.Equal(t, "Unassigned", rock.OwnerName)
	assert.Equal(t, "Q1", rock.Quarter)
	assert.Equal(t, 2026, rock.Year)
	assert.Equal(t, RockNotStarted, rock.Status)
	assert.Equal(t, i.Issue, rock.Description)

	issue, err := f.store.GetIssue(ctx, f.div1.ID, i.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.IssueResolved, issue.Status)
	require.NotNil(t, issue.ConvertedToID)
	assert.Equal(t, res.TargetID, *issue.ConvertedToID)

	issueAudit := f.audit(t, "issues", i.ID)
	require.Len(t, issueAudit, 2)
	assert.Equal(t, ActionConvertToRock, issueAudit[0].Action)
	rockAudit := f.audit(t, "rocks", res.TargetID)
	require.Len(t, rockAudit, 1)
	assert.Equal(t, ActionCreate, rockAudit[0].Action)

	_, err = f.store.ConvertIssue(ctx, f.admin, f.div1.ID, i.ID, RockMaterializer{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConvertIssueToTodoWithoutResolving(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	i := newIssue(t, f, f.div1.ID, "Pat")

	res, err := f.store.ConvertIssue(ctx, f.admin, f.div1.ID, i.ID, TodoMaterializer{Resolve: false, DueDate: "2026-02-18"})
	require.NoError(t, err)
	assert.False(t, res.Resolved)

	todo, err := f.store.GetTodo(ctx, f.div1.ID, res.TargetID)
	require.NoError(t, err)
	assert.Equal(t, TodoSourceIssue, todo.Source)
	require.NotNil(t, todo.SourceIssueID)
	assert.Equal(t, i.ID, *todo.SourceIssueID)
	assert.Equal(t, "HIGH", todo.Priority)
	assert.Equal(t, "Pat", todo.OwnerName)

	issue, err := f.store.GetIssue(ctx, f.div1.ID, i.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.IssueOpen, issue.Status)
}

type failingMaterializer struct{}

func (failingMaterializer) Table() string        { return "rocks" }
func (failingMaterializer) Action() string       { return ActionConvertToRock }
func (failingMaterializer) ResolvesSource() bool { return true }
func (failingMaterializer) Materialize(context.Context, *sql.Tx, *Store, Actor, Issue) (int64, map[string]any, error) {
	return 0, nil, errors.New("downstream unavailable")
}

func TestConvertIssueFailureLeavesIssueUntouched(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	i := newIssue(t, f, f.div1.ID, "Pat")
	i, err := f.store.SetIssueStage(ctx, f.admin, f.div1.ID, i.ID, workflow.StageDiscuss)
	require.NoError(t, err)

	_, err = f.store.ConvertIssue(ctx, f.admin, f.div1.ID, i.ID, failingMaterializer{})
	require.Error(t, err)

	after, err := f.store.GetIssue(ctx, f.div1.ID, i.ID)
	require.NoError(t, err)
	assert.Equal(t, string(workflow.StageDiscuss), after.IDSStage)
	assert.Equal(t, workflow.IssueInProgress, after.Status)
	assert.Nil(t, after.ConvertedToID)

	rocks, err := f.store.ListRocks(ctx, f.div1.ID, RockFilter{})
	require.NoError(t, err)
	assert.Empty(t, rocks)
}

func TestMoveIssueAuditsBothScopes(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	i := newIssue(t, f, f.div1.ID, "Pat")

	moved, err := f.store.MoveIssue(ctx, f.admin, f.div1.ID, i.ID, f.div2.ID)
	require.NoError(t, err)
	assert.Equal(t, f.div2.ID, moved.DivisionID)

	_, err = f.store.GetIssue(ctx, f.div1.ID, i.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	out, err := f.store.ListAudit(ctx, AuditFilter{DivisionID: f.div1.ID, Table: "issues", RecordID: i.ID})
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, ActionMoveOut, out[0].Action)

	in, err := f.store.ListAudit(ctx, AuditFilter{DivisionID: f.div2.ID, Table: "issues", RecordID: i.ID})
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, ActionMoveIn, in[0].Action)

	_, err = f.store.MoveIssue(ctx, f.admin, f.div2.ID, i.ID, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIssueSummary(t *testing.T) {
	sum := SummarizeIssues([]Issue{
		{IDSStage: "IDENTIFY", Status: "OPEN"},
		{IDSStage: "DISCUSS", Status: "IN_PROGRESS"},
		{IDSStage: "SOLVE", Status: "RESOLVED"},
		{IDSStage: "IDENTIFY", Status: "OPEN"},
	})
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 2, sum.ByStage["IDENTIFY"])
	assert.Equal(t, 1, sum.ByState["RESOLVED"])
}
