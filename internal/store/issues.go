package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"eos/api/internal/workflow"
)

type Issue struct {
	ID               int64      `json:"id"`
	OrganizationID   int64      `json:"organization_id"`
	DivisionID       int64      `json:"division_id"`
	Issue            string     `json:"issue"`
	Category         string     `json:"category"`
	Priority         string     `json:"priority"`
	OwnerName        *string    `json:"owner_name"`
	Status           string     `json:"status"`
	IDSStage         string     `json:"ids_stage"`
	DiscussionNotes  *string    `json:"discussion_notes"`
	Solution         *string    `json:"solution"`
	ResolvedAt       *time.Time `json:"resolved_at"`
	ResolvedBy       *int64     `json:"resolved_by"`
	AddedFromL10ID   *int64     `json:"added_from_l10_id"`
	ConvertedToTable *string    `json:"converted_to_table"`
	ConvertedToID    *int64     `json:"converted_to_id"`
	CreatedBy        *int64     `json:"created_by"`
	UpdatedBy        *int64     `json:"updated_by"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (i Issue) owner() string {
	if i.OwnerName == nil {
		return ""
	}
	return *i.OwnerName
}

type IssueInput struct {
	Issue          string `json:"issue" validate:"required"`
	Category       string `json:"category" validate:"max=100"`
	Priority       string `json:"priority" validate:"omitempty,oneof=HIGH MEDIUM LOW"`
	OwnerName      string `json:"owner_name"`
	AddedFromL10ID int64  `json:"-"`
}

type IssueFilter struct {
	Stage    string
	Status   string
	OpenOnly bool
}

type IssueSummary struct {
	Total   int            `json:"total"`
	ByStage map[string]int `json:"by_stage"`
	ByState map[string]int `json:"by_status"`
}

var issueEntity = entity{
	table:        "issues",
	historyTable: "issues_history",
	historyFK:    "issue_id",
	fields: map[string]field{
		"issue":            {column: "issue", normalize: requiredText},
		"category":         {column: "category", normalize: requiredText},
		"priority":         {column: "priority", normalize: oneOf("HIGH", "MEDIUM", "LOW")},
		"owner_name":       {column: "owner_name", normalize: optionalText},
		"discussion_notes": {column: "discussion_notes", normalize: optionalText},
		"solution":         {column: "solution", normalize: optionalText},
	},
}

const issueColumns = `id, organization_id, division_id, issue, category, priority, owner_name, status, ids_stage, discussion_notes, solution, resolved_at, resolved_by, added_from_l10_id, converted_to_table, converted_to_id, created_by, updated_by, created_at, updated_at`

func scanIssue(row interface{ Scan(...any) error }) (Issue, error) {
	var i Issue
	err := row.Scan(&i.ID, &i.OrganizationID, &i.DivisionID, &i.Issue, &i.Category, &i.Priority, &i.OwnerName, &i.Status,
		&i.IDSStage, &i.DiscussionNotes, &i.Solution, &i.ResolvedAt, &i.ResolvedBy, &i.AddedFromL10ID,
		&i.ConvertedToTable, &i.ConvertedToID, &i.CreatedBy, &i.UpdatedBy, &i.CreatedAt, &i.UpdatedAt)
	return i, err
}

func (in *IssueInput) normalize() {
	in.Issue = strings.TrimSpace(in.Issue)
	in.Category = strings.TrimSpace(in.Category)
	in.Priority = strings.ToUpper(strings.TrimSpace(in.Priority))
	in.OwnerName = strings.TrimSpace(in.OwnerName)
	if in.Category == "" {
		in.Category = "ADMINISTRATIVE"
	}
	if in.Priority == "" {
		in.Priority = "MEDIUM"
	}
}

func (s *Store) CreateIssue(ctx context.Context, actor Actor, divisionID int64, in IssueInput) (Issue, error) {
	in.normalize()
	if err := validateInput(in); err != nil {
		return Issue{}, err
	}
	var id, orgID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		orgID, err = divisionOrg(ctx, tx, divisionID)
		if err != nil {
			return err
		}
		var l10 any
		if in.AddedFromL10ID > 0 {
			l10 = in.AddedFromL10ID
		}
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO issues (organization_id, division_id, issue, category, priority, owner_name, status, ids_stage, added_from_l10_id, created_by, updated_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, orgID, divisionID, in.Issue, in.Category, in.Priority, nullIfEmpty(in.OwnerName),
			workflow.IssueOpen, string(workflow.StageIdentify), l10, actor.UserID, actor.UserID, now, now)
		if err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Issue{}, err
	}
	snapshot := map[string]any{
		"issue":      in.Issue,
		"category":   in.Category,
		"priority":   in.Priority,
		"owner_name": nullIfEmpty(in.OwnerName),
		"status":     workflow.IssueOpen,
		"ids_stage":  string(workflow.StageIdentify),
	}
	if in.AddedFromL10ID > 0 {
		snapshot["added_from_l10_id"] = in.AddedFromL10ID
	}
	s.record(ctx, auditEntry(actor, orgID, divisionPtr(divisionID), "issues", id, ActionCreate, snapshot))
	return s.GetIssue(ctx, divisionID, id)
}

func (s *Store) GetIssue(ctx context.Context, divisionID, id int64) (Issue, error) {
	return getIssue(ctx, s.db, divisionID, id)
}

func getIssue(ctx context.Context, q queryer, divisionID, id int64) (Issue, error) {
	i, err := scanIssue(q.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = ? AND division_id = ? AND is_active = 1`, id, divisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Issue{}, ErrNotFound
	}
	if err != nil {
		return Issue{}, fmt.Errorf("get issue: %w", err)
	}
	return i, nil
}

func (s *Store) ListIssues(ctx context.Context, divisionID int64, filter IssueFilter) ([]Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE division_id = ? AND is_active = 1`
	args := []any{divisionID}
	if filter.Stage != "" {
		query += ` AND ids_stage = ?`
		args = append(args, strings.ToUpper(filter.Stage))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, strings.ToUpper(filter.Status))
	}
	if filter.OpenOnly {
		query += ` AND status <> ?`
		args = append(args, workflow.IssueResolved)
	}
	query += ` ORDER BY CASE priority WHEN 'HIGH' THEN 1 WHEN 'MEDIUM' THEN 2 ELSE 3 END, created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

func (s *Store) UpdateIssue(ctx context.Context, actor Actor, divisionID, id int64, patch map[string]any) (map[string]Change, error) {
	return s.update(ctx, issueEntity, actor, DivisionScope(divisionID), id, patch)
}

func (s *Store) DeleteIssue(ctx context.Context, actor Actor, divisionID, id int64) error {
	return s.softDelete(ctx, issueEntity, actor, DivisionScope(divisionID), id)
}

func (s *Store) IssueHistory(ctx context.Context, divisionID, id int64) ([]HistoryEntry, error) {
	return s.history(ctx, issueEntity, DivisionScope(divisionID), id)
}

func (s *Store) appendIssueHistory(ctx context.Context, tx *sql.Tx, actor Actor, id int64, now time.Time, changes map[string]Change) error {
	for _, name := range sortedKeys(changes) {
		c := changes[name]
		oldText, oldNull := canonical(c.Old)
		newText, newNull := canonical(c.New)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issues_history (issue_id, field_changed, old_value, new_value, changed_by, changed_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, name, nullableText(oldText, oldNull), nullableText(newText, newNull), actor.UserID, now); err != nil {
			return fmt.Errorf("write issue history: %w", err)
		}
	}
	return nil
}

// SetIssueStage moves an issue to stage and applies the coupled status and
// resolution fields in the same statement.
func (s *Store) SetIssueStage(ctx context.Context, actor Actor, divisionID, id int64, stage workflow.Stage) (Issue, error) {
	var issue Issue
	var changes map[string]any
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		issue, err = getIssue(ctx, tx, divisionID, id)
		if err != nil {
			return err
		}
		now := s.now()
		from := workflow.Stage(issue.IDSStage)
		result := workflow.ApplyStage(from, stage, actor.UserID, now)

		diff := make(map[string]Change)
		if issue.IDSStage != string(result.Stage) {
			diff["ids_stage"] = Change{Old: issue.IDSStage, New: string(result.Stage)}
		}
		if issue.Status != result.Status {
			diff["status"] = Change{Old: issue.Status, New: result.Status}
		}

		resolvedAt, resolvedBy := any(issue.ResolvedAt), any(issue.ResolvedBy)
		if result.ResolvedAt != nil {
			resolvedAt, resolvedBy = *result.ResolvedAt, *result.ResolvedBy
		} else if result.ClearResolution {
			resolvedAt, resolvedBy = nil, nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE issues
			SET ids_stage = ?, status = ?, resolved_at = ?, resolved_by = ?, updated_by = ?, updated_at = ?
			WHERE id = ?
		`, string(result.Stage), result.Status, resolvedAt, resolvedBy, actor.UserID, now, id); err != nil {
			return fmt.Errorf("update issue stage: %w", err)
		}
		if err := s.appendIssueHistory(ctx, tx, actor, id, now, diff); err != nil {
			return err
		}
		changes = make(map[string]any, len(diff)+1)
		for k, v := range diff {
			changes[k] = v
		}
		if result.Backward {
			changes["backward"] = true
		}
		return nil
	})
	if err != nil {
		return Issue{}, err
	}
	s.record(ctx, auditEntry(actor, issue.OrganizationID, divisionPtr(divisionID), "issues", id, ActionStageChange, changes))
	return s.GetIssue(ctx, divisionID, id)
}

// Materializer creates the target entity of an issue conversion inside the
// conversion transaction.
type Materializer interface {
	// Table names the target table, used for the back reference.
	Table() string
	Action() string
	// ResolvesSource reports whether the source issue is resolved once the
	// target exists.
	ResolvesSource() bool
	Materialize(ctx context.Context, tx *sql.Tx, s *Store, actor Actor, issue Issue) (id int64, snapshot map[string]any, err error)
}

type RockMaterializer struct{}

func (RockMaterializer) Table() string        { return "rocks" }
func (RockMaterializer) Action() string       { return ActionConvertToRock }
func (RockMaterializer) ResolvesSource() bool { return true }

func (RockMaterializer) Materialize(ctx context.Context, tx *sql.Tx, s *Store, actor Actor, issue Issue) (int64, map[string]any, error) {
	q, year := workflow.CurrentQuarter(s.now())
	in := RockInput{
		Description: issue.Issue,
		OwnerName:   workflow.RockOwner(issue.owner()),
		Status:      RockNotStarted,
		Progress:    0,
		Quarter:     q,
		Year:        year,
		Priority:    1,
	}
	id, err := s.insertRock(ctx, tx, actor, issue.OrganizationID, issue.DivisionID, in)
	if err != nil {
		return 0, nil, err
	}
	snapshot := rockSnapshot(in)
	snapshot["source"] = "issue"
	snapshot["issue_id"] = issue.ID
	return id, snapshot, nil
}

type TodoMaterializer struct {
	Resolve bool
	DueDate string
}

func (TodoMaterializer) Table() string          { return "todos" }
func (TodoMaterializer) Action() string         { return ActionConvertToTodo }
func (m TodoMaterializer) ResolvesSource() bool { return m.Resolve }

func (m TodoMaterializer) Materialize(ctx context.Context, tx *sql.Tx, s *Store, actor Actor, issue Issue) (int64, map[string]any, error) {
	due, err := optionalDate(m.DueDate)
	if err != nil {
		return 0, nil, err
	}
	in := TodoInput{
		Task:          issue.Issue,
		OwnerName:     workflow.RockOwner(issue.owner()),
		Priority:      issue.Priority,
		Source:        TodoSourceIssue,
		SourceIssueID: issue.ID,
	}
	if due != nil {
		in.DueDate = due.(string)
	}
	id, err := s.insertTodo(ctx, tx, actor, issue.OrganizationID, issue.DivisionID, in)
	if err != nil {
		return 0, nil, err
	}
	return id, todoSnapshot(in), nil
}

type ConversionResult struct {
	Table    string `json:"table"`
	TargetID int64  `json:"target_id"`
	Resolved bool   `json:"resolved"`
}

// ConvertIssue materializes the target first and only then marks the source,
// all in one transaction. A failed target leaves the issue untouched.
func (s *Store) ConvertIssue(ctx context.Context, actor Actor, divisionID, issueID int64, m Materializer) (ConversionResult, error) {
	var issue Issue
	var result ConversionResult
	var snapshot map[string]any
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		issue, err = getIssue(ctx, tx, divisionID, issueID)
		if err != nil {
			return err
		}
		if issue.ConvertedToID != nil {
			return fmt.Errorf("%w: issue already converted", ErrInvalidTransition)
		}

		targetID, snap, err := m.Materialize(ctx, tx, s, actor, issue)
		if err != nil {
			return fmt.Errorf("materialize %s: %w", m.Table(), err)
		}
		snapshot = snap
		result = ConversionResult{Table: m.Table(), TargetID: targetID, Resolved: m.ResolvesSource()}

		now := s.now()
		if m.ResolvesSource() {
			_, err = tx.ExecContext(ctx, `
				UPDATE issues
				SET status = ?, resolved_at = ?, resolved_by = ?, converted_to_table = ?, converted_to_id = ?, updated_by = ?, updated_at = ?
				WHERE id = ?
			`, workflow.IssueResolved, now, actor.UserID, m.Table(), targetID, actor.UserID, now, issueID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE issues SET converted_to_table = ?, converted_to_id = ?, updated_by = ?, updated_at = ?
				WHERE id = ?
			`, m.Table(), targetID, actor.UserID, now, issueID)
		}
		if err != nil {
			return fmt.Errorf("resolve converted issue: %w", err)
		}
		diff := map[string]Change{"converted_to_id": {Old: nil, New: targetID}}
		if m.ResolvesSource() && issue.Status != workflow.IssueResolved {
			diff["status"] = Change{Old: issue.Status, New: workflow.IssueResolved}
		}
		return s.appendIssueHistory(ctx, tx, actor, issueID, now, diff)
	})
	if err != nil {
		return ConversionResult{}, err
	}

	var issueChanges map[string]any
	if m.Table() == "rocks" {
		issueChanges = map[string]any{"rock_id": result.TargetID, "status": workflow.IssueResolved}
	} else {
		issueChanges = map[string]any{"todo_id": result.TargetID, "resolved": result.Resolved}
	}
	div := divisionPtr(divisionID)
	s.record(ctx,
		auditEntry(actor, issue.OrganizationID, div, m.Table(), result.TargetID, ActionCreate, snapshot),
		auditEntry(actor, issue.OrganizationID, div, "issues", issueID, m.Action(), issueChanges),
	)
	return result, nil
}

// MoveIssue reassigns an issue to another division, taking the organization of
// the destination.
func (s *Store) MoveIssue(ctx context.Context, actor Actor, fromDivision, issueID, toDivision int64) (Issue, error) {
	if fromDivision == toDivision {
		return Issue{}, fmt.Errorf("%w: issue is already in division %d", ErrInvalidValue, toDivision)
	}
	var issue Issue
	var toOrg int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		issue, err = getIssue(ctx, tx, fromDivision, issueID)
		if err != nil {
			return err
		}
		toOrg, err = divisionOrg(ctx, tx, toDivision)
		if err != nil {
			return err
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE issues SET organization_id = ?, division_id = ?, updated_by = ?, updated_at = ? WHERE id = ?
		`, toOrg, toDivision, actor.UserID, now, issueID); err != nil {
			return fmt.Errorf("move issue: %w", err)
		}
		return s.appendIssueHistory(ctx, tx, actor, issueID, now, map[string]Change{
			"division_id": {Old: fromDivision, New: toDivision},
		})
	})
	if err != nil {
		return Issue{}, err
	}
	s.record(ctx,
		auditEntry(actor, issue.OrganizationID, divisionPtr(fromDivision), "issues", issueID, ActionMoveOut,
			map[string]any{"to_division_id": toDivision}),
		auditEntry(actor, toOrg, divisionPtr(toDivision), "issues", issueID, ActionMoveIn,
			map[string]any{"from_division_id": fromDivision}),
	)
	return s.GetIssue(ctx, toDivision, issueID)
}

func SummarizeIssues(issues []Issue) IssueSummary {
	sum := IssueSummary{
		ByStage: map[string]int{
			string(workflow.StageIdentify): 0,
			string(workflow.StageDiscuss):  0,
			string(workflow.StageSolve):    0,
		},
		ByState: map[string]int{
			workflow.IssueOpen:       0,
			workflow.IssueInProgress: 0,
			workflow.IssueResolved:   0,
		},
	}
	for _, i := range issues {
		sum.Total++
		sum.ByStage[i.IDSStage]++
		sum.ByState[i.Status]++
	}
	return sum
}
