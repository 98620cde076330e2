package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	TodoOpen     = "OPEN"
	TodoComplete = "COMPLETE"

	TodoSourceManual = "MANUAL"
	TodoSourceIssue  = "ISSUE"
	TodoSourceL10    = "L10"
)

type Todo struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	DivisionID     int64      `json:"division_id"`
	Task           string     `json:"task"`
	OwnerName      string     `json:"owner_name"`
	DueDate        *string    `json:"due_date"`
	Priority       string     `json:"priority"`
	Status         string     `json:"status"`
	IsCompleted    bool       `json:"is_completed"`
	CompletedAt    *time.Time `json:"completed_at"`
	CompletedBy    *int64     `json:"completed_by"`
	Source         string     `json:"source"`
	SourceIssueID  *int64     `json:"source_issue_id"`
	SourceL10ID    *int64     `json:"source_l10_id"`
	CreatedBy      *int64     `json:"created_by"`
	UpdatedBy      *int64     `json:"updated_by"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type TodoInput struct {
	Task          string `json:"task" validate:"required"`
	OwnerName     string `json:"owner_name" validate:"required"`
	DueDate       string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Priority      string `json:"priority" validate:"omitempty,oneof=HIGH MEDIUM LOW"`
	Source        string `json:"-"`
	SourceIssueID int64  `json:"-"`
	SourceL10ID   int64  `json:"-"`
}

type TodoFilter struct {
	OwnerName        string
	IncludeCompleted bool
}

type TodoSummary struct {
	Total    int `json:"total"`
	Open     int `json:"open"`
	Complete int `json:"complete"`
	Overdue  int `json:"overdue"`
}

var todoEntity = entity{
	table:        "todos",
	historyTable: "todos_history",
	historyFK:    "todo_id",
	fields: map[string]field{
		"task":       {column: "task", normalize: requiredText},
		"owner_name": {column: "owner_name", normalize: requiredText},
		"due_date":   {column: "due_date", normalize: optionalDate},
		"priority":   {column: "priority", normalize: oneOf("HIGH", "MEDIUM", "LOW")},
	},
}

const todoColumns = `id, organization_id, division_id, task, owner_name, due_date, priority, status, is_completed, completed_at, completed_by, source, source_issue_id, source_l10_id, created_by, updated_by, created_at, updated_at`

func scanTodo(row interface{ Scan(...any) error }) (Todo, error) {
	var t Todo
	err := row.Scan(&t.ID, &t.OrganizationID, &t.DivisionID, &t.Task, &t.OwnerName, &t.DueDate, &t.Priority, &t.Status,
		&t.IsCompleted, &t.CompletedAt, &t.CompletedBy, &t.Source, &t.SourceIssueID, &t.SourceL10ID,
		&t.CreatedBy, &t.UpdatedBy, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (in *TodoInput) normalize() {
	in.Task = strings.TrimSpace(in.Task)
	in.OwnerName = strings.TrimSpace(in.OwnerName)
	in.Priority = strings.ToUpper(strings.TrimSpace(in.Priority))
	if in.Priority == "" {
		in.Priority = "MEDIUM"
	}
	if in.Source == "" {
		in.Source = TodoSourceManual
	}
}

func positiveOrNil(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}

func (s *Store) insertTodo(ctx context.Context, tx *sql.Tx, actor Actor, orgID, divisionID int64, in TodoInput) (int64, error) {
	in.normalize()
	if err := validateInput(in); err != nil {
		return 0, err
	}
	now := s.now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO todos (organization_id, division_id, task, owner_name, due_date, priority, status, source, source_issue_id, source_l10_id, created_by, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, orgID, divisionID, in.Task, in.OwnerName, nullIfEmpty(in.DueDate), in.Priority, TodoOpen, in.Source,
		positiveOrNil(in.SourceIssueID), positiveOrNil(in.SourceL10ID), actor.UserID, actor.UserID, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert todo: %w", err)
	}
	return res.LastInsertId()
}

func todoSnapshot(in TodoInput) map[string]any {
	in.normalize()
	snap := map[string]any{
		"task":       in.Task,
		"owner_name": in.OwnerName,
		"due_date":   nullIfEmpty(in.DueDate),
		"priority":   in.Priority,
		"status":     TodoOpen,
		"source":     in.Source,
	}
	if in.SourceIssueID > 0 {
		snap["source_issue_id"] = in.SourceIssueID
	}
	if in.SourceL10ID > 0 {
		snap["source_l10_id"] = in.SourceL10ID
	}
	return snap
}

func (s *Store) CreateTodo(ctx context.Context, actor Actor, divisionID int64, in TodoInput) (Todo, error) {
	in.normalize()
	if err := validateInput(in); err != nil {
		return Todo{}, err
	}
	var id, orgID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		orgID, err = divisionOrg(ctx, tx, divisionID)
		if err != nil {
			return err
		}
		id, err = s.insertTodo(ctx, tx, actor, orgID, divisionID, in)
		return err
	})
	if err != nil {
		return Todo{}, err
	}
	s.record(ctx, auditEntry(actor, orgID, divisionPtr(divisionID), "todos", id, ActionCreate, todoSnapshot(in)))
	return s.GetTodo(ctx, divisionID, id)
}

func (s *Store) GetTodo(ctx context.Context, divisionID, id int64) (Todo, error) {
	t, err := scanTodo(s.db.QueryRowContext(ctx,
		`SELECT `+todoColumns+` FROM todos WHERE id = ? AND division_id = ? AND is_active = 1`, id, divisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Todo{}, ErrNotFound
	}
	if err != nil {
		return Todo{}, fmt.Errorf("get todo: %w", err)
	}
	return t, nil
}

func (s *Store) ListTodos(ctx context.Context, divisionID int64, filter TodoFilter) ([]Todo, error) {
	query := `SELECT ` + todoColumns + ` FROM todos WHERE division_id = ? AND is_active = 1`
	args := []any{divisionID}
	if filter.OwnerName != "" {
		query += ` AND owner_name = ?`
		args = append(args, filter.OwnerName)
	}
	if !filter.IncludeCompleted {
		query += ` AND is_completed = 0`
	}
	query += ` ORDER BY is_completed ASC, due_date IS NULL, due_date ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	items := make([]Todo, 0)
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate todos: %w", err)
	}
	return items, nil
}

func (s *Store) UpdateTodo(ctx context.Context, actor Actor, divisionID, id int64, patch map[string]any) (map[string]Change, error) {
	return s.update(ctx, todoEntity, actor, DivisionScope(divisionID), id, patch)
}

func (s *Store) DeleteTodo(ctx context.Context, actor Actor, divisionID, id int64) error {
	return s.softDelete(ctx, todoEntity, actor, DivisionScope(divisionID), id)
}

func (s *Store) TodoHistory(ctx context.Context, divisionID, id int64) ([]HistoryEntry, error) {
	return s.history(ctx, todoEntity, DivisionScope(divisionID), id)
}

// SetTodoCompleted toggles completion and keeps status, flag and stamps in step.
func (s *Store) SetTodoCompleted(ctx context.Context, actor Actor, divisionID, id int64, done bool) (Todo, error) {
	var todo Todo
	var changes map[string]Change
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		todo, err = scanTodo(tx.QueryRowContext(ctx,
			`SELECT `+todoColumns+` FROM todos WHERE id = ? AND division_id = ? AND is_active = 1`, id, divisionID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get todo: %w", err)
		}
		changes = make(map[string]Change)
		if todo.IsCompleted == done {
			return nil
		}
		now := s.now()
		status, flag := TodoOpen, 0
		var completedAt, completedBy any
		if done {
			status, flag = TodoComplete, 1
			completedAt, completedBy = now, actor.UserID
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE todos SET status = ?, is_completed = ?, completed_at = ?, completed_by = ?, updated_by = ?, updated_at = ?
			WHERE id = ?
		`, status, flag, completedAt, completedBy, actor.UserID, now, id); err != nil {
			return fmt.Errorf("complete todo: %w", err)
		}
		changes["status"] = Change{Old: todo.Status, New: status}
		changes["is_completed"] = Change{Old: todo.IsCompleted, New: done}
		for _, name := range sortedKeys(changes) {
			c := changes[name]
			oldText, _ := canonical(c.Old)
			newText, _ := canonical(c.New)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO todos_history (todo_id, field_changed, old_value, new_value, changed_by, changed_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, id, name, oldText, newText, actor.UserID, now); err != nil {
				return fmt.Errorf("write todo history: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Todo{}, err
	}
	s.record(ctx, auditEntry(actor, todo.OrganizationID, divisionPtr(divisionID), "todos", id, ActionUpdate, changes))
	return s.GetTodo(ctx, divisionID, id)
}

// ListOpenTodosByOwner collects the open tasks of one owner across the given
// divisions, used for the task digest.
func (s *Store) ListOpenTodosByOwner(ctx context.Context, divisionIDs []int64, owner string) ([]Todo, error) {
	if len(divisionIDs) == 0 {
		return []Todo{}, nil
	}
	query := `SELECT ` + todoColumns + ` FROM todos
		WHERE is_active = 1 AND is_completed = 0 AND owner_name = ? AND division_id IN (` + placeholders(len(divisionIDs)) + `)
		ORDER BY due_date IS NULL, due_date ASC, id ASC`
	args := append([]any{owner}, int64Args(divisionIDs)...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list owner todos: %w", err)
	}
	defer rows.Close()

	items := make([]Todo, 0)
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owner todos: %w", err)
	}
	return items, nil
}

// SummarizeTodos counts todos; a todo is overdue when open and due before today.
func SummarizeTodos(todos []Todo, today time.Time) TodoSummary {
	var sum TodoSummary
	day := today.Format(dateLayout)
	for _, t := range todos {
		sum.Total++
		if t.IsCompleted {
			sum.Complete++
			continue
		}
		sum.Open++
		if t.DueDate != nil && *t.DueDate != "" && *t.DueDate < day {
			sum.Overdue++
		}
	}
	return sum
}
