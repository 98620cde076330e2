package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	RockNotStarted = "NOT_STARTED"
	RockOnTrack    = "ON_TRACK"
	RockAtRisk     = "AT_RISK"
	RockBlocked    = "BLOCKED"
	RockComplete   = "COMPLETE"
)

type Rock struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	DivisionID     int64     `json:"division_id"`
	Description    string    `json:"description"`
	OwnerName      string    `json:"owner_name"`
	Status         string    `json:"status"`
	DueDate        *string   `json:"due_date"`
	Progress       int       `json:"progress"`
	Quarter        string    `json:"quarter"`
	Year           int       `json:"year"`
	Priority       int       `json:"priority"`
	CreatedBy      *int64    `json:"created_by"`
	UpdatedBy      *int64    `json:"updated_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type RockInput struct {
	Description string `json:"description" validate:"required"`
	OwnerName   string `json:"owner_name" validate:"required"`
	Status      string `json:"status" validate:"omitempty,oneof=NOT_STARTED ON_TRACK AT_RISK BLOCKED COMPLETE"`
	DueDate     string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Progress    int    `json:"progress" validate:"gte=0,lte=100"`
	Quarter     string `json:"quarter" validate:"required,oneof=Q1 Q2 Q3 Q4"`
	Year        int    `json:"year" validate:"required,gte=2000,lte=2100"`
	Priority    int    `json:"priority" validate:"omitempty,gte=1"`
}

type RockFilter struct {
	Quarter string
	Year    int
	Status  string
}

type RockSummary struct {
	Total         int     `json:"total"`
	Complete      int     `json:"complete"`
	OnTrack       int     `json:"on_track"`
	AtRisk        int     `json:"at_risk"`
	NotStarted    int     `json:"not_started"`
	CompletionPct float64 `json:"completion_pct"`
}

var rockEntity = entity{
	table:        "rocks",
	historyTable: "rocks_history",
	historyFK:    "rock_id",
	fields: map[string]field{
		"description": {column: "description", normalize: requiredText},
		"owner_name":  {column: "owner_name", normalize: requiredText},
		"status":      {column: "status", normalize: oneOf(RockNotStarted, RockOnTrack, RockAtRisk, RockBlocked, RockComplete)},
		"due_date":    {column: "due_date", normalize: optionalDate},
		"progress":    {column: "progress", normalize: intRange(0, 100)},
		"quarter":     {column: "quarter", normalize: quarter},
		"year":        {column: "year", normalize: intRange(2000, 2100)},
		"priority":    {column: "priority", normalize: intRange(1, math.MaxInt32)},
	},
}

const rockColumns = `id, organization_id, division_id, description, owner_name, status, due_date, progress, quarter, year, priority, created_by, updated_by, created_at, updated_at`

func scanRock(row interface{ Scan(...any) error }) (Rock, error) {
	var r Rock
	err := row.Scan(&r.ID, &r.OrganizationID, &r.DivisionID, &r.Description, &r.OwnerName, &r.Status, &r.DueDate,
		&r.Progress, &r.Quarter, &r.Year, &r.Priority, &r.CreatedBy, &r.UpdatedBy, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (in *RockInput) normalize() {
	in.Description = strings.TrimSpace(in.Description)
	in.OwnerName = strings.TrimSpace(in.OwnerName)
	in.Status = strings.ToUpper(strings.TrimSpace(in.Status))
	in.Quarter = strings.ToUpper(strings.TrimSpace(in.Quarter))
	if in.Status == "" {
		in.Status = RockNotStarted
	}
	if in.Priority == 0 {
		in.Priority = 1
	}
}

// insertRock writes a rock inside tx and returns its id.
func (s *Store) insertRock(ctx context.Context, tx *sql.Tx, actor Actor, orgID, divisionID int64, in RockInput) (int64, error) {
	now := s.now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO rocks (organization_id, division_id, description, owner_name, status, due_date, progress, quarter, year, priority, created_by, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, orgID, divisionID, in.Description, in.OwnerName, in.Status, nullIfEmpty(in.DueDate), in.Progress, in.Quarter, in.Year, in.Priority,
		actor.UserID, actor.UserID, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert rock: %w", err)
	}
	return res.LastInsertId()
}

func rockSnapshot(in RockInput) map[string]any {
	return map[string]any{
		"description": in.Description,
		"owner_name":  in.OwnerName,
		"status":      in.Status,
		"due_date":    nullIfEmpty(in.DueDate),
		"progress":    in.Progress,
		"quarter":     in.Quarter,
		"year":        in.Year,
		"priority":    in.Priority,
	}
}

func (s *Store) CreateRock(ctx context.Context, actor Actor, divisionID int64, in RockInput) (Rock, error) {
	in.normalize()
	if err := validateInput(in); err != nil {
		return Rock{}, err
	}
	var id, orgID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		orgID, err = divisionOrg(ctx, tx, divisionID)
		if err != nil {
			return err
		}
		id, err = s.insertRock(ctx, tx, actor, orgID, divisionID, in)
		return err
	})
	if err != nil {
		return Rock{}, err
	}
	s.record(ctx, auditEntry(actor, orgID, divisionPtr(divisionID), "rocks", id, ActionCreate, rockSnapshot(in)))
	return s.GetRock(ctx, divisionID, id)
}

func (s *Store) GetRock(ctx context.Context, divisionID, id int64) (Rock, error) {
	r, err := scanRock(s.db.QueryRowContext(ctx,
		`SELECT `+rockColumns+` FROM rocks WHERE id = ? AND division_id = ? AND is_active = 1`, id, divisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Rock{}, ErrNotFound
	}
	if err != nil {
		return Rock{}, fmt.Errorf("get rock: %w", err)
	}
	return r, nil
}

func (s *Store) ListRocks(ctx context.Context, divisionID int64, filter RockFilter) ([]Rock, error) {
	query := `SELECT ` + rockColumns + ` FROM rocks WHERE division_id = ? AND is_active = 1`
	args := []any{divisionID}
	if filter.Quarter != "" {
		query += ` AND quarter = ?`
		args = append(args, strings.ToUpper(filter.Quarter))
	}
	if filter.Year > 0 {
		query += ` AND year = ?`
		args = append(args, filter.Year)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, strings.ToUpper(filter.Status))
	}
	query += ` ORDER BY year DESC, quarter DESC, priority ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rocks: %w", err)
	}
	defer rows.Close()

	items := make([]Rock, 0)
	for rows.Next() {
		r, err := scanRock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rock: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rocks: %w", err)
	}
	return items, nil
}

func (s *Store) UpdateRock(ctx context.Context, actor Actor, divisionID, id int64, patch map[string]any) (map[string]Change, error) {
	return s.update(ctx, rockEntity, actor, DivisionScope(divisionID), id, patch)
}

func (s *Store) DeleteRock(ctx context.Context, actor Actor, divisionID, id int64) error {
	return s.softDelete(ctx, rockEntity, actor, DivisionScope(divisionID), id)
}

func (s *Store) RockHistory(ctx context.Context, divisionID, id int64) ([]HistoryEntry, error) {
	return s.history(ctx, rockEntity, DivisionScope(divisionID), id)
}

func SummarizeRocks(rocks []Rock) RockSummary {
	var sum RockSummary
	for _, r := range rocks {
		sum.Total++
		switch r.Status {
		case RockComplete:
			sum.Complete++
			sum.OnTrack++
		case RockOnTrack:
			sum.OnTrack++
		case RockAtRisk, RockBlocked:
			sum.AtRisk++
		case RockNotStarted:
			sum.NotStarted++
		}
	}
	if sum.Total > 0 {
		sum.CompletionPct = math.Round(float64(sum.Complete)/float64(sum.Total)*1000) / 10
	}
	return sum
}
