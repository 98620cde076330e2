package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"eos/api/internal/workflow"
)

type Meeting struct {
	ID                        int64      `json:"id"`
	OrganizationID            int64      `json:"organization_id"`
	DivisionID                int64      `json:"division_id"`
	MeetingDate               string     `json:"meeting_date"`
	MeetingTime               *string    `json:"meeting_time"`
	Frequency                 string     `json:"frequency"`
	DurationMinutes           int        `json:"duration_minutes"`
	ActualDurationMinutes     *int64     `json:"actual_duration_minutes"`
	Status                    string     `json:"status"`
	StartedAt                 *time.Time `json:"started_at"`
	CompletedAt               *time.Time `json:"completed_at"`
	FacilitatorUserID         *int64     `json:"facilitator_user_id"`
	Rating                    *int64     `json:"rating"`
	SegueGoodNews             *string    `json:"segue_good_news"`
	CustomerEmployeeHeadlines *string    `json:"customer_employee_headlines"`
	ScorecardReview           *string    `json:"scorecard_review"`
	RockReview                *string    `json:"rock_review"`
	ConcludeNotes             *string    `json:"conclude_notes"`
	CreatedBy                 *int64     `json:"created_by"`
	CreatedAt                 time.Time  `json:"created_at"`
	UpdatedAt                 time.Time  `json:"updated_at"`
	Sections                  []Section  `json:"sections,omitempty"`
}

type Section struct {
	ID               int64      `json:"id"`
	MeetingID        int64      `json:"l10_meeting_id"`
	SectionName      string     `json:"section_name"`
	SectionOrder     int        `json:"section_order"`
	AllocatedMinutes int        `json:"allocated_minutes"`
	ActualMinutes    *int64     `json:"actual_minutes"`
	Status           string     `json:"status"`
	Notes            *string    `json:"notes"`
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
}

type MeetingInput struct {
	MeetingDate       string `json:"meeting_date" validate:"required,datetime=2006-01-02"`
	MeetingTime       string `json:"meeting_time" validate:"omitempty,datetime=15:04"`
	Frequency         string `json:"frequency" validate:"omitempty,oneof=WEEKLY BIWEEKLY MONTHLY"`
	DurationMinutes   int    `json:"duration_minutes" validate:"gte=0,lte=600"`
	FacilitatorUserID int64  `json:"facilitator_user_id" validate:"gte=0"`
}

type SectionPatch struct {
	Notes         *string `json:"notes"`
	Status        *string `json:"status"`
	ActualMinutes *int    `json:"actual_minutes"`
}

type MeetingStats struct {
	Completed         int     `json:"completed"`
	AverageDuration   float64 `json:"average_duration_minutes"`
	AverageRating     float64 `json:"average_rating"`
	LastCompletedDate string  `json:"last_completed_date,omitempty"`
}

var meetingEntity = entity{
	table: "l10_meetings",
	fields: map[string]field{
		"segue_good_news":             {column: "segue_good_news", normalize: optionalText},
		"customer_employee_headlines": {column: "customer_employee_headlines", normalize: optionalText},
		"scorecard_review":            {column: "scorecard_review", normalize: optionalText},
		"rock_review":                 {column: "rock_review", normalize: optionalText},
		"conclude_notes":              {column: "conclude_notes", normalize: optionalText},
		"rating":                      {column: "rating", normalize: optionalIntRange(1, 10)},
	},
}

const meetingColumns = `id, organization_id, division_id, meeting_date, meeting_time, frequency, duration_minutes, actual_duration_minutes, status, started_at, completed_at, facilitator_user_id, rating, segue_good_news, customer_employee_headlines, scorecard_review, rock_review, conclude_notes, created_by, created_at, updated_at`

func scanMeeting(row interface{ Scan(...any) error }) (Meeting, error) {
	var m Meeting
	err := row.Scan(&m.ID, &m.OrganizationID, &m.DivisionID, &m.MeetingDate, &m.MeetingTime, &m.Frequency, &m.DurationMinutes,
		&m.ActualDurationMinutes, &m.Status, &m.StartedAt, &m.CompletedAt, &m.FacilitatorUserID, &m.Rating,
		&m.SegueGoodNews, &m.CustomerEmployeeHeadlines, &m.ScorecardReview, &m.RockReview, &m.ConcludeNotes,
		&m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

const sectionColumns = `id, l10_meeting_id, section_name, section_order, allocated_minutes, actual_minutes, status, notes, started_at, completed_at`

func scanSection(row interface{ Scan(...any) error }) (Section, error) {
	var sec Section
	err := row.Scan(&sec.ID, &sec.MeetingID, &sec.SectionName, &sec.SectionOrder, &sec.AllocatedMinutes, &sec.ActualMinutes,
		&sec.Status, &sec.Notes, &sec.StartedAt, &sec.CompletedAt)
	return sec, err
}

func getMeeting(ctx context.Context, q queryer, divisionID, id int64) (Meeting, error) {
	m, err := scanMeeting(q.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM l10_meetings WHERE id = ? AND division_id = ? AND is_active = 1`, id, divisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Meeting{}, ErrNotFound
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("get meeting: %w", err)
	}
	return m, nil
}

// ScheduleMeeting creates the meeting and its own copy of the agenda in one
// transaction.
func (s *Store) ScheduleMeeting(ctx context.Context, actor Actor, divisionID int64, in MeetingInput) (Meeting, error) {
	in.Frequency = strings.ToUpper(strings.TrimSpace(in.Frequency))
	if in.Frequency == "" {
		in.Frequency = workflow.DefaultFrequency
	}
	if in.DurationMinutes == 0 {
		in.DurationMinutes = workflow.DefaultMeetingMinutes
	}
	if err := validateInput(in); err != nil {
		return Meeting{}, err
	}

	var id, orgID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		orgID, err = divisionOrg(ctx, tx, divisionID)
		if err != nil {
			return err
		}
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO l10_meetings (organization_id, division_id, meeting_date, meeting_time, frequency, duration_minutes, status, facilitator_user_id, created_by, updated_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, orgID, divisionID, in.MeetingDate, nullIfEmpty(in.MeetingTime), in.Frequency, in.DurationMinutes,
			string(workflow.MeetingScheduled), positiveOrNil(in.FacilitatorUserID), actor.UserID, actor.UserID, now, now)
		if err != nil {
			return fmt.Errorf("insert meeting: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("meeting id: %w", err)
		}
		for _, sec := range workflow.Agenda() {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO l10_sections (l10_meeting_id, section_name, section_order, allocated_minutes, status)
				VALUES (?, ?, ?, ?, ?)
			`, id, sec.Name, sec.Order, sec.Minutes, workflow.SectionPending); err != nil {
				return fmt.Errorf("insert section %s: %w", sec.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return Meeting{}, err
	}
	s.record(ctx, auditEntry(actor, orgID, divisionPtr(divisionID), "l10_meetings", id, ActionCreate, map[string]any{
		"meeting_date":     in.MeetingDate,
		"meeting_time":     nullIfEmpty(in.MeetingTime),
		"frequency":        in.Frequency,
		"duration_minutes": in.DurationMinutes,
		"status":           string(workflow.MeetingScheduled),
	}))
	return s.GetMeeting(ctx, divisionID, id)
}

func (s *Store) GetMeeting(ctx context.Context, divisionID, id int64) (Meeting, error) {
	m, err := getMeeting(ctx, s.db, divisionID, id)
	if err != nil {
		return Meeting{}, err
	}
	m.Sections, err = s.listSections(ctx, id)
	if err != nil {
		return Meeting{}, err
	}
	return m, nil
}

func (s *Store) listSections(ctx context.Context, meetingID int64) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sectionColumns+` FROM l10_sections WHERE l10_meeting_id = ? ORDER BY section_order, id`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	items := make([]Section, 0, 7)
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		items = append(items, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return items, nil
}

func (s *Store) ListMeetings(ctx context.Context, divisionID int64, status string) ([]Meeting, error) {
	query := `SELECT ` + meetingColumns + ` FROM l10_meetings WHERE division_id = ? AND is_active = 1`
	args := []any{divisionID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, strings.ToUpper(status))
	}
	query += ` ORDER BY meeting_date DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	items := make([]Meeting, 0)
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate meetings: %w", err)
	}
	return items, nil
}

func (s *Store) StartMeeting(ctx context.Context, actor Actor, divisionID, id int64) (Meeting, error) {
	var m Meeting
	var startedAt time.Time
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = getMeeting(ctx, tx, divisionID, id)
		if err != nil {
			return err
		}
		if err := workflow.CanStartMeeting(workflow.MeetingStatus(m.Status)).Error(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		}
		startedAt = s.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE l10_meetings SET status = ?, started_at = ?, updated_by = ?, updated_at = ? WHERE id = ?
		`, string(workflow.MeetingInProgress), startedAt, actor.UserID, startedAt, id); err != nil {
			return fmt.Errorf("start meeting: %w", err)
		}
		return nil
	})
	if err != nil {
		return Meeting{}, err
	}
	s.record(ctx, auditEntry(actor, m.OrganizationID, divisionPtr(divisionID), "l10_meetings", id, ActionStart, map[string]any{
		"status":     Change{Old: m.Status, New: string(workflow.MeetingInProgress)},
		"started_at": startedAt,
	}))
	return s.GetMeeting(ctx, divisionID, id)
}

// CompleteMeeting closes the meeting and force-completes every open section
// in the same transaction.
func (s *Store) CompleteMeeting(ctx context.Context, actor Actor, divisionID, id int64) (Meeting, error) {
	var m Meeting
	var duration int
	var forced int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = getMeeting(ctx, tx, divisionID, id)
		if err != nil {
			return err
		}
		if err := workflow.CanCompleteMeeting(workflow.MeetingStatus(m.Status)).Error(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		}
		now := s.now()
		duration = workflow.MeetingDuration(m.StartedAt, now)
		if _, err := tx.ExecContext(ctx, `
			UPDATE l10_meetings
			SET status = ?, completed_at = ?, actual_duration_minutes = ?, updated_by = ?, updated_at = ?
			WHERE id = ?
		`, string(workflow.MeetingCompleted), now, duration, actor.UserID, now, id); err != nil {
			return fmt.Errorf("complete meeting: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE l10_sections SET status = ?, completed_at = COALESCE(completed_at, ?)
			WHERE l10_meeting_id = ? AND status <> ?
		`, workflow.SectionComplete, now, id, workflow.SectionComplete)
		if err != nil {
			return fmt.Errorf("complete sections: %w", err)
		}
		forced, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return Meeting{}, err
	}
	s.record(ctx, auditEntry(actor, m.OrganizationID, divisionPtr(divisionID), "l10_meetings", id, ActionComplete, map[string]any{
		"status":                  Change{Old: m.Status, New: string(workflow.MeetingCompleted)},
		"actual_duration_minutes": duration,
		"sections_completed":      forced,
	}))
	return s.GetMeeting(ctx, divisionID, id)
}

// UpdateMeetingNotes edits the agenda note fields and the rating.
func (s *Store) UpdateMeetingNotes(ctx context.Context, actor Actor, divisionID, id int64, patch map[string]any) (map[string]Change, error) {
	return s.update(ctx, meetingEntity, actor, DivisionScope(divisionID), id, patch)
}

func (s *Store) DeleteMeeting(ctx context.Context, actor Actor, divisionID, id int64) error {
	return s.softDelete(ctx, meetingEntity, actor, DivisionScope(divisionID), id)
}

// UpdateSection sets notes and status of one agenda section. ACTIVE stamps
// started_at and COMPLETE stamps completed_at.
func (s *Store) UpdateSection(ctx context.Context, actor Actor, divisionID, meetingID, sectionID int64, patch SectionPatch) (Section, error) {
	if patch.Notes == nil && patch.Status == nil && patch.ActualMinutes == nil {
		return Section{}, fmt.Errorf("%w: no fields to update", ErrInvalidValue)
	}
	var status string
	var stampStart, stampComplete bool
	if patch.Status != nil {
		status = strings.ToUpper(strings.TrimSpace(*patch.Status))
		var err error
		stampStart, stampComplete, err = workflow.SectionStamps(status)
		if err != nil {
			return Section{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
	}
	if patch.ActualMinutes != nil && *patch.ActualMinutes < 0 {
		return Section{}, fmt.Errorf("%w: actual_minutes must not be negative", ErrInvalidValue)
	}

	var m Meeting
	var before Section
	changes := make(map[string]Change)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = getMeeting(ctx, tx, divisionID, meetingID)
		if err != nil {
			return err
		}
		before, err = scanSection(tx.QueryRowContext(ctx,
			`SELECT `+sectionColumns+` FROM l10_sections WHERE id = ? AND l10_meeting_id = ?`, sectionID, meetingID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get section: %w", err)
		}

		for k := range changes {
			delete(changes, k)
		}
		sets := []string{}
		args := []any{}
		now := s.now()
		if patch.Notes != nil {
			sets = append(sets, "notes = ?")
			note, _ := optionalText(*patch.Notes)
			args = append(args, note)
			if derefString(before.Notes) != derefString(asString(note)) {
				changes["notes"] = Change{Old: before.Notes, New: note}
			}
		}
		if patch.ActualMinutes != nil {
			sets = append(sets, "actual_minutes = ?")
			args = append(args, *patch.ActualMinutes)
			if before.ActualMinutes == nil || *before.ActualMinutes != int64(*patch.ActualMinutes) {
				changes["actual_minutes"] = Change{Old: before.ActualMinutes, New: *patch.ActualMinutes}
			}
		}
		if patch.Status != nil {
			sets = append(sets, "status = ?")
			args = append(args, status)
			if stampStart {
				sets = append(sets, "started_at = ?")
				args = append(args, now)
			}
			if stampComplete {
				sets = append(sets, "completed_at = ?")
				args = append(args, now)
			}
			if before.Status != status {
				changes["status"] = Change{Old: before.Status, New: status}
			}
		}
		args = append(args, sectionID)
		if _, err := tx.ExecContext(ctx, `UPDATE l10_sections SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("update section: %w", err)
		}
		return nil
	})
	if err != nil {
		return Section{}, err
	}
	s.record(ctx, auditEntry(actor, m.OrganizationID, divisionPtr(divisionID), "l10_sections", sectionID, ActionUpdate, changes))

	sec, err := scanSection(s.db.QueryRowContext(ctx, `SELECT `+sectionColumns+` FROM l10_sections WHERE id = ?`, sectionID))
	if err != nil {
		return Section{}, fmt.Errorf("reload section: %w", err)
	}
	return sec, nil
}

func asString(v any) *string {
	if s, ok := v.(string); ok {
		return &s
	}
	return nil
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// CreateMeetingTodo adds a todo raised during a meeting.
func (s *Store) CreateMeetingTodo(ctx context.Context, actor Actor, divisionID, meetingID int64, in TodoInput) (Todo, error) {
	if _, err := getMeeting(ctx, s.db, divisionID, meetingID); err != nil {
		return Todo{}, err
	}
	in.Source = TodoSourceL10
	in.SourceL10ID = meetingID
	in.SourceIssueID = 0
	return s.CreateTodo(ctx, actor, divisionID, in)
}

// CreateMeetingIssue adds an issue raised during a meeting.
func (s *Store) CreateMeetingIssue(ctx context.Context, actor Actor, divisionID, meetingID int64, in IssueInput) (Issue, error) {
	if _, err := getMeeting(ctx, s.db, divisionID, meetingID); err != nil {
		return Issue{}, err
	}
	in.AddedFromL10ID = meetingID
	return s.CreateIssue(ctx, actor, divisionID, in)
}

// MeetingTodos lists todos created from a meeting.
func (s *Store) MeetingTodos(ctx context.Context, divisionID, meetingID int64) ([]Todo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+todoColumns+` FROM todos
		WHERE division_id = ? AND source_l10_id = ? AND is_active = 1 ORDER BY id`, divisionID, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list meeting todos: %w", err)
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
		return nil, fmt.Errorf("iterate meeting todos: %w", err)
	}
	return items, nil
}

func (s *Store) MeetingStats(ctx context.Context, divisionID int64) (MeetingStats, error) {
	var stats MeetingStats
	var avgDuration, avgRating sql.NullFloat64
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(actual_duration_minutes), AVG(rating), MAX(meeting_date)
		FROM l10_meetings
		WHERE division_id = ? AND is_active = 1 AND status = ?
	`, divisionID, string(workflow.MeetingCompleted)).Scan(&stats.Completed, &avgDuration, &avgRating, &last)
	if err != nil {
		return MeetingStats{}, fmt.Errorf("meeting stats: %w", err)
	}
	if avgDuration.Valid {
		stats.AverageDuration = math.Round(avgDuration.Float64*10) / 10
	}
	if avgRating.Valid {
		stats.AverageRating = math.Round(avgRating.Float64*10) / 10
	}
	stats.LastCompletedDate = last.String
	return stats, nil
}
