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

type Seat struct {
	ID              int64     `json:"id"`
	OrganizationID  int64     `json:"organization_id"`
	DivisionID      *int64    `json:"division_id"`
	SeatName        string    `json:"seat_name"`
	SeatDescription *string   `json:"seat_description"`
	UserID          *int64    `json:"user_id"`
	UserName        *string   `json:"user_name"`
	Roles           []string  `json:"roles"`
	GWCGetIt        bool      `json:"gwc_get_it"`
	GWCWantIt       bool      `json:"gwc_want_it"`
	GWCCapacity     bool      `json:"gwc_capacity"`
	ReportsToSeatID *int64    `json:"reports_to_seat_id"`
	SortOrder       int       `json:"sort_order"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s Seat) Occupied() bool {
	return (s.UserName != nil && strings.TrimSpace(*s.UserName) != "") || s.UserID != nil
}

func (s Seat) RightPersonRightSeat() bool {
	return workflow.RightPersonRightSeat(s.Occupied(), workflow.GWC{
		GetIt:    s.GWCGetIt,
		WantIt:   s.GWCWantIt,
		Capacity: s.GWCCapacity,
	})
}

type SeatInput struct {
	SeatName        string   `json:"seat_name" validate:"required"`
	SeatDescription string   `json:"seat_description"`
	UserID          int64    `json:"user_id" validate:"gte=0"`
	UserName        string   `json:"user_name"`
	Roles           []string `json:"roles" validate:"max=5"`
	GWCGetIt        bool     `json:"gwc_get_it"`
	GWCWantIt       bool     `json:"gwc_want_it"`
	GWCCapacity     bool     `json:"gwc_capacity"`
	ReportsToSeatID int64    `json:"reports_to_seat_id" validate:"gte=0"`
	SortOrder       int      `json:"sort_order"`
}

type SeatSummary struct {
	Total                int `json:"total"`
	Filled               int `json:"filled"`
	Empty                int `json:"empty"`
	RightPersonRightSeat int `json:"right_person_right_seat"`
}

type SeatNode struct {
	Seat
	Children []SeatNode `json:"children"`
}

var seatEntity = entity{
	table:        "accountability_seats",
	historyTable: "accountability_seats_history",
	historyFK:    "seat_id",
	fields: map[string]field{
		"seat_name":          {column: "seat_name", normalize: requiredText},
		"seat_description":   {column: "seat_description", normalize: optionalText},
		"user_name":          {column: "user_name", normalize: optionalText},
		"user_id":            {column: "user_id", normalize: optionalID},
		"role_1":             {column: "role_1", normalize: optionalText},
		"role_2":             {column: "role_2", normalize: optionalText},
		"role_3":             {column: "role_3", normalize: optionalText},
		"role_4":             {column: "role_4", normalize: optionalText},
		"role_5":             {column: "role_5", normalize: optionalText},
		"gwc_get_it":         {column: "gwc_get_it", normalize: flag},
		"gwc_want_it":        {column: "gwc_want_it", normalize: flag},
		"gwc_capacity":       {column: "gwc_capacity", normalize: flag},
		"reports_to_seat_id": {column: "reports_to_seat_id", normalize: optionalID},
		"sort_order":         {column: "sort_order", normalize: intRange(0, 1<<20)},
	},
	check: checkSeatParent,
}

func checkSeatParent(ctx context.Context, tx *sql.Tx, sc Scope, id int64, values map[string]any) error {
	raw, ok := values["reports_to_seat_id"]
	if !ok || raw == nil {
		return nil
	}
	parent := raw.(int64)
	parents, err := seatParents(ctx, tx, sc)
	if err != nil {
		return err
	}
	if _, ok := parents[parent]; !ok {
		return fmt.Errorf("%w: reports_to_seat_id %d is not a seat in this chart", ErrInvalidValue, parent)
	}
	return workflow.ValidateReparent(id, parent, parents)
}

func seatParents(ctx context.Context, q queryer, sc Scope) (map[int64]int64, error) {
	where, args := sc.clause()
	rows, err := q.QueryContext(ctx,
		`SELECT id, COALESCE(reports_to_seat_id, 0) FROM accountability_seats WHERE is_active = 1 AND `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("load seat parents: %w", err)
	}
	defer rows.Close()
	parents := make(map[int64]int64)
	for rows.Next() {
		var id, parent int64
		if err := rows.Scan(&id, &parent); err != nil {
			return nil, fmt.Errorf("scan seat parent: %w", err)
		}
		parents[id] = parent
	}
	return parents, rows.Err()
}

const seatColumns = `id, organization_id, division_id, seat_name, seat_description, user_id, user_name, role_1, role_2, role_3, role_4, role_5, gwc_get_it, gwc_want_it, gwc_capacity, reports_to_seat_id, sort_order, created_at, updated_at`

func scanSeat(row interface{ Scan(...any) error }) (Seat, error) {
	var st Seat
	var roles [5]*string
	err := row.Scan(&st.ID, &st.OrganizationID, &st.DivisionID, &st.SeatName, &st.SeatDescription, &st.UserID, &st.UserName,
		&roles[0], &roles[1], &roles[2], &roles[3], &roles[4],
		&st.GWCGetIt, &st.GWCWantIt, &st.GWCCapacity, &st.ReportsToSeatID, &st.SortOrder, &st.CreatedAt, &st.UpdatedAt)
	st.Roles = make([]string, 0, len(roles))
	for _, r := range roles {
		if r != nil && *r != "" {
			st.Roles = append(st.Roles, *r)
		}
	}
	return st, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// resolveScope fills in the organization of a division scope.
func resolveScope(ctx context.Context, q queryer, sc Scope) (Scope, error) {
	if !sc.valid() {
		return Scope{}, ErrNotFound
	}
	if sc.IsCorporate() {
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM organizations WHERE id = ? AND is_active = 1)`, sc.OrganizationID).Scan(&exists); err != nil {
			return Scope{}, fmt.Errorf("lookup organization: %w", err)
		}
		if !exists {
			return Scope{}, fmt.Errorf("organization %d: %w", sc.OrganizationID, ErrNotFound)
		}
		return sc, nil
	}
	orgID, err := divisionOrg(ctx, q, sc.DivisionID)
	if err != nil {
		return Scope{}, err
	}
	sc.OrganizationID = orgID
	return sc, nil
}

func (s *Store) CreateSeat(ctx context.Context, actor Actor, sc Scope, in SeatInput) (Seat, error) {
	in.SeatName = strings.TrimSpace(in.SeatName)
	in.UserName = strings.TrimSpace(in.UserName)
	if err := validateInput(in); err != nil {
		return Seat{}, err
	}
	var roles [5]any
	for i, r := range in.Roles {
		roles[i] = nullIfEmpty(strings.TrimSpace(r))
	}

	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		sc, err = resolveScope(ctx, tx, sc)
		if err != nil {
			return err
		}
		if in.ReportsToSeatID > 0 {
			parents, err := seatParents(ctx, tx, sc)
			if err != nil {
				return err
			}
			if _, ok := parents[in.ReportsToSeatID]; !ok {
				return fmt.Errorf("%w: reports_to_seat_id %d is not a seat in this chart", ErrInvalidValue, in.ReportsToSeatID)
			}
		}
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO accountability_seats (organization_id, division_id, seat_name, seat_description, user_id, user_name,
				role_1, role_2, role_3, role_4, role_5, gwc_get_it, gwc_want_it, gwc_capacity, reports_to_seat_id, sort_order,
				created_by, updated_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sc.OrganizationID, sc.divisionValue(), in.SeatName, nullIfEmpty(strings.TrimSpace(in.SeatDescription)),
			positiveOrNil(in.UserID), nullIfEmpty(in.UserName), roles[0], roles[1], roles[2], roles[3], roles[4],
			boolInt(in.GWCGetIt), boolInt(in.GWCWantIt), boolInt(in.GWCCapacity), positiveOrNil(in.ReportsToSeatID),
			in.SortOrder, actor.UserID, actor.UserID, now, now)
		if err != nil {
			return fmt.Errorf("insert seat: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Seat{}, err
	}
	s.record(ctx, auditEntry(actor, sc.OrganizationID, sc.divisionPtr(), "accountability_seats", id, ActionCreate, map[string]any{
		"seat_name":          in.SeatName,
		"user_name":          nullIfEmpty(in.UserName),
		"roles":              in.Roles,
		"gwc_get_it":         in.GWCGetIt,
		"gwc_want_it":        in.GWCWantIt,
		"gwc_capacity":       in.GWCCapacity,
		"reports_to_seat_id": positiveOrNil(in.ReportsToSeatID),
	}))
	return s.GetSeat(ctx, sc, id)
}

func (s *Store) GetSeat(ctx context.Context, sc Scope, id int64) (Seat, error) {
	if !sc.valid() {
		return Seat{}, ErrNotFound
	}
	where, args := sc.clause()
	st, err := scanSeat(s.db.QueryRowContext(ctx,
		`SELECT `+seatColumns+` FROM accountability_seats WHERE id = ? AND is_active = 1 AND `+where,
		append([]any{id}, args...)...))
	if errors.Is(err, sql.ErrNoRows) {
		return Seat{}, ErrNotFound
	}
	if err != nil {
		return Seat{}, fmt.Errorf("get seat: %w", err)
	}
	return st, nil
}

func (s *Store) ListSeats(ctx context.Context, sc Scope) ([]Seat, error) {
	if !sc.valid() {
		return []Seat{}, nil
	}
	where, args := sc.clause()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+seatColumns+` FROM accountability_seats WHERE is_active = 1 AND `+where+` ORDER BY sort_order, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list seats: %w", err)
	}
	defer rows.Close()

	items := make([]Seat, 0)
	for rows.Next() {
		st, err := scanSeat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seat: %w", err)
		}
		items = append(items, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seats: %w", err)
	}
	return items, nil
}

func (s *Store) UpdateSeat(ctx context.Context, actor Actor, sc Scope, id int64, patch map[string]any) (map[string]Change, error) {
	return s.update(ctx, seatEntity, actor, sc, id, patch)
}

// DeleteSeat soft-deletes a seat and hands its direct reports to its own parent.
func (s *Store) DeleteSeat(ctx context.Context, actor Actor, sc Scope, id int64) error {
	if !sc.valid() || id <= 0 {
		return ErrNotFound
	}
	var orgID int64
	var reparented int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		where, args := sc.clause()
		var parent *int64
		err := tx.QueryRowContext(ctx,
			`SELECT organization_id, reports_to_seat_id FROM accountability_seats WHERE id = ? AND is_active = 1 AND `+where,
			append([]any{id}, args...)...).Scan(&orgID, &parent)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read seat: %w", err)
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE accountability_seats SET is_active = 0, updated_by = ?, updated_at = ? WHERE id = ?
		`, actor.UserID, now, id); err != nil {
			return fmt.Errorf("delete seat: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE accountability_seats SET reports_to_seat_id = ?, updated_by = ?, updated_at = ?
			WHERE reports_to_seat_id = ? AND is_active = 1
		`, parent, actor.UserID, now, id)
		if err != nil {
			return fmt.Errorf("reparent seat reports: %w", err)
		}
		reparented, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	var changes any
	if reparented > 0 {
		changes = map[string]any{"reparented_reports": reparented}
	}
	s.record(ctx, auditEntry(actor, orgID, sc.divisionPtr(), "accountability_seats", id, ActionDelete, changes))
	return nil
}

func (s *Store) SeatHistory(ctx context.Context, sc Scope, id int64) ([]HistoryEntry, error) {
	return s.history(ctx, seatEntity, sc, id)
}

func SummarizeSeats(seats []Seat) SeatSummary {
	var sum SeatSummary
	for _, st := range seats {
		sum.Total++
		if st.Occupied() {
			sum.Filled++
		} else {
			sum.Empty++
		}
		if st.RightPersonRightSeat() {
			sum.RightPersonRightSeat++
		}
	}
	return sum
}

// SeatTree arranges seats under their parents. Seats whose parent is missing
// from the list become roots.
func SeatTree(seats []Seat) []SeatNode {
	byParent := make(map[int64][]Seat)
	known := make(map[int64]bool, len(seats))
	for _, st := range seats {
		known[st.ID] = true
	}
	var roots []Seat
	for _, st := range seats {
		if st.ReportsToSeatID == nil || !known[*st.ReportsToSeatID] {
			roots = append(roots, st)
			continue
		}
		byParent[*st.ReportsToSeatID] = append(byParent[*st.ReportsToSeatID], st)
	}
	var build func(st Seat, depth int) SeatNode
	build = func(st Seat, depth int) SeatNode {
		node := SeatNode{Seat: st, Children: []SeatNode{}}
		if depth > len(seats) {
			return node
		}
		for _, child := range byParent[st.ID] {
			node.Children = append(node.Children, build(child, depth+1))
		}
		return node
	}
	out := make([]SeatNode, 0, len(roots))
	for _, r := range roots {
		out = append(out, build(r, 0))
	}
	return out
}
