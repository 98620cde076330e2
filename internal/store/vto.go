package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type VTO struct {
	ID                   int64     `json:"id"`
	OrganizationID       int64     `json:"organization_id"`
	DivisionID           *int64    `json:"division_id"`
	Version              int       `json:"version"`
	IsActive             bool      `json:"is_active"`
	CoreValues           []string  `json:"core_values"`
	CorePurpose          *string   `json:"core_purpose"`
	CoreNiche            *string   `json:"core_niche"`
	TenYearTarget        *string   `json:"ten_year_target"`
	TargetMarket         *string   `json:"target_market"`
	ThreeUniques         *string   `json:"three_uniques"`
	ProvenProcess        *string   `json:"proven_process"`
	Guarantee            *string   `json:"guarantee"`
	ThreeYearRevenue     *string   `json:"three_year_revenue"`
	ThreeYearProfit      *string   `json:"three_year_profit"`
	ThreeYearMeasurables *string   `json:"three_year_measurables"`
	OneYearRevenue       *string   `json:"one_year_revenue"`
	OneYearProfit        *string   `json:"one_year_profit"`
	OneYearGoals         *string   `json:"one_year_goals"`
	CreatedBy            *int64    `json:"created_by"`
	CreatedAt            time.Time `json:"created_at"`
}

// vtoFields lists the document fields in column order. Every version row
// carries all of them.
var vtoFields = []string{
	"core_values",
	"core_purpose",
	"core_niche",
	"ten_year_target",
	"target_market",
	"three_uniques",
	"proven_process",
	"guarantee",
	"three_year_revenue",
	"three_year_profit",
	"three_year_measurables",
	"one_year_revenue",
	"one_year_profit",
	"one_year_goals",
}

var vtoEntity = func() entity {
	fields := make(map[string]field, len(vtoFields))
	for _, name := range vtoFields {
		fields[name] = field{column: name, normalize: optionalText}
	}
	fields["core_values"] = field{column: "core_values", normalize: textList}
	return entity{table: "vto", fields: fields}
}()

const vtoColumns = `id, organization_id, division_id, version, is_active, core_values, core_purpose, core_niche, ten_year_target, target_market, three_uniques, proven_process, guarantee, three_year_revenue, three_year_profit, three_year_measurables, one_year_revenue, one_year_profit, one_year_goals, created_by, created_at`

func scanVTO(row interface{ Scan(...any) error }) (VTO, error) {
	var v VTO
	var coreValues string
	err := row.Scan(&v.ID, &v.OrganizationID, &v.DivisionID, &v.Version, &v.IsActive, &coreValues,
		&v.CorePurpose, &v.CoreNiche, &v.TenYearTarget, &v.TargetMarket, &v.ThreeUniques, &v.ProvenProcess, &v.Guarantee,
		&v.ThreeYearRevenue, &v.ThreeYearProfit, &v.ThreeYearMeasurables, &v.OneYearRevenue, &v.OneYearProfit, &v.OneYearGoals,
		&v.CreatedBy, &v.CreatedAt)
	if err != nil {
		return VTO{}, err
	}
	v.CoreValues = []string{}
	if strings.TrimSpace(coreValues) != "" {
		if err := json.Unmarshal([]byte(coreValues), &v.CoreValues); err != nil {
			return VTO{}, fmt.Errorf("decode core values: %w", err)
		}
	}
	return v, nil
}

// GetVTO returns the active version for the scope.
func (s *Store) GetVTO(ctx context.Context, sc Scope) (VTO, error) {
	if !sc.valid() {
		return VTO{}, ErrNotFound
	}
	where, args := sc.clause()
	v, err := scanVTO(s.db.QueryRowContext(ctx, `SELECT `+vtoColumns+` FROM vto WHERE is_active = 1 AND `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return VTO{}, ErrNotFound
	}
	if err != nil {
		return VTO{}, fmt.Errorf("get vto: %w", err)
	}
	return v, nil
}

// ListVTOVersions returns every stored version for the scope, newest first.
func (s *Store) ListVTOVersions(ctx context.Context, sc Scope) ([]VTO, error) {
	if !sc.valid() {
		return []VTO{}, nil
	}
	where, args := sc.clause()
	rows, err := s.db.QueryContext(ctx, `SELECT `+vtoColumns+` FROM vto WHERE `+where+` ORDER BY version DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list vto versions: %w", err)
	}
	defer rows.Close()

	items := make([]VTO, 0)
	for rows.Next() {
		v, err := scanVTO(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vto: %w", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vto versions: %w", err)
	}
	return items, nil
}

// SaveVTO never edits a version in place. It retires the active row and writes
// a complete new row holding the merged fields.
func (s *Store) SaveVTO(ctx context.Context, actor Actor, sc Scope, patch map[string]any) (VTO, error) {
	values, err := vtoEntity.normalizePatch(patch)
	if err != nil {
		return VTO{}, err
	}

	var id int64
	var version int
	var changes map[string]Change
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		sc, err = resolveScope(ctx, tx, sc)
		if err != nil {
			return err
		}
		where, args := sc.clause()

		current := make(map[string]any, len(vtoFields))
		dest := make([]any, 0, len(vtoFields)+2)
		var activeID int64
		var prevVersion int
		dest = append(dest, &activeID, &prevVersion)
		scanned := make([]any, len(vtoFields))
		for i := range scanned {
			dest = append(dest, &scanned[i])
		}
		err = tx.QueryRowContext(ctx,
			`SELECT id, version, `+strings.Join(vtoFields, ", ")+` FROM vto WHERE is_active = 1 AND `+where,
			args...).Scan(dest...)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			activeID, prevVersion = 0, 0
			current["core_values"] = "[]"
		case err != nil:
			return fmt.Errorf("read active vto: %w", err)
		default:
			for i, name := range vtoFields {
				current[name] = plain(scanned[i])
			}
		}

		merged := make(map[string]any, len(vtoFields))
		changes = make(map[string]Change)
		for _, name := range vtoFields {
			merged[name] = current[name]
			if v, ok := values[name]; ok {
				merged[name] = v
				oldText, oldNull := canonical(current[name])
				newText, newNull := canonical(v)
				if oldNull != newNull || oldText != newText {
					changes[name] = Change{Old: current[name], New: v}
				}
			}
		}

		now := s.now()
		if activeID > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE vto SET is_active = 0 WHERE id = ?`, activeID); err != nil {
				return fmt.Errorf("retire vto version: %w", err)
			}
		}
		version = prevVersion + 1
		insertArgs := []any{sc.OrganizationID, sc.divisionValue(), version}
		for _, name := range vtoFields {
			insertArgs = append(insertArgs, merged[name])
		}
		insertArgs = append(insertArgs, actor.UserID, now)
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO vto (organization_id, division_id, version, %s, created_by, created_at)
			VALUES (?, ?, ?, %s, ?, ?)
		`, strings.Join(vtoFields, ", "), placeholders(len(vtoFields))), insertArgs...)
		if err != nil {
			return fmt.Errorf("insert vto version: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return VTO{}, err
	}

	action := ActionUpdate
	if version == 1 {
		action = ActionCreate
	}
	s.record(ctx, auditEntry(actor, sc.OrganizationID, sc.divisionPtr(), "vto", id, action, changes))
	return s.GetVTO(ctx, sc)
}
