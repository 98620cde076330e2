package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// normalizer converts a decoded JSON value into the value bound to the column.
// A nil result writes NULL.
type normalizer func(v any) (any, error)

type field struct {
	column    string
	normalize normalizer
}

type entity struct {
	table        string
	historyTable string
	historyFK    string
	fields       map[string]field
	// check runs inside the write transaction after normalization.
	check func(ctx context.Context, tx *sql.Tx, sc Scope, id int64, values map[string]any) error
}

type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

type HistoryEntry struct {
	ID           int64     `json:"id"`
	FieldChanged string    `json:"field_changed"`
	OldValue     *string   `json:"old_value"`
	NewValue     *string   `json:"new_value"`
	ChangedBy    *int64    `json:"changed_by"`
	ChangedAt    time.Time `json:"changed_at"`
}

// normalizePatch validates every key before anything touches the database.
func (e entity) normalizePatch(patch map[string]any) (map[string]any, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("%w: no fields to update", ErrInvalidValue)
	}
	values := make(map[string]any, len(patch))
	for name, raw := range patch {
		f, ok := e.fields[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownField, name)
		}
		v, err := f.normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		values[name] = v
	}
	return values, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// update applies a sparse patch, appends history rows for the fields whose value
// changed and records one UPDATE audit entry with the diff.
func (s *Store) update(ctx context.Context, e entity, actor Actor, sc Scope, id int64, patch map[string]any) (map[string]Change, error) {
	if !sc.valid() || id <= 0 {
		return nil, ErrNotFound
	}
	values, err := e.normalizePatch(patch)
	if err != nil {
		return nil, err
	}
	names := sortedKeys(values)

	var changes map[string]Change
	var orgID int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		changes = make(map[string]Change)

		cols := make([]string, len(names))
		for i, name := range names {
			cols[i] = e.fields[name].column
		}
		where, args := sc.clause()
		query := fmt.Sprintf(`SELECT organization_id, %s FROM %s WHERE id = ? AND is_active = 1 AND %s`,
			strings.Join(cols, ", "), e.table, where)
		current := make([]any, len(names))
		dest := make([]any, 0, len(names)+1)
		dest = append(dest, &orgID)
		for i := range current {
			dest = append(dest, &current[i])
		}
		err := tx.QueryRowContext(ctx, query, append([]any{id}, args...)...).Scan(dest...)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", e.table, err)
		}

		if e.check != nil {
			if err := e.check(ctx, tx, sc, id, values); err != nil {
				return err
			}
		}

		now := s.now()
		sets := make([]string, 0, len(names)+2)
		setArgs := make([]any, 0, len(names)+3)
		for _, name := range names {
			sets = append(sets, e.fields[name].column+" = ?")
			setArgs = append(setArgs, values[name])
		}
		sets = append(sets, "updated_by = ?", "updated_at = ?")
		setArgs = append(setArgs, actor.UserID, now, id)
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, e.table, strings.Join(sets, ", ")),
			setArgs...); err != nil {
			return fmt.Errorf("update %s: %w", e.table, err)
		}

		for i, name := range names {
			oldText, oldNull := canonical(current[i])
			newText, newNull := canonical(values[name])
			if oldNull == newNull && oldText == newText {
				continue
			}
			changes[name] = Change{Old: plain(current[i]), New: plain(values[name])}
			if e.historyTable == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
				INSERT INTO %s (%s, field_changed, old_value, new_value, changed_by, changed_at)
				VALUES (?, ?, ?, ?, ?, ?)`, e.historyTable, e.historyFK),
				id, name, nullableText(oldText, oldNull), nullableText(newText, newNull), actor.UserID, now); err != nil {
				return fmt.Errorf("write %s: %w", e.historyTable, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, auditEntry(actor, orgID, sc.divisionPtr(), e.table, id, ActionUpdate, changes))
	return changes, nil
}

func (sc Scope) divisionPtr() *int64 {
	return divisionPtr(sc.DivisionID)
}

// softDelete flips is_active and records one DELETE audit entry.
func (s *Store) softDelete(ctx context.Context, e entity, actor Actor, sc Scope, id int64) error {
	if !sc.valid() || id <= 0 {
		return ErrNotFound
	}
	var orgID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		where, args := sc.clause()
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT organization_id FROM %s WHERE id = ? AND is_active = 1 AND %s`, e.table, where),
			append([]any{id}, args...)...).Scan(&orgID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", e.table, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET is_active = 0, updated_by = ?, updated_at = ? WHERE id = ?`, e.table),
			actor.UserID, s.now(), id); err != nil {
			return fmt.Errorf("delete %s: %w", e.table, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.record(ctx, auditEntry(actor, orgID, sc.divisionPtr(), e.table, id, ActionDelete, nil))
	return nil
}

// history returns every history row for a record in the scope, including rows of
// soft-deleted records.
func (s *Store) history(ctx context.Context, e entity, sc Scope, id int64) ([]HistoryEntry, error) {
	if e.historyTable == "" {
		return nil, fmt.Errorf("%s: %w", e.table, ErrNotFound)
	}
	where, args := sc.clause()
	var exists bool
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = ? AND %s)`, e.table, where),
		append([]any{id}, args...)...).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", e.table, err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, field_changed, old_value, new_value, changed_by, changed_at
		FROM %s WHERE %s = ? ORDER BY id ASC`, e.historyTable, e.historyFK), id)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", e.historyTable, err)
	}
	defer rows.Close()

	items := make([]HistoryEntry, 0)
	for rows.Next() {
		var item HistoryEntry
		if err := rows.Scan(&item.ID, &item.FieldChanged, &item.OldValue, &item.NewValue, &item.ChangedBy, &item.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", e.historyTable, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", e.historyTable, err)
	}
	return items, nil
}

// canonical renders a stored or normalized value as text for comparison.
func canonical(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return x, false
	case []byte:
		return string(x), false
	case int64:
		return strconv.FormatInt(x, 10), false
	case int:
		return strconv.Itoa(x), false
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), false
	case bool:
		if x {
			return "1", false
		}
		return "0", false
	case time.Time:
		return x.UTC().Format(time.RFC3339), false
	default:
		return fmt.Sprint(x), false
	}
}

func plain(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func nullableText(text string, isNull bool) any {
	if isNull {
		return nil
	}
	return text
}

func requiredText(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: expected text", ErrInvalidValue)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: must not be empty", ErrInvalidValue)
	}
	return s, nil
}

func optionalText(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: expected text", ErrInvalidValue)
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return s, nil
}

func oneOf(allowed ...string) normalizer {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected one of %s", ErrInvalidValue, strings.Join(allowed, ", "))
		}
		s = strings.ToUpper(strings.TrimSpace(s))
		for _, a := range allowed {
			if s == a {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%w: %q is not one of %s", ErrInvalidValue, s, strings.Join(allowed, ", "))
	}
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%w: expected whole number", ErrInvalidValue)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: expected whole number", ErrInvalidValue)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: expected whole number", ErrInvalidValue)
	}
}

func intRange(min, max int64) normalizer {
	return func(v any) (any, error) {
		n, err := toInt(v)
		if err != nil {
			return nil, err
		}
		if n < min || n > max {
			return nil, fmt.Errorf("%w: %d outside %d..%d", ErrInvalidValue, n, min, max)
		}
		return n, nil
	}
}

func optionalIntRange(min, max int64) normalizer {
	inner := intRange(min, max)
	return func(v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		return inner(v)
	}
}

func optionalID(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	n, err := toInt(v)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	return n, nil
}

func optionalFloat(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		if strings.TrimSpace(x) == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: expected number", ErrInvalidValue)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: expected number", ErrInvalidValue)
	}
}

func flag(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		n, err := toInt(v)
		if err != nil || (n != 0 && n != 1) {
			return nil, fmt.Errorf("%w: expected boolean", ErrInvalidValue)
		}
		return n, nil
	}
}

const dateLayout = "2006-01-02"

func optionalDate(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: expected date", ErrInvalidValue)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if _, err := time.Parse(dateLayout, s); err != nil {
		return nil, fmt.Errorf("%w: expected YYYY-MM-DD", ErrInvalidValue)
	}
	return s, nil
}

var quarterPattern = regexp.MustCompile(`^Q[1-4]$`)

func quarter(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: expected quarter", ErrInvalidValue)
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	if !quarterPattern.MatchString(s) {
		return nil, fmt.Errorf("%w: quarter must be Q1..Q4", ErrInvalidValue)
	}
	return s, nil
}

func optionalQuarter(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return quarter(v)
}

// textList accepts an ordered list of strings and stores it as a JSON array.
func textList(v any) (any, error) {
	var items []string
	switch x := v.(type) {
	case nil:
		items = []string{}
	case []string:
		items = x
	case []any:
		items = make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: expected list of text", ErrInvalidValue)
			}
			items = append(items, s)
		}
	default:
		return nil, fmt.Errorf("%w: expected list of text", ErrInvalidValue)
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return string(raw), nil
}
