package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Actor identifies who performs a mutation and where the request came from.
type Actor struct {
	UserID int64
	IP     string
}

// Scope addresses either one division or the corporate (division-less) level of
// an organization. Only seats and VTO rows live at the corporate level.
type Scope struct {
	OrganizationID int64
	DivisionID     int64
}

func DivisionScope(divisionID int64) Scope {
	return Scope{DivisionID: divisionID}
}

func CorporateScope(organizationID int64) Scope {
	return Scope{OrganizationID: organizationID}
}

func (sc Scope) IsCorporate() bool {
	return sc.DivisionID <= 0
}

func (sc Scope) valid() bool {
	return sc.DivisionID > 0 || sc.OrganizationID > 0
}

func (sc Scope) clause() (string, []any) {
	if sc.IsCorporate() {
		return "division_id IS NULL AND organization_id = ?", []any{sc.OrganizationID}
	}
	return "division_id = ?", []any{sc.DivisionID}
}

func (sc Scope) divisionValue() any {
	if sc.IsCorporate() {
		return nil
	}
	return sc.DivisionID
}

type Store struct {
	db    *sql.DB
	audit *AuditWriter
	retry RetryPolicy
	now   func() time.Time
}

func New(db *sql.DB, audit *AuditWriter, policy RetryPolicy) *Store {
	return &Store{
		db:    db,
		audit: audit,
		retry: policy,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetClock replaces the time source. Tests use it to pin dates.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// inTx runs fn in a write transaction, retrying the whole closure on lock
// contention. fn may run more than once and must not accumulate state.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.retry.Do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// ReadWithRetry runs a read under the same retry policy as writes.
func (s *Store) ReadWithRetry(ctx context.Context, fn func() error) error {
	return s.retry.Do(ctx, fn)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func divisionOrg(ctx context.Context, q queryer, divisionID int64) (int64, error) {
	var orgID int64
	err := q.QueryRowContext(ctx, `SELECT organization_id FROM divisions WHERE id=? AND is_active=1`, divisionID).Scan(&orgID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("division %d: %w", divisionID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup division: %w", err)
	}
	return orgID, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
