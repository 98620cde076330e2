package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	ActionCreate        = "CREATE"
	ActionUpdate        = "UPDATE"
	ActionDelete        = "DELETE"
	ActionStageChange   = "STAGE_CHANGE"
	ActionConvertToRock = "CONVERT_TO_ROCK"
	ActionConvertToTodo = "CONVERT_TO_TODO"
	ActionMoveOut       = "MOVE_OUT"
	ActionMoveIn        = "MOVE_IN"
	ActionStart         = "START"
	ActionComplete      = "COMPLETE"
	ActionGrant         = "GRANT"
	ActionRevoke        = "REVOKE"
	ActionLogin         = "LOGIN"
)

type AuditEntry struct {
	OrganizationID *int64
	DivisionID     *int64
	UserID         int64
	Table          string
	RecordID       int64
	Action         string
	Changes        any
	IPAddress      string
}

type AuditRecord struct {
	ID             int64           `json:"id"`
	OrganizationID *int64          `json:"organization_id"`
	DivisionID     *int64          `json:"division_id"`
	UserID         *int64          `json:"user_id"`
	Username       string          `json:"username,omitempty"`
	Table          string          `json:"table_name"`
	RecordID       *int64          `json:"record_id"`
	Action         string          `json:"action"`
	Changes        json.RawMessage `json:"changes,omitempty"`
	IPAddress      string          `json:"ip_address,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AuditWriter appends to audit_log on its own handle after the primary write
// has committed. A failed audit write never fails the caller.
type AuditWriter struct {
	db    *sql.DB
	retry RetryPolicy
}

func NewAuditWriter(db *sql.DB, policy RetryPolicy) *AuditWriter {
	return &AuditWriter{db: db, retry: policy}
}

func (w *AuditWriter) Record(ctx context.Context, entries ...AuditEntry) {
	if w == nil || w.db == nil {
		return
	}
	log := zerolog.Ctx(ctx)
	for _, entry := range entries {
		if err := w.write(ctx, entry); err != nil {
			log.Warn().Err(err).
				Str("table", entry.Table).
				Int64("record_id", entry.RecordID).
				Str("action", entry.Action).
				Msg("audit write failed")
		}
	}
}

func (w *AuditWriter) write(ctx context.Context, entry AuditEntry) error {
	var changes any
	if entry.Changes != nil {
		raw, err := json.Marshal(entry.Changes)
		if err != nil {
			return fmt.Errorf("encode audit changes: %w", err)
		}
		changes = string(raw)
	}
	var userID any
	if entry.UserID > 0 {
		userID = entry.UserID
	}
	var ip any
	if entry.IPAddress != "" {
		ip = entry.IPAddress
	}
	return w.retry.Do(ctx, func() error {
		_, err := w.db.ExecContext(ctx, `
			INSERT INTO audit_log (organization_id, division_id, user_id, table_name, record_id, action, changes, ip_address, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.OrganizationID, entry.DivisionID, userID, entry.Table, entry.RecordID, entry.Action, changes, ip, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	})
}

func (s *Store) record(ctx context.Context, entries ...AuditEntry) {
	s.audit.Record(ctx, entries...)
}

func auditEntry(actor Actor, orgID int64, divisionID *int64, table string, recordID int64, action string, changes any) AuditEntry {
	org := orgID
	return AuditEntry{
		OrganizationID: &org,
		DivisionID:     divisionID,
		UserID:         actor.UserID,
		Table:          table,
		RecordID:       recordID,
		Action:         action,
		Changes:        changes,
		IPAddress:      actor.IP,
	}
}

func divisionPtr(divisionID int64) *int64 {
	if divisionID <= 0 {
		return nil
	}
	d := divisionID
	return &d
}

type AuditFilter struct {
	OrganizationID int64
	DivisionID     int64
	Table          string
	RecordID       int64
	Limit          int
}

// ListAudit returns audit rows newest first. A zero filter returns the whole log
// and is reserved for operator tooling.
func (s *Store) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	query := `
		SELECT a.id, a.organization_id, a.division_id, a.user_id, COALESCE(u.username, ''), a.table_name,
			a.record_id, a.action, COALESCE(a.changes, ''), COALESCE(a.ip_address, ''), a.created_at
		FROM audit_log a
		LEFT JOIN users u ON u.id = a.user_id
		WHERE 1=1`
	var args []any
	if filter.OrganizationID > 0 {
		query += ` AND a.organization_id = ?`
		args = append(args, filter.OrganizationID)
	}
	if filter.DivisionID > 0 {
		query += ` AND a.division_id = ?`
		args = append(args, filter.DivisionID)
	}
	if filter.Table != "" {
		query += ` AND a.table_name = ?`
		args = append(args, filter.Table)
	}
	if filter.RecordID > 0 {
		query += ` AND a.record_id = ?`
		args = append(args, filter.RecordID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY a.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	items := make([]AuditRecord, 0)
	for rows.Next() {
		var item AuditRecord
		var changes string
		if err := rows.Scan(
			&item.ID,
			&item.OrganizationID,
			&item.DivisionID,
			&item.UserID,
			&item.Username,
			&item.Table,
			&item.RecordID,
			&item.Action,
			&changes,
			&item.IPAddress,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if changes != "" {
			item.Changes = json.RawMessage(changes)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return items, nil
}
