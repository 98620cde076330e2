package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/mattn/go-sqlite3"
)

type Organization struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

type Division struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name"`
	Slug           string    `json:"slug"`
	FullSlug       string    `json:"full_slug"`
	OrgName        string    `json:"org_name"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

type OrganizationInput struct {
	Name string `json:"name" validate:"required,max=200"`
	Slug string `json:"slug" validate:"omitempty,max=100"`
}

type DivisionInput struct {
	OrganizationID int64  `json:"organization_id" validate:"required,gt=0"`
	Name           string `json:"name" validate:"required,max=200"`
	DisplayName    string `json:"display_name" validate:"omitempty,max=200"`
	Slug           string `json:"slug" validate:"omitempty,max=100"`
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) CreateOrganization(ctx context.Context, actor Actor, in OrganizationInput) (Organization, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validateInput(in); err != nil {
		return Organization{}, err
	}
	orgSlug := slug.Make(in.Slug)
	if orgSlug == "" {
		orgSlug = slug.Make(in.Name)
	}
	if orgSlug == "" {
		return Organization{}, fmt.Errorf("%w: organization slug is empty", ErrInvalidValue)
	}

	var org Organization
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO organizations (name, slug, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, in.Name, orgSlug, actor.UserID, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("organization %q: %w", orgSlug, ErrConflict)
			}
			return fmt.Errorf("insert organization: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("organization id: %w", err)
		}
		org = Organization{ID: id, Name: in.Name, Slug: orgSlug, IsActive: true, CreatedAt: now}
		return nil
	})
	if err != nil {
		return Organization{}, err
	}
	s.record(ctx, auditEntry(actor, org.ID, nil, "organizations", org.ID, ActionCreate, map[string]any{
		"name": org.Name,
		"slug": org.Slug,
	}))
	return org, nil
}

func (s *Store) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, slug, is_active, created_at
		FROM organizations WHERE is_active = 1 ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	items := make([]Organization, 0)
	for rows.Next() {
		var item Organization
		if err := rows.Scan(&item.ID, &item.Name, &item.Slug, &item.IsActive, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate organizations: %w", err)
	}
	return items, nil
}

func (s *Store) GetOrganization(ctx context.Context, id int64) (Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, is_active, created_at
		FROM organizations WHERE id = ? AND is_active = 1
	`, id).Scan(&org.ID, &org.Name, &org.Slug, &org.IsActive, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Organization{}, ErrNotFound
	}
	if err != nil {
		return Organization{}, fmt.Errorf("get organization: %w", err)
	}
	return org, nil
}

// CreateDivision derives full_slug from the parent organization's slug.
func (s *Store) CreateDivision(ctx context.Context, actor Actor, in DivisionInput) (Division, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validateInput(in); err != nil {
		return Division{}, err
	}
	divSlug := slug.Make(in.Slug)
	if divSlug == "" {
		divSlug = slug.Make(in.Name)
	}
	if divSlug == "" {
		return Division{}, fmt.Errorf("%w: division slug is empty", ErrInvalidValue)
	}
	display := strings.TrimSpace(in.DisplayName)
	if display == "" {
		display = in.Name
	}

	var div Division
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var orgSlug, orgName string
		err := tx.QueryRowContext(ctx, `SELECT slug, name FROM organizations WHERE id = ? AND is_active = 1`, in.OrganizationID).Scan(&orgSlug, &orgName)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("organization %d: %w", in.OrganizationID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lookup organization: %w", err)
		}
		now := s.now()
		fullSlug := orgSlug + "." + divSlug
		res, err := tx.ExecContext(ctx, `
			INSERT INTO divisions (organization_id, name, display_name, slug, full_slug, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, in.OrganizationID, in.Name, display, divSlug, fullSlug, actor.UserID, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("division %q: %w", fullSlug, ErrConflict)
			}
			return fmt.Errorf("insert division: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("division id: %w", err)
		}
		div = Division{
			ID:             id,
			OrganizationID: in.OrganizationID,
			Name:           in.Name,
			DisplayName:    display,
			Slug:           divSlug,
			FullSlug:       fullSlug,
			OrgName:        orgName,
			IsActive:       true,
			CreatedAt:      now,
		}
		return nil
	})
	if err != nil {
		return Division{}, err
	}
	s.record(ctx, auditEntry(actor, div.OrganizationID, divisionPtr(div.ID), "divisions", div.ID, ActionCreate, map[string]any{
		"name":      div.Name,
		"full_slug": div.FullSlug,
	}))
	return div, nil
}

const divisionColumns = `d.id, d.organization_id, d.name, d.display_name, d.slug, d.full_slug, o.name, d.is_active, d.created_at`

func scanDivision(row interface{ Scan(...any) error }) (Division, error) {
	var d Division
	err := row.Scan(&d.ID, &d.OrganizationID, &d.Name, &d.DisplayName, &d.Slug, &d.FullSlug, &d.OrgName, &d.IsActive, &d.CreatedAt)
	return d, err
}

func (s *Store) GetDivision(ctx context.Context, id int64) (Division, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+divisionColumns+`
		FROM divisions d JOIN organizations o ON o.id = d.organization_id
		WHERE d.id = ? AND d.is_active = 1
	`, id)
	d, err := scanDivision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Division{}, ErrNotFound
	}
	if err != nil {
		return Division{}, fmt.Errorf("get division: %w", err)
	}
	return d, nil
}

func (s *Store) GetDivisionByFullSlug(ctx context.Context, fullSlug string) (Division, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+divisionColumns+`
		FROM divisions d JOIN organizations o ON o.id = d.organization_id
		WHERE d.full_slug = ? AND d.is_active = 1
	`, fullSlug)
	d, err := scanDivision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Division{}, ErrNotFound
	}
	if err != nil {
		return Division{}, fmt.Errorf("get division by slug: %w", err)
	}
	return d, nil
}

// ListDivisions returns active divisions. With all false only ids are returned;
// an organization id above zero narrows the result further.
func (s *Store) ListDivisions(ctx context.Context, orgID int64, all bool, ids []int64) ([]Division, error) {
	if !all && len(ids) == 0 {
		return []Division{}, nil
	}
	query := `
		SELECT ` + divisionColumns + `
		FROM divisions d JOIN organizations o ON o.id = d.organization_id
		WHERE d.is_active = 1 AND o.is_active = 1`
	var args []any
	if orgID > 0 {
		query += ` AND d.organization_id = ?`
		args = append(args, orgID)
	}
	if !all {
		query += ` AND d.id IN (` + placeholders(len(ids)) + `)`
		args = append(args, int64Args(ids)...)
	}
	query += ` ORDER BY o.name, d.name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list divisions: %w", err)
	}
	defer rows.Close()

	items := make([]Division, 0)
	for rows.Next() {
		d, err := scanDivision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan division: %w", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate divisions: %w", err)
	}
	return items, nil
}

func (s *Store) DeactivateDivision(ctx context.Context, actor Actor, id int64) error {
	var orgID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		orgID, err = divisionOrg(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE divisions SET is_active = 0, updated_at = ? WHERE id = ?`, s.now(), id); err != nil {
			return fmt.Errorf("deactivate division: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.record(ctx, auditEntry(actor, orgID, divisionPtr(id), "divisions", id, ActionDelete, nil))
	return nil
}

func (s *Store) DeactivateOrganization(ctx context.Context, actor Actor, id int64) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE organizations SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`, s.now(), id)
		if err != nil {
			return fmt.Errorf("deactivate organization: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("deactivate organization rows: %w", err)
		} else if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `UPDATE divisions SET is_active = 0, updated_at = ? WHERE organization_id = ?`, s.now(), id); err != nil {
			return fmt.Errorf("deactivate organization divisions: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.record(ctx, auditEntry(actor, id, nil, "organizations", id, ActionDelete, nil))
	return nil
}
