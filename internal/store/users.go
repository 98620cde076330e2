package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"eos/api/internal/rbac"
)

type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	FullName     string     `json:"full_name"`
	PasswordHash string     `json:"-"`
	SSOIdentity  string     `json:"sso_identity,omitempty"`
	SSOProvider  string     `json:"sso_provider,omitempty"`
	IsActive     bool       `json:"is_active"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type UserInput struct {
	Username     string `json:"username" validate:"required,max=100"`
	Email        string `json:"email" validate:"required,email"`
	FullName     string `json:"full_name" validate:"max=200"`
	PasswordHash string `json:"-"`
	SSOIdentity  string `json:"-"`
	SSOProvider  string `json:"-"`
}

type GrantInput struct {
	UserID         int64  `json:"user_id" validate:"required,gt=0"`
	RoleName       string `json:"role_name" validate:"required,oneof=PARENT_ADMIN DIVISION_ADMIN USER_RW USER_RO"`
	OrganizationID *int64 `json:"organization_id"`
	DivisionID     *int64 `json:"division_id"`
}

const userColumns = `id, username, email, full_name, COALESCE(password_hash, ''), COALESCE(sso_identity, ''), COALESCE(sso_provider, ''), is_active, last_login, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.PasswordHash, &u.SSOIdentity, &u.SSOProvider, &u.IsActive, &u.LastLogin, &u.CreatedAt)
	return u, err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) CreateUser(ctx context.Context, actor Actor, in UserInput) (User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.FullName = strings.TrimSpace(in.FullName)
	if err := validateInput(in); err != nil {
		return User{}, err
	}

	var user User
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (username, email, full_name, password_hash, sso_identity, sso_provider, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, in.Username, in.Email, in.FullName, nullIfEmpty(in.PasswordHash), nullIfEmpty(in.SSOIdentity), nullIfEmpty(in.SSOProvider), now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("user %q: %w", in.Username, ErrConflict)
			}
			return fmt.Errorf("insert user: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("user id: %w", err)
		}
		user = User{
			ID:           id,
			Username:     in.Username,
			Email:        in.Email,
			FullName:     in.FullName,
			PasswordHash: in.PasswordHash,
			SSOIdentity:  in.SSOIdentity,
			SSOProvider:  in.SSOProvider,
			IsActive:     true,
			CreatedAt:    now,
		}
		return nil
	})
	if err != nil {
		return User{}, err
	}
	s.record(ctx, AuditEntry{
		UserID:    actor.UserID,
		Table:     "users",
		RecordID:  user.ID,
		Action:    ActionCreate,
		Changes:   map[string]any{"username": user.Username, "email": user.Email, "full_name": user.FullName},
		IPAddress: actor.IP,
	})
	return user, nil
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByLogin matches an active user by username or email.
func (s *Store) GetUserByLogin(ctx context.Context, login string) (User, error) {
	login = strings.TrimSpace(login)
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE is_active = 1 AND (username = ? OR email = ?)
		ORDER BY CASE WHEN username = ? THEN 0 ELSE 1 END
		LIMIT 1
	`, login, strings.ToLower(login), login))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by login: %w", err)
	}
	return u, nil
}

// FindFederatedUser matches by email or by the external identity recorded on a
// previous federated login.
func (s *Store) FindFederatedUser(ctx context.Context, email, identity string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if identity == "" {
		identity = email
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE is_active = 1 AND (email = ? OR sso_identity = ?)
		LIMIT 1
	`, email, identity))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find federated user: %w", err)
	}
	return u, nil
}

// UniqueUsername returns base, or base with the lowest numeric suffix that is
// not taken yet.
func (s *Store) UniqueUsername(ctx context.Context, base string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		base = "user"
	}
	candidate := base
	for i := 2; i < 1000; i++ {
		var taken bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, candidate).Scan(&taken); err != nil {
			return "", fmt.Errorf("check username: %w", err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}
	return "", fmt.Errorf("username %q: %w", base, ErrConflict)
}

// RecordFederatedLogin refreshes SSO linkage and the display name on each
// federated login. actor is the user logging in.
func (s *Store) RecordFederatedLogin(ctx context.Context, actor Actor, identity, provider, fullName string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		_, err := tx.ExecContext(ctx, `
			UPDATE users
			SET last_login = ?, sso_identity = ?, sso_provider = ?,
				full_name = CASE WHEN ? <> '' THEN ? ELSE full_name END,
				updated_at = ?
			WHERE id = ?
		`, now, nullIfEmpty(identity), nullIfEmpty(provider), fullName, fullName, now, actor.UserID)
		if err != nil {
			return fmt.Errorf("record federated login: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.record(ctx, AuditEntry{UserID: actor.UserID, Table: "users", RecordID: actor.UserID, Action: ActionLogin,
		Changes: map[string]any{"method": "sso", "provider": provider}, IPAddress: actor.IP})
	return nil
}

// TouchLastLogin stamps a password login.
func (s *Store) TouchLastLogin(ctx context.Context, actor Actor) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, s.now(), actor.UserID); err != nil {
			return fmt.Errorf("touch last login: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.record(ctx, AuditEntry{UserID: actor.UserID, Table: "users", RecordID: actor.UserID, Action: ActionLogin,
		Changes: map[string]any{"method": "password"}, IPAddress: actor.IP})
	return nil
}

func (s *Store) SetPasswordHash(ctx context.Context, actor Actor, userID int64, hash string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ? AND is_active = 1`, hash, s.now(), userID)
		if err != nil {
			return fmt.Errorf("set password: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("set password rows: %w", err)
		} else if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.record(ctx, AuditEntry{UserID: actor.UserID, Table: "users", RecordID: userID, Action: ActionUpdate,
		Changes: map[string]any{"password": "changed"}, IPAddress: actor.IP})
	return nil
}

// ListUsers returns active users. A division above zero limits the result to
// users holding an active grant on it.
func (s *Store) ListUsers(ctx context.Context, divisionID int64) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE is_active = 1`
	var args []any
	if divisionID > 0 {
		query += ` AND id IN (SELECT user_id FROM user_roles WHERE is_active = 1 AND division_id = ?)`
		args = append(args, divisionID)
	}
	query += ` ORDER BY username`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *Store) DeactivateUser(ctx context.Context, actor Actor, userID int64) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`, s.now(), userID)
		if err != nil {
			return fmt.Errorf("deactivate user: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("deactivate user rows: %w", err)
		} else if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `UPDATE user_roles SET is_active = 0 WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("deactivate user roles: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.record(ctx, AuditEntry{UserID: actor.UserID, Table: "users", RecordID: userID, Action: ActionDelete, IPAddress: actor.IP})
	return nil
}

// Assignments resolves the active role grants of a user with the names of their
// organization and division.
func (s *Store) Assignments(ctx context.Context, userID int64) ([]rbac.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ur.id, r.name, r.display_name, r.level, ur.organization_id, ur.division_id,
			COALESCE(o.name, ''), COALESCE(o.slug, ''),
			COALESCE(d.display_name, ''), COALESCE(d.slug, ''), COALESCE(d.full_slug, '')
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		LEFT JOIN organizations o ON o.id = ur.organization_id
		LEFT JOIN divisions d ON d.id = ur.division_id
		WHERE ur.user_id = ? AND ur.is_active = 1
			AND (ur.division_id IS NULL OR d.is_active = 1)
		ORDER BY r.level DESC, ur.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	items := make([]rbac.Assignment, 0)
	for rows.Next() {
		var a rbac.Assignment
		var roleName string
		if err := rows.Scan(&a.GrantID, &roleName, &a.RoleDisplay, &a.RoleLevel, &a.OrganizationID, &a.DivisionID,
			&a.OrgName, &a.OrgSlug, &a.DivisionName, &a.DivisionSlug, &a.DivisionFullSlug); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.RoleName = rbac.Normalize(roleName)
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return items, nil
}

// LoadPrincipal builds the session snapshot for an active user.
func (s *Store) LoadPrincipal(ctx context.Context, userID int64) (*rbac.Principal, error) {
	u, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrNotFound
	}
	roles, err := s.Assignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &rbac.Principal{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		FullName:      u.FullName,
		Roles:         roles,
		IsParentAdmin: rbac.HasGlobalParentAdmin(roles),
	}, nil
}

// GrantRole adds an active grant unless an identical one already exists.
// created reports whether a new row was written.
func (s *Store) GrantRole(ctx context.Context, actor Actor, in GrantInput) (grantID int64, created bool, err error) {
	if err := validateInput(in); err != nil {
		return 0, false, err
	}
	var orgID *int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		created = false
		orgID = in.OrganizationID
		if in.DivisionID != nil {
			divOrg, err := divisionOrg(ctx, tx, *in.DivisionID)
			if err != nil {
				return err
			}
			orgID = &divOrg
		}
		var roleID int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM roles WHERE name = ?`, in.RoleName).Scan(&roleID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("role %q: %w", in.RoleName, ErrNotFound)
			}
			return fmt.Errorf("lookup role: %w", err)
		}
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = ? AND is_active = 1)`, in.UserID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup user: %w", err)
		}
		if !exists {
			return fmt.Errorf("user %d: %w", in.UserID, ErrNotFound)
		}

		err := tx.QueryRowContext(ctx, `
			SELECT id FROM user_roles
			WHERE user_id = ? AND role_id = ? AND is_active = 1
				AND organization_id IS ? AND division_id IS ?
		`, in.UserID, roleID, orgID, in.DivisionID).Scan(&grantID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup grant: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, role_id, organization_id, division_id, granted_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, in.UserID, roleID, orgID, in.DivisionID, actor.UserID, s.now())
		if err != nil {
			return fmt.Errorf("insert grant: %w", err)
		}
		grantID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("grant id: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if created {
		s.record(ctx, AuditEntry{
			OrganizationID: orgID,
			DivisionID:     in.DivisionID,
			UserID:         actor.UserID,
			Table:          "user_roles",
			RecordID:       grantID,
			Action:         ActionGrant,
			Changes:        map[string]any{"user_id": in.UserID, "role": in.RoleName},
			IPAddress:      actor.IP,
		})
	}
	return grantID, created, nil
}

// GetGrant returns one active grant by id.
func (s *Store) GetGrant(ctx context.Context, grantID int64) (userID int64, a rbac.Assignment, err error) {
	var roleName string
	err = s.db.QueryRowContext(ctx, `
		SELECT ur.user_id, ur.id, r.name, r.level, ur.organization_id, ur.division_id
		FROM user_roles ur JOIN roles r ON r.id = ur.role_id
		WHERE ur.id = ? AND ur.is_active = 1
	`, grantID).Scan(&userID, &a.GrantID, &roleName, &a.RoleLevel, &a.OrganizationID, &a.DivisionID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, rbac.Assignment{}, ErrNotFound
	}
	if err != nil {
		return 0, rbac.Assignment{}, fmt.Errorf("get grant: %w", err)
	}
	a.RoleName = rbac.Normalize(roleName)
	return userID, a, nil
}

func (s *Store) RevokeRole(ctx context.Context, actor Actor, grantID int64) (userID int64, err error) {
	userID, a, err := s.GetGrant(ctx, grantID)
	if err != nil {
		return 0, err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE user_roles SET is_active = 0 WHERE id = ? AND is_active = 1`, grantID)
		if err != nil {
			return fmt.Errorf("revoke grant: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("revoke grant rows: %w", err)
		} else if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.record(ctx, AuditEntry{
		OrganizationID: a.OrganizationID,
		DivisionID:     a.DivisionID,
		UserID:         actor.UserID,
		Table:          "user_roles",
		RecordID:       grantID,
		Action:         ActionRevoke,
		Changes:        map[string]any{"user_id": userID, "role": a.RoleName},
		IPAddress:      actor.IP,
	})
	return userID, nil
}
