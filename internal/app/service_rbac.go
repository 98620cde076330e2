package app

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"eos/api/internal/rbac"
	"eos/api/internal/store"
)

// authorizeDivision checks action on a division. A principal that cannot even
// read the division gets NOT_FOUND so ids outside its scope stay invisible;
// FORBIDDEN is only for in-scope reads without write or admin rights.
func (s *Service) authorizeDivision(ctx context.Context, p *rbac.Principal, divisionID int64, action rbac.Action) error {
	read := rbac.DecideDivision(p, divisionID, rbac.ActionRead)
	if !read.Allowed {
		zerolog.Ctx(ctx).Debug().Int64("division_id", divisionID).Str("reason", read.Reason).Msg("division hidden")
		return errNotFound
	}
	switch action {
	case rbac.ActionRead:
		return nil
	case rbac.ActionAdmin:
		if !rbac.IsDivisionAdmin(p, divisionID) {
			zerolog.Ctx(ctx).Info().Int64("division_id", divisionID).Str("reason", "not a division admin").Msg("access denied")
			return errForbidden
		}
		return nil
	default:
		d := rbac.DecideDivision(p, divisionID, action)
		if !d.Allowed {
			zerolog.Ctx(ctx).Info().Int64("division_id", divisionID).Str("reason", d.Reason).Msg("access denied")
			return errForbidden
		}
		return nil
	}
}

// authorizeScope handles division and corporate scopes. The corporate level of
// an organization is readable by anyone in it and writable only by the superuser.
func (s *Service) authorizeScope(ctx context.Context, p *rbac.Principal, sc store.Scope, action rbac.Action) error {
	if !sc.IsCorporate() {
		return s.authorizeDivision(ctx, p, sc.DivisionID, action)
	}
	if !rbac.CanAccessOrganization(p, sc.OrganizationID) {
		return errNotFound
	}
	if action != rbac.ActionRead && !rbac.IsSuperuser(p) {
		zerolog.Ctx(ctx).Info().Int64("organization_id", sc.OrganizationID).Str("reason", "corporate scope needs superuser").Msg("access denied")
		return errForbidden
	}
	return nil
}

func requireSuperuser(p *rbac.Principal) error {
	if !rbac.IsSuperuser(p) {
		return errForbidden
	}
	return nil
}

// Organizations and divisions

func (s *Service) ListOrganizations(ctx context.Context, p *rbac.Principal) ([]store.Organization, error) {
	orgs, err := s.store.ListOrganizations(ctx)
	if err != nil {
		return nil, err
	}
	if rbac.IsSuperuser(p) {
		return orgs, nil
	}
	visible := make([]store.Organization, 0, len(orgs))
	for _, o := range orgs {
		if rbac.CanAccessOrganization(p, o.ID) {
			visible = append(visible, o)
		}
	}
	return visible, nil
}

func (s *Service) CreateOrganization(ctx context.Context, p *rbac.Principal, ip string, in store.OrganizationInput) (store.Organization, error) {
	if err := requireSuperuser(p); err != nil {
		return store.Organization{}, err
	}
	return s.store.CreateOrganization(ctx, actorOf(p, ip), in)
}

func (s *Service) DeactivateOrganization(ctx context.Context, p *rbac.Principal, ip string, id int64) error {
	if err := requireSuperuser(p); err != nil {
		return err
	}
	return s.store.DeactivateOrganization(ctx, actorOf(p, ip), id)
}

// ListDivisions returns the divisions the principal can read, optionally
// narrowed to one organization.
func (s *Service) ListDivisions(ctx context.Context, p *rbac.Principal, orgID int64) ([]store.Division, error) {
	all, ids := rbac.AccessibleDivisions(p)
	return s.store.ListDivisions(ctx, orgID, all, ids)
}

func (s *Service) GetDivision(ctx context.Context, p *rbac.Principal, id int64) (store.Division, error) {
	if err := s.authorizeDivision(ctx, p, id, rbac.ActionRead); err != nil {
		return store.Division{}, err
	}
	return s.store.GetDivision(ctx, id)
}

func (s *Service) CreateDivision(ctx context.Context, p *rbac.Principal, ip string, in store.DivisionInput) (store.Division, error) {
	if err := requireSuperuser(p); err != nil {
		return store.Division{}, err
	}
	return s.store.CreateDivision(ctx, actorOf(p, ip), in)
}

func (s *Service) DeactivateDivision(ctx context.Context, p *rbac.Principal, ip string, id int64) error {
	if err := requireSuperuser(p); err != nil {
		return err
	}
	return s.store.DeactivateDivision(ctx, actorOf(p, ip), id)
}

// Users and grants

type CreateUserInput struct {
	Username string    `json:"username"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name"`
	Password string    `json:"password"`
	RoleName rbac.Role `json:"role_name"`
	// DivisionID grants RoleName on that division when set.
	DivisionID int64 `json:"division_id"`
}

// ListUsers lists the users of a division (division admins) or, with
// divisionID zero, everyone (superuser).
func (s *Service) ListUsers(ctx context.Context, p *rbac.Principal, divisionID int64) ([]store.User, error) {
	if divisionID <= 0 {
		if err := requireSuperuser(p); err != nil {
			return nil, err
		}
		return s.store.ListUsers(ctx, 0)
	}
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx, divisionID)
}

// CreateUser adds a user, sets an initial password and optionally grants a
// division role. Division admins may only create users into their division.
func (s *Service) CreateUser(ctx context.Context, p *rbac.Principal, ip string, in CreateUserInput) (store.User, error) {
	if in.DivisionID > 0 {
		if err := s.authorizeDivision(ctx, p, in.DivisionID, rbac.ActionAdmin); err != nil {
			return store.User{}, err
		}
		if in.RoleName == "" {
			in.RoleName = rbac.RoleReadOnly
		}
		if err := checkGrantable(p, in.RoleName); err != nil {
			return store.User{}, err
		}
	} else if err := requireSuperuser(p); err != nil {
		return store.User{}, err
	}

	actor := actorOf(p, ip)
	user, err := s.store.CreateUser(ctx, actor, store.UserInput{Username: in.Username, Email: in.Email, FullName: in.FullName})
	if err != nil {
		return store.User{}, err
	}
	if strings.TrimSpace(in.Password) != "" {
		if err := s.auth.SetPassword(ctx, actor, user.ID, in.Password); err != nil {
			return store.User{}, err
		}
	}
	if in.DivisionID > 0 {
		div := in.DivisionID
		if _, _, err := s.store.GrantRole(ctx, actor, store.GrantInput{UserID: user.ID, RoleName: string(in.RoleName), DivisionID: &div}); err != nil {
			return store.User{}, err
		}
	}
	return user, nil
}

func (s *Service) DeactivateUser(ctx context.Context, p *rbac.Principal, ip string, userID int64) error {
	if err := requireSuperuser(p); err != nil {
		return err
	}
	if p.ID == userID {
		return validationError("cannot deactivate yourself")
	}
	if err := s.store.DeactivateUser(ctx, actorOf(p, ip), userID); err != nil {
		return err
	}
	s.revokeSessions(ctx, userID)
	return nil
}

// checkGrantable stops division admins from handing out PARENT_ADMIN.
func checkGrantable(p *rbac.Principal, role rbac.Role) error {
	if rbac.Normalize(string(role)) == "" {
		return validationError("unknown role")
	}
	if role == rbac.RoleParentAdmin && !rbac.IsSuperuser(p) {
		return errForbidden
	}
	return nil
}

func (s *Service) authorizeGrant(ctx context.Context, p *rbac.Principal, role rbac.Role, divisionID *int64) error {
	if divisionID == nil {
		return requireSuperuser(p)
	}
	if err := s.authorizeDivision(ctx, p, *divisionID, rbac.ActionAdmin); err != nil {
		return err
	}
	return checkGrantable(p, role)
}

// GrantRole adds a grant and revokes the grantee's cached sessions so the new
// role applies on their next request.
func (s *Service) GrantRole(ctx context.Context, p *rbac.Principal, ip string, in store.GrantInput) (map[string]any, error) {
	if err := s.authorizeGrant(ctx, p, rbac.Role(in.RoleName), in.DivisionID); err != nil {
		return nil, err
	}
	grantID, created, err := s.store.GrantRole(ctx, actorOf(p, ip), in)
	if err != nil {
		return nil, err
	}
	if created {
		s.revokeSessions(ctx, in.UserID)
	}
	return map[string]any{"grant_id": grantID, "created": created}, nil
}

func (s *Service) RevokeRole(ctx context.Context, p *rbac.Principal, ip string, grantID int64) error {
	_, a, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	if err := s.authorizeGrant(ctx, p, a.RoleName, a.DivisionID); err != nil {
		return err
	}
	userID, err := s.store.RevokeRole(ctx, actorOf(p, ip), grantID)
	if err != nil {
		return err
	}
	s.revokeSessions(ctx, userID)
	return nil
}

func (s *Service) UserRoles(ctx context.Context, p *rbac.Principal, userID int64) ([]rbac.Assignment, error) {
	if p.ID != userID && !rbac.IsSuperuser(p) {
		return nil, errForbidden
	}
	return s.store.Assignments(ctx, userID)
}

// Audit

func (s *Service) DivisionAudit(ctx context.Context, p *rbac.Principal, divisionID int64, filter store.AuditFilter) ([]store.AuditRecord, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	filter.DivisionID = divisionID
	filter.OrganizationID = 0
	return s.store.ListAudit(ctx, filter)
}

func (s *Service) Audit(ctx context.Context, p *rbac.Principal, filter store.AuditFilter) ([]store.AuditRecord, error) {
	if err := requireSuperuser(p); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, filter)
}
