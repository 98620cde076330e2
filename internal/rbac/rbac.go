package rbac

import "context"

type Role string
type Action string

const (
	RoleParentAdmin   Role = "PARENT_ADMIN"
	RoleDivisionAdmin Role = "DIVISION_ADMIN"
	RoleReadWrite     Role = "USER_RW"
	RoleReadOnly      Role = "USER_RO"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// Can is what a grant of role on one division allows there. PARENT_ADMIN
// carries its powers only through the unscoped grant (IsSuperuser); scoped
// to a division it reads like any other role.
func Can(role Role, action Action) bool {
	switch role {
	case RoleDivisionAdmin:
		return true
	case RoleParentAdmin:
		return action == ActionRead
	case RoleReadWrite:
		return action == ActionRead || action == ActionWrite
	case RoleReadOnly:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps a stored role name onto the closed vocabulary. Unknown names
// become the empty role, which Can denies.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleParentAdmin, RoleDivisionAdmin, RoleReadWrite, RoleReadOnly:
		return Role(role)
	default:
		return ""
	}
}

func Level(role Role) int {
	switch role {
	case RoleParentAdmin:
		return 100
	case RoleDivisionAdmin:
		return 50
	case RoleReadWrite:
		return 20
	case RoleReadOnly:
		return 10
	default:
		return 0
	}
}

// Assignment is one active role grant with the names of its scope resolved.
type Assignment struct {
	GrantID          int64  `json:"grant_id,omitempty"`
	RoleName         Role   `json:"role_name"`
	RoleDisplay      string `json:"role_display,omitempty"`
	RoleLevel        int    `json:"role_level"`
	OrganizationID   *int64 `json:"organization_id"`
	DivisionID       *int64 `json:"division_id"`
	OrgName          string `json:"org_name,omitempty"`
	OrgSlug          string `json:"org_slug,omitempty"`
	DivisionName     string `json:"division_name,omitempty"`
	DivisionSlug     string `json:"division_slug,omitempty"`
	DivisionFullSlug string `json:"division_full_slug,omitempty"`
}

func (a Assignment) isGlobal() bool {
	return a.OrganizationID == nil && a.DivisionID == nil
}

func (a Assignment) onDivision(divisionID int64) bool {
	return a.DivisionID != nil && *a.DivisionID == divisionID
}

// Principal is the snapshot of an authenticated user taken at login.
type Principal struct {
	ID            int64        `json:"id"`
	Username      string       `json:"username"`
	Email         string       `json:"email"`
	FullName      string       `json:"full_name"`
	Roles         []Assignment `json:"roles"`
	IsParentAdmin bool         `json:"is_parent_admin"`
}

// Decision carries the reason for a denial so callers can log it without
// showing it to the client.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// HasGlobalParentAdmin reports whether roles contain an unscoped PARENT_ADMIN grant.
func HasGlobalParentAdmin(roles []Assignment) bool {
	for _, a := range roles {
		if a.RoleName == RoleParentAdmin && a.isGlobal() {
			return true
		}
	}
	return false
}

func IsSuperuser(p *Principal) bool {
	if p == nil {
		return false
	}
	return p.IsParentAdmin || HasGlobalParentAdmin(p.Roles)
}

func DecideDivision(p *Principal, divisionID int64, action Action) Decision {
	if p == nil {
		return deny("no principal")
	}
	if divisionID <= 0 {
		return deny("missing division scope")
	}
	if IsSuperuser(p) {
		return allow("superuser")
	}
	for _, a := range p.Roles {
		if !a.onDivision(divisionID) {
			continue
		}
		if Can(a.RoleName, action) {
			return allow(string(a.RoleName))
		}
	}
	switch action {
	case ActionRead:
		return deny("no role on division")
	case ActionWrite:
		return deny("no edit role on division")
	default:
		return deny("not a division admin")
	}
}

func CanAccessDivision(p *Principal, divisionID int64) bool {
	return DecideDivision(p, divisionID, ActionRead).Allowed
}

func CanEditDivision(p *Principal, divisionID int64) bool {
	return DecideDivision(p, divisionID, ActionWrite).Allowed
}

func IsDivisionAdmin(p *Principal, divisionID int64) bool {
	if p == nil || divisionID <= 0 {
		return false
	}
	if IsSuperuser(p) {
		return true
	}
	for _, a := range p.Roles {
		if a.onDivision(divisionID) && a.RoleName == RoleDivisionAdmin {
			return true
		}
	}
	return false
}

// CanAccessOrganization is true for the superuser and for anyone holding a
// grant on the organization or on one of its divisions.
func CanAccessOrganization(p *Principal, orgID int64) bool {
	if p == nil || orgID <= 0 {
		return false
	}
	if IsSuperuser(p) {
		return true
	}
	for _, a := range p.Roles {
		if a.OrganizationID != nil && *a.OrganizationID == orgID {
			return true
		}
	}
	return false
}

// AccessibleDivisions lists the divisions the principal may read. all is true
// for the superuser, in which case ids is nil.
func AccessibleDivisions(p *Principal) (all bool, ids []int64) {
	if p == nil {
		return false, nil
	}
	if IsSuperuser(p) {
		return true, nil
	}
	seen := make(map[int64]bool)
	for _, a := range p.Roles {
		if a.DivisionID == nil || seen[*a.DivisionID] || Normalize(string(a.RoleName)) == "" {
			continue
		}
		seen[*a.DivisionID] = true
		ids = append(ids, *a.DivisionID)
	}
	return false, ids
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
