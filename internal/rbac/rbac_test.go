package rbac

import (
	"context"
	"testing"
)

func id(v int64) *int64 { return &v }

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleReadOnly, action: ActionRead, allow: true},
		{name: "viewer write", role: RoleReadOnly, action: ActionWrite, allow: false},
		{name: "editor write", role: RoleReadWrite, action: ActionWrite, allow: true},
		{name: "editor admin", role: RoleReadWrite, action: ActionAdmin, allow: false},
		{name: "division admin admin", role: RoleDivisionAdmin, action: ActionAdmin, allow: true},
		{name: "scoped parent admin read", role: RoleParentAdmin, action: ActionRead, allow: true},
		{name: "scoped parent admin write", role: RoleParentAdmin, action: ActionWrite, allow: false},
		{name: "unknown role read", role: Normalize("OWNER"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestDivisionGuards(t *testing.T) {
	superuser := &Principal{ID: 1, Roles: []Assignment{{RoleName: RoleParentAdmin, RoleLevel: 100}}}
	orgAdmin := &Principal{ID: 2, Roles: []Assignment{{RoleName: RoleParentAdmin, OrganizationID: id(1)}}}
	editor := &Principal{ID: 3, Roles: []Assignment{{RoleName: RoleReadWrite, OrganizationID: id(1), DivisionID: id(10)}}}
	viewer := &Principal{ID: 4, Roles: []Assignment{{RoleName: RoleReadOnly, OrganizationID: id(1), DivisionID: id(10)}}}
	scopedParent := &Principal{ID: 6, Roles: []Assignment{{RoleName: RoleParentAdmin, OrganizationID: id(1), DivisionID: id(7)}}}
	admin := &Principal{ID: 5, Roles: []Assignment{
		{RoleName: RoleDivisionAdmin, OrganizationID: id(1), DivisionID: id(11)},
		{RoleName: RoleReadOnly, OrganizationID: id(1), DivisionID: id(10)},
	}}

	cases := []struct {
		name     string
		p        *Principal
		division int64
		access   bool
		edit     bool
		isAdmin  bool
	}{
		{name: "superuser any division", p: superuser, division: 99, access: true, edit: true, isAdmin: true},
		{name: "superuser missing scope", p: superuser, division: 0},
		{name: "org scoped parent admin is not superuser", p: orgAdmin, division: 10},
		{name: "editor own division", p: editor, division: 10, access: true, edit: true},
		{name: "editor other division", p: editor, division: 11},
		{name: "viewer own division", p: viewer, division: 10, access: true},
		{name: "division admin own division", p: admin, division: 11, access: true, edit: true, isAdmin: true},
		{name: "division admin read-only elsewhere", p: admin, division: 10, access: true},
		{name: "division scoped parent admin only reads", p: scopedParent, division: 7, access: true},
		{name: "nil principal", p: nil, division: 10},
		{name: "negative division", p: editor, division: -10},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanAccessDivision(tc.p, tc.division); got != tc.access {
				t.Fatalf("CanAccessDivision = %v, want %v", got, tc.access)
			}
			if got := CanEditDivision(tc.p, tc.division); got != tc.edit {
				t.Fatalf("CanEditDivision = %v, want %v", got, tc.edit)
			}
			if got := IsDivisionAdmin(tc.p, tc.division); got != tc.isAdmin {
				t.Fatalf("IsDivisionAdmin = %v, want %v", got, tc.isAdmin)
			}
			if got := DecideDivision(tc.p, tc.division, ActionAdmin).Allowed; got != tc.isAdmin {
				t.Fatalf("DecideDivision(admin) = %v, want %v", got, tc.isAdmin)
			}
		})
	}
}

func TestDecisionReason(t *testing.T) {
	viewer := &Principal{ID: 4, Roles: []Assignment{{RoleName: RoleReadOnly, DivisionID: id(10)}}}
	d := DecideDivision(viewer, 10, ActionWrite)
	if d.Allowed || d.Reason != "no edit role on division" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if d := DecideDivision(viewer, 0, ActionRead); d.Reason != "missing division scope" {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestCanAccessOrganization(t *testing.T) {
	editor := &Principal{ID: 3, Roles: []Assignment{{RoleName: RoleReadWrite, OrganizationID: id(1), DivisionID: id(10)}}}
	if !CanAccessOrganization(editor, 1) {
		t.Fatal("expected access to own organization")
	}
	if CanAccessOrganization(editor, 2) {
		t.Fatal("expected no access to other organization")
	}
	if CanAccessOrganization(editor, 0) {
		t.Fatal("expected missing organization to deny")
	}
	if !CanAccessOrganization(&Principal{IsParentAdmin: true}, 2) {
		t.Fatal("expected superuser access")
	}
}

func TestAccessibleDivisions(t *testing.T) {
	p := &Principal{Roles: []Assignment{
		{RoleName: RoleReadOnly, DivisionID: id(10)},
		{RoleName: RoleReadWrite, DivisionID: id(10)},
		{RoleName: RoleDivisionAdmin, DivisionID: id(12)},
		{RoleName: RoleParentAdmin, OrganizationID: id(1)},
	}}
	all, ids := AccessibleDivisions(p)
	if all {
		t.Fatal("expected scoped access")
	}
	if len(ids) != 2 || ids[0] != 10 || ids[1] != 12 {
		t.Fatalf("unexpected ids %v", ids)
	}

	all, ids = AccessibleDivisions(&Principal{IsParentAdmin: true})
	if !all || ids != nil {
		t.Fatalf("expected superuser to see all, got %v %v", all, ids)
	}
}

func TestPrincipalContext(t *testing.T) {
	if _, ok := PrincipalFrom(context.Background()); ok {
		t.Fatal("expected no principal on empty context")
	}
	p := &Principal{ID: 7, Username: "kim"}
	got, ok := PrincipalFrom(WithPrincipal(context.Background(), p))
	if !ok || got.ID != 7 {
		t.Fatalf("unexpected principal %+v", got)
	}
}
