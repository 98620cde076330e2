package authpw

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"eos/api/internal/rbac"
	"eos/api/internal/store"
	"golang.org/x/crypto/bcrypt"
)

type grantKey struct {
	userID   int64
	role     string
	division int64
}

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users     map[int64]store.User
	divisions map[string]store.Division
	grants    map[grantKey]bool
	logins    []string
	nextID    int64
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:     make(map[int64]store.User),
		divisions: map[string]store.Division{"acme.north": {ID: 11, OrganizationID: 1, FullSlug: "acme.north"}},
		grants:    make(map[grantKey]bool),
	}
}

func (m *mockUserStore) add(u store.User) store.User {
	m.nextID++
	u.ID = m.nextID
	u.IsActive = true
	m.users[u.ID] = u
	return u
}

func (m *mockUserStore) GetUserByLogin(_ context.Context, login string) (store.User, error) {
	for _, u := range m.users {
		if u.IsActive && (u.Username == login || u.Email == login) {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) GetUserByID(_ context.Context, id int64) (store.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) FindFederatedUser(_ context.Context, email, identity string) (store.User, error) {
	for _, u := range m.users {
		if u.Email == email || u.SSOIdentity == identity {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) UniqueUsername(_ context.Context, base string) (string, error) {
	candidate := base
	for i := 2; ; i++ {
		taken := false
		for _, u := range m.users {
			if u.Username == candidate {
				taken = true
			}
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}
}

func (m *mockUserStore) CreateUser(_ context.Context, _ store.Actor, in store.UserInput) (store.User, error) {
	return m.add(store.User{Username: in.Username, Email: in.Email, FullName: in.FullName,
		PasswordHash: in.PasswordHash, SSOIdentity: in.SSOIdentity, SSOProvider: in.SSOProvider}), nil
}

func (m *mockUserStore) RecordFederatedLogin(_ context.Context, actor store.Actor, identity, provider, fullName string) error {
	u := m.users[actor.UserID]
	u.SSOIdentity, u.SSOProvider = identity, provider
	if fullName != "" {
		u.FullName = fullName
	}
	m.users[u.ID] = u
	m.logins = append(m.logins, "sso")
	return nil
}

func (m *mockUserStore) TouchLastLogin(context.Context, store.Actor) error {
	m.logins = append(m.logins, "password")
	return nil
}

func (m *mockUserStore) SetPasswordHash(_ context.Context, _ store.Actor, userID int64, hash string) error {
	u, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = hash
	m.users[userID] = u
	return nil
}

func (m *mockUserStore) GetDivisionByFullSlug(_ context.Context, fullSlug string) (store.Division, error) {
	if d, ok := m.divisions[fullSlug]; ok {
		return d, nil
	}
	return store.Division{}, store.ErrNotFound
}

func (m *mockUserStore) GrantRole(_ context.Context, _ store.Actor, in store.GrantInput) (int64, bool, error) {
	key := grantKey{userID: in.UserID, role: in.RoleName}
	if in.DivisionID != nil {
		key.division = *in.DivisionID
	}
	if m.grants[key] {
		return 1, false, nil
	}
	m.grants[key] = true
	return 1, true, nil
}

func (m *mockUserStore) LoadPrincipal(_ context.Context, userID int64) (*rbac.Principal, error) {
	u, ok := m.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	p := &rbac.Principal{ID: u.ID, Username: u.Username, Email: u.Email, FullName: u.FullName}
	for key := range m.grants {
		if key.userID != userID {
			continue
		}
		a := rbac.Assignment{RoleName: rbac.Role(key.role)}
		if key.division != 0 {
			div := key.division
			a.DivisionID = &div
		}
		p.Roles = append(p.Roles, a)
	}
	p.IsParentAdmin = rbac.HasGlobalParentAdmin(p.Roles)
	return p, nil
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore, bcrypt.MinCost, nil)

	hash, err := HashPassword("correct horse", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	user := mockStore.add(store.User{Username: "pat", Email: "pat@example.com", PasswordHash: hash})
	mockStore.add(store.User{Username: "sso-only", Email: "sso@example.com"})

	t.Run("username", func(t *testing.T) {
		p, err := svc.Authenticate(ctx, "pat", "correct horse", "10.0.0.1")
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if p.ID != user.ID {
			t.Fatalf("principal id = %d, want %d", p.ID, user.ID)
		}
	})

	t.Run("email", func(t *testing.T) {
		if _, err := svc.Authenticate(ctx, "pat@example.com", "correct horse", ""); err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
	})

	cases := []struct {
		name, login, password string
	}{
		{"wrong password", "pat", "wrong"},
		{"unknown user", "nobody", "correct horse"},
		{"no password set", "sso-only", ""},
		{"empty login", "", "correct horse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Authenticate(ctx, tc.login, tc.password, "")
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("Authenticate() error = %v, want ErrInvalidCredentials", err)
			}
		})
	}

	if len(mockStore.logins) != 2 {
		t.Fatalf("expected 2 stamped logins, got %v", mockStore.logins)
	}
}

func TestFederatedLogin(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	mockStore.add(store.User{Username: "jo", Email: "someone-else@example.com"})
	groups, err := ParseGroupRoleMap([]byte(`
groups:
  north-team:
    - role: USER_RW
      division: acme.north
  ghost-team:
    - role: USER_RO
      division: acme.ghost
`))
	if err != nil {
		t.Fatalf("ParseGroupRoleMap() error = %v", err)
	}
	svc := NewService(mockStore, bcrypt.MinCost, groups)

	res, err := svc.FederatedLogin(ctx, Assertion{Email: "Jo@Example.com", FullName: "Jo Park", Groups: []string{"north-team", "ghost-team", "unmapped"}}, "")
	if err != nil {
		t.Fatalf("FederatedLogin() error = %v", err)
	}
	if !res.UserCreated || res.NewGrants != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Principal.Username != "jo2" {
		t.Fatalf("username = %q, want jo2", res.Principal.Username)
	}
	if !rbac.CanEditDivision(res.Principal, 11) {
		t.Fatal("expected edit access to the mapped division")
	}

	again, err := svc.FederatedLogin(ctx, Assertion{Email: "jo@example.com", Groups: []string{"north-team"}}, "")
	if err != nil {
		t.Fatalf("second FederatedLogin() error = %v", err)
	}
	if again.UserCreated || again.NewGrants != 0 {
		t.Fatalf("second login should be idempotent: %+v", again)
	}
	if again.Principal.FullName != "Jo Park" {
		t.Fatalf("full name lost on login without one: %q", again.Principal.FullName)
	}

	if _, err := svc.FederatedLogin(ctx, Assertion{Email: "  "}, ""); !errors.Is(err, ErrMissingEmail) {
		t.Fatalf("expected ErrMissingEmail, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore, bcrypt.MinCost, nil)
	hash, _ := HashPassword("old-password", bcrypt.MinCost)
	user := mockStore.add(store.User{Username: "pat", Email: "pat@example.com", PasswordHash: hash})
	actor := store.Actor{UserID: user.ID}

	if err := svc.ChangePassword(ctx, actor, "nope", "new-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.ChangePassword(ctx, actor, "old-password", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := svc.ChangePassword(ctx, actor, "old-password", "new-password"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	if _, err := svc.Authenticate(ctx, "pat", "new-password", ""); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "pat", "old-password", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still works: %v", err)
	}
}

func TestParseGroupRoleMapRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"unknown role":     "groups:\n  g:\n    - role: OWNER\n",
		"missing division": "groups:\n  g:\n    - role: USER_RW\n",
		"not yaml":         "groups: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseGroupRoleMap([]byte(doc)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}

	m, err := ParseGroupRoleMap([]byte("groups:\n  admins:\n    - role: PARENT_ADMIN\n"))
	if err != nil {
		t.Fatalf("ParseGroupRoleMap() error = %v", err)
	}
	grants := m.Grants([]string{"admins", "admins"})
	if len(grants) != 1 || grants[0].Role != rbac.RoleParentAdmin {
		t.Fatalf("unexpected grants: %+v", grants)
	}
}

func TestLoadGroupRoleMapEmptyPath(t *testing.T) {
	m, err := LoadGroupRoleMap("")
	if err != nil || len(m) != 0 {
		t.Fatalf("LoadGroupRoleMap(\"\") = %v, %v", m, err)
	}
}
