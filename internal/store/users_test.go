package store

import (
	"context"
	"testing"

	"eos/api/internal/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantRoleIsIdempotent(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()

	u, err := f.store.CreateUser(ctx, f.admin, UserInput{Username: "pat", Email: "Pat@Example.com", FullName: "Pat Lee"})
	require.NoError(t, err)
	assert.Equal(t, "pat@example.com", u.Email)

	div := f.div1.ID
	id1, created, err := f.store.GrantRole(ctx, f.admin, GrantInput{UserID: u.ID, RoleName: string(rbac.RoleReadWrite), DivisionID: &div})
	require.NoError(t, err)
	assert.True(t, created)
	id2, created, err := f.store.GrantRole(ctx, f.admin, GrantInput{UserID: u.ID, RoleName: string(rbac.RoleReadWrite), DivisionID: &div})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	p, err := f.store.LoadPrincipal(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, p.Roles, 1)
	assert.False(t, p.IsParentAdmin)
	require.NotNil(t, p.Roles[0].OrganizationID)
	assert.Equal(t, f.org.ID, *p.Roles[0].OrganizationID)
	assert.Equal(t, "acme-holdings.north-branch", p.Roles[0].DivisionFullSlug)
	assert.True(t, rbac.CanEditDivision(p, f.div1.ID))
	assert.False(t, rbac.CanAccessDivision(p, f.div2.ID))

	userID, err := f.store.RevokeRole(ctx, f.admin, id1)
	require.NoError(t, err)
	assert.Equal(t, u.ID, userID)
	_, err = f.store.RevokeRole(ctx, f.admin, id1)
	assert.ErrorIs(t, err, ErrNotFound)

	p, err = f.store.LoadPrincipal(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, p.Roles)

	entries := f.audit(t, "user_roles", id1)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionRevoke, entries[0].Action)
	assert.Equal(t, ActionGrant, entries[1].Action)
}

func TestGlobalParentAdmin(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	_, _, err := f.store.GrantRole(ctx, f.admin, GrantInput{UserID: f.admin.UserID, RoleName: string(rbac.RoleParentAdmin)})
	require.NoError(t, err)

	p, err := f.store.LoadPrincipal(ctx, f.admin.UserID)
	require.NoError(t, err)
	assert.True(t, p.IsParentAdmin)
	assert.True(t, rbac.CanEditDivision(p, f.div2.ID))
}

func TestGrantRoleValidation(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	_, _, err := f.store.GrantRole(ctx, f.admin, GrantInput{UserID: f.admin.UserID, RoleName: "OWNER"})
	assert.ErrorIs(t, err, ErrInvalidValue)

	missing := int64(9999)
	_, _, err = f.store.GrantRole(ctx, f.admin, GrantInput{UserID: f.admin.UserID, RoleName: string(rbac.RoleReadOnly), DivisionID: &missing})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeactivatedUserHasNoPrincipal(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	u, err := f.store.CreateUser(ctx, f.admin, UserInput{Username: "temp", Email: "temp@example.com"})
	require.NoError(t, err)
	require.NoError(t, f.store.DeactivateUser(ctx, f.admin, u.ID))

	_, err = f.store.LoadPrincipal(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.store.CreateUser(ctx, f.admin, UserInput{Username: "temp", Email: "other@example.com"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSearchEntitiesRespectsDivisions(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	_, err := f.store.CreateRock(ctx, f.admin, f.div1.ID, RockInput{Description: "Open 100% new accounts", OwnerName: "Sam", Quarter: "Q1", Year: 2026})
	require.NoError(t, err)
	_, err = f.store.CreateIssue(ctx, f.admin, f.div2.ID, IssueInput{Issue: "Accounts receivable backlog"})
	require.NoError(t, err)

	hits, err := f.store.SearchEntities(ctx, "accounts", false, []int64{f.div1.ID}, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "rock", hits[0].Type)

	hits, err = f.store.SearchEntities(ctx, "accounts", true, nil, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = f.store.SearchEntities(ctx, "100%", true, nil, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = f.store.SearchEntities(ctx, "accounts", false, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
