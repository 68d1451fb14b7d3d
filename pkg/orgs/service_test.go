package orgs

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/rbac"
)

func setupService(t *testing.T) (*Service, *rbac.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	roles := rbac.NewStore(db)
	require.NoError(t, roles.EnsureSchema(context.Background()))

	service := NewService(db, roles, nil)
	require.NoError(t, service.EnsureSchema(context.Background()))
	return service, roles
}

func provisionUser(t *testing.T, service *Service, externalID, email string) *User {
	t.Helper()
	user, err := service.UpsertUserByExternalID(context.Background(), auth.Identity{
		ExternalID: externalID,
		Email:      email,
		Name:       "Test User",
	})
	require.NoError(t, err)
	return user
}

func TestCreateOrganizationSeedsRoles(t *testing.T) {
	service, roles := setupService(t)
	ctx := context.Background()

	org, err := service.CreateOrganization(ctx, "Acme Inc", nil)
	require.NoError(t, err)
	assert.Equal(t, "acme-inc", org.Slug)
	assert.NotEmpty(t, org.ID)

	seeded, err := roles.ListRoles(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, seeded, 4)

	defaultRole, err := roles.GetDefaultRole(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleNameSalesRep, defaultRole.Name)
}

func TestCreateOrganizationSlugDeduplication(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	first, err := service.CreateOrganization(ctx, "Acme", nil)
	require.NoError(t, err)
	second, err := service.CreateOrganization(ctx, "Acme", nil)
	require.NoError(t, err)
	third, err := service.CreateOrganization(ctx, "Acme!", nil)
	require.NoError(t, err)

	assert.Equal(t, "acme", first.Slug)
	assert.Equal(t, "acme-2", second.Slug)
	assert.Equal(t, "acme-3", third.Slug)
}

func TestCreateOrganizationRequiresName(t *testing.T) {
	service, _ := setupService(t)
	_, err := service.CreateOrganization(context.Background(), "   ", nil)
	assert.Error(t, err)
}

func TestGetOrganizationBySlug(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	org, err := service.CreateOrganization(ctx, "Acme", map[string]interface{}{"theme": "dark"})
	require.NoError(t, err)

	found, err := service.GetBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, org.ID, found.ID)
	assert.Equal(t, "dark", found.Settings["theme"])

	_, err = service.GetBySlug(ctx, "ghost")
	assert.ErrorIs(t, err, ErrOrgNotFound)
}

func TestUpsertUserIsIdempotentAndRefreshes(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	first, err := service.UpsertUserByExternalID(ctx, auth.Identity{
		ExternalID: "auth0|abc", Email: "old@example.com", Name: "Old Name",
	})
	require.NoError(t, err)

	second, err := service.UpsertUserByExternalID(ctx, auth.Identity{
		ExternalID: "auth0|abc", Email: "new@example.com", Name: "New Name",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "new@example.com", second.Email)
	assert.Equal(t, "New Name", second.Name)
}

func TestUpsertUserRequiresExternalID(t *testing.T) {
	service, _ := setupService(t)
	_, err := service.UpsertUserByExternalID(context.Background(), auth.Identity{})
	assert.Error(t, err)
}

func TestAddMemberAssignsDefaultRole(t *testing.T) {
	service, roles := setupService(t)
	ctx := context.Background()

	org, err := service.CreateOrganization(ctx, "Acme", nil)
	require.NoError(t, err)
	user := provisionUser(t, service, "auth0|rep", "rep@example.com")

	require.NoError(t, service.AddMember(ctx, org.ID, user.ID, "usr_admin"))

	assignment, err := roles.GetAssignment(ctx, user.ID, org.ID)
	require.NoError(t, err)
	role, err := roles.GetRole(ctx, assignment.RoleID)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleNameSalesRep, role.Name)
	require.NotNil(t, assignment.AssignedBy)
	assert.Equal(t, "usr_admin", *assignment.AssignedBy)

	member, err := service.IsMember(ctx, org.ID, user.ID)
	require.NoError(t, err)
	assert.True(t, member)
}

func TestAddMemberTwiceConflicts(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	org, err := service.CreateOrganization(ctx, "Acme", nil)
	require.NoError(t, err)
	user := provisionUser(t, service, "auth0|rep", "rep@example.com")

	require.NoError(t, service.AddMember(ctx, org.ID, user.ID, ""))
	assert.ErrorIs(t, service.AddMember(ctx, org.ID, user.ID, ""), ErrAlreadyMember)
}

func TestAddMemberUnknownUserOrOrg(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	org, err := service.CreateOrganization(ctx, "Acme", nil)
	require.NoError(t, err)
	user := provisionUser(t, service, "auth0|rep", "rep@example.com")

	assert.ErrorIs(t, service.AddMember(ctx, "ghost", user.ID, ""), ErrOrgNotFound)
	assert.ErrorIs(t, service.AddMember(ctx, org.ID, "ghost", ""), ErrUserNotFound)
}

func TestRemoveMemberFailsPermissionResolutionClosed(t *testing.T) {
	service, roles := setupService(t)
	ctx := context.Background()
	resolver := rbac.NewResolver(roles)

	org, err := service.CreateOrganization(ctx, "Acme", nil)
	require.NoError(t, err)
	user := provisionUser(t, service, "auth0|rep", "rep@example.com")
	require.NoError(t, service.AddMember(ctx, org.ID, user.ID, ""))

	resolved, err := resolver.Resolve(ctx, user.ID, org.ID)
	require.NoError(t, err)
	require.NotNil(t, resolved.Role)

	require.NoError(t, service.RemoveMember(ctx, org.ID, user.ID, "usr_admin"))

	resolved, err = resolver.Resolve(ctx, user.ID, org.ID)
	require.NoError(t, err)
	assert.Nil(t, resolved.Role)
	assert.False(t, resolved.IsAdmin)

	member, err := service.IsMember(ctx, org.ID, user.ID)
	require.NoError(t, err)
	assert.False(t, member)
}

func TestRemoveMemberNotFound(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	org, err := service.CreateOrganization(ctx, "Acme", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, service.RemoveMember(ctx, org.ID, "ghost", ""), ErrMemberNotFound)
}

func TestBootstrapOwnerGetsAdminRole(t *testing.T) {
	service, roles := setupService(t)
	ctx := context.Background()
	resolver := rbac.NewResolver(roles)

	org, err := service.CreateOrganization(ctx, "Acme", nil)
	require.NoError(t, err)
	owner := provisionUser(t, service, "auth0|owner", "owner@example.com")

	require.NoError(t, service.BootstrapOwner(ctx, org.ID, owner.ID))

	resolved, err := resolver.Resolve(ctx, owner.ID, org.ID)
	require.NoError(t, err)
	assert.True(t, resolved.IsAdmin)
}

func TestListForUserAndListMembers(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	orgA, err := service.CreateOrganization(ctx, "Alpha", nil)
	require.NoError(t, err)
	orgB, err := service.CreateOrganization(ctx, "Beta", nil)
	require.NoError(t, err)

	user := provisionUser(t, service, "auth0|rep", "rep@example.com")
	require.NoError(t, service.AddMember(ctx, orgA.ID, user.ID, ""))

	mine, err := service.ListForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, orgA.ID, mine[0].ID)

	members, err := service.ListMembers(ctx, orgA.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "rep@example.com", members[0].Email)

	empty, err := service.ListMembers(ctx, orgB.ID)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "acme-inc", Slugify("Acme Inc"))
	assert.Equal(t, "acme", Slugify("  Acme!  "))
	assert.Equal(t, "a-b-1", Slugify("A b 1"))
	assert.Equal(t, "org", Slugify("!!!"))
}
