package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupResolver(t *testing.T) (*Store, *Resolver) {
	t.Helper()
	store := setupStore(t)
	return store, NewResolver(store)
}

func assign(t *testing.T, store *Store, userID, orgID, roleID string) {
	t.Helper()
	require.NoError(t, store.AssignRole(context.Background(), &UserRoleAssignment{
		UserID: userID, OrgID: orgID, RoleID: roleID,
	}))
}

func TestResolveNoAssignmentFailsClosed(t *testing.T) {
	_, resolver := setupResolver(t)
	ctx := context.Background()

	resolved, err := resolver.Resolve(ctx, "usr_none", "org_1")
	require.NoError(t, err)
	assert.Nil(t, resolved.Role)
	assert.False(t, resolved.IsAdmin)

	allowed, err := resolver.CheckPermission(ctx, "usr_none", "org_1", "leads", ActionView)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestResolveDanglingAssignmentFailsClosed(t *testing.T) {
	store, resolver := setupResolver(t)
	ctx := context.Background()

	assign(t, store, "usr_1", "org_1", "role_that_does_not_exist")

	resolved, err := resolver.Resolve(ctx, "usr_1", "org_1")
	require.NoError(t, err)
	assert.Nil(t, resolved.Role)
	assert.False(t, resolved.IsAdmin)
}

func TestResolveAdminBySystemFlag(t *testing.T) {
	store, resolver := setupResolver(t)
	ctx := context.Background()

	require.NoError(t, store.SeedBuiltInRoles(ctx, "org_1", []string{"leads"}))
	admin, err := store.GetRoleByName(ctx, "org_1", RoleNameAdmin)
	require.NoError(t, err)
	assign(t, store, "usr_1", "org_1", admin.ID)

	resolved, err := resolver.Resolve(ctx, "usr_1", "org_1")
	require.NoError(t, err)
	assert.True(t, resolved.IsAdmin)

	// Admins pass checks even for modules the role never mentions
	allowed, err := resolver.CheckPermission(ctx, "usr_1", "org_1", "nonexistent", ActionDelete)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestResolveAdminByNameCaseInsensitive(t *testing.T) {
	store, resolver := setupResolver(t)
	ctx := context.Background()

	role := &Role{OrgID: "org_1", Name: "ADMIN"}
	require.NoError(t, store.CreateRole(ctx, role))
	assign(t, store, "usr_1", "org_1", role.ID)

	resolved, err := resolver.Resolve(ctx, "usr_1", "org_1")
	require.NoError(t, err)
	assert.True(t, resolved.IsAdmin)
}

func TestCheckPermissionModuleAndAction(t *testing.T) {
	store, resolver := setupResolver(t)
	ctx := context.Background()

	role := testRole("org_1", "Support") // leads: view+edit only
	require.NoError(t, store.CreateRole(ctx, role))
	assign(t, store, "usr_1", "org_1", role.ID)

	allowed, err := resolver.CheckPermission(ctx, "usr_1", "org_1", "leads", ActionView)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = resolver.CheckPermission(ctx, "usr_1", "org_1", "leads", ActionDelete)
	require.NoError(t, err)
	assert.False(t, allowed)

	// A module with no entry grants nothing
	allowed, err = resolver.CheckPermission(ctx, "usr_1", "org_1", "deals", ActionView)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestGetPermissionContextAllowed(t *testing.T) {
	store, resolver := setupResolver(t)
	ctx := context.Background()

	role := testRole("org_1", "Support")
	require.NoError(t, store.CreateRole(ctx, role))
	assign(t, store, "usr_1", "org_1", role.ID)

	pc, err := resolver.GetPermissionContext(ctx, "usr_1", "org_1", "leads", ActionEdit)
	require.NoError(t, err)
	assert.True(t, pc.Allowed)
	assert.True(t, pc.ViewFields.AllowsAll())
	assert.True(t, pc.EditFields.Allows("status"))
	assert.False(t, pc.EditFields.Allows("revenue"))
	assert.Equal(t, VisibilityOwnOnly, pc.Visibility)
	assert.Equal(t, "usr_1", pc.Filter.UserID)
}

func TestGetPermissionContextDeniedMasksAreClosed(t *testing.T) {
	_, resolver := setupResolver(t)

	pc, err := resolver.GetPermissionContext(context.Background(), "usr_none", "org_1", "leads", ActionView)
	require.NoError(t, err)
	assert.False(t, pc.Allowed)
	// Denied masks are "show nothing", not "no restriction"
	assert.False(t, pc.ViewFields.AllowsAll())
	assert.False(t, pc.ViewFields.Allows("name"))
	assert.False(t, pc.EditFields.Allows("name"))
}

func TestGetPermissionContextAdmin(t *testing.T) {
	store, resolver := setupResolver(t)
	ctx := context.Background()

	require.NoError(t, store.SeedBuiltInRoles(ctx, "org_1", []string{"leads"}))
	admin, err := store.GetRoleByName(ctx, "org_1", RoleNameAdmin)
	require.NoError(t, err)
	assign(t, store, "usr_1", "org_1", admin.ID)

	pc, err := resolver.GetPermissionContext(ctx, "usr_1", "org_1", "anything", ActionDelete)
	require.NoError(t, err)
	assert.True(t, pc.Allowed)
	assert.True(t, pc.ViewFields.AllowsAll())
	assert.True(t, pc.EditFields.AllowsAll())
	assert.Equal(t, VisibilityAll, pc.Visibility)
}

func TestRequestCacheMemoizesWithinRequest(t *testing.T) {
	store, resolver := setupResolver(t)
	ctx := WithRequestCache(context.Background())

	role := testRole("org_1", "Support")
	require.NoError(t, store.CreateRole(context.Background(), role))
	assign(t, store, "usr_1", "org_1", role.ID)

	first, err := resolver.Resolve(ctx, "usr_1", "org_1")
	require.NoError(t, err)
	require.NotNil(t, first.Role)

	// Role changes mid-request are not observed
	require.NoError(t, store.RemoveAssignment(context.Background(), "usr_1", "org_1"))

	second, err := resolver.Resolve(ctx, "usr_1", "org_1")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestResolveFreshAcrossRequests(t *testing.T) {
	store, resolver := setupResolver(t)

	role := testRole("org_1", "Support")
	require.NoError(t, store.CreateRole(context.Background(), role))
	assign(t, store, "usr_1", "org_1", role.ID)

	requestOne := WithRequestCache(context.Background())
	first, err := resolver.Resolve(requestOne, "usr_1", "org_1")
	require.NoError(t, err)
	require.NotNil(t, first.Role)

	require.NoError(t, store.RemoveAssignment(context.Background(), "usr_1", "org_1"))

	// A new request gets a new cache and sees the revocation immediately
	requestTwo := WithRequestCache(context.Background())
	second, err := resolver.Resolve(requestTwo, "usr_1", "org_1")
	require.NoError(t, err)
	assert.Nil(t, second.Role)
	assert.False(t, second.IsAdmin)
}
