package rbac

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldMaskJSONNull(t *testing.T) {
	data, err := json.Marshal(AllFields())
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	var mask FieldMask
	require.NoError(t, json.Unmarshal([]byte("null"), &mask))
	assert.True(t, mask.AllowsAll())
	assert.True(t, mask.Allows("anything"))
}

func TestFieldMaskJSONEmptyArrayStaysClosed(t *testing.T) {
	// The empty set means "no fields", which must never collapse into
	// the open "all fields" mask.
	data, err := json.Marshal(FieldSet())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	var mask FieldMask
	require.NoError(t, json.Unmarshal([]byte("[]"), &mask))
	assert.False(t, mask.AllowsAll())
	assert.False(t, mask.Allows("name"))
}

func TestFieldMaskJSONFieldSet(t *testing.T) {
	mask := FieldSet("name", "email", "name")
	assert.Equal(t, []string{"name", "email"}, mask.Fields())

	data, err := json.Marshal(mask)
	require.NoError(t, err)
	assert.JSONEq(t, `["name","email"]`, string(data))

	var decoded FieldMask
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Allows("name"))
	assert.True(t, decoded.Allows("email"))
	assert.False(t, decoded.Allows("phone"))
}

func TestModulePermissionJSONRoundTrip(t *testing.T) {
	perm := ModulePermission{
		Module:           "leads",
		Actions:          []Action{ActionView, ActionEdit},
		ViewFields:       AllFields(),
		EditFields:       FieldSet("status", "notes"),
		RecordVisibility: VisibilityOwnOnly,
	}

	data, err := json.Marshal(perm)
	require.NoError(t, err)

	var decoded ModulePermission
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.ViewFields.AllowsAll())
	assert.False(t, decoded.EditFields.AllowsAll())
	assert.True(t, decoded.EditFields.Allows("status"))
	assert.Equal(t, VisibilityOwnOnly, decoded.RecordVisibility)
}

func TestModulePermissionHasAction(t *testing.T) {
	perm := ModulePermission{Actions: []Action{ActionView, ActionCreate}}
	assert.True(t, perm.HasAction(ActionView))
	assert.True(t, perm.HasAction(ActionCreate))
	assert.False(t, perm.HasAction(ActionDelete))
}

func TestRolePermissionFor(t *testing.T) {
	role := &Role{Permissions: []ModulePermission{
		{Module: "leads", Actions: []Action{ActionView}},
		{Module: "deals", Actions: AllActions()},
	}}

	require.NotNil(t, role.PermissionFor("deals"))
	assert.Equal(t, "deals", role.PermissionFor("deals").Module)
	assert.Nil(t, role.PermissionFor("tickets"))
}

func TestBuiltInRoles(t *testing.T) {
	modules := []string{"leads", "contacts", "deals"}
	roles := BuiltInRoles(modules)
	require.Len(t, roles, 4)

	byName := make(map[string]Role, len(roles))
	for _, role := range roles {
		byName[role.Name] = role
	}

	admin := byName[RoleNameAdmin]
	assert.True(t, admin.IsSystem)
	assert.False(t, admin.IsDefault)

	rep := byName[RoleNameSalesRep]
	assert.True(t, rep.IsDefault)
	require.NotNil(t, rep.PermissionFor("leads"))
	assert.Equal(t, VisibilityUnassigned, rep.PermissionFor("leads").RecordVisibility)
	assert.False(t, rep.PermissionFor("leads").HasAction(ActionDelete))

	readOnly := byName[RoleNameReadOnly]
	perm := readOnly.PermissionFor("deals")
	require.NotNil(t, perm)
	assert.Equal(t, []Action{ActionView}, perm.Actions)
	assert.True(t, perm.ViewFields.AllowsAll())
	// Edit mask is the closed empty set, not the open mask
	assert.False(t, perm.EditFields.AllowsAll())
	assert.False(t, perm.EditFields.Allows("name"))

	// Only the default flag varies; every built-in covers every module
	for _, role := range roles {
		assert.Len(t, role.Permissions, len(modules), role.Name)
	}
}
