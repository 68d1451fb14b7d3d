package rbac

import (
	"encoding/json"
	"errors"
	"time"
)

// Action represents an action that can be performed on a CRM module
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// AllActions lists every grantable action
func AllActions() []Action {
	return []Action{ActionView, ActionCreate, ActionEdit, ActionDelete}
}

// RecordVisibility controls which records within a module a role can see
type RecordVisibility string

const (
	// VisibilityAll grants access to every record in the organization
	VisibilityAll RecordVisibility = "ALL"
	// VisibilityOwnOnly grants access only to records assigned to the caller
	VisibilityOwnOnly RecordVisibility = "OWN_ONLY"
	// VisibilityUnassigned grants access to the caller's records plus
	// records with no assignee
	VisibilityUnassigned RecordVisibility = "UNASSIGNED"
)

// Sentinel errors returned by the store
var (
	ErrRoleNotFound       = errors.New("role not found")
	ErrAssignmentNotFound = errors.New("role assignment not found")
	ErrRoleIsSystem       = errors.New("system roles cannot be modified or deleted")
	ErrRoleInUse          = errors.New("role has active assignments")
	ErrDuplicateRole      = errors.New("role name already exists in organization")
)

// FieldMask is a tagged variant over field allow-sets: either "all fields"
// (the open default) or an explicit set of field names (closed). The empty
// set is a valid, distinct value meaning "no fields" and must not collapse
// into AllFields.
//
// The JSON wire format keeps the store's convention: null or absent means
// all fields, an array (possibly empty) means exactly that set.
type FieldMask struct {
	all    bool
	fields []string
	lookup map[string]struct{}
}

// AllFields returns the open mask that allows every field
func AllFields() FieldMask {
	return FieldMask{all: true}
}

// FieldSet returns a closed mask allowing exactly the given fields
func FieldSet(fields ...string) FieldMask {
	m := FieldMask{fields: make([]string, 0, len(fields)), lookup: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		if _, ok := m.lookup[f]; ok {
			continue
		}
		m.lookup[f] = struct{}{}
		m.fields = append(m.fields, f)
	}
	return m
}

// AllowsAll reports whether the mask is the open "all fields" variant
func (m FieldMask) AllowsAll() bool {
	return m.all
}

// Allows reports whether the named field passes the mask
func (m FieldMask) Allows(field string) bool {
	if m.all {
		return true
	}
	_, ok := m.lookup[field]
	return ok
}

// Fields returns the field set in insertion order. Nil for the open mask.
func (m FieldMask) Fields() []string {
	if m.all {
		return nil
	}
	out := make([]string, len(m.fields))
	copy(out, m.fields)
	return out
}

// MarshalJSON encodes AllFields as null and a field set as an array
func (m FieldMask) MarshalJSON() ([]byte, error) {
	if m.all {
		return []byte("null"), nil
	}
	if m.fields == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.fields)
}

// UnmarshalJSON decodes null as AllFields and an array as a field set
func (m *FieldMask) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = AllFields()
		return nil
	}
	var fields []string
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*m = FieldSet(fields...)
	return nil
}

// ModulePermission is a role's grant for a single CRM module.
// A role carries at most one ModulePermission per module; a module with no
// entry grants nothing.
type ModulePermission struct {
	Module           string           `json:"module"`
	Actions          []Action         `json:"actions"`
	ViewFields       FieldMask        `json:"viewFields"`
	EditFields       FieldMask        `json:"editFields"`
	RecordVisibility RecordVisibility `json:"recordVisibility"`
}

// HasAction reports whether the permission grants the given action
func (p ModulePermission) HasAction(action Action) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Role is a named permission bundle scoped to one organization
type Role struct {
	ID          string             `json:"id"`
	OrgID       string             `json:"orgId"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	IsSystem    bool               `json:"isSystem"`
	IsDefault   bool               `json:"isDefault"`
	Permissions []ModulePermission `json:"permissions"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// PermissionFor returns the role's grant for a module, or nil when the role
// has no entry for it (which grants nothing)
func (r *Role) PermissionFor(module string) *ModulePermission {
	for i := range r.Permissions {
		if r.Permissions[i].Module == module {
			return &r.Permissions[i]
		}
	}
	return nil
}

// UserRoleAssignment binds a user to exactly one role within an organization
type UserRoleAssignment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	OrgID      string    `json:"orgId"`
	RoleID     string    `json:"roleId"`
	AssignedBy *string   `json:"assignedBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Built-in role names seeded into every new organization
const (
	RoleNameAdmin    = "Admin"
	RoleNameManager  = "Manager"
	RoleNameSalesRep = "Sales Representative"
	RoleNameReadOnly = "Read Only"
)

// BuiltInRoles returns the role catalog seeded into a new organization.
// Admin is a system role and bypasses all checks; Sales Representative is
// the org default assigned to new members.
func BuiltInRoles(modules []string) []Role {
	fullAccess := make([]ModulePermission, 0, len(modules))
	managerAccess := make([]ModulePermission, 0, len(modules))
	repAccess := make([]ModulePermission, 0, len(modules))
	readAccess := make([]ModulePermission, 0, len(modules))

	for _, module := range modules {
		fullAccess = append(fullAccess, ModulePermission{
			Module:           module,
			Actions:          AllActions(),
			ViewFields:       AllFields(),
			EditFields:       AllFields(),
			RecordVisibility: VisibilityAll,
		})
		managerAccess = append(managerAccess, ModulePermission{
			Module:           module,
			Actions:          AllActions(),
			ViewFields:       AllFields(),
			EditFields:       AllFields(),
			RecordVisibility: VisibilityAll,
		})
		repAccess = append(repAccess, ModulePermission{
			Module:           module,
			Actions:          []Action{ActionView, ActionCreate, ActionEdit},
			ViewFields:       AllFields(),
			EditFields:       AllFields(),
			RecordVisibility: VisibilityUnassigned,
		})
		readAccess = append(readAccess, ModulePermission{
			Module:           module,
			Actions:          []Action{ActionView},
			ViewFields:       AllFields(),
			EditFields:       FieldSet(),
			RecordVisibility: VisibilityAll,
		})
	}

	return []Role{
		{
			Name:        RoleNameAdmin,
			Description: "Full access to every module, field, and record",
			IsSystem:    true,
			Permissions: fullAccess,
		},
		{
			Name:        RoleNameManager,
			Description: "Full access to all records without admin privileges",
			Permissions: managerAccess,
		},
		{
			Name:        RoleNameSalesRep,
			Description: "Works own and unassigned records",
			IsDefault:   true,
			Permissions: repAccess,
		},
		{
			Name:        RoleNameReadOnly,
			Description: "Read-only access across all modules",
			Permissions: readAccess,
		},
	}
}
