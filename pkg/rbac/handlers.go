package rbac

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/contextkeys"
	"github.com/atriumhq/atrium/pkg/httputil"
)

// Handlers provides the role management HTTP surface. Every route is
// admin-only: roles grant permissions, so changing them is itself the
// highest privilege.
type Handlers struct {
	store    *Store
	resolver *Resolver
	auditor  *audit.Writer
}

// NewHandlers creates the role management handlers
func NewHandlers(store *Store, resolver *Resolver, auditor *audit.Writer) *Handlers {
	return &Handlers{store: store, resolver: resolver, auditor: auditor}
}

// RegisterRoutes registers the role management routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/{orgID}/roles", h.CreateRole).Methods("POST")
	router.HandleFunc("/orgs/{orgID}/roles", h.ListRoles).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/roles/{roleID}", h.GetRole).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/roles/{roleID}", h.UpdateRole).Methods("PUT")
	router.HandleFunc("/orgs/{orgID}/roles/{roleID}", h.DeleteRole).Methods("DELETE")

	router.HandleFunc("/orgs/{orgID}/role-assignments", h.AssignRole).Methods("POST")
	router.HandleFunc("/orgs/{orgID}/role-assignments", h.ListAssignments).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/role-assignments/{userID}", h.GetAssignment).Methods("GET")
}

// requireAdmin resolves the caller and rejects non-admins
func (h *Handlers) requireAdmin(w http.ResponseWriter, r *http.Request, orgID string) (userID string, ok bool) {
	userID = contextkeys.GetUserID(r.Context())
	if userID == "" {
		httputil.WriteUnauthorized(w, "authentication required")
		return "", false
	}
	resolved, err := h.resolver.Resolve(r.Context(), userID, orgID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return "", false
	}
	if !resolved.IsAdmin {
		httputil.WriteForbidden(w, "role management requires an admin role")
		return "", false
	}
	return userID, true
}

// RoleRequest is the create/update payload for a role
type RoleRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	IsDefault   bool               `json:"isDefault"`
	Permissions []ModulePermission `json:"permissions"`
}

func validateRoleRequest(req *RoleRequest) []httputil.FieldViolation {
	var violations []httputil.FieldViolation
	if req.Name == "" {
		violations = append(violations, httputil.FieldViolation{Field: "name", Message: "name is required"})
	}
	for i, perm := range req.Permissions {
		if perm.Module == "" {
			violations = append(violations, httputil.FieldViolation{
				Field:   "permissions",
				Message: "module is required on every permission entry",
			})
			continue
		}
		for j := 0; j < i; j++ {
			if req.Permissions[j].Module == perm.Module {
				violations = append(violations, httputil.FieldViolation{
					Field:   "permissions",
					Message: "duplicate permission entry for module " + perm.Module,
				})
			}
		}
		for _, action := range perm.Actions {
			switch action {
			case ActionView, ActionCreate, ActionEdit, ActionDelete:
			default:
				violations = append(violations, httputil.FieldViolation{
					Field:   "permissions",
					Message: "unknown action " + string(action),
				})
			}
		}
		switch perm.RecordVisibility {
		case "", VisibilityAll, VisibilityOwnOnly, VisibilityUnassigned:
		default:
			violations = append(violations, httputil.FieldViolation{
				Field:   "permissions",
				Message: "unknown record visibility " + string(perm.RecordVisibility),
			})
		}
	}
	return violations
}

// CreateRole creates a custom role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["orgID"]
	userID, ok := h.requireAdmin(w, r, orgID)
	if !ok {
		return
	}

	var req RoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if violations := validateRoleRequest(&req); len(violations) > 0 {
		httputil.WriteValidationErrors(w, violations)
		return
	}

	role := &Role{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		Name:        req.Name,
		Description: req.Description,
		IsDefault:   req.IsDefault,
		Permissions: req.Permissions,
	}
	if err := h.store.CreateRole(r.Context(), role); err != nil {
		if errors.Is(err, ErrDuplicateRole) {
			httputil.WriteConflict(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditor.LogChange(r.Context(), audit.ChangeParams{
		OrgID:     orgID,
		Action:    audit.ActionRoleCreate,
		RecordID:  role.ID,
		ActorType: audit.ActorUser,
		ActorID:   userID,
		NewState:  role,
	})
	httputil.WriteCreated(w, role)
}

// ListRoles lists the organization's roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["orgID"]
	if _, ok := h.requireAdmin(w, r, orgID); !ok {
		return
	}

	roles, err := h.store.ListRoles(r.Context(), orgID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": roles})
}

// GetRole fetches one role
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orgID := vars["orgID"]
	if _, ok := h.requireAdmin(w, r, orgID); !ok {
		return
	}

	role, err := h.store.GetRole(r.Context(), vars["roleID"])
	if errors.Is(err, ErrRoleNotFound) {
		httputil.WriteNotFound(w, "role not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if role.OrgID != orgID {
		httputil.WriteNotFound(w, "role not found")
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRole updates a custom role. System roles accept only description
// changes.
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orgID := vars["orgID"]
	userID, ok := h.requireAdmin(w, r, orgID)
	if !ok {
		return
	}

	existing, err := h.store.GetRole(r.Context(), vars["roleID"])
	if errors.Is(err, ErrRoleNotFound) {
		httputil.WriteNotFound(w, "role not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if existing.OrgID != orgID {
		httputil.WriteNotFound(w, "role not found")
		return
	}

	var req RoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if violations := validateRoleRequest(&req); len(violations) > 0 {
		httputil.WriteValidationErrors(w, violations)
		return
	}

	previous := *existing
	updated := *existing
	updated.Name = req.Name
	updated.Description = req.Description
	updated.IsDefault = req.IsDefault
	updated.Permissions = req.Permissions

	if err := h.store.UpdateRole(r.Context(), &updated); err != nil {
		switch {
		case errors.Is(err, ErrRoleIsSystem):
			httputil.WriteForbidden(w, err.Error())
		case errors.Is(err, ErrDuplicateRole):
			httputil.WriteConflict(w, err.Error())
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}

	h.auditor.LogChange(r.Context(), audit.ChangeParams{
		OrgID:         orgID,
		Action:        audit.ActionRoleUpdate,
		RecordID:      updated.ID,
		ActorType:     audit.ActorUser,
		ActorID:       userID,
		PreviousState: previous,
		NewState:      updated,
	})
	httputil.WriteSuccess(w, updated)
}

// DeleteRole deletes a custom role with no assignments
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orgID := vars["orgID"]
	userID, ok := h.requireAdmin(w, r, orgID)
	if !ok {
		return
	}

	existing, err := h.store.GetRole(r.Context(), vars["roleID"])
	if errors.Is(err, ErrRoleNotFound) {
		httputil.WriteNotFound(w, "role not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if existing.OrgID != orgID {
		httputil.WriteNotFound(w, "role not found")
		return
	}

	if err := h.store.DeleteRole(r.Context(), existing.ID); err != nil {
		switch {
		case errors.Is(err, ErrRoleIsSystem):
			httputil.WriteForbidden(w, err.Error())
		case errors.Is(err, ErrRoleInUse):
			httputil.WriteConflict(w, err.Error())
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}

	h.auditor.LogChange(r.Context(), audit.ChangeParams{
		OrgID:         orgID,
		Action:        audit.ActionRoleDelete,
		RecordID:      existing.ID,
		ActorType:     audit.ActorUser,
		ActorID:       userID,
		PreviousState: existing,
	})
	httputil.WriteNoContent(w)
}

// AssignRoleRequest binds a user to a role
type AssignRoleRequest struct {
	UserID string `json:"userId"`
	RoleID string `json:"roleId"`
}

// AssignRole assigns a role to a user, replacing any previous assignment
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["orgID"]
	actorID, ok := h.requireAdmin(w, r, orgID)
	if !ok {
		return
	}

	var req AssignRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" || req.RoleID == "" {
		httputil.WriteBadRequest(w, "userId and roleId are required")
		return
	}

	role, err := h.store.GetRole(r.Context(), req.RoleID)
	if errors.Is(err, ErrRoleNotFound) {
		httputil.WriteNotFound(w, "role not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if role.OrgID != orgID {
		httputil.WriteNotFound(w, "role not found")
		return
	}

	assignment := &UserRoleAssignment{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		OrgID:      orgID,
		RoleID:     req.RoleID,
		AssignedBy: &actorID,
	}
	if err := h.store.AssignRole(r.Context(), assignment); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditor.LogChange(r.Context(), audit.ChangeParams{
		OrgID:     orgID,
		Action:    audit.ActionRoleAssign,
		RecordID:  req.UserID,
		ActorType: audit.ActorUser,
		ActorID:   actorID,
		NewState:  assignment,
		Metadata:  map[string]interface{}{"roleName": role.Name},
	})
	httputil.WriteSuccess(w, assignment)
}

// ListAssignments lists role assignments, optionally filtered by role
func (h *Handlers) ListAssignments(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["orgID"]
	if _, ok := h.requireAdmin(w, r, orgID); !ok {
		return
	}

	roleID := httputil.ParseQueryString(r, "roleId", "")
	assignments, err := h.store.ListAssignments(r.Context(), orgID, roleID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"assignments": assignments})
}

// GetAssignment fetches one user's assignment
func (h *Handlers) GetAssignment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orgID := vars["orgID"]
	if _, ok := h.requireAdmin(w, r, orgID); !ok {
		return
	}

	assignment, err := h.store.GetAssignment(r.Context(), vars["userID"], orgID)
	if errors.Is(err, ErrAssignmentNotFound) {
		httputil.WriteNotFound(w, "assignment not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, assignment)
}
