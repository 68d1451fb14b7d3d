package orgs

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/atriumhq/atrium/pkg/contextkeys"
	"github.com/atriumhq/atrium/pkg/httputil"
	"github.com/atriumhq/atrium/pkg/rbac"
)

// Handlers provides the organization and membership HTTP surface.
// Membership changes are admin-only; creating an organization only needs
// an authenticated caller, who becomes its first admin.
type Handlers struct {
	service  *Service
	resolver *rbac.Resolver
}

// NewHandlers creates the organization handlers
func NewHandlers(service *Service, resolver *rbac.Resolver) *Handlers {
	return &Handlers{service: service, resolver: resolver}
}

// RegisterRoutes registers the organization routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs", h.CreateOrganization).Methods("POST")
	router.HandleFunc("/orgs", h.ListOrganizations).Methods("GET")
	router.HandleFunc("/orgs/{orgID}", h.GetOrganization).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/members", h.AddMember).Methods("POST")
	router.HandleFunc("/orgs/{orgID}/members", h.ListMembers).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/members/{userID}", h.RemoveMember).Methods("DELETE")
}

func (h *Handlers) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := contextkeys.GetUserID(r.Context())
	if userID == "" {
		httputil.WriteUnauthorized(w, "authentication required")
		return "", false
	}
	return userID, true
}

func (h *Handlers) requireAdmin(w http.ResponseWriter, r *http.Request, orgID string) (string, bool) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return "", false
	}
	resolved, err := h.resolver.Resolve(r.Context(), userID, orgID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return "", false
	}
	if !resolved.IsAdmin {
		httputil.WriteForbidden(w, "membership management requires an admin role")
		return "", false
	}
	return userID, true
}

// CreateOrgRequest is the payload for POST /orgs
type CreateOrgRequest struct {
	Name     string                 `json:"name"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

// CreateOrganization creates an org, seeds its role catalog, and makes the
// caller its first admin member.
func (h *Handlers) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req CreateOrgRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		httputil.WriteValidationErrors(w, []httputil.FieldViolation{
			{Field: "name", Message: "name is required"},
		})
		return
	}

	org, err := h.service.CreateOrganization(r.Context(), req.Name, req.Settings)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if err := h.service.BootstrapOwner(r.Context(), org.ID, userID); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, org)
}

// ListOrganizations lists the caller's organizations
func (h *Handlers) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	orgs, err := h.service.ListForUser(r.Context(), userID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if orgs == nil {
		orgs = []*Organization{}
	}
	httputil.WriteSuccess(w, orgs)
}

// GetOrganization returns one organization; members only
func (h *Handlers) GetOrganization(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	orgID := mux.Vars(r)["orgID"]

	member, err := h.service.IsMember(r.Context(), orgID, userID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if !member {
		httputil.WriteNotFound(w, "organization not found")
		return
	}

	org, err := h.service.GetOrganization(r.Context(), orgID)
	if err == ErrOrgNotFound {
		httputil.WriteNotFound(w, "organization not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

// AddMemberRequest is the payload for POST /orgs/{orgID}/members
type AddMemberRequest struct {
	UserID string `json:"userId"`
}

// AddMember joins a user to the organization with the default role
func (h *Handlers) AddMember(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["orgID"]
	actorID, ok := h.requireAdmin(w, r, orgID)
	if !ok {
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		httputil.WriteBadRequest(w, "userId is required")
		return
	}

	err := h.service.AddMember(r.Context(), orgID, req.UserID, actorID)
	switch err {
	case nil:
	case ErrOrgNotFound:
		httputil.WriteNotFound(w, "organization not found")
		return
	case ErrUserNotFound:
		httputil.WriteNotFound(w, "user not found")
		return
	case ErrAlreadyMember:
		httputil.WriteConflict(w, "user is already a member")
		return
	default:
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, map[string]string{"orgId": orgID, "userId": req.UserID})
}

// ListMembers lists an organization's members; members only
func (h *Handlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	orgID := mux.Vars(r)["orgID"]

	member, err := h.service.IsMember(r.Context(), orgID, userID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if !member {
		httputil.WriteNotFound(w, "organization not found")
		return
	}

	members, err := h.service.ListMembers(r.Context(), orgID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if members == nil {
		members = []MemberDetail{}
	}
	httputil.WriteSuccess(w, members)
}

// RemoveMember removes a member and their role assignment
func (h *Handlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orgID := vars["orgID"]
	actorID, ok := h.requireAdmin(w, r, orgID)
	if !ok {
		return
	}

	err := h.service.RemoveMember(r.Context(), orgID, vars["userID"], actorID)
	if err == ErrMemberNotFound {
		httputil.WriteNotFound(w, "member not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
