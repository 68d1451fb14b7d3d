package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/httputil"
	"github.com/atriumhq/atrium/pkg/rbac"
)

// AuditHandlers exposes the audit trail read surface. Reading the trail
// requires the admin bypass or a view grant on the queried module.
type AuditHandlers struct {
	store    audit.Store
	resolver *rbac.Resolver
}

// NewAuditHandlers creates the audit query handlers
func NewAuditHandlers(store audit.Store, resolver *rbac.Resolver) *AuditHandlers {
	return &AuditHandlers{store: store, resolver: resolver}
}

// RegisterRoutes registers the audit query routes
func (h *AuditHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/{orgID}/audit-logs", h.search).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/audit-logs/stats", h.stats).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/audit-logs/requests/{requestID}", h.byRequest).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/records/{module}/{recordID}/history", h.recordHistory).Methods("GET")
}

// authorize grants admins everything; non-admins need view on the module,
// and module-less queries (stats, request chains) stay admin-only.
func (h *AuditHandlers) authorize(w http.ResponseWriter, r *http.Request, orgID, module string) (*auth.Principal, bool) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil, false
	}

	resolved, err := h.resolver.Resolve(r.Context(), principal.UserID, orgID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	if resolved.IsAdmin {
		return principal, true
	}
	if module == "" {
		httputil.WriteForbidden(w, "audit access requires an admin role")
		return nil, false
	}

	allowed, err := h.resolver.CheckPermission(r.Context(), principal.UserID, orgID, module, rbac.ActionView)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	if !allowed {
		httputil.WriteForbidden(w, "no permission to view audit logs for this module")
		return nil, false
	}
	return principal, true
}

func (h *AuditHandlers) search(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["orgID"]
	module := httputil.ParseQueryString(r, "module", "")

	if _, ok := h.authorize(w, r, orgID, module); !ok {
		return
	}

	limit, offset, err := httputil.ParsePagination(r, 50, 500)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	filter := audit.SearchFilter{
		OrgID:     orgID,
		Module:    module,
		ActorID:   httputil.ParseQueryString(r, "actorId", ""),
		ActorType: audit.ActorType(httputil.ParseQueryString(r, "actorType", "")),
		RecordID:  httputil.ParseQueryString(r, "recordId", ""),
		RequestID: httputil.ParseQueryString(r, "requestId", ""),
		Limit:     limit,
		Offset:    offset,
	}
	if action := httputil.ParseQueryString(r, "action", ""); action != "" {
		filter.Actions = []audit.Action{audit.Action(action)}
	}
	if since := httputil.ParseQueryString(r, "since", ""); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid since timestamp, expected RFC3339")
			return
		}
		filter.Since = &t
	}
	if until := httputil.ParseQueryString(r, "until", ""); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid until timestamp, expected RFC3339")
			return
		}
		filter.Until = &t
	}

	entries, err := h.store.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"entries": entries})
}

func (h *AuditHandlers) stats(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["orgID"]
	if _, ok := h.authorize(w, r, orgID, ""); !ok {
		return
	}

	var since *time.Time
	if s := httputil.ParseQueryString(r, "since", ""); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid since timestamp, expected RFC3339")
			return
		}
		since = &t
	}

	stats, err := h.store.GetStats(r.Context(), orgID, since)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

func (h *AuditHandlers) byRequest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orgID := vars["orgID"]
	if _, ok := h.authorize(w, r, orgID, ""); !ok {
		return
	}

	entries, err := h.store.ByRequestID(r.Context(), vars["requestID"])
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	// Chains are not org-scoped in storage; filter here so one org can
	// never read another's entries through a shared request ID.
	scoped := make([]*audit.Entry, 0, len(entries))
	for _, e := range entries {
		if e.OrgID == orgID {
			scoped = append(scoped, e)
		}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"entries": scoped})
}

func (h *AuditHandlers) recordHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orgID := vars["orgID"]
	module := vars["module"]

	if _, ok := h.authorize(w, r, orgID, module); !ok {
		return
	}

	entries, err := h.store.ByRecord(r.Context(), orgID, module, vars["recordID"])
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"entries": entries})
}
