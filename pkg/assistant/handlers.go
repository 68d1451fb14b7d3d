package assistant

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/httputil"
	"github.com/atriumhq/atrium/pkg/memory"
	"github.com/atriumhq/atrium/pkg/rbac"
)

// Handlers exposes the assistant REST surface: tool listing, direct tool
// invocation for the chat backend, and conversation context management.
type Handlers struct {
	executor *Executor
	registry *Registry
	memory   *memory.Manager
	resolver *rbac.Resolver
	auditor  *audit.Writer
}

// NewHandlers creates the assistant handlers
func NewHandlers(executor *Executor, registry *Registry, mem *memory.Manager, resolver *rbac.Resolver, auditor *audit.Writer) *Handlers {
	if auditor == nil {
		auditor = audit.NopWriter()
	}
	return &Handlers{
		executor: executor,
		registry: registry,
		memory:   mem,
		resolver: resolver,
		auditor:  auditor,
	}
}

// RegisterRoutes registers the assistant routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/{orgID}/assistant/tools", h.listTools).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/assistant/tools/{name}", h.invokeTool).Methods("POST")
	router.HandleFunc("/orgs/{orgID}/assistant/context/{sessionID}", h.getContext).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/assistant/context/{sessionID}", h.clearContext).Methods("DELETE")
}

func (h *Handlers) listTools(w http.ResponseWriter, r *http.Request) {
	if auth.PrincipalFromContext(r.Context()) == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	tools := h.registry.List()
	out := make([]map[string]interface{}, len(tools))
	for i, tool := range tools {
		out[i] = map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"inputSchema": tool.InputSchema(),
		}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"tools": out})
}

// invokeTool runs one tool for the chat backend. Tool failures map to the
// same status codes the REST pipeline uses.
func (h *Handlers) invokeTool(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var body struct {
		SessionID string                 `json:"sessionId"`
		Args      map[string]interface{} `json:"args"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	result, err := h.executor.Execute(r.Context(), ExecuteParams{
		OrgID:     vars["orgID"],
		Principal: principal,
		SessionID: body.SessionID,
		Tool:      vars["name"],
		Args:      body.Args,
	})
	if err != nil {
		writeToolError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// getContext returns the raw session plus the rendered summary. Sessions
// are private to their user; admins may inspect any session.
func (h *Handlers) getContext(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	_, conv, ok := h.guardedContext(w, r, vars["orgID"], vars["sessionID"])
	if !ok {
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"context": conv,
		"summary": memory.BuildContextSummary(conv),
	})
}

func (h *Handlers) clearContext(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orgID, sessionID := vars["orgID"], vars["sessionID"]
	principal, _, ok := h.guardedContext(w, r, orgID, sessionID)
	if !ok {
		return
	}

	if err := h.memory.ClearContext(r.Context(), orgID, sessionID); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditor.Log(r.Context(), audit.Entry{
		OrgID:     orgID,
		Action:    audit.ActionMemoryClear,
		ActorType: audit.ActorUser,
		ActorID:   &principal.UserID,
		Metadata:  jsonMetadata(map[string]interface{}{"sessionId": sessionID}),
	})

	httputil.WriteNoContent(w)
}

// guardedContext loads the session and enforces ownership: callers only
// reach their own sessions unless they are org admins.
func (h *Handlers) guardedContext(w http.ResponseWriter, r *http.Request, orgID, sessionID string) (*auth.Principal, *memory.ConversationContext, bool) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil, nil, false
	}

	conv, err := h.memory.GetContext(r.Context(), orgID, sessionID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, nil, false
	}
	if conv == nil {
		httputil.WriteNotFound(w, "session not found")
		return nil, nil, false
	}

	if conv.UserID != principal.UserID {
		resolved, err := h.resolver.Resolve(r.Context(), principal.UserID, orgID)
		if err != nil {
			httputil.WriteInternalError(w, err)
			return nil, nil, false
		}
		if !resolved.IsAdmin {
			httputil.WriteNotFound(w, "session not found")
			return nil, nil, false
		}
	}
	return principal, conv, true
}

func writeToolError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		httputil.WriteForbidden(w, err.Error())
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, ErrInvalidArgs):
		httputil.WriteBadRequest(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}

func jsonMetadata(m map[string]interface{}) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}
