package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/automation"
	"github.com/atriumhq/atrium/pkg/contextkeys"
	"github.com/atriumhq/atrium/pkg/crm"
	"github.com/atriumhq/atrium/pkg/httputil"
	"github.com/atriumhq/atrium/pkg/observability"
	"github.com/atriumhq/atrium/pkg/rbac"
)

// alwaysAllowedKeys are sub-objects exempt from edit field masks.
var alwaysAllowedKeys = []string{"customFields", "documents"}

// RecordHandlers implements the CRM record routes. Every mutation runs the
// full pipeline: permission context, record guard, schema validation, edit
// mask, write, audit, automation, masked response.
type RecordHandlers struct {
	store      *crm.Store
	search     *crm.SearchService
	resolver   *rbac.Resolver
	auditor    *audit.Writer
	dispatcher *automation.Dispatcher
	logger     *observability.Logger
}

// NewRecordHandlers creates the record handlers. auditor may be nil for a
// no-op trail; dispatcher may be nil when automation is disabled.
func NewRecordHandlers(store *crm.Store, search *crm.SearchService, resolver *rbac.Resolver, auditor *audit.Writer, dispatcher *automation.Dispatcher, logger *observability.Logger) *RecordHandlers {
	if auditor == nil {
		auditor = audit.NopWriter()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RecordHandlers{
		store:      store,
		search:     search,
		resolver:   resolver,
		auditor:    auditor,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// RegisterRoutes registers the record CRUD and search routes. The search
// route is registered before {id} so "search" never resolves as a record ID.
func (h *RecordHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/{orgID}/records/{module}/search", h.searchRecords).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/records/{module}", h.list).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/records/{module}", h.create).Methods("POST")
	router.HandleFunc("/orgs/{orgID}/records/{module}/{id}", h.get).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/records/{module}/{id}", h.update).Methods("PATCH")
	router.HandleFunc("/orgs/{orgID}/records/{module}/{id}", h.deleteRecord).Methods("DELETE")
}

// requestScope resolves the request's principal, module spec and permission
// context, writing the error response itself when any step denies.
func (h *RecordHandlers) requestScope(w http.ResponseWriter, r *http.Request, action rbac.Action) (*auth.Principal, *crm.ModuleSpec, *rbac.PermissionContext, string, bool) {
	vars := mux.Vars(r)
	orgID := vars["orgID"]
	moduleName := vars["module"]

	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil, nil, nil, "", false
	}

	spec := crm.Module(moduleName)
	if spec == nil {
		httputil.WriteNotFound(w, "unknown module: "+moduleName)
		return nil, nil, nil, "", false
	}

	perm, err := h.resolver.GetPermissionContext(r.Context(), principal.UserID, orgID, moduleName, action)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, nil, nil, "", false
	}
	if !perm.Allowed {
		httputil.WriteForbidden(w, fmt.Sprintf("no permission to %s %s", action, moduleName))
		return nil, nil, nil, "", false
	}
	return principal, spec, perm, orgID, true
}

// fetchGuarded loads one record and applies the visibility guard. The
// denial message never confirms whether the record exists.
func (h *RecordHandlers) fetchGuarded(w http.ResponseWriter, r *http.Request, orgID, module, recordID string, perm *rbac.PermissionContext) (*crm.Record, bool) {
	record, err := h.store.Get(r.Context(), orgID, module, recordID)
	if errors.Is(err, crm.ErrRecordNotFound) {
		httputil.WriteNotFound(w, "record not found")
		return nil, false
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	if !perm.Filter.Matches(record.OwnerID) {
		httputil.WriteForbidden(w, "no access to this record")
		return nil, false
	}
	return record, true
}

func (h *RecordHandlers) list(w http.ResponseWriter, r *http.Request) {
	_, _, perm, orgID, ok := h.requestScope(w, r, rbac.ActionView)
	if !ok {
		return
	}
	module := mux.Vars(r)["module"]

	limit, offset, err := httputil.ParsePagination(r, 50, 200)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	records, err := h.store.List(r.Context(), orgID, module, perm.Filter, limit, offset)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	total, err := h.store.Count(r.Context(), orgID, module, perm.Filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"records": rbac.FilterArrayToAllowedFields(recordsAsMaps(records), perm.ViewFields),
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *RecordHandlers) get(w http.ResponseWriter, r *http.Request) {
	_, _, perm, orgID, ok := h.requestScope(w, r, rbac.ActionView)
	if !ok {
		return
	}
	vars := mux.Vars(r)

	record, ok := h.fetchGuarded(w, r, orgID, vars["module"], vars["id"], perm)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, rbac.FilterToAllowedFields(record.AsMap(), perm.ViewFields))
}

func (h *RecordHandlers) searchRecords(w http.ResponseWriter, r *http.Request) {
	_, _, perm, orgID, ok := h.requestScope(w, r, rbac.ActionView)
	if !ok {
		return
	}
	module := mux.Vars(r)["module"]
	query := httputil.ParseQueryString(r, "q", "")

	records, err := h.search.Search(r.Context(), orgID, module, query, perm.Filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	results := rbac.FilterArrayToAllowedFields(recordsAsMaps(records), perm.ViewFields)
	if results == nil {
		results = []map[string]interface{}{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"records": results})
}

func (h *RecordHandlers) create(w http.ResponseWriter, r *http.Request) {
	principal, spec, perm, orgID, ok := h.requestScope(w, r, rbac.ActionCreate)
	if !ok {
		return
	}
	module := mux.Vars(r)["module"]

	var payload map[string]interface{}
	if !httputil.ParseJSONOrError(w, r, &payload) {
		return
	}

	fields, customFields, ownerID, ownerProvided, violation := splitPayload(payload)
	if violation != nil {
		httputil.WriteValidationErrors(w, []httputil.FieldViolation{*violation})
		return
	}

	if violations := spec.ValidateCreate(fields); len(violations) > 0 {
		httputil.WriteValidationErrors(w, violations)
		return
	}

	if err := rbac.ValidateEditFields(payload, perm.EditFields, alwaysAllowedKeys); err != nil {
		writeEditMaskError(w, err)
		return
	}

	if !ownerProvided {
		ownerID = &principal.UserID
	}

	record := &crm.Record{
		OrgID:        orgID,
		Module:       module,
		OwnerID:      ownerID,
		Fields:       fields,
		CustomFields: customFields,
		CreatedBy:    principal.UserID,
	}
	if err := h.store.Create(r.Context(), record); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	h.search.Invalidate(orgID, module)

	h.auditor.LogChange(r.Context(), audit.ChangeParams{
		OrgID:     orgID,
		Action:    audit.ActionRecordCreate,
		Module:    module,
		RecordID:  record.ID,
		ActorType: audit.ActorUser,
		ActorID:   principal.UserID,
		NewState:  record.AsMap(),
	})
	h.publish(r, audit.ActionRecordCreate, record, record.AsMap())

	httputil.WriteCreated(w, rbac.FilterToAllowedFields(record.AsMap(), perm.ViewFields))
}

func (h *RecordHandlers) update(w http.ResponseWriter, r *http.Request) {
	principal, spec, perm, orgID, ok := h.requestScope(w, r, rbac.ActionEdit)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	module := vars["module"]

	record, ok := h.fetchGuarded(w, r, orgID, module, vars["id"], perm)
	if !ok {
		return
	}

	var payload map[string]interface{}
	if !httputil.ParseJSONOrError(w, r, &payload) {
		return
	}

	fields, customFields, ownerID, ownerProvided, violation := splitPayload(payload)
	if violation != nil {
		httputil.WriteValidationErrors(w, []httputil.FieldViolation{*violation})
		return
	}

	if violations := spec.ValidateUpdate(fields); len(violations) > 0 {
		httputil.WriteValidationErrors(w, violations)
		return
	}

	if err := rbac.ValidateEditFields(payload, perm.EditFields, alwaysAllowedKeys); err != nil {
		writeEditMaskError(w, err)
		return
	}

	previous := record.AsMap()

	for key, value := range fields {
		record.Fields[key] = value
	}
	if customFields != nil {
		record.CustomFields = customFields
	}
	if ownerProvided {
		record.OwnerID = ownerID
	}

	if err := h.store.Update(r.Context(), record); err != nil {
		if errors.Is(err, crm.ErrRecordNotFound) {
			httputil.WriteNotFound(w, "record not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	h.search.Invalidate(orgID, module)

	h.auditor.LogChange(r.Context(), audit.ChangeParams{
		OrgID:         orgID,
		Action:        audit.ActionRecordUpdate,
		Module:        module,
		RecordID:      record.ID,
		ActorType:     audit.ActorUser,
		ActorID:       principal.UserID,
		PreviousState: previous,
		NewState:      record.AsMap(),
	})
	h.publish(r, audit.ActionRecordUpdate, record, record.AsMap())

	httputil.WriteSuccess(w, rbac.FilterToAllowedFields(record.AsMap(), perm.ViewFields))
}

func (h *RecordHandlers) deleteRecord(w http.ResponseWriter, r *http.Request) {
	principal, _, perm, orgID, ok := h.requestScope(w, r, rbac.ActionDelete)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	module := vars["module"]

	record, ok := h.fetchGuarded(w, r, orgID, module, vars["id"], perm)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), orgID, module, record.ID); err != nil {
		if errors.Is(err, crm.ErrRecordNotFound) {
			httputil.WriteNotFound(w, "record not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	h.search.Invalidate(orgID, module)

	h.auditor.LogChange(r.Context(), audit.ChangeParams{
		OrgID:         orgID,
		Action:        audit.ActionRecordDelete,
		Module:        module,
		RecordID:      record.ID,
		ActorType:     audit.ActorUser,
		ActorID:       principal.UserID,
		PreviousState: record.AsMap(),
	})
	h.publish(r, audit.ActionRecordDelete, record, nil)

	httputil.WriteNoContent(w)
}

// publish hands the committed mutation to the automation dispatcher.
// Fire-and-forget: a full queue is already logged and counted there.
func (h *RecordHandlers) publish(r *http.Request, action audit.Action, record *crm.Record, snapshot map[string]interface{}) {
	if h.dispatcher == nil {
		return
	}
	actorID := ""
	if principal := auth.PrincipalFromContext(r.Context()); principal != nil {
		actorID = principal.UserID
	}
	h.dispatcher.Enqueue(automation.Event{
		OrgID:     record.OrgID,
		Module:    record.Module,
		Action:    action,
		RecordID:  record.ID,
		ActorID:   actorID,
		ActorType: audit.ActorUser,
		RequestID: contextkeys.GetRequestID(r.Context()),
		Snapshot:  snapshot,
		At:        time.Now().UTC(),
	})
}

// splitPayload separates the wire payload into schema fields, the
// customFields sub-object, and the owner. The documents key is managed by
// the document routes and ignored here.
func splitPayload(payload map[string]interface{}) (fields, customFields map[string]interface{}, ownerID *string, ownerProvided bool, violation *httputil.FieldViolation) {
	fields = make(map[string]interface{}, len(payload))
	for key, value := range payload {
		switch key {
		case "customFields":
			if value == nil {
				continue
			}
			cf, ok := value.(map[string]interface{})
			if !ok {
				return nil, nil, nil, false, &httputil.FieldViolation{Field: "customFields", Message: "customFields must be an object"}
			}
			customFields = cf
		case "documents":
			// read-only here
		case crm.OwnerField:
			ownerProvided = true
			if value == nil {
				continue
			}
			owner, ok := value.(string)
			if !ok {
				return nil, nil, nil, false, &httputil.FieldViolation{Field: crm.OwnerField, Message: crm.OwnerField + " must be a string or null"}
			}
			ownerID = &owner
		case "id", "module", "orgId", "createdBy", "createdAt", "updatedAt":
			// envelope keys, never writable
		default:
			fields[key] = value
		}
	}
	return fields, customFields, ownerID, ownerProvided, nil
}

func writeEditMaskError(w http.ResponseWriter, err error) {
	var fieldErr *rbac.FieldPermissionError
	if errors.As(err, &fieldErr) {
		httputil.WriteFieldPermissionError(w, fieldErr.Fields)
		return
	}
	httputil.WriteForbidden(w, err.Error())
}

func recordsAsMaps(records []*crm.Record) []map[string]interface{} {
	out := make([]map[string]interface{}, len(records))
	for i, record := range records {
		out[i] = record.AsMap()
	}
	return out
}
