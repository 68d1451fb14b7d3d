package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/contextkeys"
	"github.com/atriumhq/atrium/pkg/crm"
	"github.com/atriumhq/atrium/pkg/observability"
	"github.com/atriumhq/atrium/pkg/rbac"
)

type recordFixture struct {
	t        *testing.T
	db       *sql.DB
	store    *crm.Store
	roles    *rbac.Store
	resolver *rbac.Resolver
	audits   *audit.SQLStore
	router   *mux.Router
}

func setupRecords(t *testing.T) *recordFixture {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	store := crm.NewStore(db)
	require.NoError(t, store.EnsureSchema(ctx))

	roles := rbac.NewStore(db)
	require.NoError(t, roles.EnsureSchema(ctx))
	require.NoError(t, roles.SeedBuiltInRoles(ctx, "org_1", crm.ModuleNames()))

	audits := audit.NewSQLStore(db)
	require.NoError(t, audits.EnsureSchema(ctx))

	resolver := rbac.NewResolver(roles)
	search := crm.NewSearchService(store, crm.DefaultSearchConfig(), nil)
	auditor := audit.NewWriter(audits, observability.NewNopLogger(), nil)

	handlers := NewRecordHandlers(store, search, resolver, auditor, nil, nil)
	router := mux.NewRouter()
	handlers.RegisterRoutes(router)

	return &recordFixture{
		t:        t,
		db:       db,
		store:    store,
		roles:    roles,
		resolver: resolver,
		audits:   audits,
		router:   router,
	}
}

func (f *recordFixture) assign(userID, roleName string) {
	f.t.Helper()
	role, err := f.roles.GetRoleByName(context.Background(), "org_1", roleName)
	require.NoError(f.t, err)
	require.NoError(f.t, f.roles.AssignRole(context.Background(), &rbac.UserRoleAssignment{
		UserID: userID,
		OrgID:  "org_1",
		RoleID: role.ID,
	}))
}

// do issues a request as userID, installing the context a real request
// would carry after the middleware pipeline.
func (f *recordFixture) do(userID, method, path string, body interface{}) *httptest.ResponseRecorder {
	f.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	ctx := rbac.WithRequestCache(req.Context())
	ctx = contextkeys.WithRequestID(ctx, "req_test")
	if userID != "" {
		ctx = contextkeys.WithUserID(ctx, userID)
		ctx = auth.WithPrincipal(ctx, &auth.Principal{UserID: userID, Email: userID + "@example.com"})
	}
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *recordFixture) body(rec *httptest.ResponseRecorder) map[string]interface{} {
	f.t.Helper()
	var out map[string]interface{}
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateRecordDefaultsOwnerToCaller(t *testing.T) {
	f := setupRecords(t)
	f.assign("usr_rep", rbac.RoleNameSalesRep)

	rec := f.do("usr_rep", http.MethodPost, "/orgs/org_1/records/leads", map[string]interface{}{
		"name":  "Acme Corp",
		"email": "sales@acme.test",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := f.body(rec)
	assert.Equal(t, "usr_rep", body["assignedToId"])
	assert.Equal(t, "Acme Corp", body["name"])
	assert.Equal(t, "usr_rep", body["createdBy"])
	assert.NotEmpty(t, body["id"])
}

func TestCreateRecordSchemaValidation(t *testing.T) {
	f := setupRecords(t)
	f.assign("usr_rep", rbac.RoleNameSalesRep)

	// leads require name; bogus field rejected too
	rec := f.do("usr_rep", http.MethodPost, "/orgs/org_1/records/leads", map[string]interface{}{
		"email": "sales@acme.test",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "name")
}

func TestCreateRecordRequiresPermission(t *testing.T) {
	f := setupRecords(t)
	f.assign("usr_ro", rbac.RoleNameReadOnly)

	rec := f.do("usr_ro", http.MethodPost, "/orgs/org_1/records/leads", map[string]interface{}{
		"name": "Acme Corp",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateRecordUnauthenticated(t *testing.T) {
	f := setupRecords(t)

	rec := f.do("", http.MethodPost, "/orgs/org_1/records/leads", map[string]interface{}{
		"name": "Acme Corp",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownModuleIs404(t *testing.T) {
	f := setupRecords(t)
	f.assign("usr_rep", rbac.RoleNameSalesRep)

	rec := f.do("usr_rep", http.MethodGet, "/orgs/org_1/records/invoices", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRecordVisibilityGuard(t *testing.T) {
	f := setupRecords(t)
	f.assign("usr_mgr", rbac.RoleNameManager)
	f.assign("usr_rep", rbac.RoleNameSalesRep)

	// Manager creates a record owned by someone else.
	created := f.do("usr_mgr", http.MethodPost, "/orgs/org_1/records/leads", map[string]interface{}{
		"name":         "Guarded Lead",
		"assignedToId": "usr_other",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	id := f.body(created)["id"].(string)

	// Sales rep sees own + unassigned, not usr_other's record. The denial
	// is a generic 403 that does not echo the record.
	rec := f.do("usr_rep", http.MethodGet, "/orgs/org_1/records/leads/"+id, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Guarded Lead")

	// Manager still sees it.
	rec = f.do("usr_mgr", http.MethodGet, "/orgs/org_1/records/leads/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Missing record is 404, not 403.
	rec = f.do("usr_mgr", http.MethodGet, "/orgs/org_1/records/leads/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAppliesVisibilityFilter(t *testing.T) {
	f := setupRecords(t)
	f.assign("usr_mgr", rbac.RoleNameManager)
	f.assign("usr_rep", rbac.RoleNameSalesRep)

	for _, owner := range []interface{}{"usr_rep", "usr_other", nil} {
		payload := map[string]interface{}{"name": "Lead", "assignedToId": owner}
		rec := f.do("usr_mgr", http.MethodPost, "/orgs/org_1/records/leads", payload)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do("usr_rep", http.MethodGet, "/orgs/org_1/records/leads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := f.body(rec)
	// Own record + unassigned; usr_other's is filtered out.
	assert.Len(t, body["records"], 2)
	assert.Equal(t, float64(2), body["total"])

	rec = f.do("usr_mgr", http.MethodGet, "/orgs/org_1/records/leads", nil)
	body = f.body(rec)
	assert.Len(t, body["records"], 3)
}

func TestUpdateRecordPartialMerge(t *testing.T) {
	f := setupRecords(t)
	f.assign("usr_rep", rbac.RoleNameSalesRep)

	created := f.do("usr_rep", http.MethodPost, "/orgs/org_1/records/deals", map[string]interface{}{
		"name":   "Big Deal",
		"stage":  "Prospecting",
		"amount": 1000,
	})
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	id := f.body(created)["id"].(string)

	rec := f.do("usr_rep", http.MethodPatch, "/orgs/org_1/records/deals/"+id, map[string]interface{}{
		"stage": "Negotiation",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := f.body(rec)
	assert.Equal(t, "Negotiation", body["stage"])
	assert.Equal(t, "Big Deal", body["name"])
	assert.Equal(t, float64(1000), body["amount"])
}

func TestUpdateRecordRejectsBadEnum(t *testing.T) {
	f := setupRecords(t)
	f.assign("usr_rep", rbac.RoleNameSalesRep)

	created := f.do("usr_rep", http.MethodPost, "/orgs/org_1/records/deals", map[string]interface{}{
		"name":  "Big Deal",
		"stage": "Prospecting",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	id := f.body(created)["id"].(string)

	rec := f.do("usr_rep", http.MethodPatch, "/orgs/org_1/records/deals/"+id, map[string]interface{}{
		"stage": "MAYBE",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateRecordEditMask(t *testing.T) {
	f := setupRecords(t)

	// Role that may edit only the stage field on deals.
	role := &rbac.Role{
		OrgID: "org_1",
		Name:  "Stage Mover",
		Permissions: []rbac.ModulePermission{{
			Module:           "deals",
			Actions:          []rbac.Action{rbac.ActionView, rbac.ActionEdit},
			ViewFields:       rbac.AllFields(),
			EditFields:       rbac.FieldSet("stage"),
			RecordVisibility: rbac.VisibilityAll,
		}},
	}
	require.NoError(t, f.roles.CreateRole(context.Background(), role))
	f.assign("usr_mgr", rbac.RoleNameManager)
	f.assign("usr_mover", "Stage Mover")

	created := f.do("usr_mgr", http.MethodPost, "/orgs/org_1/records/deals", map[string]interface{}{
		"name":  "Masked Deal",
		"stage": "Prospecting",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	id := f.body(created)["id"].(string)

	// Allowed field passes.
	rec := f.do("usr_mover", http.MethodPatch, "/orgs/org_1/records/deals/"+id, map[string]interface{}{
		"stage": "Proposal",
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Disallowed field is a 403 naming the field, and nothing is written.
	rec = f.do("usr_mover", http.MethodPatch, "/orgs/org_1/records/deals/"+id, map[string]interface{}{
		"stage": "Closed Won",
		"name":  "Renamed",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "name")

	after := f.do("usr_mgr", http.MethodGet, "/orgs/org_1/records/deals/"+id, nil)
	body := f.body(after)
	assert.Equal(t, "Masked Deal", body["name"])
	assert.Equal(t, "Proposal", body["stage"])

	// customFields is exempt from the mask.
	rec = f.do("usr_mover", http.MethodPatch, "/orgs/org_1/records/deals/"+id, map[string]interface{}{
		"customFields": map[string]interface{}{"region": "EMEA"},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestViewFieldMaskFiltersResponses(t *testing.T) {
	f := setupRecords(t)

	role := &rbac.Role{
		OrgID: "org_1",
		Name:  "Name Viewer",
		Permissions: []rbac.ModulePermission{{
			Module:           "leads",
			Actions:          []rbac.Action{rbac.ActionView},
			ViewFields:       rbac.FieldSet("name"),
			EditFields:       rbac.FieldSet(),
			RecordVisibility: rbac.VisibilityAll,
		}},
	}
	require.NoError(t, f.roles.CreateRole(context.Background(), role))
	f.assign("usr_mgr", rbac.RoleNameManager)
	f.assign("usr_viewer", "Name Viewer")

	created := f.do("usr_mgr", http.MethodPost, "/orgs/org_1/records/leads", map[string]interface{}{
		"name":  "Acme Corp",
		"email": "secret@acme.test",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	id := f.body(created)["id"].(string)

	rec := f.do("usr_viewer", http.MethodGet, "/orgs/org_1/records/leads/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := f.body(rec)
	assert.Equal(t, "Acme Corp", body["name"])
	assert.Equal(t, id, body["id"], "identity is never masked")
	assert.NotContains(t, body, "email")

	list := f.do("usr_viewer", http.MethodGet, "/orgs/org_1/records/leads", nil)
	listBody := f.body(list)
	records := listBody["records"].([]interface{})
	require.Len(t, records, 1)
	assert.NotContains(t, records[0].(map[string]interface{}), "email")
}

func TestDeleteRecord(t *testing.T) {
	f := setupRecords(t)
	f.assign("usr_mgr", rbac.RoleNameManager)
	f.assign("usr_rep", rbac.RoleNameSalesRep)

	created := f.do("usr_mgr", http.MethodPost, "/orgs/org_1/records/tasks", map[string]interface{}{
		"subject": "Follow up",
	})
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	id := f.body(created)["id"].(string)

	// Sales Representative has no delete grant.
	rec := f.do("usr_rep", http.MethodDelete, "/orgs/org_1/records/tasks/"+id, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do("usr_mgr", http.MethodDelete, "/orgs/org_1/records/tasks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do("usr_mgr", http.MethodGet, "/orgs/org_1/records/tasks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchRespectsVisibilityAndMask(t *testing.T) {
	f := setupRecords(t)
	f.assign("usr_mgr", rbac.RoleNameManager)
	f.assign("usr_rep", rbac.RoleNameSalesRep)

	for _, lead := range []map[string]interface{}{
		{"name": "Acme Rockets", "assignedToId": "usr_rep"},
		{"name": "Acme Anvils", "assignedToId": "usr_other"},
	} {
		rec := f.do("usr_mgr", http.MethodPost, "/orgs/org_1/records/leads", lead)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do("usr_rep", http.MethodGet, "/orgs/org_1/records/leads/search?q=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := f.body(rec)
	records := body["records"].([]interface{})
	require.Len(t, records, 1)
	assert.Equal(t, "Acme Rockets", records[0].(map[string]interface{})["name"])

	// Blank query returns an empty set, not an error.
	rec = f.do("usr_rep", http.MethodGet, "/orgs/org_1/records/leads/search?q=++", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.body(rec)["records"], 0)
}

func TestMutationsWriteAuditEntries(t *testing.T) {
	f := setupRecords(t)
	f.assign("usr_rep", rbac.RoleNameSalesRep)

	created := f.do("usr_rep", http.MethodPost, "/orgs/org_1/records/leads", map[string]interface{}{
		"name": "Audited Corp",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	id := f.body(created)["id"].(string)

	updated := f.do("usr_rep", http.MethodPatch, "/orgs/org_1/records/leads/"+id, map[string]interface{}{
		"name": "Audited Corp v2",
	})
	require.Equal(t, http.StatusOK, updated.Code)

	entries, err := f.audits.Search(context.Background(), audit.SearchFilter{
		OrgID:    "org_1",
		RecordID: id,
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, audit.ActionRecordUpdate, entries[0].Action)
	assert.Equal(t, audit.ActionRecordCreate, entries[1].Action)
	assert.Equal(t, audit.ActorUser, entries[0].ActorType)
	require.NotNil(t, entries[0].ActorID)
	assert.Equal(t, "usr_rep", *entries[0].ActorID)
	require.NotNil(t, entries[0].RequestID)
	assert.Equal(t, "req_test", *entries[0].RequestID)
	assert.NotNil(t, entries[0].PreviousState)
	assert.NotNil(t, entries[0].NewState)
}

func TestOwnerAssignmentTypeChecked(t *testing.T) {
	f := setupRecords(t)
	f.assign("usr_mgr", rbac.RoleNameManager)

	rec := f.do("usr_mgr", http.MethodPost, "/orgs/org_1/records/leads", map[string]interface{}{
		"name":         "Typed",
		"assignedToId": 42,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Explicit null creates an unassigned record.
	rec = f.do("usr_mgr", http.MethodPost, "/orgs/org_1/records/leads", map[string]interface{}{
		"name":         "Unassigned",
		"assignedToId": nil,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Nil(t, f.body(rec)["assignedToId"])
}
