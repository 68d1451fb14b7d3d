package middleware

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/contextkeys"
	"github.com/atriumhq/atrium/pkg/orgs"
	"github.com/atriumhq/atrium/pkg/rbac"
)

func setupOrgContext(t *testing.T) (*orgs.Service, *orgs.Organization, *orgs.User) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	roles := rbac.NewStore(db)
	require.NoError(t, roles.EnsureSchema(context.Background()))
	service := orgs.NewService(db, roles, nil)
	require.NoError(t, service.EnsureSchema(context.Background()))

	org, err := service.CreateOrganization(context.Background(), "Acme", nil)
	require.NoError(t, err)
	user, err := service.UpsertUserByExternalID(context.Background(), auth.Identity{
		ExternalID: "auth0|member", Email: "member@example.com",
	})
	require.NoError(t, err)
	require.NoError(t, service.AddMember(context.Background(), org.ID, user.ID, ""))

	return service, org, user
}

func orgRouter(service *orgs.Service, capture *[]*orgs.Organization) *mux.Router {
	router := mux.NewRouter()
	router.Use(OrgContext(service))
	router.HandleFunc("/orgs/{orgID}/records/leads", func(w http.ResponseWriter, r *http.Request) {
		*capture = append(*capture, OrgFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	return router
}

func doAs(router *mux.Router, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if userID != "" {
		req = req.WithContext(contextkeys.WithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestOrgContextAllowsMembers(t *testing.T) {
	service, org, user := setupOrgContext(t)

	var captured []*orgs.Organization
	router := orgRouter(service, &captured)

	rec := doAs(router, "/orgs/"+org.ID+"/records/leads", user.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, captured, 1)
	require.NotNil(t, captured[0])
	assert.Equal(t, org.ID, captured[0].ID)
}

func TestOrgContextRejectsNonMembers(t *testing.T) {
	service, org, _ := setupOrgContext(t)

	var captured []*orgs.Organization
	router := orgRouter(service, &captured)

	rec := doAs(router, "/orgs/"+org.ID+"/records/leads", "usr_outsider")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A nonexistent org looks identical to one the caller cannot see
	rec = doAs(router, "/orgs/ghost/records/leads", "usr_outsider")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Empty(t, captured)
}

func TestOrgContextRequiresAuthentication(t *testing.T) {
	service, org, _ := setupOrgContext(t)

	var captured []*orgs.Organization
	router := orgRouter(service, &captured)

	rec := doAs(router, "/orgs/"+org.ID+"/records/leads", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
