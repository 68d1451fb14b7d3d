package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvisioner struct {
	lastIdentity Identity
}

func (p *fakeProvisioner) ProvisionUser(_ context.Context, identity Identity) (string, error) {
	p.lastIdentity = identity
	return "usr_internal", nil
}

// fakeIdP serves the minimal OIDC discovery document NewProvider needs.
func fakeIdP(t *testing.T) *httptest.Server {
	t.Helper()
	sm := http.NewServeMux()
	server := httptest.NewServer(sm)
	t.Cleanup(server.Close)

	sm.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                 server.URL,
			"authorization_endpoint": server.URL + "/authorize",
			"token_endpoint":         server.URL + "/token",
			"jwks_uri":               server.URL + "/keys",
		})
	})
	sm.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"keys": []interface{}{}})
	})
	return server
}

func setupLogin(t *testing.T) (*LoginHandlers, *mux.Router, *fakeProvisioner) {
	t.Helper()
	idp := fakeIdP(t)

	issuer, err := NewHMACVerifier([]byte("login-test-secret-0123456789abcd"), "atrium-test")
	require.NoError(t, err)

	provisioner := &fakeProvisioner{}
	handlers, err := NewLoginHandlers(context.Background(), LoginConfig{
		IssuerURL:    idp.URL,
		ClientID:     "atrium-client",
		ClientSecret: "shh",
		RedirectURL:  "https://app.example.com/auth/callback",
		SessionTTL:   time.Hour,
	}, issuer, provisioner)
	require.NoError(t, err)

	router := mux.NewRouter()
	handlers.RegisterRoutes(router)
	return handlers, router, provisioner
}

func TestInitiateLoginRedirectsWithState(t *testing.T) {
	_, router, _ := setupLogin(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", location.Path)
	assert.Equal(t, "atrium-client", location.Query().Get("client_id"))
	state := location.Query().Get("state")
	assert.NotEmpty(t, state)

	// The redirect state matches the cookie the browser carries back.
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	var found bool
	for _, c := range cookies {
		if c.Name == stateCookie {
			found = true
			assert.Equal(t, state, c.Value)
			assert.True(t, c.HttpOnly)
		}
	}
	assert.True(t, found)
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	_, router, _ := setupLogin(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=forged&code=abc", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "original"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackRejectsMissingCookie(t *testing.T) {
	_, router, _ := setupLogin(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=anything&code=abc", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackRejectsMissingCode(t *testing.T) {
	_, router, _ := setupLogin(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=st", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "st"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing authorization code")
}
