package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"
)

// LoginConfig configures the hosted-login OIDC code flow.
type LoginConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// SessionTTL bounds the first-party session token issued after a
	// successful callback.
	SessionTTL time.Duration
}

// Provisioner upserts the external identity into the user table and
// returns the internal user ID the session token is issued for.
type Provisioner interface {
	ProvisionUser(ctx context.Context, identity Identity) (string, error)
}

const stateCookie = "atrium_oauth_state"

// LoginHandlers implements the hosted-login deployment mode: the service
// redirects to the identity provider, exchanges the returned code, and
// issues a first-party HS256 session token.
type LoginHandlers struct {
	oauth       *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	issuer      *HMACVerifier
	provisioner Provisioner
	sessionTTL  time.Duration
}

// NewLoginHandlers discovers the provider endpoints from the issuer URL.
func NewLoginHandlers(ctx context.Context, config LoginConfig, issuer *HMACVerifier, provisioner Provisioner) (*LoginHandlers, error) {
	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	ttl := config.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &LoginHandlers{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier:    provider.Verifier(&oidc.Config{ClientID: config.ClientID}),
		issuer:      issuer,
		provisioner: provisioner,
		sessionTTL:  ttl,
	}, nil
}

// RegisterRoutes registers the login routes. These are mounted outside
// authentication.
func (h *LoginHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/login", h.initiateLogin).Methods("GET")
	router.HandleFunc("/auth/callback", h.handleCallback).Methods("GET")
}

func (h *LoginHandlers) initiateLogin(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		http.Error(w, "failed to start login", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.oauth.AuthCodeURL(state), http.StatusFound)
}

func (h *LoginHandlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	// One-shot state.
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	token, err := h.oauth.Exchange(r.Context(), code)
	if err != nil {
		http.Error(w, "code exchange failed", http.StatusUnauthorized)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		http.Error(w, "provider returned no id_token", http.StatusUnauthorized)
		return
	}

	idToken, err := h.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		http.Error(w, "invalid id_token", http.StatusUnauthorized)
		return
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil || idToken.Subject == "" {
		http.Error(w, "invalid id_token", http.StatusUnauthorized)
		return
	}

	identity := Identity{ExternalID: idToken.Subject, Email: claims.Email, Name: claims.Name}
	userID, err := h.provisioner.ProvisionUser(r.Context(), identity)
	if err != nil {
		http.Error(w, "failed to provision user", http.StatusInternalServerError)
		return
	}

	// The session token carries the provider subject; request
	// authentication re-resolves it to the same provisioned user.
	session, err := h.issuer.IssueToken(identity.ExternalID, identity.Email, identity.Name, h.sessionTTL)
	if err != nil {
		http.Error(w, "failed to issue session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":     session,
		"userId":    userID,
		"expiresIn": int(h.sessionTTL.Seconds()),
	})
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
