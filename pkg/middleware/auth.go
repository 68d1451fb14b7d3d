package middleware

import (
	"net/http"
	"strings"

	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/httputil"
	"github.com/atriumhq/atrium/pkg/observability"
	"github.com/atriumhq/atrium/pkg/orgs"
)

// Authentication verifies the bearer token, provisions the user
// just-in-time, and installs the Principal on the context. Every failure
// is a generic 401; the reason is logged, never echoed.
type Authentication struct {
	verifier auth.TokenVerifier
	users    *orgs.Service
}

// NewAuthentication creates the authentication middleware
func NewAuthentication(verifier auth.TokenVerifier, users *orgs.Service) *Authentication {
	return &Authentication{verifier: verifier, users: users}
}

// Handler wraps next with bearer authentication
func (m *Authentication) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := observability.FromContext(r.Context())

		raw, ok := bearerToken(r)
		if !ok {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		identity, err := m.verifier.Verify(r.Context(), raw)
		if err != nil {
			logger.WithError(err).Debug("token verification failed")
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		user, err := m.users.UpsertUserByExternalID(r.Context(), *identity)
		if err != nil {
			logger.WithError(err).Error("user provisioning failed")
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		principal := &auth.Principal{
			UserID:     user.ID,
			ExternalID: user.ExternalID,
			Email:      user.Email,
			Name:       user.Name,
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
