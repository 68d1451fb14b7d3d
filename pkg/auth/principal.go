package auth

import (
	"context"

	"github.com/atriumhq/atrium/pkg/contextkeys"
)

// Identity is what a verified token asserts about the caller. It carries
// no database identity; the middleware resolves it to a Principal.
type Identity struct {
	// ExternalID is the provider's stable subject for this user
	ExternalID string
	Email      string
	Name       string
}

// Principal is the authenticated, provisioned caller of a request
type Principal struct {
	UserID     string `json:"userId"`
	ExternalID string `json:"externalId"`
	Email      string `json:"email"`
	Name       string `json:"name"`
}

// WithPrincipal installs the principal on the context along with the
// user ID shortcut used by audit attribution.
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	ctx = contextkeys.WithPrincipal(ctx, principal)
	return contextkeys.WithUserID(ctx, principal.UserID)
}

// PrincipalFromContext returns the request's principal, or nil when the
// request was not authenticated.
func PrincipalFromContext(ctx context.Context) *Principal {
	principal, _ := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return principal
}
