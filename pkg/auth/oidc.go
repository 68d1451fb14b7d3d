package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCConfig configures token verification against an OpenID Connect
// provider
type OIDCConfig struct {
	IssuerURL string
	ClientID  string
}

// OIDCVerifier validates ID tokens against a discovered OIDC provider
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider's keys and endpoints from the
// issuer URL
func NewOIDCVerifier(ctx context.Context, config OIDCConfig) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: config.ClientID}),
	}, nil
}

// Verify validates the ID token and extracts the subject and profile
// claims
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, ErrInvalidToken
	}
	if idToken.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &Identity{
		ExternalID: idToken.Subject,
		Email:      claims.Email,
		Name:       claims.Name,
	}, nil
}
