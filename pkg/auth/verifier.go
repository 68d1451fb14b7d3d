package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken indicates the bearer token failed verification. The
// HTTP layer maps it to 401 without detail; the specific failure is
// only logged.
var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier validates a bearer token and returns the identity it
// asserts
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// Claims are the JWT claims issued and accepted by the HMAC verifier
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// HMACVerifier validates HS256 tokens signed with a shared secret
type HMACVerifier struct {
	secret []byte
	issuer string
}

// NewHMACVerifier creates a verifier for the given shared secret
func NewHMACVerifier(secret []byte, issuer string) (*HMACVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth secret is required")
	}
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	return &HMACVerifier{secret: secret, issuer: issuer}, nil
}

// Verify checks the signature, algorithm, issuer, and timestamps.
// Every failure collapses to ErrInvalidToken.
func (v *HMACVerifier) Verify(_ context.Context, rawToken string) (*Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(rawToken, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}

	return &Identity{
		ExternalID: claims.Subject,
		Email:      claims.Email,
		Name:       claims.Name,
	}, nil
}

// IssueToken signs a token for the given subject. Used by atriumctl, by
// the hosted-login callback, and by tests.
func (v *HMACVerifier) IssueToken(subject, email, name string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}

	now := time.Now().UTC()
	claims := Claims{
		Email: email,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ChainVerifier tries each verifier in order and accepts the first
// success. Used when first-party session tokens and IdP-issued tokens
// are both valid credentials.
type ChainVerifier []TokenVerifier

// Verify returns the first successful identity, or ErrInvalidToken when
// every verifier rejects the token.
func (c ChainVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	for _, verifier := range c {
		identity, err := verifier.Verify(ctx, rawToken)
		if err == nil {
			return identity, nil
		}
	}
	return nil, ErrInvalidToken
}
