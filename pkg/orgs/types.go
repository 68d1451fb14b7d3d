package orgs

import (
	"errors"
	"time"
)

var (
	ErrOrgNotFound    = errors.New("organization not found")
	ErrDuplicateSlug  = errors.New("organization slug already in use")
	ErrUserNotFound   = errors.New("user not found")
	ErrMemberNotFound = errors.New("member not found")
	ErrAlreadyMember  = errors.New("user is already a member")
)

// Organization is the tenancy boundary for all CRM data
type Organization struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Slug      string                 `json:"slug"`
	Settings  map[string]interface{} `json:"settings,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// User is a provisioned account. ExternalID is the identity provider's
// stable subject; users are created on first authenticated request.
type User struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"externalId"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Member ties a user to an organization
type Member struct {
	OrgID    string    `json:"orgId"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// MemberDetail is a membership joined with its user row, for listings
type MemberDetail struct {
	Member
	Email string `json:"email"`
	Name  string `json:"name"`
}
