package orgs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/crm"
	"github.com/atriumhq/atrium/pkg/rbac"
)

// Service owns organizations, users, and membership. Role bookkeeping on
// membership changes goes through the rbac store so onboarding and
// offboarding keep permission resolution consistent.
type Service struct {
	db      *sql.DB
	roles   *rbac.Store
	auditor *audit.Writer
}

// NewService creates the organization service. auditor may be nil.
func NewService(db *sql.DB, roles *rbac.Store, auditor *audit.Writer) *Service {
	if auditor == nil {
		auditor = audit.NopWriter()
	}
	return &Service{db: db, roles: roles, auditor: auditor}
}

// EnsureSchema creates the organization tables if they do not exist
func (s *Service) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			slug       TEXT NOT NULL UNIQUE,
			settings   TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id          TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			email       TEXT NOT NULL DEFAULT '',
			name        TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS org_members (
			org_id    TEXT NOT NULL,
			user_id   TEXT NOT NULL,
			joined_at TIMESTAMP NOT NULL,
			PRIMARY KEY (org_id, user_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure orgs schema: %w", err)
		}
	}
	return nil
}

// CreateOrganization creates an organization and seeds the built-in role
// catalog into it. The slug is derived from the name and de-duplicated
// with a numeric suffix.
func (s *Service) CreateOrganization(ctx context.Context, name string, settings map[string]interface{}) (*Organization, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("organization name is required")
	}

	slug, err := s.uniqueSlug(ctx, Slugify(name))
	if err != nil {
		return nil, err
	}

	if settings == nil {
		settings = map[string]interface{}{}
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}

	now := time.Now().UTC()
	org := &Organization{
		ID:        uuid.NewString(),
		Name:      name,
		Slug:      slug,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, slug, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		org.ID, org.Name, org.Slug, string(settingsJSON), org.CreatedAt, org.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}

	if err := s.roles.SeedBuiltInRoles(ctx, org.ID, crm.ModuleNames()); err != nil {
		return nil, err
	}

	return org, nil
}

// GetOrganization retrieves an organization by ID
func (s *Service) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	return s.scanOrg(s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, settings, created_at, updated_at
		FROM organizations WHERE id = $1`, orgID))
}

// GetBySlug retrieves an organization by slug
func (s *Service) GetBySlug(ctx context.Context, slug string) (*Organization, error) {
	return s.scanOrg(s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, settings, created_at, updated_at
		FROM organizations WHERE slug = $1`, slug))
}

// ListForUser lists the organizations a user is a member of
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.name, o.slug, o.settings, o.created_at, o.updated_at
		FROM organizations o
		JOIN org_members m ON m.org_id = o.id
		WHERE m.user_id = $1
		ORDER BY o.created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		var org Organization
		var settingsJSON string
		if err := rows.Scan(&org.ID, &org.Name, &org.Slug, &settingsJSON, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		if err := json.Unmarshal([]byte(settingsJSON), &org.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
		orgs = append(orgs, &org)
	}
	return orgs, rows.Err()
}

// UpsertUserByExternalID provisions a user on first sight of a verified
// identity, and refreshes email/name on later logins.
func (s *Service) UpsertUserByExternalID(ctx context.Context, identity auth.Identity) (*User, error) {
	if identity.ExternalID == "" {
		return nil, fmt.Errorf("identity has no external ID")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, external_id, email, name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_id)
		DO UPDATE SET email = $3, name = $4`,
		uuid.NewString(), identity.ExternalID, identity.Email, identity.Name, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	return s.GetUserByExternalID(ctx, identity.ExternalID)
}

// GetUser retrieves a user by ID
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, external_id, email, name, created_at
		FROM users WHERE id = $1`, userID))
}

// GetUserByExternalID retrieves a user by the provider subject
func (s *Service) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, external_id, email, name, created_at
		FROM users WHERE external_id = $1`, externalID))
}

// AddMember joins a user to an organization and assigns the org's default
// role so the new member can act immediately.
func (s *Service) AddMember(ctx context.Context, orgID, userID, addedBy string) error {
	if _, err := s.GetOrganization(ctx, orgID); err != nil {
		return err
	}
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO org_members (org_id, user_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, user_id) DO NOTHING`,
		orgID, userID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAlreadyMember
	}

	defaultRole, err := s.roles.GetDefaultRole(ctx, orgID)
	if err != nil {
		return fmt.Errorf("failed to load default role: %w", err)
	}
	assignment := &rbac.UserRoleAssignment{UserID: userID, OrgID: orgID, RoleID: defaultRole.ID}
	if addedBy != "" {
		assignment.AssignedBy = &addedBy
	}
	if err := s.roles.AssignRole(ctx, assignment); err != nil {
		return err
	}

	s.auditor.LogChange(ctx, audit.ChangeParams{
		OrgID:     orgID,
		Action:    audit.ActionOrgMemberAdd,
		ActorType: audit.ActorUser,
		ActorID:   addedBy,
		Metadata: map[string]interface{}{
			"userId":   userID,
			"email":    user.Email,
			"roleName": defaultRole.Name,
		},
	})
	return nil
}

// BootstrapOwner joins the organization's creator as its first member with
// the Admin role instead of the org default.
func (s *Service) BootstrapOwner(ctx context.Context, orgID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO org_members (org_id, user_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, user_id) DO NOTHING`,
		orgID, userID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add owner: %w", err)
	}

	adminRole, err := s.roles.GetRoleByName(ctx, orgID, rbac.RoleNameAdmin)
	if err != nil {
		return fmt.Errorf("failed to load admin role: %w", err)
	}
	if err := s.roles.AssignRole(ctx, &rbac.UserRoleAssignment{
		UserID: userID, OrgID: orgID, RoleID: adminRole.ID,
	}); err != nil {
		return err
	}

	s.auditor.LogChange(ctx, audit.ChangeParams{
		OrgID:     orgID,
		Action:    audit.ActionOrgMemberAdd,
		ActorType: audit.ActorUser,
		ActorID:   userID,
		Metadata: map[string]interface{}{
			"userId":   userID,
			"roleName": adminRole.Name,
			"owner":    true,
		},
	})
	return nil
}

// RemoveMember leaves the user's account intact but removes the membership
// and its role assignment; subsequent permission checks fail closed.
func (s *Service) RemoveMember(ctx context.Context, orgID, userID, removedBy string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM org_members WHERE org_id = $1 AND user_id = $2`, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrMemberNotFound
	}

	if err := s.roles.RemoveAssignment(ctx, userID, orgID); err != nil && err != rbac.ErrAssignmentNotFound {
		return err
	}

	s.auditor.LogChange(ctx, audit.ChangeParams{
		OrgID:     orgID,
		Action:    audit.ActionOrgMemberRemove,
		ActorType: audit.ActorUser,
		ActorID:   removedBy,
		Metadata:  map[string]interface{}{"userId": userID},
	})
	return nil
}

// IsMember reports whether the user belongs to the organization
func (s *Service) IsMember(ctx context.Context, orgID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM org_members WHERE org_id = $1 AND user_id = $2`, orgID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return true, nil
}

// ListMembers lists an organization's members with their user details
func (s *Service) ListMembers(ctx context.Context, orgID string) ([]MemberDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.org_id, m.user_id, m.joined_at, u.email, u.name
		FROM org_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.org_id = $1
		ORDER BY m.joined_at ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []MemberDetail
	for rows.Next() {
		var m MemberDetail
		if err := rows.Scan(&m.OrgID, &m.UserID, &m.JoinedAt, &m.Email, &m.Name); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Slugify lowercases a name and keeps [a-z0-9-]
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, slug)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "org"
	}
	return slug
}

func (s *Service) uniqueSlug(ctx context.Context, base string) (string, error) {
	slug := base
	for i := 2; ; i++ {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM organizations WHERE slug = $1`, slug).Scan(&one)
		if err == sql.ErrNoRows {
			return slug, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check slug: %w", err)
		}
		if i > 50 {
			return "", ErrDuplicateSlug
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
}

func (s *Service) scanOrg(row *sql.Row) (*Organization, error) {
	var org Organization
	var settingsJSON string
	err := row.Scan(&org.ID, &org.Name, &org.Slug, &settingsJSON, &org.CreatedAt, &org.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	if err := json.Unmarshal([]byte(settingsJSON), &org.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &org, nil
}

func (s *Service) scanUser(row *sql.Row) (*User, error) {
	var user User
	err := row.Scan(&user.ID, &user.ExternalID, &user.Email, &user.Name, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}
