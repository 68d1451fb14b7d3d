package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store handles role and assignment persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the RBAC tables and indexes if they don't exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS roles (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_system BOOLEAN NOT NULL DEFAULT FALSE,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			permissions TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (org_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_roles_org ON roles(org_id)`,
		// Hard uniqueness for the one-default-per-org invariant
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_org_default ON roles(org_id) WHERE is_default`,
		`CREATE TABLE IF NOT EXISTS role_assignments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			role_id TEXT NOT NULL,
			assigned_by TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (user_id, org_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_role_assignments_org_role ON role_assignments(org_id, role_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure rbac schema: %w", err)
		}
	}
	return nil
}

// CreateRole creates a new role. When the role is flagged as the org default,
// any previous default is cleared inside the same transaction.
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	permissionsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if role.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE roles SET is_default = FALSE, updated_at = $1 WHERE org_id = $2 AND is_default`,
			now, role.OrgID,
		); err != nil {
			return fmt.Errorf("failed to clear previous default role: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO roles (id, org_id, name, description, is_system, is_default, permissions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		role.ID, role.OrgID, role.Name, role.Description,
		role.IsSystem, role.IsDefault, string(permissionsJSON),
		role.CreatedAt, role.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRole
		}
		return fmt.Errorf("failed to create role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit role creation: %w", err)
	}
	return nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID string) (*Role, error) {
	return s.scanRole(s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, description, is_system, is_default, permissions, created_at, updated_at
		FROM roles WHERE id = $1`, roleID))
}

// GetRoleByName retrieves a role by name within an organization
func (s *Store) GetRoleByName(ctx context.Context, orgID, name string) (*Role, error) {
	return s.scanRole(s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, description, is_system, is_default, permissions, created_at, updated_at
		FROM roles WHERE org_id = $1 AND name = $2`, orgID, name))
}

// GetDefaultRole returns the organization's default role, or ErrRoleNotFound
// when none is marked
func (s *Store) GetDefaultRole(ctx context.Context, orgID string) (*Role, error) {
	return s.scanRole(s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, description, is_system, is_default, permissions, created_at, updated_at
		FROM roles WHERE org_id = $1 AND is_default`, orgID))
}

// ListRoles lists all roles for an organization, system roles first
func (s *Store) ListRoles(ctx context.Context, orgID string) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, name, description, is_system, is_default, permissions, created_at, updated_at
		FROM roles WHERE org_id = $1
		ORDER BY is_system DESC, name ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		var permissionsJSON string
		if err := rows.Scan(
			&role.ID, &role.OrgID, &role.Name, &role.Description,
			&role.IsSystem, &role.IsDefault, &permissionsJSON,
			&role.CreatedAt, &role.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		if err := json.Unmarshal([]byte(permissionsJSON), &role.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UpdateRole updates a role. System roles accept description changes only:
// renaming them or touching their permissions returns ErrRoleIsSystem.
func (s *Store) UpdateRole(ctx context.Context, role *Role) error {
	existing, err := s.GetRole(ctx, role.ID)
	if err != nil {
		return err
	}

	if existing.IsSystem {
		if role.Name != existing.Name || !permissionsEqual(role.Permissions, existing.Permissions) {
			return ErrRoleIsSystem
		}
	}

	permissionsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	role.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if role.IsDefault && !existing.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE roles SET is_default = FALSE, updated_at = $1 WHERE org_id = $2 AND is_default`,
			role.UpdatedAt, existing.OrgID,
		); err != nil {
			return fmt.Errorf("failed to clear previous default role: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE roles
		SET name = $1, description = $2, is_default = $3, permissions = $4, updated_at = $5
		WHERE id = $6`,
		role.Name, role.Description, role.IsDefault, string(permissionsJSON),
		role.UpdatedAt, role.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRole
		}
		return fmt.Errorf("failed to update role: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrRoleNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit role update: %w", err)
	}
	return nil
}

// DeleteRole deletes a role. System roles and roles with live assignments
// cannot be removed.
func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrRoleIsSystem
	}

	var assigned int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM role_assignments WHERE role_id = $1`, roleID,
	).Scan(&assigned); err != nil {
		return fmt.Errorf("failed to count assignments: %w", err)
	}
	if assigned > 0 {
		return ErrRoleInUse
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

// AssignRole binds a user to a role within an organization. A user holds
// exactly one role per org; reassignment replaces the previous one.
func (s *Store) AssignRole(ctx context.Context, assignment *UserRoleAssignment) error {
	if assignment.ID == "" {
		assignment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	assignment.CreatedAt = now
	assignment.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_assignments (id, user_id, org_id, role_id, assigned_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, org_id)
		DO UPDATE SET role_id = $4, assigned_by = $5, updated_at = $7`,
		assignment.ID, assignment.UserID, assignment.OrgID, assignment.RoleID,
		assignment.AssignedBy, assignment.CreatedAt, assignment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// GetAssignment returns the user's role assignment for an organization
func (s *Store) GetAssignment(ctx context.Context, userID, orgID string) (*UserRoleAssignment, error) {
	var a UserRoleAssignment
	var assignedBy sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, org_id, role_id, assigned_by, created_at, updated_at
		FROM role_assignments WHERE user_id = $1 AND org_id = $2`,
		userID, orgID,
	).Scan(&a.ID, &a.UserID, &a.OrgID, &a.RoleID, &assignedBy, &a.CreatedAt, &a.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrAssignmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}

	if assignedBy.Valid {
		a.AssignedBy = &assignedBy.String
	}
	return &a, nil
}

// RemoveAssignment removes a user's role assignment for an organization
func (s *Store) RemoveAssignment(ctx context.Context, userID, orgID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM role_assignments WHERE user_id = $1 AND org_id = $2`, userID, orgID)
	if err != nil {
		return fmt.Errorf("failed to remove assignment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAssignmentNotFound
	}
	return nil
}

// ListAssignments lists assignments for an organization, optionally filtered
// by role
func (s *Store) ListAssignments(ctx context.Context, orgID, roleID string) ([]UserRoleAssignment, error) {
	query := `
		SELECT id, user_id, org_id, role_id, assigned_by, created_at, updated_at
		FROM role_assignments WHERE org_id = $1`
	args := []interface{}{orgID}
	if roleID != "" {
		query += ` AND role_id = $2`
		args = append(args, roleID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []UserRoleAssignment
	for rows.Next() {
		var a UserRoleAssignment
		var assignedBy sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.OrgID, &a.RoleID, &assignedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		if assignedBy.Valid {
			a.AssignedBy = &assignedBy.String
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// SeedBuiltInRoles installs the built-in role catalog into an organization.
// Roles that already exist by name are left untouched.
func (s *Store) SeedBuiltInRoles(ctx context.Context, orgID string, modules []string) error {
	for _, role := range BuiltInRoles(modules) {
		role.OrgID = orgID
		if err := s.CreateRole(ctx, &role); err != nil {
			if err == ErrDuplicateRole {
				continue
			}
			return fmt.Errorf("failed to seed role %q: %w", role.Name, err)
		}
	}
	return nil
}

func (s *Store) scanRole(row *sql.Row) (*Role, error) {
	var role Role
	var permissionsJSON string

	err := row.Scan(
		&role.ID, &role.OrgID, &role.Name, &role.Description,
		&role.IsSystem, &role.IsDefault, &permissionsJSON,
		&role.CreatedAt, &role.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	if err := json.Unmarshal([]byte(permissionsJSON), &role.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	return &role, nil
}

func permissionsEqual(a, b []ModulePermission) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

// isUniqueViolation matches unique-constraint errors from both lib/pq and
// the sqlite driver used in tests
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
