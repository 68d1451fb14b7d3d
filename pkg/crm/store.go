package crm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/atriumhq/atrium/pkg/rbac"
)

// ErrRecordNotFound is returned for absent records. The HTTP layer maps
// it to 404 before the access guard runs.
var ErrRecordNotFound = errors.New("record not found")

// Store persists CRM records. One table holds every module; org and
// module scope every query.
type Store struct {
	db *sql.DB
}

// NewStore creates a record store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the records table and indexes if absent
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS crm_records (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			module TEXT NOT NULL,
			owner_id TEXT,
			fields TEXT NOT NULL DEFAULT '{}',
			custom_fields TEXT NOT NULL DEFAULT '{}',
			documents TEXT NOT NULL DEFAULT '[]',
			search_text TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_crm_records_org_module ON crm_records(org_id, module)`,
		`CREATE INDEX IF NOT EXISTS idx_crm_records_owner ON crm_records(org_id, module, owner_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure crm schema: %w", err)
		}
	}
	return nil
}

const recordColumns = `id, org_id, module, owner_id, fields, custom_fields, documents,
	created_by, created_at, updated_at`

// Create inserts a new record
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record.ID == "" {
		record.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	fieldsJSON, customJSON, documentsJSON, err := marshalRecord(record)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crm_records (id, org_id, module, owner_id, fields, custom_fields, documents, search_text, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		record.ID, record.OrgID, record.Module, record.OwnerID,
		fieldsJSON, customJSON, documentsJSON, buildSearchText(record),
		record.CreatedBy, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	return nil
}

// Get fetches one record scoped to org and module
func (s *Store) Get(ctx context.Context, orgID, module, recordID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM crm_records
		WHERE org_id = $1 AND module = $2 AND id = $3`,
		orgID, module, recordID)
	return scanRecord(row)
}

// Update rewrites a record's mutable columns. The caller merges field
// changes before calling; this is a full-row write.
func (s *Store) Update(ctx context.Context, record *Record) error {
	record.UpdatedAt = time.Now().UTC()

	fieldsJSON, customJSON, documentsJSON, err := marshalRecord(record)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE crm_records
		SET owner_id = $1, fields = $2, custom_fields = $3, documents = $4, search_text = $5, updated_at = $6
		WHERE org_id = $7 AND module = $8 AND id = $9`,
		record.OwnerID, fieldsJSON, customJSON, documentsJSON, buildSearchText(record),
		record.UpdatedAt, record.OrgID, record.Module, record.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Delete removes a record
func (s *Store) Delete(ctx context.Context, orgID, module, recordID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM crm_records WHERE org_id = $1 AND module = $2 AND id = $3`,
		orgID, module, recordID)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// List returns records the visibility filter admits, newest first. The
// filter is pushed into SQL so list and single-record access agree.
func (s *Store) List(ctx context.Context, orgID, module string, filter rbac.VisibilityFilter, limit, offset int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM crm_records WHERE org_id = $1 AND module = $2`
	args := []interface{}{orgID, module}

	if clause, filterArgs := filter.SQL("owner_id", len(args)); clause != "" {
		query += " AND " + clause
		args = append(args, filterArgs...)
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// SearchRows runs a substring search over the search_text column with the
// visibility filter applied. The cached search service wraps this.
func (s *Store) SearchRows(ctx context.Context, orgID, module, query string, filter rbac.VisibilityFilter, limit int) ([]*Record, error) {
	sqlQuery := `SELECT ` + recordColumns + ` FROM crm_records
		WHERE org_id = $1 AND module = $2 AND search_text LIKE $3`
	args := []interface{}{orgID, module, "%" + strings.ToLower(query) + "%"}

	if clause, filterArgs := filter.SQL("owner_id", len(args)); clause != "" {
		sqlQuery += " AND " + clause
		args = append(args, filterArgs...)
	}

	sqlQuery += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Count returns the number of records the filter admits
func (s *Store) Count(ctx context.Context, orgID, module string, filter rbac.VisibilityFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM crm_records WHERE org_id = $1 AND module = $2`
	args := []interface{}{orgID, module}
	if clause, filterArgs := filter.SQL("owner_id", len(args)); clause != "" {
		query += " AND " + clause
		args = append(args, filterArgs...)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

func marshalRecord(record *Record) (fields, custom, documents string, err error) {
	fieldsJSON, err := json.Marshal(orEmptyMap(record.Fields))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal fields: %w", err)
	}
	customJSON, err := json.Marshal(orEmptyMap(record.CustomFields))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal custom fields: %w", err)
	}
	docs := record.Documents
	if docs == nil {
		docs = []Document{}
	}
	documentsJSON, err := json.Marshal(docs)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal documents: %w", err)
	}
	return string(fieldsJSON), string(customJSON), string(documentsJSON), nil
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// buildSearchText flattens the record's string values into one lowercase
// blob maintained on every write
func buildSearchText(record *Record) string {
	values := make([]string, 0, len(record.Fields)+len(record.CustomFields))
	for _, value := range record.Fields {
		if s, ok := value.(string); ok && s != "" {
			values = append(values, s)
		}
	}
	for _, value := range record.CustomFields {
		if s, ok := value.(string); ok && s != "" {
			values = append(values, s)
		}
	}
	sort.Strings(values)
	return strings.ToLower(strings.Join(values, " "))
}

func scanRecord(row *sql.Row) (*Record, error) {
	var record Record
	var ownerID sql.NullString
	var fieldsJSON, customJSON, documentsJSON string

	err := row.Scan(
		&record.ID, &record.OrgID, &record.Module, &ownerID,
		&fieldsJSON, &customJSON, &documentsJSON,
		&record.CreatedBy, &record.CreatedAt, &record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if err := unmarshalRecord(&record, ownerID, fieldsJSON, customJSON, documentsJSON); err != nil {
		return nil, err
	}
	return &record, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		var record Record
		var ownerID sql.NullString
		var fieldsJSON, customJSON, documentsJSON string

		if err := rows.Scan(
			&record.ID, &record.OrgID, &record.Module, &ownerID,
			&fieldsJSON, &customJSON, &documentsJSON,
			&record.CreatedBy, &record.CreatedAt, &record.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := unmarshalRecord(&record, ownerID, fieldsJSON, customJSON, documentsJSON); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

func unmarshalRecord(record *Record, ownerID sql.NullString, fieldsJSON, customJSON, documentsJSON string) error {
	if ownerID.Valid {
		record.OwnerID = &ownerID.String
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &record.Fields); err != nil {
		return fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	if err := json.Unmarshal([]byte(customJSON), &record.CustomFields); err != nil {
		return fmt.Errorf("failed to unmarshal custom fields: %w", err)
	}
	if err := json.Unmarshal([]byte(documentsJSON), &record.Documents); err != nil {
		return fmt.Errorf("failed to unmarshal documents: %w", err)
	}
	return nil
}
