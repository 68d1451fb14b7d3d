package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store persists audit entries. The production implementation is Postgres;
// tests exercise the same SQL through sqlmock.
type Store interface {
	Insert(ctx context.Context, entry *Entry) error
	ByRequestID(ctx context.Context, requestID string) ([]*Entry, error)
	ByRecord(ctx context.Context, orgID, module, recordID string) ([]*Entry, error)
	Search(ctx context.Context, filter SearchFilter) ([]*Entry, error)
	GetStats(ctx context.Context, orgID string, since *time.Time) (*Stats, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLStore implements Store over database/sql
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates an audit store over the given database
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// EnsureSchema creates the audit_logs table and indexes if absent
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			action TEXT NOT NULL,
			module TEXT NOT NULL DEFAULT '',
			record_id TEXT,
			actor_type TEXT NOT NULL,
			actor_id TEXT,
			previous_state TEXT,
			new_state TEXT,
			metadata TEXT,
			request_id TEXT,
			parent_log_id TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_org_created ON audit_logs(org_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_request ON audit_logs(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_record ON audit_logs(org_id, module, record_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure audit schema: %w", err)
		}
	}
	return nil
}

const entryColumns = `id, org_id, action, module, record_id, actor_type, actor_id,
	previous_state, new_state, metadata, request_id, parent_log_id, created_at`

// Insert appends one entry. Each call commits independently; the writer
// never batches or joins the caller's transaction.
func (s *SQLStore) Insert(ctx context.Context, entry *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.ID, entry.OrgID, entry.Action, entry.Module, entry.RecordID,
		entry.ActorType, entry.ActorID,
		nullableJSON(entry.PreviousState), nullableJSON(entry.NewState), nullableJSON(entry.Metadata),
		entry.RequestID, entry.ParentLogID, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// ByRequestID returns the entries of one logical operation chain in
// creation order. Ordering within a request ID is the only ordering
// guarantee the trail makes.
func (s *SQLStore) ByRequestID(ctx context.Context, requestID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM audit_logs
		WHERE request_id = $1
		ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit chain: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByRecord returns a record's full mutation history, newest first
func (s *SQLStore) ByRecord(ctx context.Context, orgID, module, recordID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM audit_logs
		WHERE org_id = $1 AND module = $2 AND record_id = $3
		ORDER BY created_at DESC, id DESC`, orgID, module, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query record history: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Search returns entries matching the filter, newest first
func (s *SQLStore) Search(ctx context.Context, filter SearchFilter) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_logs WHERE org_id = $1`
	args := []interface{}{filter.OrgID}
	argCount := 1

	if filter.Module != "" {
		argCount++
		query += fmt.Sprintf(" AND module = $%d", argCount)
		args = append(args, filter.Module)
	}
	if len(filter.Actions) > 0 {
		argCount++
		query += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		args = append(args, pq.Array(actions))
	}
	if filter.ActorID != "" {
		argCount++
		query += fmt.Sprintf(" AND actor_id = $%d", argCount)
		args = append(args, filter.ActorID)
	}
	if filter.ActorType != "" {
		argCount++
		query += fmt.Sprintf(" AND actor_type = $%d", argCount)
		args = append(args, string(filter.ActorType))
	}
	if filter.RecordID != "" {
		argCount++
		query += fmt.Sprintf(" AND record_id = $%d", argCount)
		args = append(args, filter.RecordID)
	}
	if filter.RequestID != "" {
		argCount++
		query += fmt.Sprintf(" AND request_id = $%d", argCount)
		args = append(args, filter.RequestID)
	}
	if filter.Since != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filter.Until)
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		argCount++
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		argCount++
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetStats summarizes an organization's audit activity
func (s *SQLStore) GetStats(ctx context.Context, orgID string, since *time.Time) (*Stats, error) {
	stats := &Stats{
		ByAction:    make(map[Action]int64),
		ByActorType: make(map[ActorType]int64),
		Since:       since,
	}

	whereClause := "WHERE org_id = $1"
	args := []interface{}{orgID}
	if since != nil {
		whereClause += " AND created_at >= $2"
		args = append(args, *since)
	}

	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM audit_logs %s", whereClause), args...,
	).Scan(&stats.TotalEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT action, COUNT(*) FROM audit_logs %s GROUP BY action", whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by action: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var action Action
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		stats.ByAction[action] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT actor_type, COUNT(*) FROM audit_logs %s GROUP BY actor_type", whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by actor type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var actorType ActorType
		var count int64
		if err := rows.Scan(&actorType, &count); err != nil {
			return nil, err
		}
		stats.ByActorType[actorType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(DISTINCT actor_id) FROM audit_logs %s AND actor_id IS NOT NULL", whereClause), args...,
	).Scan(&stats.UniqueActors)
	if err != nil {
		return nil, fmt.Errorf("failed to count unique actors: %w", err)
	}

	return stats, nil
}

// DeleteOlderThan removes entries created before the cutoff. Called only by
// the retention sweeper, never from the request path.
func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit entries: %w", err)
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	for rows.Next() {
		var e Entry
		var recordID, actorID, requestID, parentLogID sql.NullString
		var previousState, newState, metadata sql.NullString

		err := rows.Scan(
			&e.ID, &e.OrgID, &e.Action, &e.Module, &recordID,
			&e.ActorType, &actorID,
			&previousState, &newState, &metadata,
			&requestID, &parentLogID, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		if recordID.Valid {
			e.RecordID = &recordID.String
		}
		if actorID.Valid {
			e.ActorID = &actorID.String
		}
		if requestID.Valid {
			e.RequestID = &requestID.String
		}
		if parentLogID.Valid {
			e.ParentLogID = &parentLogID.String
		}
		if previousState.Valid {
			e.PreviousState = []byte(previousState.String)
		}
		if newState.Valid {
			e.NewState = []byte(newState.String)
		}
		if metadata.Valid {
			e.Metadata = []byte(metadata.String)
		}

		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
