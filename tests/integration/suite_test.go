package integration

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/crm"
	"github.com/atriumhq/atrium/pkg/observability"
	"github.com/atriumhq/atrium/pkg/orgs"
	"github.com/atriumhq/atrium/pkg/rbac"
	"github.com/atriumhq/atrium/pkg/storage"
)

// suite holds the stores wired against a throwaway Postgres container.
type suite struct {
	db     *sql.DB
	store  *crm.Store
	roles  *rbac.Store
	audits *audit.SQLStore
	orgs   *orgs.Service
}

// startSuite spins up Postgres in a container and runs all schema
// migrations. Skipped in -short mode.
func startSuite(t *testing.T) *suite {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("atrium"),
		tcpostgres.WithUsername("atrium"),
		tcpostgres.WithPassword("atrium"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := storage.Connect(storage.PostgresConfig{
		URL:          dsn,
		MaxOpenConns: 5,
		PingTimeout:  10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := crm.NewStore(db)
	roles := rbac.NewStore(db)
	audits := audit.NewSQLStore(db)
	auditor := audit.NewWriter(audits, observability.NewNopLogger(), nil)
	orgService := orgs.NewService(db, roles, auditor)

	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, roles.EnsureSchema(ctx))
	require.NoError(t, audits.EnsureSchema(ctx))
	require.NoError(t, orgService.EnsureSchema(ctx))

	return &suite{db: db, store: store, roles: roles, audits: audits, orgs: orgService}
}
