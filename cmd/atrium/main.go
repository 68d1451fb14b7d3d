package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/atriumhq/atrium/pkg/api"
	"github.com/atriumhq/atrium/pkg/assistant"
	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/automation"
	"github.com/atriumhq/atrium/pkg/config"
	"github.com/atriumhq/atrium/pkg/crm"
	"github.com/atriumhq/atrium/pkg/memory"
	"github.com/atriumhq/atrium/pkg/middleware"
	"github.com/atriumhq/atrium/pkg/observability"
	"github.com/atriumhq/atrium/pkg/orgs"
	"github.com/atriumhq/atrium/pkg/rbac"
	"github.com/atriumhq/atrium/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "atrium: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx := context.Background()

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(registry)
	}

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	db, err := storage.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	redisClient, err := storage.NewRedisClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	store := crm.NewStore(db)
	roles := rbac.NewStore(db)
	audits := audit.NewSQLStore(db)
	for name, ensure := range map[string]func(context.Context) error{
		"crm":   store.EnsureSchema,
		"rbac":  roles.EnsureSchema,
		"audit": audits.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			return fmt.Errorf("ensure %s schema: %w", name, err)
		}
	}

	auditor := audit.NewWriter(audits, logger, metrics)
	resolver := rbac.NewResolver(roles)
	search := crm.NewSearchService(store, crm.DefaultSearchConfig(), metrics)

	orgService := orgs.NewService(db, roles, auditor)
	if err := orgService.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure orgs schema: %w", err)
	}

	blobs, err := buildBlobStore(ctx, cfg.Blobs)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	mem := memory.NewManager(memory.NewStore(redisClient, logger, cfg.Memory.TTL), metrics)

	hmacVerifier, err := auth.NewHMACVerifier([]byte(cfg.Auth.Secret), cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("token verifier: %w", err)
	}
	var verifier auth.TokenVerifier = hmacVerifier
	var login *auth.LoginHandlers
	if cfg.Auth.OIDCIssuerURL != "" {
		oidcVerifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
			IssuerURL: cfg.Auth.OIDCIssuerURL,
			ClientID:  cfg.Auth.OIDCClientID,
		})
		if err != nil {
			return fmt.Errorf("oidc verifier: %w", err)
		}
		verifier = auth.ChainVerifier{hmacVerifier, oidcVerifier}

		login, err = auth.NewLoginHandlers(ctx, auth.LoginConfig{
			IssuerURL:    cfg.Auth.OIDCIssuerURL,
			ClientID:     cfg.Auth.OIDCClientID,
			ClientSecret: cfg.Auth.OIDCClientSecret,
			RedirectURL:  cfg.Auth.OIDCRedirectURL,
			SessionTTL:   cfg.Auth.TokenTTL,
		}, hmacVerifier, provisionerFunc{orgService})
		if err != nil {
			return fmt.Errorf("login handlers: %w", err)
		}
	}

	// Automation: rules start empty; the watcher loads the playbook
	// directory and hot-reloads it.
	rules := automation.NewRuleSet(nil)
	runner := automation.NewActionRunner(store, search, auditor, &http.Client{Timeout: 10 * time.Second}, logger)
	dispatcherCtx, cancelDispatcher := context.WithCancel(ctx)
	defer cancelDispatcher()
	dispatcher := automation.NewDispatcher(dispatcherCtx, automation.DispatcherConfig{
		Workers:    cfg.Automation.Workers,
		JobTimeout: cfg.Automation.JobTimeout,
	}, rules, runner, automation.NewRetryPolicy(automation.DefaultRetryConfig()), logger, metrics)

	var watcher *automation.Watcher
	if cfg.Automation.PlaybookDir != "" {
		watcher, err = automation.NewWatcher(cfg.Automation.PlaybookDir, rules, cfg.Automation.WatchDebounce, logger)
		if err != nil {
			return fmt.Errorf("playbook watcher: %w", err)
		}
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(redisClient, middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
			Window:            cfg.RateLimit.Window,
		}, logger)
	}

	server := api.NewServer(api.ServerConfig{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, api.ServerDeps{
		Logger:          logger,
		Metrics:         metrics,
		MetricsRegistry: registry,
		Verifier:        verifier,
		Orgs:            orgService,
		Limiter:         limiter,
		ReadyChecks: []func(context.Context) error{
			observability.DBReadyCheck(db),
			observability.RedisReadyCheck(redisClient),
			observability.StoreReadyCheck("blob store", blobs),
		},
	})

	toolRegistry := assistant.NewRegistry()
	for _, tool := range assistant.NewCRMTools(store, search, resolver, auditor) {
		if err := toolRegistry.Register(tool); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}
	executor := assistant.NewExecutor(toolRegistry, auditor, mem, logger, assistant.ExecutorConfig{
		Timeout: cfg.Assistant.ToolTimeout,
	})

	// Org management and MCP do their own authorization; everything else
	// sits behind the org membership guard.
	if login != nil {
		server.MountPublic(login)
	}
	server.Mount(orgs.NewHandlers(orgService, resolver))
	server.Mount(assistant.NewMCPHandler(executor, toolRegistry, logger))
	server.MountScoped(rbac.NewHandlers(roles, resolver, auditor))
	server.MountScoped(api.NewRecordHandlers(store, search, resolver, auditor, dispatcher, logger))
	server.MountScoped(api.NewDocumentHandlers(store, search, blobs, resolver, auditor, logger))
	server.MountScoped(api.NewAuditHandlers(audits, resolver))
	server.MountScoped(assistant.NewHandlers(executor, toolRegistry, mem, resolver, auditor))

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.Register(server.Shutdown)
	shutdown.Register(func(context.Context) error {
		cancelDispatcher()
		return dispatcher.Shutdown(cfg.Automation.JobTimeout)
	})
	if watcher != nil {
		shutdown.Register(func(context.Context) error { return watcher.Close() })
	}
	if providers != nil {
		shutdown.Register(func(shutdownCtx context.Context) error {
			return observability.ShutdownOTel(shutdownCtx, providers, logger)
		})
	}

	var g errgroup.Group
	g.Go(func() error {
		logger.WithField("addr", cfg.Server.Addr()).Info("atrium listening")
		return server.Start()
	})
	if watcher != nil {
		g.Go(func() error {
			defer observability.RecoverPanic(logger, "playbook watcher")
			watcher.Run(dispatcherCtx)
			return nil
		})
	}
	g.Go(shutdown.Wait)

	return g.Wait()
}

// provisionerFunc adapts the org service to the login provisioner.
type provisionerFunc struct{ orgs *orgs.Service }

func (p provisionerFunc) ProvisionUser(ctx context.Context, identity auth.Identity) (string, error) {
	user, err := p.orgs.UpsertUserByExternalID(ctx, identity)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func buildBlobStore(ctx context.Context, cfg config.BlobConfig) (storage.BlobStore, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3Store(ctx, cfg.S3)
	default:
		return storage.NewFilesystemStore(cfg.FilesystemRoot)
	}
}
