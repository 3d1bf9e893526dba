// Package app wires every component into a running process: read config
// once, connect infrastructure, dispatch into a runtime mode. The two
// modes are
// "orchestrator" (Worker/Judge loops per tenant plus the boot-time
// RecoverPendingCommits scan) and "api" (the Operator Surface HTTP server,
// whose goal-injection and campaign-creation handlers also plan goals and
// start Perception loops in that process).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/wisbric/agentfleet/internal/audit"
	"github.com/wisbric/agentfleet/internal/auth"
	"github.com/wisbric/agentfleet/internal/config"
	"github.com/wisbric/agentfleet/internal/httpserver"
	"github.com/wisbric/agentfleet/internal/platform"
	"github.com/wisbric/agentfleet/internal/secrets"
	"github.com/wisbric/agentfleet/internal/telemetry"
	"github.com/wisbric/agentfleet/internal/tenantdb"
	"github.com/wisbric/agentfleet/pkg/budget"
	"github.com/wisbric/agentfleet/pkg/campaign"
	"github.com/wisbric/agentfleet/pkg/hitl"
	"github.com/wisbric/agentfleet/pkg/judge"
	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/messaging"
	"github.com/wisbric/agentfleet/pkg/operator"
	"github.com/wisbric/agentfleet/pkg/perception"
	"github.com/wisbric/agentfleet/pkg/planner"
	"github.com/wisbric/agentfleet/pkg/queue"
	"github.com/wisbric/agentfleet/pkg/skill"
	agentfleetslack "github.com/wisbric/agentfleet/pkg/slack"
	"github.com/wisbric/agentfleet/pkg/store"
	"github.com/wisbric/agentfleet/pkg/task"
	"github.com/wisbric/agentfleet/pkg/worker"
)

// version is reported to the tracer's resource attributes. AgentFleet has
// no release pipeline yet, so this is a fixed placeholder rather than a
// build-injected value.
const version = "0.1.0-dev"

// components bundles every constructed dependency both run modes share, so
// Run builds them once regardless of which mode it dispatches into.
type components struct {
	cfg         *config.Config
	logger      *slog.Logger
	db          *pgxpool.Pool
	backing     store.Store
	rdb         *redis.Client
	metricsReg  *prometheus.Registry
	tenants     *tenantdb.Registry
	auditWriter *audit.Writer

	taskQueue   *queue.Queue[task.Task]
	reviewQueue *queue.Queue[task.ReviewItem]
	campaigns   *campaign.Store
	hitlGate    *hitl.Gate
	ledger      *budget.Ledger
	skillTable  *skill.Table
	skillCtx    skill.Context

	planner *planner.Planner
	judge   *judge.Judge

	patStore    *auth.Store
	rateLimiter *auth.RateLimiter
}

// Run is the process entry point: load infrastructure, construct every
// component, and run until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting agentfleet", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "agentfleet", version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	c, cleanup, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	switch cfg.Mode {
	case "orchestrator":
		return c.runOrchestrator(ctx)
	case "api":
		return c.runAPI(ctx)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, func(), error) {
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	backing, err := store.NewRedisStoreFromURL(ctx, cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("connecting to store: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)

	cleanup := func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis client", "error", err)
		}
		db.Close()
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	tenants := tenantdb.New(db)

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)

	secretsProvider, err := buildSecretsProvider(ctx, cfg)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("building secrets provider: %w", err)
	}

	msgRegistry := messaging.NewRegistry()
	slackNotifier := agentfleetslack.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	var slackProvider *agentfleetslack.Provider
	if slackNotifier.IsEnabled() {
		slackProvider = agentfleetslack.NewProvider(slackNotifier, logger)
		msgRegistry.Register(slackProvider)
		logger.Info("slack integration enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack integration disabled (SLACK_BOT_TOKEN not set)")
	}

	taskQueue := queue.NewTaskQueue(backing)
	reviewQueue := queue.NewReviewQueue(backing)
	campaigns := campaign.New(backing)
	hitlGate := hitl.New(backing)
	if slackProvider != nil {
		hitlGate.SetNotifier(slackProvider, logger)
	}
	ledger := budget.New(backing, budget.Limits{
		MaxDailySpendUSDC: cfg.MaxDailySpendUSDC,
		MaxPerTxUSDC:      cfg.MaxPerTxUSDC,
	})
	skillTable := skill.DefaultTable()
	skillCtx := skill.Context{
		Invoker:   skill.NopInvoker{},
		Secrets:   secretsProvider,
		Messaging: msgRegistry,
	}

	plnr := planner.New(taskQueue, campaigns, logger, 100*time.Millisecond, 5*time.Second, 6)

	jdg := judge.New(reviewQueue, taskQueue, hitlGate, campaigns, backing, auditWriter, logger, judge.Config{
		ApproveThreshold:  cfg.HighConfidence,
		EscalateThreshold: cfg.MediumConfidence,
		LeaseDuration:     cfg.JudgeLeaseDuration(),
	})

	return &components{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		backing:     backing,
		rdb:         rdb,
		metricsReg:  metricsReg,
		tenants:     tenants,
		auditWriter: auditWriter,
		taskQueue:   taskQueue,
		reviewQueue: reviewQueue,
		campaigns:   campaigns,
		hitlGate:    hitlGate,
		ledger:      ledger,
		skillTable:  skillTable,
		skillCtx:    skillCtx,
		planner:     plnr,
		judge:       jdg,
		patStore:    auth.NewStore(db),
		rateLimiter: auth.NewRateLimiter(rdb, 10, 15*time.Minute),
	}, func() {
		auditWriter.Close()
		cleanup()
	}, nil
}

func buildSecretsProvider(ctx context.Context, cfg *config.Config) (secrets.Provider, error) {
	switch cfg.SecretsProvider {
	case "env", "":
		return secrets.NewEnvProvider(cfg.SecretsPrefix), nil
	case "external-kv":
		if cfg.SecretsPrefix == "" {
			return nil, fmt.Errorf("external-kv secrets provider requires SECRETS_PREFIX")
		}
		if cfg.SecretsKVTokenURL == "" || cfg.SecretsKVEndpoint == "" {
			return nil, fmt.Errorf("external-kv secrets provider requires SECRETS_KV_TOKEN_URL and SECRETS_KV_ENDPOINT")
		}
		cc := clientcredentials.Config{
			TokenURL:     cfg.SecretsKVTokenURL,
			ClientID:     cfg.SecretsKVClientID,
			ClientSecret: cfg.SecretsKVClientSecret,
		}
		return secrets.NewExternalKVProvider(ctx, cfg.SecretsPrefix, cc, secrets.NewHTTPKVFetcher(cfg.SecretsKVEndpoint)), nil
	default:
		return nil, fmt.Errorf("unknown secrets provider: %s", cfg.SecretsProvider)
	}
}

// runOrchestrator runs Worker/Judge loops for every tenant in the
// registry, plus the RecoverPendingCommits boot scan, until ctx is
// cancelled, then waits up to cfg.GracePeriod for in-flight work.
func (c *components) runOrchestrator(ctx context.Context) error {
	rows, err := c.tenants.List(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}
	c.logger.Info("orchestrator starting", "tenant_count", len(rows))

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.runTenantLoops(ctx, rows)
	}()

	<-ctx.Done()
	c.logger.Info("orchestrator shutting down", "grace_period", c.cfg.GracePeriod)
	select {
	case <-done:
	case <-time.After(c.cfg.GracePeriod):
		c.logger.Warn("grace period elapsed before all tenant loops exited")
	}
	return nil
}

func (c *components) runTenantLoops(ctx context.Context, rows []tenantdb.Tenant) {
	var wg sync.WaitGroup
	for _, t := range rows {
		ks := keyspace.New(t.ID)

		if n, err := c.judge.RecoverPendingCommits(ctx, ks); err != nil {
			c.logger.Error("recovering pending commits", "tenant_id", t.ID, "error", err)
		} else if n > 0 {
			c.logger.Info("recovered stranded commits", "tenant_id", t.ID, "count", n)
		}

		w := worker.New(c.taskQueue, c.reviewQueue, c.hitlGate, c.ledger, c.skillTable, c.skillCtx, c.backing, c.logger, worker.Config{
			LeaseDuration: c.cfg.WorkerLeaseDuration(),
			AgentID:       fmt.Sprintf("worker-%s", t.ID),
			MaxAttempts:   c.cfg.MaxAttempts,
		})

		wg.Add(2)
		go func() {
			defer wg.Done()
			w.Run(ctx, ks)
		}()
		go func() {
			defer wg.Done()
			c.judge.Run(ctx, ks)
		}()
	}
	// Perception loops are started per (tenant, campaign) by the Operator
	// Surface when a campaign is created (pkg/operator.postCreateCampaign),
	// not enumerated here at boot — the orchestrator process has no
	// campaign registry of its own to scan.
	wg.Wait()
}

// runAPI runs only the Operator Surface HTTP server, for a split
// control-plane deployment where orchestrator processes run separately.
func (c *components) runAPI(ctx context.Context) error {
	srv := httpserver.NewServer(c.cfg, c.logger, c.db, c.backing, c.metricsReg, c.patStore, c.rateLimiter)

	handlers := &operator.Handlers{
		HITL:      c.hitlGate,
		Audit:     audit.NewReader(c.db),
		Judge:     c.judge,
		Planner:   c.planner,
		Campaigns: c.campaigns,
		TaskQueue: c.taskQueue,
		Backing:   c.backing,
		BaseCtx:   ctx,
		PerceptionCfg: perception.Config{
			PollInterval: c.cfg.PerceptionPollInterval(),
			Threshold:    c.cfg.PerceptionThreshold,
			DedupTTL:     c.cfg.PerceptionDedupTTL(),
		},
		Logger: c.logger,
	}
	handlers.Mount(srv.APIRouter)

	httpSrv := &http.Server{
		Addr:         c.cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("operator surface listening", "addr", c.cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		c.logger.Info("shutting down operator surface")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.GracePeriod)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
