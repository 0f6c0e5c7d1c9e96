package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	automation "github.com/goliatone/go-automation"
	"github.com/goliatone/go-automation/adapters/gocommand"
	"github.com/goliatone/go-automation/adapters/gojob"
	"github.com/goliatone/go-automation/adapters/gologger"
	"github.com/goliatone/go-automation/core"
	automationmigrations "github.com/goliatone/go-automation/migrations"
	sqlstore "github.com/goliatone/go-automation/store/sql"
	"github.com/goliatone/go-automation/webhooks"
	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
	"go.opentelemetry.io/otel"
)

type persistenceConfig struct {
	db DatabaseConfig
}

func (c persistenceConfig) GetDebug() bool    { return c.db.Debug }
func (c persistenceConfig) GetDriver() string { return c.db.Driver }
func (c persistenceConfig) GetServer() string { return c.db.DSN }

func (c persistenceConfig) GetPingTimeout() time.Duration {
	if c.db.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.db.PingTimeout
}

func (persistenceConfig) GetOtelIdentifier() string { return "go-automation" }

// Runtime is the wired engine one CLI invocation works against.
type Runtime struct {
	Config  Config
	Logger  *SlogLogger
	Loggers gologger.Loggers
	Client  *persistence.Client
	Stores  *sqlstore.RepositoryFactory
	Facade  *automation.Facade
	Dialect string

	subscriptions  []commanddispatcher.Subscription
	shutdownTracer func(context.Context) error
}

// OpenDatabase opens the configured driver and wraps it in a persistence
// client with the matching bun dialect.
func OpenDatabase(cfg DatabaseConfig) (*persistence.Client, string, error) {
	dialect, err := automationmigrations.DialectFor(cfg.Driver)
	if err != nil {
		return nil, "", err
	}

	driver := "sqlite3"
	var bunDialect schema.Dialect = sqlitedialect.New()
	if dialect == automationmigrations.DialectPostgres {
		driver = "postgres"
		bunDialect = pgdialect.New()
	}
	cfg.Driver = driver

	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == automationmigrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{db: cfg}, sqlDB, bunDialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, "", fmt.Errorf("persistence client: %w", err)
	}
	return client, dialect, nil
}

// OpenRuntime loads configuration, opens storage and wires the engine,
// facade and command dispatch for one invocation.
func OpenRuntime(ctx context.Context, opts *RootOptions, logOut io.Writer) (*Runtime, error) {
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	opts.apply(&cfg)

	logger, err := NewSlogLogger(logOut, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "configure logging", err)
	}
	rt := &Runtime{
		Config:         cfg,
		Logger:         logger,
		Loggers:        gologger.ResolveAutomation(logger, logger),
		shutdownTracer: noopShutdown,
	}

	if cfg.Tracing.Enabled {
		shutdown, err := InitTracer(cfg.Engine.ServiceName, logOut, logger)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "configure tracing", err)
		}
		rt.shutdownTracer = shutdown
	}

	client, dialect, err := OpenDatabase(cfg.Database)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}
	rt.Client = client
	rt.Dialect = dialect

	if cfg.Database.AutoMigrate {
		if err := automationmigrations.Apply(ctx, client, dialect); err != nil {
			_ = rt.Close(ctx)
			return nil, WrapExitError(ExitCommandError, "migrate database", err)
		}
	}

	stores, err := sqlstore.NewRepositoryFactoryFromPersistence(client,
		sqlstore.WithDedupRetention(cfg.Engine.Dedup.RetentionWindow),
		sqlstore.WithRuleCacheTTL(cfg.Engine.RuleCache.TTL),
	)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "build stores", err)
	}
	rt.Stores = stores

	performer, err := buildPerformer(cfg, opts.DryRun, rt.Loggers.Engine)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "configure action performer", err)
	}

	service, err := automation.NewService(cfg.Engine,
		automation.WithLogger(rt.Loggers.Engine),
		automation.WithLoggerProvider(logger),
		automation.WithActionPerformer(performer),
		automation.WithRuleStore(stores.RuleStore()),
		automation.WithOutcomeStore(stores.OutcomeStore()),
		automation.WithDedupLedger(stores.DedupLedger()),
		automation.WithRateLimiter(automation.NewRateLimiter(cfg.Engine, stores.BucketStore(), nil)),
		automation.WithEscalator(gojob.NewEscalator(stores.JobQueue())),
		automation.WithTracer(otel.Tracer(tracerName)),
	)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "build engine", err)
	}

	facadeOpts := []automation.FacadeOption{
		automation.WithIngestConcurrency(cfg.Webhook.Concurrency),
	}
	if secret := strings.TrimSpace(cfg.Webhook.AppSecret); secret != "" {
		facadeOpts = append(facadeOpts, automation.WithWebhookVerifier(webhooks.NewMetaSignatureVerifier(secret)))
	}
	if cfg.Webhook.BurstWindow > 0 {
		facadeOpts = append(facadeOpts, automation.WithBurstController(
			webhooks.NewBurstController(webhooks.BurstOptions{Window: cfg.Webhook.BurstWindow}),
		))
	}
	facade, err := automation.NewFacade(service, facadeOpts...)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "build facade", err)
	}
	rt.Facade = facade

	subs, err := gocommand.RegisterAutomation(gocommand.NewRegistryAdapter(command.NewRegistry()), gocommand.Handlers{
		Events:   facade,
		Webhooks: facade,
		Ledger:   facade,
		Logs:     facade,
		Stats:    facade,
	})
	if err != nil {
		_ = rt.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "register command handlers", err)
	}
	rt.subscriptions = subs
	return rt, nil
}

func buildPerformer(cfg Config, dryRun bool, logger core.Logger) (core.ActionPerformer, error) {
	if dryRun || len(cfg.Graph.Tokens) == 0 {
		return dryRunPerformer{logger: logger}, nil
	}
	return automation.GraphPerformer(cfg.Graph, nil)
}

// Close drains in-flight work and releases storage and tracing.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	gocommand.Unsubscribe(r.subscriptions)
	r.subscriptions = nil

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.Facade != nil {
		keep(r.Facade.Shutdown(ctx))
	}
	if r.Client != nil {
		keep(r.Client.Close())
	}
	if r.shutdownTracer != nil {
		keep(r.shutdownTracer(ctx))
	}
	return firstErr
}

// dryRunPerformer accepts every action without calling the platform.
type dryRunPerformer struct {
	logger core.Logger
}

func (p dryRunPerformer) PerformAction(ctx context.Context, req core.ActionRequest) (core.ActionResult, error) {
	if p.logger != nil {
		p.logger.WithContext(ctx).Info("dry run action",
			"account_id", req.AccountID,
			"rule_type", string(req.RuleType),
			"event_id", req.EventID,
			"target", req.TargetHandle,
			"message", req.Message,
		)
	}
	return core.ActionResult{
		ExternalRef: "dry_run:" + req.EventID,
		Metadata:    map[string]any{"dry_run": true},
	}, nil
}
