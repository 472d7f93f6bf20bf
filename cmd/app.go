package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/announcement-ledger/internal/api"
	"github.com/JakeFAU/announcement-ledger/internal/clock/system"
	"github.com/JakeFAU/announcement-ledger/internal/config"
	"github.com/JakeFAU/announcement-ledger/internal/failures"
	collyfetcher "github.com/JakeFAU/announcement-ledger/internal/fetcher/colly"
	"github.com/JakeFAU/announcement-ledger/internal/id/uuid"
	"github.com/JakeFAU/announcement-ledger/internal/ingest"
	"github.com/JakeFAU/announcement-ledger/internal/orchestrator"
	"github.com/JakeFAU/announcement-ledger/internal/pipeline"
	"github.com/JakeFAU/announcement-ledger/internal/policy/ratelimit"
	"github.com/JakeFAU/announcement-ledger/internal/publisher/pubsub"
	"github.com/JakeFAU/announcement-ledger/internal/resolver"
	"github.com/JakeFAU/announcement-ledger/internal/rules"
	"github.com/JakeFAU/announcement-ledger/internal/source"
	"github.com/JakeFAU/announcement-ledger/internal/storage/memory"
	"github.com/JakeFAU/announcement-ledger/internal/storage/postgres"
	"github.com/JakeFAU/announcement-ledger/internal/telemetry"
	"github.com/JakeFAU/announcement-ledger/internal/validation"
)

// errNoDatabase is returned by commands that only make sense against Postgres.
var errNoDatabase = errors.New("db.dsn is required for this command")

// stores groups the persistence seams. Postgres and the in-memory store both
// fill every field.
type stores struct {
	rules         ingest.RuleStore
	announcements ingest.AnnouncementStore
	decisions     ingest.DecisionLog
	validations   ingest.ValidationStore
	failures      ingest.FailureStore
	ready         api.Pinger
}

// App holds the long-lived services shared by every subcommand. It is built
// once in the root command's PersistentPreRunE.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock

	db     *postgres.DB
	stores stores

	catalog      *source.Catalog
	registry     *rules.Registry
	validator    *validation.Validator
	tracker      *failures.Tracker
	orchestrator *orchestrator.Orchestrator

	closers []func() error
}

// NewApp wires configuration into stores, collaborators, and the run
// orchestrator. An empty db.dsn selects the in-memory store.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}

	priorities, err := cfg.PriorityTable()
	if err != nil {
		return nil, err
	}

	tp, err := telemetry.InitTracerProvider(ctx, "announcement-ledger")
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		return tp.Shutdown(context.Background())
	})

	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Run.RulesFile != "" {
		if err := a.importRules(ctx, cfg.Run.RulesFile); err != nil {
			a.Close()
			return nil, err
		}
	}

	var publisher ingest.Publisher
	if cfg.PubSub.TopicName != "" {
		p, err := pubsub.Open(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open publisher: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		publisher = p
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.Fetch.Timeout(),
		Throttle: ratelimit.New(ratelimit.Config{
			RPS:   cfg.Fetch.RatePerSecond,
			Burst: cfg.Fetch.Burst,
		}),
	})
	specs := make([]source.Spec, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		specs = append(specs, source.Spec{Name: s.Name, Type: s.Type})
	}
	a.catalog, err = source.NewCatalog(specs, cfg.Run.InboxDir, fetcher)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build source catalog: %w", err)
	}
	if err := priorities.Validate(a.catalog.Types()...); err != nil {
		a.Close()
		return nil, fmt.Errorf("validate priorities: %w", err)
	}

	a.registry = rules.NewRegistry(a.stores.rules, logger.Named("rules"))
	res := resolver.New(
		a.stores.announcements,
		a.stores.decisions,
		priorities,
		a.clock,
		publisher,
		resolver.Config{Topic: cfg.PubSub.TopicName},
		logger.Named("resolver"),
	)
	a.validator = validation.New(a.stores.validations, a.clock, logger.Named("validation"))
	a.tracker = failures.New(a.stores.failures, a.clock, cfg.Retry.MaxAttempts, logger.Named("failures"))
	pipe := pipeline.New(a.registry, res, a.stores.announcements, priorities, logger.Named("pipeline"))
	a.orchestrator = orchestrator.New(
		a.catalog,
		a.registry,
		a.validator,
		pipe,
		a.tracker,
		uuid.New(),
		orchestrator.Config{Workers: cfg.Run.Workers, QueueDepth: cfg.Run.QueueDepth},
		logger.Named("orchestrator"),
	)

	logger.Info("application initialized",
		zap.Bool("postgres", a.db != nil),
		zap.Int("sources", len(specs)),
		zap.Bool("publishing", publisher != nil),
	)
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("db.dsn not set; using in-memory store, nothing will persist")
		mem := memory.New()
		a.stores = stores{
			rules:         mem,
			announcements: mem,
			decisions:     mem,
			validations:   mem,
			failures:      mem.Failures(),
			ready:         mem,
		}
		return nil
	}

	db, err := postgres.Open(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func() error {
		db.Close()
		return nil
	})
	a.stores = stores{
		rules:         db.Rules(),
		announcements: db.Announcements(),
		decisions:     db.Decisions(),
		validations:   db.Validations(),
		failures:      db.Failures(),
		ready:         db,
	}
	return nil
}

// importRules loads a YAML rule file and replaces the rules of every domain
// it names.
func (a *App) importRules(ctx context.Context, path string) error {
	parsed, err := rules.LoadFile(path)
	if err != nil {
		return err
	}
	if err := a.stores.rules.ReplaceRules(ctx, parsed); err != nil {
		return fmt.Errorf("import rules: %w", ingest.StorageError(err))
	}
	if a.registry != nil {
		a.registry.Clear()
	}
	a.logger.Info("domain rules imported", zap.String("path", path), zap.Int("rules", len(parsed)))
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Close releases every owned resource in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close resource failed", zap.Error(err))
		}
	}
	a.closers = nil
}
