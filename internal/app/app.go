package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"oracle-health-alerts/internal/aggregate"
	"oracle-health-alerts/internal/alerting"
	"oracle-health-alerts/internal/alerts"
	"oracle-health-alerts/internal/cache"
	"oracle-health-alerts/internal/config"
	"oracle-health-alerts/internal/fetcher"
	"oracle-health-alerts/internal/metrics"
	"oracle-health-alerts/internal/notify"
	"oracle-health-alerts/internal/registry"
	"oracle-health-alerts/internal/rollup"
	"oracle-health-alerts/internal/runs"
	"oracle-health-alerts/internal/scheduler"
	"oracle-health-alerts/internal/service"
	"oracle-health-alerts/internal/stall"
	"oracle-health-alerts/internal/storage"
	"oracle-health-alerts/internal/storage/memstore"
	"oracle-health-alerts/internal/summary"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle and logs threshold invariant violations.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
	for _, w := range cfg.Thresholds.Warnings() {
		a.Logger.Warn().Msg(w)
	}
	if len(cfg.TestOverrides) > 0 {
		a.Logger.Warn().Strs("keys", cfg.TestOverrides).Msg("TEST_* threshold overrides active")
	}
	return a
}

// repository is what every command works against: postgres when configured, memory otherwise.
type repository interface {
	storage.Repository
	storage.AdvisoryLocker
}

func (a *App) openStore(ctx context.Context) (repository, func(), error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using an empty in-memory store")
		return memstore.New(), func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) openPostgres(ctx context.Context) (*storage.Store, error) {
	if a.Config.Database.DSN == "" {
		return nil, errors.New("database.dsn is required for this command")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	return storage.NewStore(pool), nil
}

func (a *App) newNotifier(logOnly bool) notify.Notifier {
	tg := a.Config.Alerting.Telegram
	if logOnly || !tg.Enabled {
		return notify.NewLogNotifier(a.Logger)
	}
	return notify.NewTelegramNotifier(notify.TelegramOptions{
		BotToken:      tg.BotToken,
		BaseURL:       tg.APIBase,
		Timeout:       tg.Timeout,
		ChunkInterval: tg.ChunkInterval,
	}, a.Logger)
}

// pipelineOptions select side effects for one wiring.
type pipelineOptions struct {
	// DryRun routes notifications to the log and leaves summary flags untouched.
	DryRun  bool
	Metrics *metrics.Metrics
	Cache   *cache.Publisher
}

// pipeline is the fully wired sweep.
type pipeline struct {
	service    *service.Service
	dispatcher *summary.Dispatcher
	courier    *notify.Courier
	registry   *registry.Registry
}

func (a *App) buildPipeline(repo repository, sched *scheduler.Scheduler, opts pipelineOptions) *pipeline {
	cfg := a.Config
	logger := a.Logger
	m := opts.Metrics

	reg := registry.New(repo)
	journal := &alerts.Journal{}
	manager := alerts.NewManager(repo, logger, alerts.WithOpenHook(func(rec storage.AlertRecord) {
		journal.Record(rec)
		m.AlertOpened(rec)
	}))
	policy := rollup.PolicyFromConfig(cfg.Summary)
	recorder := rollup.NewRecorder(repo, policy, logger)
	courier := notify.NewCourier(a.newNotifier(opts.DryRun), reg, logger, notify.WithObserver(m.Notification))

	sink := fetcher.NewSink(repo, reg, manager, recorder, nil, logger)
	datasources := fetcher.NewDatasources(fetcher.DatasourceOptionsFromConfig(cfg.Fetch), reg, sink, logger)
	oracles := fetcher.NewOracles(fetcher.OracleOptionsFromConfig(cfg.Oracle, cfg.Fetch.Workers), reg, sink, logger)

	var aggOpts []aggregate.Option
	if opts.Cache != nil {
		aggOpts = append(aggOpts, aggregate.WithPublisher(opts.Cache))
	}
	engine := aggregate.New(repo, reg, manager, recorder, cfg.Thresholds, logger, aggOpts...)
	dsStall := stall.NewDatasourceDetector(repo, reg, manager, recorder, cfg.Thresholds, logger)
	oracleStall := stall.NewOracleDetector(repo, reg, manager, recorder, cfg.Thresholds, logger, stall.WithCourier(courier))

	dispatcher := summary.NewDispatcher(
		rollup.NewLedger(repo, policy),
		reg,
		courier,
		summary.NewRendererFromConfig(cfg.Summary),
		cfg.Summary.OnlyIfEvents,
		logger,
		summary.WithDryRun(opts.DryRun),
	)

	svc := service.New(service.Options{
		RunLabel:  cfg.Scheduler.RunLabel,
		LockKey:   cfg.Scheduler.AdvisoryLockKey,
		Workers:   cfg.Fetch.Workers,
		RunDigest: cfg.Alerting.RunDigest,
	}, service.Components{
		Runs:            runs.NewLedger(repo, logger),
		Registry:        reg,
		Datasources:     datasources,
		Oracles:         oracles,
		Aggregator:      engine,
		DatasourceStall: dsStall,
		OracleStall:     oracleStall,
		Summary:         dispatcher,
		Digest:          alerting.NewDigester(courier, reg, logger),
		Journal:         journal,
		Metrics:         m,
		Locker:          repo,
	}, sched, logger)

	return &pipeline{service: svc, dispatcher: dispatcher, courier: courier, registry: reg}
}

// Run executes the long-running monitoring service with its side jobs: metrics endpoint,
// snapshot retention and the aggregate cache, each only when configured.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := pipelineOptions{Metrics: metrics.New()}
	if a.Config.Redis.Addr != "" {
		pub, err := cache.New(ctx, a.Config.Redis, a.Config.Thresholds.Freshness(), a.Logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts.Cache = pub
	}

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)
	p := a.buildPipeline(repo, sched, opts)

	if a.Config.Retention.Enabled {
		retention, err := scheduler.NewRetention(ctx, a.Config.Retention.Schedule, a.Config.Retention.MaxAge, repo, a.Logger)
		if err != nil {
			return err
		}
		retention.Start()
		defer retention.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		g.Go(func() error { return opts.Metrics.Serve(gctx, addr, a.Logger) })
	}
	g.Go(func() error {
		a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting monitoring service")
		return p.service.Run(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// SweepOptions configure a one-shot sweep.
type SweepOptions struct {
	DryRun bool
}

// Sweep runs one pipeline pass and returns its report.
func (a *App) Sweep(ctx context.Context, opts SweepOptions) (service.Report, error) {
	repo, closeStore, err := a.openStore(ctx)
	if err != nil {
		return service.Report{}, err
	}
	defer closeStore()

	p := a.buildPipeline(repo, nil, pipelineOptions{DryRun: opts.DryRun})
	started := time.Now()
	report, err := p.service.Sweep(ctx)
	a.Logger.Info().Dur("elapsed", time.Since(started)).Bool("dry_run", opts.DryRun).Msg("one-shot sweep done")
	return report, err
}

// ExportOptions hold parameters for exporting aggregate history.
type ExportOptions struct {
	Pair      storage.PairKey
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show commands.
type ShowOptions struct {
	Limit    int
	OpenOnly bool
	Pair     storage.PairKey
	Window   *time.Time
	Kind     storage.EntityKind
}
