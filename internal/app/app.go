package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"token-alerts/internal/alerting"
	"token-alerts/internal/config"
	"token-alerts/internal/events"
	"token-alerts/internal/fetcher"
	"token-alerts/internal/retry"
	"token-alerts/internal/scheduler"
	"token-alerts/internal/service"
	"token-alerts/internal/status"
	"token-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSource() fetcher.MetricSource {
	src := a.Config.Source
	ticker := fetcher.NewTicker(fetcher.TickerOptions{
		BaseURL:      src.Ticker.BaseURL,
		Quote:        src.Ticker.Quote,
		Timeout:      src.Ticker.RequestTimeout,
		UserAgent:    src.Ticker.UserAgent,
		MaxStaleness: src.MaxStaleness,
	}, a.Logger)

	if src.PriceProvider != config.ProviderOracle {
		return ticker
	}
	oracle := fetcher.NewOracle(fetcher.OracleOptions{
		RPCURL:       src.Oracle.RPCURL,
		Feeds:        src.Oracle.Feeds,
		Timeout:      src.Oracle.RequestTimeout,
		MaxStaleness: src.MaxStaleness,
	}, a.Logger)
	return fetcher.Composite{Price: oracle, Volume: ticker}
}

func (a *App) newRouter() (*alerting.Router, error) {
	cfg := a.Config.Alerting
	router := alerting.NewRouter(cfg.DefaultChannel)

	if cfg.Telegram.Enabled {
		tg, err := alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.APIBase, cfg.DeliveryTimeout, a.Logger)
		if err != nil {
			return nil, err
		}
		router.Register("telegram", tg)
	}
	if cfg.Webhook.Enabled {
		router.Register("webhook", alerting.NewWebhookNotifier(cfg.Webhook.UserAgent, cfg.DeliveryTimeout, a.Logger))
	}
	if len(router.Schemes()) == 0 {
		a.Logger.Warn().Msg("no notification channel enabled; fired alerts will not be delivered")
	}
	return router, nil
}

func (a *App) newPublisher() (events.Publisher, error) {
	cfg := a.Config.Events
	if !cfg.Enabled {
		return events.NopPublisher{}, nil
	}
	return events.NewKafkaPublisher(events.KafkaOptions{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		WriteTimeout: cfg.WriteTimeout,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (storage.Repository, error) {
	if a.Config.Database.DSN == "" {
		return nil, errors.New("database.dsn not configured")
	}
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return store, nil
}

func (a *App) policy() alerting.CooldownPolicy {
	return alerting.NewCooldownPolicy(a.Config.Cooldown.Price, a.Config.Cooldown.Volume)
}

func (a *App) newService(store storage.Repository, dispatcher service.Enqueuer, publisher events.Publisher, dryRun bool) *service.Service {
	policy := a.policy()
	eng := a.Config.Engine
	return service.New(service.Dependencies{
		Store:      store,
		Source:     a.newSource(),
		Policy:     policy,
		Committer:  alerting.NewCommitter(store, policy, eng.StoreTimeout, a.Logger),
		Dispatcher: dispatcher,
		Events:     publisher,
	}, service.Options{
		Concurrency:  eng.Concurrency,
		FetchTimeout: eng.FetchTimeout,
		StoreTimeout: eng.StoreTimeout,
		FetchRetry:   retry.NewPolicy(eng.FetchRetry...),
		LockKey:      a.Config.Scheduler.AdvisoryLockKey,
		DryRun:       dryRun,
	}, a.Logger)
}

func (a *App) newSweeper(store service.SweepStore, prober alerting.Prober) *service.Sweeper {
	return service.NewSweeper(store, prober, service.SweepOptions{
		Concurrency:  a.Config.Cleanup.Concurrency,
		ProbeTimeout: a.Config.Cleanup.ProbeTimeout,
		StoreTimeout: a.Config.Engine.StoreTimeout,
	}, a.Logger)
}

func (a *App) interval(class storage.MetricClass) time.Duration {
	if class == storage.ClassVolume {
		return a.Config.Scheduler.VolumeInterval
	}
	return a.Config.Scheduler.PriceInterval
}

func (a *App) newScheduler(name string, interval time.Duration) *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Name:         name,
		Interval:     interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
		Timeout:      a.Config.Scheduler.CycleTimeout,
	}, a.Logger)
}

// Run executes the long-running evaluation engine: one scheduler per metric
// class, the cleanup sweep, the delivery workers and the status server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	router, err := a.newRouter()
	if err != nil {
		return err
	}
	publisher, err := a.newPublisher()
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close event publisher")
		}
	}()

	sweeper := a.newSweeper(store, router)

	var dispatcher *alerting.Dispatcher
	var enqueuer service.Enqueuer
	if a.Config.Alerting.Enabled {
		dispatcher = alerting.NewDispatcher(router, sweeper, alerting.DispatcherOptions{
			QueueSize:       a.Config.Alerting.QueueSize,
			Workers:         a.Config.Alerting.Workers,
			DeliveryTimeout: a.Config.Alerting.DeliveryTimeout,
			Retry:           retry.NewPolicy(a.Config.Alerting.RetrySchedule...),
		}, a.Logger)
		dispatcher.Start()
		defer dispatcher.Stop()
		enqueuer = dispatcher
	} else {
		a.Logger.Warn().Msg("alerting disabled; fired alerts are recorded but not delivered")
	}

	svc := a.newService(store, enqueuer, publisher, false)

	type task struct {
		sched *scheduler.Scheduler
		fn    scheduler.TaskFunc
	}
	tasks := make([]task, 0, len(storage.Classes)+1)
	for _, class := range storage.Classes {
		tasks = append(tasks, task{a.newScheduler(string(class), a.interval(class)), svc.Task(class)})
	}
	if a.Config.Cleanup.Enabled {
		tasks = append(tasks, task{a.newScheduler("cleanup", a.Config.Scheduler.CleanupInterval), sweeper.Task()})
	}
	schedulers := make([]*scheduler.Scheduler, 0, len(tasks))
	for _, t := range tasks {
		schedulers = append(schedulers, t.sched)
	}

	// the status address is bound before any task starts so a busy port fails startup
	var srv *status.Server
	if a.Config.Status.Enabled {
		var stats status.DispatcherStats
		if dispatcher != nil {
			stats = dispatcher
		}
		srv = status.New(a.Config.Status.Listen, schedulers, stats, a.Logger)
		if err := srv.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error { return t.sched.Run(gctx, t.fn) })
	}
	if srv != nil {
		g.Go(func() error {
			// a status failure after startup must not stop evaluation
			if err := srv.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("status server stopped")
			}
			return nil
		})
	}

	a.Logger.Info().
		Dur("price_interval", a.Config.Scheduler.PriceInterval).
		Dur("volume_interval", a.Config.Scheduler.VolumeInterval).
		Bool("cleanup", a.Config.Cleanup.Enabled).
		Msg("starting evaluation engine")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("evaluation engine stopped")
	return nil
}

// EvaluateOptions configure a one-off evaluation cycle.
type EvaluateOptions struct {
	Class  storage.MetricClass
	Notify bool
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Instrument string
	Class      storage.MetricClass
	Window     storage.Window
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Instrument string
	Class      storage.MetricClass
	Window     storage.Window
	Limit      int
}

// SweepOptions configure a one-off cleanup sweep.
type SweepOptions struct {
	DryRun bool
}
