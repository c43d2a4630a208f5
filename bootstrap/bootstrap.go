// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/artpar/usagegate/adapters/cache"
	"github.com/artpar/usagegate/adapters/clock"
	httpadapter "github.com/artpar/usagegate/adapters/http"
	"github.com/artpar/usagegate/adapters/idgen"
	"github.com/artpar/usagegate/adapters/metrics"
	"github.com/artpar/usagegate/adapters/payment"
	"github.com/artpar/usagegate/app"
	"github.com/artpar/usagegate/config"
	"github.com/artpar/usagegate/core/events"
	"github.com/artpar/usagegate/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	alertBuffer   = 256
	metricsBuffer = 4096
	jobTimeout    = 5 * time.Minute
	reloadTimeout = 10 * time.Second
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Clock      ports.Clock
	Stores     *Stores
	Bus        *events.Bus
	Metrics    *metrics.Collector // nil when metrics are disabled
	Registry   *prometheus.Registry
	HTTPServer *http.Server
	Router     http.Handler
	Scheduler  *Scheduler

	// Services
	Quota      *app.QuotaService
	RateLimit  *app.RateLimitService
	Webhooks   *app.WebhookProcessor
	Health     *app.HealthMonitor
	Guard      *app.ActionGuard
	Dispatcher *app.Dispatcher

	cfg        atomic.Pointer[config.Config]
	cache      *cache.Cache
	closers    []io.Closer
	alertSub   *events.Subscription
	metricsSub *events.Subscription

	runOnce      sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
	stopped      chan struct{}
}

// Options overrides infrastructure for embedding and tests.
type Options struct {
	Clock    ports.Clock
	IDs      ports.IDGenerator
	Notifier ports.Notifier       // Replaces the configured alert channels
	Registry *prometheus.Registry // Defaults to a fresh registry
}

// New creates and initializes the application.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	return NewWithOptions(ctx, cfg, logger, Options{})
}

// NewWithOptions creates the application with infrastructure overrides.
func NewWithOptions(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	a := &App{Logger: logger, Clock: opts.Clock, Registry: opts.Registry, stopped: make(chan struct{})}
	a.cfg.Store(cfg)
	if a.Clock == nil {
		a.Clock = clock.Real{}
	}
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	ids := opts.IDs
	if ids == nil {
		ids = idgen.UUID{}
	}

	stores, err := OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Stores = stores

	a.Bus = events.NewBus(logger)
	a.alertSub = a.Bus.Subscribe(alertBuffer, app.DispatchKinds...)
	if !cfg.Metrics.Disabled {
		a.Metrics = metrics.NewWithRegistry(a.Registry)
		a.metricsSub = a.Bus.Subscribe(metricsBuffer)
		if err := metrics.RegisterBusDrops(a.Registry, a.Bus.Dropped); err != nil {
			a.closeResources()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	notifier := opts.Notifier
	if notifier == nil {
		var closers []io.Closer
		notifier, closers = buildNotifier(cfg.Notify, logger)
		a.closers = append(a.closers, closers...)
	}
	a.Dispatcher = app.NewDispatcher(notifier, ids, logger, cfg.Notify.Timeout)

	a.initServices(cfg)

	if err := a.initScheduler(cfg); err != nil {
		a.closeResources()
		return nil, err
	}

	a.initHTTPServer(cfg)

	logger.Info().
		Str("driver", cfg.Storage.Driver).
		Bool("redis", cfg.Redis.URL != "").
		Bool("metrics", a.Metrics != nil).
		Msg("application initialized")
	return a, nil
}

func (a *App) initServices(cfg *config.Config) {
	a.cache = cache.New(cacheSettings(cfg))

	a.Quota = app.NewQuotaService(app.QuotaDeps{
		Usage:         a.Stores.Usage,
		Plans:         a.Stores.Plans,
		Subscriptions: a.Stores.Subscriptions,
		Cache:         a.cache,
		Events:        a.Bus,
		Clock:         a.Clock,
		Logger:        a.Logger.With().Str("component", "quota").Logger(),
	}, quotaSettings(cfg))

	a.RateLimit = app.NewRateLimitService(app.RateLimitDeps{
		Records:     a.Stores.RateLimits,
		Suspensions: a.Stores.Suspensions,
		Events:      a.Bus,
		Clock:       a.Clock,
		Logger:      a.Logger.With().Str("component", "ratelimit").Logger(),
	}, rateLimitSettings(cfg))

	billing := app.NewBillingHandlers(app.BillingDeps{
		Subscriptions: a.Stores.Subscriptions,
		Quota:         a.Quota,
		Decoder:       payment.NewStripeDecoder(priceTiers(cfg)),
		Events:        a.Bus,
		Clock:         a.Clock,
		Logger:        a.Logger.With().Str("component", "billing").Logger(),
	})

	a.Webhooks = app.NewWebhookProcessor(app.WebhookDeps{
		Store:    a.Stores.Events,
		Handlers: billing.Table(),
		Events:   a.Bus,
		Clock:    a.Clock,
		Logger:   a.Logger.With().Str("component", "webhooks").Logger(),
	}, webhookSettings(cfg))

	a.Health = app.NewHealthMonitor(app.HealthDeps{
		Store:  a.Stores.Events,
		Events: a.Bus,
		Clock:  a.Clock,
		Logger: a.Logger.With().Str("component", "health").Logger(),
	}, healthSettings(cfg))

	a.Guard = app.NewActionGuard(a.RateLimit, a.Quota, a.Logger)
}

func (a *App) initScheduler(cfg *config.Config) error {
	a.Scheduler = NewScheduler(a.Logger.With().Str("component", "scheduler").Logger(), jobTimeout)

	jobs := []struct {
		name string
		spec string
		job  Job
	}{
		{"ratelimit_sweep", cfg.Jobs.Sweep, a.sweep},
		{"quota_rollover", cfg.Jobs.Rollover, a.rollover},
		{"webhook_health", cfg.Health.Schedule, a.checkHealth},
	}
	for _, j := range jobs {
		if err := a.Scheduler.Add(j.name, j.spec, j.job); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) sweep(ctx context.Context) error {
	res, err := a.RateLimit.Sweep(ctx, a.Clock.Now())
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("records", res.Records).Int64("suspensions", res.Suspensions).Msg("rate limit sweep finished")
	return nil
}

func (a *App) rollover(ctx context.Context) error {
	n, err := a.Quota.Rollover(ctx, a.Clock.Now())
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("counters", n).Msg("expired usage counters removed")
	return nil
}

func (a *App) checkHealth(ctx context.Context) error {
	_, err := a.Health.Check(ctx)
	return err
}

func (a *App) initHTTPServer(cfg *config.Config) {
	handler := httpadapter.NewHandler(httpadapter.Deps{
		Quota:           a.Quota,
		RateLimit:       a.RateLimit,
		Webhooks:        a.Webhooks,
		Health:          a.Health,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		Logger:          a.Logger,
		Now:             a.Clock.Now,
	})

	rc := httpadapter.RouterConfig{
		Metrics:        a.Metrics,
		Admin:          httpadapter.NewAdminHandler(a.Webhooks, a.RateLimit, cfg.Admin.Token, a.Logger),
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if a.Metrics != nil {
		rc.MetricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
	}
	a.Router = httpadapter.NewRouter(handler, a.Logger, rc)

	a.HTTPServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           a.Router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	return a.cfg.Load()
}

// Run starts the background workers and the HTTP server, and blocks until
// ctx is cancelled, SIGINT/SIGTERM arrives or the server fails.
func (a *App) Run(ctx context.Context) error {
	started := false
	a.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("app already running")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Dispatcher.Run(gctx, a.alertSub)
		return nil
	})
	if a.Metrics != nil {
		g.Go(func() error {
			a.Metrics.Run(gctx, a.metricsSub)
			return nil
		})
	}

	cfg := a.Config()
	a.Webhooks.StartRetryWorker(gctx, cfg.Webhook.RetryInterval)
	a.Scheduler.Start()

	g.Go(func() error {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			a.Logger.Info().Msg("shutting down")
			return a.Shutdown()
		case <-a.stopped:
			return nil
		}
	})

	return g.Wait()
}

// Shutdown gracefully stops the application. Safe to call more than once.
func (a *App) Shutdown() error {
	a.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.Config().Server.ShutdownTimeout)
		defer cancel()

		a.Scheduler.Stop()
		a.Webhooks.StopRetryWorker()

		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
			a.shutdownErr = err
		}

		if err := a.closeResources(); err != nil {
			a.Logger.Error().Err(err).Msg("close error")
			a.shutdownErr = errors.Join(a.shutdownErr, err)
		}

		close(a.stopped)
		a.Logger.Info().Msg("shutdown complete")
	})
	return a.shutdownErr
}

func (a *App) closeResources() error {
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.cache != nil {
		a.cache.Stop()
	}
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	if a.Stores != nil {
		errs = append(errs, a.Stores.Close())
	}
	return errors.Join(errs...)
}

// Apply pushes a reloaded configuration into the running services. Fields
// that need a restart are logged by the config holder and ignored here.
func (a *App) Apply(cfg *config.Config) {
	a.Quota.UpdateConfig(quotaSettings(cfg))
	a.RateLimit.UpdateConfig(rateLimitSettings(cfg))
	a.Webhooks.UpdateConfig(webhookSettings(cfg))
	a.Health.UpdateConfig(healthSettings(cfg))

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	if err := a.Stores.SeedPlans(ctx, planLimits(cfg)); err != nil {
		a.Logger.Error().Err(err).Msg("plan limits not reloaded")
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
	}

	a.cfg.Store(cfg)
	if a.Metrics != nil {
		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.SetToCurrentTime()
	}
	a.Logger.Info().Msg("configuration applied")
}

// SetupLogger configures the global level and returns a logger writing to
// stdout in the configured format.
func SetupLogger(cfg config.LoggingConfig) zerolog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}
