package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/bazaar-pricing/internal/domain/checkout"
	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
	"github.com/xenking/bazaar-pricing/internal/handler"
	"github.com/xenking/bazaar-pricing/internal/outbox"
	"github.com/xenking/bazaar-pricing/internal/storage/postgres"
	"github.com/xenking/bazaar-pricing/internal/storage/rediscache"
	"github.com/xenking/bazaar-pricing/pkg/health"
	"github.com/xenking/bazaar-pricing/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the outbox
// publisher, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	svc, err := newService(ctx, lg, cfg, m.MeterProvider(), m.TracerProvider())
	if err != nil {
		return err
	}
	defer svc.close()

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           svc.handler,
	}

	svc.health.Start(ctx, 10*time.Second)
	svc.health.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)

	if svc.poller != nil {
		g.Go(func() error {
			lg.Info("Outbox publisher started",
				zap.Strings("brokers", cfg.Kafka.Brokers),
				zap.String("topic", cfg.Kafka.Topic),
			)
			return svc.poller.Run(zctx.Base(gctx, lg))
		})
	} else {
		lg.Info("Kafka brokers not configured, usage events stay in the outbox")
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		svc.health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		svc.health.Stop()
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

// service is the wired application without its listener.
type service struct {
	handler http.Handler
	health  *health.Health
	// poller is nil when no Kafka brokers are configured.
	poller  *outbox.Poller
	closers []func()
}

func (s *service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// newService connects to the stores and builds the HTTP handler. The schema
// must already be migrated.
func newService(
	ctx context.Context,
	lg *zap.Logger,
	cfg *Config,
	meters metric.MeterProvider,
	tracers trace.TracerProvider,
) (_ *service, rerr error) {
	svc := &service{health: health.New()}
	defer func() {
		if rerr != nil {
			svc.close()
		}
	}()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	svc.closers = append(svc.closers, pool.Close)

	svc.health.Register(health.Readiness, "postgres", health.PingCheck("postgres", pool), health.WithTimeout(5*time.Second))
	svc.health.Register(health.Liveness, "goroutines", health.GoroutineCountCheck(10000))
	svc.health.Register(health.Liveness, "gc_pause", health.GCMaxPauseCheck(time.Second), health.WithThresholds(5, 1))

	// Repositories.
	var (
		products = postgres.NewProductRepository(pool)
		carts    = postgres.NewCartRepository(pool)
		apikeys  = postgres.NewAPIKeyRepository(pool)

		rules pricing.RuleRepository = postgres.NewRuleRepository(pool)
		usage pricing.UsageStore     = postgres.NewUsageStore(pool)
	)

	if cfg.Redis.URL != "" {
		cache, err := rediscache.Dial(cfg.Redis.URL, rediscache.Config{TTL: cfg.Redis.TTL, Bucket: cfg.Redis.Bucket})
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, func() { _ = cache.Close() })

		rules = rediscache.NewRuleRepository(rules, cache)
		usage = rediscache.NewUsageStore(usage, cache)
		// Lookups fall back to Postgres, so a Redis outage must not fail
		// readiness.
		svc.health.Register(health.Liveness, "redis", health.PingCheck("redis", cache), health.WithThresholds(10, 1))
		lg.Info("Candidate cache enabled", zap.Duration("ttl", cfg.Redis.TTL))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher := outbox.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		svc.closers = append(svc.closers, func() {
			if err := publisher.Close(); err != nil {
				lg.Warn("Close kafka publisher", zap.Error(err))
			}
		})
		svc.poller = outbox.NewPoller(postgres.NewOutboxRepository(pool), publisher, cfg.Kafka.PollInterval, cfg.Kafka.BatchSize)
	}

	// Domain services.
	policy, err := checkout.ParsePolicy(cfg.CommitPolicy)
	if err != nil {
		return nil, errors.Wrap(err, "commit policy")
	}
	calculator := pricing.NewCalculator(pricing.NewSelector(rules))
	checkoutSvc := checkout.NewService(products, carts, rules, calculator, pricing.NewRecorder(usage), policy)

	// HTTP handlers.
	metrics, err := handler.NewMetrics(meters.Meter("pricing"))
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	h := handler.NewHandler(handler.HandlerConfig{MaxBodyBytes: cfg.MaxBodyBytes}, checkoutSvc, metrics)
	keys := handler.NewKeyAuth(apikeys, cfg.APIKeyPepper)

	root := chi.NewRouter()
	root.Use(
		middleware.RequestID,
		httpmiddleware.Recovery(),
		httpmiddleware.InjectLogger(lg),
	)
	svc.health.Mount(root)
	root.Group(func(r chi.Router) {
		r.Use(httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}))
		r.Mount("/", h.Routes(keys, httpmiddleware.LogRequests()))
	})

	svc.handler = otelhttp.NewHandler(root, "pricing-api",
		otelhttp.WithMeterProvider(meters),
		otelhttp.WithTracerProvider(tracers),
	)
	return svc, nil
}
