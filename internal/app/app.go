package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/events"
	"github.com/xenking/kart-checkout/internal/gateway/stripegw"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
	rediscache "github.com/xenking/kart-checkout/internal/storage/redis"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New(lg.Named("health"))
	healthSvc.Add(health.Check{Name: "postgres", Kind: health.Readiness, Func: health.PingCheck(pool)})
	healthSvc.Add(health.Check{Name: "goroutines", Kind: health.Liveness, Timeout: time.Second, Func: health.GoroutineCountCheck(10000)})

	couponRepo := postgres.NewCouponRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	couponSvc := coupon.NewService(couponRepo, coupon.GiftConfig{
		DiscountPercentage: cfg.Checkout.GiftDiscount,
		TTL:                cfg.Checkout.GiftTTL,
	})

	gateway, err := stripegw.New(stripegw.Config{
		SecretKey:  cfg.Stripe.SecretKey,
		Currency:   cfg.Stripe.Currency,
		Timeout:    cfg.Stripe.Timeout,
		MaxRetries: cfg.Stripe.MaxRetries,
		BaseURL:    cfg.Stripe.BaseURL,
	}, lg, m.TracerProvider())
	if err != nil {
		return errors.Wrap(err, "create payment gateway")
	}

	opts := []checkout.Option{checkout.WithMeterProvider(m.MeterProvider())}
	if cfg.Redis.Addr != "" {
		client := rediscache.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer func() { _ = client.Close() }()

		cache := rediscache.NewSettledCache(client, cfg.Redis.TTL)
		healthSvc.Add(health.Check{Name: "redis", Kind: health.Readiness, Func: health.PingCheck(cache)})
		opts = append(opts, checkout.WithSettledCache(cache))
		lg.Info("Settled session cache enabled", zap.String("redis", cfg.Redis.Addr))
	}
	publisher, err := events.NewPublisher(events.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
	if err != nil {
		return errors.Wrap(err, "create event publisher")
	}
	if publisher != nil {
		defer func() {
			if err := publisher.Close(); err != nil {
				lg.Warn("Close event publisher", zap.Error(err))
			}
		}()
		healthSvc.Add(health.Check{Name: "kafka", Kind: health.Readiness, Func: health.KafkaCheck(cfg.Kafka.Brokers)})
		opts = append(opts, checkout.WithEventPublisher(publisher))
		lg.Info("Order events enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	checkoutSvc, err := checkout.NewService(gateway, couponSvc, orderRepo, checkout.Config{
		SuccessURL:     cfg.SuccessURL(),
		CancelURL:      cfg.CancelURL(),
		GiftThreshold:  cfg.Checkout.GiftThreshold,
		PublishTimeout: cfg.Kafka.PublishTimeout,
	}, opts...)
	if err != nil {
		return errors.Wrap(err, "create checkout service")
	}

	h := handler.NewHandler(checkoutSvc, couponSvc)
	security := handler.NewSecurity(apikeyRepo, []byte(cfg.APIKeyPepper))

	r := NewRouter(ctx, cfg, h, security, healthSvc)

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Settlement makes several gateway calls.
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: otelhttp.NewHandler(r, "shop-api",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/livez" && r.URL.Path != "/readyz"
			}),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// NewRouter assembles the middleware chain, probes and the authenticated API.
func NewRouter(ctx context.Context, cfg *Config, h *handler.Handler, security *handler.Security, healthSvc *health.Service) chi.Router {
	r := chi.NewRouter()
	r.Use(
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.RequestID(),
		httpmiddleware.Recovery(),
		httpmiddleware.LogRequests(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			Origins:          cfg.CORS.Origins,
			Headers:          []string{"Content-Type", "Authorization", handler.APIKeyHeader},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
			KeyFunc: httpmiddleware.CredentialKey,
		}),
	)
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	r.With(security.Middleware).Mount("/api", h.Routes())
	return r
}
