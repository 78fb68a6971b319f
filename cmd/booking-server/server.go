package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinicdesk/booking/internal/config"
	"github.com/clinicdesk/booking/internal/domain/booking"
	"github.com/clinicdesk/booking/internal/platform/auth"
	"github.com/clinicdesk/booking/internal/platform/db"
	"github.com/clinicdesk/booking/internal/platform/middleware"
	"github.com/clinicdesk/booking/internal/platform/outbox"
	"github.com/clinicdesk/booking/internal/platform/recordstore"
	"github.com/clinicdesk/booking/internal/platform/sandbox"
	"github.com/clinicdesk/booking/internal/platform/telemetry"
	"github.com/clinicdesk/booking/internal/platform/websocket"
)

const (
	redisNamespace  = "rec"
	redisRetries    = 5
	redisRetryDelay = 2 * time.Second
	shutdownTimeout = 10 * time.Second
)

// backend is the opened record store plus what the health check needs.
type backend struct {
	store   recordstore.Store
	check   db.Check
	closers []func()
}

func (b *backend) Close() {
	b.store.Close()
	for _, fn := range b.closers {
		fn()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		return &backend{
			store:   recordstore.NewPostgresStore(pool),
			check:   db.Check{Backend: config.BackendPostgres, Ping: pool.Ping, Pool: pool},
			closers: []func(){pool.Close},
		}, nil

	case config.BackendRedis:
		client, err := recordstore.OpenRedis(ctx, cfg.RedisURL, redisRetries, redisRetryDelay)
		if err != nil {
			return nil, err
		}
		return &backend{
			store: recordstore.NewRedisStore(client, redisNamespace),
			check: db.Check{
				Backend: config.BackendRedis,
				Ping:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
			},
		}, nil
	}

	return &backend{
		store: recordstore.NewMemoryStore(),
		check: db.Check{Backend: config.BackendMemory},
	}, nil
}

// app is the booking service wired onto one record store.
type app struct {
	metrics *telemetry.Metrics
	hub     *websocket.Hub
	outbox  *outbox.Outbox
	svc     *booking.Service
	handler *booking.Handler
	seeder  *sandbox.Seeder
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		DatabaseURL:     cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "booking-server",
	}
}

func newApp(cfg *config.Config, store recordstore.Store, logger zerolog.Logger) *app {
	metrics := telemetry.New("booking-server")
	hub := websocket.NewHub(logger)

	ob := outbox.New(store, outbox.Options{
		MaxAttempts: cfg.OutboxMaxAttempts,
		Logger:      logger,
		Metrics:     metrics,
	})

	svc := booking.NewService(
		booking.NewAppointmentRecordStore(store, cfg.StoreCallTimeout, metrics, logger),
		booking.NewAvailabilityRecordStore(store, cfg.StoreCallTimeout, metrics, logger),
		booking.NewPatientRecordStore(store, cfg.StoreCallTimeout, metrics),
		booking.ServiceOptions{
			Outbox:          ob,
			Publisher:       hub,
			Metrics:         metrics,
			Logger:          logger,
			DetachedTimeout: 2 * cfg.StoreCallTimeout,
		},
	)
	svc.RegisterCompensations(ob)

	return &app{
		metrics: metrics,
		hub:     hub,
		outbox:  ob,
		svc:     svc,
		handler: booking.NewHandler(svc, metrics),
		seeder:  sandbox.NewSeeder(store, svc, logger),
	}
}

func newServer(cfg *config.Config, a *app, check db.Check, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(a.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("64K"))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	// Auth middleware
	if cfg.AuthSigningKey != "" {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		logger.Warn().Str("env", cfg.Env).Msg("AUTH_SIGNING_KEY is empty, every caller is treated as staff")
		e.Use(auth.DevAuthMiddleware())
	}

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(check))
	e.GET("/metrics", a.metrics.Handler())

	// Real-time events
	websocket.NewWebSocketHandler(a.hub, topicAuthorizer).RegisterRoutes(e.Group(""))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 || rateLimitCfg.BurstSize <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	a.handler.RegisterRoutes(apiV1)

	if cfg.IsDev() {
		sb := apiV1.Group("/sandbox", auth.RequireRole(auth.RoleStaff))
		sandbox.NewSeedHandler(a.seeder).RegisterRoutes(sb)
	}
	return e
}

// topicAuthorizer lets patients follow their own topic; staff may follow
// any patient or doctor.
func topicAuthorizer(ctx context.Context, topic string) bool {
	kind, id, ok := websocket.ParseTopic(topic)
	if !ok {
		return false
	}
	if auth.HasRole(ctx, auth.RoleStaff) {
		return true
	}
	return kind == "patient" && id == auth.UserIDFromContext(ctx)
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Record store
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open record store")
	}
	defer be.Close()
	logger.Info().Str("backend", cfg.StoreBackend).Msg("record store ready")

	a := newApp(cfg, be.store, logger)
	e := newServer(cfg, a, be.check, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.outbox.Run(gctx, cfg.OutboxSchedule)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
