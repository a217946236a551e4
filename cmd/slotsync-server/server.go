package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/slotsync/internal/config"
	"github.com/ehr/slotsync/internal/domain/scheduling"
	"github.com/ehr/slotsync/internal/platform/auth"
	"github.com/ehr/slotsync/internal/platform/db"
	"github.com/ehr/slotsync/internal/platform/middleware"
	"github.com/ehr/slotsync/internal/platform/telemetry"
	"github.com/ehr/slotsync/internal/platform/websocket"
)

const requestTimeout = 30 * time.Second

// server is the assembled process: HTTP routes plus the background work
// that must run alongside them.
type server struct {
	echo    *echo.Echo
	hub     *websocket.Hub
	metrics *telemetry.Metrics
	store   *scheduling.MemoryStore // set when STORE=memory
	bridge  *websocket.RedisBridge  // set when REDIS_URL is configured
	closers []func()
}

func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	srv := &server{metrics: telemetry.New()}
	srv.hub = websocket.NewHub(logger, srv.metrics)

	deps := scheduling.ServiceDeps{
		Events:  srv.hub,
		Metrics: srv.metrics,
	}
	var checks []db.Check
	var pool *pgxpool.Pool

	switch cfg.Store {
	case config.StorePostgres:
		pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "slotsync",
		})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		srv.closers = append(srv.closers, pool.Close)
		srv.metrics.RegisterPool(pool)
		logger.Info().Msg("connected to database")

		deps.Doctors = scheduling.NewDoctorRepoPG(pool)
		deps.Slots = scheduling.NewSlotRepoPG(pool)
		deps.Appointments = scheduling.NewAppointmentRepoPG(pool)
		deps.Tx = db.NewTxRunner(pool)
	default:
		srv.store = scheduling.NewMemoryStore()
		deps.Doctors = srv.store.Doctors()
		deps.Slots = srv.store.Slots()
		deps.Appointments = srv.store.Appointments()
		logger.Warn().Msg("using in-memory store; data is lost on restart")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			srv.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		srv.closers = append(srv.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			srv.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info().Msg("connected to redis")

		srv.bridge = websocket.NewRedisBridge(rdb, srv.hub, cfg.SlotEventsChannel, logger)
		deps.Events = srv.bridge
		deps.Claims = scheduling.NewRedisClaimer(rdb, "")
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	svc := scheduling.NewService(deps, scheduling.ServiceConfig{
		HorizonMonths: cfg.BookingHorizonMonths,
		ClaimTTL:      cfg.ClaimTTL,
		Location:      loc,
	}, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(srv.metrics))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(requestTimeout))

	// Infrastructure endpoints
	e.GET("/health", db.HealthHandler(pool, checks...))
	e.GET("/metrics", srv.metrics.Handler())
	websocket.NewWebSocketHandler(srv.hub, cfg.WSSendBuffer, cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	// API
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth enabled; unauthenticated requests run as admin")
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	scheduling.NewHandler(svc).RegisterRoutes(apiV1)

	srv.echo = e
	return srv, nil
}

func runServer(cfg *config.Config, logger zerolog.Logger, seed bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	if seed {
		if srv.store == nil {
			return fmt.Errorf("--seed requires STORE=%s", config.StoreMemory)
		}
		loc, _ := cfg.Location()
		n := seedDemo(srv.store, time.Now().In(loc), 14)
		logger.Info().Int("slots", n).Msg("seeded demo schedule")
	}

	g, ctx := errgroup.WithContext(ctx)
	if srv.bridge != nil {
		g.Go(func() error {
			if err := srv.bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("redis bridge: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.echo.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}
