package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cimillas/impftermin/internal/app"
	"github.com/cimillas/impftermin/internal/clock"
	"github.com/cimillas/impftermin/internal/config"
	"github.com/cimillas/impftermin/internal/logging"
	"github.com/cimillas/impftermin/internal/observability"
	"github.com/cimillas/impftermin/internal/storage/postgres"
	redisstats "github.com/cimillas/impftermin/internal/storage/redis"
	"github.com/cimillas/impftermin/internal/storage/sqlite"
	transporthttp "github.com/cimillas/impftermin/internal/transport/http"
	"github.com/cimillas/impftermin/migrations"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var version = "dev"

// store bundles whichever backend was configured.
type store struct {
	booking app.BookingRepository
	admin   app.AdminRepository
	sweep   app.SweepRepository
	pinger  transporthttp.Pinger
	close   func()
}

func main() {
	envErr := config.LoadDotEnv()
	cfg := config.MustLoad()
	logger := logging.Setup(cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)
	if envErr != nil {
		logger.Warn().Err(envErr).Msg("ignoring .env file")
	}
	gin.SetMode(cfg.GinMode)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api stopped")
	}
	logger.Info().Msg("server stopped")
}

func run(cfg config.Config, logger zerolog.Logger) error {
	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownTracing, err := observability.SetupOTel(startupCtx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	st, err := openStore(startupCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	strategy, err := app.ParseStrategy(cfg.Allocation.Strategy)
	if err != nil {
		return err
	}

	clk := clock.NewSystem()
	reservations := app.NewReservationManager(st.booking, clk,
		app.WithReservationTTL(cfg.Allocation.ReservationTTL),
		app.WithReservationsEnabled(cfg.Allocation.ReservationsEnabled),
	)
	bookingOpts := []app.BookingOption{
		app.WithCommitRetries(cfg.Allocation.CommitRetries),
		app.WithLogger(logger.With().Str("component", "booking").Logger()),
	}

	health := map[string]transporthttp.Pinger{"store": st.pinger}
	var slotStats transporthttp.SlotStats
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		stats := redisstats.NewStatsStore(rdb,
			redisstats.WithStatsPrefix(cfg.Redis.Prefix),
			redisstats.WithStatsTTL(cfg.Redis.StatsTTL),
		)
		if err := stats.Ping(startupCtx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, stats will be retried per event")
		}
		bookingOpts = append(bookingOpts, app.WithStatsRecorder(stats))
		health["redis"] = stats
		slotStats = stats
	}

	booking := app.NewBookingService(st.booking,
		app.NewSlotAllocator(st.booking, strategy, reservations),
		reservations,
		app.NewOffsetAssigner(cfg.Allocation.OffsetBuckets, cfg.Allocation.OffsetRandomThreshold),
		clk,
		bookingOpts...,
	)
	sweeper := app.NewExpirySweeper(st.sweep, reservations,
		app.WithSweeperLogger(logger.With().Str("component", "sweeper").Logger()),
	)
	stopSweeper, err := sweeper.Start(cfg.Allocation.SweepSchedule)
	if err != nil {
		return err
	}
	defer func() {
		<-stopSweeper().Done()
	}()

	router := transporthttp.NewRouter(transporthttp.Services{
		Booking: booking,
		Admin:   app.NewAdminService(st.admin, reservations, clk),
		Sweeper: sweeper,
		Stats:   slotStats,
		Health:  health,
	}, transporthttp.RouterConfig{
		Logger:             logger,
		ServiceName:        cfg.OTEL.ServiceName,
		RateRPS:            cfg.RateRPS,
		RateBurst:          cfg.RateBurst,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	logger.Info().
		Str("addr", server.Addr).
		Str("store", cfg.StoreDriver).
		Str("strategy", strategy.Name()).
		Bool("reservations", cfg.Allocation.ReservationsEnabled).
		Msg("api listening")

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-stopCtx.Done():
		logger.Info().Msg("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server shutdown")
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath, sqlite.WithTracing(cfg.OTEL.Enabled))
		if err != nil {
			return store{}, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("sqlite store opened")
		return store{
			booking: s,
			admin:   s,
			sweep:   s,
			pinger:  s,
			close:   func() { _ = s.Close() },
		}, nil
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return store{}, fmt.Errorf("connect to db: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return store{}, fmt.Errorf("db ping: %w", err)
		}
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return store{}, fmt.Errorf("apply migrations: %w", err)
		}
		termine := postgres.NewTerminRepository(pool)
		return store{
			booking: termine,
			admin:   postgres.NewAdminRepository(pool),
			sweep:   termine,
			pinger:  pool,
			close:   pool.Close,
		}, nil
	}
}
