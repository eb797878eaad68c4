package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-alerts/internal/alertstore"
	"github.com/noah-isme/gema-alerts/internal/config"
	"github.com/noah-isme/gema-alerts/internal/database"
	"github.com/noah-isme/gema-alerts/internal/handler"
	"github.com/noah-isme/gema-alerts/internal/middleware"
	"github.com/noah-isme/gema-alerts/internal/repository"
	"github.com/noah-isme/gema-alerts/internal/router"
	"github.com/noah-isme/gema-alerts/internal/scheduler"
	"github.com/noah-isme/gema-alerts/internal/service"
	"github.com/noah-isme/gema-alerts/internal/simulator"
)

const snapshotJob = "alert-snapshot"

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logger.Level(cfg.LogLevel).With().Str("service", cfg.AppName).Logger()

	db := connectDatabase(cfg, logger)
	redisClient := connectRedis(cfg, logger)
	natsConn := connectNATS(cfg, logger)

	validate := alertstore.NewValidator()
	store := alertstore.New(alertstore.WithValidator(validate))

	var activity service.AlertActivityService
	if db != nil {
		activity = service.NewAlertActivityService(repository.NewAlertActivityRepository(db), redisClient, cfg.ActivityCacheTTL, nil, logger)
	}

	deps := service.AlertServiceDeps{
		Store:       store,
		Snapshots:   snapshotRepository(cfg, db, redisClient),
		Redis:       redisClient,
		ChannelBase: cfg.RealtimeChannel,
		NATS:        natsConn,
		Validator:   validate,
		Logger:      logger,
	}
	if activity != nil {
		deps.Activity = activity
	}
	alertService := service.NewAlertService(deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if restored, err := alertService.RestoreSnapshot(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to restore alert snapshot")
	} else if restored > 0 {
		logger.Info().Int("alerts", restored).Msg("alerts restored from snapshot")
	}
	alertService.Start(ctx)

	jobs := scheduler.New(logger)
	if cfg.SnapshotBackend != config.SnapshotNone {
		if err := jobs.Every(snapshotJob, cfg.SnapshotInterval, alertService.SaveSnapshot); err != nil {
			logger.Fatal().Err(err).Msg("failed to schedule snapshot job")
		}
	}
	if cfg.SimulatorEnabled {
		generator, err := simulator.NewGenerator(simulator.GeneratorConfig{
			Seed:         cfg.SimulatorSeed,
			Subjects:     cfg.SimulatorSubjects,
			CategoryDist: cfg.SimulatorCategoryDist,
			PriorityDist: cfg.SimulatorPriorityDist,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid simulator configuration")
		}
		if err := simulator.NewProducer(generator, alertService, logger).Register(jobs, cfg.SimulatorInterval); err != nil {
			logger.Fatal().Err(err).Msg("failed to schedule alert simulator")
		}
	}
	jobs.Start()

	alertHandler := handler.NewAlertHandler(alertService, activity, logger, cfg.StreamKeepAlive,
		handler.WithPublishMiddleware(middleware.RateLimit("alerts", cfg.RateLimitMax, cfg.RateLimitWindow)),
	)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AccessLog: cfg.AppEnv == "development"})
	router.Register(app, cfg, router.Dependencies{
		AlertHandler: alertHandler,
		AlertCounter: store,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(app, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := jobs.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler did not stop cleanly")
	}
	cancel()
	if err := alertService.SaveSnapshot(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to save alert snapshot")
	}

	if natsConn != nil {
		natsConn.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	logger.Info().Msg("server stopped")
}

func connectDatabase(cfg config.Config, logger zerolog.Logger) *gorm.DB {
	var (
		db  *gorm.DB
		err error
	)
	driver, dsn := cfg.DatabaseDriver()
	switch driver {
	case config.DriverPostgres:
		db, err = database.ConnectPostgres(dsn)
	case config.DriverSQLite:
		db, err = database.ConnectSQLite(dsn)
	default:
		return nil
	}
	logger.Info().Str("driver", driver).Msg("database selected")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}
	return db
}

func connectRedis(cfg config.Config, logger zerolog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}
	client, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	return client
}

func connectNATS(cfg config.Config, logger zerolog.Logger) *nats.Conn {
	if cfg.NATSURL == "" {
		return nil
	}
	conn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		logger.Warn().Err(err).Msg("nats unavailable, continuing without cross-node fan-out")
		return nil
	}
	return conn
}

func snapshotRepository(cfg config.Config, db *gorm.DB, redisClient *redis.Client) repository.AlertSnapshotRepository {
	switch cfg.SnapshotBackend {
	case config.SnapshotRedis:
		return repository.NewRedisAlertSnapshotRepository(redisClient, cfg.SnapshotKey)
	case config.SnapshotPostgres, config.SnapshotSQLite:
		if db != nil {
			return repository.NewGormAlertSnapshotRepository(db)
		}
	}
	return nil
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger) {
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-signalCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
