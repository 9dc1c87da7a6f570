package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/noah-isme/census-portal-api/api/swagger"
	"github.com/noah-isme/census-portal-api/internal/catalog"
	"github.com/noah-isme/census-portal-api/internal/handler"
	"github.com/noah-isme/census-portal-api/internal/migrations"
	"github.com/noah-isme/census-portal-api/internal/repository"
	"github.com/noah-isme/census-portal-api/internal/service"
	"github.com/noah-isme/census-portal-api/pkg/cache"
	"github.com/noah-isme/census-portal-api/pkg/config"
	"github.com/noah-isme/census-portal-api/pkg/database"
	"github.com/noah-isme/census-portal-api/pkg/events"
	"github.com/noah-isme/census-portal-api/pkg/ingest"
	"github.com/noah-isme/census-portal-api/pkg/jobs"
	"github.com/noah-isme/census-portal-api/pkg/logger"
	"github.com/noah-isme/census-portal-api/pkg/ratelimit"
	"github.com/noah-isme/census-portal-api/pkg/storage"
)

// @title Census Portal API
// @version 1.0.0
// @description Upload windows, dataset submissions and review for census data collection
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close() //nolint:errcheck

	applied, err := migrations.NewMigrator(db, logr).Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		logr.Info("migrations applied", zap.Strings("versions", applied))
	}

	datasets, err := catalog.Load(cfg.Submissions.CatalogPath)
	if err != nil {
		return err
	}

	store, err := newDocumentStore(cfg.Storage)
	if err != nil {
		return err
	}

	publisher := newPublisher(cfg.Events, logr)
	defer publisher.Close() //nolint:errcheck

	metrics := service.NewMetricsService()
	validate := validator.New()

	var (
		cacheRepo    service.CacheRepository
		loginLimiter *ratelimit.FixedWindowLimiter
		redisClient  *redis.Client
	)
	if redisClient, err = cache.NewRedis(ctx, cfg.Redis); err != nil {
		logr.Warn("redis unavailable; caching and login throttling disabled", zap.Error(err))
		redisClient = nil
	} else {
		defer redisClient.Close() //nolint:errcheck
		cacheRepo = repository.NewCacheRepository(redisClient, "census", logr)
		if loginLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "census:ratelimit", cfg.RateLimit.LoginLimit, cfg.RateLimit.LoginWindow); err != nil {
			return fmt.Errorf("login limiter: %w", err)
		}
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Submissions.StatsCacheTTL, logr)

	userRepo := repository.NewUserRepository(db)
	windowRepo := repository.NewWindowRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	notificationSvc := service.NewNotificationService(notificationRepo, userRepo, validate, metrics, logr)
	notificationQueue := jobs.NewQueue("notifications", notificationSvc.HandleJob, jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		BufferSize: cfg.Notifications.QueueSize,
		MaxRetries: cfg.Notifications.MaxRetries,
		RetryDelay: cfg.Notifications.RetryDelay,
		Logger:     logr,
	})
	notificationSvc.UseQueue(notificationQueue)

	authSvc := service.NewAuthService(userRepo, validate, metrics, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "census-portal-api",
	})
	userSvc := service.NewUserService(userRepo, validate, logr)
	windowSvc := service.NewWindowService(windowRepo, userRepo, submissionRepo, notificationSvc, userRepo, validate, metrics, logr, service.WindowConfig{
		MaxDuration: cfg.Windows.MaxDuration,
	})

	downloadPath := cfg.APIPrefix + "/submissions/documents"
	submissionSvc := service.NewSubmissionService(service.SubmissionDeps{
		Repo:      submissionRepo,
		Windows:   windowSvc,
		Catalog:   datasets,
		Ingest:    ingest.NewClient(cfg.Ingest.URL, cfg.Ingest.Timeout),
		Store:     store,
		Signer:    storage.NewSignedURLSigner(cfg.Storage.SignedURLSecret, cfg.Storage.SignedURLTTL),
		Publisher: publisher,
		Notifier:  notificationSvc,
		Admins:    userRepo,
		Cache:     cacheSvc,
		Audit:     userRepo,
		Validator: validate,
		Metrics:   metrics,
		Logger:    logr,
	}, service.SubmissionConfig{
		MaxPayloadBytes: cfg.Submissions.MaxPayloadBytes,
		MaxSummaryBytes: cfg.Submissions.MaxSummaryBytes,
		StatsCacheTTL:   cfg.Submissions.StatsCacheTTL,
		DownloadPath:    downloadPath,
	})

	checks := map[string]handler.ReadinessCheck{
		"database": func(ctx context.Context) error { return db.PingContext(ctx) },
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	deps := handler.RouterDeps{
		APIPrefix:              cfg.APIPrefix,
		AllowedOrigins:         cfg.CORS.AllowedOrigins,
		EnableDocs:             cfg.Env != config.EnvProduction,
		LoginRetryAfterSeconds: cfg.RateLimit.LoginWindow.Seconds(),
		Tokens:                 authSvc,
		AuditWriter:            userRepo,
		Metrics:                metrics,
		Logger:                 logr,
		Auth:                   handler.NewAuthHandler(authSvc),
		Users:                  handler.NewUserHandler(userSvc),
		Windows:                handler.NewWindowHandler(windowSvc),
		Submissions:            handler.NewSubmissionHandler(submissionSvc, cfg.Submissions.MaxPayloadBytes+cfg.Submissions.MaxSummaryBytes+(1<<20)),
		Notifications:          handler.NewNotificationHandler(notificationSvc),
		Observability:          handler.NewMetricsHandler(metrics, checks),
	}
	if loginLimiter != nil {
		deps.LoginLimiter = loginLimiter
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	notificationQueue.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return service.NewWindowSweeper(windowSvc, cfg.Windows.SweepInterval, logr).Run(gctx)
	})
	g.Go(func() error {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env), zap.String("db_driver", db.DriverName()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logr.Info("server shutting down")
		shutdownErr := srv.Shutdown(shutdownCtx)

		// Requests still running during Shutdown may have queued notifications.
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		if err := notificationQueue.Shutdown(drainCtx); err != nil {
			logr.Error("notification queue drain incomplete", zap.Error(err))
		}
		return shutdownErr
	})
	return g.Wait()
}

func newDocumentStore(cfg config.StorageConfig) (storage.DocumentStore, error) {
	switch cfg.Driver {
	case config.StorageMinio:
		store, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("minio storage: %w", err)
		}
		return store, nil
	case config.StorageLocal, "":
		store, err := storage.NewLocalStorage(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("local storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func newPublisher(cfg config.EventsConfig, logr *zap.Logger) events.Publisher {
	if cfg.AMQPURL == "" {
		return events.NopPublisher{}
	}
	publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.Exchange, logr)
	if err != nil {
		logr.Warn("amqp unavailable; submission decisions will not be published", zap.Error(err))
		return events.NopPublisher{}
	}
	return publisher
}
