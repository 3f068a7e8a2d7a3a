package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/campuslib/ebook-delivery/internal/audit"
	"github.com/campuslib/ebook-delivery/internal/config"
	"github.com/campuslib/ebook-delivery/internal/database"
	"github.com/campuslib/ebook-delivery/internal/handler"
	"github.com/campuslib/ebook-delivery/internal/jobs"
	"github.com/campuslib/ebook-delivery/internal/metrics"
	"github.com/campuslib/ebook-delivery/internal/middleware"
	"github.com/campuslib/ebook-delivery/internal/notifier"
	"github.com/campuslib/ebook-delivery/internal/redis"
	"github.com/campuslib/ebook-delivery/internal/repository"
	"github.com/campuslib/ebook-delivery/internal/repository/memory"
	"github.com/campuslib/ebook-delivery/internal/service"
	"github.com/campuslib/ebook-delivery/internal/storage"
)

type repositories struct {
	carts      repository.CartRepository
	catalog    repository.CatalogRepository
	challenges repository.ChallengeRepository
	sessions   repository.DownloadSessionRepository
	records    repository.DeliveryRecordRepository
	auditLog   repository.AuditLogRepository
}

func main() {
	envFile := flag.String("env-file", "", "load environment variables from this file first")
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	catalogSeed := flag.String("catalog-seed", "", "YAML file of catalog items to upsert at startup")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	repos, db := openRepositories(cfg, *migrateOnly)
	if db != nil {
		defer db.Close()
	}
	if *migrateOnly {
		return
	}

	if *catalogSeed != "" {
		items, err := repository.LoadCatalogSeed(*catalogSeed)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read catalog seed")
		}
		if err := repository.SeedCatalog(context.Background(), repos.catalog, items); err != nil {
			log.Fatal().Err(err).Msg("failed to seed catalog")
		}
		log.Info().Int("items", len(items)).Msg("catalog seeded")
	}

	var limiter service.Limiter = service.NewMemoryLimiter()
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		limiter = service.NewRedisLimiter(redisClient.Client)
		log.Info().Msg("redis connected")
	}

	files := openStorage(cfg)

	mailer, err := notifier.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create notifier")
	}

	auditSink := audit.Sink(audit.NewLogSink())
	if cfg.AuditToDatabase {
		auditSink = audit.Multi(auditSink, audit.NewRepositorySink(repos.auditLog))
	}

	metrics.Register()

	guard := service.NewRateGuard(limiter, service.DefaultRatePolicies(cfg.FetchInterval()), auditSink, nil)
	if cfg.RatePolicyFile != "" {
		overrides, err := config.LoadRatePolicies(cfg.RatePolicyFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load rate policies")
		}
		guard.WithOverrides(overrides)
	}

	cartService := service.NewCartService(repos.carts, repos.catalog, cfg.CartMaxItems, cfg.CartTTL(), nil)
	otpService := service.NewOTPService(repos.challenges, mailer, auditSink, nil)
	downloadService := service.NewDownloadService(
		repos.sessions, repos.carts, repos.catalog, repos.records, otpService, auditSink,
		service.DownloadConfig{
			AllowedDomains: cfg.AllowedRecipientDomains,
			SessionTTL:     cfg.DownloadSessionTTL(),
			TokenTTL:       cfg.DownloadTokenTTL(),
		},
		nil,
	).WithRateGuard(guard)
	deliveryService := service.NewDeliveryService(downloadService, repos.catalog, files, guard, config.StorageRetryDelay, nil)

	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(cfg.IsProduction())

	cartHandler := handler.NewCartHandler(cartService)
	downloadHandler := handler.NewDownloadHandler(downloadService, deliveryService, guard)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.Metrics)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]any{"status": "ok", "timestamp": time.Now().UnixMilli()}
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body["database"] = "unreachable"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Streams can outlive any fixed request timeout.
	r.Get("/download/fetch", downloadHandler.Fetch)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)
		r.Mount("/cart", cartHandler.Routes())
		r.Mount("/download", downloadHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(
		cartService, otpService, downloadService,
		config.TerminalSessionRetention, config.CleanupJobInterval,
	)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("storage", cfg.StorageDriver).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func openRepositories(cfg *config.Config, migrateOnly bool) (repositories, *database.DB) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		if migrateOnly {
			log.Fatal().Msg("--migrate requires STORAGE_DRIVER=postgres")
		}
		log.Warn().Msg("using in-memory repositories")
		return repositories{
			carts:      memory.NewCartRepository(),
			catalog:    memory.NewCatalogRepository(),
			challenges: memory.NewChallengeRepository(),
			sessions:   memory.NewDownloadSessionRepository(),
			records:    memory.NewDeliveryRecordRepository(),
			auditLog:   memory.NewAuditLogRepository(),
		}, nil
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if cfg.AutoMigrate || migrateOnly {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
	}

	return repositories{
		carts:      repository.NewCartRepository(db),
		catalog:    repository.NewCatalogRepository(db.DB),
		challenges: repository.NewChallengeRepository(db),
		sessions:   repository.NewDownloadSessionRepository(db),
		records:    repository.NewDeliveryRecordRepository(db.DB),
		auditLog:   repository.NewAuditLogRepository(db.DB),
	}, db
}

func openStorage(cfg *config.Config) *storage.Router {
	local, err := storage.NewLocalStorage(cfg.MediaRoot)
	if err != nil {
		log.Fatal().Err(err).Str("root", cfg.MediaRoot).Msg("failed to open media root")
	}

	var s3 *storage.S3Storage
	if cfg.S3Bucket != "" {
		s3, err = storage.NewS3Storage(context.Background(), storage.S3Config{
			Bucket:         cfg.S3Bucket,
			Region:         cfg.S3Region,
			AccessKeyID:    cfg.S3AccessKeyID,
			SecretKey:      cfg.S3SecretKey,
			Endpoint:       cfg.S3Endpoint,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure s3 storage")
		}
		log.Info().Str("bucket", cfg.S3Bucket).Msg("s3 storage enabled")
	}

	return storage.NewRouter(local, s3)
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
