package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/rolegate/pkg/api"
	"github.com/platinummonkey/rolegate/pkg/audit"
	"github.com/platinummonkey/rolegate/pkg/config"
	"github.com/platinummonkey/rolegate/pkg/httputil"
	"github.com/platinummonkey/rolegate/pkg/keystore"
	"github.com/platinummonkey/rolegate/pkg/middleware"
	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/rbac"
	"github.com/platinummonkey/rolegate/pkg/session"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := setupLogger(cfg.Observability.LogLevel)
	log.Infof("Starting rolegate %s", version)

	if err := run(cfg, log); err != nil {
		log.Fatalf("rolegate exited: %v", err)
	}
	log.Info("rolegate stopped")
}

func setupLogger(level observability.LogLevel) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	parsed, err := logrus.ParseLevel(level.String())
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	db, err := connectDatabase(cfg.Database)
	if err != nil {
		return err
	}
	log.Info("Connected to database")

	if cfg.Database.RunMigrations {
		if err := rbac.RunMigrations(ctx, db, logger); err != nil {
			db.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	seed, err := loadSeed(cfg.Catalog)
	if err != nil {
		db.Close()
		return err
	}
	permissions, roles, err := rbac.NewCatalogs(seed)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to build catalogs: %w", err)
	}
	log.Infof("Loaded %d permissions", len(permissions.ListByArea("")))

	auditLogger, err := setupAudit(cfg.Audit, db, logger)
	if err != nil {
		db.Close()
		return err
	}

	manager := rbac.NewManager(roles, rbac.NewStore(db),
		rbac.WithAuditLogger(auditLogger),
		rbac.WithMetrics(metrics),
		rbac.WithLogger(logger),
	)

	keys, err := setupKeys(ctx, cfg.Session, metrics, logger, log)
	if err != nil {
		db.Close()
		return err
	}

	issuer, err := session.NewIssuer(manager, keys, session.IssuerConfig{
		Issuer: cfg.Session.Issuer,
		TTL:    cfg.Session.TTL,
		Leeway: cfg.Session.Leeway,
	},
		session.WithAuditLogger(auditLogger),
		session.WithMetrics(metrics),
		session.WithLogger(logger),
		session.WithPermissionCatalog(manager.Permissions()),
	)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create issuer: %w", err)
	}

	serverOpts := []api.Option{
		api.WithAuditLogger(auditLogger),
		api.WithMetrics(metrics),
		api.WithLogger(logger),
	}
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = connectRedis(ctx, cfg.Redis.URL)
		if redisClient == nil {
			db.Close()
			return err
		}
		if err != nil {
			// the limiter fails open until Redis comes back
			log.WithError(err).Warn("Redis unavailable at startup")
		}
		limiter := middleware.NewRedisRateLimiter(redisClient, middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Redis.RateLimitRequests,
			WindowDuration:    cfg.Redis.RateLimitWindow,
		}, "", middleware.WithRateLimitMetrics(metrics))
		serverOpts = append(serverOpts, api.WithRateLimiter(limiter))
	} else {
		log.Warn("ROLEGATE_REDIS_URL not set, rate limiting disabled")
	}

	server := api.NewServer(manager, issuer, api.Config{
		IssueAPIKey:  cfg.Server.IssueAPIKey,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}, serverOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(server.Handler(), "rolegate"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(version,
		observability.WithDatabase(db),
		observability.WithRedis(redisClient),
		observability.WithDependency("signing_key", true, func(context.Context) error {
			_, err := keys.ActiveKey()
			return err
		}),
	)
	healthRouter := mux.NewRouter()
	healthRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := health.Check(r.Context())
		code := http.StatusOK
		if status.Status == observability.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		_ = httputil.WriteJSON(w, code, status)
	}).Methods(http.MethodGet)
	healthRouter.HandleFunc("/health/live", health.Liveness).Methods(http.MethodGet)
	healthRouter.HandleFunc("/health/ready", health.Readiness).Methods(http.MethodGet)
	if cfg.Observability.MetricsEnabled {
		healthRouter.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      healthRouter,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	scheduler, err := schedulePurge(cfg.Maintenance.PurgeSchedule, manager, logger, log)
	if err != nil {
		db.Close()
		return err
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, httpServer, healthServer)
	shutdown.Register("database", func(context.Context) error { return db.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("audit", func(context.Context) error { return auditLogger.Close() })
	if tp != nil {
		shutdown.Register("tracer", tp.Shutdown)
	}
	if scheduler != nil {
		shutdown.Register("scheduler", func(ctx context.Context) error {
			select {
			case <-scheduler.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	shutdown.Register("background", func(context.Context) error {
		cancel()
		return nil
	})

	serverErrors := make(chan error, 2)
	go serve(httpServer, "api", log, serverErrors)
	go serve(healthServer, "health", log, serverErrors)

	waitErr := make(chan error, 1)
	go func() { waitErr <- shutdown.WaitForShutdown() }()

	select {
	case err := <-waitErr:
		return err
	case err := <-serverErrors:
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stop()
		if serr := shutdown.Shutdown(shutdownCtx); serr != nil {
			log.WithError(serr).Error("Shutdown after server failure incomplete")
		}
		return err
	}
}

func serve(server *http.Server, name string, log *logrus.Logger, errs chan<- error) {
	log.Infof("Starting %s server on %s", name, server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- fmt.Errorf("%s server: %w", name, err)
	}
}

func connectDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func loadSeed(cfg config.CatalogConfig) (*rbac.Seed, error) {
	if cfg.SeedFile == "" {
		return rbac.DefaultSeed()
	}
	seed, err := rbac.LoadSeedFile(cfg.SeedFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load seed file: %w", err)
	}
	return seed, nil
}

func setupAudit(cfg config.AuditConfig, db *sql.DB, logger *observability.Logger) (audit.Logger, error) {
	slogSink := audit.NewSlogLogger(logger)
	if cfg.Sink == config.AuditSinkLog {
		return slogSink, nil
	}

	dbSink, err := audit.NewDBLogger(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	if cfg.Sink == config.AuditSinkDB {
		return dbSink, nil
	}
	return audit.NewMultiLogger(slogSink, dbSink), nil
}

func setupKeys(ctx context.Context, cfg config.SessionConfig, metrics *observability.Metrics, logger *observability.Logger, log *logrus.Logger) (session.KeyProvider, error) {
	if cfg.HMACSecret != "" {
		log.Info("Signing credentials with the configured HMAC secret")
		return session.NewHMACKeyProvider("default", []byte(cfg.HMACSecret))
	}

	provider, err := keystore.NewDirProvider(keystore.Config{
		Dir:         cfg.KeyDir,
		ActiveKeyID: cfg.ActiveKeyID,
		CacheSize:   cfg.KeyCacheSize,
		CacheTTL:    cfg.KeyCacheTTL,
	}, keystore.WithMetrics(metrics), keystore.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}
	log.Infof("Signing credentials with key %s from %s", cfg.ActiveKeyID, cfg.KeyDir)

	if cfg.WatchKeys {
		go func() {
			defer observability.RecoverPanic(logger, "keystore.Watch")
			if err := provider.Watch(ctx); err != nil {
				log.WithError(err).Error("Key watcher stopped")
			}
		}()
	}
	return provider, nil
}

func schedulePurge(schedule string, manager *rbac.Manager, logger *observability.Logger, log *logrus.Logger) (*cron.Cron, error) {
	if schedule == "" {
		log.Info("Expired grant purge disabled")
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		defer observability.RecoverPanic(logger, "purge")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		purged, err := manager.PurgeExpired(ctx)
		if err != nil {
			log.WithError(err).Error("Expired grant purge failed")
			return
		}
		log.Infof("Purged %d expired grants and denies", purged)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule purge: %w", err)
	}

	c.Start()
	log.Infof("Expired grant purge schedule: %s", schedule)
	return c, nil
}
