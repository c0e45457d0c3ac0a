package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/team-bethany-and-thomas/healthapp/internal/config"
	"github.com/team-bethany-and-thomas/healthapp/internal/domain/lifecycle"
	"github.com/team-bethany-and-thomas/healthapp/internal/domain/scheduling"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/auth"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/clock"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/db"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/idgen"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/middleware"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/sandbox"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/store"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal-server",
		Short: "Patient portal appointment and intake API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(indexesCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the portal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations (postgres backend)",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.Modified {
						status = "modified"
					}
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, db.Migrations, db.MigrationsDir), pool.Close, nil
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  "portal-server",
	}
}

func indexesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "indexes",
		Short: "Create the unique indexes (mongo backend)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.MongoURI == "" {
				return fmt.Errorf("MONGO_URI is required to create indexes")
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			client, err := store.ConnectMongo(ctx, cfg.MongoURI)
			if err != nil {
				return err
			}
			defer func() { _ = client.Disconnect(context.Background()) }()

			indexes := lifecycle.Indexes()
			if err := store.NewMongo(client.Database(cfg.MongoDatabase), clock.New()).EnsureIndexes(ctx, indexes); err != nil {
				return fmt.Errorf("ensure indexes: %w", err)
			}
			fmt.Printf("Ensured %d index(es) on %s.\n", len(indexes), cfg.MongoDatabase)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load sandbox providers and appointment types",
		RunE: func(cmd *cobra.Command, args []string) error {
			printOnly, _ := cmd.Flags().GetBool("print")
			seedCfg := sandbox.DefaultSeedConfig()
			seedCfg.ProviderCount, _ = cmd.Flags().GetInt("providers")
			seedCfg.Seed, _ = cmd.Flags().GetInt64("seed")
			seeder := sandbox.NewSeeder(seedCfg)

			if printOnly {
				return seeder.ExportNDJSON(cmd.OutOrStdout())
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreBackend == config.BackendMemory {
				return fmt.Errorf("seed needs a persistent STORE_BACKEND; the memory backend seeds itself on serve")
			}

			ctx := context.Background()
			logger := newLogger(cfg)
			b, err := openBackend(ctx, cfg, clock.New(), logger)
			if err != nil {
				return err
			}
			defer b.Close()

			result, err := seeder.Seed(ctx, b.store)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d provider(s) and %d appointment type(s), skipped %d existing.\n",
				result.Providers, result.AppointmentTypes, result.Skipped)
			return nil
		},
	}
	cmd.Flags().Bool("print", false, "Print the seed data as NDJSON instead of writing it")
	cmd.Flags().Int("providers", sandbox.DefaultSeedConfig().ProviderCount, "Number of providers to generate")
	cmd.Flags().Int64("seed", sandbox.DefaultSeedConfig().Seed, "Random seed for generated names")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if cfg != nil {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
			logger = logger.Level(level)
		}
	}
	return logger
}

// backend is the opened store plus whatever must be closed on shutdown.
type backend struct {
	store   store.Store
	pinger  db.Pinger
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// mongoPinger adapts a mongo client to db.Pinger for /health/db.
type mongoPinger struct {
	client *mongo.Client
}

func (p mongoPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx, nil)
}

func openBackend(ctx context.Context, cfg *config.Config, clk clock.Clock, logger zerolog.Logger) (*backend, error) {
	b := &backend{}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		b.pinger = pool
		b.store = store.NewPostgres(pool, clk)
		logger.Info().Msg("connected to postgres")
	case config.BackendMongo:
		client, err := store.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = client.Disconnect(context.Background()) })
		b.pinger = mongoPinger{client}
		b.store = store.NewMongo(client.Database(cfg.MongoDatabase), clk)
		logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to mongo")
	default:
		mem := store.NewMemory(clk, lifecycle.Indexes()...)
		result, err := sandbox.NewSeeder(sandbox.DefaultSeedConfig()).Seed(ctx, mem)
		if err != nil {
			return nil, fmt.Errorf("seed memory store: %w", err)
		}
		b.store = mem
		logger.Info().
			Int("providers", result.Providers).
			Int("appointment_types", result.AppointmentTypes).
			Msg("using in-memory store with sandbox data")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.store = store.NewCached(b.store, rdb, "healthapp", cfg.CacheTTL, lifecycle.LookupCollections...)
		logger.Info().Dur("ttl", cfg.CacheTTL).Msg("lookup cache enabled")
	}

	return b, nil
}

func newService(cfg *config.Config, repo lifecycle.Repository, clk clock.Clock, metrics *telemetry.LifecycleMetrics, logger *zerolog.Logger) (*lifecycle.Service, error) {
	cal, err := scheduling.NewCalendar(cfg.ClinicTimezone)
	if err != nil {
		return nil, err
	}
	return lifecycle.NewService(repo, lifecycle.Options{
		Calendar: cal,
		Policy: scheduling.Policy{
			HorizonDays:         cfg.BookingHorizonDays,
			DefaultDuration:     cfg.DefaultDurationMinutes,
			WorkdayStart:        cfg.WorkdayStart,
			WorkdayEnd:          cfg.WorkdayEnd,
			SlotIntervalMinutes: cfg.SlotIntervalMinutes,
		},
		Clock:         clk,
		IDs:           idgen.New(),
		Metrics:       metrics,
		Logger:        logger,
		TemplateID:    cfg.IntakeTemplateID,
		PortalBaseURL: cfg.PortalBaseURL,
	}), nil
}

// newServer wires the middleware chain and routes around an opened backend.
func newServer(cfg *config.Config, logger zerolog.Logger, b *backend, clk clock.Clock) (*echo.Echo, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := telemetry.NewHTTPMetrics(reg)

	svc, err := newService(cfg, lifecycle.NewStoreRepository(b.store), clk, telemetry.NewLifecycleMetrics(reg), &logger)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(telemetry.TracingMiddleware())
	e.Use(httpMetrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		logger.Warn().Msg("development auth is enabled: unauthenticated requests act as patient " + auth.DevPatientID)
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		} else if jwtCfg.JWKSURL == "" {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			provider, err := auth.DiscoverOIDC(ctx, cfg.AuthIssuer)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("discover JWKS for %s: %w", cfg.AuthIssuer, err)
			}
			jwtCfg.JWKSURL = provider.JWKSURI
			logger.Info().Str("jwks_url", jwtCfg.JWKSURL).Msg("discovered identity provider keys")
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if b.pinger != nil {
		e.GET("/health/db", db.HealthHandler(b.pinger))
	}
	e.GET("/metrics", telemetry.Handler(reg))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	lifecycle.NewHandler(svc).RegisterRoutes(apiV1)
	return e, nil
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	logger := newLogger(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	clk := clock.New()
	b, err := openBackend(ctx, cfg, clk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer b.Close()

	e, err := newServer(cfg, logger, b, clk)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
