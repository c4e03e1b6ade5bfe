package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/couriermq/courierd/internal/config"
	"github.com/couriermq/courierd/internal/dispatch"
	"github.com/couriermq/courierd/internal/engine"
	"github.com/couriermq/courierd/internal/mimemsg"
	"github.com/couriermq/courierd/internal/notifier"
	"github.com/couriermq/courierd/internal/observability"
	"github.com/couriermq/courierd/internal/queue"
	"github.com/couriermq/courierd/internal/render"
	"github.com/couriermq/courierd/internal/snapshot"
	"github.com/couriermq/courierd/internal/supervisor"
	"github.com/couriermq/courierd/internal/worker"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		serveCmd.StringVar(&configPath, "config", "config/courierd.yaml", "config file path")
		serveCmd.Parse(os.Args[2:])
		runServe(configPath)
	case "migrate":
		migrateCmd := flag.NewFlagSet("migrate", flag.ExitOnError)
		migrateCmd.StringVar(&configPath, "config", "config/courierd.yaml", "config file path")
		up := migrateCmd.Bool("up", false, "run migrations up")
		down := migrateCmd.Bool("down", false, "roll back last migration")
		migrateCmd.Parse(os.Args[2:])
		runMigrate(configPath, *up, *down)
	case "version":
		fmt.Printf("courierd %s\n", Version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("courierd - durable outbound email dispatcher")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  courierd serve   [--config path]             Start the supervisor, workers, and metrics listener")
	fmt.Println("  courierd migrate [--config path] --up/--down Run database migrations")
	fmt.Println("  courierd version                             Print version")
}

func runServe(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error validating config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting courierd", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var shutdownTracer func(context.Context) error
	if cfg.Tracing.Enabled {
		shutdownTracer, err = observability.InitTracer(ctx, observability.TracingConfig{
			Endpoint:    cfg.Tracing.OTLPEndpoint,
			SampleRate:  cfg.Tracing.SampleRatio,
			ServiceName: "courierd",
			Insecure:    true,
		})
		if err != nil {
			logger.Error("initializing tracer", "error", err)
			os.Exit(1)
		}
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.OTLPEndpoint)
		logger = slog.New(observability.NewTracingHandler(logger.Handler()))
		slog.SetDefault(logger)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// Connect to PostgreSQL.
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Database.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	poolCfg.ConnConfig.Tracer = observability.NewPgxTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("connecting to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("pinging database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Connect to Redis, backing both the asynq task queue and its client.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to redis")

	if cfg.Database.AutoMigrate {
		if err := applyMigrations(cfg.Database, logger); err != nil {
			logger.Error("running migrations", "error", err)
			os.Exit(1)
		}
	}

	store := queue.NewPostgresStore(pool)

	resolver := engine.NewDNSResolver(cfg.DNS.Resolver, cfg.DNS.Timeout)
	sender := engine.NewSender(engine.SenderConfig{
		HeloDomain:     cfg.SMTP.HeloDomain,
		TLSPolicy:      cfg.SMTP.TLSPolicy,
		ConnectTimeout: cfg.SMTP.ConnectTimeout,
		SendTimeout:    cfg.SMTP.SendTimeout,
		Metrics:        metrics,
	}, resolver, logger)

	notif := notifier.SlogSink{Logger: logger}

	disp := &dispatch.Dispatcher{
		Store:    store,
		Sender:   sender,
		Notifier: notif,
		Logger:   logger,
		Product: mimemsg.ProductInfo{
			Name:    cfg.Site.ProductName,
			Version: cfg.Site.ProductVer,
			URL:     cfg.Site.ProductURL,
		},
		Render:        render.TextTemplateRenderer{},
		Markdown:      render.PlainMarkdowner{},
		ImageEmbedder: render.PassthroughImageEmbedder{},
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	sup := supervisor.New(store, cfg, asynqClient, snapshot.JSONPickler{}, notif, logger)

	asynqSrv := worker.NewServer(worker.Config{
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		Concurrency:   0,
		Queues:        nil,
	}, logger)
	mux := worker.NewMux(worker.Handlers{
		Dispatch: &worker.DispatchHandler{Dispatcher: disp, Config: cfg},
	})
	mux.Use(observability.AsynqMetricsMiddleware(metrics))

	metricsSrv := observability.NewMetricsServer(cfg.Server.MetricsAddr, registry)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting metrics listener", "addr", cfg.Server.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting worker server")
		if err := asynqSrv.Run(mux); err != nil {
			return fmt.Errorf("asynq worker: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting supervisor", "poll_interval", cfg.Site.PollInterval)
		if err := sup.Run(gctx); err != nil && err != context.Canceled {
			return fmt.Errorf("supervisor: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown", "error", err)
		}
		asynqSrv.Shutdown()
		if shutdownTracer != nil {
			if err := shutdownTracer(shutdownCtx); err != nil {
				logger.Error("tracer shutdown", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("courierd stopped")
}

func applyMigrations(dbCfg config.DatabaseConfig, logger *slog.Logger) error {
	logger.Info("running auto-migrations")
	m, err := migrate.New("file://db/migrations", dsnToURL(dbCfg))
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		logger.Error("closing migration source", "error", srcErr)
	}
	if dbErr != nil {
		logger.Error("closing migration db", "error", dbErr)
	}
	logger.Info("migrations complete")
	return nil
}

func runMigrate(configPath string, up, down bool) {
	if !up && !down {
		fmt.Fprintln(os.Stderr, "Error: specify --up or --down")
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	m, err := migrate.New("file://db/migrations", dsnToURL(cfg.Database))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing migrations: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	if up {
		fmt.Println("Running migrations up...")
		if err := m.Up(); err != nil {
			if err == migrate.ErrNoChange {
				fmt.Println("No new migrations to apply.")
				return
			}
			fmt.Fprintf(os.Stderr, "Error running migrations up: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully.")
	}

	if down {
		fmt.Println("Rolling back last migration...")
		if err := m.Steps(-1); err != nil {
			fmt.Fprintf(os.Stderr, "Error rolling back migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migration rolled back successfully.")
	}
}

// setupLogger creates a slog.Logger based on the logging config.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// dsnToURL converts the DatabaseConfig into a postgres:// connection URL
// suitable for golang-migrate.
func dsnToURL(db config.DatabaseConfig) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.User, db.Password, db.Host, db.Port, db.DBName, db.SSLMode,
	)
}
