// Command docflow runs the document conversion orchestration service.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/docflow/backend"
	"github.com/hazyhaar/docflow/convert"
	"github.com/hazyhaar/docflow/docstore"
	"github.com/hazyhaar/docflow/jobid"
	"github.com/hazyhaar/docflow/observability"
	"github.com/hazyhaar/docflow/registry"
	"github.com/hazyhaar/docflow/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, using process environment")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(env("LOG_LEVEL", "info")),
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(env("CONFIG_FILE", "config.yaml"))
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Object store.
	var store storage.ObjectStore
	switch cfg.Storage.Type {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.S3.Region))
		if err != nil {
			logger.Error("aws config load failed", "error", err)
			os.Exit(1)
		}
		store = storage.NewS3Store(s3.NewFromConfig(awsCfg), cfg.Storage.S3.Bucket, cfg.Storage.S3.KeyPrefix, cfg.Storage.S3.PublicURL,
			storage.WithS3InternalBaseURL(cfg.Storage.S3.InternalURL))
	default:
		fs, err := storage.NewFSStore(cfg.Storage.Root, cfg.Storage.BaseURL,
			storage.WithFSInternalBaseURL(cfg.Storage.InternalBaseURL))
		if err != nil {
			logger.Error("storage init failed", "error", err)
			os.Exit(1)
		}
		store = fs
	}

	// Job-file registry.
	var files registry.JobFiles
	switch cfg.Registry.Type {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Registry.Redis.Addr,
			Password: cfg.Registry.Redis.Password,
			DB:       cfg.Registry.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", "addr", cfg.Registry.Redis.Addr, "error", err)
			os.Exit(1)
		}
		files = registry.NewRedisJobFiles(rdb, "")
	default:
		mem := registry.NewMemoryJobFiles()
		mem.StartSweeper(ctx, 5*time.Minute)
		files = mem
	}

	// Backend.
	b, err := backend.New(cfg.Backend, logger)
	if err != nil {
		logger.Error("backend init failed", "error", err)
		os.Exit(1)
	}

	// Documents database.
	if err := os.MkdirAll(filepath.Dir(cfg.Docstore.Path), 0o755); err != nil {
		logger.Error("docstore dir create failed", "error", err)
		os.Exit(1)
	}
	docsDB, err := sql.Open("sqlite", cfg.Docstore.Path)
	if err != nil {
		logger.Error("docstore open failed", "error", err)
		os.Exit(1)
	}
	defer docsDB.Close()
	docs, err := docstore.New(docsDB)
	if err != nil {
		logger.Error("docstore init failed", "error", err)
		os.Exit(1)
	}

	// Observability database, separate from the documents store.
	obsDB, err := sql.Open("sqlite", env("OBSERVABILITY_DB", "data/observability.db"))
	if err != nil {
		logger.Error("observability open failed", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		logger.Error("observability init failed", "error", err)
		os.Exit(1)
	}
	events := observability.NewEventLogger(obsDB)
	metrics := observability.NewMetricsManager(obsDB, 100, 5*time.Second)
	defer metrics.Close()

	opts := []convert.Option{
		convert.WithDocstore(docs),
		convert.WithPollerConfig(cfg.Poller),
		convert.WithLogger(logger),
		convert.WithEventLogger(events),
		convert.WithMetrics(metrics),
	}

	// GPU worker activation, single-GPU local deployments only.
	if cfg.Activation.Enabled {
		act := registry.NewActivation(true, logger)
		for _, name := range jobid.Workers() {
			if url, ok := cfg.Backend.Local.Workers[name]; ok {
				act.Register(name, registry.NewHTTPWorkerController(url))
			}
		}
		opts = append(opts, convert.WithActivation(act))
	}

	svc := convert.NewService(b, files, store, opts...)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(observability.RequestLogger(obsDB, logger))
	r.Mount("/", convert.NewHandlers(svc, logger).Routes())
	if cfg.Storage.Type == "fs" {
		// Serve stored objects directly in single-node deployments.
		fileServer := http.StripPrefix(cfg.Storage.BaseURL, http.FileServer(http.Dir(cfg.Storage.Root)))
		r.Get(cfg.Storage.BaseURL+"/*", fileServer.ServeHTTP)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: SSE streams stay open for the life of a job.
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "backend", b.Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// loadConfig reads the config file when present, otherwise starts from
// defaults so a bare local run works.
func loadConfig(path string) (*convert.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("no config file, using defaults", "path", path)
		cfg := convert.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return convert.LoadConfigFile(path)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
