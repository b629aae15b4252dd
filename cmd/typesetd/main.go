// Command typesetd runs the compile job orchestrator as an HTTP daemon.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/typefold/typeset/api"
	"github.com/typefold/typeset/engine"
	"github.com/typefold/typeset/job"
	"github.com/typefold/typeset/observability"
	"github.com/typefold/typeset/orchestrator"
	"github.com/typefold/typeset/project"
	"github.com/typefold/typeset/queue"
	"github.com/typefold/typeset/store"
	bunstore "github.com/typefold/typeset/store/bun"
	"github.com/typefold/typeset/store/memory"
	redisstore "github.com/typefold/typeset/store/redis"
	"github.com/typefold/typeset/store/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	s, err := openStore(cfg)
	if err != nil {
		logger.Error("store", "error", err)
		os.Exit(1)
	}

	projects := project.NewFS(cfg.ProjectRoot)
	eng := engine.NewCLI(cfg.EngineBin, cfg.ArtifactDir,
		engine.WithGracePeriod(cfg.Orchestrator.CancelGracePeriod))

	opts := []orchestrator.Option{
		orchestrator.WithConfig(cfg.Orchestrator),
		orchestrator.WithLogger(logger),
	}
	if cfg.FullMaxConcurrency > 0 || cfg.FullRateLimit > 0 {
		opts = append(opts, orchestrator.WithQueueManager(queue.NewManager(queue.Config{
			Kind:           job.KindFull,
			MaxConcurrency: cfg.FullMaxConcurrency,
			RateLimit:      cfg.FullRateLimit,
			RateBurst:      cfg.FullMaxConcurrency,
		})))
	}

	orch, err := orchestrator.New(s, projects, eng, opts...)
	if err != nil {
		logger.Error("orchestrator", "error", err)
		os.Exit(1)
	}
	orch.Register(observability.NewMetricsExtension())

	if err := orch.Start(context.Background()); err != nil {
		logger.Error("start", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	api.NewHandler(orch).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Chain(logger, mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		if err := orch.Stop(shutdownCtx); err != nil {
			logger.Error("orchestrator shutdown", "error", err)
		}
	}()

	logger.Info("typesetd listening",
		slog.String("addr", cfg.ListenAddr),
		slog.String("store", cfg.Store),
		slog.Int("concurrency", cfg.Orchestrator.Concurrency),
	)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server", "error", err)
		os.Exit(1)
	}
}

// openStore selects the persistence backend named by TYPESET_STORE.
func openStore(cfg *daemonConfig) (store.Store, error) {
	switch cfg.Store {
	case "sqlite":
		return sqlite.New(cfg.DBPath)
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		return redisstore.New(client), nil
	case "postgres":
		return bunstore.New(bunstore.Open(cfg.PostgresDSN)), nil
	default:
		return memory.New(), nil
	}
}
