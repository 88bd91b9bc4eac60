package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qiyuan-lin/convsearch/internal/engine"
	"github.com/qiyuan-lin/convsearch/internal/server"
	"github.com/qiyuan-lin/convsearch/internal/source"
	"github.com/qiyuan-lin/convsearch/internal/watch"
	"github.com/qiyuan-lin/convsearch/pkg/config"
	"github.com/qiyuan-lin/convsearch/pkg/health"
	"github.com/qiyuan-lin/convsearch/pkg/logger"
	"github.com/qiyuan-lin/convsearch/pkg/metrics"
	"github.com/qiyuan-lin/convsearch/pkg/middleware"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting convsearch",
		"port", cfg.Server.Port,
		"sources_root", cfg.Sources.Root,
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownMetrics(ctx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}()
	}

	src := source.NewDirSource(cfg.Sources.Root)
	eng := engine.New(cfg.Engine, m)
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Watcher.Enabled {
		watcher, err := watch.New(src, eng, cfg.Watcher.Debounce)
		if err != nil {
			slog.Error("failed to create watcher", "error", err)
			os.Exit(1)
		}
		if err := watcher.Start(); err != nil {
			slog.Warn("watcher disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	// Warm every collection so first searches answer quickly.
	if collections, err := src.Collections(); err != nil {
		slog.Warn("cannot enumerate collections", "error", err)
	} else {
		for _, collection := range collections {
			eng.ScheduleBuild(collection, src)
		}
		slog.Info("prewarming search indexes", "collections", len(collections))
	}

	checker := health.NewChecker()
	checker.Register("sources_root", func(ctx context.Context) health.ComponentHealth {
		if info, err := os.Stat(cfg.Sources.Root); err != nil || !info.IsDir() {
			return health.ComponentHealth{Status: health.StatusDown, Message: "sources root missing"}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("index_engine", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d collections ready", eng.ReadyCount()),
		}
	})

	h := server.New(eng, src, cfg.Search)
	chain := middleware.Timeout(cfg.Server.WriteTimeout)(server.NewRouter(h, checker, m))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("convsearch listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("convsearch stopped")
}
