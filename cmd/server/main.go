// Command server runs the basinflow query service: timeseries and upstream
// aggregation over ingested observations, with health and metrics endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	httpadapter "github.com/peatmoor/basinflow/internal/adapter/http"
	"github.com/peatmoor/basinflow/internal/aggregate"
	"github.com/peatmoor/basinflow/internal/cache"
	"github.com/peatmoor/basinflow/internal/config"
	"github.com/peatmoor/basinflow/internal/observability"
	"github.com/peatmoor/basinflow/internal/store"
)

func main() {
	_ = godotenv.Load() // optional .env for local development

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	engine := aggregate.New(st, logger, metrics)
	cached := cache.New(engine, cfg.CacheTTL, clockwork.NewRealClock(), metrics)
	logger.Info("result cache enabled", "ttl", cfg.CacheTTL)

	srv := httpadapter.NewServer(cfg.HTTPAddr, cached, storeReadiness{st}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

// storeReadiness makes the store's connectivity the readiness signal.
type storeReadiness struct {
	store *store.Store
}

func (s storeReadiness) CheckReadiness(ctx context.Context) error {
	return s.store.Ping(ctx)
}
