package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/beaconhq/event-pipeline/internal/api"
	"github.com/beaconhq/event-pipeline/internal/config"
	"github.com/beaconhq/event-pipeline/internal/db"
	"github.com/beaconhq/event-pipeline/internal/domain"
	"github.com/beaconhq/event-pipeline/internal/gate"
	"github.com/beaconhq/event-pipeline/internal/metrics"
	"github.com/beaconhq/event-pipeline/internal/pipeline"
	"github.com/beaconhq/event-pipeline/internal/ratelimiter"
	"github.com/beaconhq/event-pipeline/internal/store"
	"github.com/beaconhq/event-pipeline/internal/transport"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- durable store ----
	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open durable store", zap.Error(err))
	}
	defer st.Close() //nolint:errcheck

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	g := gate.New(true)
	tr := transport.NewWebhookTransport(cfg.EndpointURL, cfg.EndpointTimeout)
	limiter := ratelimiter.New(cfg.RateLimit)

	p := pipeline.New(g, st, tr, limiter, logger, pipeline.Options{
		BatchSize:        cfg.BatchSize,
		BatchInterval:    cfg.BatchInterval,
		MaxQueueSize:     cfg.MaxQueueSize,
		CriticalReserve:  cfg.CriticalReserve,
		BaseDelay:        cfg.BaseDelay,
		MaxDelay:         cfg.MaxDelay,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		DiscardOnRevoke:  cfg.DiscardOnRevoke,
	}, m.PipelineHooks())

	// Reloads persisted batches, then starts the owner goroutine.
	if err := p.Start(ctx); err != nil {
		logger.Fatal("failed to start pipeline", zap.Error(err))
	}

	// Terminal outcomes and evictions are logged from the event channel so
	// the delivery path itself stays free of per-batch log calls.
	go consumeEvents(p, logger)

	// ---- HTTP server ----
	router := api.NewRouter(p, g, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	// 1. Stop accepting new HTTP requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Drain the pipeline: pending and retrying work is persisted so it
	//    survives the restart; in-flight sends get a bounded grace period.
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Error("pipeline shutdown error", zap.Error(err))
	}

	logger.Info("server stopped cleanly")
}

// openStore selects the durable store backend from configuration. Postgres
// also runs migrations on startup; bolt needs only a writable data dir.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("database migrations applied")
		return store.NewPgStore(pool), nil
	default:
		return store.OpenBolt(cfg.DataDir)
	}
}

// consumeEvents drains the pipeline's event channel until it is closed at
// shutdown. Dropping behind here loses log lines, never deliveries.
func consumeEvents(p *pipeline.Pipeline, logger *zap.Logger) {
	for ev := range p.Events() {
		switch ev.Type {
		case domain.EventDelivered:
			logger.Info("batch delivered", zap.String("batch_id", ev.BatchID))
		case domain.EventDiscarded:
			logger.Warn("batch discarded",
				zap.String("batch_id", ev.BatchID),
				zap.String("reason", string(ev.Reason)),
			)
		case domain.EventEvicted:
			logger.Warn("item evicted", zap.String("item_id", ev.ItemID))
		}
	}
}
