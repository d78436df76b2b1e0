package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nfaudit/internal/audit/handler"
	auditmetrics "nfaudit/internal/audit/metrics"
	"nfaudit/internal/audit/publisher"
	"nfaudit/internal/audit/store"
	"nfaudit/internal/audit/store/memory"
	"nfaudit/internal/audit/store/postgres"
	"nfaudit/internal/pipeline"
	"nfaudit/internal/platform/config"
	"nfaudit/internal/platform/httpserver"
	"nfaudit/internal/platform/logger"
	httpmetrics "nfaudit/internal/platform/metrics"
	"nfaudit/internal/platform/redis"
	"nfaudit/pkg/platform/middleware/requestid"
	"nfaudit/pkg/platform/middleware/requesttime"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Audit logic lives in internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
	}

	retriever, err := pipeline.Retriever(cfg.Retrieval, rc, log)
	if err != nil {
		return err
	}
	coordinator, err := pipeline.Build(cfg, pipeline.Deps{
		Logger:    log,
		Metrics:   auditmetrics.New(),
		Retriever: retriever,
	})
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer closeStore()

	events, err := openPublisher(cfg.Kafka)
	if err != nil {
		return err
	}
	async := publisher.NewAsync(events, 1024, log)
	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = async.Run(workerCtx)
	}()

	h := handler.New(coordinator, st, async,
		handler.WithLogger(log),
		handler.WithBatchLimits(cfg.Audit.MaxBatchSize, cfg.Audit.BatchParallelism),
		handler.WithBatchTimeout(httpserver.HandlerBudget),
	)
	r := chi.NewRouter()
	r.Use(requestid.Middleware, requesttime.Middleware, httpmetrics.New(prometheus.DefaultRegisterer).Middleware)
	r.Get("/healthz", handler.Health)
	r.Handle(cfg.MetricsPath, promhttp.Handler())
	h.Register(r)

	srv := httpserver.New(cfg.Server.Addr, r)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting nfaudit", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stopWorker()
			<-workerDone
			async.Close()
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	stopWorker()
	<-workerDone
	async.Close()
	log.Info("nfaudit stopped")
	return nil
}

// openStore picks Postgres when a DSN is configured, else the in-memory store.
func openStore(ctx context.Context, cfg config.Postgres) (store.Store, func(), error) {
	if cfg.DSN == "" {
		return memory.NewInMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	pg := postgres.New(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return pg, func() { _ = db.Close() }, nil
}

func openPublisher(cfg config.Kafka) (publisher.Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return publisher.Noop{}, nil
	}
	k, err := publisher.NewKafka(cfg.Brokers, cfg.Topic)
	if err != nil {
		return nil, err
	}
	return k, nil
}
