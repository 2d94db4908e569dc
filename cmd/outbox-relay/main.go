// Package main provides the outbox relay entry point. It publishes
// ReportReconciled events written by report runs and keeps the outbox and
// report inbox tables tidy.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/app"
	"github.com/drfirst/go-rxrecon/internal/config"
	"github.com/drfirst/go-rxrecon/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxrecon/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxrecon/internal/maintenance"
	"github.com/drfirst/go-rxrecon/internal/observability/metrics"
	"github.com/drfirst/go-rxrecon/internal/observability/tracing"
	"github.com/drfirst/go-rxrecon/pkg/idempotency"
)

const serviceName = "outbox-relay"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required by the outbox relay")
	}

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	m := metrics.New(prometheus.DefaultRegisterer)

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("kafka admin failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	admin.Close()

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(pcfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	ocfg := postgres.DefaultOutboxConfig()
	ocfg.PollInterval = cfg.OutboxPollInterval
	ocfg.BatchSize = cfg.OutboxBatchSize
	ocfg.MaxRetries = cfg.OutboxMaxRetries
	ocfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, ocfg, logger)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger)
	jobs := maintenance.New(maintenance.DefaultConfig(), outbox, inbox, m.OutboxPending, logger)
	if err := jobs.Start(); err != nil {
		logger.Fatal("maintenance scheduling failed", zap.Error(err))
	}

	outbox.Start()
	logger.Info("outbox relay started",
		zap.Duration("poll_interval", ocfg.PollInterval),
		zap.Int("batch_size", ocfg.BatchSize))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      metrics.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	outbox.Stop()
	jobs.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}
