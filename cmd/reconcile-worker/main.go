// Package main provides the reconcile worker entry point. It consumes
// ReportSubmitted messages and reconciles each report once.
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

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/app"
	"github.com/drfirst/go-rxrecon/internal/config"
	"github.com/drfirst/go-rxrecon/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxrecon/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxrecon/internal/observability/metrics"
	"github.com/drfirst/go-rxrecon/internal/observability/tracing"
	"github.com/drfirst/go-rxrecon/internal/worker"
	"github.com/drfirst/go-rxrecon/pkg/idempotency"
)

const serviceName = "reconcile-worker"

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

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	svc, err := app.Build(ctx, cfg, nil, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer svc.Close()
	if svc.Pool == nil {
		logger.Fatal("DATABASE_URL is required by the worker")
	}

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
	producer, err := redpanda.NewProducer(pcfg, svc.Metrics, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	inbox := idempotency.NewInbox(svc.Pool, idempotency.DefaultConfig(), logger)
	reports := postgres.NewReportRepository(svc.Pool, redpanda.TopicReportsReconciled, logger)
	w := worker.New(worker.DefaultConfig(), svc.Orchestrator, svc.Cache, reports, inbox, producer, logger)

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.KafkaBrokers
	ccfg.GroupID = cfg.ConsumerGroup
	consumer, err := redpanda.NewConsumer(ccfg, w.Handle, svc.Metrics, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Ready(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		svc.Metrics.ObserveBreakers(svc.Breakers.GetHealthStatus())
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("reconcile worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.ConsumerGroup),
		zap.String("concept_store", cfg.ConceptStore))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	stats := consumer.Stats()
	logger.Info("reconcile worker stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))
}
