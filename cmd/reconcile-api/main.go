// Package main provides the reconciliation API service entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/api/handlers"
	"github.com/drfirst/go-rxrecon/internal/api/middleware"
	"github.com/drfirst/go-rxrecon/internal/app"
	"github.com/drfirst/go-rxrecon/internal/config"
	"github.com/drfirst/go-rxrecon/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxrecon/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxrecon/internal/observability/metrics"
	"github.com/drfirst/go-rxrecon/internal/observability/tracing"
)

const serviceName = "reconcile-api"

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

	var reports handlers.ReportStore
	if svc.Pool != nil {
		reports = postgres.NewReportRepository(svc.Pool, redpanda.TopicReportsReconciled, logger)
	}
	reconciliation := handlers.NewReconciliationHandler(svc.Orchestrator, svc.Cache, reports, logger)

	// queued submissions need the worker, which needs Postgres
	if svc.Pool != nil {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		producer, err := redpanda.NewProducer(pcfg, svc.Metrics, logger)
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		defer producer.Close()
		reconciliation.WithPublisher(producer)
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(svc.Metrics))

	// no auth
	r.Get("/health", healthHandler)
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

	r.With(middleware.APIKeyAuth(cfg.APIKeys)).Mount("/api/v1", reconciliation.Routes())

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// a report run waits on RxNav retries
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting reconciliation API",
		zap.String("port", cfg.Port),
		zap.String("concept_store", cfg.ConceptStore),
		zap.Bool("reports_persisted", reports != nil),
		zap.Bool("queued_submissions", svc.Pool != nil))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"%s","version":"1.0.0"}`, serviceName)
}
