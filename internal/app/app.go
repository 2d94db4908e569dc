// Package app wires configuration into the resolver, stores and orchestrator
// shared by the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drfirst/go-rxrecon/internal/batch"
	"github.com/drfirst/go-rxrecon/internal/concept"
	"github.com/drfirst/go-rxrecon/internal/config"
	"github.com/drfirst/go-rxrecon/internal/infrastructure/filestore"
	"github.com/drfirst/go-rxrecon/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxrecon/internal/infrastructure/redis"
	"github.com/drfirst/go-rxrecon/internal/observability/metrics"
	"github.com/drfirst/go-rxrecon/internal/reconcile"
	"github.com/drfirst/go-rxrecon/internal/rxnorm"
	"github.com/drfirst/go-rxrecon/pkg/circuitbreaker"
)

// NewLogger builds a production zap logger at level ("" means info)
func NewLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

// Services holds the components built from a Config
type Services struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Breakers     *circuitbreaker.Manager
	RxNav        *rxnorm.Client
	Engine       *reconcile.Engine
	Orchestrator *batch.Orchestrator
	// Cache is shared by every request of a long-running service
	Cache *concept.Cache
	// Store is nil when CONCEPT_STORE is none
	Store batch.ConceptStore
	// Pool is set when DATABASE_URL is configured
	Pool  *pgxpool.Pool
	redis *goredis.Client
}

// Build connects the configured backends. reg receives the metrics; nil
// uses the default registerer.
func Build(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Services{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics.New(reg),
		Breakers: circuitbreaker.NewManager(logger),
	}

	tables := reconcile.DefaultTables()
	if cfg.RuleTablesPath != "" {
		t, err := reconcile.LoadTablesFile(cfg.RuleTablesPath)
		if err != nil {
			return nil, err
		}
		tables = t
		logger.Info("rule tables loaded", zap.String("path", cfg.RuleTablesPath))
	}
	s.Engine = reconcile.NewEngine(tables)

	if cfg.DatabaseURL != "" {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		s.Pool = pool
		logger.Info("connected to database")
	}

	if err := s.openStore(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.RxNav = rxnorm.New(cfg.RxNav(), s.Breakers, s.Metrics, logger)
	canonicalizer := concept.NewCanonicalizer(s.RxNav, logger)
	s.Orchestrator = batch.New(cfg.Batch(), s.RxNav, canonicalizer, s.Store, s.Engine, s.Metrics, logger)
	s.Cache = concept.NewCache(cfg.CacheCapacity, s.Metrics)
	return s, nil
}

func (s *Services) openStore(ctx context.Context) error {
	cfg := s.Config
	switch cfg.ConceptStore {
	case config.StoreFile:
		store, err := filestore.Open(cfg.ConceptFile, s.Logger)
		if err != nil {
			return fmt.Errorf("concept file: %w", err)
		}
		s.Store = store
	case config.StorePostgres:
		if s.Pool == nil {
			return fmt.Errorf("concept store postgres requires DATABASE_URL")
		}
		s.Store = postgres.NewConceptStore(s.Pool, s.Logger)
	case config.StoreRedis:
		client, err := redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		s.redis = client
		s.Store = redis.NewConceptStore(client, cfg.RedisTTL, s.Logger)
	}
	s.Logger.Info("concept store ready", zap.String("backend", cfg.ConceptStore))
	return nil
}

// Ready checks the backends the services depend on
func (s *Services) Ready(ctx context.Context) error {
	if s.Pool != nil {
		if err := s.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases connections
func (s *Services) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
