// Package redis shares resolved concepts between rxrecon processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/concept"
)

// KeyPrefix namespaces concept records
const KeyPrefix = "rxrecon:concept:"

// Connect parses url, opens a client and pings it
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// ConceptStore keeps each concept as the JSON of its twelve-column record
type ConceptStore struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewConceptStore creates a store. A zero ttl keeps records forever.
func NewConceptStore(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *ConceptStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConceptStore{client: client, ttl: ttl, logger: logger}
}

// Lookup returns the stored concept or concept.ErrNotStored
func (s *ConceptStore) Lookup(ctx context.Context, rxcui string) (*concept.Concept, error) {
	data, err := s.client.Get(ctx, KeyPrefix+rxcui).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, concept.ErrNotStored
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rxcui %s: %w", rxcui, err)
	}
	var rec concept.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode rxcui %s: %w", rxcui, err)
	}
	return concept.FromRecord(rec), nil
}

// Save writes all concepts in one pipeline
func (s *ConceptStore) Save(ctx context.Context, concepts []*concept.Concept) error {
	if len(concepts) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, c := range concepts {
		data, err := json.Marshal(concept.ToRecord(c))
		if err != nil {
			return fmt.Errorf("encode rxcui %s: %w", c.RxCUI, err)
		}
		pipe.Set(ctx, KeyPrefix+c.RxCUI, data, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save concepts: %w", err)
	}
	s.logger.Debug("concepts saved", zap.Int("count", len(concepts)))
	return nil
}
