package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/concept"
)

// ConceptStore keeps resolved concepts in the rxcui_details table
type ConceptStore struct {
	db     DB
	logger *zap.Logger
	tracer trace.Tracer
}

// NewConceptStore creates a store on db
func NewConceptStore(db DB, logger *zap.Logger) *ConceptStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConceptStore{db: db, logger: logger, tracer: otel.Tracer("postgres-concept-store")}
}

const conceptColumns = `rxcui, name, tty, ingredient, dose_form, strength,
	c_name, c_tty, c_rxcui, c_ingredient, c_dose_form, c_strength`

// Lookup returns the stored concept or concept.ErrNotStored
func (s *ConceptStore) Lookup(ctx context.Context, rxcui string) (*concept.Concept, error) {
	ctx, span := s.tracer.Start(ctx, "concept_store.lookup",
		trace.WithAttributes(attribute.String("rxcui", rxcui)))
	defer span.End()

	values := make([]string, len(concept.RecordHeader))
	dest := make([]any, len(values))
	for i := range values {
		dest[i] = &values[i]
	}

	err := s.db.QueryRow(ctx, `SELECT `+conceptColumns+` FROM rxcui_details WHERE rxcui = $1`, rxcui).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, concept.ErrNotStored
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("lookup rxcui %s: %w", rxcui, err)
	}
	return concept.FromRecord(concept.RecordFromValues(values)), nil
}

// Save upserts concepts in one transaction
func (s *ConceptStore) Save(ctx context.Context, concepts []*concept.Concept) error {
	if len(concepts) == 0 {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "concept_store.save",
		trace.WithAttributes(attribute.Int("concepts", len(concepts))))
	defer span.End()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO rxcui_details (` + conceptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (rxcui) DO UPDATE SET
			name = EXCLUDED.name, tty = EXCLUDED.tty,
			ingredient = EXCLUDED.ingredient, dose_form = EXCLUDED.dose_form, strength = EXCLUDED.strength,
			c_name = EXCLUDED.c_name, c_tty = EXCLUDED.c_tty, c_rxcui = EXCLUDED.c_rxcui,
			c_ingredient = EXCLUDED.c_ingredient, c_dose_form = EXCLUDED.c_dose_form,
			c_strength = EXCLUDED.c_strength, updated_at = NOW()
	`
	for _, c := range concepts {
		if _, err := tx.Exec(ctx, query, recordArgs(concept.ToRecord(c))...); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("upsert rxcui %s: %w", c.RxCUI, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("concepts saved", zap.Int("count", len(concepts)))
	return nil
}

func recordArgs(r concept.Record) []any {
	values := r.Values()
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
