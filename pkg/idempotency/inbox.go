// Package idempotency deduplicates report submissions with a Postgres inbox.
// Keys are derived from the report content, so a resubmitted report with the
// same rows is answered from the stored result instead of being reconciled again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one row of the report_inbox table
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long entries are kept
	TTL time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the default inbox settings
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		RecoveryTimeout: 10 * time.Minute,
	}
}

// DB is the subset of pgxpool.Pool the inbox uses
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var (
	// ErrDuplicate indicates the report was already taken by another handler
	ErrDuplicate = errors.New("duplicate report: already processed")
	// ErrInProgress indicates another handler is still working on the report
	ErrInProgress = errors.New("report in progress by another handler")
	// ErrPreviouslyFailed indicates the report failed terminally before
	ErrPreviouslyFailed = errors.New("report previously failed permanently")
)

// terminalError marks a handler failure that must not be retried
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as not retryable; the entry is stored as FAILED
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// Inbox manages idempotent report processing
type Inbox struct {
	db     DB
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewInbox creates a new inbox
func NewInbox(db DB, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &Inbox{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("report-inbox"),
		now:    time.Now,
	}
}

// ProcessResult is the outcome of Process
type ProcessResult struct {
	// Duplicate is true when Result was read back from a finished entry
	Duplicate    bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc handles a payload and returns the result to store
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn at most once per key. A finished key returns its stored
// result; a failed key returns ErrPreviouslyFailed.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}
	span.SetAttributes(attribute.Bool("recovered", recovered))

	if err := i.start(ctx, key, handler, payload); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsTerminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.setStatus(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to record handler failure",
				zap.String("key", key),
				zap.Error(err))
		}
		span.RecordError(handlerErr)
		span.SetStatus(codes.Error, handlerErr.Error())
		return nil, handlerErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		// the handler succeeded; a redelivery will run it again
		i.logger.Error("failed to mark finished",
			zap.String("key", key),
			zap.Error(err))
	}

	return &ProcessResult{WasRecovered: recovered, Result: result}, nil
}

// GenerateKey derives the idempotency key of a report from its id and row cells
func GenerateKey(reportID string, rows [][]string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(reportID)))
	for _, row := range rows {
		h.Write([]byte{'\n'})
		h.Write([]byte(strings.Join(row, "|")))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (i *Inbox) get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM report_inbox
		WHERE idempotency_key = $1
	`

	e := &Entry{}
	err := i.db.QueryRow(ctx, query, key).Scan(
		&e.Key, &e.Handler, &e.Status,
		&e.Payload, &e.Result, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// start inserts a STARTED entry, or takes over a RECOVERABLE one
func (i *Inbox) start(ctx context.Context, key, handler string, payload json.RawMessage) error {
	query := `
		INSERT INTO report_inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE report_inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`

	var returned string
	err := i.db.QueryRow(ctx, query, key, handler, StatusStarted, payload, i.now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	return err
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	query := `
		UPDATE report_inbox
		SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3
	`

	_, err := i.db.Exec(ctx, query, status, result, key)
	return err
}

// Cleanup removes expired entries and returns how many were deleted
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.db.Exec(ctx, `DELETE FROM report_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to clean inbox: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return tag.RowsAffected(), nil
}

// RecoverStale marks abandoned STARTED entries as RECOVERABLE
func (i *Inbox) RecoverStale(ctx context.Context) (int64, error) {
	query := `
		UPDATE report_inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - make_interval(secs => $1)
	`

	tag, err := i.db.Exec(ctx, query, i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats counts inbox entries per status
type Stats struct {
	Total       int64
	Started     int64
	Finished    int64
	Recoverable int64
	Failed      int64
}

// GetStats returns current inbox statistics
func (i *Inbox) GetStats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM report_inbox
	`

	s := &Stats{}
	if err := i.db.QueryRow(ctx, query).Scan(&s.Total, &s.Started, &s.Finished, &s.Recoverable, &s.Failed); err != nil {
		return nil, err
	}
	return s, nil
}
