// Package worker reconciles reports submitted over the broker, once per
// report content.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/batch"
	"github.com/drfirst/go-rxrecon/internal/concept"
	"github.com/drfirst/go-rxrecon/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxrecon/pkg/idempotency"
)

// HandlerName identifies this worker in the inbox
const HandlerName = "reconcile-worker"

// Runner reconciles a report
type Runner interface {
	Run(ctx context.Context, report batch.Report, cache *concept.Cache) (*batch.Result, error)
}

// ReportSaver stores a reconciled report and queues its completion event
type ReportSaver interface {
	Save(ctx context.Context, report batch.Report, result *batch.Result) error
}

// Inbox runs a handler at most once per key
type Inbox interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Publisher sends one message to the broker
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Config holds worker retry settings
type Config struct {
	// MaxAttempts is the number of tries of a recoverable failure before dead-lettering
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the default retry settings
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Summary is stored in the inbox for a finished report
type Summary struct {
	ReportID  string `json:"report_id"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Excluded  int    `json:"excluded"`
	Errors    int    `json:"errors"`
}

// DeadLetter wraps a message that could not be processed
type DeadLetter struct {
	Topic    string          `json:"topic"`
	Key      string          `json:"key"`
	Error    string          `json:"error"`
	Payload  json.RawMessage `json:"payload"`
	FailedAt time.Time       `json:"failed_at"`
}

// Worker handles ReportSubmitted messages
type Worker struct {
	config    Config
	runner    Runner
	cache     *concept.Cache
	reports   ReportSaver
	inbox     Inbox
	publisher Publisher
	validate  *validator.Validate
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates a worker. reports may be nil when results are only published.
func New(cfg Config, runner Runner, cache *concept.Cache, reports ReportSaver, inbox Inbox, publisher Publisher, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Worker{
		config:    cfg,
		runner:    runner,
		cache:     cache,
		reports:   reports,
		inbox:     inbox,
		publisher: publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		tracer:    otel.Tracer("reconcile-worker"),
	}
}

// Handle processes one message. It returns an error only when ctx ended, so
// the offset stays uncommitted; every other failure is dead-lettered.
func (w *Worker) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ctx, span := w.tracer.Start(ctx, "worker.handle",
		trace.WithAttributes(
			attribute.String("topic", msg.Topic),
			attribute.Int64("offset", msg.Offset),
		))
	defer span.End()

	var submitted batch.ReportSubmitted
	if err := json.Unmarshal(msg.Value, &submitted); err != nil {
		return w.deadLetter(ctx, msg, fmt.Errorf("decode: %w", err))
	}
	report := submitted.Report
	if err := w.validate.Struct(report); err != nil {
		return w.deadLetter(ctx, msg, fmt.Errorf("validate: %w", err))
	}
	span.SetAttributes(attribute.String("report_id", report.ID))

	key := idempotency.GenerateKey(report.ID, report.RowValues())
	var fresh []*concept.Concept

	res, err := backoff.Retry(ctx, func() (*idempotency.ProcessResult, error) {
		res, err := w.inbox.Process(ctx, key, HandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			result, err := w.runner.Run(ctx, report, w.cache)
			if err != nil {
				return nil, err
			}
			if w.reports != nil {
				if err := w.reports.Save(ctx, report, result); err != nil {
					return nil, err
				}
			}
			fresh = result.NewConcepts
			return json.Marshal(Summary{
				ReportID:  report.ID,
				Total:     result.Total,
				Processed: result.Processed,
				Excluded:  result.Excluded,
				Errors:    len(result.LookupErrors) + len(result.ReconcileErrors),
			})
		})
		if err != nil && !retryable(ctx, err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(w.newBackOff()),
		backoff.WithMaxTries(uint(w.config.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			w.logger.Warn("report processing failed, retrying",
				zap.String("report_id", report.ID),
				zap.Duration("backoff", d),
				zap.Error(err))
		}),
	)

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, idempotency.ErrDuplicate), errors.Is(err, idempotency.ErrInProgress):
		w.logger.Info("report already taken",
			zap.String("report_id", report.ID),
			zap.Error(err))
		return nil
	default:
		return w.deadLetter(ctx, msg, err)
	}

	if res.Duplicate {
		w.logger.Info("duplicate report skipped", zap.String("report_id", report.ID))
		return nil
	}

	w.publishConcepts(ctx, report.ID, fresh)
	w.logger.Info("report processed",
		zap.String("report_id", report.ID),
		zap.Bool("recovered", res.WasRecovered),
		zap.ByteString("summary", res.Result))
	return nil
}

func (w *Worker) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.config.InitialBackoff
	b.MaxInterval = w.config.MaxBackoff
	return b
}

// retryable is false for outcomes another attempt cannot change
func retryable(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil,
		idempotency.IsTerminal(err),
		errors.Is(err, idempotency.ErrDuplicate),
		errors.Is(err, idempotency.ErrInProgress),
		errors.Is(err, idempotency.ErrPreviouslyFailed):
		return false
	}
	return true
}

func (w *Worker) publishConcepts(ctx context.Context, reportID string, fresh []*concept.Concept) {
	if len(fresh) == 0 {
		return
	}
	value, err := json.Marshal(batch.NewConceptsResolved(reportID, fresh))
	if err == nil {
		err = w.publisher.Publish(ctx, redpanda.TopicConceptsResolved, reportID, value)
	}
	if err != nil {
		w.logger.Warn("failed to publish resolved concepts",
			zap.String("report_id", reportID),
			zap.Int("concepts", len(fresh)),
			zap.Error(err))
	}
}

// deadLetter publishes msg to the dead letter topic. The returned error is
// non-nil only when that publish fails, so the message is fetched again.
func (w *Worker) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	w.logger.Error("report dead-lettered",
		zap.String("key", string(msg.Key)),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))

	value, err := json.Marshal(DeadLetter{
		Topic:    msg.Topic,
		Key:      string(msg.Key),
		Error:    cause.Error(),
		Payload:  json.RawMessage(validJSON(msg.Value)),
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := w.publisher.Publish(ctx, redpanda.TopicDeadLetter, string(msg.Key), value); err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}

// validJSON keeps undecodable payloads embeddable as a JSON string
func validJSON(b []byte) []byte {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
