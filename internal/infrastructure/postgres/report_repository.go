package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/batch"
)

// ReportRepository stores reconciled reports and queues their completion
// events in the same transaction
type ReportRepository struct {
	db     DB
	topic  string
	logger *zap.Logger
	tracer trace.Tracer
}

// NewReportRepository creates a repository whose events go to topic
func NewReportRepository(db DB, topic string, logger *zap.Logger) *ReportRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportRepository{db: db, topic: topic, logger: logger, tracer: otel.Tracer("report-repository")}
}

// Save replaces the stored rows of the report and writes a ReportReconciled outbox entry
func (r *ReportRepository) Save(ctx context.Context, report batch.Report, result *batch.Result) error {
	ctx, span := r.tracer.Start(ctx, "report_repository.save",
		trace.WithAttributes(
			attribute.String("report_id", report.ID),
			attribute.Int("rows", len(result.Rows)),
		))
	defer span.End()

	event := batch.NewReportReconciled(report, result, time.Now())
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	lookupErrs, _ := json.Marshal(event.LookupErrors)
	reconcileErrs, _ := json.Marshal(event.ReconcileErrors)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO reconciliation_reports
			(report_id, data_access_group, total_rows, processed_rows, excluded_rows, lookup_errors, reconcile_errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (report_id) DO UPDATE SET
			data_access_group = EXCLUDED.data_access_group,
			total_rows = EXCLUDED.total_rows,
			processed_rows = EXCLUDED.processed_rows,
			excluded_rows = EXCLUDED.excluded_rows,
			lookup_errors = EXCLUDED.lookup_errors,
			reconcile_errors = EXCLUDED.reconcile_errors,
			updated_at = NOW()
	`, report.ID, report.DataAccessGroup, result.Total, result.Processed, result.Excluded, lookupErrs, reconcileErrs)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert report: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM reconciliation_rows WHERE report_id = $1`, report.ID); err != nil {
		return fmt.Errorf("clear rows: %w", err)
	}

	for i, row := range result.Rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row %s: %w", row.RecordID, err)
		}
		var rule string
		if i < len(result.Verdicts) {
			rule = result.Verdicts[i].Rule
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reconciliation_rows (report_id, record_id, position, row_number, match_status, rule, row_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, report.ID, row.RecordID, i, row.ReportRowNumber, row.MatchStatus, rule, data); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("insert row %s: %w", row.RecordID, err)
		}
	}

	if err := WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   report.ID,
		AggregateType: "Report",
		EventType:     batch.EventReportReconciled,
		Payload:       payload,
		KafkaTopic:    r.topic,
		KafkaKey:      report.ID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("report stored",
		zap.String("report_id", report.ID),
		zap.Int("rows", len(result.Rows)))
	return nil
}

// Get loads a stored report as its completion event or batch.ErrReportNotFound
func (r *ReportRepository) Get(ctx context.Context, reportID string) (*batch.ReportReconciled, error) {
	out := &batch.ReportReconciled{ReportID: reportID}
	var lookupErrs, reconcileErrs []byte
	err := r.db.QueryRow(ctx, `
		SELECT data_access_group, total_rows, processed_rows, excluded_rows, lookup_errors, reconcile_errors, updated_at
		FROM reconciliation_reports
		WHERE report_id = $1
	`, reportID).Scan(&out.DataAccessGroup, &out.Total, &out.Processed, &out.Excluded, &lookupErrs, &reconcileErrs, &out.ReconciledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, batch.ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", reportID, err)
	}
	if err := json.Unmarshal(lookupErrs, &out.LookupErrors); err != nil {
		return nil, fmt.Errorf("decode lookup errors: %w", err)
	}
	if err := json.Unmarshal(reconcileErrs, &out.ReconcileErrors); err != nil {
		return nil, fmt.Errorf("decode reconcile errors: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT row_data FROM reconciliation_rows
		WHERE report_id = $1
		ORDER BY position
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("load rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var row batch.OutputRow
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out.Rows = append(out.Rows, row)
	}
	return out, rows.Err()
}
