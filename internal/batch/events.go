package batch

import (
	"errors"
	"time"

	"github.com/drfirst/go-rxrecon/internal/concept"
)

// ErrReportNotFound is returned by report repositories for unknown report ids
var ErrReportNotFound = errors.New("report not found")

// Event types carried on the broker and in the outbox
const (
	EventReportSubmitted  = "ReportSubmitted"
	EventReportReconciled = "ReportReconciled"
	EventConceptsResolved = "ConceptsResolved"
)

// ReportSubmitted asks a worker to reconcile a report
type ReportSubmitted struct {
	Report      Report    `json:"report"`
	SubmittedAt time.Time `json:"submitted_at"`
	// Encoding names the source file encoding when rows came from CSV
	Encoding string `json:"encoding,omitempty"`
}

// ReportReconciled announces the outcome of one report run
type ReportReconciled struct {
	ReportID        string         `json:"report_id"`
	DataAccessGroup string         `json:"data_access_group,omitempty"`
	Total           int            `json:"total"`
	Processed       int            `json:"processed"`
	Excluded        int            `json:"excluded"`
	Exclusions      map[string]int `json:"exclusions,omitempty"`
	LookupErrors    []string       `json:"lookup_errors"`
	ReconcileErrors []string       `json:"reconcile_errors"`
	Rows            []OutputRow    `json:"rows"`
	ReconciledAt    time.Time      `json:"reconciled_at"`
}

// NewReportReconciled builds the completion event of a run
func NewReportReconciled(report Report, result *Result, at time.Time) ReportReconciled {
	return ReportReconciled{
		ReportID:        report.ID,
		DataAccessGroup: report.DataAccessGroup,
		Total:           result.Total,
		Processed:       result.Processed,
		Excluded:        result.Excluded,
		Exclusions:      result.Exclusions,
		LookupErrors:    nonNil(result.LookupErrors),
		ReconcileErrors: nonNil(result.ReconcileErrors),
		Rows:            result.Rows,
		ReconciledAt:    at.UTC(),
	}
}

// ConceptsResolved lists concepts first resolved during a run
type ConceptsResolved struct {
	ReportID string           `json:"report_id"`
	Records  []concept.Record `json:"records"`
}

// NewConceptsResolved flattens the run's new concepts
func NewConceptsResolved(reportID string, concepts []*concept.Concept) ConceptsResolved {
	records := make([]concept.Record, len(concepts))
	for i, c := range concepts {
		records[i] = concept.ToRecord(c)
	}
	return ConceptsResolved{ReportID: reportID, Records: records}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
