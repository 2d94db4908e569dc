package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/concept"
	"github.com/drfirst/go-rxrecon/internal/reconcile"
	"github.com/drfirst/go-rxrecon/internal/rxnorm"
	"github.com/drfirst/go-rxrecon/pkg/workerpool"
)

// Exclusion reasons
const (
	ExcludedNoEscriptNDC = "no_escript_ndc"
	ExcludedCompound     = "compound"
	ExcludedIncomplete   = "incomplete"
)

// NDCResolver maps an NDC to an RxCUI
type NDCResolver interface {
	ResolveNDC(ctx context.Context, ndc string) (string, error)
}

// ConceptResolver builds the canonical concept of an RxCUI
type ConceptResolver interface {
	Canonicalize(ctx context.Context, rxcui string) (*concept.Concept, error)
}

// ConceptStore persists resolved concepts between runs. Lookup returns
// concept.ErrNotStored for unknown RxCUIs.
type ConceptStore interface {
	Lookup(ctx context.Context, rxcui string) (*concept.Concept, error)
	Save(ctx context.Context, concepts []*concept.Concept) error
}

// Observer receives per-row and per-run measurements
type Observer interface {
	ObserveVerdict(v reconcile.Verdict)
	ObserveExclusion(reason string)
	ObserveBatch(result *Result, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveVerdict(reconcile.Verdict)    {}
func (nopObserver) ObserveExclusion(string)             {}
func (nopObserver) ObserveBatch(*Result, time.Duration) {}

// Config holds orchestrator configuration
type Config struct {
	// Workers is the number of rows processed concurrently
	Workers int
	// CacheCapacity sizes the per-run cache created when Run is given none
	CacheCapacity int
}

// DefaultConfig returns the default orchestrator settings
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		CacheCapacity: concept.DefaultCacheCapacity,
	}
}

// Result is the outcome of one report run
type Result struct {
	ReportID string `json:"report_id"`
	// Rows are the reconciled rows in input order
	Rows []OutputRow `json:"rows"`
	// Verdicts parallel Rows
	Verdicts        []reconcile.Verdict `json:"-"`
	LookupErrors    []string            `json:"lookup_errors"`
	ReconcileErrors []string            `json:"reconcile_errors"`
	// NewConcepts were resolved from RxNav during the run, ordered by RxCUI
	NewConcepts []*concept.Concept `json:"-"`
	Total       int                `json:"total"`
	Processed   int                `json:"processed"`
	Excluded    int                `json:"excluded"`
	Exclusions  map[string]int     `json:"exclusions"`
	// StoreError is set when saving NewConcepts failed
	StoreError string `json:"store_error,omitempty"`
}

// Orchestrator runs reports
type Orchestrator struct {
	config   Config
	ndc      NDCResolver
	concepts ConceptResolver
	store    ConceptStore
	engine   *reconcile.Engine
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates an Orchestrator. store, engine and observer may be nil.
func New(cfg Config, ndc NDCResolver, concepts ConceptResolver, store ConceptStore,
	engine *reconcile.Engine, observer Observer, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if engine == nil {
		engine = reconcile.NewEngine(nil)
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.CacheCapacity == 0 {
		cfg.CacheCapacity = def.CacheCapacity
	}
	return &Orchestrator{
		config:   cfg,
		ndc:      ndc,
		concepts: concepts,
		store:    store,
		engine:   engine,
		observer: observer,
		logger:   logger,
		tracer:   otel.Tracer("batch-orchestrator"),
	}
}

// rowOutcome is what one worker produces for one row
type rowOutcome struct {
	row          *OutputRow
	verdict      reconcile.Verdict
	excluded     string
	lookupErr    string
	reconcileErr string
}

// run carries the state shared by the workers of one report
type run struct {
	report Report
	cache  *concept.Cache

	mu    sync.Mutex
	fresh map[string]*concept.Concept
}

// Run reconciles every row of report. A nil cache gets a fresh one for this
// run. Row failures are collected in the result; the error is non-nil only
// when ctx ends first.
func (o *Orchestrator) Run(ctx context.Context, report Report, cache *concept.Cache) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "batch.run",
		trace.WithAttributes(
			attribute.String("report_id", report.ID),
			attribute.Int("rows", len(report.Rows)),
		))
	defer span.End()

	start := time.Now()
	if cache == nil {
		cache = concept.NewCache(o.config.CacheCapacity, nil)
	}
	r := &run{report: report, cache: cache, fresh: make(map[string]*concept.Concept)}

	tasks := make([]*workerpool.Task, len(report.Rows))
	for i := range report.Rows {
		tasks[i] = &workerpool.Task{ID: rowID(report.Rows[i], i), Payload: i}
	}

	results, err := workerpool.Run(ctx, workerpool.Config{Workers: o.config.Workers}, tasks,
		func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
			out := o.processRow(ctx, r, task.Payload.(int))
			return &workerpool.Result{Success: true, Data: out}
		}, o.logger)

	result := &Result{
		ReportID:   report.ID,
		Total:      len(report.Rows),
		Exclusions: make(map[string]int),
	}
	for _, res := range results {
		if res == nil {
			continue
		}
		out, ok := res.Data.(*rowOutcome)
		if !ok {
			if res.Error != nil {
				result.LookupErrors = append(result.LookupErrors, fmt.Sprintf("row %s: %v", res.TaskID, res.Error))
			}
			continue
		}
		switch {
		case out.lookupErr != "":
			result.LookupErrors = append(result.LookupErrors, out.lookupErr)
		case out.reconcileErr != "":
			result.ReconcileErrors = append(result.ReconcileErrors, out.reconcileErr)
		case out.excluded != "":
			result.Excluded++
			result.Exclusions[out.excluded]++
			o.observer.ObserveExclusion(out.excluded)
			if out.excluded == ExcludedIncomplete {
				result.Processed++
			}
		default:
			result.Processed++
			result.Rows = append(result.Rows, *out.row)
			result.Verdicts = append(result.Verdicts, out.verdict)
			o.observer.ObserveVerdict(out.verdict)
		}
	}

	result.NewConcepts = r.freshConcepts()
	if o.store != nil && len(result.NewConcepts) > 0 {
		if serr := o.store.Save(ctx, result.NewConcepts); serr != nil {
			result.StoreError = serr.Error()
			o.logger.Error("failed to save resolved concepts",
				zap.String("report_id", report.ID),
				zap.Int("concepts", len(result.NewConcepts)),
				zap.Error(serr))
		}
	}

	o.observer.ObserveBatch(result, time.Since(start))
	o.logger.Info("report reconciled",
		zap.String("report_id", report.ID),
		zap.Int("total", result.Total),
		zap.Int("reconciled", len(result.Rows)),
		zap.Int("excluded", result.Excluded),
		zap.Int("lookup_errors", len(result.LookupErrors)),
		zap.Int("reconcile_errors", len(result.ReconcileErrors)),
		zap.Int("new_concepts", len(result.NewConcepts)),
		zap.Duration("duration", time.Since(start)))

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("report %s interrupted: %w", report.ID, err)
	}
	return result, nil
}

func (o *Orchestrator) processRow(ctx context.Context, r *run, i int) *rowOutcome {
	row := r.report.Rows[i]
	id := rowID(row, i)
	ctx = rxnorm.WithRow(ctx, id)

	if isBlank(row.EscriptNDC) {
		return &rowOutcome{excluded: ExcludedNoEscriptNDC}
	}
	if isCompound(row) {
		return &rowOutcome{excluded: ExcludedCompound}
	}

	eRxCUI, err := o.resolveNDC(ctx, r.cache, row.EscriptNDC)
	if err != nil {
		return o.lookupFailed(id, row.EscriptNDC, err)
	}
	var dRxCUI string
	if !isBlank(row.DispensedNDC) {
		if dRxCUI, err = o.resolveNDC(ctx, r.cache, row.DispensedNDC); err != nil {
			return o.lookupFailed(id, row.DispensedNDC, err)
		}
	}
	return o.reconcileRow(ctx, r, row, id, eRxCUI, dRxCUI)
}

func (o *Orchestrator) lookupFailed(id, ndc string, err error) *rowOutcome {
	ndc = strings.TrimSpace(ndc)
	o.logger.Warn("ndc lookup failed",
		zap.String("row", id),
		zap.String("ndc", ndc),
		zap.Error(err))
	return &rowOutcome{lookupErr: fmt.Sprintf("An error occured for NDC %s: %v", ndc, err)}
}

func (o *Orchestrator) reconcileRow(ctx context.Context, r *run, row InputRow, id, eRxCUI, dRxCUI string) *rowOutcome {
	eConcept, err := o.conceptFor(ctx, r, eRxCUI)
	var dConcept *concept.Concept
	if err == nil {
		dConcept, err = o.conceptFor(ctx, r, dRxCUI)
	}
	if err != nil {
		o.logger.Warn("concept resolution failed",
			zap.String("row", id),
			zap.String("escript_rxcui", eRxCUI),
			zap.String("dispensed_rxcui", dRxCUI),
			zap.Error(err))
		return &rowOutcome{reconcileErr: fmt.Sprintf("An error occured for RxCUI %s at %s: %v", eRxCUI, id, err)}
	}

	escript := reconcile.Side{NDC: rxnorm.NormalizeNDC(row.EscriptNDC), RxCUI: eRxCUI, Concept: eConcept}
	dispensed := reconcile.Side{RxCUI: dRxCUI, Concept: dConcept}
	if !isBlank(row.DispensedNDC) {
		dispensed.NDC = rxnorm.NormalizeNDC(row.DispensedNDC)
	}

	verdict, ok := o.engine.Reconcile(escript, dispensed)
	if !ok {
		return &rowOutcome{excluded: ExcludedIncomplete, verdict: verdict}
	}

	flags := verdict.Flags()
	return &rowOutcome{
		verdict: verdict,
		row: &OutputRow{
			RecordID:             r.report.ID + id,
			ReportID:             r.report.ID,
			DataAccessGroup:      r.report.DataAccessGroup,
			ReportRowNumber:      id,
			MatchStatus:          verdict.Code(),
			IngredientMismatch:   flags[0],
			StrengthMismatch:     flags[1],
			DoseFormMismatch:     flags[2],
			IdentityDiffers:      flags[3],
			ErxNDC:               row.EscriptNDC,
			ErxIngredient:        eConcept.IngredientText(),
			ErxDoseForm:          eConcept.DoseFormText(),
			ErxStrength:          eConcept.StrengthText(),
			MedicationPrescribed: row.EscriptItem,
			MedicationDispensed:  row.DispensedItem,
			PharmNDC:             row.DispensedNDC,
			PharmIngredient:      dConcept.IngredientText(),
			PharmDoseForm:        strings.ReplaceAll(dConcept.DoseFormText(), "-", " "),
			PharmStrength:        strings.ReplaceAll(dConcept.StrengthText(), ",", ""),
			PageNumber:           row.PageNumber,
		},
	}
}

// resolveNDC consults the cache before RxNav. A definitive "no mapping"
// answer is cached and returned as an empty RxCUI.
func (o *Orchestrator) resolveNDC(ctx context.Context, cache *concept.Cache, ndc string) (string, error) {
	key := rxnorm.NormalizeNDC(ndc)
	if rxcui, ok := cache.RxCUI(key); ok {
		return rxcui, nil
	}
	rxcui, err := o.ndc.ResolveNDC(ctx, key)
	if errors.Is(err, rxnorm.ErrNotFound) {
		cache.PutRxCUI(key, "")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	cache.PutRxCUI(key, rxcui)
	return rxcui, nil
}

// conceptFor looks rxcui up in the cache, then the store, then RxNav.
// An unknown RxCUI yields a nil concept.
func (o *Orchestrator) conceptFor(ctx context.Context, r *run, rxcui string) (*concept.Concept, error) {
	rxcui = strings.TrimSpace(rxcui)
	if rxcui == "" {
		return nil, nil
	}
	if c, ok := r.cache.Concept(rxcui); ok {
		return c, nil
	}

	if o.store != nil {
		c, err := o.store.Lookup(ctx, rxcui)
		switch {
		case err == nil:
			r.cache.PutConcept(c)
			return c, nil
		case !errors.Is(err, concept.ErrNotStored):
			o.logger.Warn("concept store lookup failed",
				zap.String("rxcui", rxcui),
				zap.Error(err))
		}
	}

	c, err := o.concepts.Canonicalize(ctx, rxcui)
	if errors.Is(err, rxnorm.ErrNotFound) {
		r.cache.PutMissingConcept(rxcui)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.cache.PutConcept(c)
	r.remember(c)
	return c, nil
}

func (r *run) remember(c *concept.Concept) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fresh[c.RxCUI] = c
}

func (r *run) freshConcepts() []*concept.Concept {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*concept.Concept, 0, len(r.fresh))
	for _, c := range r.fresh {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RxCUI < out[j].RxCUI })
	return out
}

// rowID returns the row's own id or its one-based position
func rowID(row InputRow, i int) string {
	if id := strings.TrimSpace(row.RowID); id != "" {
		return id
	}
	return strconv.Itoa(i + 1)
}
