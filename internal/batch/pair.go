package batch

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/concept"
	"github.com/drfirst/go-rxrecon/internal/reconcile"
	"github.com/drfirst/go-rxrecon/internal/rxnorm"
)

// PairSide is one resolved half of a single reconciliation
type PairSide struct {
	NDC     string           `json:"ndc"`
	RxCUI   string           `json:"rxcui"`
	Concept *concept.Concept `json:"concept,omitempty"`
}

// PairResult is the outcome of reconciling one NDC pair
type PairResult struct {
	Escript   PairSide          `json:"escript"`
	Dispensed PairSide          `json:"dispensed"`
	Verdict   reconcile.Verdict `json:"verdict"`
	// MatchStatus is empty when the pair was excluded for incompleteness
	MatchStatus string `json:"match_status"`
	Excluded    bool   `json:"excluded"`
}

// ResolveNDC maps one NDC through cache and resolver. An NDC without a
// mapping yields an empty RxCUI and no error.
func (o *Orchestrator) ResolveNDC(ctx context.Context, ndc string, cache *concept.Cache) (string, error) {
	return o.resolveNDC(ctx, o.cacheOrNew(cache), ndc)
}

// Concept returns the canonical concept of rxcui through cache, store and
// resolver, saving it when it was newly resolved. Unknown RxCUIs yield nil.
func (o *Orchestrator) Concept(ctx context.Context, rxcui string, cache *concept.Cache) (*concept.Concept, error) {
	r := &run{cache: o.cacheOrNew(cache), fresh: make(map[string]*concept.Concept)}
	c, err := o.conceptFor(ctx, r, rxcui)
	if err != nil {
		return nil, err
	}
	o.saveFresh(ctx, r)
	return c, nil
}

// Reconcile resolves and compares one prescribed/dispensed NDC pair
func (o *Orchestrator) Reconcile(ctx context.Context, escriptNDC, dispensedNDC string, cache *concept.Cache) (*PairResult, error) {
	ctx, span := o.tracer.Start(ctx, "batch.reconcile_pair",
		trace.WithAttributes(
			attribute.String("escript_ndc", escriptNDC),
			attribute.String("dispensed_ndc", dispensedNDC),
		))
	defer span.End()

	r := &run{cache: o.cacheOrNew(cache), fresh: make(map[string]*concept.Concept)}
	out := &PairResult{
		Escript: PairSide{NDC: rxnorm.NormalizeNDC(escriptNDC)},
	}
	if !isBlank(dispensedNDC) {
		out.Dispensed.NDC = rxnorm.NormalizeNDC(dispensedNDC)
	}

	var err error
	if out.Escript.RxCUI, err = o.resolveNDC(ctx, r.cache, escriptNDC); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("resolve ndc %s: %w", strings.TrimSpace(escriptNDC), err)
	}
	if out.Dispensed.NDC != "" {
		if out.Dispensed.RxCUI, err = o.resolveNDC(ctx, r.cache, dispensedNDC); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("resolve ndc %s: %w", strings.TrimSpace(dispensedNDC), err)
		}
	}
	if out.Escript.Concept, err = o.conceptFor(ctx, r, out.Escript.RxCUI); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("resolve rxcui %s: %w", out.Escript.RxCUI, err)
	}
	if out.Dispensed.Concept, err = o.conceptFor(ctx, r, out.Dispensed.RxCUI); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("resolve rxcui %s: %w", out.Dispensed.RxCUI, err)
	}
	o.saveFresh(ctx, r)

	verdict, ok := o.engine.Reconcile(
		reconcile.Side{NDC: out.Escript.NDC, RxCUI: out.Escript.RxCUI, Concept: out.Escript.Concept},
		reconcile.Side{NDC: out.Dispensed.NDC, RxCUI: out.Dispensed.RxCUI, Concept: out.Dispensed.Concept},
	)
	out.Verdict = verdict
	out.Excluded = !ok
	if ok {
		out.MatchStatus = verdict.Code()
		o.observer.ObserveVerdict(verdict)
	} else {
		o.observer.ObserveExclusion(ExcludedIncomplete)
	}
	span.SetAttributes(attribute.String("rule", verdict.Rule))
	return out, nil
}

func (o *Orchestrator) cacheOrNew(cache *concept.Cache) *concept.Cache {
	if cache == nil {
		return concept.NewCache(o.config.CacheCapacity, nil)
	}
	return cache
}

func (o *Orchestrator) saveFresh(ctx context.Context, r *run) {
	fresh := r.freshConcepts()
	if o.store == nil || len(fresh) == 0 {
		return
	}
	if err := o.store.Save(ctx, fresh); err != nil {
		o.logger.Warn("failed to save resolved concepts",
			zap.Int("concepts", len(fresh)),
			zap.Error(err))
	}
}
