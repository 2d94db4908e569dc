package concept

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/rxnorm"
)

// MaxRemapDepth bounds how many remap links are followed from one RxCUI
const MaxRemapDepth = 3

var (
	// ErrMalformedConcept is returned when a concept record lacks a field its term type requires
	ErrMalformedConcept = fmt.Errorf("malformed concept: %w", rxnorm.ErrMalformedResponse)
	// ErrRemapLoop is returned when remap links cycle or exceed MaxRemapDepth
	ErrRemapLoop = fmt.Errorf("remap chain loops or is too deep: %w", rxnorm.ErrMalformedResponse)
)

// HistoryFetcher returns the historystatus record of an RxCUI
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, rxcui string) (*rxnorm.HistoryStatus, error)
}

// components is what a term type handler extracts from one record
type components struct {
	ingredients    []string
	doseForms      []string
	strengths      []Strength
	companionRxCUI string
}

type extractor func(h *rxnorm.HistoryStatus) (components, error)

// extractors maps every term type to its extraction rule
var extractors = map[TermType]extractor{
	TermTypeSCD:     clinicalDrug,
	TermTypeSBD:     brandedDrug,
	TermTypeGPCK:    packDrug,
	TermTypeBPCK:    packDrug,
	TermTypeIN:      nameOnly,
	TermTypePIN:     nameOnly,
	TermTypeMIN:     groupedDrug,
	TermTypeSCDG:    groupedDrug,
	TermTypeSBDG:    groupedDrug,
	TermTypeSBDC:    groupedDrug,
	TermTypeSCDC:    clinicalComponent,
	TermTypeSCDF:    clinicalForm,
	TermTypeOCD:     blank,
	TermTypeUnknown: blank,
}

// Canonicalizer builds Concepts from RxNav history records
type Canonicalizer struct {
	fetcher HistoryFetcher
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewCanonicalizer creates a Canonicalizer
func NewCanonicalizer(fetcher HistoryFetcher, logger *zap.Logger) *Canonicalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Canonicalizer{
		fetcher: fetcher,
		logger:  logger,
		tracer:  otel.Tracer("concept-canonicalizer"),
	}
}

// Canonicalize fetches rxcui and returns its canonical Concept, following
// remap links and resolving the generic companion one level deep.
func (c *Canonicalizer) Canonicalize(ctx context.Context, rxcui string) (*Concept, error) {
	ctx, span := c.tracer.Start(ctx, "concept.canonicalize",
		trace.WithAttributes(attribute.String("rxcui", rxcui)))
	defer span.End()

	out, err := c.walk(ctx, strings.TrimSpace(rxcui), 0, map[string]struct{}{}, true)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("tty", out.TermType.String()))
	return out, nil
}

func (c *Canonicalizer) walk(ctx context.Context, rxcui string, depth int, seen map[string]struct{}, withCompanion bool) (*Concept, error) {
	if _, ok := seen[rxcui]; ok || depth > MaxRemapDepth {
		return nil, fmt.Errorf("%w: at rxcui %s after %d links", ErrRemapLoop, rxcui, depth)
	}
	seen[rxcui] = struct{}{}

	h, err := c.fetcher.FetchHistory(ctx, rxcui)
	if err != nil {
		return nil, err
	}
	if h == nil || strings.TrimSpace(h.Attributes.Name) == "" {
		return nil, fmt.Errorf("%w: rxcui %s has no name", ErrMalformedConcept, rxcui)
	}

	out := &Concept{
		RxCUI:    rxcui,
		Name:     h.Attributes.Name,
		TermType: ParseTermType(h.Attributes.TTY),
		Status:   h.MetaData.Status,
	}

	switch h.MetaData.Status {
	case rxnorm.StatusRemapped:
		if len(h.DerivedConcepts.RemappedConcept) == 0 || h.DerivedConcepts.RemappedConcept[0].RemappedRxCUI == "" {
			return nil, fmt.Errorf("%w: remapped rxcui %s has no target", ErrMalformedConcept, rxcui)
		}
		target, err := c.walk(ctx, h.DerivedConcepts.RemappedConcept[0].RemappedRxCUI, depth+1, seen, withCompanion)
		if err != nil {
			return nil, err
		}
		out.Ingredients = target.Ingredients
		out.DoseForms = target.DoseForms
		out.Strengths = target.Strengths
		out.Companion = target.Companion
		out.RemappedTo = target.RxCUI
		if target.RemappedTo != "" {
			out.RemappedTo = target.RemappedTo
		}
		c.logger.Debug("followed remap",
			zap.String("rxcui", rxcui),
			zap.String("remapped_to", out.RemappedTo))
		return out, nil
	case rxnorm.StatusNotCurrent:
		return out, nil
	}

	comps, err := extractors[out.TermType](h)
	if err != nil {
		return nil, fmt.Errorf("rxcui %s (%s): %w", rxcui, out.TermType, err)
	}
	out.Ingredients = comps.ingredients
	out.DoseForms = comps.doseForms
	out.Strengths = comps.strengths

	if withCompanion && comps.companionRxCUI != "" {
		companion, err := c.walk(ctx, comps.companionRxCUI, 0, map[string]struct{}{}, false)
		switch {
		case errors.Is(err, rxnorm.ErrNotFound):
			c.logger.Warn("companion concept not found",
				zap.String("rxcui", rxcui),
				zap.String("companion", comps.companionRxCUI))
		case err != nil:
			return nil, fmt.Errorf("companion of %s: %w", rxcui, err)
		default:
			out.Companion = companion
		}
	}
	return out, nil
}

func clinicalDrug(h *rxnorm.HistoryStatus) (components, error) {
	return drugComponents(h, true)
}

func brandedDrug(h *rxnorm.HistoryStatus) (components, error) {
	comps, err := drugComponents(h, true)
	if err != nil {
		return comps, err
	}
	if scd := h.DerivedConcepts.SCDConcept; scd != nil {
		comps.companionRxCUI = scd.SCDConceptRxCUI
	}
	return comps, nil
}

func packDrug(h *rxnorm.HistoryStatus) (components, error) {
	comps, err := drugComponents(h, false)
	if err != nil {
		return comps, err
	}
	if packs := h.Pack.PackConcept; len(packs) > 0 {
		comps.companionRxCUI = packs[0].PackRxCUI
	}
	return comps, nil
}

// drugComponents extracts ingredients, dose forms and strengths of a drug.
// Single-ingredient drugs use only the first definitional entry; strict
// requires that entry to be present.
func drugComponents(h *rxnorm.HistoryStatus, strict bool) (components, error) {
	entries := h.DefinitionalFeatures.IngredientAndStrength
	comps := components{doseForms: doseForms(h)}

	if !h.Attributes.MultipleIngredient() && len(entries) > 0 {
		comps.ingredients = nonEmpty(entries[0].ActiveIngredientName)
		comps.strengths = []Strength{strengthOf(entries[0])}
		return comps, nil
	}
	if !h.Attributes.MultipleIngredient() && strict {
		return comps, fmt.Errorf("%w: no ingredient and strength", ErrMalformedConcept)
	}

	comps.ingredients, comps.strengths = allIngredientStrengths(h)
	return comps, nil
}

func groupedDrug(h *rxnorm.HistoryStatus) (components, error) {
	ingredients, strengths := allIngredientStrengths(h)
	return components{
		ingredients: ingredients,
		doseForms:   doseForms(h),
		strengths:   strengths,
	}, nil
}

func nameOnly(h *rxnorm.HistoryStatus) (components, error) {
	return components{ingredients: nonEmpty(h.Attributes.Name)}, nil
}

func clinicalComponent(h *rxnorm.HistoryStatus) (components, error) {
	entries := h.DefinitionalFeatures.IngredientAndStrength
	if len(entries) == 0 {
		return components{}, fmt.Errorf("%w: no ingredient and strength", ErrMalformedConcept)
	}
	return components{
		ingredients: nonEmpty(entries[0].BaseName),
		strengths:   []Strength{strengthOf(entries[0])},
	}, nil
}

func clinicalForm(h *rxnorm.HistoryStatus) (components, error) {
	comps := components{doseForms: doseForms(h)}
	if ic := h.DerivedConcepts.IngredientConcept; len(ic) > 0 {
		comps.ingredients = nonEmpty(ic[0].IngredientName)
	}
	return comps, nil
}

func blank(*rxnorm.HistoryStatus) (components, error) {
	return components{}, nil
}

// doseForms lists the dose form name followed by its groups
func doseForms(h *rxnorm.HistoryStatus) []string {
	var out []string
	if dfc := h.DefinitionalFeatures.DoseFormConcept; len(dfc) > 0 && dfc[0].DoseFormName != "" {
		out = append(out, dfc[0].DoseFormName)
	}
	for _, g := range h.DefinitionalFeatures.DoseFormGroupConcept {
		if g.DoseFormGroupName != "" {
			out = append(out, g.DoseFormGroupName)
		}
	}
	return out
}

// allIngredientStrengths pairs every named definitional entry with its
// strength. Without named entries the derived ingredient is used and each
// strength is N/A.
func allIngredientStrengths(h *rxnorm.HistoryStatus) ([]string, []Strength) {
	var (
		ingredients []string
		strengths   []Strength
	)
	for _, e := range h.DefinitionalFeatures.IngredientAndStrength {
		if strings.TrimSpace(e.ActiveIngredientName) == "" {
			continue
		}
		ingredients = append(ingredients, e.ActiveIngredientName)
		strengths = append(strengths, strengthOf(e))
	}
	if len(ingredients) > 0 {
		return ingredients, strengths
	}

	if ic := h.DerivedConcepts.IngredientConcept; len(ic) > 0 {
		ingredients = nonEmpty(ic[0].IngredientName)
	}
	strengths = []Strength{NotApplicable()}
	for i := 1; i < len(ingredients); i++ {
		strengths = append(strengths, NotApplicable())
	}
	return ingredients, strengths
}

func strengthOf(e rxnorm.IngredientStrength) Strength {
	return Strength{
		NumeratorValue:   e.NumeratorValue,
		NumeratorUnit:    e.NumeratorUnit,
		DenominatorValue: e.DenominatorValue,
		DenominatorUnit:  e.DenominatorUnit,
	}
}

func nonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return []string{s}
}
