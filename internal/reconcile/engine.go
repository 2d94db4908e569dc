package reconcile

import (
	"strings"

	"github.com/drfirst/go-rxrecon/internal/concept"
)

// Rule names, in evaluation order
const (
	RuleNDCIdentity       = "ndc-identity"
	RuleRxCUIIdentity     = "rxcui-identity"
	RuleCompanionIdentity = "companion-identity"
	RuleCompleteness      = "completeness"
	RuleComponents        = "components"
)

const (
	chewableTablet = "Chewable Tablet"
	oralTablet     = "Oral Tablet"
)

// Side is one half of a reconciliation: what was prescribed or what was dispensed
type Side struct {
	NDC     string
	RxCUI   string
	Concept *concept.Concept
}

// rule decides a verdict or passes to the next rule
type rule struct {
	name  string
	apply func(e *Engine, escript, dispensed Side) (Verdict, bool)
}

// Engine applies the ordered reconciliation rules
type Engine struct {
	tables *Tables
	rules  []rule
}

// NewEngine creates an Engine. A nil tables uses DefaultTables.
func NewEngine(tables *Tables) *Engine {
	if tables == nil {
		tables = DefaultTables()
	}
	return &Engine{
		tables: tables,
		rules: []rule{
			{RuleNDCIdentity, (*Engine).ndcIdentity},
			{RuleRxCUIIdentity, (*Engine).rxcuiIdentity},
			{RuleCompanionIdentity, (*Engine).companionIdentity},
			{RuleCompleteness, (*Engine).completeness},
			{RuleComponents, (*Engine).components},
		},
	}
}

// Tables returns the engine's lookup tables
func (e *Engine) Tables() *Tables {
	return e.tables
}

// RuleNames lists the rules in evaluation order
func (e *Engine) RuleNames() []string {
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.name
	}
	return out
}

// Reconcile compares the prescribed and dispensed sides. The bool is false
// when the row cannot be scored and must be excluded from the output.
func (e *Engine) Reconcile(escript, dispensed Side) (Verdict, bool) {
	for _, r := range e.rules {
		if v, ok := r.apply(e, escript, dispensed); ok {
			v.Rule = r.name
			return v, v.Status != StatusIndeterminate
		}
	}
	// components always decides
	return Verdict{Status: StatusIndeterminate}, false
}

func (e *Engine) ndcIdentity(escript, dispensed Side) (Verdict, bool) {
	a, b := strings.TrimSpace(escript.NDC), strings.TrimSpace(dispensed.NDC)
	if a != "" && a == b {
		return Verdict{Status: StatusExactIdentity}, true
	}
	return Verdict{}, false
}

func (e *Engine) rxcuiIdentity(escript, dispensed Side) (Verdict, bool) {
	a, b := strings.TrimSpace(escript.RxCUI), strings.TrimSpace(dispensed.RxCUI)
	if a != "" && a == b {
		return Verdict{Status: StatusExactIdentity}, true
	}
	return Verdict{}, false
}

func (e *Engine) companionIdentity(escript, dispensed Side) (Verdict, bool) {
	if escript.Concept == nil || !escript.Concept.TermType.IsBranded() {
		return Verdict{}, false
	}
	eRx, dRx := strings.TrimSpace(escript.RxCUI), strings.TrimSpace(dispensed.RxCUI)
	eComp, dComp := escript.Concept.CompanionRxCUI(), dispensed.Concept.CompanionRxCUI()

	switch {
	case eRx != "" && eRx == dComp,
		eComp != "" && eComp == dRx,
		eComp != "" && eComp == dComp:
		return Verdict{Status: StatusCompanionIdentity}, true
	}
	return Verdict{}, false
}

func (e *Engine) completeness(escript, dispensed Side) (Verdict, bool) {
	if escript.Concept.IsComplete() && dispensed.Concept.IsComplete() {
		return Verdict{}, false
	}
	return Verdict{Status: StatusIndeterminate}, true
}

func (e *Engine) components(escript, dispensed Side) (Verdict, bool) {
	es, ds := candidates(escript.Concept), candidates(dispensed.Concept)
	strict := e.controlled(es) || e.controlled(ds)

	v := Verdict{
		IngredientMismatch: !e.ingredientsMatch(es, ds, strict),
		DoseFormMismatch:   !e.doseFormsMatch(es, ds),
		StrengthMismatch:   !e.strengthsMatch(es, ds, strict),
	}
	if v.IngredientMismatch || v.DoseFormMismatch || v.StrengthMismatch {
		v.Status = StatusMismatch
		return v, true
	}
	v.Status = StatusComponentEquivalent
	v.ComponentsMatchButIdentityDiffers = true
	return v, true
}

// candidate is the rendered text of a concept or its companion
type candidate struct {
	ingredient      string
	doseForm        string
	strength        string
	primaryDoseForm string
}

func candidates(c *concept.Concept) []candidate {
	out := []candidate{render(c)}
	if c != nil && c.Companion != nil {
		out = append(out, render(c.Companion))
	}
	return out
}

func render(c *concept.Concept) candidate {
	return candidate{
		ingredient:      normalize(c.IngredientText()),
		doseForm:        strings.TrimSpace(c.DoseFormText()),
		strength:        strings.TrimSpace(c.StrengthText()),
		primaryDoseForm: strings.TrimSpace(c.PrimaryDoseForm()),
	}
}

// eachPair calls fn for every (prescribed, dispensed) candidate pair until it returns true
func eachPair(es, ds []candidate, fn func(x, y candidate) bool) bool {
	for _, x := range es {
		for _, y := range ds {
			if fn(x, y) {
				return true
			}
		}
	}
	return false
}

func (e *Engine) controlled(cs []candidate) bool {
	for _, c := range cs {
		if e.tables.IsScheduleII(c.ingredient) {
			return true
		}
	}
	return false
}

func (e *Engine) ingredientsMatch(es, ds []candidate, strict bool) bool {
	return eachPair(es, ds, func(x, y candidate) bool {
		if x.ingredient == "" || y.ingredient == "" {
			return false
		}
		if x.ingredient == y.ingredient {
			return true
		}
		return !strict && e.tables.EquivalentIngredients(x.ingredient, y.ingredient)
	})
}

// bothIngredient reports whether some pair has ingredient on both sides
func bothIngredient(es, ds []candidate, ingredient string) bool {
	return eachPair(es, ds, func(x, y candidate) bool {
		return x.ingredient == ingredient && y.ingredient == ingredient
	})
}

func (e *Engine) doseFormsMatch(es, ds []candidate) bool {
	matched := eachPair(es, ds, func(x, y candidate) bool {
		if x.doseForm == "" || y.doseForm == "" {
			return false
		}
		return x.doseForm == y.doseForm ||
			e.tables.EquivalentDoseForms(x.doseForm, y.doseForm) ||
			e.tables.SubstitutableDoseForm(x.doseForm, y.doseForm)
	})
	if matched {
		return true
	}

	for ingredient, subs := range e.tables.ingredientSubstitutions {
		if !bothIngredient(es, ds, ingredient) {
			continue
		}
		if eachPair(es, ds, func(x, y candidate) bool { return subs.has(x.doseForm, y.doseForm) }) {
			return true
		}
	}

	return eachPair(es, ds, func(x, y candidate) bool {
		if x.ingredient == "" || x.ingredient != y.ingredient || !e.tables.chewable.has(x.ingredient) {
			return false
		}
		return (x.primaryDoseForm == chewableTablet && y.primaryDoseForm == oralTablet) ||
			(x.primaryDoseForm == oralTablet && y.primaryDoseForm == chewableTablet)
	})
}

func (e *Engine) strengthsMatch(es, ds []candidate, strict bool) bool {
	exact := eachPair(es, ds, func(x, y candidate) bool {
		return x.strength != "" && normalize(x.strength) == normalize(y.strength)
	})
	if exact || strict {
		return exact
	}

	if eachPair(es, ds, func(x, y candidate) bool {
		return x.strength != "" && y.strength != "" && equivalentStrengths(x.strength, y.strength)
	}) {
		return true
	}

	for ingredient := range e.tables.strengthExempt {
		if bothIngredient(es, ds, ingredient) {
			return true
		}
	}
	return false
}
