package reconcile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxrecon/internal/concept"
)

const (
	oralTabletText  = "Oral Tablet, Oral Product, Pill"
	oralCapsuleText = "Oral Capsule, Oral Product, Pill"
)

func drug(rxcui string, tty concept.TermType, ingredient, doseForm, strength string) *concept.Concept {
	c := &concept.Concept{RxCUI: rxcui, Name: ingredient, TermType: tty}
	if ingredient != "" {
		c.Ingredients = []string{ingredient}
	}
	if doseForm != "" {
		c.DoseForms = strings.Split(doseForm, concept.ListSeparator)
	}
	if strength != "" {
		c.Strengths = []concept.Strength{concept.ParseStrength(strength)}
	}
	return c
}

func side(ndc string, c *concept.Concept) Side {
	return Side{NDC: ndc, RxCUI: c.RxCUI, Concept: c}
}

func TestIdenticalNDC(t *testing.T) {
	e := NewEngine(nil)
	c := drug("1", concept.TermTypeSCD, "", "", "")

	v, ok := e.Reconcile(side("00000000000", c), side("00000000000", drug("2", concept.TermTypeSCD, "", "", "")))
	require.True(t, ok)
	assert.Equal(t, "2", v.Code())
	assert.Equal(t, RuleNDCIdentity, v.Rule)
	assert.Equal(t, [4]string{"0", "0", "0", "0"}, v.Flags())
}

func TestIdenticalRxCUI(t *testing.T) {
	e := NewEngine(nil)
	a := drug("198440", concept.TermTypeSCD, "acetaminophen", oralTabletText, "500 MG/1 EACH")
	b := drug("198440", concept.TermTypeSCD, "APAP", "Oral Capsule", "650 MG/1 EACH")

	for _, pair := range [][2]*concept.Concept{{a, b}, {b, a}} {
		v, ok := e.Reconcile(side("1", pair[0]), side("2", pair[1]))
		require.True(t, ok)
		assert.Equal(t, StatusExactIdentity, v.Status)
		assert.Equal(t, RuleRxCUIIdentity, v.Rule)
		assert.Equal(t, [4]string{"0", "0", "0", "0"}, v.Flags())
	}
}

func TestEmptyRxCUIsAreNotIdentical(t *testing.T) {
	e := NewEngine(nil)
	a := drug("", concept.TermTypeSCD, "a", oralTabletText, "1 MG/1 EACH")
	b := drug("", concept.TermTypeSCD, "b", oralTabletText, "1 MG/1 EACH")

	v, ok := e.Reconcile(side("1", a), side("2", b))
	require.True(t, ok)
	assert.Equal(t, StatusMismatch, v.Status)
	assert.True(t, v.IngredientMismatch)
}

func TestIngredientSynonym(t *testing.T) {
	e := NewEngine(nil)
	a := drug("1", concept.TermTypeSCD, "hydroxyzine pamoate", oralCapsuleText, "25 MG/1 EACH")
	b := drug("2", concept.TermTypeSCD, "hydroxyzine hydrochloride", oralCapsuleText, "25 MG/1 EACH")

	v, ok := e.Reconcile(side("1", a), side("2", b))
	require.True(t, ok)
	assert.False(t, v.IngredientMismatch)
	assert.Equal(t, "2", v.Code())
	assert.Equal(t, StatusComponentEquivalent, v.Status)
	assert.True(t, v.ComponentsMatchButIdentityDiffers)

	// symmetric
	v, _ = e.Reconcile(side("2", b), side("1", a))
	assert.False(t, v.IngredientMismatch)
}

func TestStrengthRatioDoubled(t *testing.T) {
	e := NewEngine(nil)
	a := drug("1", concept.TermTypeSCD, "ondansetron", "Oral Solution, Oral Product, Oral Liquid Product", "10 MG/1 ML")
	b := drug("2", concept.TermTypeSCD, "ondansetron", "Oral Solution, Oral Product, Oral Liquid Product", "20 MG/1 ML")

	v, ok := e.Reconcile(side("1", a), side("2", b))
	require.True(t, ok)
	assert.False(t, v.StrengthMismatch)

	c := drug("3", concept.TermTypeSCD, "ondansetron", "Oral Solution, Oral Product, Oral Liquid Product", "30 MG/1 ML")
	v, _ = e.Reconcile(side("1", a), side("3", c))
	assert.True(t, v.StrengthMismatch)
	assert.Equal(t, "1", v.Code())
}

func TestScheduleIIRequiresExactMatch(t *testing.T) {
	e := NewEngine(nil)
	a := drug("1", concept.TermTypeSCD, "oxycodone", oralTabletText, "5 MG/1 EACH")
	b := drug("2", concept.TermTypeSCD, "Oxycodone ", oralTabletText, "5 MG/1 EACH")

	v, ok := e.Reconcile(side("1", a), side("2", b))
	require.True(t, ok)
	assert.False(t, v.IngredientMismatch, "whitespace and case are normalized")
	assert.Equal(t, "2", v.Code())

	doubled := drug("3", concept.TermTypeSCD, "oxycodone", oralTabletText, "10 MG/1 EACH")
	v, _ = e.Reconcile(side("1", a), side("3", doubled))
	assert.True(t, v.StrengthMismatch, "ratio rule does not apply to controlled substances")
}

func TestScheduleIIDisablesSynonyms(t *testing.T) {
	tables, err := LoadTables(strings.NewReader(`
ingredient_synonyms:
  - ["morphine", "morphine sulfate"]
schedule_ii: ["morphine"]
`))
	require.NoError(t, err)
	e := NewEngine(tables)

	a := drug("1", concept.TermTypeSCD, "morphine", oralTabletText, "15 MG/1 EACH")
	b := drug("2", concept.TermTypeSCD, "morphine sulfate", oralTabletText, "15 MG/1 EACH")
	v, _ := e.Reconcile(side("1", a), side("2", b))
	assert.True(t, v.IngredientMismatch)
}

func TestScheduleIIMultiIngredient(t *testing.T) {
	tables := DefaultTables()
	assert.True(t, tables.IsScheduleII("acetaminophen, hydrocodone bitartrate"))
	assert.True(t, tables.IsScheduleII("oxycodone hydrochloride, oxycodone terephthalate"))
	assert.False(t, tables.IsScheduleII("acetaminophen"))
	assert.False(t, tables.IsScheduleII(""))
}

func TestBlankDispensedDoseFormIsExcluded(t *testing.T) {
	e := NewEngine(nil)
	a := drug("1", concept.TermTypeSCD, "ibuprofen", oralTabletText, "200 MG/1 EACH")
	b := drug("2", concept.TermTypeSCD, "ibuprofen", "", "200 MG/1 EACH")

	v, ok := e.Reconcile(side("1", a), side("2", b))
	assert.False(t, ok)
	assert.Equal(t, StatusIndeterminate, v.Status)
	assert.Equal(t, RuleCompleteness, v.Rule)
	assert.Empty(t, v.Code())
}

func TestNilConceptIsExcluded(t *testing.T) {
	e := NewEngine(nil)
	a := drug("1", concept.TermTypeSCD, "ibuprofen", oralTabletText, "200 MG/1 EACH")

	_, ok := e.Reconcile(side("1", a), Side{NDC: "2"})
	assert.False(t, ok)
}

func TestCompanionIdentity(t *testing.T) {
	e := NewEngine(nil)
	generic := drug("198440", concept.TermTypeSCD, "acetaminophen", oralTabletText, "500 MG/1 EACH")
	brand := drug("209387", concept.TermTypeSBD, "acetaminophen", oralTabletText, "500 MG/1 EACH")
	brand.Companion = generic

	v, ok := e.Reconcile(side("1", brand), side("2", generic))
	require.True(t, ok)
	assert.Equal(t, "3", v.Code())
	assert.Equal(t, RuleCompanionIdentity, v.Rule)

	otherBrand := drug("999", concept.TermTypeSBD, "acetaminophen", oralTabletText, "500 MG/1 EACH")
	otherBrand.Companion = generic
	v, _ = e.Reconcile(side("1", brand), side("3", otherBrand))
	assert.Equal(t, StatusCompanionIdentity, v.Status)

	// a generic prescription never takes the companion shortcut
	v, _ = e.Reconcile(side("2", generic), side("1", brand))
	assert.Equal(t, StatusComponentEquivalent, v.Status)
}

func TestComponentsUseCompanions(t *testing.T) {
	e := NewEngine(nil)
	brand := drug("10", concept.TermTypeSBD, "Brand Name", oralTabletText, "5 MG/1 EACH")
	brand.Companion = drug("11", concept.TermTypeSCD, "amlodipine", oralTabletText, "5 MG/1 EACH")
	dispensed := drug("12", concept.TermTypeSCD, "amlodipine", oralTabletText, "5 MG/1 EACH")

	v, ok := e.Reconcile(side("1", brand), side("2", dispensed))
	require.True(t, ok)
	assert.False(t, v.IngredientMismatch)
	assert.Equal(t, "2", v.Code())
}

func TestDoseFormEquivalenceIsSymmetric(t *testing.T) {
	e := NewEngine(nil)
	a := drug("1", concept.TermTypeSCD, "x", "Topical Cream, Topical Product", "1 MG/1 G")
	b := drug("2", concept.TermTypeSCD, "x", "Topical Ointment, Topical Product", "1 MG/1 G")

	v, _ := e.Reconcile(side("1", a), side("2", b))
	assert.False(t, v.DoseFormMismatch)
	v, _ = e.Reconcile(side("2", b), side("1", a))
	assert.False(t, v.DoseFormMismatch)
}

func TestSpecialDoseFormIsDirected(t *testing.T) {
	e := NewEngine(nil)
	otic := drug("1", concept.TermTypeSCD, "ofloxacin", "Otic Solution, Otic Product", "3 MG/1 ML")
	eye := drug("2", concept.TermTypeSCD, "ofloxacin", "Ophthalmic Solution, Ophthalmic Product", "3 MG/1 ML")

	v, _ := e.Reconcile(side("1", otic), side("2", eye))
	assert.False(t, v.DoseFormMismatch)

	v, _ = e.Reconcile(side("2", eye), side("1", otic))
	assert.True(t, v.DoseFormMismatch)
}

func TestAspirinDelayedRelease(t *testing.T) {
	e := NewEngine(nil)
	plain := drug("1", concept.TermTypeSCD, "aspirin", oralTabletText, "81 MG/1 EACH")
	coated := drug("2", concept.TermTypeSCD, "aspirin", "Delayed Release Oral Tablet, Oral Product, Pill", "81 MG/1 EACH")

	v, _ := e.Reconcile(side("1", plain), side("2", coated))
	assert.False(t, v.DoseFormMismatch)

	v, _ = e.Reconcile(side("2", coated), side("1", plain))
	assert.True(t, v.DoseFormMismatch)

	other := drug("3", concept.TermTypeSCD, "omeprazole", oralCapsuleText, "20 MG/1 EACH")
	otherDR := drug("4", concept.TermTypeSCD, "omeprazole", "Delayed Release Oral Capsule, Oral Product, Pill", "20 MG/1 EACH")
	v, _ = e.Reconcile(side("3", other), side("4", otherDR))
	assert.True(t, v.DoseFormMismatch)
}

func TestOndansetronDisintegrating(t *testing.T) {
	e := NewEngine(nil)
	a := drug("1", concept.TermTypeSCD, "ondansetron hydrochloride", oralTabletText, "4 MG/1 EACH")
	b := drug("2", concept.TermTypeSCD, "ondansetron hydrochloride",
		"Disintegrating Oral Tablet, Oral Product, Pill, Distintegrating Oral Product", "4 MG/1 EACH")

	v, _ := e.Reconcile(side("1", a), side("2", b))
	assert.False(t, v.DoseFormMismatch)
	assert.Equal(t, "2", v.Code())
}

func TestChewableIngredients(t *testing.T) {
	e := NewEngine(nil)
	chew := drug("1", concept.TermTypeSCD, "loratadine", "Chewable Tablet, Oral Product, Pill, Chewable Product", "5 MG/1 EACH")
	tab := drug("2", concept.TermTypeSCD, "loratadine", oralTabletText, "5 MG/1 EACH")

	v, _ := e.Reconcile(side("1", chew), side("2", tab))
	assert.False(t, v.DoseFormMismatch)
	v, _ = e.Reconcile(side("2", tab), side("1", chew))
	assert.False(t, v.DoseFormMismatch)

	notListed := drug("3", concept.TermTypeSCD, "ibuprofen", "Chewable Tablet, Oral Product, Pill", "100 MG/1 EACH")
	notListedTab := drug("4", concept.TermTypeSCD, "ibuprofen", oralTabletText, "100 MG/1 EACH")
	v, _ = e.Reconcile(side("3", notListed), side("4", notListedTab))
	assert.True(t, v.DoseFormMismatch)
}

func TestMelatoninStrengthExempt(t *testing.T) {
	e := NewEngine(nil)
	a := drug("1", concept.TermTypeSCD, "melatonin", oralTabletText, "3 MG/1 EACH")
	b := drug("2", concept.TermTypeSCD, "melatonin", oralTabletText, "10 MG/1 EACH")

	v, _ := e.Reconcile(side("1", a), side("2", b))
	assert.False(t, v.StrengthMismatch)
}

func TestInfluenzaPrefix(t *testing.T) {
	e := NewEngine(nil)
	a := drug("1", concept.TermTypeSCD, "influenza A virus A/Victoria/2570/2019 (H1N1) antigen", "Injectable Suspension, Injectable Product", "0.015 MG/1 ML")
	b := drug("2", concept.TermTypeSCD, "influenza A virus A/Darwin/9/2021 (H3N2) antigen", "Prefilled Syringe, Injectable Product", "0.015 MG/1 ML")

	v, _ := e.Reconcile(side("1", a), side("2", b))
	assert.False(t, v.IngredientMismatch)
	assert.True(t, v.DoseFormMismatch)
}

func TestEveryEquivalencePairIsSymmetric(t *testing.T) {
	tables := DefaultTables()
	for p := range tables.doseFormEquivalents {
		assert.True(t, tables.EquivalentDoseForms(p.b, p.a), "%s / %s", p.a, p.b)
	}
	for p := range tables.ingredientSynonyms {
		assert.True(t, tables.EquivalentIngredients(p.b, p.a), "%s / %s", p.a, p.b)
	}
}

func TestRuleOrder(t *testing.T) {
	assert.Equal(t, []string{
		RuleNDCIdentity, RuleRxCUIIdentity, RuleCompanionIdentity, RuleCompleteness, RuleComponents,
	}, NewEngine(nil).RuleNames())
}
