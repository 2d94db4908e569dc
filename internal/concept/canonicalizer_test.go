package concept

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxrecon/internal/rxnorm"
)

type fixtureFetcher struct {
	records map[string]*rxnorm.HistoryStatus
	calls   map[string]int
}

func newFixtureFetcher() *fixtureFetcher {
	return &fixtureFetcher{
		records: make(map[string]*rxnorm.HistoryStatus),
		calls:   make(map[string]int),
	}
}

func (f *fixtureFetcher) FetchHistory(_ context.Context, rxcui string) (*rxnorm.HistoryStatus, error) {
	f.calls[rxcui]++
	h, ok := f.records[rxcui]
	if !ok {
		return nil, &rxnorm.LookupError{Op: "fetch history", Key: rxcui, Err: rxnorm.ErrNotFound}
	}
	return h, nil
}

func (f *fixtureFetcher) add(rxcui, name, tty string, opts ...func(*rxnorm.HistoryStatus)) {
	h := &rxnorm.HistoryStatus{
		MetaData:   rxnorm.MetaData{Status: rxnorm.StatusActive},
		Attributes: rxnorm.Attributes{RxCUI: rxcui, Name: name, TTY: tty, IsMultipleIngredient: "NO"},
	}
	for _, opt := range opts {
		opt(h)
	}
	f.records[rxcui] = h
}

func ingredient(name, num, numUnit, den, denUnit string) func(*rxnorm.HistoryStatus) {
	return func(h *rxnorm.HistoryStatus) {
		h.DefinitionalFeatures.IngredientAndStrength = append(h.DefinitionalFeatures.IngredientAndStrength,
			rxnorm.IngredientStrength{
				BaseName:             name,
				ActiveIngredientName: name,
				NumeratorValue:       num,
				NumeratorUnit:        numUnit,
				DenominatorValue:     den,
				DenominatorUnit:      denUnit,
			})
	}
}

func doseForm(name string, groups ...string) func(*rxnorm.HistoryStatus) {
	return func(h *rxnorm.HistoryStatus) {
		if name != "" {
			h.DefinitionalFeatures.DoseFormConcept = []rxnorm.DoseFormConcept{{DoseFormName: name}}
		}
		for _, g := range groups {
			h.DefinitionalFeatures.DoseFormGroupConcept = append(h.DefinitionalFeatures.DoseFormGroupConcept,
				rxnorm.DoseFormGroup{DoseFormGroupName: g})
		}
	}
}

func multi(h *rxnorm.HistoryStatus) { h.Attributes.IsMultipleIngredient = "YES" }

func scd(rxcui string) func(*rxnorm.HistoryStatus) {
	return func(h *rxnorm.HistoryStatus) {
		h.DerivedConcepts.SCDConcept = &rxnorm.SCDConcept{SCDConceptRxCUI: rxcui}
	}
}

func remappedTo(rxcui string) func(*rxnorm.HistoryStatus) {
	return func(h *rxnorm.HistoryStatus) {
		h.MetaData.Status = rxnorm.StatusRemapped
		h.DerivedConcepts.RemappedConcept = []rxnorm.RemappedConcept{{RemappedRxCUI: rxcui}}
	}
}

func TestCanonicalizeClinicalDrug(t *testing.T) {
	f := newFixtureFetcher()
	f.add("198440", "acetaminophen 500 MG Oral Tablet", "SCD",
		ingredient("acetaminophen", "500", "MG", "1", "EACH"),
		doseForm("Oral Tablet", "Oral Product", "Pill"))

	c, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "198440")
	require.NoError(t, err)

	assert.Equal(t, TermTypeSCD, c.TermType)
	assert.Equal(t, "acetaminophen", c.IngredientText())
	assert.Equal(t, "Oral Tablet, Oral Product, Pill", c.DoseFormText())
	assert.Equal(t, "500 MG/1 EACH", c.StrengthText())
	assert.Nil(t, c.Companion)
	assert.True(t, c.IsComplete())
}

func TestCanonicalizeSingleIngredientUsesFirstEntry(t *testing.T) {
	f := newFixtureFetcher()
	f.add("1", "x", "SCD",
		ingredient("first", "1", "MG", "1", "EACH"),
		ingredient("second", "2", "MG", "1", "EACH"),
		doseForm("Oral Tablet"))

	c, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "first", c.IngredientText())
	assert.Equal(t, "1 MG/1 EACH", c.StrengthText())
}

func TestCanonicalizeMultipleIngredients(t *testing.T) {
	f := newFixtureFetcher()
	f.add("2", "calcium ion / cholecalciferol Chewable Tablet", "SCD", multi,
		ingredient("calcium ion", "500", "MG", "1", "EACH"),
		ingredient("cholecalciferol", "400", "UNT", "1", "EACH"),
		doseForm("Chewable Tablet", "Oral Product", "Pill"))

	c, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, "calcium ion, cholecalciferol", c.IngredientText())
	assert.Equal(t, "500 MG/1 EACH, 400 UNT/1 EACH", c.StrengthText())
}

func unnamed(name, num string) func(*rxnorm.HistoryStatus) {
	return func(h *rxnorm.HistoryStatus) {
		h.DefinitionalFeatures.IngredientAndStrength = append(h.DefinitionalFeatures.IngredientAndStrength,
			rxnorm.IngredientStrength{
				ActiveIngredientName: name,
				NumeratorValue:       num,
				NumeratorUnit:        "MG",
				DenominatorValue:     "1",
				DenominatorUnit:      "EACH",
			})
	}
}

func TestCanonicalizePartialIngredientEntries(t *testing.T) {
	derived := func(h *rxnorm.HistoryStatus) {
		h.DerivedConcepts.IngredientConcept = []rxnorm.IngredientConcept{{IngredientName: "acetaminophen"}}
	}

	tests := []struct {
		name        string
		tty         string
		opts        []func(*rxnorm.HistoryStatus)
		ingredients string
		strengths   string
	}{
		{
			name:        "blank second entry",
			tty:         "SCD",
			opts:        []func(*rxnorm.HistoryStatus){multi, ingredient("acetaminophen", "325", "MG", "1", "EACH"), unnamed("", "5")},
			ingredients: "acetaminophen",
			strengths:   "325 MG/1 EACH",
		},
		{
			name:        "whitespace first entry",
			tty:         "SBD",
			opts:        []func(*rxnorm.HistoryStatus){multi, unnamed("  ", "5"), ingredient("hydrocodone", "10", "MG", "1", "EACH")},
			ingredients: "hydrocodone",
			strengths:   "10 MG/1 EACH",
		},
		{
			name:        "group with blank entry",
			tty:         "SCDG",
			opts:        []func(*rxnorm.HistoryStatus){ingredient("a", "1", "MG", "1", "EACH"), unnamed("", "2"), ingredient("b", "3", "MG", "1", "EACH")},
			ingredients: "a, b",
			strengths:   "1 MG/1 EACH, 3 MG/1 EACH",
		},
		{
			name:        "only blank entries",
			tty:         "SCD",
			opts:        []func(*rxnorm.HistoryStatus){multi, unnamed("", "5"), unnamed("", "6"), derived},
			ingredients: "acetaminophen",
			strengths:   NotApplicableStrength,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixtureFetcher()
			f.add("50", tt.name, tt.tty, tt.opts...)

			c, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "50")
			require.NoError(t, err)
			assert.Len(t, c.Strengths, len(c.Ingredients))
			assert.Equal(t, tt.ingredients, c.IngredientText())
			assert.Equal(t, tt.strengths, c.StrengthText())
		})
	}
}

func TestCanonicalizeBrandedResolvesCompanion(t *testing.T) {
	f := newFixtureFetcher()
	f.add("209387", "Tylenol 500 MG Oral Tablet", "SBD",
		ingredient("acetaminophen", "500", "MG", "1", "EACH"),
		doseForm("Oral Tablet", "Oral Product", "Pill"),
		scd("198440"))
	f.add("198440", "acetaminophen 500 MG Oral Tablet", "SCD",
		ingredient("acetaminophen", "500", "MG", "1", "EACH"),
		doseForm("Oral Tablet", "Oral Product", "Pill"))

	c, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "209387")
	require.NoError(t, err)
	require.NotNil(t, c.Companion)
	assert.Equal(t, "198440", c.CompanionRxCUI())
	assert.Equal(t, TermTypeSCD, c.Companion.TermType)
	assert.Equal(t, "acetaminophen", c.Companion.IngredientText())
	assert.True(t, c.TermType.IsBranded())
}

func TestCanonicalizeMissingCompanionIsTolerated(t *testing.T) {
	f := newFixtureFetcher()
	f.add("10", "brand", "SBD",
		ingredient("a", "1", "MG", "1", "EACH"),
		doseForm("Oral Tablet"),
		scd("404"))

	c, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "10")
	require.NoError(t, err)
	assert.Nil(t, c.Companion)
}

func TestCanonicalizePackCompanion(t *testing.T) {
	f := newFixtureFetcher()
	f.add("20", "pack", "BPCK", func(h *rxnorm.HistoryStatus) {
		h.Pack.PackConcept = []rxnorm.PackConcept{{PackRxCUI: "21"}, {PackRxCUI: "22"}}
	})
	f.add("21", "generic pack", "GPCK")

	c, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "20")
	require.NoError(t, err)
	assert.Equal(t, "21", c.CompanionRxCUI())
	assert.Equal(t, NotApplicableStrength, c.StrengthText())
	assert.Zero(t, f.calls["22"])
}

func TestCanonicalizeIngredientOnly(t *testing.T) {
	f := newFixtureFetcher()
	f.add("161", "acetaminophen", "IN")

	c, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "161")
	require.NoError(t, err)
	assert.Equal(t, "acetaminophen", c.IngredientText())
	assert.Empty(t, c.DoseFormText())
	assert.Empty(t, c.StrengthText())
	assert.False(t, c.IsComplete())
}

func TestCanonicalizeComponentAndForm(t *testing.T) {
	f := newFixtureFetcher()
	f.add("315266", "acetaminophen 500 MG", "SCDC", ingredient("acetaminophen", "500", "MG", "1", "EACH"))
	f.add("317541", "acetaminophen Oral Tablet", "SCDF",
		doseForm("Oral Tablet", "Oral Product"),
		func(h *rxnorm.HistoryStatus) {
			h.DerivedConcepts.IngredientConcept = []rxnorm.IngredientConcept{{IngredientName: "acetaminophen"}}
		})

	can := NewCanonicalizer(f, nil)
	scdc, err := can.Canonicalize(context.Background(), "315266")
	require.NoError(t, err)
	assert.Equal(t, "acetaminophen", scdc.IngredientText())
	assert.Equal(t, "500 MG/1 EACH", scdc.StrengthText())
	assert.Empty(t, scdc.DoseFormText())

	scdf, err := can.Canonicalize(context.Background(), "317541")
	require.NoError(t, err)
	assert.Equal(t, "acetaminophen", scdf.IngredientText())
	assert.Equal(t, "Oral Tablet, Oral Product", scdf.DoseFormText())
	assert.Empty(t, scdf.StrengthText())
}

func TestCanonicalizeGroupFallsBackToIngredientConcept(t *testing.T) {
	f := newFixtureFetcher()
	f.add("30", "group", "SCDG", doseForm("", "Oral Product", "Pill"),
		func(h *rxnorm.HistoryStatus) {
			h.DerivedConcepts.IngredientConcept = []rxnorm.IngredientConcept{{IngredientName: "ibuprofen"}}
		})

	c, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "30")
	require.NoError(t, err)
	assert.Equal(t, "ibuprofen", c.IngredientText())
	assert.Equal(t, "Oral Product, Pill", c.DoseFormText())
	assert.Equal(t, NotApplicableStrength, c.StrengthText())
}

func TestCanonicalizeUnknownTermTypeIsBlank(t *testing.T) {
	f := newFixtureFetcher()
	f.add("40", "something", "DF")

	c, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "40")
	require.NoError(t, err)
	assert.Equal(t, TermTypeUnknown, c.TermType)
	assert.Equal(t, "something", c.Name)
	assert.False(t, c.IsComplete())
}

func TestCanonicalizeFollowsRemap(t *testing.T) {
	f := newFixtureFetcher()
	f.add("100", "old name", "SCD", remappedTo("101"))
	f.add("101", "new name", "SCD",
		ingredient("ibuprofen", "200", "MG", "1", "EACH"),
		doseForm("Oral Tablet", "Oral Product", "Pill"))

	c, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "100", c.RxCUI)
	assert.Equal(t, "old name", c.Name)
	assert.Equal(t, "101", c.RemappedTo)
	assert.Equal(t, "ibuprofen", c.IngredientText())
}

func TestCanonicalizeRemapCycle(t *testing.T) {
	f := newFixtureFetcher()
	f.add("a", "a", "SCD", remappedTo("b"))
	f.add("b", "b", "SCD", remappedTo("a"))

	_, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "a")
	assert.ErrorIs(t, err, ErrRemapLoop)
	assert.Equal(t, 1, f.calls["a"])
}

func TestCanonicalizeRemapDepthLimit(t *testing.T) {
	f := newFixtureFetcher()
	for i := 0; i < MaxRemapDepth+1; i++ {
		f.add(fmt.Sprint(i), "n", "SCD", remappedTo(fmt.Sprint(i+1)))
	}
	f.add(fmt.Sprint(MaxRemapDepth+1), "end", "IN")

	_, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "0")
	assert.ErrorIs(t, err, ErrRemapLoop)
}

func TestCanonicalizeNotCurrentIsBlank(t *testing.T) {
	f := newFixtureFetcher()
	f.add("50", "retired", "SCD", func(h *rxnorm.HistoryStatus) {
		h.MetaData.Status = rxnorm.StatusNotCurrent
	})

	c, err := NewCanonicalizer(f, nil).Canonicalize(context.Background(), "50")
	require.NoError(t, err)
	assert.Empty(t, c.IngredientText())
	assert.Equal(t, rxnorm.StatusNotCurrent, c.Status)
}

func TestCanonicalizeMalformed(t *testing.T) {
	f := newFixtureFetcher()
	f.add("60", "no strength", "SCD", doseForm("Oral Tablet"))
	f.add("61", "", "SCD")

	can := NewCanonicalizer(f, nil)
	_, err := can.Canonicalize(context.Background(), "60")
	assert.ErrorIs(t, err, ErrMalformedConcept)
	assert.ErrorIs(t, err, rxnorm.ErrMalformedResponse)

	_, err = can.Canonicalize(context.Background(), "61")
	assert.ErrorIs(t, err, ErrMalformedConcept)
}

func TestCanonicalizeNotFound(t *testing.T) {
	_, err := NewCanonicalizer(newFixtureFetcher(), nil).Canonicalize(context.Background(), "999")
	assert.ErrorIs(t, err, rxnorm.ErrNotFound)
}

func TestEveryTermTypeHasExtractor(t *testing.T) {
	for _, tt := range AllTermTypes() {
		_, ok := extractors[tt]
		assert.True(t, ok, "no extractor for %q", tt)
	}
}

func TestParseTermType(t *testing.T) {
	assert.Equal(t, TermTypeSBD, ParseTermType("sbd"))
	assert.Equal(t, TermTypeBPCK, ParseTermType(" BPCK "))
	assert.Equal(t, TermTypeUnknown, ParseTermType("BN"))
	assert.True(t, TermTypeSBDC.IsBranded())
	assert.False(t, TermTypeSCD.IsBranded())
}
