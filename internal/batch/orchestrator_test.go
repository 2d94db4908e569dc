package batch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxrecon/internal/concept"
	"github.com/drfirst/go-rxrecon/internal/reconcile"
	"github.com/drfirst/go-rxrecon/internal/rxnorm"
)

const oralTablet = "Oral Tablet, Oral Product, Pill"

type fakeRxNav struct {
	mu         sync.Mutex
	ndcs       map[string]string
	ndcErrs    map[string]error
	concepts   map[string]*concept.Concept
	conceptErr map[string]error
	ndcCalls   map[string]int
	rxcuiCalls map[string]int
}

func newFakeRxNav() *fakeRxNav {
	return &fakeRxNav{
		ndcs:       make(map[string]string),
		ndcErrs:    make(map[string]error),
		concepts:   make(map[string]*concept.Concept),
		conceptErr: make(map[string]error),
		ndcCalls:   make(map[string]int),
		rxcuiCalls: make(map[string]int),
	}
}

func (f *fakeRxNav) ResolveNDC(_ context.Context, ndc string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ndcCalls[ndc]++
	if err, ok := f.ndcErrs[ndc]; ok {
		return "", err
	}
	rxcui, ok := f.ndcs[ndc]
	if !ok {
		return "", &rxnorm.LookupError{Op: "resolve ndc", Key: ndc, Err: rxnorm.ErrNotFound}
	}
	return rxcui, nil
}

func (f *fakeRxNav) Canonicalize(_ context.Context, rxcui string) (*concept.Concept, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rxcuiCalls[rxcui]++
	if err, ok := f.conceptErr[rxcui]; ok {
		return nil, err
	}
	c, ok := f.concepts[rxcui]
	if !ok {
		return nil, rxnorm.ErrNotFound
	}
	return c, nil
}

func (f *fakeRxNav) drug(ndc, rxcui, ingredient, doseForm, strength string) *concept.Concept {
	c := &concept.Concept{
		RxCUI:       rxcui,
		Name:        ingredient,
		TermType:    concept.TermTypeSCD,
		Ingredients: []string{ingredient},
		DoseForms:   strings.Split(doseForm, concept.ListSeparator),
		Strengths:   []concept.Strength{concept.ParseStrength(strength)},
	}
	if ndc != "" {
		f.ndcs[ndc] = rxcui
	}
	f.concepts[rxcui] = c
	return c
}

type memoryStore struct {
	mu      sync.Mutex
	stored  map[string]*concept.Concept
	saved   []*concept.Concept
	saveErr error
	lookups int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{stored: make(map[string]*concept.Concept)}
}

func (m *memoryStore) Lookup(_ context.Context, rxcui string) (*concept.Concept, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	c, ok := m.stored[rxcui]
	if !ok {
		return nil, concept.ErrNotStored
	}
	return c, nil
}

func (m *memoryStore) Save(_ context.Context, concepts []*concept.Concept) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, concepts...)
	return nil
}

type recordingObserver struct {
	mu         sync.Mutex
	verdicts   []reconcile.Verdict
	exclusions []string
	batches    int
}

func (r *recordingObserver) ObserveVerdict(v reconcile.Verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts = append(r.verdicts, v)
}

func (r *recordingObserver) ObserveExclusion(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exclusions = append(r.exclusions, reason)
}

func (r *recordingObserver) ObserveBatch(*Result, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
}

func TestRunReconcilesRows(t *testing.T) {
	nav := newFakeRxNav()
	nav.drug("00000000001", "100", "amlodipine", oralTablet, "5 MG/1 EACH")
	nav.drug("00000000002", "200", "amlodipine", oralTablet, "15 MG/1 EACH")
	nav.drug("00000000003", "300", "Ondansetron", "Oral Solution, Oral Product", "10 MG/1 ML")
	nav.drug("00000000004", "400", "ondansetron", "Oral Solution, Oral Product", "20 MG/1 ML")

	obs := &recordingObserver{}
	store := newMemoryStore()
	o := New(Config{Workers: 3}, nav, nav, store, nil, obs, nil)

	report := Report{
		ID:              "R1-",
		DataAccessGroup: "site_a",
		Rows: []InputRow{
			{EscriptNDC: "00000000001", EscriptItem: "Amlodipine 5mg", DispensedNDC: "00000000001", DispensedItem: "Amlodipine 5mg", PageNumber: "3"},
			{EscriptNDC: "00000000001", DispensedNDC: "00000000002"},
			{EscriptNDC: "00000000003", DispensedNDC: "00000000004"},
		},
	}

	res, err := o.Run(context.Background(), report, nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Processed)
	assert.Zero(t, res.Excluded)
	assert.Empty(t, res.LookupErrors)
	assert.Empty(t, res.ReconcileErrors)

	first := res.Rows[0]
	assert.Equal(t, "R1-1", first.RecordID)
	assert.Equal(t, "1", first.ReportRowNumber)
	assert.Equal(t, "site_a", first.DataAccessGroup)
	assert.Equal(t, "2", first.MatchStatus)
	assert.Equal(t, "amlodipine", first.ErxIngredient)
	assert.Equal(t, "5 MG/1 EACH", first.ErxStrength)
	assert.Equal(t, "Amlodipine 5mg", first.MedicationPrescribed)
	assert.Equal(t, "3", first.PageNumber)

	assert.Equal(t, "1", res.Rows[1].MatchStatus)
	assert.Equal(t, "1", res.Rows[1].StrengthMismatch)

	assert.Equal(t, "2", res.Rows[2].MatchStatus)
	assert.Equal(t, "1", res.Rows[2].IdentityDiffers)

	rxcuis := make([]string, len(res.NewConcepts))
	for i, c := range res.NewConcepts {
		rxcuis[i] = c.RxCUI
	}
	assert.Equal(t, []string{"100", "200", "300", "400"}, rxcuis)
	assert.Len(t, store.saved, 4)
	assert.Len(t, obs.verdicts, 3)
	assert.Equal(t, 1, obs.batches)
}

func TestRunExcludesRows(t *testing.T) {
	nav := newFakeRxNav()
	nav.drug("00000000001", "100", "ibuprofen", oralTablet, "200 MG/1 EACH")
	incomplete := nav.drug("00000000002", "200", "ibuprofen", oralTablet, "200 MG/1 EACH")
	incomplete.DoseForms = nil

	obs := &recordingObserver{}
	o := New(DefaultConfig(), nav, nav, nil, nil, obs, nil)
	res, err := o.Run(context.Background(), Report{ID: "R", Rows: []InputRow{
		{EscriptNDC: "nan", DispensedNDC: "00000000001"},
		{EscriptNDC: "00000000001", DispensedItem: "Magic Mouthwash CMPD"},
		{EscriptNDC: "00000000001", DispensedNDC: "00000000002"},
		{EscriptNDC: "00000000001", DispensedNDC: "00000000001"},
	}}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, res.Excluded)
	assert.Equal(t, map[string]int{
		ExcludedNoEscriptNDC: 1,
		ExcludedCompound:     1,
		ExcludedIncomplete:   1,
	}, res.Exclusions)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "4", res.Rows[0].ReportRowNumber)

	sort.Strings(obs.exclusions)
	assert.Equal(t, []string{ExcludedCompound, ExcludedIncomplete, ExcludedNoEscriptNDC}, obs.exclusions)
}

func TestRunBlankDispensedNDCIsIncomplete(t *testing.T) {
	nav := newFakeRxNav()
	nav.drug("00000000001", "100", "ibuprofen", oralTablet, "200 MG/1 EACH")

	o := New(DefaultConfig(), nav, nav, nil, nil, nil, nil)
	res, err := o.Run(context.Background(), Report{ID: "R", Rows: []InputRow{
		{EscriptNDC: "00000000001", DispensedNDC: "none", DispensedItem: "something"},
	}}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Exclusions[ExcludedIncomplete])
	assert.Empty(t, res.LookupErrors)
}

func TestRunCollectsErrors(t *testing.T) {
	nav := newFakeRxNav()
	nav.drug("00000000001", "100", "ibuprofen", oralTablet, "200 MG/1 EACH")
	nav.ndcs["00000000009"] = "900"
	nav.ndcErrs["00000000005"] = &rxnorm.LookupError{Op: "resolve ndc", Key: "00000000005", Err: rxnorm.ErrUnavailable}
	nav.conceptErr["900"] = errors.New("malformed concept")

	o := New(DefaultConfig(), nav, nav, nil, nil, nil, nil)
	res, err := o.Run(context.Background(), Report{ID: "R", Rows: []InputRow{
		{EscriptNDC: "00000000005", DispensedNDC: "00000000001"},
		{EscriptNDC: "00000000009", DispensedNDC: "00000000001", RowID: "17"},
		{EscriptNDC: "00000000001", DispensedNDC: "00000000001"},
	}}, nil)

	require.NoError(t, err)
	require.Len(t, res.LookupErrors, 1)
	assert.True(t, strings.HasPrefix(res.LookupErrors[0], "An error occured for NDC 00000000005: "))
	require.Len(t, res.ReconcileErrors, 1)
	assert.Equal(t, "An error occured for RxCUI 900 at 17: malformed concept", res.ReconcileErrors[0])
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "3", res.Rows[0].ReportRowNumber)
}

func TestRunUsesCacheAndStore(t *testing.T) {
	nav := newFakeRxNav()
	nav.ndcs["00000000001"] = "100"
	stored := &concept.Concept{
		RxCUI:       "100",
		Name:        "ibuprofen 200 MG Oral Tablet",
		TermType:    concept.TermTypeSCD,
		Ingredients: []string{"ibuprofen"},
		DoseForms:   []string{"Oral Tablet"},
		Strengths:   []concept.Strength{concept.ParseStrength("200 MG/1 EACH")},
	}
	store := newMemoryStore()
	store.stored["100"] = stored

	cache := concept.NewCache(10, nil)
	o := New(Config{Workers: 1}, nav, nav, store, nil, nil, nil)
	rows := []InputRow{
		{EscriptNDC: "00000000001", DispensedNDC: "00000000001"},
		{EscriptNDC: "00000000001", DispensedNDC: "00000000001"},
	}
	res, err := o.Run(context.Background(), Report{ID: "R", Rows: rows}, cache)
	require.NoError(t, err)

	assert.Len(t, res.Rows, 2)
	assert.Equal(t, 1, nav.ndcCalls["00000000001"])
	assert.Zero(t, nav.rxcuiCalls["100"])
	assert.Equal(t, 1, store.lookups)
	assert.Empty(t, res.NewConcepts)
	assert.Empty(t, store.saved)
}

func TestRunCachesMissingNDC(t *testing.T) {
	nav := newFakeRxNav()
	o := New(Config{Workers: 1}, nav, nav, nil, nil, nil, nil)
	res, err := o.Run(context.Background(), Report{ID: "R", Rows: []InputRow{
		{EscriptNDC: "00000000077", DispensedNDC: "00000000077"},
		{EscriptNDC: "00000000077", DispensedNDC: "00000000077"},
	}}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, nav.ndcCalls["00000000077"])
	// identical NDCs still score as identity even without a concept
	assert.Len(t, res.Rows, 2)
	assert.Empty(t, res.LookupErrors)
}

func TestRunCachesMissingConcept(t *testing.T) {
	nav := newFakeRxNav()
	nav.drug("00000000001", "100", "ibuprofen", oralTablet, "200 MG/1 EACH")
	nav.ndcs["00000000002"] = "404"
	nav.ndcs["00000000003"] = "404"
	o := New(Config{Workers: 1}, nav, nav, nil, nil, nil, nil)

	_, err := o.Run(context.Background(), Report{ID: "R", Rows: []InputRow{
		{EscriptNDC: "00000000001", DispensedNDC: "00000000002"},
		{EscriptNDC: "00000000001", DispensedNDC: "00000000003"},
		{EscriptNDC: "00000000002", DispensedNDC: "00000000001"},
	}}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, nav.rxcuiCalls["404"])
	assert.Equal(t, 1, nav.rxcuiCalls["100"])
}

func TestRunStoreFailureIsReported(t *testing.T) {
	nav := newFakeRxNav()
	nav.drug("00000000001", "100", "ibuprofen", oralTablet, "200 MG/1 EACH")
	store := newMemoryStore()
	store.saveErr = errors.New("disk full")

	o := New(DefaultConfig(), nav, nav, store, nil, nil, nil)
	res, err := o.Run(context.Background(), Report{ID: "R", Rows: []InputRow{
		{EscriptNDC: "00000000001", DispensedNDC: "00000000001"},
	}}, nil)

	require.NoError(t, err)
	assert.Equal(t, "disk full", res.StoreError)
	assert.Len(t, res.Rows, 1)
}

func TestRunCancelled(t *testing.T) {
	nav := newFakeRxNav()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(DefaultConfig(), nav, nav, nil, nil, nil, nil)
	_, err := o.Run(ctx, Report{ID: "R", Rows: []InputRow{{EscriptNDC: "1"}}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
