package reconcile

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var defaultTablesYAML []byte

// normalize trims surrounding whitespace and case-folds s. Casers are
// stateful, so each call gets its own.
func normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// tablesFile is the YAML layout of the rule tables
type tablesFile struct {
	IngredientSynonyms      [][]string               `yaml:"ingredient_synonyms"`
	IngredientPrefixes      []string                 `yaml:"ingredient_prefixes"`
	DoseFormEquivalents     [][]string               `yaml:"dose_form_equivalents"`
	DoseFormSubstitutions   [][]string               `yaml:"dose_form_substitutions"`
	IngredientSubstitutions []ingredientSubstitution `yaml:"ingredient_dose_form_substitutions"`
	ChewableIngredients     []string                 `yaml:"chewable_ingredients"`
	StrengthExempt          []string                 `yaml:"strength_exempt_ingredients"`
	ScheduleII              []string                 `yaml:"schedule_ii"`
}

type ingredientSubstitution struct {
	Ingredient string     `yaml:"ingredient"`
	Pairs      [][]string `yaml:"pairs"`
}

func (f *tablesFile) validate() error {
	groups := map[string][][]string{
		"ingredient_synonyms":     f.IngredientSynonyms,
		"dose_form_equivalents":   f.DoseFormEquivalents,
		"dose_form_substitutions": f.DoseFormSubstitutions,
	}
	for _, sub := range f.IngredientSubstitutions {
		if strings.TrimSpace(sub.Ingredient) == "" {
			return errors.New("ingredient_dose_form_substitutions: entry without ingredient")
		}
		groups["ingredient_dose_form_substitutions."+sub.Ingredient] = sub.Pairs
	}
	for name, pairs := range groups {
		for i, p := range pairs {
			if len(p) != 2 {
				return fmt.Errorf("%s[%d]: want 2 entries, got %d", name, i, len(p))
			}
		}
	}
	return nil
}

type pair struct{ a, b string }

// pairSet holds unordered pairs
type pairSet map[pair]struct{}

func (s pairSet) add(a, b string) {
	s[pair{a, b}] = struct{}{}
	s[pair{b, a}] = struct{}{}
}

func (s pairSet) has(a, b string) bool {
	_, ok := s[pair{a, b}]
	return ok
}

// directedSet holds ordered (prescribed, dispensed) pairs
type directedSet map[pair]struct{}

func (s directedSet) has(from, to string) bool {
	_, ok := s[pair{from, to}]
	return ok
}

type stringSet map[string]struct{}

func (s stringSet) has(v string) bool {
	_, ok := s[v]
	return ok
}

// Tables are the immutable lookup structures behind the component rules.
// Ingredient keys are normalized; dose form keys are compared verbatim.
type Tables struct {
	ingredientSynonyms      pairSet
	ingredientPrefixes      []string
	doseFormEquivalents     pairSet
	doseFormSubstitutions   directedSet
	ingredientSubstitutions map[string]directedSet
	chewable                stringSet
	strengthExempt          stringSet
	scheduleII              stringSet
}

// LoadTables parses a tables document
func LoadTables(r io.Reader) (*Tables, error) {
	var f tablesFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode rule tables: %w", err)
	}

	t := &Tables{
		ingredientSynonyms:      pairSet{},
		doseFormEquivalents:     pairSet{},
		doseFormSubstitutions:   directedSet{},
		ingredientSubstitutions: make(map[string]directedSet),
		chewable:                stringSet{},
		strengthExempt:          stringSet{},
		scheduleII:              stringSet{},
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("decode rule tables: %w", err)
	}
	for _, p := range f.IngredientSynonyms {
		t.ingredientSynonyms.add(normalize(p[0]), normalize(p[1]))
	}
	for _, p := range f.IngredientPrefixes {
		t.ingredientPrefixes = append(t.ingredientPrefixes, normalize(p))
	}
	for _, p := range f.DoseFormEquivalents {
		t.doseFormEquivalents.add(strings.TrimSpace(p[0]), strings.TrimSpace(p[1]))
	}
	for _, p := range f.DoseFormSubstitutions {
		t.doseFormSubstitutions[pair{strings.TrimSpace(p[0]), strings.TrimSpace(p[1])}] = struct{}{}
	}
	for _, sub := range f.IngredientSubstitutions {
		set := directedSet{}
		for _, p := range sub.Pairs {
			set[pair{strings.TrimSpace(p[0]), strings.TrimSpace(p[1])}] = struct{}{}
		}
		t.ingredientSubstitutions[normalize(sub.Ingredient)] = set
	}
	for _, v := range f.ChewableIngredients {
		t.chewable[normalize(v)] = struct{}{}
	}
	for _, v := range f.StrengthExempt {
		t.strengthExempt[normalize(v)] = struct{}{}
	}
	for _, v := range f.ScheduleII {
		t.scheduleII[normalize(v)] = struct{}{}
	}
	return t, nil
}

// LoadTablesFile reads a tables document from path
func LoadTablesFile(path string) (*Tables, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rule tables: %w", err)
	}
	defer f.Close()
	return LoadTables(f)
}

var (
	defaultTables     *Tables
	defaultTablesOnce sync.Once
)

// DefaultTables returns the built-in tables
func DefaultTables() *Tables {
	defaultTablesOnce.Do(func() {
		t, err := LoadTables(bytes.NewReader(defaultTablesYAML))
		if err != nil {
			panic(err)
		}
		defaultTables = t
	})
	return defaultTables
}

// IsScheduleII reports whether an ingredient text, or any of its comma-separated
// ingredients, is a schedule II substance
func (t *Tables) IsScheduleII(ingredient string) bool {
	n := normalize(ingredient)
	if n == "" {
		return false
	}
	if t.scheduleII.has(n) {
		return true
	}
	for _, part := range strings.Split(n, ",") {
		if t.scheduleII.has(strings.TrimSpace(part)) {
			return true
		}
	}
	return false
}

// EquivalentIngredients reports whether two normalized ingredient texts are
// synonyms or share a listed prefix
func (t *Tables) EquivalentIngredients(a, b string) bool {
	if t.ingredientSynonyms.has(a, b) {
		return true
	}
	for _, p := range t.ingredientPrefixes {
		if strings.HasPrefix(a, p) && strings.HasPrefix(b, p) {
			return true
		}
	}
	return false
}

// EquivalentDoseForms reports whether two dose form texts are listed as equivalent
func (t *Tables) EquivalentDoseForms(a, b string) bool {
	return t.doseFormEquivalents.has(a, b)
}

// SubstitutableDoseForm reports whether prescribed may be filled as dispensed
func (t *Tables) SubstitutableDoseForm(prescribed, dispensed string) bool {
	return t.doseFormSubstitutions.has(prescribed, dispensed)
}
