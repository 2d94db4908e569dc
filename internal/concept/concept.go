// Package concept turns RxNav concept records into one canonical drug shape
// and caches the results for a batch run.
package concept

import (
	"fmt"
	"strings"
)

// ListSeparator joins list-valued fields in their text form
const ListSeparator = ", "

// NotApplicableStrength is the text of a strength that does not apply
const NotApplicableStrength = "N/A"

// Strength is one ingredient's strength ratio, kept as the decimal text RxNav returns
type Strength struct {
	NumeratorValue   string `json:"numerator_value,omitempty"`
	NumeratorUnit    string `json:"numerator_unit,omitempty"`
	DenominatorValue string `json:"denominator_value,omitempty"`
	DenominatorUnit  string `json:"denominator_unit,omitempty"`
	NotApplicable    bool   `json:"not_applicable,omitempty"`
	// Raw holds text that could not be split into a ratio
	Raw string `json:"raw,omitempty"`
}

// NotApplicable returns the placeholder strength
func NotApplicable() Strength {
	return Strength{NotApplicable: true}
}

func (s Strength) String() string {
	switch {
	case s.NotApplicable:
		return NotApplicableStrength
	case s.Raw != "":
		return s.Raw
	}
	return fmt.Sprintf("%s %s/%s %s", s.NumeratorValue, s.NumeratorUnit, s.DenominatorValue, s.DenominatorUnit)
}

// ParseStrength reads the "{num} {unit}/{den} {unit}" form back into a Strength
func ParseStrength(text string) Strength {
	text = strings.TrimSpace(text)
	if text == NotApplicableStrength {
		return NotApplicable()
	}
	num, den, ok := strings.Cut(text, "/")
	if !ok {
		return Strength{Raw: text}
	}
	nv, nu, ok1 := strings.Cut(strings.TrimSpace(num), " ")
	dv, du, ok2 := strings.Cut(strings.TrimSpace(den), " ")
	if !ok1 || !ok2 {
		return Strength{Raw: text}
	}
	return Strength{NumeratorValue: nv, NumeratorUnit: nu, DenominatorValue: dv, DenominatorUnit: du}
}

// Concept is the canonical description of one RxNorm drug concept.
// Values handed out by the cache are shared and must not be modified.
type Concept struct {
	RxCUI       string     `json:"rxcui"`
	Name        string     `json:"name"`
	TermType    TermType   `json:"tty"`
	Status      string     `json:"status,omitempty"`
	Ingredients []string   `json:"ingredients"`
	DoseForms   []string   `json:"dose_forms"`
	Strengths   []Strength `json:"strengths"`
	Companion   *Concept   `json:"companion,omitempty"`
	// RemappedTo is the RxCUI whose components were used when this concept was remapped
	RemappedTo string `json:"remapped_to,omitempty"`
}

// IngredientText renders the ingredients bracket-free and comma-joined
func (c *Concept) IngredientText() string {
	if c == nil {
		return ""
	}
	return strings.Join(c.Ingredients, ListSeparator)
}

// DoseFormText renders the dose forms bracket-free and comma-joined
func (c *Concept) DoseFormText() string {
	if c == nil {
		return ""
	}
	return strings.Join(c.DoseForms, ListSeparator)
}

// StrengthText renders the strengths bracket-free and comma-joined
func (c *Concept) StrengthText() string {
	if c == nil {
		return ""
	}
	parts := make([]string, len(c.Strengths))
	for i, s := range c.Strengths {
		parts[i] = s.String()
	}
	return strings.Join(parts, ListSeparator)
}

// CompanionRxCUI returns the companion's RxCUI or ""
func (c *Concept) CompanionRxCUI() string {
	if c == nil || c.Companion == nil {
		return ""
	}
	return c.Companion.RxCUI
}

// PrimaryDoseForm returns the dose form name without its groups
func (c *Concept) PrimaryDoseForm() string {
	if c == nil || len(c.DoseForms) == 0 {
		return ""
	}
	return c.DoseForms[0]
}

// IsComplete reports whether ingredient, dose form and strength are all present
func (c *Concept) IsComplete() bool {
	return strings.TrimSpace(c.IngredientText()) != "" &&
		strings.TrimSpace(c.DoseFormText()) != "" &&
		strings.TrimSpace(c.StrengthText()) != ""
}

func splitList(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	parts := strings.Split(text, ListSeparator)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
