package concept

import "errors"

// ErrNotStored is returned by concept stores that hold no record for an RxCUI
var ErrNotStored = errors.New("concept not stored")

// RecordHeader is the column order of a persisted concept row
var RecordHeader = []string{
	"RxCUI",
	"RxNorm Name",
	"RxNorm TTY",
	"RxNorm Ingredient",
	"RxNorm Dose Form",
	"RxNorm Strength Details",
	"C RxNorm Name",
	"C RxNorm TTY",
	"C RxNorm RxCUI",
	"C RxNorm Ingredient",
	"C RxNorm Dose Form",
	"C RxNorm Strength Details",
}

// Record is the flat twelve-column form of a Concept and its companion
type Record struct {
	RxCUI               string `json:"rxcui"`
	Name                string `json:"name"`
	TTY                 string `json:"tty"`
	Ingredient          string `json:"ingredient"`
	DoseForm            string `json:"dose_form"`
	Strength            string `json:"strength"`
	CompanionName       string `json:"companion_name"`
	CompanionTTY        string `json:"companion_tty"`
	CompanionRxCUI      string `json:"companion_rxcui"`
	CompanionIngredient string `json:"companion_ingredient"`
	CompanionDoseForm   string `json:"companion_dose_form"`
	CompanionStrength   string `json:"companion_strength"`
}

// ToRecord flattens c
func ToRecord(c *Concept) Record {
	r := Record{
		RxCUI:      c.RxCUI,
		Name:       c.Name,
		TTY:        c.TermType.String(),
		Ingredient: c.IngredientText(),
		DoseForm:   c.DoseFormText(),
		Strength:   c.StrengthText(),
	}
	if comp := c.Companion; comp != nil {
		r.CompanionRxCUI = comp.RxCUI
		r.CompanionName = comp.Name
		r.CompanionTTY = comp.TermType.String()
		r.CompanionIngredient = comp.IngredientText()
		r.CompanionDoseForm = comp.DoseFormText()
		r.CompanionStrength = comp.StrengthText()
	}
	return r
}

// FromRecord rebuilds a Concept whose text renderings equal the record's
func FromRecord(r Record) *Concept {
	c := &Concept{
		RxCUI:       r.RxCUI,
		Name:        r.Name,
		TermType:    ParseTermType(r.TTY),
		Ingredients: splitList(r.Ingredient),
		DoseForms:   splitList(r.DoseForm),
		Strengths:   parseStrengths(r.Strength),
	}
	if r.CompanionRxCUI != "" || r.CompanionName != "" {
		c.Companion = &Concept{
			RxCUI:       r.CompanionRxCUI,
			Name:        r.CompanionName,
			TermType:    ParseTermType(r.CompanionTTY),
			Ingredients: splitList(r.CompanionIngredient),
			DoseForms:   splitList(r.CompanionDoseForm),
			Strengths:   parseStrengths(r.CompanionStrength),
		}
	}
	return c
}

// Values returns the record in RecordHeader order
func (r Record) Values() []string {
	return []string{
		r.RxCUI, r.Name, r.TTY, r.Ingredient, r.DoseForm, r.Strength,
		r.CompanionName, r.CompanionTTY, r.CompanionRxCUI,
		r.CompanionIngredient, r.CompanionDoseForm, r.CompanionStrength,
	}
}

// RecordFromValues reads a row in RecordHeader order. Missing trailing columns are blank.
func RecordFromValues(v []string) Record {
	at := func(i int) string {
		if i < len(v) {
			return v[i]
		}
		return ""
	}
	return Record{
		RxCUI:               at(0),
		Name:                at(1),
		TTY:                 at(2),
		Ingredient:          at(3),
		DoseForm:            at(4),
		Strength:            at(5),
		CompanionName:       at(6),
		CompanionTTY:        at(7),
		CompanionRxCUI:      at(8),
		CompanionIngredient: at(9),
		CompanionDoseForm:   at(10),
		CompanionStrength:   at(11),
	}
}

func parseStrengths(text string) []Strength {
	parts := splitList(text)
	if len(parts) == 0 {
		return nil
	}
	out := make([]Strength, len(parts))
	for i, p := range parts {
		out[i] = ParseStrength(p)
	}
	return out
}
