// Package rxnorm is a client for the NLM RxNav REST API.
package rxnorm

// Concept lifecycle statuses reported by historystatus.json
const (
	StatusActive      = "Active"
	StatusRemapped    = "Remapped"
	StatusNotCurrent  = "NotCurrent"
	StatusObsolete    = "Obsolete"
	StatusQuantified  = "Quantified"
	StatusAlien       = "Alien"
	StatusNeverActive = "NeverActive"
	StatusUnknown     = "Unknown"
)

// NDCStatusResponse is the body of ndcstatus.json
type NDCStatusResponse struct {
	NDCStatus *NDCStatus `json:"ndcStatus"`
}

// NDCStatus describes the RxNorm mapping of one NDC
type NDCStatus struct {
	NDC11         string `json:"ndc11"`
	Status        string `json:"status"`
	Active        string `json:"active"`
	RxNormNDC     string `json:"rxnormNdc"`
	RxCUI         string `json:"rxcui"`
	ConceptName   string `json:"conceptName"`
	ConceptStatus string `json:"conceptStatus"`
}

// HistoryStatusResponse is the body of rxcui/{rxcui}/historystatus.json
type HistoryStatusResponse struct {
	RxcuiStatusHistory *HistoryStatus `json:"rxcuiStatusHistory"`
}

// HistoryStatus carries the attributes, definitional features and links of one concept
type HistoryStatus struct {
	MetaData             MetaData             `json:"metaData"`
	Attributes           Attributes           `json:"attributes"`
	DefinitionalFeatures DefinitionalFeatures `json:"definitionalFeatures"`
	Pack                 Pack                 `json:"pack"`
	DerivedConcepts      DerivedConcepts      `json:"derivedConcepts"`
}

// MetaData holds lifecycle information
type MetaData struct {
	Status           string `json:"status"`
	Source           string `json:"source"`
	ReleaseStartDate string `json:"releaseStartDate"`
	ReleaseEndDate   string `json:"releaseEndDate"`
	IsCurrent        string `json:"isCurrent"`
	RemappedDate     string `json:"remappedDate"`
}

// Attributes identifies the concept
type Attributes struct {
	RxCUI                string `json:"rxcui"`
	Name                 string `json:"name"`
	TTY                  string `json:"tty"`
	IsMultipleIngredient string `json:"isMultipleIngredient"`
	IsBranded            string `json:"isBranded"`
}

// MultipleIngredient reports the isMultipleIngredient flag
func (a Attributes) MultipleIngredient() bool {
	return a.IsMultipleIngredient == "YES"
}

// DefinitionalFeatures holds ingredient, strength and dose form definitions
type DefinitionalFeatures struct {
	IngredientAndStrength []IngredientStrength `json:"ingredientAndStrength"`
	DoseFormConcept       []DoseFormConcept    `json:"doseFormConcept"`
	DoseFormGroupConcept  []DoseFormGroup      `json:"doseFormGroupConcept"`
}

// IngredientStrength is one active ingredient with its strength ratio
type IngredientStrength struct {
	BaseRxCUI             string `json:"baseRxcui"`
	BaseName              string `json:"baseName"`
	BossRxCUI             string `json:"bossRxcui"`
	BossName              string `json:"bossName"`
	ActiveIngredientRxCUI string `json:"activeIngredientRxcui"`
	ActiveIngredientName  string `json:"activeIngredientName"`
	MoietyRxCUI           string `json:"moietyRxcui"`
	MoietyName            string `json:"moietyName"`
	NumeratorValue        string `json:"numeratorValue"`
	NumeratorUnit         string `json:"numeratorUnit"`
	DenominatorValue      string `json:"denominatorValue"`
	DenominatorUnit       string `json:"denominatorUnit"`
}

// DoseFormConcept names a dose form
type DoseFormConcept struct {
	DoseFormRxCUI string `json:"doseFormRxcui"`
	DoseFormName  string `json:"doseFormName"`
}

// DoseFormGroup names a dose form group
type DoseFormGroup struct {
	DoseFormGroupRxCUI string `json:"doseFormGroupRxcui"`
	DoseFormGroupName  string `json:"doseFormGroupName"`
}

// Pack links a pack concept to its contents
type Pack struct {
	PackConcept []PackConcept `json:"packConcept"`
}

// PackConcept is one concept contained in a pack
type PackConcept struct {
	PackRxCUI string `json:"packRxcui"`
	PackName  string `json:"packName"`
	PackTTY   string `json:"packTty"`
}

// DerivedConcepts holds remap, generic and ingredient links
type DerivedConcepts struct {
	RemappedConcept   []RemappedConcept   `json:"remappedConcept"`
	SCDConcept        *SCDConcept         `json:"scdConcept"`
	IngredientConcept []IngredientConcept `json:"ingredientConcept"`
}

// RemappedConcept is the target of a remapped concept
type RemappedConcept struct {
	RemappedRxCUI string `json:"remappedRxCui"`
	RemappedName  string `json:"remappedName"`
	RemappedTTY   string `json:"remappedTTY"`
}

// SCDConcept is the generic clinical drug linked from a branded drug
type SCDConcept struct {
	SCDConceptRxCUI string `json:"scdConceptRxcui"`
	SCDConceptName  string `json:"scdConceptName"`
}

// IngredientConcept is an ingredient derived from a dose form concept
type IngredientConcept struct {
	IngredientRxCUI string `json:"ingredientRxcui"`
	IngredientName  string `json:"ingredientName"`
}
