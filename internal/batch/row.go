// Package batch runs a report of prescribed/dispensed rows through lookup,
// canonicalization and reconciliation.
package batch

import (
	"strings"
)

// InputRow is one prescribed/dispensed pair of a report
type InputRow struct {
	EscriptNDC    string            `json:"escript_ndc" validate:"max=32"`
	EscriptItem   string            `json:"escript_item" validate:"max=512"`
	DispensedNDC  string            `json:"dispensed_ndc" validate:"max=32"`
	DispensedItem string            `json:"dispensed_item" validate:"max=512"`
	GCN           string            `json:"gcn,omitempty"`
	RowID         string            `json:"row_id,omitempty" validate:"max=64"`
	PageNumber    string            `json:"page_number,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Report is a batch of rows from one source document
type Report struct {
	ID              string     `json:"report_id" validate:"required,max=128"`
	DataAccessGroup string     `json:"data_access_group,omitempty" validate:"max=128"`
	Rows            []InputRow `json:"rows" validate:"required,min=1,dive"`
}

// Values returns the known input columns of the row
func (r InputRow) Values() []string {
	return []string{r.EscriptNDC, r.EscriptItem, r.DispensedNDC, r.DispensedItem, r.GCN, r.RowID, r.PageNumber}
}

// RowValues returns the known input columns of every row
func (r Report) RowValues() [][]string {
	out := make([][]string, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row.Values()
	}
	return out
}

// OutputHeader is the column order of reconciled rows
var OutputHeader = []string{
	"record_id",
	"report_id",
	"redcap_data_access_group",
	"report_row_number",
	"match_status",
	"incorrect_action___1",
	"incorrect_action___2",
	"incorrect_action___3",
	"incorrect_action___4",
	"erx_ndc",
	"erx_ingredient",
	"erx_dose_form",
	"erx_strength",
	"medication_prescribed",
	"medication_dispensed",
	"pharm_ndc",
	"pharm_ingredient",
	"pharm_dose_form",
	"pharm_strength",
	"page_number",
}

// OutputRow is one reconciled row
type OutputRow struct {
	RecordID             string `json:"record_id"`
	ReportID             string `json:"report_id"`
	DataAccessGroup      string `json:"redcap_data_access_group"`
	ReportRowNumber      string `json:"report_row_number"`
	MatchStatus          string `json:"match_status"`
	IngredientMismatch   string `json:"incorrect_action___1"`
	StrengthMismatch     string `json:"incorrect_action___2"`
	DoseFormMismatch     string `json:"incorrect_action___3"`
	IdentityDiffers      string `json:"incorrect_action___4"`
	ErxNDC               string `json:"erx_ndc"`
	ErxIngredient        string `json:"erx_ingredient"`
	ErxDoseForm          string `json:"erx_dose_form"`
	ErxStrength          string `json:"erx_strength"`
	MedicationPrescribed string `json:"medication_prescribed"`
	MedicationDispensed  string `json:"medication_dispensed"`
	PharmNDC             string `json:"pharm_ndc"`
	PharmIngredient      string `json:"pharm_ingredient"`
	PharmDoseForm        string `json:"pharm_dose_form"`
	PharmStrength        string `json:"pharm_strength"`
	PageNumber           string `json:"page_number"`
}

// Values returns the row in OutputHeader order
func (r OutputRow) Values() []string {
	return []string{
		r.RecordID, r.ReportID, r.DataAccessGroup, r.ReportRowNumber, r.MatchStatus,
		r.IngredientMismatch, r.StrengthMismatch, r.DoseFormMismatch, r.IdentityDiffers,
		r.ErxNDC, r.ErxIngredient, r.ErxDoseForm, r.ErxStrength,
		r.MedicationPrescribed, r.MedicationDispensed,
		r.PharmNDC, r.PharmIngredient, r.PharmDoseForm, r.PharmStrength,
		r.PageNumber,
	}
}

// isBlank reports whether a spreadsheet cell carries no value
func isBlank(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "none", "nan", "null":
		return true
	}
	return false
}

// isCompound reports whether the dispensed side is a pharmacy compound
func isCompound(row InputRow) bool {
	return strings.Contains(strings.ToLower(row.DispensedItem), "cmpd") && isBlank(row.DispensedNDC)
}
