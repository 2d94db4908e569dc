// Package reconcile decides whether a dispensed drug matches the prescribed one.
package reconcile

import "fmt"

// Status is the outcome class of a reconciliation
type Status int

const (
	// StatusIndeterminate means the row lacked data and is excluded from scoring
	StatusIndeterminate Status = iota
	// StatusExactIdentity means the NDCs or RxCUIs are identical
	StatusExactIdentity
	// StatusCompanionIdentity means a branded product matched through its generic companion
	StatusCompanionIdentity
	// StatusComponentEquivalent means ingredient, dose form and strength all matched
	StatusComponentEquivalent
	// StatusMismatch means at least one component differs
	StatusMismatch
)

var statusNames = map[Status]string{
	StatusIndeterminate:       "indeterminate",
	StatusExactIdentity:       "exact_identity",
	StatusCompanionIdentity:   "companion_identity",
	StatusComponentEquivalent: "component_equivalent",
	StatusMismatch:            "mismatch",
}

func (s Status) String() string {
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for status, name := range statusNames {
		if name == string(b) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Code is the match_status value reported for s
func (s Status) Code() string {
	switch s {
	case StatusExactIdentity, StatusComponentEquivalent:
		return "2"
	case StatusCompanionIdentity:
		return "3"
	case StatusMismatch:
		return "1"
	}
	return ""
}

// Verdict is the result of comparing one prescribed and one dispensed drug
type Verdict struct {
	Status             Status `json:"status"`
	IngredientMismatch bool   `json:"ingredient_mismatch"`
	StrengthMismatch   bool   `json:"strength_mismatch"`
	DoseFormMismatch   bool   `json:"dose_form_mismatch"`
	// ComponentsMatchButIdentityDiffers is set when every component matched
	// although neither NDC nor RxCUI did
	ComponentsMatchButIdentityDiffers bool `json:"components_match_but_identity_differs"`
	// Rule names the rule that decided the verdict
	Rule string `json:"rule"`
}

// Code is the match_status value of the verdict
func (v Verdict) Code() string {
	return v.Status.Code()
}

// Flags returns the four incorrect_action flags as "0" or "1"
func (v Verdict) Flags() [4]string {
	return [4]string{
		flag(v.IngredientMismatch),
		flag(v.StrengthMismatch),
		flag(v.DoseFormMismatch),
		flag(v.ComponentsMatchButIdentityDiffers),
	}
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
