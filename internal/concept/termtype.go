package concept

import "strings"

// TermType is the RxNorm term type (TTY) of a concept
type TermType int

const (
	TermTypeUnknown TermType = iota
	TermTypeSCD
	TermTypeSBD
	TermTypeGPCK
	TermTypeBPCK
	TermTypeIN
	TermTypePIN
	TermTypeMIN
	TermTypeSCDG
	TermTypeSBDG
	TermTypeSCDC
	TermTypeSBDC
	TermTypeSCDF
	TermTypeOCD
)

var termTypeNames = map[TermType]string{
	TermTypeUnknown: "",
	TermTypeSCD:     "SCD",
	TermTypeSBD:     "SBD",
	TermTypeGPCK:    "GPCK",
	TermTypeBPCK:    "BPCK",
	TermTypeIN:      "IN",
	TermTypePIN:     "PIN",
	TermTypeMIN:     "MIN",
	TermTypeSCDG:    "SCDG",
	TermTypeSBDG:    "SBDG",
	TermTypeSCDC:    "SCDC",
	TermTypeSBDC:    "SBDC",
	TermTypeSCDF:    "SCDF",
	TermTypeOCD:     "OCD",
}

var termTypesByName = func() map[string]TermType {
	m := make(map[string]TermType, len(termTypeNames))
	for tt, name := range termTypeNames {
		m[name] = tt
	}
	return m
}()

// AllTermTypes lists every term type the canonicalizer handles
func AllTermTypes() []TermType {
	out := make([]TermType, 0, len(termTypeNames))
	for tt := TermTypeUnknown; tt <= TermTypeOCD; tt++ {
		out = append(out, tt)
	}
	return out
}

// ParseTermType maps a TTY string to a TermType. Unrecognized values are TermTypeUnknown.
func ParseTermType(s string) TermType {
	if tt, ok := termTypesByName[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return tt
	}
	return TermTypeUnknown
}

func (t TermType) String() string {
	return termTypeNames[t]
}

// IsBranded reports whether the term type denotes a branded product
func (t TermType) IsBranded() bool {
	switch t {
	case TermTypeSBD, TermTypeBPCK, TermTypeSBDG, TermTypeSBDC:
		return true
	}
	return false
}

// HasCompanion reports whether concepts of this type link to a generic companion
func (t TermType) HasCompanion() bool {
	switch t {
	case TermTypeSBD, TermTypeGPCK, TermTypeBPCK:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler
func (t TermType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *TermType) UnmarshalText(b []byte) error {
	*t = ParseTermType(string(b))
	return nil
}
