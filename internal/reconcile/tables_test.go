package reconcile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTablesLoad(t *testing.T) {
	tables := DefaultTables()
	require.NotNil(t, tables)
	assert.True(t, tables.EquivalentDoseForms("Oral Tablet, Oral Product, Pill", "Pill"))
	assert.True(t, tables.EquivalentIngredients("bacitracin zinc", "bacitracin"))
	assert.True(t, tables.SubstitutableDoseForm("Otic Suspension, Otic Product", "Ophthalmic Suspension, Ophthalmic Product"))
	assert.Len(t, tables.ingredientSubstitutions, 2)
	assert.True(t, tables.chewable.has("calcium ion, cholecalciferol"))
}

func TestLoadTablesRejectsBadPairs(t *testing.T) {
	_, err := LoadTables(strings.NewReader("dose_form_equivalents:\n  - [\"only one\"]\n"))
	assert.Error(t, err)

	_, err = LoadTables(strings.NewReader("unknown_table: []\n"))
	assert.Error(t, err)

	_, err = LoadTables(strings.NewReader("ingredient_dose_form_substitutions:\n  - pairs: [[a, b]]\n"))
	assert.Error(t, err)
}

func TestLoadTablesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chewable_ingredients: [\"Vitamin C\"]\n"), 0o600))

	tables, err := LoadTablesFile(path)
	require.NoError(t, err)
	assert.True(t, tables.chewable.has("vitamin c"))

	_, err = LoadTablesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEquivalentStrengths(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"10 mg/1 ml", "20 mg/1 ml", true},
		{"10 mg/1 ml", "5 mg/1 ml", true},
		{"10 mg/1 ml", "10 mg/1 ml", true},
		{"10 mg/1 ml", "30 mg/1 ml", false},
		{"10 mg/1 ml", "10 mg/1 each", false},
		{"10 mg/1 ml, 5 mg/1 ml", "10 mg/1 ml", false},
		{"10 MG/5 ML", "4 MG/1 ML", true},
		{"n/a", "n/a", false},
		{"1 mg/0 ml", "1 mg/0 ml", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, equivalentStrengths(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "oxycodone", normalize(" Oxycodone "))
	assert.Equal(t, normalize("école"), normalize("ÉCOLE"))
}
