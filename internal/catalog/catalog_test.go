package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
datasets:
  - label: households
    description: Household roster
    required_fields: [household_id, district]
    max_records: 2
  - label: facilities
    required_fields: [facility_id]
`

func TestParseAndLookup(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	ds, ok := c.Lookup("households")
	require.True(t, ok)
	assert.Equal(t, []string{"household_id", "district"}, ds.RequiredFields)

	_, ok = c.Lookup("unknown")
	assert.False(t, ok)

	labels := c.Datasets()
	require.Len(t, labels, 2)
	assert.Equal(t, "facilities", labels[0].Label)
}

func TestParseRejectsDuplicates(t *testing.T) {
	_, err := Parse([]byte("datasets:\n  - label: a\n  - label: a\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = Parse([]byte("datasets:\n  - description: nothing\n"))
	assert.ErrorContains(t, err, "without label")
}

func TestDatasetCheck(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	ds, _ := c.Lookup("households")

	assert.NoError(t, ds.Check([]map[string]interface{}{{"household_id": 1, "district": "north"}}))
	assert.ErrorContains(t, ds.Check([]map[string]interface{}{{"household_id": 1}}), `record 1 is missing required field "district"`)
	assert.ErrorContains(t, ds.Check([]map[string]interface{}{{"household_id": 1, "district": nil}}), "district")
	assert.ErrorContains(t, ds.Check(make([]map[string]interface{}, 3)), "at most 2")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datasets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	_, ok := c.Lookup("facilities")
	assert.True(t, ok)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
