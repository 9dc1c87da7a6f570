// Package catalog loads the table labels that accept uploads and the fields
// each record of a dataset must carry.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dataset describes one uploadable table.
type Dataset struct {
	Label          string   `yaml:"label" json:"label"`
	Description    string   `yaml:"description" json:"description,omitempty"`
	RequiredFields []string `yaml:"required_fields" json:"required_fields"`
	MaxRecords     int      `yaml:"max_records" json:"max_records,omitempty"`
}

// Catalog indexes datasets by label.
type Catalog struct {
	datasets map[string]Dataset
}

type file struct {
	Datasets []Dataset `yaml:"datasets"`
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset catalog: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a catalog document.
func Parse(raw []byte) (*Catalog, error) {
	var doc file
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode dataset catalog: %w", err)
	}
	c := &Catalog{datasets: make(map[string]Dataset, len(doc.Datasets))}
	for _, ds := range doc.Datasets {
		ds.Label = strings.TrimSpace(ds.Label)
		if ds.Label == "" {
			return nil, fmt.Errorf("dataset catalog: entry without label")
		}
		if _, dup := c.datasets[ds.Label]; dup {
			return nil, fmt.Errorf("dataset catalog: duplicate label %q", ds.Label)
		}
		c.datasets[ds.Label] = ds
	}
	return c, nil
}

// Lookup returns the dataset registered under label.
func (c *Catalog) Lookup(label string) (Dataset, bool) {
	if c == nil {
		return Dataset{}, false
	}
	ds, ok := c.datasets[label]
	return ds, ok
}

// Datasets lists every dataset ordered by label.
func (c *Catalog) Datasets() []Dataset {
	if c == nil {
		return nil
	}
	out := make([]Dataset, 0, len(c.datasets))
	for _, ds := range c.datasets {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Check verifies records against the dataset rules and returns the first
// violation found.
func (ds Dataset) Check(records []map[string]interface{}) error {
	if ds.MaxRecords > 0 && len(records) > ds.MaxRecords {
		return fmt.Errorf("dataset %s accepts at most %d records, got %d", ds.Label, ds.MaxRecords, len(records))
	}
	for i, record := range records {
		for _, field := range ds.RequiredFields {
			value, ok := record[field]
			if !ok || value == nil {
				return fmt.Errorf("record %d is missing required field %q", i+1, field)
			}
		}
	}
	return nil
}
