// Package catalog loads the per-client test metadata sheet (meta.csv):
// the expected turnaround time, lab section and price for every test name
// the transform engine is allowed to emit.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// TestMeta is the catalog entry for one normalized test name.
type TestMeta struct {
	TATMinutes float64
	LabSection string
	Price      float64
}

// Catalog maps normalized (upper-cased, trimmed) test names to their
// metadata. It is loaded once per run and read-only afterwards.
type Catalog struct {
	entries map[string]TestMeta

	// BadNumeric counts rows whose TAT or Price failed to parse and fell
	// back to zero. Diagnostic only.
	BadNumeric int
}

// Normalize folds a raw test name into the catalog's key form.
func Normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Lookup normalizes name and returns its metadata. The second return is
// false when the name is not in the catalog.
func (c *Catalog) Lookup(name string) (TestMeta, bool) {
	m, ok := c.entries[Normalize(name)]
	return m, ok
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Load reads the catalog from a CSV file with a TestName,TAT,LabSection,
// Price header. A missing or unreadable file is fatal for the run; rows
// with unparseable numeric fields are kept with zero values and tallied.
func Load(path string, logger zerolog.Logger) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()

	c, err := Parse(f, logger)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	logger.Info().Int("entries", c.Len()).Str("path", path).Msg("loaded test metadata catalog")
	return c, nil
}

// Parse reads catalog rows from r. Split out from Load for tests.
func Parse(r io.Reader, logger zerolog.Logger) (*Catalog, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{"TestName", "TAT", "LabSection", "Price"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("catalog header missing %q column", required)
		}
	}

	c := &Catalog{entries: make(map[string]TestMeta)}
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		name := Normalize(row[col["TestName"]])
		if name == "" {
			continue
		}

		meta := TestMeta{LabSection: strings.TrimSpace(row[col["LabSection"]])}
		bad := false
		if meta.TATMinutes, err = strconv.ParseFloat(strings.TrimSpace(row[col["TAT"]]), 64); err != nil {
			meta.TATMinutes = 0
			bad = true
		}
		if meta.Price, err = strconv.ParseFloat(strings.TrimSpace(row[col["Price"]]), 64); err != nil {
			meta.Price = 0
			bad = true
		}
		if bad {
			c.BadNumeric++
			logger.Warn().Str("test_name", name).Msg("catalog row has unparseable numeric fields, using zero")
		}

		c.entries[name] = meta
	}
	return c, nil
}
