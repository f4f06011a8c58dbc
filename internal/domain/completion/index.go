// Package completion maintains the completion-event feed: result files
// written to a shared drive whose base filenames are invoice numbers and
// whose timestamps are test-completion times. The package merges a
// persisted event log with newly scanned files and answers "when did this
// invoice complete?" for the transform and reconciliation engines.
package completion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Event associates an invoice number with a completion timestamp.
type Event struct {
	Invoice     string
	CompletedAt time.Time
}

// timeLayouts are the textual timestamp forms accepted from the event log
// and the drive scan. The feed has passed through several Windows tools
// over the years, hence the spread.
var timeLayouts = []string{
	"1/2/2006 3:04 PM",
	"01/02/2006 03:04 PM",
	"01/02/2006 15:04:05",
	"1/2/2006 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000000",
}

// canonicalLayout is the single form events are persisted in.
const canonicalLayout = "01/02/2006 03:04 PM"

// ParseTime normalizes a completion timestamp in any accepted layout.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Index maps invoice numbers to their latest known completion timestamp.
type Index struct {
	latest map[string]time.Time

	// Dropped counts log entries discarded because their timestamp
	// matched no accepted layout. Diagnostic only.
	Dropped int
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{latest: make(map[string]time.Time)}
}

// Add merges an event, keeping only the latest timestamp per invoice.
func (ix *Index) Add(ev Event) {
	if prev, ok := ix.latest[ev.Invoice]; !ok || ev.CompletedAt.After(prev) {
		ix.latest[ev.Invoice] = ev.CompletedAt
	}
}

// Lookup returns the latest completion timestamp for invoice.
func (ix *Index) Lookup(invoice string) (time.Time, bool) {
	t, ok := ix.latest[invoice]
	return t, ok
}

// Has reports whether invoice is present without returning the timestamp.
func (ix *Index) Has(invoice string) bool {
	_, ok := ix.latest[invoice]
	return ok
}

// Latest returns the newest completion timestamp across invoices, or
// ok=false when none of them is in the index. Used by both engines to
// resolve a specimen whose tests were billed on several invoices.
func (ix *Index) Latest(invoices []string) (time.Time, bool) {
	var best time.Time
	found := false
	for _, inv := range invoices {
		if t, ok := ix.latest[inv]; ok && (!found || t.After(best)) {
			best, found = t, true
		}
	}
	return best, found
}

// Len returns the number of indexed invoices.
func (ix *Index) Len() int { return len(ix.latest) }

// Events returns the indexed events in unspecified order.
func (ix *Index) Events() []Event {
	out := make([]Event, 0, len(ix.latest))
	for inv, t := range ix.latest {
		out = append(out, Event{Invoice: inv, CompletedAt: t})
	}
	return out
}

// Log reads and writes the persisted completion-event log (TimeOut.csv:
// FileName, CreationTime).
type Log struct {
	Path string
}

// Load reads the log into an index. A missing file yields an empty index
// (the feed simply has not produced anything yet); unparseable rows are
// dropped with a diagnostic, not fatal.
func (l Log) Load(logger zerolog.Logger) (*Index, error) {
	ix := NewIndex()

	f, err := os.Open(l.Path)
	if errors.Is(err, os.ErrNotExist) {
		return ix, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open completion log %s: %w", l.Path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1

	if _, err := cr.Read(); err != nil { // header
		if err == io.EOF {
			return ix, nil
		}
		return nil, fmt.Errorf("read completion log header: %w", err)
	}
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read completion log row: %w", err)
		}
		if len(row) < 2 || row[0] == "" || row[1] == "" {
			continue
		}

		t, ok := ParseTime(row[1])
		if !ok {
			ix.Dropped++
			logger.Warn().Str("invoice", row[0]).Str("creation_time", row[1]).
				Msg("dropping completion event with unparseable timestamp")
			continue
		}
		ix.Add(Event{Invoice: row[0], CompletedAt: t})
	}
	return ix, nil
}

// Save rewrites the log from the index, atomically, in the canonical
// timestamp form.
func (l Log) Save(ix *Index) error {
	dir := filepath.Dir(l.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create completion log dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".timeout-*")
	if err != nil {
		return fmt.Errorf("create temp completion log: %w", err)
	}
	tmpName := tmp.Name()

	cw := csv.NewWriter(tmp)
	writeErr := cw.Write([]string{"FileName", "CreationTime"})
	for _, ev := range ix.Events() {
		if writeErr != nil {
			break
		}
		writeErr = cw.Write([]string{ev.Invoice, ev.CompletedAt.Format(canonicalLayout)})
	}
	cw.Flush()
	if writeErr == nil {
		writeErr = cw.Error()
	}
	if writeErr != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write completion log: %w", writeErr)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close completion log: %w", err)
	}
	if err := os.Rename(tmpName, l.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace completion log %s: %w", l.Path, err)
	}
	return nil
}
