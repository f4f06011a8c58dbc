// Package event provides the file-backed raw event source shared by the
// transform and reconciliation runs: a JSON array of per-test events as
// delivered by the LIMS extractor.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zyntel/zyntel/internal/domain/tat"
)

// Store reads and appends raw test events in a data.json file. Iteration
// is streaming: the file is decoded element by element and never held in
// memory as a whole.
type Store struct {
	Path string
}

// ErrStop can be returned from an Each callback to end iteration early
// without reporting an error.
var ErrStop = errors.New("stop iteration")

// Each streams every raw event to fn in file order. A missing file is an
// error: the transform run cannot proceed without its source.
func (s Store) Each(fn func(tat.RawTestEvent) error) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("open event source %s: %w", s.Path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if _, err := dec.Token(); err != nil { // opening [
		return fmt.Errorf("event source %s: %w", s.Path, err)
	}
	for dec.More() {
		var ev tat.RawTestEvent
		if err := dec.Decode(&ev); err != nil {
			return fmt.Errorf("decode event in %s: %w", s.Path, err)
		}
		if err := fn(ev); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// InvoicesByLabNo re-scans the event source and returns every invoice
// number historically associated with each lab number. The specimen
// aggregate does not persist its invoice set, so reconciliation rebuilds
// the association from the raw feed.
func (s Store) InvoicesByLabNo() (map[string][]string, error) {
	seen := make(map[string]map[string]struct{})
	err := s.Each(func(ev tat.RawTestEvent) error {
		if ev.LabNo == "" || ev.InvoiceNo == "" {
			return nil
		}
		m, ok := seen[ev.LabNo]
		if !ok {
			m = make(map[string]struct{})
			seen[ev.LabNo] = m
		}
		m[ev.InvoiceNo] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(seen))
	for labNo, invoices := range seen {
		list := make([]string, 0, len(invoices))
		for inv := range invoices {
			list = append(list, inv)
		}
		out[labNo] = list
	}
	return out, nil
}

// Append merges new events into the store, dropping exact duplicates of
// records already present, and rewrites the file atomically. Returns the
// number of truly new events appended. A missing file starts empty.
func (s Store) Append(events []tat.RawTestEvent) (int, error) {
	existing := make(map[tat.RawTestEvent]struct{})
	var all []tat.RawTestEvent

	err := s.Each(func(ev tat.RawTestEvent) error {
		existing[ev] = struct{}{}
		all = append(all, ev)
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}

	added := 0
	for _, ev := range events {
		if _, dup := existing[ev]; dup {
			continue
		}
		existing[ev] = struct{}{}
		all = append(all, ev)
		added++
	}
	if added == 0 {
		return 0, nil
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode event source: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create event source dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".data-*")
	if err != nil {
		return 0, fmt.Errorf("create temp event source: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("write event source: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("close event source: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("replace event source %s: %w", s.Path, err)
	}
	return added, nil
}
