// Package checkpoint persists the transform engine's incremental-processing
// state: the set of invoice numbers already converted and the timestamp of
// the last successful run. It is read at the start of a run and rewritten
// only after the run commits, so an interrupted run leaves the previous
// window intact and the next run naturally retries it.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the explicit run-to-run state object handed to the
// transform engine. It is not safe for concurrent use; runs are serialized
// by external scheduling.
type Checkpoint struct {
	processed map[string]struct{}
	lastRun   time.Time
}

// New returns an empty checkpoint.
func New() *Checkpoint {
	return &Checkpoint{processed: make(map[string]struct{})}
}

// Seen reports whether invoice was already transformed in a prior run.
func (c *Checkpoint) Seen(invoice string) bool {
	_, ok := c.processed[invoice]
	return ok
}

// Add records invoices as processed. Call after a run succeeds, before Save.
func (c *Checkpoint) Add(invoices ...string) {
	for _, inv := range invoices {
		c.processed[inv] = struct{}{}
	}
}

// Len returns the number of processed invoices.
func (c *Checkpoint) Len() int { return len(c.processed) }

// LastRun returns the timestamp of the last successful run (zero if none).
func (c *Checkpoint) LastRun() time.Time { return c.lastRun }

// SetLastRun updates the last successful run timestamp.
func (c *Checkpoint) SetLastRun(t time.Time) { c.lastRun = t }

type fileState struct {
	Processed []string  `json:"processed_invoices"`
	LastRun   time.Time `json:"last_run"`
}

// Store reads and writes checkpoints as a JSON file.
type Store struct {
	Path string
}

// Load reads the checkpoint file. A missing file yields an empty
// checkpoint; a present-but-unreadable file is an error, which callers
// treat as fatal for the run (silently restarting from zero would
// double-count every historical invoice).
func (s Store) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", s.Path, err)
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", s.Path, err)
	}

	c := New()
	c.Add(st.Processed...)
	c.lastRun = st.LastRun
	return c, nil
}

// Save writes the checkpoint atomically (temp file + rename) so a crash
// mid-write never leaves a truncated state file behind.
func (s Store) Save(c *Checkpoint) error {
	st := fileState{Processed: make([]string, 0, len(c.processed)), LastRun: c.lastRun}
	for inv := range c.processed {
		st.Processed = append(st.Processed, inv)
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint %s: %w", s.Path, err)
	}
	return nil
}
