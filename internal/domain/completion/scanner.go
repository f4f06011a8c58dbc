package completion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Scanner discovers new result files on the shared drive. A file's base
// name (without extension) is the invoice number; its modification time is
// the completion timestamp. The scanner keeps its own last-run cursor so
// repeated scans only consider files that appeared since the previous
// successful scan.
type Scanner struct {
	SourceDir   string
	LastRunPath string

	// DefaultStart bounds the very first scan when no cursor file
	// exists yet; zero means "take every file".
	DefaultStart time.Time

	Logger zerolog.Logger
}

// lastRun reads the cursor, falling back to DefaultStart on a missing or
// unreadable file. Unlike the transform checkpoint, a lost cursor here is
// harmless: rescanned files dedup against the event log.
func (s *Scanner) lastRun() time.Time {
	data, err := os.ReadFile(s.LastRunPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.Logger.Warn().Err(err).Str("path", s.LastRunPath).Msg("could not read scan cursor, using default start")
		}
		return s.DefaultStart
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		s.Logger.Warn().Err(err).Str("path", s.LastRunPath).Msg("invalid scan cursor, using default start")
		return s.DefaultStart
	}
	return t
}

func (s *Scanner) saveLastRun(t time.Time) error {
	if err := os.MkdirAll(filepath.Dir(s.LastRunPath), 0o755); err != nil {
		return fmt.Errorf("create scan cursor dir: %w", err)
	}
	if err := os.WriteFile(s.LastRunPath, []byte(t.Format(time.RFC3339Nano)), 0o644); err != nil {
		return fmt.Errorf("write scan cursor %s: %w", s.LastRunPath, err)
	}
	return nil
}

// invoiceFromPath derives the invoice number from a result file path.
func invoiceFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Scan walks the source drive, merges newly appeared files into the event
// log, rewrites the log, and advances the cursor. The cursor and log are
// only touched after the walk completes, so a failed scan is retried in
// full next time. Returns the merged index and the number of new events.
func (s *Scanner) Scan(ctx context.Context, log Log) (*Index, int, error) {
	ix, err := log.Load(s.Logger)
	if err != nil {
		return nil, 0, err
	}

	info, err := os.Stat(s.SourceDir)
	if err != nil {
		return nil, 0, fmt.Errorf("stat source folder %s: %w", s.SourceDir, err)
	}
	if !info.IsDir() {
		return nil, 0, fmt.Errorf("source folder %s is not a directory", s.SourceDir)
	}

	since := s.lastRun()
	scanStart := time.Now()
	found := 0

	err = filepath.WalkDir(s.SourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.Logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable entry")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}

		invoice := invoiceFromPath(path)
		if invoice == "" || ix.Has(invoice) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			s.Logger.Warn().Err(err).Str("path", path).Msg("could not stat result file")
			return nil
		}
		created := fi.ModTime()
		if !created.After(since) {
			return nil
		}

		ix.Add(Event{Invoice: invoice, CompletedAt: created})
		found++
		s.Logger.Debug().Str("invoice", invoice).Time("completed_at", created).Msg("found new result file")
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("walk %s: %w", s.SourceDir, err)
	}

	if found > 0 {
		if err := log.Save(ix); err != nil {
			return nil, 0, err
		}
	}
	if err := s.saveLastRun(scanStart); err != nil {
		return nil, 0, err
	}

	s.Logger.Info().Int("new_events", found).Int("total", ix.Len()).Msg("completion scan finished")
	return ix, found, nil
}

// Watch runs an initial Scan and then appends completion events as result
// files are created under the source drive, persisting the log after each
// event. It blocks until ctx is cancelled.
func (s *Scanner) Watch(ctx context.Context, log Log) error {
	ix, _, err := s.Scan(ctx, log)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the tree, not just the root: result files land in per-day
	// subdirectories.
	err = filepath.WalkDir(s.SourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", s.SourceDir, err)
	}

	s.Logger.Info().Str("dir", s.SourceDir).Msg("watching for result files")

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}

			fi, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			if fi.IsDir() {
				// New subdirectory: start watching it too.
				_ = watcher.Add(ev.Name)
				continue
			}

			invoice := invoiceFromPath(ev.Name)
			if invoice == "" || ix.Has(invoice) {
				continue
			}
			ix.Add(Event{Invoice: invoice, CompletedAt: fi.ModTime()})
			if err := log.Save(ix); err != nil {
				s.Logger.Error().Err(err).Msg("could not persist completion log")
				continue
			}
			s.Logger.Info().Str("invoice", invoice).Time("completed_at", fi.ModTime()).Msg("recorded completion event")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.Logger.Error().Err(err).Msg("watcher error")
		}
	}
}
