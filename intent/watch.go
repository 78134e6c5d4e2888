package intent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Extractor serves Extract from a table that can be swapped at runtime.
// A reload that fails to parse keeps the previous table.
type Extractor struct {
	table  atomic.Pointer[Table]
	logger *slog.Logger
}

// NewExtractor returns an extractor serving t (the default table when nil).
func NewExtractor(t *Table, logger *slog.Logger) *Extractor {
	if t == nil {
		t = DefaultTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{logger: logger}
	e.table.Store(t)
	return e
}

// Table returns the table currently in use.
func (e *Extractor) Table() *Table { return e.table.Load() }

// Extract runs the current table over an utterance.
func (e *Extractor) Extract(utterance string) Signals {
	return e.table.Load().Extract(utterance)
}

// Reload reads path and swaps the table in on success.
func (e *Extractor) Reload(path string) error {
	t, err := LoadTable(path)
	if err != nil {
		return err
	}
	prev := e.table.Swap(t)
	e.logger.Info("Intent table reloaded", "path", path, "version", t.Version, "previous_version", prev.Version)
	return nil
}

// Watch reloads the table whenever path changes, until ctx is done. The
// parent directory is watched so editors that replace the file by rename
// are picked up.
func (e *Extractor) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := e.Reload(abs); err != nil {
					e.logger.Warn("Intent table reload failed, keeping previous table", "path", abs, "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				e.logger.Warn("Intent table watcher error", "error", err)
			}
		}
	}()

	e.logger.Info("Intent table watcher started", "path", abs)
	return nil
}
