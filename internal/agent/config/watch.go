package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/neboloop/vox/internal/logging"
)

// Watch reloads the settings blob whenever it changes on disk and passes the new
// value to onChange. It watches the directory so atomic renames are seen. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Settings)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	log := logging.Named("config")
	name := filepath.Base(path)

	// editors emit bursts of events; coalesce them
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(evt.Name) != name || !evt.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			debounce = time.After(100 * time.Millisecond)
		case <-debounce:
			debounce = nil
			s, err := LoadSettings(path)
			if err != nil {
				log.Warnw("settings reload failed", "error", err)
				continue
			}
			log.Infow("settings reloaded", "provider", s.Provider, "model", s.Model)
			onChange(s)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnw("settings watcher error", "error", err)
		}
	}
}
