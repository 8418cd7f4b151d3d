package fetch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openfroyo/stackforge/pkg/telemetry"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long a burst of file events is coalesced.
const DefaultDebounce = 500 * time.Millisecond

// RebuildFunc runs after a watched file changed. It returns the files to
// watch from now on, or nil to keep the current set.
type RebuildFunc func(ctx context.Context) []string

// Watcher re-runs a build whenever one of its input files changes.
type Watcher struct {
	logger zerolog.Logger
	delay  time.Duration
}

// NewWatcher creates a watcher with the default debounce delay.
func NewWatcher(logger zerolog.Logger) *Watcher {
	return &Watcher{
		logger: logger.With().Str("component", "watcher").Logger(),
		delay:  DefaultDebounce,
	}
}

// WithDelay overrides the debounce delay.
func (w *Watcher) WithDelay(d time.Duration) *Watcher {
	w.delay = d
	return w
}

// Run watches files until ctx is done. Parent directories are watched so
// editors that replace files on save are still noticed. Rebuilds run on the
// calling goroutine, one at a time.
func (w *Watcher) Run(ctx context.Context, files []string, rebuild RebuildFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dirs := make(map[string]bool)
	watched := w.sync(watcher, dirs, files)

	w.logger.Info().Int("files", len(watched)).Msg("Watching for changes")

	var timer *time.Timer
	trigger := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !watched[filepath.Clean(event.Name)] {
				continue
			}

			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")
			_ = telemetry.EventsFromContext(ctx).PublishSourceChanged(event.Name)

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.delay, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case <-trigger:
			if next := rebuild(ctx); next != nil {
				watched = w.sync(watcher, dirs, next)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// sync points the watcher at the parent directories of files and returns
// the set of watched file paths.
func (w *Watcher) sync(watcher *fsnotify.Watcher, dirs map[string]bool, files []string) map[string]bool {
	watched := make(map[string]bool, len(files))
	wanted := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			continue
		}
		watched[abs] = true
		wanted[filepath.Dir(abs)] = true
	}

	for dir := range dirs {
		if !wanted[dir] {
			_ = watcher.Remove(dir)
			delete(dirs, dir)
		}
	}
	for dir := range wanted {
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch directory")
			continue
		}
		dirs[dir] = true
	}

	return watched
}
