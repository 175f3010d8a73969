package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FrequencyUpdate reports a detector cadence change picked up from a
// rewritten config file.
type FrequencyUpdate struct {
	Detector  string
	Frequency time.Duration
}

// Watch re-reads the config file whenever it changes on disk and emits the
// detector cadence changes it finds. Only frequency_ms is hot-reloadable —
// changing receivers, preprocessors, or the detector set requires a
// restart, so those differences are ignored with a warning.
//
// The watch is installed on the file's directory, not the file itself:
// editors and config management tools typically replace the file
// (rename-over), which would silently detach a direct file watch.
//
// The returned channel closes when ctx is cancelled.
func Watch(ctx context.Context, path string) (<-chan FrequencyUpdate, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolving %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watching %s: %w", filepath.Dir(abs), err)
	}

	last, err := Load(abs)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	updates := make(chan FrequencyUpdate)
	go func() {
		defer close(updates)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != abs || !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}

				next, err := Load(abs)
				if err != nil {
					// A broken rewrite must not take the pipeline down;
					// keep running on the last good config.
					slog.Warn("config: ignoring invalid reload", "path", abs, "error", err)
					continue
				}

				for _, upd := range diffFrequencies(last, next) {
					select {
					case updates <- upd:
						slog.Info("config: detector frequency updated",
							"detector", upd.Detector,
							"frequency", upd.Frequency,
						)
					case <-ctx.Done():
						return
					}
				}
				last = next

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config: watcher error", "error", err)
			}
		}
	}()

	return updates, nil
}

func diffFrequencies(old, next *Config) []FrequencyUpdate {
	prev := make(map[string]float64, len(old.Detectors))
	for _, d := range old.Detectors {
		prev[d.Name] = d.FrequencyMS
	}

	var out []FrequencyUpdate
	for _, d := range next.Detectors {
		was, known := prev[d.Name]
		if !known {
			slog.Warn("config: new detector in reload ignored (restart required)", "detector", d.Name)
			continue
		}
		if was != d.FrequencyMS {
			out = append(out, FrequencyUpdate{Detector: d.Name, Frequency: d.Frequency()})
		}
	}
	return out
}
