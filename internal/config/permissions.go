package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jkaninda/fngate/internal/permission"
)

const permissionsDebounce = 300 * time.Millisecond

// LoadPermissionsFile reads a flat function -> level map from a JSON, JSONC
// or YAML file. Any unknown level fails the whole file.
func LoadPermissionsFile(path string) (map[string]permission.Level, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading permissions file %s: %w", path, err)
	}
	raw := map[string]string{}
	if err := decode(path, data, &raw); err != nil {
		return nil, err
	}
	entries, err := parseEntries(raw)
	if err != nil {
		return nil, fmt.Errorf("permissions file %s: %w", path, err)
	}
	return entries, nil
}

// WatchPermissionsFile calls apply with the file's entries whenever it is
// written, created or renamed into place, until ctx is done. The parent
// directory is watched so editors that replace the file are picked up.
// A file that fails to parse is logged and ignored; the previous entries stay.
func WatchPermissionsFile(ctx context.Context, path string, apply func(map[string]permission.Level), logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	reload := func() {
		entries, err := LoadPermissionsFile(abs)
		if err != nil {
			logger.Warn("permissions file reload failed", slog.String("path", abs), slog.String("error", err.Error()))
			return
		}
		apply(entries)
		logger.Info("permissions file reloaded", slog.String("path", abs), slog.Int("entries", len(entries)))
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(permissionsDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("permissions watch error", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}
