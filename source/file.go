// Package source provides configuration sources for the provider registry.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	qf "github.com/ineyio/questforge"
)

// File loads providers from a YAML config file.
type File struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
}

var _ qf.Loader = (*File)(nil)

// FileOption configures File.
type FileOption func(*File)

// WithDebounce sets how long Watch waits for writes to settle (default 200ms).
func WithDebounce(d time.Duration) FileOption {
	return func(f *File) { f.debounce = d }
}

// WithLogger sets the logger used by Watch.
func WithLogger(l *slog.Logger) FileOption {
	return func(f *File) { f.logger = l }
}

// NewFile creates a File source for path.
func NewFile(path string, opts ...FileOption) *File {
	f := &File{path: path, debounce: 200 * time.Millisecond, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Load reads and validates the file.
func (f *File) Load(context.Context) ([]qf.ProviderConfig, error) {
	cfg, err := qf.LoadConfig(f.path)
	if err != nil {
		return nil, err
	}
	return cfg.Providers, nil
}

// Watch refreshes reg whenever the file changes, until ctx is done. A bad
// edit is logged and the registry keeps serving the previous snapshot.
func (f *File) Watch(ctx context.Context, reg *qf.Registry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("questforge: watch config: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file by rename.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("questforge: watch config: %w", err)
	}
	name := filepath.Clean(f.path)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(f.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			if err := reg.Refresh(ctx); err != nil {
				f.logger.Warn("config reload failed", "path", f.path, "error", err)
				continue
			}
			f.logger.Info("config reloaded", "path", f.path, "candidates", reg.Snapshot().Len())

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("config watcher error", "error", err)
		}
	}
}
