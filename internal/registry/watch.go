package registry

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/specialistvlad/rendergrid/internal/ctxlog"
)

// Watch reloads a component whenever its file is written. It watches the
// directories of the registered files on the OS file system and stops when
// ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	byPath := r.paths()
	dirs := make(map[string]struct{})
	for p := range byPath {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	logger.Debug("Watching component files.", "dirs", len(dirs), "files", len(byPath))

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				name, ok := byPath[filepath.Clean(ev.Name)]
				if !ok {
					continue
				}
				if err := r.Reload(ctx, name); err != nil {
					logger.Warn("Component reload failed.", "component", name, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("File watcher error.", "error", err)
			}
		}
	}()
	return nil
}
