package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/specialistvlad/rendergrid/internal/ctxlog"
	"github.com/specialistvlad/rendergrid/internal/fsutil"
	"github.com/specialistvlad/rendergrid/internal/sandbox"
)

type entry struct {
	path   string
	source string
}

// Registry holds the components of one worker.
type Registry struct {
	sb *sandbox.Sandbox
	fs afero.Fs

	mu      sync.RWMutex
	entries map[string]*entry
	funcs   map[string]Renderer
}

// Option configures a Registry.
type Option func(*Registry)

// WithFs sets the file system component sources are read from. It should be
// the one the sandbox resolves requires against.
func WithFs(fs afero.Fs) Option {
	return func(r *Registry) { r.fs = fs }
}

// New builds a registry from name -> file path and loads every entry through
// sb. Entries that fail to read or run are logged and left out.
func New(ctx context.Context, sb *sandbox.Sandbox, files map[string]string, opts ...Option) *Registry {
	r := &Registry{
		sb:      sb,
		fs:      afero.NewOsFs(),
		entries: make(map[string]*entry),
		funcs:   make(map[string]Renderer),
	}
	for _, opt := range opts {
		opt(r)
	}

	logger := ctxlog.FromContext(ctx)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e, err := r.load(ctx, files[name])
		if err != nil {
			logger.Error("Failed to load component, skipping.", "component", name, "path", files[name], "error", err)
			continue
		}
		r.entries[name] = e
		logger.Debug("Loaded component.", "component", name, "path", e.path)
	}
	logger.Info("Component registry ready.", "loaded", len(r.entries), "configured", len(files))
	return r
}

func (r *Registry) load(ctx context.Context, path string) (*entry, error) {
	raw, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read component source: %w", err)
	}
	e := &entry{path: path, source: string(raw)}
	if _, err := r.sb.Run(ctx, e.path, e.source); err != nil {
		return nil, err
	}
	return e, nil
}

// Lookup returns the renderer for name, or nil when the name is unknown,
// failed to load, or does not export a function.
func (r *Registry) Lookup(ctx context.Context, name string) Renderer {
	r.mu.RLock()
	fn, isFunc := r.funcs[name]
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if isFunc {
		return fn
	}
	if !ok {
		return nil
	}

	exp, err := r.sb.Run(ctx, e.path, e.source)
	if err != nil {
		ctxlog.FromContext(ctx).Error("Component failed to run.", "component", name, "error", err)
		return nil
	}
	return rendererFor(exp)
}

// Reload re-reads the source of name and runs it. On failure the previous
// source stays registered.
func (r *Registry) Reload(ctx context.Context, name string) error {
	r.mu.RLock()
	old, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("component '%s' is not registered", name)
	}

	e, err := r.load(ctx, old.path)
	if err != nil {
		return fmt.Errorf("failed to reload component '%s': %w", name, err)
	}

	r.mu.Lock()
	r.entries[name] = e
	r.mu.Unlock()
	if e.source != old.source {
		ctxlog.FromContext(ctx).Info("🔄 Component reloaded.", "component", name)
	}
	return nil
}

// RegisterFunc registers a Go renderer. Registering a name twice panics.
func (r *Registry) RegisterFunc(name string, fn RendererFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		panic(fmt.Sprintf("renderer with name '%s' already registered", name))
	}
	r.funcs[name] = fn
}

// Names lists every lookup-able component name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries)+len(r.funcs))
	for name := range r.entries {
		names = append(names, name)
	}
	for name := range r.funcs {
		if _, dup := r.entries[name]; !dup {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// paths maps each registered file path back to its component name.
func (r *Registry) paths() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.entries))
	for name, e := range r.entries {
		out[filepath.Clean(e.path)] = name
	}
	return out
}

// Discover maps every .js file under dir to a component named by its path
// relative to dir.
func Discover(fsys afero.Fs, dir string) (map[string]string, error) {
	files, err := fsutil.FindFilesByExtension(fsys, dir, ".js")
	if err != nil {
		return nil, fmt.Errorf("failed to discover components in %s: %w", dir, err)
	}
	out := make(map[string]string, len(files))
	for _, f := range files {
		name, err := filepath.Rel(dir, f)
		if err != nil {
			return nil, err
		}
		out[filepath.ToSlash(name)] = f
	}
	return out, nil
}
