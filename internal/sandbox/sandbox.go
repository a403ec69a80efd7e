package sandbox

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/specialistvlad/rendergrid/internal/ctxlog"
)

// DefaultCacheSize bounds the export cache when Options.CacheSize is zero.
const DefaultCacheSize = 128

// Options configures a Sandbox.
type Options struct {
	// Fs is the file system nested requires are resolved against.
	// Defaults to the OS file system.
	Fs afero.Fs
	// CacheSize is the maximum number of cached exports.
	CacheSize int
	// Preload lists absolute paths of units evaluated into every fresh
	// Context before the requested unit runs (polyfills, shims).
	Preload []string
	// Env is exposed to units as process.env.
	Env map[string]string
}

// Sandbox runs units of code in isolated Contexts and caches their exports.
// It is safe for concurrent use.
type Sandbox struct {
	fs      afero.Fs
	cache   *lru.Cache[string, *Export]
	flight  singleflight.Group
	preload []string
	env     map[string]string

	executions atomic.Int64
}

// New creates a Sandbox.
func New(opts Options) (*Sandbox, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *Export](size)
	if err != nil {
		return nil, fmt.Errorf("sandbox: failed to create export cache: %w", err)
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Sandbox{
		fs:      fs,
		cache:   cache,
		preload: append([]string(nil), opts.Preload...),
		env:     opts.Env,
	}, nil
}

// Key returns the cache identity of a unit.
func Key(name, source string) string {
	sum := sha1.Sum([]byte(source))
	return name + "::" + hex.EncodeToString(sum[:])
}

// Run returns the exports of the unit (name, source). The unit body runs at
// most once per distinct key while its entry stays cached. If the body throws,
// Run returns a *LoadError and nothing is cached.
func (s *Sandbox) Run(ctx context.Context, name, source string) (*Export, error) {
	logger := ctxlog.FromContext(ctx)
	key := Key(name, source)

	if exp, ok := s.cache.Get(key); ok {
		logger.Debug("Sandbox cache hit.", "unit", name)
		return exp, nil
	}

	v, err, shared := s.flight.Do(key, func() (any, error) {
		// A load for this key may have settled while this caller was queued.
		if exp, ok := s.cache.Get(key); ok {
			return exp, nil
		}
		exp, err := s.load(ctx, name, source)
		if err != nil {
			return nil, err
		}
		s.cache.Add(key, exp)
		return exp, nil
	})
	if err != nil {
		logger.Debug("Sandbox load failed.", "unit", name, "error", err)
		return nil, err
	}
	if shared {
		logger.Debug("Sandbox load shared with a concurrent caller.", "unit", name)
	}
	return v.(*Export), nil
}

// Len reports the number of cached exports.
func (s *Sandbox) Len() int { return s.cache.Len() }

// Executions reports how many top-level unit bodies have been executed.
func (s *Sandbox) Executions() int64 { return s.executions.Load() }

// Purge drops every cached export.
func (s *Sandbox) Purge() { s.cache.Purge() }

func (s *Sandbox) load(ctx context.Context, name, source string) (*Export, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Sandbox cache miss, executing unit.", "unit", name)

	c := newContext(s, name, logger.With("component", name))
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range s.preload {
		if _, err := c.require(nil, p); err != nil {
			return nil, &LoadError{Name: name, Err: fmt.Errorf("preload %s: %w", p, err)}
		}
	}

	filename := name
	if filepath.IsAbs(name) {
		filename = filepath.Clean(name)
	}
	m := c.newModule(filename, nil)
	// Registered before the body runs so a self-require gets the partial exports.
	c.modules[filename] = m

	s.executions.Add(1)
	if err := c.compile(m, source); err != nil {
		delete(c.modules, filename)
		return nil, &LoadError{Name: name, Err: err}
	}
	m.markLoaded()
	c.drainTimers()

	return &Export{name: name, ctx: c, value: m.exports()}, nil
}
