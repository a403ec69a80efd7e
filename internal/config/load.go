package config

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/spf13/afero"
	"github.com/zclconf/go-cty/cty"

	"github.com/specialistvlad/rendergrid/internal/ctxlog"
)

// fileRoot decodes every top-level construct of a config file.
type fileRoot struct {
	Server        *serverBlock      `hcl:"server,block"`
	Log           *logBlock         `hcl:"log,block"`
	Sandbox       *sandboxBlock     `hcl:"sandbox,block"`
	ComponentsDir *string           `hcl:"components_dir,optional"`
	Components    []*componentBlock `hcl:"component,block"`
	Plugins       []*pluginBlock    `hcl:"plugin,block"`
}

type serverBlock struct {
	Endpoint     *string        `hcl:"endpoint,optional"`
	Host         *string        `hcl:"host,optional"`
	Port         *int           `hcl:"port,optional"`
	BodyLimit    *int64         `hcl:"body_limit,optional"`
	Concurrent   *bool          `hcl:"concurrent,optional"`
	Cluster      *bool          `hcl:"cluster,optional"`
	WorkerCount  hcl.Expression `hcl:"worker_count,optional"`
	HookTimeout  *string        `hcl:"hook_timeout,optional"`
	CloseTimeout *string        `hcl:"close_timeout,optional"`
}

type logBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
	Target *string `hcl:"target,optional"`
}

type sandboxBlock struct {
	CacheSize *int     `hcl:"cache_size,optional"`
	Preload   []string `hcl:"preload,optional"`
	Watch     *bool    `hcl:"watch,optional"`
}

type componentBlock struct {
	Name string `hcl:"name,label"`
	Path string `hcl:"path"`
}

type pluginBlock struct {
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

// Loader reads configuration files.
type Loader struct {
	fs     afero.Fs
	lookup func(string) (string, bool)
	cores  int
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLookupEnv replaces os.LookupEnv as the source of env().
func WithLookupEnv(lookup func(string) (string, bool)) LoaderOption {
	return func(l *Loader) { l.lookup = lookup }
}

// WithCores sets the core count worker_count is validated against.
func WithCores(n int) LoaderOption {
	return func(l *Loader) { l.cores = n }
}

// NewLoader creates a Loader reading from fsys.
func NewLoader(fsys afero.Fs, opts ...LoaderOption) *Loader {
	l := &Loader{fs: fsys, lookup: os.LookupEnv, cores: runtime.NumCPU()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads and resolves the file at path. An empty path yields Default
// with paths relative to the working directory. Every failure is an *Error.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	logger := ctxlog.FromContext(ctx)
	cfg := Default()

	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, &Error{Err: err}
		}
		cfg.Dir = wd
		logger.Debug("No config file given, using defaults.")
		return cfg, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &Error{Err: err}
	}
	cfg.Dir = filepath.Dir(abs)

	src, err := afero.ReadFile(l.fs, abs)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("failed to read config file %s: %w", path, err)}
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, abs)
	if diags.HasErrors() {
		return nil, &Error{Err: fmt.Errorf("failed to parse config file %s: %w", path, diags)}
	}

	evalCtx := func(cores int) *hcl.EvalContext { return newEvalContext(cores, l.lookup) }
	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, evalCtx(l.cores), &root); diags.HasErrors() {
		return nil, &Error{Err: fmt.Errorf("failed to decode config file %s: %w", path, diags)}
	}

	if err := l.apply(cfg, &root, evalCtx); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := cfg.Server.Workers(l.cores); err != nil {
		return nil, err
	}

	logger.Debug("Config file loaded.",
		"path", abs,
		"components", len(cfg.Components),
		"plugins", len(cfg.Plugins),
	)
	return cfg, nil
}

func (l *Loader) apply(cfg *Config, root *fileRoot, evalCtx func(int) *hcl.EvalContext) error {
	if s := root.Server; s != nil {
		setIf(&cfg.Server.Endpoint, s.Endpoint)
		setIf(&cfg.Server.Host, s.Host)
		setIf(&cfg.Server.Port, s.Port)
		setIf(&cfg.Server.BodyLimit, s.BodyLimit)
		setIf(&cfg.Server.Concurrent, s.Concurrent)
		setIf(&cfg.Server.Cluster, s.Cluster)
		if err := setDuration(&cfg.Server.HookTimeout, s.HookTimeout, "server.hook_timeout"); err != nil {
			return err
		}
		if err := setDuration(&cfg.Server.CloseTimeout, s.CloseTimeout, "server.close_timeout"); err != nil {
			return err
		}
		if s.WorkerCount != nil && !isNullExpr(s.WorkerCount) {
			cfg.Server.workerCount = s.WorkerCount
			cfg.Server.evalCtx = evalCtx
		}
	}

	if lb := root.Log; lb != nil {
		setIf(&cfg.Log.Level, lb.Level)
		setIf(&cfg.Log.Format, lb.Format)
		setIf(&cfg.Log.Target, lb.Target)
		if t := cfg.Log.Target; t != "stdout" && t != "stderr" {
			cfg.Log.Target = cfg.resolve(t)
		}
	}

	if sb := root.Sandbox; sb != nil {
		setIf(&cfg.Sandbox.CacheSize, sb.CacheSize)
		setIf(&cfg.Sandbox.Watch, sb.Watch)
		for _, p := range sb.Preload {
			cfg.Sandbox.Preload = append(cfg.Sandbox.Preload, cfg.resolve(p))
		}
	}

	if root.ComponentsDir != nil {
		cfg.ComponentsDir = cfg.resolve(*root.ComponentsDir)
	}

	seen := make(map[string]bool)
	for _, c := range root.Components {
		if seen[c.Name] {
			return &Error{Field: "component." + c.Name, Err: errors.New("duplicate component block")}
		}
		seen[c.Name] = true
		cfg.Components = append(cfg.Components, Component{Name: c.Name, Path: cfg.resolve(c.Path)})
	}

	enabled := make(map[string]bool)
	for _, p := range root.Plugins {
		if enabled[p.Name] {
			return &Error{Field: "plugin." + p.Name, Err: errors.New("duplicate plugin block")}
		}
		enabled[p.Name] = true
		cfg.Plugins = append(cfg.Plugins, Plugin{Name: p.Name, Body: p.Body})
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case len(c.Server.Endpoint) == 0 || c.Server.Endpoint[0] != '/':
		return &Error{Field: "server.endpoint", Err: fmt.Errorf("must start with '/', got %q", c.Server.Endpoint)}
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return &Error{Field: "server.port", Err: fmt.Errorf("out of range: %d", c.Server.Port)}
	case c.Server.BodyLimit <= 0:
		return &Error{Field: "server.body_limit", Err: fmt.Errorf("must be positive, got %d", c.Server.BodyLimit)}
	case c.Server.HookTimeout <= 0:
		return &Error{Field: "server.hook_timeout", Err: fmt.Errorf("must be positive, got %s", c.Server.HookTimeout)}
	case c.Server.CloseTimeout <= 0:
		return &Error{Field: "server.close_timeout", Err: fmt.Errorf("must be positive, got %s", c.Server.CloseTimeout)}
	case !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level):
		return &Error{Field: "log.level", Err: fmt.Errorf("unknown level %q", c.Log.Level)}
	case !slices.Contains([]string{"json", "text"}, c.Log.Format):
		return &Error{Field: "log.format", Err: fmt.Errorf("unknown format %q", c.Log.Format)}
	case c.Sandbox.CacheSize < 0:
		return &Error{Field: "sandbox.cache_size", Err: fmt.Errorf("must not be negative, got %d", c.Sandbox.CacheSize)}
	}
	return nil
}

// Workers evaluates worker_count for the given number of cores. Without a
// worker_count setting it is max(cores-1, 1).
func (s Server) Workers(cores int) (int, error) {
	if s.workerCount == nil {
		return max(cores-1, 1), nil
	}
	val, diags := s.workerCount.Value(s.evalCtx(cores))
	if diags.HasErrors() {
		return 0, &Error{Field: "server.worker_count", Err: diags}
	}
	if val.IsNull() || !val.IsKnown() || val.Type() != cty.Number {
		return 0, &Error{Field: "server.worker_count", Err: fmt.Errorf("must be a number, got %s", val.GoString())}
	}
	bf := val.AsBigFloat()
	if !bf.IsInt() {
		return 0, &Error{Field: "server.worker_count", Err: fmt.Errorf("must be a whole number, got %s", bf.Text('g', -1))}
	}
	n, acc := bf.Int64()
	if acc != big.Exact || n <= 0 {
		return 0, &Error{Field: "server.worker_count", Err: fmt.Errorf("must be positive, got %s for %d cores", bf.Text('g', -1), cores)}
	}
	return int(n), nil
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, field string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return &Error{Field: field, Err: err}
	}
	*dst = d
	return nil
}

// isNullExpr reports whether expr is the placeholder gohcl uses for an
// absent attribute.
func isNullExpr(expr hcl.Expression) bool {
	val, diags := expr.Value(nil)
	return !diags.HasErrors() && val.IsNull()
}
