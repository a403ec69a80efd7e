package config

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/rendergrid/internal/ctxlog"
)

func load(t *testing.T, src string, opts ...LoaderOption) (*Config, error) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/srv/app/rendergrid.hcl", []byte(src), 0o644))
	ctx := ctxlog.Discard(context.Background())
	return NewLoader(fsys, opts...).Load(ctx, "/srv/app/rendergrid.hcl")
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	t.Parallel()

	// --- Act ---
	cfg, err := load(t, "")

	// --- Assert ---
	require.NoError(t, err)
	want := Default()
	want.Dir = "/srv/app"
	assert.Equal(t, want, cfg)
	assert.Equal(t, ":8080", cfg.Server.Addr())
}

func TestLoad_FullFile(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	src := `
server {
  endpoint      = "/render"
  host          = "127.0.0.1"
  port          = 3030
  body_limit    = 2048
  concurrent    = true
  cluster       = true
  hook_timeout  = "150ms"
  close_timeout = "2s"
}
log {
  level  = "debug"
  format = "text"
  target = "logs/server.log"
}
sandbox {
  cache_size = 12
  preload    = ["./polyfills.js", "/opt/shim.js"]
  watch      = true
}
components_dir = "./components"
component "Header.js" { path = "./views/Header.js" }
plugin "accesslog" {}
plugin "metrics" { path = "/metrics" }
`

	// --- Act ---
	cfg, err := load(t, src)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, Server{
		Endpoint:     "/render",
		Host:         "127.0.0.1",
		Port:         3030,
		BodyLimit:    2048,
		Concurrent:   true,
		Cluster:      true,
		HookTimeout:  150 * time.Millisecond,
		CloseTimeout: 2 * time.Second,
	}, cfg.Server)
	assert.Equal(t, "127.0.0.1:3030", cfg.Server.Addr())
	assert.Equal(t, Log{Level: "debug", Format: "text", Target: "/srv/app/logs/server.log"}, cfg.Log)
	assert.Equal(t, Sandbox{CacheSize: 12, Preload: []string{"/srv/app/polyfills.js", "/opt/shim.js"}, Watch: true}, cfg.Sandbox)
	assert.Equal(t, "/srv/app/components", cfg.ComponentsDir)
	assert.Equal(t, []Component{{Name: "Header.js", Path: "/srv/app/views/Header.js"}}, cfg.Components)

	require.Len(t, cfg.Plugins, 2)
	assert.Equal(t, "accesslog", cfg.Plugins[0].Name)
	assert.Equal(t, "metrics", cfg.Plugins[1].Name)

	var metrics struct {
		Path string `hcl:"path"`
	}
	require.False(t, gohcl.DecodeBody(cfg.Plugins[1].Body, nil, &metrics).HasErrors())
	assert.Equal(t, "/metrics", metrics.Path)
}

func TestServerWorkers(t *testing.T) {
	t.Parallel()

	env := func(name string) (string, bool) {
		if name == "RENDER_WORKERS" {
			return "6", true
		}
		return "", false
	}

	testCases := []struct {
		name  string
		expr  string
		cores int
		want  int
	}{
		{name: "unset defaults to cores minus one", expr: "", cores: 8, want: 7},
		{name: "unset on a single core", expr: "", cores: 1, want: 1},
		{name: "literal", expr: "worker_count = 3", cores: 8, want: 3},
		{name: "max over cores", expr: "worker_count = max(cores - 1, 1)", cores: 1, want: 1},
		{name: "floor of half", expr: "worker_count = floor(cores / 2)", cores: 5, want: 2},
		{name: "ceil of half", expr: "worker_count = ceil(cores / 2)", cores: 5, want: 3},
		{name: "min clamps", expr: "worker_count = min(cores, 4)", cores: 16, want: 4},
		{name: "from environment", expr: `worker_count = tonumber(env("RENDER_WORKERS"))`, cores: 2, want: 6},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// --- Arrange ---
			cfg, err := load(t, "server {\n"+tc.expr+"\n}", WithLookupEnv(env), WithCores(4))
			require.NoError(t, err)

			// --- Act ---
			n, err := cfg.Server.Workers(tc.cores)

			// --- Assert ---
			require.NoError(t, err)
			assert.Equal(t, tc.want, n)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		src   string
		field string
	}{
		{name: "syntax", src: "server {"},
		{name: "unknown attribute", src: `server { flavour = "x" }`},
		{name: "bad duration", src: `server { hook_timeout = "soon" }`, field: "server.hook_timeout"},
		{name: "endpoint without slash", src: `server { endpoint = "batch" }`, field: "server.endpoint"},
		{name: "port out of range", src: `server { port = 70000 }`, field: "server.port"},
		{name: "zero body limit", src: `server { body_limit = 0 }`, field: "server.body_limit"},
		{name: "log level", src: `log { level = "loud" }`, field: "log.level"},
		{name: "log format", src: `log { format = "xml" }`, field: "log.format"},
		{name: "negative cache", src: `sandbox { cache_size = -1 }`, field: "sandbox.cache_size"},
		{name: "zero workers", src: `server { worker_count = cores - 4 }`, field: "server.worker_count"},
		{name: "fractional workers", src: `server { worker_count = cores / 3 }`, field: "server.worker_count"},
		{name: "string workers", src: `server { worker_count = "many" }`, field: "server.worker_count"},
		{name: "duplicate plugin", src: "plugin \"metrics\" {}\nplugin \"metrics\" {}", field: "plugin.metrics"},
		{name: "duplicate component", src: "component \"A\" { path = \"a.js\" }\ncomponent \"A\" { path = \"b.js\" }", field: "component.A"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// --- Act ---
			_, err := load(t, tc.src, WithCores(4))

			// --- Assert ---
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			var cfgErr *Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	ctx := ctxlog.Discard(context.Background())
	_, err := NewLoader(afero.NewMemMapFs()).Load(ctx, "/nope.hcl")

	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoad_NoPath(t *testing.T) {
	t.Parallel()

	ctx := ctxlog.Discard(context.Background())
	cfg, err := NewLoader(afero.NewMemMapFs()).Load(ctx, "")

	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Dir)
	assert.Equal(t, DefaultEndpoint, cfg.Server.Endpoint)
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "configuration error in log.level: boom", (&Error{Field: "log.level", Err: assertErr("boom")}).Error())
	assert.Equal(t, "configuration error: boom", (&Error{Err: assertErr("boom")}).Error())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
