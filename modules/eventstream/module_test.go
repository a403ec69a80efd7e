package eventstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/specialistvlad/rendergrid/internal/batch"
	"github.com/specialistvlad/rendergrid/internal/ctxlog"
	"github.com/specialistvlad/rendergrid/internal/job"
	"github.com/specialistvlad/rendergrid/internal/lifecycle"
	"github.com/specialistvlad/rendergrid/internal/plugin"
	"github.com/specialistvlad/rendergrid/internal/registry"
)

type emitted struct {
	Event   string
	Payload map[string]any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
	closed bool
}

func (f *fakeEmitter) Emit(event string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{Event: event, Payload: payload})
}

func (f *fakeEmitter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func build(t *testing.T, src string, opts ...Option) (plugin.Plugin, error) {
	t.Helper()
	file, diags := hclparse.NewParser().ParseHCL([]byte(src), "eventstream.hcl")
	require.False(t, diags.HasErrors(), diags.Error())
	catalog := plugin.NewCatalog()
	catalog.Register("eventstream", Factory(opts...))
	return catalog.Build(context.Background(), "eventstream", file.Body)
}

func TestPlugin_EmitsJobSummaries(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx := ctxlog.Discard(context.Background())
	em := &fakeEmitter{}
	var dialed *Input
	p, err := build(t, `
url         = "http://localhost:3000"
error_event = "render_error"
extra       = { service = "web", shard = 2 }
`, WithDialer(func(_ context.Context, in *Input, timeout time.Duration) (Emitter, error) {
		dialed = in
		assert.Equal(t, 15*time.Second, timeout)
		return em, nil
	}))
	require.NoError(t, err)

	plugins := []plugin.Plugin{p}
	orch := lifecycle.New(plugins)
	require.NoError(t, orch.RunAppLifecycle(ctx, plugin.HookInitialize, nil))
	require.NotNil(t, dialed)
	assert.Equal(t, "/", dialed.Namespace)

	m := batch.New(nil, map[string]job.Spec{
		"a": {Name: "Hello"},
		"b": {Name: "Missing"},
	}, batch.Config{
		Plugins: plugins,
		GetComponent: func(_ context.Context, name string, _ *job.Job) registry.Renderer {
			if name != "Hello" {
				return nil
			}
			return registry.RendererFunc(func(context.Context, map[string]any) (string, error) {
				return "<i>x</i>", nil
			})
		},
	})

	// --- Act ---
	orch.ProcessBatch(ctx, m)
	require.NoError(t, orch.RunAppLifecycle(ctx, plugin.HookShutDown, nil))

	// --- Assert ---
	em.mu.Lock()
	defer em.mu.Unlock()
	require.Len(t, em.events, 2)
	assert.True(t, em.closed)

	ok := em.events[0]
	assert.Equal(t, "render", ok.Event)
	delete(ok.Payload, "duration")
	want := map[string]any{
		"batchId":    m.ID,
		"token":      "a",
		"name":       "Hello",
		"statusCode": 200,
		"success":    true,
		"meta":       map[string]any{},
		"service":    "web",
		"shard":      int64(2),
	}
	if diff := cmp.Diff(want, ok.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	failed := em.events[1]
	assert.Equal(t, "render_error", failed.Event)
	assert.Equal(t, "b", failed.Payload["token"])
	assert.Equal(t, 404, failed.Payload["statusCode"])
	assert.Equal(t, false, failed.Payload["success"])
	assert.Contains(t, failed.Payload["error"], `Component "Missing" not registered`)
}

func TestPlugin_IncludeHTML(t *testing.T) {
	t.Parallel()

	em := &fakeEmitter{}
	p, err := build(t, "url = \"http://x\"\ninclude_html = true", WithDialer(func(context.Context, *Input, time.Duration) (Emitter, error) {
		return em, nil
	}))
	require.NoError(t, err)
	ep := p.(*Plugin)
	require.NoError(t, ep.Initialize(context.Background()))

	j := job.New("t", job.Spec{Name: "Card"})
	j.SetHTML("<div/>")
	require.NoError(t, ep.JobEnd(context.Background(), &plugin.Context{Token: "t", Job: j}))

	require.Len(t, em.events, 1)
	assert.Equal(t, "<div/>", em.events[0].Payload["html"])
}

func TestPlugin_SlowConnectOverrunsInitialize(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx := ctxlog.Discard(context.Background())
	em := &fakeEmitter{}
	p, err := build(t, `url = "http://localhost:3000"`, WithDialer(func(context.Context, *Input, time.Duration) (Emitter, error) {
		time.Sleep(50 * time.Millisecond)
		return em, nil
	}))
	require.NoError(t, err)
	plugins := []plugin.Plugin{p}
	orch := lifecycle.New(plugins, lifecycle.WithHookTimeout(10*time.Millisecond))
	newBatch := func() *batch.Manager {
		return batch.New(nil, map[string]job.Spec{"a": {Name: "Hello"}}, batch.Config{
			Plugins: plugins,
			GetComponent: func(context.Context, string, *job.Job) registry.Renderer {
				return registry.RendererFunc(func(context.Context, map[string]any) (string, error) {
					return "ok", nil
				})
			},
		})
	}

	// --- Act ---
	require.NoError(t, orch.RunAppLifecycle(ctx, plugin.HookInitialize, nil))
	batches := 0

	// --- Assert ---
	require.Eventually(t, func() bool {
		orch.ProcessBatch(ctx, newBatch())
		batches++
		em.mu.Lock()
		defer em.mu.Unlock()
		return len(em.events) > 0
	}, 2*time.Second, time.Millisecond, "jobs after the late connect must be published")
	em.mu.Lock()
	defer em.mu.Unlock()
	require.Less(t, len(em.events), batches, "jobs rendered before the connect are not published")
}

func TestPlugin_ConnectAfterShutdownIsClosed(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx := ctxlog.Discard(context.Background())
	em := &fakeEmitter{}
	release := make(chan struct{})
	p, err := build(t, `url = "http://localhost:3000"`, WithDialer(func(context.Context, *Input, time.Duration) (Emitter, error) {
		<-release
		return em, nil
	}))
	require.NoError(t, err)
	ep := p.(*Plugin)

	initDone := make(chan error, 1)
	go func() { initDone <- ep.Initialize(ctx) }()

	// --- Act ---
	require.NoError(t, ep.ShutDown(ctx, nil))
	close(release)
	require.NoError(t, <-initDone)

	// --- Assert ---
	em.mu.Lock()
	assert.True(t, em.closed, "a connection finished after shutdown must be closed")
	em.mu.Unlock()
	require.NoError(t, ep.JobEnd(ctx, &plugin.Context{Token: "t", Job: job.New("t", job.Spec{Name: "X"})}))
	assert.Empty(t, em.events)
}

func TestPlugin_InitializeFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	p, err := build(t, `
url             = "http://localhost:1"
connect_timeout = "50ms"
`, WithDialer(func(_ context.Context, _ *Input, timeout time.Duration) (Emitter, error) {
		assert.Equal(t, 50*time.Millisecond, timeout)
		return nil, boom
	}))
	require.NoError(t, err)

	err = p.(*Plugin).Initialize(context.Background())

	require.ErrorIs(t, err, boom)
	// Nothing connected, nothing to emit or close.
	require.NoError(t, p.(*Plugin).ShutDown(ctxlog.Discard(context.Background()), nil))
}

func TestExtraFields(t *testing.T) {
	t.Parallel()

	got, err := extraFields(cty.ObjectVal(map[string]cty.Value{
		"region": cty.StringVal("eu"),
		"ratio":  cty.NumberFloatVal(0.5),
		"canary": cty.True,
		"tags":   cty.TupleVal([]cty.Value{cty.StringVal("a"), cty.NumberIntVal(1)}),
		"owner":  cty.ObjectVal(map[string]cty.Value{"team": cty.StringVal("web")}),
		"unset":  cty.NullVal(cty.String),
	}))

	require.NoError(t, err)
	want := map[string]any{
		"region": "eu",
		"ratio":  0.5,
		"canary": true,
		"tags":   []any{"a", int64(1)},
		"owner":  map[string]any{"team": "web"},
		"unset":  nil,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("extraFields() mismatch (-want +got):\n%s", diff)
	}

	none, err := extraFields(cty.NullVal(cty.DynamicPseudoType))
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		src  string
	}{
		{name: "missing url", src: ``},
		{name: "bad timeout", src: "url = \"http://x\"\nconnect_timeout = \"soon\""},
		{name: "extra not an object", src: "url = \"http://x\"\nextra = \"flat\""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := build(t, tc.src)
			require.Error(t, err)
		})
	}
}
