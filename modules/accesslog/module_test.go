package accesslog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/rendergrid/internal/batch"
	"github.com/specialistvlad/rendergrid/internal/job"
	"github.com/specialistvlad/rendergrid/internal/lifecycle"
	"github.com/specialistvlad/rendergrid/internal/plugin"
	"github.com/specialistvlad/rendergrid/internal/registry"
	"github.com/specialistvlad/rendergrid/internal/testutil"
)

func build(t *testing.T, src string) (*Plugin, error) {
	t.Helper()
	file, diags := hclparse.NewParser().ParseHCL([]byte(src), "accesslog.hcl")
	require.False(t, diags.HasErrors(), diags.Error())
	p, err := plugin.NewCatalog(&Module{}).Build(context.Background(), "accesslog", file.Body)
	if err != nil {
		return nil, err
	}
	return p.(*Plugin), nil
}

func TestPlugin_LogsJobsAndBatch(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	var buf testutil.SafeBuffer
	ctx := testutil.LoggerContext(&buf)
	t.Cleanup(func() { testutil.DumpLogs(t, &buf) })

	p, err := build(t, `props = true`)
	require.NoError(t, err)
	require.NoError(t, p.Initialize(ctx))

	plugins := []plugin.Plugin{p}
	m := batch.New(httptest.NewRequest(http.MethodPost, "/batch", nil), map[string]job.Spec{
		"ok":      {Name: "Hello", Data: map[string]any{"who": "world"}},
		"missing": {Name: "Nope"},
	}, batch.Config{
		Plugins: plugins,
		GetComponent: func(_ context.Context, name string, _ *job.Job) registry.Renderer {
			if name != "Hello" {
				return nil
			}
			return registry.RendererFunc(func(context.Context, map[string]any) (string, error) {
				return "<b>hi</b>", nil
			})
		},
	})

	// --- Act ---
	lifecycle.New(plugins).ProcessBatch(ctx, m)

	// --- Assert ---
	logs := buf.String()
	lines := strings.Split(logs, "\n")
	find := func(msg string) string {
		for _, l := range lines {
			if strings.Contains(l, msg) {
				return l
			}
		}
		return ""
	}

	rendered := find(`msg="Job rendered."`)
	require.NotEmpty(t, rendered, logs)
	assert.Contains(t, rendered, "token=ok")
	assert.Contains(t, rendered, "component=Hello")
	assert.Contains(t, rendered, "status=200")
	assert.Contains(t, rendered, "bytes=9")
	assert.Contains(t, rendered, "props=map[who:world]")

	failed := find(`msg="Job failed."`)
	require.NotEmpty(t, failed, logs)
	assert.Contains(t, failed, "token=missing")
	assert.Contains(t, failed, "status=404")
	assert.Contains(t, failed, "plugin=accesslog")

	batchLine := find(`msg="Batch rendered."`)
	require.NotEmpty(t, batchLine, logs)
	assert.Contains(t, batchLine, "jobs=2")
	assert.Contains(t, batchLine, "failed=1")
	assert.Contains(t, batchLine, "components=\"[Hello Nope]\"")
	assert.Contains(t, batchLine, "batch_id="+m.ID)
}

func TestNew_Level(t *testing.T) {
	t.Parallel()

	p, err := build(t, `level = "debug"`)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", p.level.String())

	_, err = build(t, `level = "chatty"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid level "chatty"`)
}
