// Package accesslog writes one structured log line per job and per batch.
package accesslog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2"

	"github.com/specialistvlad/rendergrid/internal/ctxlog"
	"github.com/specialistvlad/rendergrid/internal/plugin"
)

const batchStartKey = "accesslog.batch_start"

// Module registers the "accesslog" plugin.
type Module struct{}

// Input is the body of a `plugin "accesslog" {}` block.
type Input struct {
	// Level of successful entries; failures are always logged at warn.
	Level string `hcl:"level,optional"`
	// Props adds the job props to each job line.
	Props bool `hcl:"props,optional"`
}

// Plugin logs through the logger carried by the hook context. OnError has no
// context, so it uses the logger captured at Initialize.
type Plugin struct {
	level  slog.Level
	props  bool
	logger *slog.Logger
}

// New builds the plugin from its config block.
func New(_ context.Context, body hcl.Body) (plugin.Plugin, error) {
	var in Input
	if err := plugin.DecodeBody(body, &in); err != nil {
		return nil, err
	}
	p := &Plugin{level: slog.LevelInfo, props: in.Props, logger: slog.Default()}
	if in.Level != "" {
		if err := p.level.UnmarshalText([]byte(in.Level)); err != nil {
			return nil, fmt.Errorf("invalid level %q: %w", in.Level, err)
		}
	}
	return p, nil
}

func (p *Plugin) Name() string { return "accesslog" }

func (p *Plugin) Initialize(ctx context.Context) error {
	p.logger = ctxlog.FromContext(ctx).With("plugin", p.Name())
	return nil
}

func (p *Plugin) BatchStart(_ context.Context, pc *plugin.Context) error {
	pc.Data.Set(batchStartKey, time.Now())
	return nil
}

func (p *Plugin) BatchEnd(ctx context.Context, pc *plugin.Context) error {
	ctxlog.FromContext(ctx).Log(ctx, p.level, "Batch rendered.", p.batchAttrs(pc)...)
	return nil
}

func (p *Plugin) JobEnd(ctx context.Context, pc *plugin.Context) error {
	ctxlog.FromContext(ctx).Log(ctx, p.level, "Job rendered.", p.jobAttrs(pc)...)
	return nil
}

func (p *Plugin) OnError(pc *plugin.Context, err error) {
	if pc.IsJob() {
		p.logger.Warn("Job failed.", append(p.jobAttrs(pc), "batch_id", pc.BatchID, "error", err)...)
		return
	}
	p.logger.Warn("Batch failed.", append(p.batchAttrs(pc), "batch_id", pc.BatchID, "error", err)...)
}

func (p *Plugin) jobAttrs(pc *plugin.Context) []any {
	j := pc.Job
	attrs := []any{
		"token", pc.Token,
		"component", j.Name,
		"status", j.StatusCode(),
	}
	if d, ok := j.Duration(); ok {
		attrs = append(attrs, "duration", d)
	}
	if html, ok := j.HTML(); ok {
		attrs = append(attrs, "bytes", len(html))
	}
	if p.props {
		attrs = append(attrs, "props", j.Props)
	}
	return attrs
}

func (p *Plugin) batchAttrs(pc *plugin.Context) []any {
	failed := 0
	names := make(map[string]struct{})
	for _, j := range pc.Jobs {
		names[j.Name] = struct{}{}
		if j.Err() != nil {
			failed++
		}
	}
	components := make([]string, 0, len(names))
	for n := range names {
		components = append(components, n)
	}
	sort.Strings(components)

	attrs := []any{
		"jobs", len(pc.Tokens),
		"failed", failed,
		"components", components,
	}
	if v, ok := pc.Data.Get(batchStartKey); ok {
		attrs = append(attrs, "duration", time.Since(v.(time.Time)))
	}
	if r := pc.Request; r != nil {
		attrs = append(attrs, "remote_addr", r.RemoteAddr, "user_agent", r.UserAgent())
	}
	return attrs
}

// Register adds the plugin factory to the catalog.
func (m *Module) Register(c *plugin.Catalog) {
	c.Register("accesslog", New)
}
