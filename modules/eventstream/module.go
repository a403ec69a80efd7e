// Package eventstream publishes a summary of every rendered job to a
// socket.io server.
package eventstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/specialistvlad/rendergrid/internal/ctxlog"
	"github.com/specialistvlad/rendergrid/internal/plugin"
)

// Module registers the "eventstream" plugin.
type Module struct{}

// Input is the body of a `plugin "eventstream" {}` block.
type Input struct {
	URL                string    `hcl:"url"`
	Namespace          string    `hcl:"namespace,optional"`
	Event              string    `hcl:"event,optional"`
	ErrorEvent         string    `hcl:"error_event,optional"`
	IncludeHTML        bool      `hcl:"include_html,optional"`
	ConnectTimeout     string    `hcl:"connect_timeout,optional"`
	InsecureSkipVerify bool      `hcl:"insecure_skip_verify,optional"`
	Extra              cty.Value `hcl:"extra,optional"`
}

// Emitter is the connected side of the stream.
type Emitter interface {
	Emit(event string, payload map[string]any)
	Close()
}

// Dialer connects to the stream.
type Dialer func(ctx context.Context, in *Input, timeout time.Duration) (Emitter, error)

// Plugin connects on initialize, emits on jobEnd and on job errors, and
// disconnects on shutDown.
type Plugin struct {
	in      Input
	timeout time.Duration
	extra   map[string]any
	dial    Dialer

	// Initialize may still be dialing after its hook timed out, so the
	// emitter is read and written under mu.
	mu      sync.RWMutex
	emitter Emitter
	closed  bool
}

// Option configures the plugin.
type Option func(*Plugin)

// WithDialer replaces the socket.io dialer.
func WithDialer(d Dialer) Option {
	return func(p *Plugin) { p.dial = d }
}

// Factory returns a plugin.Factory applying opts.
func Factory(opts ...Option) plugin.Factory {
	return func(ctx context.Context, body hcl.Body) (plugin.Plugin, error) {
		return New(ctx, body, opts...)
	}
}

// New builds the plugin from its config block.
func New(_ context.Context, body hcl.Body, opts ...Option) (*Plugin, error) {
	var in Input
	if err := plugin.DecodeBody(body, &in); err != nil {
		return nil, err
	}
	if in.Namespace == "" {
		in.Namespace = "/"
	}
	if in.Event == "" {
		in.Event = "render"
	}
	p := &Plugin{in: in, timeout: 15 * time.Second, dial: dialSocketIO}
	if in.ConnectTimeout != "" {
		d, err := time.ParseDuration(in.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to parse connect_timeout: %w", err)
		}
		p.timeout = d
	}
	extra, err := extraFields(in.Extra)
	if err != nil {
		return nil, err
	}
	p.extra = extra
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Plugin) Name() string { return "eventstream" }

func (p *Plugin) Initialize(ctx context.Context) error {
	e, err := p.dial(ctx, &p.in, p.timeout)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		ctxlog.FromContext(ctx).Warn("Event stream connected after shutdown, closing it.", "url", p.in.URL)
		e.Close()
		return nil
	}
	p.emitter = e
	return nil
}

func (p *Plugin) ShutDown(ctx context.Context, _ error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.emitter == nil {
		return nil
	}
	ctxlog.FromContext(ctx).Info("Closing event stream.", "url", p.in.URL)
	p.emitter.Close()
	p.emitter = nil
	return nil
}

func (p *Plugin) current() Emitter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.emitter
}

func (p *Plugin) JobEnd(_ context.Context, pc *plugin.Context) error {
	if e := p.current(); e != nil {
		e.Emit(p.in.Event, p.payload(pc, nil))
	}
	return nil
}

// OnError publishes failed jobs on error_event. Batch-level errors are not
// published.
func (p *Plugin) OnError(pc *plugin.Context, err error) {
	if p.in.ErrorEvent == "" || !pc.IsJob() {
		return
	}
	if e := p.current(); e != nil {
		e.Emit(p.in.ErrorEvent, p.payload(pc, err))
	}
}

func (p *Plugin) payload(pc *plugin.Context, err error) map[string]any {
	res := pc.Job.Result()
	out := map[string]any{
		"batchId":    pc.BatchID,
		"token":      pc.Token,
		"name":       res.Name,
		"statusCode": res.StatusCode,
		"success":    res.Success,
		"meta":       res.Meta,
	}
	if res.Duration != nil {
		out["duration"] = *res.Duration
	}
	if p.in.IncludeHTML && res.HTML != nil {
		out["html"] = *res.HTML
	}
	if err != nil {
		out["error"] = err.Error()
	}
	for k, v := range p.extra {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out
}

// Register adds the plugin factory to the catalog.
func (m *Module) Register(c *plugin.Catalog) {
	c.Register("eventstream", Factory())
}
