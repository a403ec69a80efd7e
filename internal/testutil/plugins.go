package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/specialistvlad/rendergrid/internal/plugin"
)

// CallLog is an ordered, thread-safe record of hook calls shared by several
// Recorders.
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *CallLog) Add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

// Calls returns a copy of the recorded calls.
func (l *CallLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// Count returns how many calls contain substr.
func (l *CallLog) Count(substr string) int {
	n := 0
	for _, c := range l.Calls() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// Index returns the position of the first call equal to call, or -1.
func (l *CallLog) Index(call string) int {
	for i, c := range l.Calls() {
		if c == call {
			return i
		}
	}
	return -1
}

// ErrorCall is one OnError invocation seen by a Recorder.
type ErrorCall struct {
	Token string
	Err   error
}

// Recorder is a plugin implementing every hook. Each call is appended to Log
// as "<name>:<hook>" or, for job hooks, "<name>:<hook>:<token>". Fail, Panic
// and Delay make the matching hook misbehave.
type Recorder struct {
	PluginName string
	Log        *CallLog
	Fail       map[plugin.Hook]error
	Panic      map[plugin.Hook]any
	Delay      map[plugin.Hook]time.Duration

	mu       sync.Mutex
	errCalls []ErrorCall
	causes   []error
}

// NewRecorder creates a Recorder writing into log.
func NewRecorder(name string, log *CallLog) *Recorder {
	return &Recorder{
		PluginName: name,
		Log:        log,
		Fail:       map[plugin.Hook]error{},
		Panic:      map[plugin.Hook]any{},
		Delay:      map[plugin.Hook]time.Duration{},
	}
}

func (r *Recorder) Name() string { return r.PluginName }

func (r *Recorder) hook(h plugin.Hook, token string) error {
	call := r.PluginName + ":" + h.String()
	if token != "" {
		call += ":" + token
	}
	r.Log.Add(call)
	if d := r.Delay[h]; d > 0 {
		time.Sleep(d)
	}
	if v, ok := r.Panic[h]; ok {
		panic(v)
	}
	return r.Fail[h]
}

func (r *Recorder) Initialize(context.Context) error {
	return r.hook(plugin.HookInitialize, "")
}

func (r *Recorder) ShutDown(_ context.Context, cause error) error {
	r.mu.Lock()
	r.causes = append(r.causes, cause)
	r.mu.Unlock()
	return r.hook(plugin.HookShutDown, "")
}

func (r *Recorder) BatchStart(_ context.Context, pc *plugin.Context) error {
	return r.hook(plugin.HookBatchStart, pc.Token)
}

func (r *Recorder) BatchEnd(_ context.Context, pc *plugin.Context) error {
	return r.hook(plugin.HookBatchEnd, pc.Token)
}

func (r *Recorder) JobStart(_ context.Context, pc *plugin.Context) error {
	return r.hook(plugin.HookJobStart, pc.Token)
}

func (r *Recorder) JobEnd(_ context.Context, pc *plugin.Context) error {
	return r.hook(plugin.HookJobEnd, pc.Token)
}

func (r *Recorder) BeforeRender(pc *plugin.Context) error {
	return r.hook(plugin.HookBeforeRender, pc.Token)
}

func (r *Recorder) AfterRender(pc *plugin.Context) error {
	return r.hook(plugin.HookAfterRender, pc.Token)
}

func (r *Recorder) OnError(pc *plugin.Context, err error) {
	r.mu.Lock()
	r.errCalls = append(r.errCalls, ErrorCall{Token: pc.Token, Err: err})
	r.mu.Unlock()
	_ = r.hook(plugin.HookOnError, pc.Token)
}

// ErrorCalls returns the OnError invocations seen so far.
func (r *Recorder) ErrorCalls() []ErrorCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ErrorCall(nil), r.errCalls...)
}

// ShutDownCauses returns the causes passed to ShutDown.
func (r *Recorder) ShutDownCauses() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.causes...)
}
