package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// maxTimerRounds bounds how many times drainTimers re-scans the queue for
// callbacks scheduled by other callbacks.
const maxTimerRounds = 64

// Context is an isolated namespace of global bindings shared by every unit
// loaded from one top-level Run.
type Context struct {
	mu sync.Mutex

	sb      *Sandbox
	name    string
	vm      *goja.Runtime
	logger  *slog.Logger
	modules map[string]*module

	timerSeq int64
	timers   map[int64]*timer
	buffers  map[*goja.Object][]byte
}

type timer struct {
	id    int64
	fn    goja.Callable
	args  []goja.Value
	delay int64
}

func newContext(sb *Sandbox, name string, logger *slog.Logger) *Context {
	c := &Context{
		sb:      sb,
		name:    name,
		vm:      goja.New(),
		logger:  logger,
		modules: make(map[string]*module),
		timers:  make(map[int64]*timer),
		buffers: make(map[*goja.Object][]byte),
	}
	c.installGlobals()
	return c
}

func (c *Context) installGlobals() {
	vm := c.vm
	global := vm.GlobalObject()
	_ = vm.Set("global", global)
	_ = vm.Set("console", c.newConsole())
	_ = vm.Set("process", c.newProcess())
	_ = vm.Set("Buffer", c.newBufferConstructor())

	_ = vm.Set("setTimeout", c.schedule)
	_ = vm.Set("setImmediate", func(call goja.FunctionCall) goja.Value {
		return c.addTimer(call, 0, 1)
	})
	// Intervals fire once per drain, like a timeout.
	_ = vm.Set("setInterval", c.schedule)
	clearTimer := func(call goja.FunctionCall) goja.Value {
		delete(c.timers, call.Argument(0).ToInteger())
		return goja.Undefined()
	}
	_ = vm.Set("clearTimeout", clearTimer)
	_ = vm.Set("clearInterval", clearTimer)
	_ = vm.Set("clearImmediate", clearTimer)
}

func (c *Context) newConsole() *goja.Object {
	console := c.vm.NewObject()
	logAt := func(level slog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				parts = append(parts, a.String())
			}
			c.logger.Log(context.Background(), level, strings.Join(parts, " "), "source", "console")
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logAt(slog.LevelInfo))
	_ = console.Set("info", logAt(slog.LevelInfo))
	_ = console.Set("debug", logAt(slog.LevelDebug))
	_ = console.Set("warn", logAt(slog.LevelWarn))
	_ = console.Set("error", logAt(slog.LevelError))
	return console
}

func (c *Context) newProcess() *goja.Object {
	process := c.vm.NewObject()
	env := c.vm.NewObject()
	for k, v := range c.sb.env {
		_ = env.Set(k, v)
	}
	_ = process.Set("env", env)
	_ = process.Set("platform", runtime.GOOS)
	_ = process.Set("browser", false)
	return process
}

// newBufferConstructor exposes the subset of Node's Buffer used by bundles to
// move payloads between utf8, base64 and hex.
func (c *Context) newBufferConstructor() *goja.Object {
	vm := c.vm
	buffer := vm.NewObject()
	_ = buffer.Set("from", func(call goja.FunctionCall) goja.Value {
		src := call.Argument(0)
		enc := encodingArg(call.Argument(1))
		if obj, ok := src.(*goja.Object); ok {
			if data, ok := c.buffers[obj]; ok {
				return c.newBuffer(append([]byte(nil), data...))
			}
			if exported, ok := obj.Export().([]any); ok {
				data := make([]byte, len(exported))
				for i, b := range exported {
					data[i] = byte(vm.ToValue(b).ToInteger())
				}
				return c.newBuffer(data)
			}
		}
		data, err := decodeString(src.String(), enc)
		if err != nil {
			panic(vm.NewTypeError("Buffer.from: %v", err))
		}
		return c.newBuffer(data)
	})
	_ = buffer.Set("isBuffer", func(call goja.FunctionCall) goja.Value {
		obj, ok := call.Argument(0).(*goja.Object)
		if !ok {
			return vm.ToValue(false)
		}
		_, ok = c.buffers[obj]
		return vm.ToValue(ok)
	})
	_ = buffer.Set("byteLength", func(call goja.FunctionCall) goja.Value {
		data, err := decodeString(call.Argument(0).String(), encodingArg(call.Argument(1)))
		if err != nil {
			panic(vm.NewTypeError("Buffer.byteLength: %v", err))
		}
		return vm.ToValue(len(data))
	})
	return buffer
}

func (c *Context) newBuffer(data []byte) *goja.Object {
	vm := c.vm
	obj := vm.NewObject()
	_ = obj.Set("length", len(data))
	c.buffers[obj] = data
	_ = obj.Set("toString", func(call goja.FunctionCall) goja.Value {
		switch encodingArg(call.Argument(0)) {
		case "base64":
			return vm.ToValue(base64.StdEncoding.EncodeToString(data))
		case "hex":
			return vm.ToValue(hex.EncodeToString(data))
		default:
			return vm.ToValue(string(data))
		}
	})
	return obj
}

func encodingArg(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "utf8"
	}
	switch enc := strings.ToLower(v.String()); enc {
	case "utf-8":
		return "utf8"
	default:
		return enc
	}
}

func decodeString(s, enc string) ([]byte, error) {
	switch enc {
	case "base64":
		return base64.StdEncoding.DecodeString(s)
	case "hex":
		return hex.DecodeString(s)
	default:
		return []byte(s), nil
	}
}

func (c *Context) schedule(call goja.FunctionCall) goja.Value {
	return c.addTimer(call, call.Argument(1).ToInteger(), 2)
}

func (c *Context) addTimer(call goja.FunctionCall, delay int64, argOffset int) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(c.vm.NewTypeError("callback must be a function"))
	}
	var args []goja.Value
	if len(call.Arguments) > argOffset {
		args = append(args, call.Arguments[argOffset:]...)
	}
	c.timerSeq++
	c.timers[c.timerSeq] = &timer{id: c.timerSeq, fn: fn, args: args, delay: delay}
	return c.vm.ToValue(c.timerSeq)
}

// drainTimers runs queued timer callbacks in (delay, creation) order once the
// current synchronous turn has finished. An interval fires once and is then
// disarmed, so nothing scheduled by one call survives into the next. Callers
// hold c.mu.
func (c *Context) drainTimers() {
	fired := make(map[int64]bool)
	for round := 0; round < maxTimerRounds; round++ {
		var due []*timer
		for _, t := range c.timers {
			if !fired[t.id] {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].delay != due[j].delay {
				return due[i].delay < due[j].delay
			}
			return due[i].id < due[j].id
		})
		for _, t := range due {
			if _, live := c.timers[t.id]; !live {
				continue // cleared by an earlier callback
			}
			fired[t.id] = true
			delete(c.timers, t.id)
			if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
				c.logger.Warn("Timer callback threw.", "error", convertError(err))
			}
		}
	}
	c.logger.Warn("Timer queue did not settle.", "pending", len(c.timers))
}
