// Package worker runs one render server: plugin app hooks, the HTTP
// listener, the per-request error policy and the local graceful close.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/rendergrid/internal/batch"
	"github.com/specialistvlad/rendergrid/internal/control"
	"github.com/specialistvlad/rendergrid/internal/ctxlog"
	"github.com/specialistvlad/rendergrid/internal/job"
	"github.com/specialistvlad/rendergrid/internal/lifecycle"
	"github.com/specialistvlad/rendergrid/internal/plugin"
)

const (
	DefaultEndpoint     = "/batch"
	DefaultBodyLimit    = 1024 * 1000
	DefaultCloseTimeout = time.Second
)

// Config holds the worker settings.
type Config struct {
	// ID identifies the worker to the coordinator. Zero when standalone.
	ID int
	// Addr is the address to listen on when no listener is inherited.
	Addr         string
	Endpoint     string
	BodyLimit    int64
	CloseTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = DefaultBodyLimit
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
}

// Option configures a Worker.
type Option func(*Worker)

// WithControl connects the worker to its coordinator.
func WithControl(ch control.Channel) Option {
	return func(w *Worker) { w.ctl = ch }
}

// WithListener makes the worker serve on ln instead of binding Addr.
func WithListener(ln net.Listener) Option {
	return func(w *Worker) { w.listener = ln }
}

// Worker is one server process.
type Worker struct {
	cfg      Config
	orch     *lifecycle.Orchestrator
	batchCfg batch.Config
	ctl      control.Channel
	listener net.Listener

	ctx    context.Context
	logger *slog.Logger

	mu     sync.Mutex
	server *http.Server

	state    atomic.Int32
	healthy  atomic.Bool
	shutOnce sync.Once
	exitCh   chan int
}

// New creates a worker. The logger is taken from ctx.
func New(ctx context.Context, cfg Config, orch *lifecycle.Orchestrator, getComponent batch.GetComponent, opts ...Option) *Worker {
	cfg.setDefaults()
	w := &Worker{
		cfg:  cfg,
		orch: orch,
		batchCfg: batch.Config{
			Plugins:      orch.Plugins(),
			GetComponent: getComponent,
		},
		exitCh: make(chan int, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if cfg.ID != 0 {
		ctx = ctxlog.With(ctx, "worker", cfg.ID)
	}
	w.ctx = ctx
	w.logger = ctxlog.FromContext(ctx)
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.logger.Debug("Worker state changed.", "state", s)
}

// Ready reports whether the worker should receive traffic: it is listening
// and, under a coordinator, the whole pool has reported ready.
func (w *Worker) Ready() bool {
	if w.State() != StateListening {
		return false
	}
	return w.ctl == nil || w.healthy.Load()
}

// Run initializes plugins, starts listening and serves until the worker is
// closed. Cancelling ctx closes the worker with exit code 0. Run returns the
// exit code.
func (w *Worker) Run(ctx context.Context) int {
	w.setState(StateInitializing)
	if w.ctl != nil {
		go w.controlLoop()
	}

	if err := w.orch.RunAppLifecycle(w.ctx, plugin.HookInitialize, nil); err != nil {
		w.logger.Error("Plugin initialization failed.", "error", err)
		w.closeListener()
		w.Shutdown(err, 1)
		return <-w.exitCh
	}

	if w.State() != StateInitializing {
		w.closeListener()
		return <-w.exitCh
	}

	ln := w.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", w.cfg.Addr)
		if err != nil {
			w.logger.Error("Failed to listen.", "addr", w.cfg.Addr, "error", err)
			w.Shutdown(fmt.Errorf("listen %s: %w", w.cfg.Addr, err), 1)
			return <-w.exitCh
		}
	}

	srv := &http.Server{
		Handler:           w.Handler(),
		BaseContext:       func(net.Listener) context.Context { return w.ctx },
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(w.logger.Handler(), slog.LevelWarn),
	}
	if !w.attachServer(srv) {
		// Closed while binding.
		_ = ln.Close()
		return <-w.exitCh
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.Shutdown(&FatalError{Err: err}, 1)
		}
	}()

	if !w.state.CompareAndSwap(int32(StateInitializing), int32(StateListening)) {
		// Closed after the server was attached; the shutdown sequence
		// stops it.
		return <-w.exitCh
	}
	w.logger.Debug("Worker state changed.", "state", StateListening)
	if w.ctl != nil {
		if err := w.ctl.Send(control.Ready(w.cfg.ID)); err != nil {
			w.logger.Warn("Failed to report readiness.", "error", err)
		}
	}
	w.logger.Info("🚀 Connected.", "addr", ln.Addr().String())

	select {
	case code := <-w.exitCh:
		return code
	case <-ctx.Done():
		w.Shutdown(nil, 0)
		return <-w.exitCh
	}
}

func (w *Worker) closeListener() {
	if w.listener != nil {
		_ = w.listener.Close()
	}
}

// attachServer records srv as the server to stop on shutdown. It fails once
// the worker is closing, in which case srv must not be started.
func (w *Worker) attachServer(srv *http.Server) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.State() != StateInitializing {
		return false
	}
	w.server = srv
	return true
}

// Shutdown closes the worker: it stops accepting requests, waits up to the
// close timeout for in-flight ones, runs the shutDown hooks with cause and
// then makes Run return code. Only the first call has an effect.
func (w *Worker) Shutdown(cause error, code int) {
	w.shutOnce.Do(func() {
		go w.shutDownSequence(cause, code)
	})
}

func (w *Worker) shutDownSequence(cause error, code int) {
	ctx := context.WithoutCancel(w.ctx)
	if cause != nil {
		w.logger.Info("Worker shutting down after error.", "error", cause, "code", code)
	} else {
		w.logger.Info("Worker shutting down.", "code", code)
	}
	w.mu.Lock()
	w.setState(StateClosing)
	srv := w.server
	w.mu.Unlock()
	if srv != nil {
		closeCtx, cancel := context.WithTimeout(ctx, w.cfg.CloseTimeout)
		err := srv.Shutdown(closeCtx)
		cancel()
		if err != nil {
			w.logger.Info("Closing the worker took too long.", "timeout", w.cfg.CloseTimeout, "error", err)
			_ = srv.Close()
		}
	}

	if err := w.orch.RunAppLifecycle(ctx, plugin.HookShutDown, cause); err != nil {
		w.logger.Warn("Plugin shutdown failed.", "error", err)
	}

	w.setState(StateTerminated)
	if w.ctl != nil {
		_ = w.ctl.Close()
	}
	w.exitCh <- code
}

func (w *Worker) controlLoop() {
	for {
		msg, err := w.ctl.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, control.ErrClosed) {
				w.logger.Warn("Control channel failed.", "error", err)
			}
			if errors.Is(err, io.EOF) && w.State() < StateClosing {
				w.logger.Warn("Coordinator went away, shutting down.")
				w.Shutdown(nil, 0)
			}
			return
		}
		switch msg.Kind {
		case control.KindKill:
			w.Shutdown(nil, 0)
		case control.KindHealthy:
			w.healthy.Store(true)
			w.logger.Debug("Worker pool is healthy.")
		default:
			w.logger.Debug("Ignoring control message.", "kind", msg.Kind)
		}
	}
}

// recoverFatal answers non-fatal errors with their status and turns anything
// else into a fatal worker error.
func (w *Worker) recoverFatal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err := job.FromRecovered(rec)
			if _, ok := nonFatalStatus(err); ok {
				w.handleRequestError(rw, r, err)
				return
			}
			w.logger.Error("Fatal error while serving a request.", "path", r.URL.Path, "error", err)
			w.Shutdown(&FatalError{Err: err}, 1)
			panic(http.ErrAbortHandler)
		}()
		next.ServeHTTP(rw, r)
	})
}

// handleRequestError reports a non-fatal request error to the client and to
// every plugin's OnError through an empty batch.
func (w *Worker) handleRequestError(rw http.ResponseWriter, r *http.Request, err error) {
	status, ok := nonFatalStatus(err)
	if !ok {
		status = http.StatusInternalServerError
	}
	w.logger.Info("Non-fatal error encountered.", "status", status, "error", err)
	rw.WriteHeader(status)

	ctx := ctxlog.WithLogger(r.Context(), w.logger)
	m := batch.New(r, nil, w.batchCfg)
	w.orch.ErrorSync(ctx, err, m, "")
}
