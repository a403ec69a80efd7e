package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"

	"github.com/specialistvlad/rendergrid/internal/config"
	"github.com/specialistvlad/rendergrid/internal/coordinator"
	"github.com/specialistvlad/rendergrid/internal/ctxlog"
	"github.com/specialistvlad/rendergrid/internal/job"
	"github.com/specialistvlad/rendergrid/internal/lifecycle"
	"github.com/specialistvlad/rendergrid/internal/plugin"
	"github.com/specialistvlad/rendergrid/internal/registry"
	"github.com/specialistvlad/rendergrid/internal/sandbox"
	"github.com/specialistvlad/rendergrid/internal/worker"
)

// Options are the process-level inputs of an App.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	// Fs is where components and preload scripts are read from. Defaults to
	// the OS file system.
	Fs afero.Fs
	// Modules replaces the built-in plugin modules.
	Modules []plugin.Module
	// Listener makes a standalone worker serve on an existing socket.
	Listener net.Listener
	// WorkerArgs are passed to the binary when the coordinator forks a
	// worker; the worker id is appended.
	WorkerArgs []string
	// Signals replaces SIGTERM/SIGINT delivery.
	Signals <-chan os.Signal
}

// App is a configured render server process.
type App struct {
	cfg      *config.Config
	opts     Options
	logger   *slog.Logger
	closeLog func() error
	catalog  *plugin.Catalog
}

// New prepares an App. Only the logger is created here; the sandbox,
// registry and plugins are built by the process that serves requests.
func New(cfg *config.Config, opts Options) (*App, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Modules == nil {
		opts.Modules = coreModules
	}

	out, closeLog, err := openLogTarget(cfg.Log.Target, opts.Stdout, opts.Stderr)
	if err != nil {
		return nil, &config.Error{Field: "log.target", Err: err}
	}
	logger := newLogger(cfg.Log, out)
	logger.Debug("Logger configured successfully.")

	return &App{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		closeLog: closeLog,
		catalog:  plugin.NewCatalog(opts.Modules...),
	}, nil
}

// Close releases the log target.
func (a *App) Close() error { return a.closeLog() }

// Logger returns the process logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Run serves until a termination signal and returns the exit code. In
// cluster mode this process becomes the coordinator.
func (a *App) Run(ctx context.Context) int {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	if a.cfg.Server.Cluster {
		return a.runCoordinator(ctx)
	}

	ctx, stop := a.notifyContext(ctx)
	defer stop()

	var opts []worker.Option
	if a.opts.Listener != nil {
		opts = append(opts, worker.WithListener(a.opts.Listener))
	}
	return a.runWorker(ctx, 0, opts...)
}

// RunWorker serves as worker id of a coordinator, using the control channel
// and listening socket inherited from it.
func (a *App) RunWorker(ctx context.Context, id int) int {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	ctx, stop := a.notifyContext(ctx)
	defer stop()

	ln, err := coordinator.InheritedListener()
	if err != nil {
		a.logger.Error("Worker has no listener.", "worker", id, "error", err)
		return 1
	}
	return a.runWorker(ctx, id,
		worker.WithListener(ln),
		worker.WithControl(coordinator.InheritedControl()),
	)
}

func (a *App) runWorker(ctx context.Context, id int, opts ...worker.Option) int {
	rt, err := a.build(ctx)
	if err != nil {
		a.logger.Error("Failed to start worker.", "error", err)
		if errors.Is(err, config.ErrConfiguration) {
			return 2
		}
		return 1
	}
	if a.cfg.Sandbox.Watch {
		go func() {
			if err := rt.registry.Watch(ctx); err != nil {
				a.logger.Error("Component watcher stopped.", "error", err)
			}
		}()
	}

	w := worker.New(ctx, worker.Config{
		ID:           id,
		Addr:         a.cfg.Server.Addr(),
		Endpoint:     a.cfg.Server.Endpoint,
		BodyLimit:    a.cfg.Server.BodyLimit,
		CloseTimeout: a.cfg.Server.CloseTimeout,
	}, rt.orch, rt.getComponent, opts...)
	return w.Run(ctx)
}

func (a *App) runCoordinator(ctx context.Context) int {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr())
	if err != nil {
		a.logger.Error("Failed to listen.", "addr", a.cfg.Server.Addr(), "error", err)
		return 1
	}
	defer ln.Close()
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		a.logger.Error("Cluster mode needs a TCP listener.", "addr", ln.Addr().String())
		return 1
	}

	exe, err := os.Executable()
	if err != nil {
		a.logger.Error("Failed to locate executable.", "error", err)
		return 1
	}

	cfg := a.cfg
	c, err := coordinator.New(coordinator.Config{
		WorkerCount: func(cores int) int {
			n, err := cfg.Server.Workers(cores)
			if err != nil {
				return 0
			}
			return n
		},
	}, &coordinator.ExecSpawner{
		Path:     exe,
		Args:     a.opts.WorkerArgs,
		Listener: tcp,
		Stdout:   a.opts.Stdout,
		Stderr:   a.opts.Stderr,
	})
	if err != nil {
		a.logger.Error("Invalid cluster configuration.", "error", err)
		return 2
	}

	signals := a.opts.Signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(ch)
		signals = ch
	}
	a.logger.Info("🚀 Coordinator listening.", "addr", ln.Addr().String())
	return c.Run(ctx, signals)
}

// notifyContext cancels ctx on the first termination signal.
func (a *App) notifyContext(ctx context.Context) (context.Context, func()) {
	if a.opts.Signals == nil {
		return signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-a.opts.Signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// services is everything a worker needs to serve batches.
type services struct {
	sandbox  *sandbox.Sandbox
	registry *registry.Registry
	orch     *lifecycle.Orchestrator
}

func (rt *services) getComponent(ctx context.Context, name string, _ *job.Job) registry.Renderer {
	return rt.registry.Lookup(ctx, name)
}

func (a *App) build(ctx context.Context) (*services, error) {
	files, err := a.componentFiles()
	if err != nil {
		return nil, err
	}

	cacheSize := a.cfg.Sandbox.CacheSize
	if cacheSize == 0 {
		cacheSize = len(files)
	}
	sb, err := sandbox.New(sandbox.Options{
		Fs:        a.opts.Fs,
		CacheSize: cacheSize,
		Preload:   a.cfg.Sandbox.Preload,
		Env:       environ(),
	})
	if err != nil {
		return nil, err
	}
	reg := registry.New(ctx, sb, files, registry.WithFs(a.opts.Fs))

	plugins := make([]plugin.Plugin, 0, len(a.cfg.Plugins))
	for _, pc := range a.cfg.Plugins {
		p, err := a.catalog.Build(ctx, pc.Name, pc.Body)
		if err != nil {
			return nil, &config.Error{Field: "plugin." + pc.Name, Err: err}
		}
		plugins = append(plugins, p)
	}
	a.logger.Debug("Plugins built.", "count", len(plugins))

	orchOpts := []lifecycle.Option{lifecycle.WithHookTimeout(a.cfg.Server.HookTimeout)}
	if a.cfg.Server.Concurrent {
		orchOpts = append(orchOpts, lifecycle.WithConcurrentJobs(0))
	}
	return &services{
		sandbox:  sb,
		registry: reg,
		orch:     lifecycle.New(plugins, orchOpts...),
	}, nil
}

// componentFiles merges components_dir with explicit component blocks. A
// component block wins over a discovered file of the same name.
func (a *App) componentFiles() (map[string]string, error) {
	files := make(map[string]string)
	if dir := a.cfg.ComponentsDir; dir != "" {
		found, err := registry.Discover(a.opts.Fs, dir)
		if err != nil {
			return nil, &config.Error{Field: "components_dir", Err: err}
		}
		for name, path := range found {
			files[name] = path
		}
	}
	for _, c := range a.cfg.Components {
		files[c.Name] = c.Path
	}
	if len(files) == 0 {
		a.logger.Warn("No components configured.")
	}
	return files, nil
}
