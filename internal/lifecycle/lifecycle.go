// Package lifecycle drives plugin hooks around batches and jobs.
//
// Asynchronous stages (initialize, shutDown, batchStart, batchEnd, jobStart,
// jobEnd) call every implementing plugin at once and fail on the first error.
// Waiting on a stage is bounded by the hook timeout; a stage that overruns is
// logged and abandoned, never cancelled. Synchronous stages (beforeRender,
// afterRender, onError) call plugins one by one in registration order.
//
// A failing hook or render aborts the rest of its job (or batch), records the
// error on the batch manager and notifies every plugin's OnError.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/specialistvlad/rendergrid/internal/batch"
	"github.com/specialistvlad/rendergrid/internal/ctxlog"
	"github.com/specialistvlad/rendergrid/internal/job"
	"github.com/specialistvlad/rendergrid/internal/plugin"
)

// DefaultHookTimeout bounds every asynchronous hook stage.
const DefaultHookTimeout = 300 * time.Millisecond

// Orchestrator runs the hook pipeline for one worker.
type Orchestrator struct {
	plugins     []plugin.Plugin
	timeout     time.Duration
	concurrent  bool
	concurrency int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHookTimeout overrides DefaultHookTimeout.
func WithHookTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithConcurrentJobs processes the jobs of a batch concurrently. limit caps
// the number of jobs in flight; zero means no cap.
func WithConcurrentJobs(limit int) Option {
	return func(o *Orchestrator) {
		o.concurrent = true
		o.concurrency = limit
	}
}

// New creates an Orchestrator for plugins. Batch managers passed to it must
// be built with the same plugins.
func New(plugins []plugin.Plugin, opts ...Option) *Orchestrator {
	o := &Orchestrator{plugins: plugins, timeout: DefaultHookTimeout}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Plugins returns the plugins in registration order.
func (o *Orchestrator) Plugins() []plugin.Plugin { return o.plugins }

// Timeout returns the hook timeout in effect.
func (o *Orchestrator) Timeout() time.Duration { return o.timeout }

// RaceTo waits for done or for timeout, whichever comes first. On timeout it
// logs msg and returns nil while the work behind done keeps running.
func RaceTo(ctx context.Context, done <-chan error, timeout time.Duration, msg string) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		ctxlog.FromContext(ctx).Info(msg, "timeout", timeout, "error", ErrHookTimeout)
		return nil
	}
}

func (o *Orchestrator) implementing(hook plugin.Hook) []plugin.Plugin {
	var out []plugin.Plugin
	for _, p := range o.plugins {
		if plugin.Has(p, hook) {
			out = append(out, p)
		}
	}
	return out
}

// fanOut runs call for every plugin concurrently and reports the first error,
// or nil once all have succeeded.
func fanOut(plugins []plugin.Plugin, call func(p plugin.Plugin) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		results := make(chan error, len(plugins))
		for _, p := range plugins {
			go func(p plugin.Plugin) { results <- call(p) }(p)
		}
		for range plugins {
			if err := <-results; err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	return done
}

// RunLifecycle runs an asynchronous batch or job hook. token selects the job;
// an empty token runs the hook with the batch view.
func (o *Orchestrator) RunLifecycle(ctx context.Context, hook plugin.Hook, m *batch.Manager, token string) error {
	plugins := o.implementing(hook)
	if len(plugins) == 0 {
		return nil
	}
	done := fanOut(plugins, func(p plugin.Plugin) error {
		return guard(p, hook, func() error {
			pc := m.ContextFor(p, token)
			switch hook {
			case plugin.HookBatchStart:
				return p.(plugin.BatchStarter).BatchStart(ctx, pc)
			case plugin.HookBatchEnd:
				return p.(plugin.BatchEnder).BatchEnd(ctx, pc)
			case plugin.HookJobStart:
				return p.(plugin.JobStarter).JobStart(ctx, pc)
			case plugin.HookJobEnd:
				return p.(plugin.JobEnder).JobEnd(ctx, pc)
			}
			return fmt.Errorf("%s is not a batch or job hook", hook)
		})
	})
	return RaceTo(ctx, done, o.timeout, fmt.Sprintf("Lifecycle method %s took too long.", hook))
}

// RunLifecycleSync runs beforeRender or afterRender in plugin order and stops
// at the first failure.
func (o *Orchestrator) RunLifecycleSync(hook plugin.Hook, m *batch.Manager, token string) error {
	for _, p := range o.implementing(hook) {
		err := guard(p, hook, func() error {
			pc := m.ContextFor(p, token)
			switch hook {
			case plugin.HookBeforeRender:
				return p.(plugin.BeforeRenderer).BeforeRender(pc)
			case plugin.HookAfterRender:
				return p.(plugin.AfterRenderer).AfterRender(pc)
			}
			return fmt.Errorf("%s is not a synchronous hook", hook)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ErrorSync tells every plugin about err in plugin order. A handler that
// panics is logged and does not stop the others.
func (o *Orchestrator) ErrorSync(ctx context.Context, err error, m *batch.Manager, token string) {
	logger := ctxlog.FromContext(ctx)
	for _, p := range o.implementing(plugin.HookOnError) {
		herr := guard(p, plugin.HookOnError, func() error {
			p.(plugin.ErrorHandler).OnError(m.ContextFor(p, token), err)
			return nil
		})
		if herr != nil {
			logger.Error("Error handler failed.", "plugin", p.Name(), "error", herr)
		}
	}
}

// RunAppLifecycle runs initialize or shutDown. cause is passed to shutDown.
func (o *Orchestrator) RunAppLifecycle(ctx context.Context, hook plugin.Hook, cause error) error {
	plugins := o.implementing(hook)
	if len(plugins) == 0 {
		return nil
	}
	done := fanOut(plugins, func(p plugin.Plugin) error {
		return guard(p, hook, func() error {
			switch hook {
			case plugin.HookInitialize:
				return p.(plugin.Initializer).Initialize(ctx)
			case plugin.HookShutDown:
				return p.(plugin.ShutDowner).ShutDown(ctx, cause)
			}
			return fmt.Errorf("%s is not an app hook", hook)
		})
	})
	return RaceTo(ctx, done, o.timeout, fmt.Sprintf("App lifecycle method %s took too long.", hook))
}

// ProcessJob runs jobStart, beforeRender, render, afterRender and jobEnd for
// one job. The first failure is recorded on the job and reported to every
// plugin's OnError; the remaining steps are skipped.
func (o *Orchestrator) ProcessJob(ctx context.Context, m *batch.Manager, token string) {
	if err := o.runJob(ctx, m, token); err != nil {
		ctxlog.FromContext(ctx).Debug("Job failed.", "token", token, "error", err)
		m.RecordError(err, token)
		o.ErrorSync(ctx, err, m, token)
	}
}

func (o *Orchestrator) runJob(ctx context.Context, m *batch.Manager, token string) error {
	if err := o.RunLifecycle(ctx, plugin.HookJobStart, m, token); err != nil {
		return err
	}
	if err := o.RunLifecycleSync(plugin.HookBeforeRender, m, token); err != nil {
		return err
	}
	if err := render(ctx, m, token); err != nil {
		return err
	}
	if err := o.RunLifecycleSync(plugin.HookAfterRender, m, token); err != nil {
		return err
	}
	return o.RunLifecycle(ctx, plugin.HookJobEnd, m, token)
}

// render calls the batch manager, turning a panicking renderer into an
// error. Render errors are not wrapped.
func render(ctx context.Context, m *batch.Manager, token string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = job.FromRecovered(r)
		}
	}()
	return m.Render(ctx, token)
}

// ProcessBatch runs batchStart, every job and batchEnd. A batch-level failure
// is recorded on the batch and reported to every plugin's OnError; results of
// jobs that already ran are kept.
func (o *Orchestrator) ProcessBatch(ctx context.Context, m *batch.Manager) {
	ctx = ctxlog.With(ctx, "batch_id", m.ID)
	if err := o.runBatch(ctx, m); err != nil {
		ctxlog.FromContext(ctx).Warn("Batch failed.", "error", err)
		m.RecordError(err, "")
		o.ErrorSync(ctx, err, m, "")
	}
}

func (o *Orchestrator) runBatch(ctx context.Context, m *batch.Manager) error {
	if err := o.RunLifecycle(ctx, plugin.HookBatchStart, m, ""); err != nil {
		return err
	}

	if o.concurrent {
		var g errgroup.Group
		if o.concurrency > 0 {
			g.SetLimit(o.concurrency)
		}
		for _, token := range m.Tokens() {
			g.Go(func() error {
				o.ProcessJob(ctx, m, token)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, token := range m.Tokens() {
			o.ProcessJob(ctx, m, token)
		}
	}

	return o.RunLifecycle(ctx, plugin.HookBatchEnd, m, "")
}

// guard runs fn and converts its error or panic into a *HookError.
func guard(p plugin.Plugin, hook plugin.Hook, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HookError{Plugin: p.Name(), Hook: hook, Err: job.FromRecovered(r)}
		}
	}()
	if err := fn(); err != nil {
		return &HookError{Plugin: p.Name(), Hook: hook, Err: err}
	}
	return nil
}
