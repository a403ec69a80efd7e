// Package coordinator supervises a pool of worker processes.
//
// The coordinator is a single event loop. Each worker has a forwarding
// goroutine that turns its control messages and its exit into events on the
// loop's channel, so pool state is only ever touched by the loop.
//
// Readiness: once every member of the pool has reported ready, "healthy" is
// broadcast to all of them. Crashes: a worker that exits with a non-zero
// code while the pool is not closing, and that was not asked to stop, is
// replaced by exactly one new worker. Shutdown: on SIGTERM/SIGINT every
// worker is sent "kill"; workers still alive after the disconnect window get
// SIGTERM, then SIGKILL. The coordinator exits 0 only when every worker
// closed cleanly within the disconnect window.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/specialistvlad/rendergrid/internal/config"
	"github.com/specialistvlad/rendergrid/internal/control"
	"github.com/specialistvlad/rendergrid/internal/ctxlog"
)

// Escalation holds the windows of the three shutdown stages.
type Escalation struct {
	Disconnect time.Duration
	Terminate  time.Duration
	Kill       time.Duration
}

// DefaultEscalation is 5s for kill messages, then 2s after SIGTERM, then 2s
// after SIGKILL.
var DefaultEscalation = Escalation{
	Disconnect: 5 * time.Second,
	Terminate:  2 * time.Second,
	Kill:       2 * time.Second,
}

// DefaultWorkerCount leaves one core to the coordinator.
func DefaultWorkerCount(cores int) int {
	if cores-1 < 1 {
		return 1
	}
	return cores - 1
}

// Config configures a Coordinator.
type Config struct {
	// WorkerCount maps the number of cores to the pool size. Defaults to
	// DefaultWorkerCount.
	WorkerCount func(cores int) int
	// Cores overrides runtime.NumCPU.
	Cores      int
	Escalation Escalation
}

type member struct {
	id      int
	proc    Process
	ready   bool
	stopped bool
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventExit
)

type event struct {
	kind   eventKind
	id     int
	msg    control.Message
	status ExitStatus
}

// Coordinator owns the worker pool.
type Coordinator struct {
	size    int
	esc     Escalation
	spawner Spawner

	events  chan event
	members map[int]*member
	nextID  int
	closing bool
}

// New validates cfg and creates a Coordinator. A worker count that is not
// positive is a configuration error.
func New(cfg Config, spawner Spawner) (*Coordinator, error) {
	cores := cfg.Cores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	count := cfg.WorkerCount
	if count == nil {
		count = DefaultWorkerCount
	}
	size := count(cores)
	if size <= 0 {
		return nil, &config.Error{
			Field: "server.worker_count",
			Err:   fmt.Errorf("worker count must be positive, got %d for %d cores", size, cores),
		}
	}
	if spawner == nil {
		return nil, &config.Error{Err: fmt.Errorf("a worker spawner is required")}
	}

	esc := cfg.Escalation
	if esc.Disconnect <= 0 {
		esc.Disconnect = DefaultEscalation.Disconnect
	}
	if esc.Terminate <= 0 {
		esc.Terminate = DefaultEscalation.Terminate
	}
	if esc.Kill <= 0 {
		esc.Kill = DefaultEscalation.Kill
	}

	return &Coordinator{
		size:    size,
		esc:     esc,
		spawner: spawner,
		events:  make(chan event, 64),
		members: make(map[int]*member),
	}, nil
}

// Size returns the configured pool size.
func (c *Coordinator) Size() int { return c.size }

// Run forks the pool and supervises it until a signal arrives on signals or
// ctx is done, then runs the shutdown escalation. It returns the process
// exit code.
func (c *Coordinator) Run(ctx context.Context, signals <-chan os.Signal) int {
	logger := ctxlog.FromContext(ctx)
	logger.Info("Starting worker pool.", "workers", c.size)

	for i := 0; i < c.size; i++ {
		if err := c.fork(ctx); err != nil {
			logger.Error("Failed to fork worker.", "error", err)
			return c.shutdown(ctx, 1)
		}
	}

	for {
		select {
		case ev := <-c.events:
			c.handle(ctx, ev)
		case sig := <-signals:
			logger.Info("Coordinator got signal. Going down.", "signal", sig)
			return c.shutdown(ctx, 0)
		case <-ctx.Done():
			logger.Info("Coordinator context done. Going down.")
			return c.shutdown(ctx, 0)
		}
	}
}

func (c *Coordinator) fork(ctx context.Context) error {
	c.nextID++
	id := c.nextID
	proc, err := c.spawner.Spawn(ctx, id)
	if err != nil {
		return fmt.Errorf("spawn worker #%d: %w", id, err)
	}
	c.members[id] = &member{id: id, proc: proc}
	go c.forward(proc)
	ctxlog.FromContext(ctx).Info("Worker is now online.", "worker", id)
	return nil
}

// forward pumps one worker's messages, then its exit, into the event loop.
func (c *Coordinator) forward(p Process) {
	for msg := range p.Messages() {
		c.events <- event{kind: eventMessage, id: p.ID(), msg: msg}
	}
	status := <-p.Exited()
	c.events <- event{kind: eventExit, id: p.ID(), status: status}
}

func (c *Coordinator) handle(ctx context.Context, ev event) {
	logger := ctxlog.FromContext(ctx)
	switch ev.kind {
	case eventMessage:
		m, ok := c.members[ev.id]
		if !ok {
			return
		}
		if ev.msg.Kind == control.KindReady && ev.msg.Ready {
			if m.ready {
				return
			}
			m.ready = true
			logger.Debug("Worker reported ready.", "worker", ev.id)
			if c.allReady() {
				c.broadcast(ctx, control.Healthy())
				logger.Info("✅ All workers are ready.", "workers", c.size)
			}
		}

	case eventExit:
		m, ok := c.members[ev.id]
		if !ok {
			return
		}
		delete(c.members, ev.id)
		if m.stopped || ev.status.Code == 0 || c.closing {
			logger.Info("Worker exited.", "worker", ev.id, "code", ev.status.Code)
			return
		}
		logger.Error("Worker died. Restarting worker.", "worker", ev.id, "code", ev.status.Code, "error", ev.status.Err)
		if err := c.fork(ctx); err != nil {
			logger.Error("Failed to restart worker.", "error", err)
		}
	}
}

func (c *Coordinator) allReady() bool {
	if len(c.members) != c.size {
		return false
	}
	for _, m := range c.members {
		if !m.ready {
			return false
		}
	}
	return true
}

func (c *Coordinator) broadcast(ctx context.Context, msg control.Message) {
	for _, id := range c.memberIDs() {
		if err := c.members[id].proc.Send(msg); err != nil {
			ctxlog.FromContext(ctx).Warn("Failed to message worker.", "worker", id, "kind", msg.Kind, "error", err)
		}
	}
}

func (c *Coordinator) signalAll(ctx context.Context, sig os.Signal) {
	for _, id := range c.memberIDs() {
		if err := c.members[id].proc.Signal(sig); err != nil {
			ctxlog.FromContext(ctx).Warn("Failed to signal worker.", "worker", id, "signal", sig, "error", err)
		}
	}
}

func (c *Coordinator) memberIDs() []int {
	ids := make([]int, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// shutdown runs the escalation and returns the exit code. code is the best
// outcome the caller allows; a failed first stage forces 1.
func (c *Coordinator) shutdown(ctx context.Context, code int) int {
	logger := ctxlog.FromContext(ctx)
	c.closing = true
	for _, m := range c.members {
		m.stopped = true
	}

	failed := false
	c.broadcast(ctx, control.Kill())

	stages := []struct {
		window time.Duration
		next   os.Signal
		msg    string
	}{
		{c.esc.Disconnect, syscall.SIGTERM, "Closing the coordinator took too long. Terminating workers."},
		{c.esc.Terminate, syscall.SIGKILL, "Workers ignored SIGTERM. Killing workers."},
		{c.esc.Kill, nil, "Workers survived SIGKILL. Giving up."},
	}
	for i, stage := range stages {
		if c.drain(ctx, stage.window, i == 0, &failed) {
			break
		}
		failed = true
		logger.Warn(stage.msg, "remaining", len(c.members), "window", stage.window)
		if stage.next == nil {
			break
		}
		c.signalAll(ctx, stage.next)
	}

	if failed {
		code = 1
	}
	logger.Info("Coordinator stopped.", "code", code)
	return code
}

// drain handles events until every member has exited or window elapses. It
// reports whether the pool is empty. In the first stage a non-zero exit
// marks the shutdown as failed.
func (c *Coordinator) drain(ctx context.Context, window time.Duration, firstStage bool, failed *bool) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()
	for len(c.members) > 0 {
		select {
		case ev := <-c.events:
			if ev.kind == eventExit && firstStage && ev.status.Code != 0 {
				*failed = true
			}
			c.handle(ctx, ev)
		case <-timer.C:
			return false
		}
	}
	return true
}
