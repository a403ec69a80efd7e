package coordinator

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/rendergrid/internal/config"
	"github.com/specialistvlad/rendergrid/internal/control"
	"github.com/specialistvlad/rendergrid/internal/testutil"
)

// fakeProcess is an in-memory worker. Its behaviour on kill and signals is
// scripted per test.
type fakeProcess struct {
	id       int
	messages chan control.Message
	exited   chan ExitStatus

	mu      sync.Mutex
	sent    []control.Message
	signals []os.Signal
	done    bool

	onKill   func(p *fakeProcess)
	onSignal func(p *fakeProcess, sig os.Signal)
}

func (p *fakeProcess) ID() int                          { return p.id }
func (p *fakeProcess) Messages() <-chan control.Message { return p.messages }
func (p *fakeProcess) Exited() <-chan ExitStatus        { return p.exited }

func (p *fakeProcess) Send(msg control.Message) error {
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	p.mu.Unlock()
	if msg.Kind == control.KindKill && p.onKill != nil {
		p.onKill(p)
	}
	return nil
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if p.onSignal != nil {
		p.onSignal(p, sig)
	}
	return nil
}

func (p *fakeProcess) ready() { p.messages <- control.Ready(p.id) }

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	close(p.messages)
	p.exited <- ExitStatus{Code: code}
}

func (p *fakeProcess) Sent() []control.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]control.Message(nil), p.sent...)
}

func (p *fakeProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

func (p *fakeProcess) count(kind control.Kind) int {
	n := 0
	for _, m := range p.Sent() {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

type fakeSpawner struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	spawned chan *fakeProcess
	setup   func(p *fakeProcess)
}

func newFakeSpawner(setup func(p *fakeProcess)) *fakeSpawner {
	return &fakeSpawner{spawned: make(chan *fakeProcess, 32), setup: setup}
}

func (s *fakeSpawner) Spawn(_ context.Context, id int) (Process, error) {
	p := &fakeProcess{
		id:       id,
		messages: make(chan control.Message, 8),
		exited:   make(chan ExitStatus, 1),
		onKill:   func(p *fakeProcess) { go p.exit(0) },
	}
	if s.setup != nil {
		s.setup(p)
	}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	s.spawned <- p
	return p, nil
}

func (s *fakeSpawner) Procs() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

func (s *fakeSpawner) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-s.spawned:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a worker to spawn")
		return nil
	}
}

func fixedCount(n int) func(int) int { return func(int) int { return n } }

func startCoordinator(t *testing.T, c *Coordinator) (chan os.Signal, <-chan int) {
	t.Helper()
	var buf testutil.SafeBuffer
	ctx := testutil.LoggerContext(&buf)
	t.Cleanup(func() { testutil.DumpLogs(t, &buf) })

	signals := make(chan os.Signal, 1)
	codeCh := make(chan int, 1)
	go func() { codeCh <- c.Run(ctx, signals) }()
	return signals, codeCh
}

func waitCode(t *testing.T, codeCh <-chan int) int {
	t.Helper()
	select {
	case code := <-codeCh:
		return code
	case <-time.After(3 * time.Second):
		t.Fatal("coordinator did not return")
		return -1
	}
}

func TestNew_RejectsNonPositiveWorkerCount(t *testing.T) {
	t.Parallel()

	// --- Act ---
	_, err := New(Config{WorkerCount: fixedCount(0), Cores: 4}, newFakeSpawner(nil))

	// --- Assert ---
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfiguration)
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "server.worker_count", cfgErr.Field)
}

func TestDefaultWorkerCount(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, DefaultWorkerCount(1))
	assert.Equal(t, 1, DefaultWorkerCount(2))
	assert.Equal(t, 7, DefaultWorkerCount(8))
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Cores: 4}, newFakeSpawner(nil))

	require.NoError(t, err)
	assert.Equal(t, 3, c.Size())
	assert.Equal(t, DefaultEscalation, c.esc)
}

func TestRun_BroadcastsHealthyOnceWhenAllReady(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	spawner := newFakeSpawner(nil)
	c, err := New(Config{WorkerCount: fixedCount(4), Cores: 8}, spawner)
	require.NoError(t, err)
	signals, codeCh := startCoordinator(t, c)

	procs := make([]*fakeProcess, 4)
	for i := range procs {
		procs[i] = spawner.next(t)
	}

	// --- Act ---
	for i, p := range procs {
		p.ready()
		if i < len(procs)-1 {
			// Nobody is healthy until the whole pool has reported.
			time.Sleep(10 * time.Millisecond)
			assert.Zero(t, p.count(control.KindHealthy))
		}
	}
	// A duplicate ready message must not re-trigger the broadcast.
	procs[0].ready()

	// --- Assert ---
	for _, p := range procs {
		require.Eventually(t, func() bool { return p.count(control.KindHealthy) == 1 }, time.Second, 5*time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	for _, p := range procs {
		assert.Equal(t, 1, p.count(control.KindHealthy), "worker %d", p.id)
	}

	signals <- syscall.SIGTERM
	assert.Equal(t, 0, waitCode(t, codeCh))
}

func TestRun_RestartsCrashedWorkerExactlyOnce(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	spawner := newFakeSpawner(nil)
	c, err := New(Config{WorkerCount: fixedCount(2), Cores: 8}, spawner)
	require.NoError(t, err)
	signals, codeCh := startCoordinator(t, c)
	first := spawner.next(t)
	second := spawner.next(t)
	first.ready()
	second.ready()

	// --- Act ---
	first.exit(1)
	replacement := spawner.next(t)

	// --- Assert ---
	assert.Equal(t, 3, replacement.id)
	select {
	case extra := <-spawner.spawned:
		t.Fatalf("unexpected extra worker #%d", extra.id)
	case <-time.After(50 * time.Millisecond):
	}

	// The pool is whole again once the replacement reports ready.
	replacement.ready()
	require.Eventually(t, func() bool { return replacement.count(control.KindHealthy) == 1 }, time.Second, 5*time.Millisecond)

	signals <- syscall.SIGINT
	assert.Equal(t, 0, waitCode(t, codeCh))
	assert.Len(t, spawner.Procs(), 3)
}

func TestRun_CleanExitIsNotRestarted(t *testing.T) {
	t.Parallel()

	spawner := newFakeSpawner(nil)
	c, err := New(Config{WorkerCount: fixedCount(2), Cores: 8}, spawner)
	require.NoError(t, err)
	signals, codeCh := startCoordinator(t, c)
	first := spawner.next(t)
	spawner.next(t)

	first.exit(0)

	select {
	case extra := <-spawner.spawned:
		t.Fatalf("unexpected replacement worker #%d", extra.id)
	case <-time.After(50 * time.Millisecond):
	}
	signals <- syscall.SIGTERM
	assert.Equal(t, 0, waitCode(t, codeCh))
}

func TestRun_ShutdownSendsKillToEveryWorker(t *testing.T) {
	t.Parallel()

	spawner := newFakeSpawner(nil)
	c, err := New(Config{WorkerCount: fixedCount(3), Cores: 8}, spawner)
	require.NoError(t, err)
	signals, codeCh := startCoordinator(t, c)
	for i := 0; i < 3; i++ {
		spawner.next(t)
	}

	signals <- syscall.SIGTERM

	assert.Equal(t, 0, waitCode(t, codeCh))
	for _, p := range spawner.Procs() {
		assert.Equal(t, 1, p.count(control.KindKill), "worker %d", p.id)
		assert.Empty(t, p.Signals(), "worker %d", p.id)
	}
}

func TestRun_ShutdownEscalatesToSIGTERM(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	spawner := newFakeSpawner(func(p *fakeProcess) {
		p.onKill = func(*fakeProcess) {}
		p.onSignal = func(p *fakeProcess, sig os.Signal) {
			if sig == syscall.SIGTERM {
				go p.exit(0)
			}
		}
	})
	c, err := New(Config{
		WorkerCount: fixedCount(2),
		Cores:       8,
		Escalation:  Escalation{Disconnect: 20 * time.Millisecond, Terminate: time.Second, Kill: time.Second},
	}, spawner)
	require.NoError(t, err)
	signals, codeCh := startCoordinator(t, c)
	spawner.next(t)
	spawner.next(t)

	// --- Act ---
	signals <- syscall.SIGTERM
	code := waitCode(t, codeCh)

	// --- Assert ---
	assert.Equal(t, 1, code, "a missed disconnect window fails the shutdown")
	for _, p := range spawner.Procs() {
		assert.Equal(t, []os.Signal{syscall.SIGTERM}, p.Signals())
	}
}

func TestRun_ShutdownEscalatesToSIGKILLAndGivesUp(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	spawner := newFakeSpawner(func(p *fakeProcess) {
		p.onKill = func(*fakeProcess) {}
	})
	c, err := New(Config{
		WorkerCount: fixedCount(1),
		Cores:       8,
		Escalation:  Escalation{Disconnect: 10 * time.Millisecond, Terminate: 10 * time.Millisecond, Kill: 10 * time.Millisecond},
	}, spawner)
	require.NoError(t, err)
	signals, codeCh := startCoordinator(t, c)
	p := spawner.next(t)

	// --- Act ---
	signals <- syscall.SIGTERM
	code := waitCode(t, codeCh)

	// --- Assert ---
	assert.Equal(t, 1, code)
	assert.Equal(t, []os.Signal{syscall.SIGTERM, syscall.SIGKILL}, p.Signals())
}

func TestRun_NonZeroExitDuringShutdownFails(t *testing.T) {
	t.Parallel()

	spawner := newFakeSpawner(func(p *fakeProcess) {
		p.onKill = func(p *fakeProcess) { go p.exit(1) }
	})
	c, err := New(Config{WorkerCount: fixedCount(2), Cores: 8}, spawner)
	require.NoError(t, err)
	signals, codeCh := startCoordinator(t, c)
	spawner.next(t)
	spawner.next(t)

	signals <- syscall.SIGTERM

	assert.Equal(t, 1, waitCode(t, codeCh))
	// Nothing is respawned while closing.
	assert.Len(t, spawner.Procs(), 2)
}

func TestRun_ContextCancelShutsDown(t *testing.T) {
	t.Parallel()

	spawner := newFakeSpawner(nil)
	c, err := New(Config{WorkerCount: fixedCount(1), Cores: 8}, spawner)
	require.NoError(t, err)

	var logs testutil.SafeBuffer
	ctx, cancel := context.WithCancel(testutil.LoggerContext(&logs))
	codeCh := make(chan int, 1)
	go func() { codeCh <- c.Run(ctx, nil) }()
	p := spawner.next(t)

	cancel()

	assert.Equal(t, 0, waitCode(t, codeCh))
	assert.Equal(t, 1, p.count(control.KindKill))
	assert.Contains(t, logs.String(), "Worker exited.")
	assert.NotContains(t, logs.String(), "Worker shutting down.", "the worker logs its own shutdown")
}
