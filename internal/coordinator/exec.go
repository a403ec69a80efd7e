package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/specialistvlad/rendergrid/internal/control"
	"github.com/specialistvlad/rendergrid/internal/ctxlog"
)

// Inherited file descriptors of a worker process. fd 3 carries control
// messages up to the coordinator, fd 4 is the shared listening socket.
// Messages down to the worker arrive on stdin.
const (
	upstreamFD = 3
	listenerFD = 4
)

// ExecSpawner starts workers by re-executing a binary with a worker
// subcommand. Every worker inherits the same listening socket, so the
// kernel spreads connections across the pool.
type ExecSpawner struct {
	// Path is the executable, usually os.Executable().
	Path string
	// Args are passed after Path; the worker id is appended as "--id=N".
	Args     []string
	Env      []string
	Listener *net.TCPListener
	// Stdout and Stderr default to the coordinator's own.
	Stdout io.Writer
	Stderr io.Writer

	once   sync.Once
	lnFile *os.File
	lnErr  error
}

func (s *ExecSpawner) listenerFile() (*os.File, error) {
	s.once.Do(func() {
		if s.Listener == nil {
			s.lnErr = errors.New("exec spawner: no listener")
			return
		}
		s.lnFile, s.lnErr = s.Listener.File()
	})
	return s.lnFile, s.lnErr
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context, id int) (Process, error) {
	lnFile, err := s.listenerFile()
	if err != nil {
		return nil, err
	}

	upR, upW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("exec spawner: up pipe: %w", err)
	}
	downR, downW, err := os.Pipe()
	if err != nil {
		upR.Close()
		upW.Close()
		return nil, fmt.Errorf("exec spawner: down pipe: %w", err)
	}

	args := append(append([]string{}, s.Args...), "--id="+strconv.Itoa(id))
	cmd := exec.Command(s.Path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdin = downR
	cmd.Stdout = orDefault(s.Stdout, os.Stdout)
	cmd.Stderr = orDefault(s.Stderr, os.Stderr)
	cmd.ExtraFiles = []*os.File{upW, lnFile}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{upR, upW, downR, downW} {
			f.Close()
		}
		return nil, fmt.Errorf("exec spawner: start worker #%d: %w", id, err)
	}
	// The child holds its own copies now.
	upW.Close()
	downR.Close()

	p := &execProcess{
		id:       id,
		cmd:      cmd,
		ch:       control.NewPipe(upR, downW),
		messages: make(chan control.Message, 16),
		exited:   make(chan ExitStatus, 1),
	}
	go p.pump(ctx)
	go p.wait()
	return p, nil
}

func orDefault(w io.Writer, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}

type execProcess struct {
	id       int
	cmd      *exec.Cmd
	ch       *control.Pipe
	messages chan control.Message
	exited   chan ExitStatus
}

func (p *execProcess) ID() int                          { return p.id }
func (p *execProcess) Send(msg control.Message) error   { return p.ch.Send(msg) }
func (p *execProcess) Messages() <-chan control.Message { return p.messages }
func (p *execProcess) Exited() <-chan ExitStatus        { return p.exited }

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) pump(ctx context.Context) {
	defer close(p.messages)
	for {
		msg, err := p.ch.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, control.ErrClosed) {
				ctxlog.FromContext(ctx).Debug("Worker control channel failed.", "worker", p.id, "error", err)
			}
			return
		}
		p.messages <- msg
	}
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	_ = p.ch.Close()
	status := ExitStatus{Code: 1, Err: err}
	// ExitCode is -1 when the worker was killed by a signal.
	if ps := p.cmd.ProcessState; ps != nil && ps.ExitCode() >= 0 {
		status.Code = ps.ExitCode()
	}
	p.exited <- status
}

// InheritedControl returns the control channel of a worker started by
// ExecSpawner.
func InheritedControl() control.Channel {
	return control.NewPipe(os.Stdin, os.NewFile(upstreamFD, "control"))
}

// InheritedListener returns the listening socket shared by the pool.
func InheritedListener() (net.Listener, error) {
	f := os.NewFile(listenerFD, "listener")
	if f == nil {
		return nil, errors.New("no inherited listener")
	}
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inherited listener: %w", err)
	}
	return ln, nil
}
