package coordinator

import (
	"context"
	"os"

	"github.com/specialistvlad/rendergrid/internal/control"
)

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	Code int
	Err  error
}

// Process is a running worker as the coordinator sees it.
type Process interface {
	ID() int
	// Send delivers a control message to the worker.
	Send(msg control.Message) error
	// Messages yields the worker's control messages and is closed when the
	// worker disconnects.
	Messages() <-chan control.Message
	// Exited receives exactly one status when the process ends.
	Exited() <-chan ExitStatus
	Signal(sig os.Signal) error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, id int) (Process, error)
}
