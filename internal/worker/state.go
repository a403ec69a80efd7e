package worker

import "fmt"

// State is the lifecycle state of a worker.
type State int32

const (
	StateInitializing State = iota
	StateListening
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
