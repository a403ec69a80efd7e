package control

import (
	"io"
	"sync"
)

// memEnd is one end of an in-memory channel pair.
type memEnd struct {
	in   <-chan Message
	out  chan<- Message
	done chan struct{}
	peer *memEnd
	once sync.Once
}

// Pair returns two connected in-memory Channels. Messages sent on one are
// received on the other, in order. Closing either end makes Recv on the
// other return io.EOF once its buffer is drained.
func Pair() (Channel, Channel) {
	ab := make(chan Message, 64)
	ba := make(chan Message, 64)
	a := &memEnd{in: ba, out: ab, done: make(chan struct{})}
	b := &memEnd{in: ab, out: ba, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (e *memEnd) Send(msg Message) error {
	select {
	case <-e.done:
		return ErrClosed
	case <-e.peer.done:
		return io.ErrClosedPipe
	case e.out <- msg:
		return nil
	}
}

func (e *memEnd) Recv() (Message, error) {
	select {
	case <-e.done:
		return Message{}, ErrClosed
	default:
	}
	select {
	case msg := <-e.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-e.in:
		return msg, nil
	case <-e.done:
		return Message{}, ErrClosed
	case <-e.peer.done:
		select {
		case msg := <-e.in:
			return msg, nil
		default:
			return Message{}, io.EOF
		}
	}
}

func (e *memEnd) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}
