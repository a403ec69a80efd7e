// Package control carries the messages exchanged between the coordinator and
// its workers.
package control

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind names a control message.
type Kind string

const (
	// KindKill asks a worker to close gracefully.
	KindKill Kind = "kill"
	// KindHealthy tells a worker that the whole pool is ready.
	KindHealthy Kind = "healthy"
	// KindReady is sent by a worker once it is listening.
	KindReady Kind = "ready"
)

// Message is one control message.
type Message struct {
	Kind     Kind `msgpack:"kind"`
	WorkerID int  `msgpack:"workerId,omitempty"`
	Ready    bool `msgpack:"ready,omitempty"`
}

// Kill, Healthy and Ready build the three messages of the protocol.
func Kill() Message    { return Message{Kind: KindKill} }
func Healthy() Message { return Message{Kind: KindHealthy} }
func Ready(workerID int) Message {
	return Message{Kind: KindReady, WorkerID: workerID, Ready: true}
}

// ErrClosed is returned by Send and Recv on a closed channel.
var ErrClosed = errors.New("control: channel closed")

// Channel is one end of a bidirectional control channel. Send and Recv may
// be used from different goroutines.
type Channel interface {
	Send(msg Message) error
	// Recv blocks for the next message. It returns io.EOF once the peer is
	// gone.
	Recv() (Message, error)
	Close() error
}

// Pipe is a Channel encoding messages with msgpack over a reader and writer,
// normally the two OS pipes shared with a worker process.
type Pipe struct {
	mu  sync.Mutex
	enc *msgpack.Encoder
	dec *msgpack.Decoder

	closers []io.Closer
	once    sync.Once
	closed  chan struct{}
}

// NewPipe builds a Pipe reading from r and writing to w. Close closes r and
// w when they implement io.Closer.
func NewPipe(r io.Reader, w io.Writer) *Pipe {
	p := &Pipe{
		enc:    msgpack.NewEncoder(w),
		dec:    msgpack.NewDecoder(r),
		closed: make(chan struct{}),
	}
	for _, v := range []any{r, w} {
		if c, ok := v.(io.Closer); ok {
			p.closers = append(p.closers, c)
		}
	}
	return p
}

func (p *Pipe) Send(msg Message) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(&msg); err != nil {
		return fmt.Errorf("control: failed to send %s: %w", msg.Kind, err)
	}
	return nil
}

func (p *Pipe) Recv() (Message, error) {
	var msg Message
	if err := p.dec.Decode(&msg); err != nil {
		select {
		case <-p.closed:
			return Message{}, ErrClosed
		default:
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("control: failed to decode message: %w", err)
	}
	return msg, nil
}

func (p *Pipe) Close() error {
	var errs []error
	p.once.Do(func() {
		close(p.closed)
		for _, c := range p.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
