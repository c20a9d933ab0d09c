package ws

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"sync"
)

var _ contract.EventSink = (*Sink)(nil)

// Sink is the outbound queue of one connection.
// The registry pushes into it, the connection's write loop drains it.
type Sink struct {
	events    chan domain.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func NewSink(bufferSize int) *Sink {
	return &Sink{
		events: make(chan domain.Message, bufferSize),
		closed: make(chan struct{}),
	}
}

// Consume is called by the registry.
// It never blocks: a full buffer drops the frame and reports it.
func (s *Sink) Consume(ctx context.Context, m domain.Message) error {
	select {
	case <-s.closed:
		return errors.ErrSinkClosed
	default:
	}
	select {
	case s.events <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.ErrSinkFull
	}
}

// Events is drained by the write loop.
func (s *Sink) Events() <-chan domain.Message {
	return s.events
}

// Close marks the sink as gone. The channel itself is never closed so a late push cannot panic.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
