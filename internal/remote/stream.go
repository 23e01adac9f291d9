// Package remote delegates evaluation of REMOTE feedback definitions to an
// always-on worker process.
//
// The application side (Bridge) only inserts pending rows and announces
// their ids on a Stream after the insert commits. The worker side (Worker)
// consumes the stream and evaluates each announced row through the same
// claim protocol the deferred evaluator uses. A periodic sweep picks up rows
// whose announcement was lost, so the stream is an accelerator and never the
// source of truth.
package remote

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Receive and Publish after Close.
var ErrClosed = errors.New("remote: stream closed")

// Message announces one pending remote feedback result.
type Message struct {
	FeedbackResultID string

	ack func(context.Context) error
}

// Ack marks the message as handled. Streams without acknowledgements treat it
// as a no-op.
func (m Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// Stream carries pending feedback result ids from producers to the worker.
// Delivery is at-least-once or best-effort depending on the implementation;
// consumers must tolerate duplicates and losses.
type Stream interface {
	Publish(ctx context.Context, feedbackResultID string) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// ChanStream is an in-process Stream backed by a buffered channel. It is used
// when the worker runs inside the application process, and in tests.
type ChanStream struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewChanStream creates a ChanStream buffering up to size ids.
func NewChanStream(size int) *ChanStream {
	return &ChanStream{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish enqueues id, blocking while the buffer is full. A Close while
// blocked returns ErrClosed.
func (s *ChanStream) Publish(ctx context.Context, id string) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.ch <- id:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until an id is available, ctx is done or the stream closes.
func (s *ChanStream) Receive(ctx context.Context) (Message, error) {
	select {
	case id := <-s.ch:
		return Message{FeedbackResultID: id}, nil
	case <-s.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close stops the stream. Buffered ids are discarded.
func (s *ChanStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
