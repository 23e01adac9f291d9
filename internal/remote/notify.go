package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashita-ai/hyoka/internal/storage"
)

// NotifyStream announces pending rows over Postgres LISTEN/NOTIFY on the
// store's pending channel. Notifications sent while no worker is listening
// are lost; the worker's sweep recovers them.
type NotifyStream struct {
	db *storage.DB

	mu        sync.Mutex
	listening bool
	closed    bool
}

// NewNotifyStream returns a stream over db. Receive requires db to have been
// opened with a notify DSN.
func NewNotifyStream(db *storage.DB) (*NotifyStream, error) {
	if db.Backend() != storage.BackendPostgres {
		return nil, fmt.Errorf("remote: notify stream requires the postgres backend, have %s", db.Backend())
	}
	return &NotifyStream{db: db}, nil
}

// Publish sends id on the pending channel.
func (s *NotifyStream) Publish(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.Notify(ctx, s.db.PendingChannel(), id)
}

// Receive waits for the next notification on the pending channel. It must be
// called from a single goroutine since the notify connection is not
// concurrency safe.
func (s *NotifyStream) Receive(ctx context.Context) (Message, error) {
	if err := s.listen(ctx); err != nil {
		return Message{}, err
	}
	for {
		channel, payload, err := s.db.WaitForNotification(ctx)
		if err != nil {
			if s.isClosed() {
				return Message{}, ErrClosed
			}
			return Message{}, err
		}
		if channel != s.db.PendingChannel() || payload == "" {
			continue
		}
		return Message{FeedbackResultID: payload}, nil
	}
}

func (s *NotifyStream) listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.listening {
		return nil
	}
	if err := s.db.Listen(ctx, s.db.PendingChannel()); err != nil {
		return err
	}
	s.listening = true
	return nil
}

func (s *NotifyStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the stream closed. The store, and its notify connection, are
// owned by the caller.
func (s *NotifyStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
