package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures a KafkaStream.
type KafkaConfig struct {
	// Brokers is the list of broker addresses (host:port).
	Brokers []string
	// Topic carries pending feedback result ids.
	Topic string
	// GroupID is the consumer group. Empty means the stream only publishes.
	GroupID string
	// MaxAttempts bounds publish retries. Defaults to 3.
	MaxAttempts int
	// WriteTimeout bounds one publish attempt. Defaults to 5s.
	WriteTimeout time.Duration
}

// KafkaStream announces pending rows on a Kafka topic. Messages are keyed by
// feedback result id and committed only after the worker handled them, so
// delivery is at-least-once.
type KafkaStream struct {
	writer *kafka.Writer
	reader *kafka.Reader
	cfg    KafkaConfig

	mu     sync.Mutex
	closed bool
}

// NewKafkaStream validates cfg and creates the writer, and the reader when a
// group is configured. No connection is made until first use.
func NewKafkaStream(cfg KafkaConfig) (*KafkaStream, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("remote: kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("remote: kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	s := &KafkaStream{
		cfg: cfg,
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:      cfg.Brokers,
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: cfg.WriteTimeout,
		}),
	}
	if cfg.GroupID != "" {
		s.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 1 << 20,
			MaxWait:  time.Second,
		})
	}
	return s, nil
}

// Publish writes id to the topic, retrying transient failures with
// exponential backoff.
func (s *KafkaStream) Publish(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}
	msg := kafka.Message{Key: []byte(id), Value: []byte(id)}
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		msg.Time = time.Now().UTC()
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		err := s.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == s.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 2*time.Second)
	}
	return fmt.Errorf("remote: kafka: publish failed after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

// Receive fetches the next message without committing it. The message's Ack
// commits its offset.
func (s *KafkaStream) Receive(ctx context.Context) (Message, error) {
	if s.reader == nil {
		return Message{}, fmt.Errorf("remote: kafka: stream has no consumer group")
	}
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if s.isClosed() {
			return Message{}, ErrClosed
		}
		return Message{}, fmt.Errorf("remote: kafka: fetch: %w", err)
	}
	return Message{
		FeedbackResultID: string(m.Value),
		ack: func(ctx context.Context) error {
			return s.reader.CommitMessages(ctx, m)
		},
	}, nil
}

func (s *KafkaStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close shuts down the writer and the reader.
func (s *KafkaStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	errs := []error{s.writer.Close()}
	if s.reader != nil {
		errs = append(errs, s.reader.Close())
	}
	return errors.Join(errs...)
}
