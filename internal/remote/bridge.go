package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/hyoka/internal/model"
)

// ResultReader reads feedback results by id.
type ResultReader interface {
	GetFeedbackResult(ctx context.Context, id string) (model.FeedbackResult, error)
}

// Bridge is the application-side half of remote evaluation.
type Bridge struct {
	store        ResultReader
	stream       Stream
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewBridge creates a bridge. stream may be nil, in which case announcements
// are skipped and the worker relies on its sweep alone.
func NewBridge(store ResultReader, stream Stream, pollInterval time.Duration, logger *slog.Logger) *Bridge {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Bridge{store: store, stream: stream, logger: logger, pollInterval: pollInterval}
}

// Announce publishes the ids of pending rows. Callers must only announce rows
// whose insert has committed. Every id is attempted; the returned error joins
// the failures, none of which lose work.
func (b *Bridge) Announce(ctx context.Context, ids ...string) error {
	if b.stream == nil {
		return nil
	}
	var errs []error
	for _, id := range ids {
		if err := b.stream.Publish(ctx, id); err != nil {
			b.logger.Warn("remote bridge: publish failed, sweep will recover",
				"feedback_result_id", id, "error", err)
			errs = append(errs, fmt.Errorf("remote: announce %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Wait polls the row until the remote worker resolves it to DONE, SKIPPED or
// FAILED, or ctx ends. A FAILED row may still be retried by the worker.
func (b *Bridge) Wait(ctx context.Context, id string) (model.FeedbackResult, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		res, err := b.store.GetFeedbackResult(ctx, id)
		if err != nil {
			return model.FeedbackResult{}, fmt.Errorf("remote: wait %s: %w", id, err)
		}
		if res.Status.Terminal() || res.Status == model.StatusFailed {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}
