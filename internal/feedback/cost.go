package feedback

import (
	"context"
	"sync"

	"github.com/ashita-ai/hyoka/internal/model"
)

type costKey struct{}

// costTracker accumulates the cost of one feedback evaluation. Providers
// report into it through TrackCost; it is separate from the record's own
// application cost.
type costTracker struct {
	mu   sync.Mutex
	cost model.Cost
}

func (t *costTracker) add(c model.Cost) {
	t.mu.Lock()
	t.cost = t.cost.Add(c)
	t.mu.Unlock()
}

func (t *costTracker) total() model.Cost {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cost
}

func withCostTracker(ctx context.Context) (context.Context, *costTracker) {
	t := &costTracker{}
	return context.WithValue(ctx, costKey{}, t), t
}

// TrackCost attributes c to the feedback evaluation running in ctx. It is a
// no-op outside an evaluation.
func TrackCost(ctx context.Context, c model.Cost) {
	if t, ok := ctx.Value(costKey{}).(*costTracker); ok {
		t.add(c)
	}
}
