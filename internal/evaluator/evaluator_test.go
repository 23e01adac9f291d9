package evaluator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/evaluator"
	"github.com/ashita-ai/hyoka/internal/feedback"
	"github.com/ashita-ai/hyoka/internal/ids"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/testutil"
)

type fixture struct {
	db  *storage.DB
	reg *feedback.Registry
	fb  *feedback.Feedback
	app string
}

// newFixture registers fn as the function "f" over the record input and
// stores a deferred definition for it.
func newFixture(t *testing.T, fn feedback.Func) *fixture {
	t.Helper()
	ctx := context.Background()
	db := testutil.NewSQLiteStore(t)
	reg := feedback.NewRegistry(feedback.WithFunction("f", fn, "q"))
	fb, err := feedback.New(reg, feedback.Fn("f"), feedback.OnInput("q"), feedback.RunAt(model.RunDeferred))
	require.NoError(t, err)
	_, err = db.InsertFeedbackDefinition(ctx, fb.Definition())
	require.NoError(t, err)
	appID, err := db.InsertApp(ctx, model.App{AppName: "rag", AppVersion: "v1"})
	require.NoError(t, err)
	return &fixture{db: db, reg: reg, fb: fb, app: appID}
}

// enqueue stores a record and its pending feedback row, returning the row id.
func (f *fixture) enqueue(t *testing.T, input string) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	recID, err := f.db.InsertRecord(ctx, model.Record{
		AppID:      f.app,
		MainInput:  input,
		MainOutput: "answer",
		Perf:       model.Perf{StartTime: now, EndTime: now},
		TS:         now,
	})
	require.NoError(t, err)
	id, err := f.db.InsertFeedback(ctx, f.fb.Pending(recID))
	require.NoError(t, err)
	return id
}

func (f *fixture) status(t *testing.T, id string) model.FeedbackResult {
	t.Helper()
	res, err := f.db.GetFeedbackResult(context.Background(), id)
	require.NoError(t, err)
	return res
}

func (f *fixture) evaluator(cfg evaluator.Config) *evaluator.Evaluator {
	return evaluator.New(f.db, f.reg, cfg, testutil.TestLogger())
}

func constant(v float64) feedback.Func {
	return func(context.Context, feedback.Args) (feedback.Output, error) {
		return feedback.Score(v), nil
	}
}

func TestRunOnceEvaluatesDeferredFeedback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, constant(0.1))
	id := f.enqueue(t, "what is hyoka?")

	pending := f.status(t, id)
	assert.Equal(t, model.StatusNone, pending.Status)
	assert.Equal(t, model.RunDeferred, pending.RunLocation)

	ev := f.evaluator(evaluator.Config{})
	n, err := ev.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := f.db.GetRecordsAndFeedback(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, view.Rows, 1)
	assert.InDelta(t, 0.1, view.Rows[0].Feedback["f"], 1e-9)

	res := f.status(t, id)
	assert.Equal(t, model.StatusDone, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.ClaimID)

	n, err = ev.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "done rows are not evaluated again")
}

func TestStartStopIsIdempotentAndRestartable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, constant(1))
	ev := f.evaluator(evaluator.Config{PollInterval: 10 * time.Millisecond})

	assert.False(t, ev.Running())
	ev.Start(ctx)
	ev.Start(ctx)
	assert.True(t, ev.Running())

	first := f.enqueue(t, "one")
	require.Eventually(t, func() bool {
		return f.status(t, first).Status == model.StatusDone
	}, 5*time.Second, 10*time.Millisecond)

	ev.Stop(ctx)
	ev.Stop(ctx)
	assert.False(t, ev.Running())

	second := f.enqueue(t, "two")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, model.StatusNone, f.status(t, second).Status, "a stopped evaluator claims nothing")

	ev.Start(ctx)
	defer ev.Stop(ctx)
	require.Eventually(t, func() bool {
		return f.status(t, second).Status == model.StatusDone
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, ev.Processed())
}

func TestConcurrencyIsBounded(t *testing.T) {
	ctx := context.Background()
	var cur, peak atomic.Int64
	f := newFixture(t, func(context.Context, feedback.Args) (feedback.Output, error) {
		n := cur.Add(1)
		defer cur.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return feedback.Score(1), nil
	})
	for i := range 8 {
		f.enqueue(t, string(rune('a'+i)))
	}

	ev := f.evaluator(evaluator.Config{Concurrency: 2, PollInterval: 5 * time.Millisecond, BacklogPollInterval: time.Millisecond})
	ev.Start(ctx)
	defer ev.Stop(ctx)

	require.Eventually(t, func() bool {
		counts, err := f.db.GetFeedbackCountByStatus(ctx, storage.FeedbackFilter{})
		return err == nil && counts[model.StatusDone] == 8
	}, 10*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Positive(t, peak.Load())
}

func TestFailedFeedbackIsRetriedAfterBackoff(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	f := newFixture(t, func(context.Context, feedback.Args) (feedback.Output, error) {
		if calls.Add(1) == 1 {
			return feedback.Output{}, errors.New("provider unavailable")
		}
		return feedback.Score(0.7), nil
	})
	id := f.enqueue(t, "q")
	ev := f.evaluator(evaluator.Config{RetryBase: 100 * time.Millisecond})

	n, err := ev.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	res := f.status(t, id)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "provider unavailable")
	assert.True(t, res.NextAttemptAt.After(time.Now()), "failed row backs off")

	n, err = ev.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "row is not claimable during backoff")

	require.Eventually(t, func() bool {
		_, err := ev.RunOnce(ctx)
		return err == nil && f.status(t, id).Status == model.StatusDone
	}, 5*time.Second, 20*time.Millisecond)
	res = f.status(t, id)
	assert.Equal(t, 2, res.Attempts)
	assert.Empty(t, res.Error)
	require.NotNil(t, res.Result)
	assert.InDelta(t, 0.7, *res.Result, 1e-9)
}

func TestRetriesStopAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	f := newFixture(t, func(context.Context, feedback.Args) (feedback.Output, error) {
		calls.Add(1)
		return feedback.Output{}, errors.New("always broken")
	})
	id := f.enqueue(t, "q")
	ev := f.evaluator(evaluator.Config{MaxAttempts: 2, RetryBase: time.Millisecond})

	for range 6 {
		_, err := ev.RunOnce(ctx)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	res := f.status(t, id)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.EqualValues(t, 2, calls.Load())

	require.NoError(t, f.db.RequeueFeedback(ctx, id))
	_, err := ev.RunOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load(), "requeue grants a fresh attempt budget")
}

func TestUnregisteredImplementationIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, constant(1))

	def := model.FeedbackDefinition{
		Implementation: feedback.Fn("retired"),
		Selectors:      map[string]string{"q": "Record.main_input"},
		Combinations:   model.CombineProduct,
		RunLocation:    model.RunDeferred,
	}
	defID, err := ids.FeedbackDefinitionID(def)
	require.NoError(t, err)
	def.FeedbackDefinitionID = defID
	_, err = f.db.InsertFeedbackDefinition(ctx, def)
	require.NoError(t, err)

	ok := f.enqueue(t, "q")
	recID := f.status(t, ok).RecordID
	orphan, err := f.db.InsertFeedback(ctx, model.FeedbackResult{
		FeedbackDefinitionID: defID,
		RecordID:             recID,
		Name:                 def.Name(),
		RunLocation:          model.RunDeferred,
		Status:               model.StatusNone,
	})
	require.NoError(t, err)

	n, err := f.evaluator(evaluator.Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res := f.status(t, orphan)
	assert.Equal(t, model.StatusSkipped, res.Status)
	assert.Contains(t, res.Error, "not registered")
	assert.Equal(t, model.StatusDone, f.status(t, ok).Status, "other rows are unaffected")
}

func TestPanicIsContained(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(context.Context, feedback.Args) (feedback.Output, error) {
		panic("boom")
	})
	id := f.enqueue(t, "q")
	ev := f.evaluator(evaluator.Config{})

	n, err := ev.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	res := f.status(t, id)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "boom")
	assert.Nil(t, res.Result)
}

func TestStaleRunningRowIsReclaimed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, constant(0.3))
	id := f.enqueue(t, "q")

	_, ok, err := f.db.ClaimFeedback(ctx, id, "crashed-evaluator", storage.ClaimPolicy{})
	require.NoError(t, err)
	require.True(t, ok)

	fresh := f.evaluator(evaluator.Config{StaleAfter: time.Hour})
	n, err := fresh.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a recently claimed row is left alone")

	time.Sleep(20 * time.Millisecond)
	eager := f.evaluator(evaluator.Config{StaleAfter: 10 * time.Millisecond})
	n, err = eager.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res := f.status(t, id)
	assert.Equal(t, model.StatusDone, res.Status)
	assert.Equal(t, 2, res.Attempts)

	score := 0.9
	err = f.db.CompleteFeedback(ctx, "crashed-evaluator",
		model.FeedbackResult{FeedbackResultID: id, Status: model.StatusDone, Result: &score}, time.Time{})
	assert.ErrorIs(t, err, storage.ErrClaimLost)
}

func TestStopAbandonsWorkAfterDrainTimeout(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{}, 1)
	f := newFixture(t, func(ctx context.Context, _ feedback.Args) (feedback.Output, error) {
		started <- struct{}{}
		<-ctx.Done()
		return feedback.Output{}, ctx.Err()
	})
	id := f.enqueue(t, "q")
	ev := f.evaluator(evaluator.Config{PollInterval: 10 * time.Millisecond, DrainTimeout: 50 * time.Millisecond})

	ev.Start(ctx)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("evaluation never started")
	}
	assert.EqualValues(t, 1, ev.InFlight())

	ev.Stop(ctx)
	assert.Zero(t, ev.InFlight())
	res := f.status(t, id)
	assert.Equal(t, model.StatusRunning, res.Status, "abandoned rows stay claimed until stale")
	assert.NotEmpty(t, res.ClaimID)
}

func TestProcessClaimsOneRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, constant(0.5))
	id := f.enqueue(t, "q")
	ev := f.evaluator(evaluator.Config{})

	res, ok, err := ev.Process(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusDone, res.Status)

	res, ok, err = ev.Process(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "a done row cannot be claimed")
	assert.Equal(t, model.StatusDone, res.Status)

	_, _, err = ev.Process(ctx, "feedback_result_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// enqueueAt stores a record and a pending row for fn's definition at loc.
func (f *fixture) enqueueAt(t *testing.T, loc model.RunLocation, input string) string {
	t.Helper()
	ctx := context.Background()
	fb, err := feedback.New(f.reg, feedback.Fn("f"), feedback.OnInput("q"), feedback.RunAt(loc))
	require.NoError(t, err)
	_, err = f.db.InsertFeedbackDefinition(ctx, fb.Definition())
	require.NoError(t, err)
	now := time.Now().UTC()
	recID, err := f.db.InsertRecord(ctx, model.Record{
		AppID:     f.app,
		MainInput: input,
		Perf:      model.Perf{StartTime: now, EndTime: now},
		TS:        now,
	})
	require.NoError(t, err)
	id, err := f.db.InsertFeedback(ctx, fb.Pending(recID))
	require.NoError(t, err)
	return id
}

func TestAdoptedLocationsArePolled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, constant(0.4))
	id := f.enqueueAt(t, model.RunLocal, "inline")

	n, err := f.evaluator(evaluator.Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "local rows are not polled by default")

	ev := f.evaluator(evaluator.Config{Adopt: []model.RunLocation{model.RunLocal}})
	n, err = ev.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	res := f.status(t, id)
	assert.Equal(t, model.StatusDone, res.Status)
	assert.Equal(t, model.RunLocal, res.RunLocation)
}

func TestProcessIgnoresOtherRunLocations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, constant(0.5))
	id := f.enqueue(t, "q")

	remote := f.evaluator(evaluator.Config{RunLocation: model.RunRemote})
	res, ok, err := remote.Process(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.StatusNone, res.Status)
	assert.Equal(t, model.StatusNone, f.status(t, id).Status)
}

func TestLongEvaluationKeepsItsClaim(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, _ feedback.Args) (feedback.Output, error) {
		calls.Add(1)
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return feedback.Output{}, ctx.Err()
		}
		return feedback.Score(1), nil
	})
	id := f.enqueue(t, "slow")
	cfg := evaluator.Config{StaleAfter: 60 * time.Millisecond}

	done := make(chan int, 1)
	go func() {
		n, _ := f.evaluator(cfg).RunOnce(ctx)
		done <- n
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("evaluation never started")
	}

	// Well past StaleAfter, the claim is still being refreshed.
	time.Sleep(250 * time.Millisecond)
	n, err := f.evaluator(cfg).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a claim that is still being worked is not reclaimed")

	close(release)
	assert.Equal(t, 1, <-done)
	assert.EqualValues(t, 1, calls.Load())
	res := f.status(t, id)
	assert.Equal(t, model.StatusDone, res.Status)
	assert.Equal(t, 1, res.Attempts)
}

// flakyStore fails the first PendingFeedback calls.
type flakyStore struct {
	*storage.DB
	failures atomic.Int32
	queries  atomic.Int32
}

func (s *flakyStore) PendingFeedback(ctx context.Context, locations []model.RunLocation, policy storage.ClaimPolicy, limit int, shuffle bool) ([]model.FeedbackResult, error) {
	s.queries.Add(1)
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return s.DB.PendingFeedback(ctx, locations, policy, limit, shuffle)
}

func TestLoopSurvivesFailedPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, constant(0.2))
	id := f.enqueue(t, "q")
	store := &flakyStore{DB: f.db}
	store.failures.Store(2)

	ev := evaluator.New(store, f.reg, evaluator.Config{PollInterval: 10 * time.Millisecond}, testutil.TestLogger())
	ev.Start(ctx)
	t.Cleanup(func() { ev.Stop(ctx) })

	require.Eventually(t, func() bool {
		return f.status(t, id).Status == model.StatusDone
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, store.queries.Load(), int32(3))
	assert.True(t, ev.Running())
}
