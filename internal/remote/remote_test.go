package remote_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/evaluator"
	"github.com/ashita-ai/hyoka/internal/feedback"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/provider/heuristic"
	"github.com/ashita-ai/hyoka/internal/remote"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/testutil"
)

type fixture struct {
	db     *storage.DB
	fb     *feedback.Feedback
	ev     *evaluator.Evaluator
	appID  string
	bridge *remote.Bridge
}

func newFixture(t *testing.T, stream remote.Stream) *fixture {
	t.Helper()
	ctx := context.Background()
	db := testutil.NewSQLiteStore(t)
	reg := feedback.NewRegistry(feedback.WithRemoteProvider(heuristic.New()))
	fb, err := feedback.New(reg, feedback.ProviderMethod(heuristic.Name, "conciseness"),
		feedback.OnOutput("response"), feedback.RunAt(model.RunRemote))
	require.NoError(t, err)
	_, err = db.InsertFeedbackDefinition(ctx, fb.Definition())
	require.NoError(t, err)
	appID, err := db.InsertApp(ctx, model.App{AppName: "rag", AppVersion: "v2"})
	require.NoError(t, err)

	logger := testutil.TestLogger()
	ev := evaluator.New(db, reg, evaluator.Config{RunLocation: model.RunRemote}, logger)
	return &fixture{
		db:     db,
		fb:     fb,
		ev:     ev,
		appID:  appID,
		bridge: remote.NewBridge(db, stream, 10*time.Millisecond, logger),
	}
}

// pending stores a record with a pending remote row and returns the row id.
func (f *fixture) pending(t *testing.T, output string) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	recID, err := f.db.InsertRecord(ctx, model.Record{
		AppID:      f.appID,
		MainInput:  "question",
		MainOutput: output,
		Perf:       model.Perf{StartTime: now, EndTime: now},
		TS:         now,
	})
	require.NoError(t, err)
	id, err := f.db.InsertFeedback(ctx, f.fb.Pending(recID))
	require.NoError(t, err)
	return id
}

func (f *fixture) status(t *testing.T, id string) model.FeedbackStatus {
	t.Helper()
	res, err := f.db.GetFeedbackResult(context.Background(), id)
	require.NoError(t, err)
	return res.Status
}

// startWorker runs w until the test ends and waits for its first sweep.
func startWorker(t *testing.T, w *remote.Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, w.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	require.Eventually(t, func() bool { return !w.State().LastRun.IsZero() }, 5*time.Second, 5*time.Millisecond)
}

func TestWorkerEvaluatesAnnouncedRows(t *testing.T) {
	ctx := context.Background()
	stream := remote.NewChanStream(8)
	f := newFixture(t, stream)
	w := remote.NewWorker(f.ev, stream, remote.WorkerConfig{SweepInterval: time.Hour}, testutil.TestLogger())
	startWorker(t, w)

	id := f.pending(t, "short answer")
	assert.Equal(t, model.StatusNone, f.status(t, id))
	require.NoError(t, f.bridge.Announce(ctx, id))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := f.bridge.Wait(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, res.Status)
	assert.Equal(t, model.RunRemote, res.RunLocation)
	require.NotNil(t, res.Result)
	require.Eventually(t, func() bool { return w.State().Processed == 1 }, time.Second, 5*time.Millisecond)
}

func TestSweepRecoversUnannouncedRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	w := remote.NewWorker(f.ev, nil, remote.WorkerConfig{}, testutil.TestLogger())

	first := f.pending(t, "one")
	second := f.pending(t, "two")
	require.NoError(t, f.bridge.Announce(ctx, first, second), "announce without a stream is a no-op")

	assert.Equal(t, 2, w.RunNow(ctx))
	assert.Equal(t, model.StatusDone, f.status(t, first))
	assert.Equal(t, model.StatusDone, f.status(t, second))
	assert.Zero(t, w.RunNow(ctx))
	assert.False(t, w.State().LastRun.IsZero())
}

func TestSuspendHoldsAnnouncedRowsUntilResume(t *testing.T) {
	ctx := context.Background()
	stream := remote.NewChanStream(8)
	f := newFixture(t, stream)
	w := remote.NewWorker(f.ev, stream, remote.WorkerConfig{SweepInterval: 10 * time.Millisecond}, testutil.TestLogger())
	startWorker(t, w)

	w.Suspend()
	w.Suspend()
	assert.True(t, w.State().Suspended)
	// Let a sweep that started before Suspend finish.
	time.Sleep(30 * time.Millisecond)

	id := f.pending(t, "held")
	require.NoError(t, f.bridge.Announce(ctx, id))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, model.StatusNone, f.status(t, id), "suspended worker neither consumes nor sweeps")

	w.Resume()
	w.Resume()
	assert.False(t, w.State().Suspended)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := f.bridge.Wait(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, res.Status)
}

func TestRunNowWorksWhileSuspended(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	w := remote.NewWorker(f.ev, nil, remote.WorkerConfig{}, testutil.TestLogger())
	w.Suspend()

	id := f.pending(t, "forced")
	assert.Equal(t, 1, w.RunNow(ctx))
	assert.Equal(t, model.StatusDone, f.status(t, id))
	assert.True(t, w.State().Suspended)
}

func TestWorkerRunIsExclusive(t *testing.T) {
	f := newFixture(t, nil)
	w := remote.NewWorker(f.ev, nil, remote.WorkerConfig{SweepInterval: time.Hour}, testutil.TestLogger())
	startWorker(t, w)
	assert.Error(t, w.Run(context.Background()))
}

func TestBridgeWaitHonorsContext(t *testing.T) {
	f := newFixture(t, nil)
	id := f.pending(t, "never evaluated")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := f.bridge.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, model.StatusNone, res.Status)

	_, err = f.bridge.Wait(context.Background(), "feedback_result_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChanStreamClose(t *testing.T) {
	ctx := context.Background()
	s := remote.NewChanStream(1)
	require.NoError(t, s.Publish(ctx, "a"))
	msg, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", msg.FeedbackResultID)
	assert.NoError(t, msg.Ack(ctx))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Publish(ctx, "b"), remote.ErrClosed)
	_, err = s.Receive(ctx)
	assert.ErrorIs(t, err, remote.ErrClosed)
}

func TestChanStreamCloseReleasesBlockedPublish(t *testing.T) {
	s := remote.NewChanStream(1)
	require.NoError(t, s.Publish(context.Background(), "a"))

	errc := make(chan error, 1)
	go func() { errc <- s.Publish(context.Background(), "b") }()

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close waited on a blocked Publish")
	}
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, remote.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Publish was not released by Close")
	}
}

func TestKafkaStreamConfig(t *testing.T) {
	_, err := remote.NewKafkaStream(remote.KafkaConfig{Topic: "t"})
	assert.ErrorContains(t, err, "broker")
	_, err = remote.NewKafkaStream(remote.KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.ErrorContains(t, err, "topic")

	s, err := remote.NewKafkaStream(remote.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "hyoka.feedback.pending"})
	require.NoError(t, err)
	_, err = s.Receive(context.Background())
	assert.ErrorContains(t, err, "no consumer group")
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Publish(context.Background(), "x"), remote.ErrClosed)
}

func TestNotifyStreamRequiresPostgres(t *testing.T) {
	_, err := remote.NewNotifyStream(testutil.NewSQLiteStore(t))
	assert.ErrorContains(t, err, "postgres")
}
