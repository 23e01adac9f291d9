package benchmark_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/benchmark"
	"github.com/ashita-ai/hyoka/internal/feedback"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/testutil"
)

func ptr(v float64) *float64 { return &v }

// judge scores 0.9 for expectations mentioning "good", otherwise 0.2, with a
// confidence sub-score.
func judge(_ context.Context, args feedback.Args) (feedback.Output, error) {
	expected, err := args.String(benchmark.ArgExpected)
	if err != nil {
		return feedback.Output{}, err
	}
	score := 0.2
	if strings.Contains(expected, "good") {
		score = 0.9
	}
	return feedback.ScoreWithMeta(score, model.SubScore{Name: "confidence", Value: 0.8}), nil
}

func groundTruth() []model.GroundTruth {
	return []model.GroundTruth{
		{GroundTruthID: "gt1", Query: "q1", ExpectedResponse: "a good answer", ExpectedScore: ptr(1)},
		{GroundTruthID: "gt2", Query: "q2", ExpectedResponse: "a bad answer", ExpectedScore: ptr(0)},
	}
}

func TestRunComputesMAE(t *testing.T) {
	res, err := benchmark.Run(context.Background(), judge, groundTruth(),
		[]benchmark.Metric{benchmark.MAE, benchmark.RMSE, benchmark.MeanScore}, 2, testutil.TestLogger())
	require.NoError(t, err)

	require.Len(t, res.Scores, 2)
	assert.Equal(t, "gt1", res.Scores[0].GroundTruthID)
	assert.Equal(t, "gt2", res.Scores[1].GroundTruthID)
	require.NotNil(t, res.Scores[0].Secondary)
	assert.InDelta(t, 0.8, *res.Scores[0].Secondary, 1e-9)

	assert.InDelta(t, 0.15, res.Metrics["mae"], 1e-9)
	assert.InDelta(t, math.Sqrt((0.01+0.04)/2), res.Metrics["rmse"], 1e-9)
	assert.InDelta(t, 0.55, res.Metrics["mean_score"], 1e-9)
	assert.Zero(t, res.Failed)
}

func TestRunScoresEachExpectedChunk(t *testing.T) {
	gts := []model.GroundTruth{
		{GroundTruthID: "gt1", Query: "q", ExpectedChunks: []string{"good one", "bad one", "good two"}},
		{GroundTruthID: "gt2", Query: "nothing to compare"},
	}
	res, err := benchmark.Run(context.Background(), judge, gts, []benchmark.Metric{benchmark.MAE}, 1, testutil.TestLogger())
	require.NoError(t, err)
	require.Len(t, res.Scores, 3)
	assert.Equal(t, []float64{0.9, 0.2, 0.9},
		[]float64{res.Scores[0].Score, res.Scores[1].Score, res.Scores[2].Score})
	assert.True(t, math.IsNaN(res.Metrics["mae"]), "no labels")
}

func TestRunIsolatesFailures(t *testing.T) {
	fn := func(ctx context.Context, args feedback.Args) (feedback.Output, error) {
		q, _ := args.String(benchmark.ArgQuery)
		switch q {
		case "q1":
			return feedback.Output{}, errors.New("judge unavailable")
		case "q3":
			panic("judge crashed")
		}
		return judge(ctx, args)
	}
	gts := append(groundTruth(), model.GroundTruth{GroundTruthID: "gt3", Query: "q3", ExpectedResponse: "x"})
	res, err := benchmark.Run(context.Background(), fn, gts, []benchmark.Metric{benchmark.MAE}, 4, testutil.TestLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Scores, 1)
	assert.InDelta(t, 0.2, res.Metrics["mae"], 1e-9)
}

func TestRunRespectsConcurrency(t *testing.T) {
	var cur, peak atomic.Int64
	fn := func(context.Context, feedback.Args) (feedback.Output, error) {
		n := cur.Add(1)
		defer cur.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return feedback.Score(1), nil
	}
	var gts []model.GroundTruth
	for range 12 {
		gts = append(gts, model.GroundTruth{Query: "q", ExpectedResponse: "r"})
	}
	res, err := benchmark.Run(context.Background(), fn, gts, nil, 3, testutil.TestLogger())
	require.NoError(t, err)
	assert.Len(t, res.Scores, 12)
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fn := func(ctx context.Context, _ feedback.Args) (feedback.Output, error) {
		return feedback.Output{}, ctx.Err()
	}
	_, err := benchmark.Run(ctx, fn, groundTruth(), nil, 1, testutil.TestLogger())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAbsoluteErrorFeedbackOverRecords(t *testing.T) {
	res, err := benchmark.Run(context.Background(), judge, groundTruth(), nil, 2, testutil.TestLogger())
	require.NoError(t, err)

	reg := feedback.NewRegistry(benchmark.Functions())
	fb, err := benchmark.AbsoluteErrorFeedback(reg)
	require.NoError(t, err)
	assert.Equal(t, "mae", fb.Name())
	assert.False(t, fb.Definition().HigherIsBetter)

	var errs []float64
	for _, rec := range benchmark.Records("app_bench", res) {
		out := fb.Run(context.Background(), &rec, nil)
		require.Equal(t, model.StatusDone, out.Status, out.Error)
		errs = append(errs, *out.Result)
	}
	assert.InDelta(t, 0.15, feedback.Mean(errs), 1e-9)
}
