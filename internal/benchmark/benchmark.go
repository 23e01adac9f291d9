// Package benchmark meta-evaluates feedback functions against labelled
// ground truth.
//
// Run scores every ground-truth row with a feedback function in parallel and
// reduces the scores against the rows' expected scores with one or more
// metrics, such as mean absolute error. The scored rows can also be recorded
// under a benchmark app and evaluated with the "absolute_error" feedback
// function, so a benchmark shows up in the leaderboard like any other app.
package benchmark

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hyoka/internal/feedback"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/selector"
)

// Argument names passed to the benchmarked function.
const (
	ArgQuery    = "query"
	ArgExpected = "expected"
)

// Score is the outcome of one invocation of the benchmarked function.
type Score struct {
	GroundTruthID string   `json:"ground_truth_id"`
	Query         string   `json:"query"`
	Expected      string   `json:"expected"`
	Score         float64  `json:"score"`
	Secondary     *float64 `json:"secondary,omitempty"`
	Label         *float64 `json:"label,omitempty"`
}

// Metric reduces a run's scores to one number.
type Metric struct {
	Name string
	Fn   func(scores []Score) float64
}

// Result is the outcome of a benchmark run. Scores are in ground-truth order;
// invocations that failed are counted in Failed and left out.
type Result struct {
	Scores  []Score            `json:"scores"`
	Metrics map[string]float64 `json:"metrics"`
	Failed  int                `json:"failed"`
}

// MAE is the mean absolute error between scores and labels. Unlabelled
// scores are ignored; with no labelled scores it is NaN.
var MAE = Metric{Name: "mae", Fn: func(scores []Score) float64 {
	return labelled(scores, func(d float64) float64 { return math.Abs(d) })
}}

// RMSE is the root mean squared error between scores and labels.
var RMSE = Metric{Name: "rmse", Fn: func(scores []Score) float64 {
	return math.Sqrt(labelled(scores, func(d float64) float64 { return d * d }))
}}

// MeanScore is the mean of the raw scores.
var MeanScore = Metric{Name: "mean_score", Fn: func(scores []Score) float64 {
	vals := make([]float64, len(scores))
	for i, s := range scores {
		vals[i] = s.Score
	}
	return feedback.Mean(vals)
}}

func labelled(scores []Score, f func(diff float64) float64) float64 {
	var vals []float64
	for _, s := range scores {
		if s.Label != nil {
			vals = append(vals, f(s.Score-*s.Label))
		}
	}
	return feedback.Mean(vals)
}

type job struct {
	gt       int
	expected string
}

// Run evaluates fn over every ground-truth row with at most concurrency
// invocations in flight. A row with expected chunks is scored once per
// chunk; otherwise it is scored against its expected response. Rows with
// neither are skipped. When fn returns sub-scores, the last one is kept as
// the secondary score.
func Run(ctx context.Context, fn feedback.Func, gts []model.GroundTruth, metrics []Metric, concurrency int, logger *slog.Logger) (Result, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	var jobs []job
	for i, gt := range gts {
		switch {
		case len(gt.ExpectedChunks) > 0:
			for _, chunk := range gt.ExpectedChunks {
				jobs = append(jobs, job{gt: i, expected: chunk})
			}
		case gt.ExpectedResponse != "":
			jobs = append(jobs, job{gt: i, expected: gt.ExpectedResponse})
		default:
			logger.Warn("benchmark: ground truth has nothing to score against", "ground_truth_id", gt.GroundTruthID)
		}
	}

	start := time.Now()
	outcomes := make([]*Score, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			gt := gts[j.gt]
			out, err := invoke(gctx, fn, feedback.Args{ArgQuery: gt.Query, ArgExpected: j.expected})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Error("benchmark: row failed", "ground_truth_id", gt.GroundTruthID, "error", err)
				return nil
			}
			s := &Score{
				GroundTruthID: gt.GroundTruthID,
				Query:         gt.Query,
				Expected:      j.expected,
				Score:         out.Score,
				Label:         gt.ExpectedScore,
			}
			if n := len(out.Meta); n > 0 {
				v := out.Meta[n-1].Value
				s.Secondary = &v
			}
			outcomes[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("benchmark: %w", err)
	}

	res := Result{Metrics: make(map[string]float64, len(metrics))}
	for _, s := range outcomes {
		if s == nil {
			res.Failed++
			continue
		}
		res.Scores = append(res.Scores, *s)
	}
	for _, m := range metrics {
		res.Metrics[m.Name] = m.Fn(res.Scores)
	}
	logger.Info("benchmark: run complete",
		"rows", len(gts), "scored", len(res.Scores), "failed", res.Failed, "duration", time.Since(start))
	return res, nil
}

// invoke calls fn, converting a panic into an error.
func invoke(ctx context.Context, fn feedback.Func, args feedback.Args) (out feedback.Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, args)
}

// Records converts scores into records of the benchmark app appID: the
// input is the query, the output is the score and the label is kept in
// meta under "expected_score". Evaluating AbsoluteErrorFeedback over them
// and averaging gives the MAE.
func Records(appID string, res Result) []model.Record {
	now := time.Now().UTC()
	out := make([]model.Record, 0, len(res.Scores))
	for i, s := range res.Scores {
		meta := map[string]any{"ground_truth_id": s.GroundTruthID, "expected": s.Expected}
		if s.Label != nil {
			meta["expected_score"] = *s.Label
		}
		ts := now.Add(time.Duration(i) * time.Microsecond)
		out = append(out, model.Record{
			AppID:      appID,
			MainInput:  s.Query,
			MainOutput: s.Score,
			Perf:       model.Perf{StartTime: ts, EndTime: ts},
			TS:         ts,
			Meta:       meta,
		})
	}
	return out
}

// AbsoluteErrorName is the registry name of the absolute error function.
const AbsoluteErrorName = "absolute_error"

// AbsoluteError scores |score - expected_score|. Lower is better.
func AbsoluteError(_ context.Context, args feedback.Args) (feedback.Output, error) {
	score, err := args.Float("score")
	if err != nil {
		return feedback.Output{}, err
	}
	expected, err := args.Float("expected_score")
	if err != nil {
		return feedback.Output{}, err
	}
	return feedback.Score(math.Abs(score - expected)), nil
}

// Functions registers the benchmark feedback functions.
func Functions() feedback.RegistryOption {
	return feedback.WithFunction(AbsoluteErrorName, AbsoluteError, "score", "expected_score")
}

// AbsoluteErrorFeedback defines absolute error over records produced by
// Records. reg must include Functions.
func AbsoluteErrorFeedback(reg *feedback.Registry, opts ...feedback.Option) (*feedback.Feedback, error) {
	base := []feedback.Option{
		feedback.OnOutput("score"),
		feedback.On("expected_score", selector.MustParse("Record.meta.expected_score")),
		feedback.Named("mae"),
		feedback.HigherIsBetter(false),
	}
	return feedback.New(reg, feedback.Fn(AbsoluteErrorName), append(base, opts...)...)
}
