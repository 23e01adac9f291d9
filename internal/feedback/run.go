package feedback

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"

	"github.com/ashita-ai/hyoka/internal/ids"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/selector"
)

// Pending returns the NONE-status result row for evaluating f against
// recordID later.
func (f *Feedback) Pending(recordID string) model.FeedbackResult {
	return model.FeedbackResult{
		FeedbackResultID:     ids.FeedbackResultID(f.def.FeedbackDefinitionID, recordID),
		FeedbackDefinitionID: f.def.FeedbackDefinitionID,
		RecordID:             recordID,
		Name:                 f.Name(),
		RunLocation:          f.def.RunLocation,
		Status:               model.StatusNone,
		LastTS:               time.Now().UTC(),
	}
}

// Run evaluates f against rec. app may be nil when no app selectors are used.
//
// Run never returns an error: any failure while resolving selectors or
// invoking the callable is captured, with its stack trace, in the returned
// result's Error and the status is FAILED. Otherwise the status is DONE.
// Concurrent calls for different records are safe; callers must prevent
// concurrent evaluation of the same (definition, record) pair.
func (f *Feedback) Run(ctx context.Context, rec *model.Record, app *model.App) model.FeedbackResult {
	res := f.Pending("")
	if rec != nil {
		res = f.Pending(rec.RecordID)
	}

	ctx, tracker := withCostTracker(ctx)
	outputs, calls, err := f.evaluate(ctx, rec, app)
	res.Calls = calls
	res.Cost = tracker.total()
	res.LastTS = time.Now().UTC()
	if err != nil {
		res.Status = model.StatusFailed
		res.Error = formatError(err)
		return res
	}

	score, subs := Reduce(outputs, f.agg)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		res.Status = model.StatusFailed
		res.Error = formatError(errors.Errorf("feedback %s: aggregated score is not finite (%v)", f.Name(), score))
		return res
	}
	res.Status = model.StatusDone
	res.Result = &score
	res.SubScores = subs
	return res
}

// evaluate resolves the bindings and maps the callable over them.
func (f *Feedback) evaluate(ctx context.Context, rec *model.Record, app *model.App) ([]Output, []model.FeedbackCall, error) {
	if rec == nil {
		return nil, nil, errors.New("record is required")
	}
	view, err := selector.NewView(rec, app)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	bindings, err := selector.Bind(view, f.selectors, f.def.Combinations)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}

	outputs := make([]Output, 0, bindings.Len())
	calls := make([]model.FeedbackCall, 0, bindings.Len())
	for binding := range bindings.All() {
		out, err := f.invoke(ctx, Args(binding))
		if err != nil {
			return nil, calls, err
		}
		outputs = append(outputs, out)
		calls = append(calls, model.FeedbackCall{Args: binding, Score: out.Score, Meta: out.Meta})
	}
	return outputs, calls, nil
}

// invoke calls the underlying function once, bounded by the configured
// timeout. A hung callable is abandoned (its context is cancelled) and
// reported as failed; a panicking callable is recovered.
func (f *Feedback) invoke(ctx context.Context, args Args) (Output, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	type outcome struct {
		out Output
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &ExecutionError{
					Feedback: f.Name(),
					Err:      fmt.Errorf("panic: %v", p),
					Stack:    string(debug.Stack()),
				}}
			}
		}()
		out, err := f.fn(ctx, args)
		if err != nil {
			done <- outcome{err: &ExecutionError{Feedback: f.Name(), Err: err, Stack: stackOf(err)}}
			return
		}
		done <- outcome{out: out}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", f.timeout, err)
		}
		return Output{}, &ExecutionError{Feedback: f.Name(), Err: err, Stack: stackOf(err)}
	}
}

// Reduce aggregates the outputs of every invocation: the primary scores with
// agg, and each named sub-score, in order of first appearance, with agg over
// the invocations that reported it.
func Reduce(outputs []Output, agg Aggregator) (float64, []model.SubScore) {
	scores := make([]float64, len(outputs))
	var order []string
	byName := make(map[string][]float64)
	for i, o := range outputs {
		scores[i] = o.Score
		for _, m := range o.Meta {
			if _, seen := byName[m.Name]; !seen {
				order = append(order, m.Name)
			}
			byName[m.Name] = append(byName[m.Name], m.Value)
		}
	}
	var subs []model.SubScore
	for _, name := range order {
		subs = append(subs, model.SubScore{Name: name, Value: agg(byName[name])})
	}
	return agg(scores), subs
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackOf formats err with a stack trace: the one it already carries, or
// the current one.
func stackOf(err error) string {
	var st stackTracer
	if errors.As(err, &st) {
		return fmt.Sprintf("%+v", st)
	}
	return fmt.Sprintf("%+v", errors.WithStack(err))
}

// formatError renders err for the result's error column.
func formatError(err error) string {
	var execErr *ExecutionError
	if errors.As(err, &execErr) && execErr.Stack != "" {
		return execErr.Error() + "\n" + execErr.Stack
	}
	return fmt.Sprintf("%+v", err)
}
