package hyoka

import (
	"github.com/ashita-ai/hyoka/internal/feedback"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/remote"
	"github.com/ashita-ai/hyoka/internal/selector"
	"github.com/ashita-ai/hyoka/internal/service/recording"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// Domain types. These are aliases so values flow between the Session and the
// internal packages without conversion.
type (
	Record             = model.Record
	RecordAppCall      = model.RecordAppCall
	App                = model.App
	Perf               = model.Perf
	Cost               = model.Cost
	FeedbackDefinition = model.FeedbackDefinition
	FeedbackResult     = model.FeedbackResult
	FeedbackStatus     = model.FeedbackStatus
	FeedbackMode       = model.FeedbackMode
	RunLocation        = model.RunLocation
	Implementation     = model.Implementation
	SubScore           = model.SubScore
	Dataset            = model.Dataset
	GroundTruth        = model.GroundTruth
	RecordsAndFeedback = model.RecordsAndFeedback
	LeaderboardRow     = model.LeaderboardRow
	FeedbackFilter     = storage.FeedbackFilter
)

// Feedback function contract.
type (
	// Feedback is a definition bound to its callable.
	Feedback = feedback.Feedback
	// FeedbackOption configures a definition built by Session.DefineFeedback.
	FeedbackOption = feedback.Option
	// Func is a feedback function: named args in, a score and optional
	// sub-scores out.
	Func = feedback.Func
	// Args are the bound arguments of one invocation.
	Args = feedback.Args
	// Output is a feedback function's result.
	Output = feedback.Output
	// Provider is a family of feedback methods, such as an LLM judge.
	Provider = feedback.Provider
	// Aggregator reduces the scores of one evaluation to a single value.
	Aggregator = feedback.Aggregator
	// Selector is a parsed path into a record.
	Selector = selector.Selector
)

// Recording results.
type (
	// Recorded is the outcome of Session.Record.
	Recorded = recording.Recorded
	// Handle is a feedback result that resolves after Session.Record returns.
	Handle = recording.Handle
	// Stream carries pending remote feedback ids to the remote worker.
	Stream = remote.Stream
)

// Feedback modes.
const (
	ModeNone          = model.ModeNone
	ModeWithApp       = model.ModeWithApp
	ModeWithAppThread = model.ModeWithAppThread
	ModeDeferred      = model.ModeDeferred
)

// Run locations.
const (
	RunLocal    = model.RunLocal
	RunDeferred = model.RunDeferred
	RunRemote   = model.RunRemote
)

// Feedback statuses.
const (
	StatusNone    = model.StatusNone
	StatusRunning = model.StatusRunning
	StatusDone    = model.StatusDone
	StatusFailed  = model.StatusFailed
	StatusSkipped = model.StatusSkipped
)

// Definition options, re-exported for callers outside the module.
var (
	On             = feedback.On
	OnInput        = feedback.OnInput
	OnOutput       = feedback.OnOutput
	Aggregate      = feedback.Aggregate
	Combine        = feedback.Combine
	Named          = feedback.Named
	HigherIsBetter = feedback.HigherIsBetter
	RunAt          = feedback.RunAt
	Timeout        = feedback.Timeout

	Fn             = feedback.Fn
	ProviderMethod = feedback.ProviderMethod
	Score          = feedback.Score
	ScoreWithMeta  = feedback.ScoreWithMeta

	ParseSelector = selector.Parse
	MustSelector  = selector.MustParse
)
