package model

import (
	"fmt"
	"time"
)

// RunLocation declares where a feedback definition is evaluated.
type RunLocation string

const (
	// RunLocal evaluates in the process that produced the record.
	RunLocal RunLocation = "local"
	// RunDeferred inserts a pending result for a deferred evaluator to pick up.
	RunDeferred RunLocation = "deferred"
	// RunRemote hands evaluation to the out-of-process remote worker.
	RunRemote RunLocation = "remote"
)

// Valid reports whether l is a known run location.
func (l RunLocation) Valid() bool {
	switch l {
	case RunLocal, RunDeferred, RunRemote:
		return true
	}
	return false
}

// FeedbackMode selects how feedback is computed when a record is submitted.
type FeedbackMode string

const (
	ModeNone          FeedbackMode = "none"
	ModeWithApp       FeedbackMode = "with_app"
	ModeWithAppThread FeedbackMode = "with_app_thread"
	ModeDeferred      FeedbackMode = "deferred"
)

// Valid reports whether m is a known feedback mode.
func (m FeedbackMode) Valid() bool {
	switch m {
	case ModeNone, ModeWithApp, ModeWithAppThread, ModeDeferred:
		return true
	}
	return false
}

// FeedbackStatus is the lifecycle state of a FeedbackResult.
type FeedbackStatus string

const (
	StatusNone    FeedbackStatus = "none"
	StatusRunning FeedbackStatus = "running"
	StatusDone    FeedbackStatus = "done"
	StatusFailed  FeedbackStatus = "failed"
	StatusSkipped FeedbackStatus = "skipped"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []FeedbackStatus{StatusNone, StatusRunning, StatusDone, StatusFailed, StatusSkipped}

// transitions is the complete set of permitted status moves. A row never
// leaves DONE or SKIPPED, and RUNNING->RUNNING only happens when a stale
// claim is taken over.
var transitions = map[FeedbackStatus][]FeedbackStatus{
	StatusNone:    {StatusNone, StatusRunning, StatusSkipped},
	StatusRunning: {StatusRunning, StatusDone, StatusFailed},
	StatusFailed:  {StatusRunning},
	StatusDone:    nil,
	StatusSkipped: nil,
}

// Valid reports whether s is a known status.
func (s FeedbackStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no automatic transition leaves s.
func (s FeedbackStatus) Terminal() bool {
	return s == StatusDone || s == StatusSkipped
}

// CanTransition reports whether moving a result from `from` to `to` is permitted.
func CanTransition(from, to FeedbackStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseFeedbackStatus converts a stored or user-supplied status string.
func ParseFeedbackStatus(s string) (FeedbackStatus, error) {
	st := FeedbackStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("model: unknown feedback status %q", s)
	}
	return st, nil
}

// ImplementationKind tags which variant an Implementation descriptor holds.
type ImplementationKind string

const (
	ImplFunction       ImplementationKind = "function"
	ImplProviderMethod ImplementationKind = "provider_method"
)

// Implementation is a serializable reference to a feedback callable, resolved
// through a registry rather than by reflection.
type Implementation struct {
	Kind     ImplementationKind `json:"kind"`
	Name     string             `json:"name,omitempty"`
	Provider string             `json:"provider,omitempty"`
	Method   string             `json:"method,omitempty"`
}

// String returns the registry key, "name" for functions and
// "provider.method" for provider methods.
func (i Implementation) String() string {
	if i.Kind == ImplProviderMethod {
		return i.Provider + "." + i.Method
	}
	return i.Name
}

// Combinations controls how multi-valued selectors are combined into
// argument bindings.
type Combinations string

const (
	CombineProduct Combinations = "product"
	CombineZip     Combinations = "zip"
)

// FeedbackDefinition is the immutable, serializable description of a feedback
// function. Selectors maps argument names to selector paths.
type FeedbackDefinition struct {
	FeedbackDefinitionID string            `json:"feedback_definition_id"`
	SuppliedName         string            `json:"supplied_name,omitempty"`
	Implementation       Implementation    `json:"implementation"`
	Aggregator           string            `json:"aggregator,omitempty"`
	Selectors            map[string]string `json:"selectors"`
	Combinations         Combinations      `json:"combinations"`
	HigherIsBetter       bool              `json:"higher_is_better"`
	RunLocation          RunLocation       `json:"run_location"`
}

// Name is the display and column name of the definition's results.
func (d FeedbackDefinition) Name() string {
	if d.SuppliedName != "" {
		return d.SuppliedName
	}
	if d.Implementation.Kind == ImplProviderMethod {
		return d.Implementation.Method
	}
	return d.Implementation.Name
}

// SubScore is one named score. Order is significant: the last entry of a
// result's sub-scores is its secondary score.
type SubScore struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// FeedbackCall is the evidence of a single invocation: the argument binding
// that was actually used and what the callable returned for it.
type FeedbackCall struct {
	Args  map[string]any `json:"args"`
	Score float64        `json:"score"`
	Meta  []SubScore     `json:"meta,omitempty"`
}

// FeedbackResult is the status-tracked outcome of evaluating one definition
// against one record. LastTS is stored with microsecond precision and
// strictly increases with every write.
type FeedbackResult struct {
	FeedbackResultID     string         `json:"feedback_result_id"`
	FeedbackDefinitionID string         `json:"feedback_definition_id"`
	RecordID             string         `json:"record_id"`
	Name                 string         `json:"name"`
	RunLocation          RunLocation    `json:"run_location"`
	Status               FeedbackStatus `json:"status"`
	Result               *float64       `json:"result,omitempty"`
	SubScores            []SubScore     `json:"sub_scores,omitempty"`
	Calls                []FeedbackCall `json:"calls,omitempty"`
	Cost                 Cost           `json:"cost"`
	LastTS               time.Time      `json:"last_ts"`
	Attempts             int            `json:"attempts"`
	NextAttemptAt        time.Time      `json:"next_attempt_at"`
	ClaimID              string         `json:"claim_id,omitempty"`
	Error                string         `json:"error,omitempty"`
}

// Secondary returns the last sub-score, if any.
func (r FeedbackResult) Secondary() (SubScore, bool) {
	if len(r.SubScores) == 0 {
		return SubScore{}, false
	}
	return r.SubScores[len(r.SubScores)-1], true
}
