// Package model defines the core domain types for hyoka.
//
// Types correspond directly to database tables and API payloads. Records and
// feedback definitions are immutable once stored; feedback results are the only
// rows whose state changes after insertion.
package model

import (
	"time"
)

// Cost accounts for token and dollar usage, either of the application that
// produced a record or of the feedback functions evaluated over it.
type Cost struct {
	NRequests         int     `json:"n_requests"`
	NTokens           int     `json:"n_tokens"`
	NPromptTokens     int     `json:"n_prompt_tokens"`
	NCompletionTokens int     `json:"n_completion_tokens"`
	CostUSD           float64 `json:"cost_usd"`
}

// Add returns the element-wise sum of c and o.
func (c Cost) Add(o Cost) Cost {
	return Cost{
		NRequests:         c.NRequests + o.NRequests,
		NTokens:           c.NTokens + o.NTokens,
		NPromptTokens:     c.NPromptTokens + o.NPromptTokens,
		NCompletionTokens: c.NCompletionTokens + o.NCompletionTokens,
		CostUSD:           c.CostUSD + o.CostUSD,
	}
}

// Perf is the wall-clock span of a call.
type Perf struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Latency returns the elapsed time between start and end.
func (p Perf) Latency() time.Duration {
	return p.EndTime.Sub(p.StartTime)
}

// RecordAppCall is one instrumented method invocation captured while the
// application ran. Method is a dotted path relative to the app root,
// e.g. "retriever.retrieve".
type RecordAppCall struct {
	Method string         `json:"method"`
	Args   map[string]any `json:"args,omitempty"`
	Rets   any            `json:"rets,omitempty"`
	Error  string         `json:"error,omitempty"`
	Perf   Perf           `json:"perf"`
}

// Record is an immutable trace of one top-level application invocation.
type Record struct {
	RecordID   string          `json:"record_id"`
	AppID      string          `json:"app_id"`
	MainInput  any             `json:"main_input,omitempty"`
	MainOutput any             `json:"main_output,omitempty"`
	MainError  string          `json:"main_error,omitempty"`
	Calls      []RecordAppCall `json:"calls,omitempty"`
	Cost       Cost            `json:"cost"`
	Perf       Perf            `json:"perf"`
	TS         time.Time       `json:"ts"`
	Tags       string          `json:"tags,omitempty"`
	Meta       map[string]any  `json:"meta,omitempty"`
}

// App describes an instrumented application. Config is the serialized
// component tree that app selectors resolve against.
type App struct {
	AppID      string         `json:"app_id"`
	AppName    string         `json:"app_name"`
	AppVersion string         `json:"app_version"`
	Config     map[string]any `json:"config,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
