package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ashita-ai/hyoka/internal/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.FeedbackStatus
		want     bool
	}{
		{model.StatusNone, model.StatusRunning, true},
		{model.StatusNone, model.StatusSkipped, true},
		{model.StatusNone, model.StatusDone, false},
		{model.StatusRunning, model.StatusDone, true},
		{model.StatusRunning, model.StatusFailed, true},
		{model.StatusRunning, model.StatusRunning, true},
		{model.StatusFailed, model.StatusRunning, true},
		{model.StatusFailed, model.StatusDone, false},
		{model.StatusDone, model.StatusRunning, false},
		{model.StatusDone, model.StatusNone, false},
		{model.StatusSkipped, model.StatusRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, model.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

// Any sequence of permitted moves never leaves a terminal status.
func TestTerminalStatusesAreAbsorbing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := model.StatusNone
		steps := rapid.SliceOfN(rapid.SampledFrom(model.AllStatuses), 0, 20).Draw(t, "steps")
		for _, next := range steps {
			if !model.CanTransition(s, next) {
				continue
			}
			if s.Terminal() {
				t.Fatalf("moved out of terminal status %s to %s", s, next)
			}
			s = next
		}
	})
}

func TestParseFeedbackStatus(t *testing.T) {
	for _, s := range model.AllStatuses {
		got, err := model.ParseFeedbackStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := model.ParseFeedbackStatus("pending")
	assert.Error(t, err)
}

func TestFeedbackDefinitionName(t *testing.T) {
	def := model.FeedbackDefinition{Implementation: model.Implementation{Kind: model.ImplFunction, Name: "relevance"}}
	assert.Equal(t, "relevance", def.Name())

	def.Implementation = model.Implementation{Kind: model.ImplProviderMethod, Provider: "heuristic", Method: "overlap"}
	assert.Equal(t, "overlap", def.Name())

	def.SuppliedName = "groundedness"
	assert.Equal(t, "groundedness", def.Name())
}

func TestSecondary(t *testing.T) {
	_, ok := model.FeedbackResult{}.Secondary()
	assert.False(t, ok)

	r := model.FeedbackResult{SubScores: []model.SubScore{{Name: "a", Value: 0.1}, {Name: "confidence", Value: 0.8}}}
	sec, ok := r.Secondary()
	require.True(t, ok)
	assert.Equal(t, "confidence", sec.Name)
	assert.InDelta(t, 0.8, sec.Value, 1e-9)
}

func TestCostAddAndLatency(t *testing.T) {
	c := model.Cost{NRequests: 1, NTokens: 10, CostUSD: 0.5}.Add(model.Cost{NRequests: 2, NTokens: 5, CostUSD: 0.25})
	assert.Equal(t, model.Cost{NRequests: 3, NTokens: 15, CostUSD: 0.75}, c)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 2*time.Second, model.Perf{StartTime: start, EndTime: start.Add(2 * time.Second)}.Latency())
}

func TestValidateRecord(t *testing.T) {
	require.NoError(t, model.ValidateRecord(model.Record{AppID: "app_1", MainInput: "q"}))

	assert.ErrorContains(t, model.ValidateRecord(model.Record{}), "app_id is required")
	assert.ErrorContains(t, model.ValidateRecord(model.Record{AppID: strings.Repeat("a", model.MaxAppIDLen+1)}), "app_id exceeds")
	assert.ErrorContains(t, model.ValidateRecord(model.Record{AppID: "a", MainOutput: strings.Repeat("x", model.MaxMainIOLen+1)}), "main_output exceeds")
	assert.ErrorContains(t, model.ValidateRecord(model.Record{AppID: "a", Calls: []model.RecordAppCall{{}}}), "calls[0].method is required")
}
