package ids

import (
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/ashita-ai/hyoka/internal/model"
)

func TestRecordID_Deterministic(t *testing.T) {
	ts := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

	id1, err := RecordID("app_1", "what is the capital of France?", ts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := RecordID("app_1", "what is the capital of France?", ts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("record id not deterministic: %q != %q", id1, id2)
	}
	if !strings.HasPrefix(id1, PrefixRecord) {
		t.Fatalf("expected %q prefix, got %q", PrefixRecord, id1)
	}
}

func TestRecordID_TimestampZoneInsensitive(t *testing.T) {
	utc := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	local := utc.In(time.FixedZone("JST", 9*3600))

	a, _ := RecordID("app", "q", utc)
	b, _ := RecordID("app", "q", local)
	if a != b {
		t.Fatalf("same instant in different zones should hash equally: %q != %q", a, b)
	}
}

func TestRecordID_DifferentInputs(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a, _ := RecordID("app", "question one", ts)
	b, _ := RecordID("app", "question two", ts)
	if a == b {
		t.Fatal("different inputs should produce different ids")
	}
}

func TestHashFields_NoDelimiterCollision(t *testing.T) {
	if hashFields("a|b", "c") == hashFields("a", "b|c") {
		t.Fatal("length-prefixed encoding should not collide on embedded delimiters")
	}
	if hashFields("ab", "") == hashFields("a", "b") {
		t.Fatal("field boundaries must be part of the hash")
	}
}

func TestFeedbackDefinitionID_IgnoresDisplayFields(t *testing.T) {
	base := model.FeedbackDefinition{
		Implementation: model.Implementation{Kind: model.ImplFunction, Name: "relevance"},
		Aggregator:     "mean",
		Selectors:      map[string]string{"prompt": "Record.main_input", "response": "Record.main_output"},
		Combinations:   model.CombineProduct,
	}
	relabelled := base
	relabelled.SuppliedName = "answer relevance"
	relabelled.HigherIsBetter = true
	relabelled.RunLocation = model.RunDeferred

	a, err := FeedbackDefinitionID(base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := FeedbackDefinitionID(relabelled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("display-only fields changed the id: %q != %q", a, b)
	}

	changed := base
	changed.Aggregator = "max"
	c, _ := FeedbackDefinitionID(changed)
	if c == a {
		t.Fatal("changing the aggregator should change the id")
	}
}

func TestFeedbackDefinitionID_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sel := rapid.MapOf(
			rapid.StringMatching(`[a-z]{1,8}`),
			rapid.StringMatching(`Record\.[a-z_]{1,12}`),
		).Draw(t, "selectors")
		d := model.FeedbackDefinition{
			Implementation: model.Implementation{
				Kind: model.ImplFunction,
				Name: rapid.StringMatching(`[a-z_]{1,16}`).Draw(t, "name"),
			},
			Aggregator:   rapid.SampledFrom([]string{"", "mean", "max", "min"}).Draw(t, "agg"),
			Selectors:    sel,
			Combinations: rapid.SampledFrom([]model.Combinations{model.CombineProduct, model.CombineZip}).Draw(t, "combo"),
		}

		// Rebuild the selector map in a different insertion order.
		copied := make(map[string]string, len(sel))
		for k, v := range sel {
			copied[k] = v
		}
		twin := d
		twin.Selectors = copied

		a, err := FeedbackDefinitionID(d)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		b, err := FeedbackDefinitionID(twin)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a != b {
			t.Fatalf("identical definitions produced different ids: %q != %q", a, b)
		}
	})
}

func TestFeedbackResultID(t *testing.T) {
	a := FeedbackResultID("feedback_definition_x", "record_y")
	b := FeedbackResultID("feedback_definition_x", "record_y")
	c := FeedbackResultID("feedback_definition_x", "record_z")
	if a != b {
		t.Fatal("result id should be a pure function of (definition, record)")
	}
	if a == c {
		t.Fatal("different records should yield different result ids")
	}
	if !strings.HasPrefix(a, PrefixFeedbackResult) {
		t.Fatalf("expected %q prefix, got %q", PrefixFeedbackResult, a)
	}
}

func TestCanonicalize_SortsKeysWithoutEscaping(t *testing.T) {
	got, err := Canonicalize(map[string]any{"b": 1, "a": "<x>"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `{"a":"<x>","b":1}` {
		t.Fatalf("unexpected canonical form: %s", got)
	}
}
