// Package heuristic is a deterministic, dependency-free feedback provider.
//
// Its methods score text with lexical statistics instead of model calls, so
// they are cheap, reproducible and safe to sanction for remote evaluation.
// Each call reports the tokens it processed as feedback cost.
package heuristic

import (
	"context"
	"strings"
	"unicode"

	"github.com/ashita-ai/hyoka/internal/feedback"
	"github.com/ashita-ai/hyoka/internal/model"
)

// Name is the provider family name used in implementation descriptors.
const Name = "heuristic"

// Provider implements feedback.Provider.
type Provider struct {
	// SupportThreshold is the fraction of a sentence's tokens that must appear
	// in the source for the sentence to count as supported. Defaults to 0.5.
	SupportThreshold float64
}

// New returns a Provider with default settings.
func New() *Provider { return &Provider{SupportThreshold: 0.5} }

// Name implements feedback.Provider.
func (p *Provider) Name() string { return Name }

// Methods implements feedback.Provider.
func (p *Provider) Methods() []feedback.Method {
	return []feedback.Method{
		{Name: "relevance", Params: []string{"prompt", "response"}, Fn: p.relevance},
		{Name: "context_relevance", Params: []string{"question", "context"}, Fn: p.contextRelevance},
		{Name: "groundedness", Params: []string{"source", "statement"}, Fn: p.groundedness},
		{Name: "exact_match", Params: []string{"response", "expected"}, Fn: p.exactMatch},
		{Name: "conciseness", Params: []string{"response"}, Fn: p.conciseness},
	}
}

// relevance is the share of prompt terms that the response addresses.
func (p *Provider) relevance(ctx context.Context, args feedback.Args) (feedback.Output, error) {
	prompt, err := args.String("prompt")
	if err != nil {
		return feedback.Output{}, err
	}
	response, err := args.String("response")
	if err != nil {
		return feedback.Output{}, err
	}
	pt, rt := Tokens(prompt), Tokens(response)
	track(ctx, len(pt)+len(rt))
	return feedback.Score(coverage(pt, rt)), nil
}

// contextRelevance is the share of question terms present in one context
// chunk.
func (p *Provider) contextRelevance(ctx context.Context, args feedback.Args) (feedback.Output, error) {
	question, err := args.String("question")
	if err != nil {
		return feedback.Output{}, err
	}
	chunk, err := args.String("context")
	if err != nil {
		return feedback.Output{}, err
	}
	qt, ct := Tokens(question), Tokens(chunk)
	track(ctx, len(qt)+len(ct))
	return feedback.Score(coverage(qt, ct)), nil
}

// groundedness is the share of statement sentences supported by the source.
// The secondary score is the number of sentences evaluated.
func (p *Provider) groundedness(ctx context.Context, args feedback.Args) (feedback.Output, error) {
	source, err := args.String("source")
	if err != nil {
		return feedback.Output{}, err
	}
	statement, err := args.String("statement")
	if err != nil {
		return feedback.Output{}, err
	}
	threshold := p.SupportThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	st := Tokens(source)
	sentences := Sentences(statement)
	tokens := len(st)
	supported := 0
	for _, s := range sentences {
		toks := Tokens(s)
		tokens += len(toks)
		if coverage(toks, st) >= threshold {
			supported++
		}
	}
	track(ctx, tokens)
	if len(sentences) == 0 {
		return feedback.ScoreWithMeta(0, model.SubScore{Name: "sentences", Value: 0}), nil
	}
	score := float64(supported) / float64(len(sentences))
	return feedback.ScoreWithMeta(score, model.SubScore{Name: "sentences", Value: float64(len(sentences))}), nil
}

// exactMatch is 1 when response and expected are equal after normalization.
func (p *Provider) exactMatch(ctx context.Context, args feedback.Args) (feedback.Output, error) {
	response, err := args.String("response")
	if err != nil {
		return feedback.Output{}, err
	}
	expected, err := args.String("expected")
	if err != nil {
		return feedback.Output{}, err
	}
	rt, et := Tokens(response), Tokens(expected)
	track(ctx, len(rt)+len(et))
	if strings.Join(rt, " ") == strings.Join(et, " ") {
		return feedback.Score(1), nil
	}
	return feedback.Score(0), nil
}

// conciseness decays from 1 toward 0 as the response grows past 50 tokens.
func (p *Provider) conciseness(ctx context.Context, args feedback.Args) (feedback.Output, error) {
	response, err := args.String("response")
	if err != nil {
		return feedback.Output{}, err
	}
	n := len(Tokens(response))
	track(ctx, n)
	if n <= 50 {
		return feedback.Score(1), nil
	}
	return feedback.Score(50 / float64(n)), nil
}

func track(ctx context.Context, tokens int) {
	feedback.TrackCost(ctx, model.Cost{NTokens: tokens, NPromptTokens: tokens})
}

// coverage returns the fraction of distinct terms of want found in have.
func coverage(want, have []string) float64 {
	terms := distinct(want)
	if len(terms) == 0 {
		return 0
	}
	pool := make(map[string]bool, len(have))
	for _, t := range have {
		pool[t] = true
	}
	hit := 0
	for t := range terms {
		if pool[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

func distinct(tokens []string) map[string]bool {
	out := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if !stopwords[t] {
			out[t] = true
		}
	}
	return out
}

// Tokens lowercases s and splits it into letter/digit runs.
func Tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Sentences splits s on terminal punctuation and newlines, dropping empty
// fragments.
func Sentences(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"of": true, "to": true, "in": true, "on": true, "and": true, "or": true,
	"what": true, "which": true, "who": true, "how": true, "it": true,
	"for": true, "with": true, "by": true, "be": true, "as": true, "at": true,
}
