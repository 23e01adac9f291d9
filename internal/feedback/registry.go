package feedback

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/ratelimit"
)

// Func is the contract of a feedback callable: it receives one argument
// binding and returns a score, optionally with named sub-scores.
type Func func(ctx context.Context, args Args) (Output, error)

// Output is what a feedback callable returns. Meta is ordered; its last entry
// is treated as the secondary score.
type Output struct {
	Score float64
	Meta  []model.SubScore
}

// Score builds an Output with no sub-scores.
func Score(v float64) Output { return Output{Score: v} }

// ScoreWithMeta builds an Output carrying named sub-scores.
func ScoreWithMeta(v float64, meta ...model.SubScore) Output {
	return Output{Score: v, Meta: meta}
}

// Args is one argument binding passed to a Func.
type Args map[string]any

// String returns the named argument as a string. Non-string scalars are
// formatted; lists are joined with newlines.
func (a Args) String(name string) (string, error) {
	v, ok := a[name]
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", nil
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = fmt.Sprint(e)
		}
		return strings.Join(parts, "\n"), nil
	default:
		return fmt.Sprint(t), nil
	}
}

// Strings returns the named argument as a list of strings. A scalar becomes
// a one-element list.
func (a Args) Strings(name string) ([]string, error) {
	v, ok := a[name]
	if !ok {
		return nil, fmt.Errorf("missing argument %q", name)
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = fmt.Sprint(e)
		}
		return out, nil
	case []string:
		return t, nil
	case string:
		return []string{t}, nil
	default:
		return []string{fmt.Sprint(t)}, nil
	}
}

// Float returns the named argument as a float64.
func (a Args) Float(name string) (float64, error) {
	v, ok := a[name]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("argument %q: expected number, got %T", name, v)
	}
}

// Method is one named scoring method of a provider.
type Method struct {
	Name   string
	Params []string
	Fn     Func
}

// Provider is a family of scoring methods that share a backend (and
// therefore a pacing budget and a trust boundary).
type Provider interface {
	Name() string
	Methods() []Method
}

type entry struct {
	impl     model.Implementation
	params   []string
	fn       Func
	provider string
}

// Registry resolves implementation descriptors to callables and aggregator
// names to reducers. It is immutable after NewRegistry returns and safe to
// share across goroutines without locking.
type Registry struct {
	entries     map[string]entry
	remote      map[string]bool
	aggregators map[string]Aggregator
	pacer       ratelimit.Limiter
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFunction registers a plain function under name. params lists the
// argument names the function requires.
func WithFunction(name string, fn Func, params ...string) RegistryOption {
	return func(r *Registry) {
		impl := model.Implementation{Kind: model.ImplFunction, Name: name}
		r.entries[impl.String()] = entry{impl: impl, params: params, fn: fn}
	}
}

// WithProvider registers every method of p.
func WithProvider(p Provider) RegistryOption {
	return func(r *Registry) { r.addProvider(p) }
}

// WithRemoteProvider registers every method of p and sanctions the provider
// family for remote evaluation. Only sanctioned families may back a
// definition whose run location is remote.
func WithRemoteProvider(p Provider) RegistryOption {
	return func(r *Registry) {
		r.addProvider(p)
		r.remote[p.Name()] = true
	}
}

// WithAggregator registers a named reducer.
func WithAggregator(name string, agg Aggregator) RegistryOption {
	return func(r *Registry) { r.aggregators[name] = agg }
}

// WithPacer paces every provider method call through l, keyed by provider
// family name.
func WithPacer(l ratelimit.Limiter) RegistryOption {
	return func(r *Registry) { r.pacer = l }
}

// NewRegistry builds an immutable registry. The built-in aggregators are
// always present.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:     make(map[string]entry),
		remote:      make(map[string]bool),
		aggregators: builtinAggregators(),
		pacer:       ratelimit.NoopLimiter{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) addProvider(p Provider) {
	for _, m := range p.Methods() {
		impl := model.Implementation{Kind: model.ImplProviderMethod, Provider: p.Name(), Method: m.Name}
		r.entries[impl.String()] = entry{impl: impl, params: m.Params, fn: m.Fn, provider: p.Name()}
	}
}

// Implementations lists every registered descriptor in key order.
func (r *Registry) Implementations() []model.Implementation {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]model.Implementation, len(keys))
	for i, k := range keys {
		out[i] = r.entries[k].impl
	}
	return out
}

// RemoteSanctioned reports whether impl may run remotely.
func (r *Registry) RemoteSanctioned(impl model.Implementation) bool {
	if impl.Kind != model.ImplProviderMethod {
		return false
	}
	e, ok := r.entries[impl.String()]
	return ok && r.remote[e.provider]
}

func (r *Registry) lookup(impl model.Implementation) (entry, bool) {
	if impl.Kind != model.ImplFunction && impl.Kind != model.ImplProviderMethod {
		return entry{}, false
	}
	e, ok := r.entries[impl.String()]
	if !ok || e.impl.Kind != impl.Kind {
		return entry{}, false
	}
	return e, true
}

// callable returns the function to invoke for e, paced and metered when it
// belongs to a provider.
func (r *Registry) callable(e entry) Func {
	if e.provider == "" {
		return e.fn
	}
	pacer := r.pacer
	return func(ctx context.Context, args Args) (Output, error) {
		if err := pacer.Wait(ctx, e.provider); err != nil {
			return Output{}, fmt.Errorf("pace %s: %w", e.provider, err)
		}
		TrackCost(ctx, model.Cost{NRequests: 1})
		return e.fn(ctx, args)
	}
}

// aggregator returns the named reducer. An empty name selects the mean.
func (r *Registry) aggregator(name string) (Aggregator, bool) {
	if name == "" {
		name = AggMean
	}
	agg, ok := r.aggregators[name]
	return agg, ok
}
