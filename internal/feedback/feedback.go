// Package feedback defines feedback functions and runs them over records.
//
// A definition (model.FeedbackDefinition) names an implementation through a
// registry descriptor, binds its arguments with selectors and optionally
// declares an aggregator. A bound Feedback evaluates the definition against a
// record in two stages: selector resolution produces a restartable sequence
// of argument bindings, then the callable is mapped over the sequence and
// the outputs are reduced to one score.
package feedback

import (
	"fmt"
	"time"

	"github.com/ashita-ai/hyoka/internal/ids"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/selector"
)

// Feedback is a definition bound to a concrete callable. It is read-only
// after construction and safe for concurrent use across records.
type Feedback struct {
	def       model.FeedbackDefinition
	selectors map[string]selector.Selector
	fn        Func
	agg       Aggregator
	timeout   time.Duration
}

// Fn returns the descriptor of a registered plain function.
func Fn(name string) model.Implementation {
	return model.Implementation{Kind: model.ImplFunction, Name: name}
}

// ProviderMethod returns the descriptor of a provider method.
func ProviderMethod(provider, method string) model.Implementation {
	return model.Implementation{Kind: model.ImplProviderMethod, Provider: provider, Method: method}
}

type builder struct {
	def       model.FeedbackDefinition
	selectors map[string]selector.Selector
	timeout   time.Duration
}

// Option configures a definition built with New.
type Option func(*builder)

// On binds argument arg to sel.
func On(arg string, sel selector.Selector) Option {
	return func(b *builder) { b.selectors[arg] = sel }
}

// OnInput binds arg to the record's main input.
func OnInput(arg string) Option { return On(arg, selector.RecordInput) }

// OnOutput binds arg to the record's main output.
func OnOutput(arg string) Option { return On(arg, selector.RecordOutput) }

// Aggregate names the reducer applied across invocations.
func Aggregate(name string) Option {
	return func(b *builder) { b.def.Aggregator = name }
}

// Combine selects how multi-valued selectors are combined.
func Combine(c model.Combinations) Option {
	return func(b *builder) { b.def.Combinations = c }
}

// Named sets the display and column name.
func Named(name string) Option {
	return func(b *builder) { b.def.SuppliedName = name }
}

// HigherIsBetter declares the direction of the score.
func HigherIsBetter(v bool) Option {
	return func(b *builder) { b.def.HigherIsBetter = v }
}

// RunAt declares where the definition is evaluated.
func RunAt(loc model.RunLocation) Option {
	return func(b *builder) { b.def.RunLocation = loc }
}

// Timeout bounds each invocation of the callable.
func Timeout(d time.Duration) Option {
	return func(b *builder) { b.timeout = d }
}

// New constructs and validates a definition and binds it to its callable.
// Any definition that could not be evaluated where it declares it runs is
// rejected here with a *ValidationError.
func New(reg *Registry, impl model.Implementation, opts ...Option) (*Feedback, error) {
	b := &builder{
		def: model.FeedbackDefinition{
			Implementation: impl,
			Combinations:   model.CombineProduct,
			HigherIsBetter: true,
			RunLocation:    model.RunLocal,
		},
		selectors: make(map[string]selector.Selector),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.def.Selectors = make(map[string]string, len(b.selectors))
	for arg, sel := range b.selectors {
		b.def.Selectors[arg] = sel.String()
	}
	f, err := bind(reg, b.def, b.selectors)
	if err != nil {
		return nil, err
	}
	f.timeout = b.timeout
	return f, nil
}

// Bind binds a stored definition to its callable, validating it against reg.
func Bind(reg *Registry, def model.FeedbackDefinition) (*Feedback, error) {
	sels := make(map[string]selector.Selector, len(def.Selectors))
	for arg, expr := range def.Selectors {
		sel, err := selector.Parse(expr)
		if err != nil {
			return nil, &ValidationError{Definition: def.Name(), Reason: fmt.Sprintf("argument %q: %v", arg, err)}
		}
		sels[arg] = sel
	}
	if def.Combinations == "" {
		def.Combinations = model.CombineProduct
	}
	if def.RunLocation == "" {
		def.RunLocation = model.RunLocal
	}
	return bind(reg, def, sels)
}

func bind(reg *Registry, def model.FeedbackDefinition, sels map[string]selector.Selector) (*Feedback, error) {
	name := def.Name()
	invalid := func(format string, args ...any) error {
		return &ValidationError{Definition: name, Reason: fmt.Sprintf(format, args...)}
	}

	if !def.RunLocation.Valid() {
		return nil, invalid("unknown run location %q", def.RunLocation)
	}
	if def.Combinations != model.CombineProduct && def.Combinations != model.CombineZip {
		return nil, invalid("unknown combinations %q", def.Combinations)
	}
	e, ok := reg.lookup(def.Implementation)
	if !ok {
		return nil, invalid("implementation %s (%s) is not registered", def.Implementation, def.Implementation.Kind)
	}
	agg, ok := reg.aggregator(def.Aggregator)
	if !ok {
		return nil, invalid("aggregator %q is not registered", def.Aggregator)
	}
	if def.RunLocation == model.RunRemote && !reg.RemoteSanctioned(def.Implementation) {
		if def.Implementation.Kind == model.ImplProviderMethod {
			return nil, invalid("provider %q is not sanctioned for remote evaluation", def.Implementation.Provider)
		}
		return nil, invalid("only sanctioned provider methods may run remotely, got function %q", def.Implementation.Name)
	}
	if len(e.params) > 0 {
		declared := make(map[string]bool, len(e.params))
		for _, p := range e.params {
			declared[p] = true
			if _, ok := sels[p]; !ok {
				return nil, invalid("argument %q has no selector", p)
			}
		}
		for arg := range sels {
			if !declared[arg] {
				return nil, invalid("%s takes no argument %q", def.Implementation, arg)
			}
		}
	}
	if def.Combinations == model.CombineZip && def.Aggregator == "" {
		multi := 0
		for _, sel := range sels {
			if sel.MultiValued() {
				multi++
			}
		}
		if multi > 1 {
			return nil, invalid("zip over %d multi-valued selectors requires an explicit aggregator", multi)
		}
	}

	id, err := ids.FeedbackDefinitionID(def)
	if err != nil {
		return nil, invalid("%v", err)
	}
	def.FeedbackDefinitionID = id

	return &Feedback{
		def:       def,
		selectors: sels,
		fn:        reg.callable(e),
		agg:       agg,
	}, nil
}

// Definition returns the serializable definition.
func (f *Feedback) Definition() model.FeedbackDefinition {
	d := f.def
	d.Selectors = make(map[string]string, len(f.def.Selectors))
	for k, v := range f.def.Selectors {
		d.Selectors[k] = v
	}
	return d
}

// ID returns the definition id.
func (f *Feedback) ID() string { return f.def.FeedbackDefinitionID }

// Name returns the column name of the definition's results.
func (f *Feedback) Name() string { return f.def.Name() }

// RunLocation returns where the definition is evaluated.
func (f *Feedback) RunLocation() model.RunLocation { return f.def.RunLocation }

// WithTimeout returns a copy of f whose invocations are bounded by d.
func (f *Feedback) WithTimeout(d time.Duration) *Feedback {
	c := *f
	c.timeout = d
	return &c
}
