package selector

import (
	"fmt"
	"iter"
	"sort"

	"github.com/ashita-ai/hyoka/internal/model"
)

// Binding maps each argument name to one concrete value.
type Binding map[string]any

// Bindings is the finite, restartable sequence of argument bindings produced
// by resolving a set of selectors. Values are resolved eagerly; bindings are
// produced lazily, so a large Cartesian product costs memory proportional to
// the sum of the selector results, not their product.
type Bindings struct {
	names  []string
	values [][]any
	combo  model.Combinations
	n      int
}

// Bind resolves every selector against v and prepares the binding sequence.
//
// With CombineProduct the sequence is the Cartesian product of the resolved
// values. With CombineZip the i-th binding takes the i-th value of every
// selector; single-valued selectors are repeated, and multi-valued selectors
// of different lengths are an error rather than being truncated.
func Bind(v View, sels map[string]Selector, combo model.Combinations) (*Bindings, error) {
	names := make([]string, 0, len(sels))
	for name := range sels {
		names = append(names, name)
	}
	sort.Strings(names)

	b := &Bindings{names: names, values: make([][]any, len(names)), combo: combo}
	for i, name := range names {
		vals, err := sels[name].Get(v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		b.values[i] = vals
	}

	switch combo {
	case model.CombineZip:
		n := 1
		for i, vals := range b.values {
			if len(vals) == 1 {
				continue
			}
			if n != 1 && len(vals) != n {
				return nil, &Error{
					Selector: sels[names[i]].String(),
					Reason:   fmt.Sprintf("zip length mismatch: %d values, other arguments have %d", len(vals), n),
				}
			}
			n = len(vals)
		}
		b.n = n
	default:
		n := 1
		for _, vals := range b.values {
			n *= len(vals)
		}
		b.n = n
	}
	if len(names) == 0 {
		b.n = 1
	}
	return b, nil
}

// Len returns the number of bindings in the sequence.
func (b *Bindings) Len() int { return b.n }

// Names returns the argument names in binding order.
func (b *Bindings) Names() []string { return b.names }

// All yields every binding. Each call starts a fresh pass.
func (b *Bindings) All() iter.Seq[Binding] {
	return func(yield func(Binding) bool) {
		for i := range b.n {
			if !yield(b.At(i)) {
				return
			}
		}
	}
}

// At returns the i-th binding. For products, the last argument (in name
// order) varies fastest.
func (b *Bindings) At(i int) Binding {
	out := make(Binding, len(b.names))
	if b.combo == model.CombineZip {
		for k, name := range b.names {
			vals := b.values[k]
			if len(vals) == 1 {
				out[name] = vals[0]
			} else {
				out[name] = vals[i]
			}
		}
		return out
	}
	for k := len(b.names) - 1; k >= 0; k-- {
		vals := b.values[k]
		out[b.names[k]] = vals[i%len(vals)]
		i /= len(vals)
	}
	return out
}
