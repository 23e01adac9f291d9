// Package selector implements lenses: path expressions that address values
// inside a record (or its app) and resolve to zero or more concrete values.
//
// Syntax:
//
//	Record.main_input
//	Record.app.retriever.retrieve.rets[:]
//	Record.calls[0].args["query"]
//	App.config.llm.model
//	Record.meta.lang.default("en")
//	Record.app.retriever.retrieve.rets[:].collect()
//
// An attribute step applied to a list fans out over its elements, so a
// selector through the per-method call groups under Record.app yields one
// value per invocation.
package selector

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Root names the object a selector starts from.
type Root string

const (
	RootRecord Root = "Record"
	RootApp    Root = "App"
)

var rootAliases = map[string]Root{
	"Record":     RootRecord,
	"__record__": RootRecord,
	"App":        RootApp,
	"__app__":    RootApp,
}

type stepKind int

const (
	stepAttr stepKind = iota
	stepIndex
	stepAll
	stepKey
)

type step struct {
	kind  stepKind
	name  string
	index int
}

func (s step) String() string {
	switch s.kind {
	case stepAttr:
		return "." + s.name
	case stepIndex:
		return "[" + strconv.Itoa(s.index) + "]"
	case stepAll:
		return "[:]"
	default:
		return "[" + strconv.Quote(s.name) + "]"
	}
}

// Selector is an immutable lens. The zero value is not usable; construct one
// with Parse, MustParse or the Record/App builders.
type Selector struct {
	root       Root
	steps      []step
	collect    bool
	hasDefault bool
	def        any
}

// Common selectors.
var (
	RecordInput  = Record().Attr("main_input")
	RecordOutput = Record().Attr("main_output")
	RecordCalls  = Record().Attr("app")
)

// Record starts a selector at the record root.
func Record() Selector { return Selector{root: RootRecord} }

// App starts a selector at the app root.
func App() Selector { return Selector{root: RootApp} }

func (s Selector) with(st step) Selector {
	steps := make([]step, len(s.steps), len(s.steps)+1)
	copy(steps, s.steps)
	s.steps = append(steps, st)
	return s
}

// Attr appends an attribute step.
func (s Selector) Attr(name string) Selector { return s.with(step{kind: stepAttr, name: name}) }

// Key appends a map-key step for keys that are not valid attribute names.
func (s Selector) Key(key string) Selector { return s.with(step{kind: stepKey, name: key}) }

// Index appends a list-index step. Negative indexes count from the end.
func (s Selector) Index(i int) Selector { return s.with(step{kind: stepIndex, index: i}) }

// All appends a step that fans out over every element of a list (or every
// value of a map, in key order).
func (s Selector) All() Selector { return s.with(step{kind: stepAll}) }

// Collect makes the selector yield its values as a single list instead of
// one value each.
func (s Selector) Collect() Selector {
	s.collect = true
	return s
}

// Default makes the selector yield v instead of failing when the path does
// not resolve.
func (s Selector) Default(v any) Selector {
	s.hasDefault = true
	s.def = v
	return s
}

// Root returns where the selector starts.
func (s Selector) Root() Root { return s.root }

// Collects reports whether the selector collects its values into one list.
func (s Selector) Collects() bool { return s.collect }

// MultiValued reports whether the selector can yield more than one value
// when resolved: it either fans out explicitly or addresses instrumented
// calls, which hold one entry per invocation. Collecting selectors always
// yield exactly one value.
func (s Selector) MultiValued() bool {
	if s.collect {
		return false
	}
	for i, st := range s.steps {
		if st.kind == stepAll {
			return true
		}
		if i == 0 && s.root == RootRecord && st.kind == stepAttr && (st.name == "app" || st.name == "calls") {
			if len(s.steps) == 1 || s.steps[1].kind != stepIndex {
				return true
			}
		}
	}
	return false
}

// String returns the canonical textual form, which Parse accepts.
func (s Selector) String() string {
	var b strings.Builder
	b.WriteString(string(s.root))
	for _, st := range s.steps {
		b.WriteString(st.String())
	}
	if s.collect {
		b.WriteString(".collect()")
	}
	if s.hasDefault {
		raw, err := json.Marshal(s.def)
		if err != nil {
			raw = []byte("null")
		}
		b.WriteString(".default(")
		b.Write(raw)
		b.WriteString(")")
	}
	return b.String()
}

// MarshalJSON encodes the selector as its canonical string.
func (s Selector) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a selector from its string form.
func (s *Selector) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	parsed, err := Parse(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MustParse is Parse that panics on error. Use for package-level selectors.
func MustParse(expr string) Selector {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse parses a selector expression.
func Parse(expr string) (Selector, error) {
	expr = strings.TrimSpace(expr)
	p := parser{src: expr}
	rootName := p.ident()
	root, ok := rootAliases[rootName]
	if !ok {
		return Selector{}, fmt.Errorf("selector: %q: unknown root %q (want Record or App)", expr, rootName)
	}
	s := Selector{root: root}
	for !p.done() {
		switch p.peek() {
		case '.':
			p.pos++
			name := p.ident()
			if name == "" {
				return Selector{}, p.errorf("expected attribute name")
			}
			if p.peek() == '(' {
				if err := p.call(name, &s); err != nil {
					return Selector{}, err
				}
				continue
			}
			if s.collect || s.hasDefault {
				return Selector{}, p.errorf("steps may not follow collect() or default()")
			}
			s = s.Attr(name)
		case '[':
			if s.collect || s.hasDefault {
				return Selector{}, p.errorf("steps may not follow collect() or default()")
			}
			st, err := p.bracket()
			if err != nil {
				return Selector{}, err
			}
			s = s.with(st)
		default:
			return Selector{}, p.errorf("unexpected character %q", p.peek())
		}
	}
	return s, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) done() bool { return p.pos >= len(p.src) }

func (p *parser) peek() byte {
	if p.done() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("selector: %q at offset %d: %s", p.src, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) ident() string {
	start := p.pos
	for !p.done() {
		c := p.src[p.pos]
		if c == '_' || c == '-' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *parser) bracket() (step, error) {
	end := strings.IndexByte(p.src[p.pos:], ']')
	if end < 0 {
		return step{}, p.errorf("unterminated '['")
	}
	inner := strings.TrimSpace(p.src[p.pos+1 : p.pos+end])
	p.pos += end + 1
	switch {
	case inner == ":" || inner == "*":
		return step{kind: stepAll}, nil
	case strings.HasPrefix(inner, `"`):
		key, err := strconv.Unquote(inner)
		if err != nil {
			return step{}, p.errorf("invalid quoted key %s", inner)
		}
		return step{kind: stepKey, name: key}, nil
	default:
		n, err := strconv.Atoi(inner)
		if err != nil {
			return step{}, p.errorf("invalid index %q", inner)
		}
		return step{kind: stepIndex, index: n}, nil
	}
}

// call parses the trailing modifiers collect() and default(<json>).
func (p *parser) call(name string, s *Selector) error {
	p.pos++ // '('
	depth := 1
	start := p.pos
	inString := false
	for !p.done() && depth > 0 {
		c := p.src[p.pos]
		switch {
		case inString && c == '\\':
			p.pos++
		case c == '"':
			inString = !inString
		case !inString && c == '(':
			depth++
		case !inString && c == ')':
			depth--
		}
		p.pos++
	}
	if depth != 0 {
		return p.errorf("unterminated %s(", name)
	}
	arg := strings.TrimSpace(p.src[start : p.pos-1])
	switch name {
	case "collect":
		if arg != "" {
			return p.errorf("collect() takes no arguments")
		}
		s.collect = true
	case "default":
		var v any
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			return p.errorf("default(): argument is not JSON: %v", err)
		}
		s.hasDefault = true
		s.def = v
	default:
		return p.errorf("unknown modifier %s()", name)
	}
	return nil
}

// Error is returned when a selector path cannot be resolved against a
// record and no default is declared.
type Error struct {
	Selector string
	Path     string
	Reason   string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("selector %s: %s", e.Selector, e.Reason)
	}
	return fmt.Sprintf("selector %s: at %s: %s", e.Selector, e.Path, e.Reason)
}

// Get resolves the selector against a view.
func (s Selector) Get(v View) ([]any, error) {
	var start any
	switch s.root {
	case RootRecord:
		start = v.Record
	case RootApp:
		start = v.App
	}
	vals, err := s.walk(start)
	if err == nil && len(vals) == 0 && !s.collect {
		err = &Error{Selector: s.String(), Reason: "no values"}
	}
	if err != nil {
		if s.hasDefault {
			vals = []any{s.def}
		} else {
			return nil, err
		}
	}
	if s.collect {
		return []any{vals}, nil
	}
	return vals, nil
}

func (s Selector) walk(start any) ([]any, error) {
	if start == nil {
		return nil, &Error{Selector: s.String(), Path: string(s.root), Reason: "root not available"}
	}
	cur := []any{start}
	path := string(s.root)
	for _, st := range s.steps {
		path += st.String()
		var next []any
		for _, v := range cur {
			out, err := apply(st, v)
			if err != nil {
				return nil, &Error{Selector: s.String(), Path: path, Reason: err.Error()}
			}
			next = append(next, out...)
		}
		cur = next
	}
	return cur, nil
}

func apply(st step, v any) ([]any, error) {
	switch st.kind {
	case stepAttr, stepKey:
		switch o := v.(type) {
		case map[string]any:
			val, ok := o[st.name]
			if !ok {
				return nil, fmt.Errorf("no attribute %q", st.name)
			}
			return []any{val}, nil
		case []any:
			if st.kind == stepKey {
				return nil, fmt.Errorf("cannot take key %q of a list", st.name)
			}
			out := make([]any, 0, len(o))
			for i, elem := range o {
				res, err := apply(st, elem)
				if err != nil {
					return nil, fmt.Errorf("element %d: %w", i, err)
				}
				out = append(out, res...)
			}
			return out, nil
		default:
			return nil, fmt.Errorf("cannot take attribute %q of %T", st.name, v)
		}
	case stepIndex:
		o, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("cannot index %T", v)
		}
		i := st.index
		if i < 0 {
			i += len(o)
		}
		if i < 0 || i >= len(o) {
			return nil, fmt.Errorf("index %d out of range (len %d)", st.index, len(o))
		}
		return []any{o[i]}, nil
	case stepAll:
		switch o := v.(type) {
		case []any:
			return o, nil
		case map[string]any:
			keys := make([]string, 0, len(o))
			for k := range o {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			out := make([]any, len(keys))
			for i, k := range keys {
				out[i] = o[k]
			}
			return out, nil
		default:
			return nil, fmt.Errorf("cannot iterate %T", v)
		}
	}
	return nil, fmt.Errorf("unknown step")
}
