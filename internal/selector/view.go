package selector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/hyoka/internal/model"
)

// View is the JSON-shaped tree that selectors walk. Record is the record
// with an extra "app" subtree grouping instrumented calls by method path;
// App is the app definition, or nil when none is available.
type View struct {
	Record any
	App    any
}

// NewView builds the selector view of a record and, optionally, its app.
//
// A call recorded for method "retriever.retrieve" is reachable as
// Record.app.retriever.retrieve, which always holds a list with one entry
// per invocation.
func NewView(rec *model.Record, app *model.App) (View, error) {
	var v View
	if rec != nil {
		tree, err := toTree(rec)
		if err != nil {
			return View{}, fmt.Errorf("selector: record view: %w", err)
		}
		m, _ := tree.(map[string]any)
		if m == nil {
			m = map[string]any{}
		}
		calls, _ := m["calls"].([]any)
		if calls == nil {
			calls = []any{}
			m["calls"] = calls
		}
		m["app"] = groupCalls(rec.Calls, calls)
		v.Record = m
	}
	if app != nil {
		tree, err := toTree(app)
		if err != nil {
			return View{}, fmt.Errorf("selector: app view: %w", err)
		}
		v.App = tree
	}
	return v, nil
}

func toTree(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// groupCalls nests the serialized calls under their dotted method paths. A
// path that collides with an intermediate node of another path is left
// reachable only through Record.calls.
func groupCalls(calls []model.RecordAppCall, trees []any) map[string]any {
	root := map[string]any{}
	for i, c := range calls {
		if i >= len(trees) {
			break
		}
		parts := strings.Split(c.Method, ".")
		node := root
		ok := true
		for _, p := range parts[:len(parts)-1] {
			child, exists := node[p]
			if !exists {
				m := map[string]any{}
				node[p] = m
				node = m
				continue
			}
			m, isMap := child.(map[string]any)
			if !isMap {
				ok = false
				break
			}
			node = m
		}
		if !ok {
			continue
		}
		leaf := parts[len(parts)-1]
		switch existing := node[leaf].(type) {
		case nil:
			node[leaf] = []any{trees[i]}
		case []any:
			node[leaf] = append(existing, trees[i])
		}
	}
	return root
}
