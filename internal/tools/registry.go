package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Registry holds the tools offered to the upstream model. It is built
// once at startup and read-only afterwards, so it is safe for concurrent
// use without locking.
type Registry struct {
	byName map[string]Tool
}

// NewRegistry builds a registry over the given tools. Duplicate names are
// a programming error.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		if _, dup := r.byName[t.Name()]; dup {
			panic(fmt.Sprintf("tools: duplicate tool %q", t.Name()))
		}
		r.byName[t.Name()] = t
	}
	return r
}

// Default returns the registry with the standard clinical tools.
func Default() *Registry {
	return NewRegistry(NewDosageCalculator(), NewGrowthAnalyzer())
}

// Lookup returns the named tool, or false when unknown.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// All returns every tool in name order, for building upstream requests
// deterministically.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.byName))
	for _, t := range r.byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Execute runs the named tool and marshals its result to JSON. Unknown
// tools and handler failures come back as an error-shaped payload so the
// model can see what went wrong instead of the stream dying.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) json.RawMessage {
	t, ok := r.byName[name]
	if !ok {
		return mustMarshal(ErrorResult{Error: fmt.Sprintf("unknown tool %q", name)})
	}
	res, err := t.Execute(ctx, args)
	if err != nil {
		return mustMarshal(ErrorResult{Error: err.Error()})
	}
	return mustMarshal(res)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"error":"tool result serialization failed"}`)
	}
	return b
}
