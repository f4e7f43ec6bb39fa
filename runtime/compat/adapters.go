package compat

import (
	"fmt"
	"sort"
	"sync"
)

type (
	// Adapter is a pure parameter transformation bridging one schema
	// version to another. Adapters must not mutate their input map.
	Adapter func(params map[string]any) map[string]any

	// Registration identifies one registered adapter edge. The function
	// itself is code and is re-registered at startup; this record is what
	// gets persisted for operator inspection.
	Registration struct {
		Tool string `json:"tool"`
		From string `json:"from"`
		To   string `json:"to"`
	}

	// AdapterRegistry holds parameter adapters keyed by (tool, from, to).
	// Version pairs without a direct adapter are bridged by composing the
	// shortest chain of registered edges.
	AdapterRegistry struct {
		mu    sync.RWMutex
		edges map[string]map[string]map[string]Adapter // tool → from → to → fn
	}
)

// NewAdapterRegistry returns an empty adapter registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{edges: make(map[string]map[string]map[string]Adapter)}
}

// Register stores an adapter for (tool, from, to). Re-registering a pair
// replaces the previous adapter.
func (r *AdapterRegistry) Register(tool, from, to string, fn Adapter) error {
	if tool == "" {
		return fmt.Errorf("register adapter: tool is required")
	}
	if from == to {
		return fmt.Errorf("register adapter %s: from and to versions are equal (%s)", tool, from)
	}
	if fn == nil {
		return fmt.Errorf("register adapter %s %s->%s: nil function", tool, from, to)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byFrom, ok := r.edges[tool]
	if !ok {
		byFrom = make(map[string]map[string]Adapter)
		r.edges[tool] = byFrom
	}
	byTo, ok := byFrom[from]
	if !ok {
		byTo = make(map[string]Adapter)
		byFrom[from] = byTo
	}
	byTo[to] = fn
	return nil
}

// Lookup returns the direct adapter for (tool, from, to).
func (r *AdapterRegistry) Lookup(tool, from, to string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.edges[tool][from][to]
	return fn, ok
}

// Resolve returns an adapter bridging from→to for the tool: the direct
// adapter when registered, otherwise the composition of the shortest chain
// of registered edges found by breadth-first search. The returned path lists
// the traversed versions, from first to to last.
func (r *AdapterRegistry) Resolve(tool, from, to string) (Adapter, []string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byFrom := r.edges[tool]
	if byFrom == nil {
		return nil, nil, false
	}
	// BFS over version nodes. parent tracks the discovered tree so the
	// chain can be rebuilt once to is reached.
	type hop struct {
		prev string
		fn   Adapter
	}
	parent := map[string]hop{from: {}}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			break
		}
		// Deterministic expansion order keeps equal-length chains stable.
		nexts := make([]string, 0, len(byFrom[cur]))
		for next := range byFrom[cur] {
			nexts = append(nexts, next)
		}
		sort.Strings(nexts)
		for _, next := range nexts {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = hop{prev: cur, fn: byFrom[cur][next]}
			queue = append(queue, next)
		}
	}
	if _, found := parent[to]; !found || from == to {
		return nil, nil, false
	}
	var chain []Adapter
	path := []string{to}
	for cur := to; cur != from; {
		h := parent[cur]
		chain = append(chain, h.fn)
		cur = h.prev
		path = append(path, cur)
	}
	// chain and path were built back-to-front.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	composed := func(params map[string]any) map[string]any {
		out := params
		for _, fn := range chain {
			out = fn(out)
		}
		return out
	}
	return composed, path, true
}

// Registrations lists every registered edge, sorted by (tool, from, to).
func (r *AdapterRegistry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Registration
	for tool, byFrom := range r.edges {
		for from, byTo := range byFrom {
			for to := range byTo {
				out = append(out, Registration{Tool: tool, From: from, To: to})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Tool != b.Tool {
			return a.Tool < b.Tool
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
	return out
}
