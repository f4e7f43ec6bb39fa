package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/intentflow/intentflow/runtime/fault"
)

// jsonTypes is the closed set of JSON Schema primitive type names accepted in
// shape maps.
var jsonTypes = map[string]struct{}{
	"string":  {},
	"number":  {},
	"integer": {},
	"boolean": {},
	"object":  {},
	"array":   {},
	"null":    {},
}

// Registry maps tool names to descriptors and owns the compiled parameter
// schemas. Registration is typically done once at startup; lookups and
// validation are concurrent-safe.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Descriptor
	compiled map[string]*jsonschema.Schema
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Descriptor),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register validates and stores a descriptor, compiling its parameter schema.
// Re-registering a name replaces the previous descriptor, which is how
// version upgrades land.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if d.TimeoutMS < 0 {
		return fmt.Errorf("register tool %s: negative timeout", d.Name)
	}
	if d.TimeoutMS == 0 {
		d.TimeoutMS = DefaultTimeoutMS
	}
	for field, f := range d.Params {
		if _, ok := jsonTypes[f.Type]; !ok {
			return fmt.Errorf("register tool %s: field %s has unknown type %q", d.Name, field, f.Type)
		}
	}
	for alias, primary := range d.Aliases {
		if _, ok := d.Params[primary]; !ok {
			return fmt.Errorf("register tool %s: alias %s targets undeclared parameter %s", d.Name, alias, primary)
		}
		if _, ok := d.Params[alias]; ok {
			return fmt.Errorf("register tool %s: alias %s collides with a declared parameter", d.Name, alias)
		}
	}
	if d.Compensation != nil && d.Compensation.Tool == "" {
		return fmt.Errorf("register tool %s: compensation rule missing tool name", d.Name)
	}
	schema, err := compileShape(d.Params)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", d.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[d.Name] = d
	r.compiled[d.Name] = schema
	return nil
}

// Lookup returns the descriptor for a tool name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Names lists registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateParams checks params against the tool's shape map. Unknown tools
// fail with TOOL_NOT_FOUND; shape violations fail with TOOL_VALIDATION_FAILED
// carrying the schema error detail.
func (r *Registry) ValidateParams(name string, params map[string]any) error {
	r.mu.RLock()
	schema, ok := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return fault.Newf(fault.ToolNotFound, "tool %s is not registered", name)
	}
	if schema == nil {
		return nil
	}
	// Round-trip through JSON so validation sees the exact decoded form the
	// transport would carry (float64 numbers, []any slices).
	data, err := json.Marshal(params)
	if err != nil {
		return fault.Wrap(fault.ToolValidationFailed, fmt.Sprintf("tool %s: invalid parameters", name), err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fault.Wrap(fault.ToolValidationFailed, fmt.Sprintf("tool %s: invalid parameters", name), err)
	}
	if instance == nil {
		instance = map[string]any{}
	}
	if err := schema.Validate(instance); err != nil {
		return fault.Wrap(fault.ToolValidationFailed, fmt.Sprintf("tool %s: invalid parameters: %s", name, err), err)
	}
	return nil
}

// SnapshotAll freezes the schema identity of the named tools. Unregistered
// names are skipped; the engine snapshots only tools the plan references.
func (r *Registry) SnapshotAll(names []string) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(names))
	var out []Snapshot
	for _, n := range names {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		d, ok := r.tools[n]
		if !ok {
			continue
		}
		out = append(out, d.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CompensationFor returns the static undo rule for a tool, if declared.
func (r *Registry) CompensationFor(name string) (CompensationSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok || d.Compensation == nil {
		return CompensationSpec{}, false
	}
	return *d.Compensation, true
}

// compileShape builds and compiles the JSON Schema for a shape map. An empty
// map compiles to a permissive object schema.
func compileShape(params map[string]Field) (*jsonschema.Schema, error) {
	doc := SchemaDocument(params)
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("tool.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
