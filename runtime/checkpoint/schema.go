package checkpoint

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/intentflow/intentflow/runtime/fault"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// validator guards every serialized read and write against the embedded
// document schemas. A document that fails validation never reaches the store
// and is never handed to a caller.
type validator struct {
	executionState *jsonschema.Schema
	taskState      *jsonschema.Schema
	traceEntry     *jsonschema.Schema
}

func newValidator() (*validator, error) {
	es, err := compileEmbedded("schemas/execution_state.json")
	if err != nil {
		return nil, err
	}
	ts, err := compileEmbedded("schemas/task_state.json")
	if err != nil {
		return nil, err
	}
	te, err := compileEmbedded("schemas/trace_entry.json")
	if err != nil {
		return nil, err
	}
	return &validator{executionState: es, taskState: ts, traceEntry: te}, nil
}

func compileEmbedded(name string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// check validates serialized JSON against schema, classifying violations as
// MEMORY_OPERATION_FAILED.
func (v *validator) check(schema *jsonschema.Schema, kind string, data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("%s document is not valid JSON", kind), err)
	}
	if err := schema.Validate(doc); err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("%s document violates schema: %s", kind, err), err)
	}
	return nil
}
