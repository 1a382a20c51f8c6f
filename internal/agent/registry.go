package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RunFunc is the body of an agent. It receives the invocation capabilities
// and the schema-validated input, and returns a JSON-marshalable output.
type RunFunc func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error)

// Definition describes a named agent.
type Definition struct {
	// Name is the unique agent name ("writer", "analyze", ...).
	Name string

	// Description is informational, surfaced to operators.
	Description string

	// InputSchema validates invocation input. Required.
	InputSchema json.RawMessage

	// OutputSchema validates the run output when non-nil.
	OutputSchema json.RawMessage

	// AllowedCalls restricts which agents this one may invoke. Nil means
	// any; empty means none.
	AllowedCalls []string

	// Run is the agent body.
	Run RunFunc
}

// Registry holds agent definitions with pre-compiled validation schemas.
// It is populated at startup and effectively read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]*Definition
	compiled map[string]*compiledSchemas
}

type compiledSchemas struct {
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]*Definition),
		compiled: make(map[string]*compiledSchemas),
	}
}

// Register adds a definition, compiling its schemas. Registering an existing
// name replaces it.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("agent definition requires a name")
	}
	if def.Run == nil {
		return fmt.Errorf("agent %s requires a run function", def.Name)
	}
	if len(def.InputSchema) == 0 {
		return fmt.Errorf("agent %s requires an input schema", def.Name)
	}

	schemas := &compiledSchemas{}
	var err error
	if schemas.input, err = compileSchema(def.Name+"/input", def.InputSchema); err != nil {
		return err
	}
	if len(def.OutputSchema) > 0 {
		if schemas.output, err = compileSchema(def.Name+"/output", def.OutputSchema); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	r.compiled[def.Name] = schemas
	return nil
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Has reports whether an agent is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns the registered agent names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all definitions. For tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[string]*Definition)
	r.compiled = make(map[string]*compiledSchemas)
}

func (r *Registry) schemas(name string) *compiledSchemas {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.compiled[name]
}

func compileSchema(url string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema %s: %w", url, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", url, err)
	}
	return schema, nil
}

// validate checks a JSON document against a compiled schema.
func validate(schema *jsonschema.Schema, doc json.RawMessage) error {
	if schema == nil {
		return nil
	}
	var value any
	if err := json.Unmarshal(doc, &value); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return schema.Validate(value)
}
