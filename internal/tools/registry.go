package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Argument limits guard against pathological model output.
const (
	maxToolNameLength = 256
	maxToolArgsSize   = 10 << 20
)

// Registry holds the tools available to a turn, keyed by name. Schemas are
// compiled at registration so argument validation is a lookup plus a walk.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any previous tool of the same name. The
// schema must compile; a tool with an invalid schema is rejected.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" || len(name) > maxToolNameLength {
		return fmt.Errorf("tools: invalid tool name %q", name)
	}

	var schema *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("tools: schema for %s: %w", name, err)
		}
		compiled, err := compiler.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("tools: schema for %s: %w", name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	if schema != nil {
		r.schemas[name] = schema
	} else {
		delete(r.schemas, name)
	}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name, for handing to providers.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Filter returns the tools whose names appear in enabled. A nil enabled list
// means everything.
func (r *Registry) Filter(enabled []string) []Tool {
	if enabled == nil {
		return r.List()
	}
	allowed := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allowed[name] = true
	}
	var out []Tool
	for _, t := range r.List() {
		if allowed[t.Name()] {
			out = append(out, t)
		}
	}
	return out
}

// ValidateArgs checks raw arguments against the tool's compiled schema.
// Returns nil for tools without a schema.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	if len(args) > maxToolArgsSize {
		return fmt.Errorf("tools: arguments exceed %d bytes", maxToolArgsSize)
	}

	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("tools: arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("tools: arguments rejected by schema: %w", err)
	}
	return nil
}
