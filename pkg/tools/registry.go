// Package tools implements the Tool Registry: a static mapping from
// tool-name to schema and implementation, dispatched through a uniform
// execute(toolName, argsJSON) interface.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
)

// ErrUnknownTool is returned to the LLM tool loop when a model requests a
// tool name the registry does not recognize; the loop breaks on this
// error rather than retrying.
var ErrUnknownTool = errors.New("unknown tool")

// Definition is the declarative schema contract for one tool.
type Definition struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// Handler executes a tool given the JSON argument string as the model
// produced it and returns a JSON-serializable result string. Execute does
// not validate the arguments against the tool's Parameters schema.
type Handler func(ctx context.Context, argsJSON string) (string, error)

type entry struct {
	def     Definition
	handler Handler
}

// Registry is the static name -> {schema, implementation} map. Safe for
// concurrent use; built-in tools are registered once at construction and
// the map is read-mostly afterward.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces a tool entry.
func (r *Registry) Register(def Definition, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = entry{def: def, handler: handler}
}

// Schemas returns the declarative definitions for the given tool names,
// or all registered tools if names is empty — the subset the LLM
// Generator supplies to the model for a given agent's tool-set.
func (r *Registry) Schemas(names []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		out := make([]Definition, 0, len(r.entries))
		for _, e := range r.entries {
			out = append(out, e.def)
		}
		return out
	}

	out := make([]Definition, 0, len(names))
	for _, n := range names {
		if e, ok := r.entries[n]; ok {
			out = append(out, e.def)
		}
	}
	return out
}

// Execute dispatches to the named tool's handler. An unknown name yields
// ErrUnknownTool, which the LLM tool loop is expected to log and break
// on rather than treat as a retryable failure.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return e.handler(ctx, argsJSON)
}

// decodeArgs is a small helper every built-in handler uses to unmarshal
// its argument object with a clear error on malformed JSON.
func decodeArgs(argsJSON string, v interface{}) error {
	if argsJSON == "" {
		return nil
	}
	return json.Unmarshal([]byte(argsJSON), v)
}

func encodeResult(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
