// Package toolcat is the tool surface the oracle can call. Every tool has
// a compiled JSON Schema; arguments are validated before any adapter or
// store call, and a validation failure produces a structured error payload
// that goes back to the oracle instead of reaching a provider.
package toolcat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/copper/sidekick/internal/capability"
	"github.com/copper/sidekick/internal/persistence"
	"github.com/copper/sidekick/internal/shared"
)

// handlerFunc executes a validated tool call for a user. A returned
// *Refusal is a deliberate decline, not a failure.
type handlerFunc func(ctx context.Context, user *persistence.User, args json.RawMessage) (any, error)

// Tool is one catalog entry.
type Tool struct {
	Name        string
	Description string
	// Mutating marks tools with side effects outside the conversation.
	Mutating bool

	schema  *jsonschema.Schema
	handler handlerFunc
}

// Refusal is a structured decline returned by a handler.
type Refusal struct {
	Reason string `json:"reason"`
}

// Outcome is the result of executing one proposed call. Output is always
// valid JSON suitable for feeding back to the oracle as a tool turn.
type Outcome struct {
	Tool     string
	Output   json.RawMessage
	Mutating bool
	// Invalid marks calls rejected before execution (unknown tool or
	// arguments failing schema validation).
	Invalid bool
	// Refused marks calls the handler declined on purpose.
	Refused bool
	// Err is set when the handler ran and failed.
	Err error
}

// Catalog holds the registered tools bound to a user's adapters and store.
type Catalog struct {
	adapters capability.Adapters
	store    *persistence.Store
	tools    map[string]*Tool
	order    []string
}

// New builds the catalog and compiles every tool schema. A schema that
// fails to compile is a programming error and aborts construction.
func New(adapters capability.Adapters, store *persistence.Store) (*Catalog, error) {
	c := &Catalog{
		adapters: adapters,
		store:    store,
		tools:    make(map[string]*Tool),
	}
	for _, spec := range toolSpecs {
		schema, err := compileSchema(spec.name, spec.schemaJSON)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", spec.name, err)
		}
		c.tools[spec.name] = &Tool{
			Name:        spec.name,
			Description: spec.description,
			Mutating:    spec.mutating,
			schema:      schema,
			handler:     spec.handler(c),
		}
		c.order = append(c.order, spec.name)
	}
	return c, nil
}

func compileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Definition describes a tool for prompt rendering.
type Definition struct {
	Name        string
	Description string
	Mutating    bool
}

// Definitions returns the catalog in registration order.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, 0, len(c.order))
	for _, name := range c.order {
		t := c.tools[name]
		out = append(out, Definition{Name: t.Name, Description: t.Description, Mutating: t.Mutating})
	}
	return out
}

// Lookup returns a tool by name.
func (c *Catalog) Lookup(name string) (*Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Execute validates and runs one proposed call. It never panics the run:
// every failure mode is folded into the Outcome.
func (c *Catalog) Execute(ctx context.Context, user *persistence.User, name string, args json.RawMessage) Outcome {
	log := slog.With("trace_id", shared.TraceID(ctx), "user_id", user.ID, "tool", name)

	tool, ok := c.tools[name]
	if !ok {
		log.Warn("unknown tool proposed")
		return Outcome{
			Tool:    name,
			Invalid: true,
			Output:  errorPayload("UNKNOWN_TOOL", fmt.Sprintf("no tool named %q is available", name)),
		}
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		log.Warn("tool arguments are not valid JSON", "error", err)
		return Outcome{
			Tool:     name,
			Mutating: tool.Mutating,
			Invalid:  true,
			Output:   errorPayload("INVALID_ARGUMENTS", fmt.Sprintf("arguments are not valid JSON: %s", err)),
		}
	}
	if err := tool.schema.Validate(parsed); err != nil {
		log.Warn("tool arguments failed validation", "error", err)
		return Outcome{
			Tool:     name,
			Mutating: tool.Mutating,
			Invalid:  true,
			Output:   errorPayload("INVALID_ARGUMENTS", err.Error()),
		}
	}

	result, err := tool.handler(ctx, user, args)
	if err != nil {
		log.Warn("tool execution failed", "error", err)
		code := string(capability.KindOf(err))
		if code == "" {
			code = "TOOL_ERROR"
		}
		return Outcome{
			Tool:     name,
			Mutating: tool.Mutating,
			Err:      err,
			Output:   errorPayload(code, err.Error()),
		}
	}
	if refusal, ok := result.(*Refusal); ok {
		log.Info("tool call refused", "reason", refusal.Reason)
		return Outcome{
			Tool:     name,
			Mutating: tool.Mutating,
			Refused:  true,
			Output:   mustJSON(map[string]any{"refused": true, "reason": refusal.Reason}),
		}
	}

	return Outcome{
		Tool:     name,
		Mutating: tool.Mutating,
		Output:   mustJSON(result),
	}
}

func errorPayload(code, message string) json.RawMessage {
	return mustJSON(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"error":{"code":"ENCODE","message":%q}}`, err.Error()))
	}
	return data
}
