// Package tools holds the dance and manual tools the planner can call.
//
// Every tool declares its input schema as an mcp.Tool, so the same
// definitions drive the LLM tool list, argument validation before dispatch,
// and the MCP server that exposes the tools to other clients.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/ibbo/rowan/internal/domain"
	"github.com/ibbo/rowan/internal/llm"
	"github.com/mark3labs/mcp-go/mcp"
)

// Tool is one callable capability.
type Tool interface {
	// Definition returns the tool's name, description and input schema.
	Definition() mcp.Tool
	// Call runs the tool. args have already been validated against the
	// schema. The result must be JSON-serialisable.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// Registry holds tools by name. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*argSchema
}

// NewRegistry creates a registry containing tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool), schemas: make(map[string]*argSchema)}
	for _, t := range tools {
		r.tools[t.Definition().Name] = t
	}
	return r
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Definition().Name
	r.tools[name] = t
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
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

// Definitions returns every tool's MCP definition, sorted by name.
func (r *Registry) Definitions() []mcp.Tool {
	names := r.Names()
	defs := make([]mcp.Tool, 0, len(names))
	for _, n := range names {
		t, _ := r.Get(n)
		defs = append(defs, t.Definition())
	}
	return defs
}

// LLMDefinitions converts the definitions into the provider-neutral form the
// planner sends to the model.
func (r *Registry) LLMDefinitions() []llm.ToolDefinition {
	defs := r.Definitions()
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, LLMDefinition(d))
	}
	return out
}

// LLMDefinition converts one MCP tool definition.
func LLMDefinition(t mcp.Tool) llm.ToolDefinition {
	params := map[string]any{
		"type":       "object",
		"properties": t.InputSchema.Properties,
	}
	if t.InputSchema.Properties == nil {
		params["properties"] = map[string]any{}
	}
	if len(t.InputSchema.Required) > 0 {
		params["required"] = t.InputSchema.Required
	}
	return llm.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: params}
}

// Invoke resolves, validates and calls a tool. Failures before the call are
// reported as domain.ErrUnknownTool or *domain.InvalidArgumentsError; the
// tool is not invoked in either case.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	schema, err := r.schema(name, t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := schema.validate(args); err != nil {
		return nil, err
	}
	return t.Call(ctx, args)
}

// schema returns the compiled input schema for a tool, compiling it on first
// use.
func (r *Registry) schema(name string, t Tool) (*argSchema, error) {
	r.mu.RLock()
	s, ok := r.schemas[name]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}
	s, err := compileSchema(t.Definition().InputSchema)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.schemas[name] = s
	r.mu.Unlock()
	return s, nil
}

// ValidateArguments checks args against a tool's input schema. Properties the
// schema does not declare are ignored and a null value counts as absent.
func ValidateArguments(schema mcp.ToolInputSchema, args map[string]any) error {
	s, err := compileSchema(schema)
	if err != nil {
		return err
	}
	return s.validate(args)
}

// argSchema is a tool input schema resolved for validation.
type argSchema struct {
	root     *jsonschema.Schema
	resolved *jsonschema.Resolved
}

func compileSchema(in mcp.ToolInputSchema) (*argSchema, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}
	var root jsonschema.Schema
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	if root.Type == "" {
		root.Type = "object"
	}
	// A required string must also be non-empty.
	for _, name := range root.Required {
		if p := root.Properties[name]; p != nil && p.Type == "string" && p.MinLength == nil {
			p.MinLength = jsonschema.Ptr(1)
		}
	}
	rs, err := root.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve input schema: %w", err)
	}
	return &argSchema{root: &root, resolved: rs}, nil
}

func (s *argSchema) validate(args map[string]any) error {
	present := make(map[string]any, len(args))
	for k, v := range args {
		if v != nil {
			present[k] = v
		}
	}
	for _, name := range s.root.Required {
		if _, ok := present[name]; !ok {
			return invalid(name, "is required")
		}
	}
	err := s.resolved.Validate(present)
	if err == nil {
		return nil
	}
	field, keyword, detail := splitValidationError(err.Error())
	return invalid(field, s.reason(field, keyword, detail, present[field]))
}

// splitValidationError takes a jsonschema error such as
//
//	validating root: validating /properties/limit: maximum: 11 is greater than 10.000000
//
// apart into the property name, the failing keyword and its message.
func splitValidationError(msg string) (field, keyword, detail string) {
	for strings.HasPrefix(msg, "validating ") {
		loc, rest, ok := strings.Cut(strings.TrimPrefix(msg, "validating "), ": ")
		if !ok {
			break
		}
		if name, isProp := strings.CutPrefix(loc, "/properties/"); isProp && field == "" {
			field, _, _ = strings.Cut(name, "/")
		}
		msg = rest
	}
	keyword, detail, ok := strings.Cut(msg, ": ")
	if !ok {
		return field, "", msg
	}
	return field, keyword, detail
}

func (s *argSchema) reason(field, keyword, detail string, v any) string {
	p := s.root.Properties[field]
	if p == nil {
		p = &jsonschema.Schema{}
	}
	switch keyword {
	case "type":
		switch p.Type {
		case "integer":
			if _, isNum := toFloat(v); isNum {
				return "must be an integer"
			}
			return "must be a number"
		case "array", "object":
			return "must be an " + p.Type
		case "":
			return detail
		}
		return "must be a " + p.Type
	case "enum":
		return fmt.Sprintf("must be one of %v", p.Enum)
	case "minimum":
		if p.Minimum != nil {
			return fmt.Sprintf("must be at least %g", *p.Minimum)
		}
	case "maximum":
		if p.Maximum != nil {
			return fmt.Sprintf("must be at most %g", *p.Maximum)
		}
	case "minLength":
		if p.MinLength != nil && *p.MinLength > 1 {
			return fmt.Sprintf("must be at least %d characters", *p.MinLength)
		}
		return "must not be empty"
	case "maxLength":
		if p.MaxLength != nil {
			return fmt.Sprintf("must be at most %d characters", *p.MaxLength)
		}
	case "pattern":
		return fmt.Sprintf("must match %s", p.Pattern)
	}
	if keyword == "" {
		return detail
	}
	return keyword + ": " + detail
}

func invalid(field, reason string) error {
	return &domain.InvalidArgumentsError{Field: field, Reason: reason}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// Argument accessors. JSON numbers arrive as float64.

func stringArg(args map[string]any, key, def string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	if n, ok := toFloat(args[key]); ok {
		return int(n)
	}
	return def
}

func boolArg(args map[string]any, key string, def bool) bool {
	if b, ok := args[key].(bool); ok {
		return b
	}
	return def
}

func optBoolArg(args map[string]any, key string) *bool {
	if b, ok := args[key].(bool); ok {
		return &b
	}
	return nil
}
