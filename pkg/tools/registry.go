// Package tools implements the tool registry: named operations with JSON
// Schema validated inputs, read/write categorization, and canonical string
// results for model feedback.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/workstreamhq/maestro/pkg/llm"
)

// Category classifies a tool's side effects.
type Category string

const (
	CategoryRead  Category = "read"
	CategoryWrite Category = "write"
)

// Handler executes a tool call and renders its result as a string.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a registered operation.
type Tool struct {
	Name        string
	Description string
	InputSchema string // JSON Schema for the arguments object
	Category    Category
	Service     string
	Tags        []string
	Handler     Handler
}

// Registry holds tools, immutable after startup. Lookups are read-mostly;
// Register is only called during wiring.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
	masker  func(string) string
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// SetResultMasker installs a redaction pass applied to every tool result.
// Call during wiring, before the registry serves executions.
func (r *Registry) SetResultMasker(mask func(string) string) {
	r.mu.Lock()
	r.masker = mask
	r.mu.Unlock()
}

// Register validates and adds a tool. The input schema is compiled once at
// registration; invalid schemas are rejected here rather than at call time.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler must not be nil", t.Name)
	}
	if t.InputSchema == "" {
		t.InputSchema = `{"type":"object"}`
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(t.Name+".json", strings.NewReader(t.InputSchema)); err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", t.Name, err)
	}
	schema, err := compiler.Compile(t.Name + ".json")
	if err != nil {
		return fmt.Errorf("tool %s: compiling input schema: %w", t.Name, err)
	}
	if t.Category == "" {
		t.Category = CategoryFor(t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.schemas[t.Name] = schema
	slog.Info("registered tool", "tool", t.Name, "category", t.Category, "service", t.Service)
	return nil
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions renders the registry as LLM tool definitions, sorted by name.
func (r *Registry) Definitions() []llm.ToolDefinition {
	list := r.List()
	out := make([]llm.ToolDefinition, 0, len(list))
	for _, t := range list {
		out = append(out, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

// Execute validates args against the tool's schema and runs its handler.
// Validation failures and handler errors both come back as errors; callers
// render them as observations rather than aborting the workflow.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(normalizeForSchema(args)); err != nil {
		return "", fmt.Errorf("tool %s: invalid arguments: %w", name, err)
	}
	result, err := t.Handler(ctx, args)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}
	r.mu.RLock()
	mask := r.masker
	r.mu.RUnlock()
	if mask != nil {
		result = mask(result)
	}
	return result, nil
}

// ExecuteRaw parses a JSON arguments string and executes the tool.
func (r *Registry) ExecuteRaw(ctx context.Context, name, rawArgs string) (string, error) {
	args := map[string]any{}
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", fmt.Errorf("tool %s: arguments are not valid JSON: %w", name, err)
		}
	}
	return r.Execute(ctx, name, args)
}

// normalizeForSchema round-trips args through JSON so validation sees the
// same representation the wire produced (e.g. json.Number vs float64).
func normalizeForSchema(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}

var readVerbs = []string{
	"get", "list", "search", "read", "find", "fetch", "query", "lookup",
	"describe", "show", "check",
}

// CategoryFor derives a tool's category from the verb in its name. Names
// follow the service.verb_object convention; anything without a read verb
// is treated as write.
func CategoryFor(name string) Category {
	op := name
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		op = name[idx+1:]
	}
	verb := op
	if idx := strings.Index(op, "_"); idx >= 0 {
		verb = op[:idx]
	}
	verb = strings.ToLower(verb)
	for _, rv := range readVerbs {
		if verb == rv {
			return CategoryRead
		}
	}
	return CategoryWrite
}

// RenderResult converts an arbitrary handler value into the canonical string
// form fed to models and events. Strings pass through; everything else is
// JSON encoded.
func RenderResult(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}

// ResultLimit is the transport cap on rendered tool results.
const ResultLimit = 2000

// Truncate caps s at limit characters, appending a marker with the original
// length. A limit of zero falls back to ResultLimit.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		limit = ResultLimit
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + fmt.Sprintf("\n... [truncated, %d chars total]", len(runes))
}
