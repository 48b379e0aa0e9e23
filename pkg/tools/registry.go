// Package tools implements the read-only exploration tool layer: a frozen
// name-to-handler registry, the filesystem/index/git primitives, and the two
// composed fallback chains (search_code, read_code) the planner is allowed
// to invoke.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/quarrylab/quarry/pkg/model"
)

// Category separates direct operations from fallback chains.
type Category string

const (
	CategoryPrimitive Category = "primitive"
	CategoryComposed  Category = "composed"
)

// Risk classifies what a tool may do to the analyzed repository. Read-only
// is the only level the registry accepts; the constant exists so a write
// registration fails explicitly rather than by omission.
type Risk string

const RiskReadOnly Risk = "read_only"

var (
	// ErrUnknownTool signals a lookup for a name never registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrRegistryFrozen signals a registration after startup completed.
	// This is a programmer error; callers abort startup on it.
	ErrRegistryFrozen = errors.New("tool registry is frozen")
)

// SchemaError reports arguments rejected by a tool's parameter schema.
type SchemaError struct {
	Tool     string
	Argument string
	Reason   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s: %s", e.Tool, e.Argument, e.Reason)
}

// ParamType is the accepted wire type of one parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
)

// Param is one entry of a tool's parameter schema.
type Param struct {
	Name     string
	Type     ParamType
	Required bool
}

// Handler executes a tool call. Operational failures are folded into the
// returned ToolResult; a handler never returns a Go error.
type Handler func(ctx context.Context, args map[string]any) *model.ToolResult

// Spec declares one tool.
type Spec struct {
	Name        string
	Category    Category
	Risk        Risk
	Description string
	Params      []Param
	Handler     Handler

	// Exposed marks the tool as plannable. Only search_code and read_code
	// are exposed; everything else is internal machinery.
	Exposed bool
}

// Registry is the name-to-tool catalog. It is built during startup, frozen
// before serving begins, and immutable afterwards, so lookups need no lock
// once Freeze has been called.
type Registry struct {
	mu     sync.Mutex
	frozen bool
	tools  map[string]*Spec
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Spec)}
}

// Register adds a tool. Write-capable tools and duplicate names are
// rejected; registering after Freeze is a startup-ordering bug.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec has no name")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %s has no handler", spec.Name)
	}
	if spec.Risk != RiskReadOnly {
		return fmt.Errorf("tool %s has risk %q: only read_only tools can be registered", spec.Name, spec.Risk)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: cannot register %s", ErrRegistryFrozen, spec.Name)
	}
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("tool %s is already registered", spec.Name)
	}
	copied := spec
	r.tools[spec.Name] = &copied
	return nil
}

// Freeze seals the registry. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether the registry has been sealed.
func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// Lookup returns the spec for a name.
func (r *Registry) Lookup(name string) (*Spec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return spec, nil
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ExposedNames returns the plannable tool names, sorted.
func (r *Registry) ExposedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, spec := range r.tools {
		if spec.Exposed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Execute validates arguments against the tool's schema and runs the
// handler. Unknown tools and schema violations come back as Go errors; the
// caller decides how each maps onto the pipeline's error policy.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*model.ToolResult, error) {
	spec, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := validateArgs(spec, args); err != nil {
		return nil, err
	}
	return spec.Handler(ctx, args), nil
}

// validateArgs enforces the declared schema: no unknown arguments, all
// required ones present, types as declared.
func validateArgs(spec *Spec, args map[string]any) error {
	byName := make(map[string]Param, len(spec.Params))
	for _, p := range spec.Params {
		byName[p.Name] = p
	}

	for name, value := range args {
		p, known := byName[name]
		if !known {
			return &SchemaError{Tool: spec.Name, Argument: name, Reason: "unknown argument"}
		}
		if err := checkType(p, value); err != nil {
			return &SchemaError{Tool: spec.Name, Argument: name, Reason: err.Error()}
		}
	}
	for _, p := range spec.Params {
		if !p.Required {
			continue
		}
		if _, present := args[p.Name]; !present {
			return &SchemaError{Tool: spec.Name, Argument: p.Name, Reason: "required argument missing"}
		}
	}
	return nil
}

func checkType(p Param, value any) error {
	switch p.Type {
	case ParamString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case ParamInt:
		// JSON decoding delivers numbers as float64.
		switch v := value.(type) {
		case int:
		case float64:
			if v != float64(int(v)) {
				return fmt.Errorf("expected integer, got %v", v)
			}
		default:
			return fmt.Errorf("expected integer, got %T", value)
		}
	default:
		return fmt.Errorf("unsupported parameter type %q", p.Type)
	}
	return nil
}

// stringArg reads an optional string argument.
func stringArg(args map[string]any, name string) string {
	v, _ := args[name].(string)
	return v
}

// intArg reads an optional integer argument with a fallback.
func intArg(args map[string]any, name string, fallback int) int {
	switch v := args[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
