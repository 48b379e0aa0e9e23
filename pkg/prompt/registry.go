package prompt

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

var (
	// ErrUnknownTemplate signals a render for a name never registered.
	ErrUnknownTemplate = errors.New("unknown prompt template")

	// ErrRegistryFrozen signals a registration after startup completed.
	ErrRegistryFrozen = errors.New("prompt registry is frozen")
)

// Rendered is the system/user message pair a template produces.
type Rendered struct {
	System string
	User   string
}

// entry pairs a fixed system prompt with its parsed user template.
type entry struct {
	system string
	user   *template.Template
}

// Registry maps stage names to prompt templates. Built and frozen during
// startup; immutable afterwards.
type Registry struct {
	mu      sync.Mutex
	frozen  bool
	entries map[string]*entry
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// NewDefaultRegistry builds and freezes the registry holding the five LLM
// stage templates. A parse failure here is a programming error surfaced at
// startup.
func NewDefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	defaults := map[string]struct{ system, user string }{
		TemplateIntent:      {intentSystem, intentUser},
		TemplatePlanner:     {plannerSystem, plannerUser},
		TemplateSynthesizer: {synthesizerSystem, synthesizerUser},
		TemplateCritic:      {criticSystem, criticUser},
		TemplateIntegration: {integrationSystem, integrationUser},
	}
	for name, tpl := range defaults {
		if err := r.Register(name, tpl.system, tpl.user); err != nil {
			return nil, err
		}
	}
	r.Freeze()
	return r, nil
}

// Register parses and adds one template. Duplicate names and registration
// after Freeze are rejected.
func (r *Registry) Register(name, system, user string) error {
	if name == "" {
		return fmt.Errorf("prompt template has no name")
	}
	// missingkey=error makes an unresolved placeholder a render failure
	// instead of "<no value>" leaking into an LLM prompt.
	parsed, err := template.New(name).Option("missingkey=error").Parse(user)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: cannot register %s", ErrRegistryFrozen, name)
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("prompt template %s is already registered", name)
	}
	r.entries[name] = &entry{system: system, user: parsed}
	return nil
}

// Freeze seals the registry. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Render fills the named template. Data must cover every placeholder.
func (r *Registry) Render(name string, data map[string]any) (*Rendered, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}

	var sb strings.Builder
	if err := e.user.Execute(&sb, data); err != nil {
		return nil, fmt.Errorf("render template %s: %w", name, err)
	}
	return &Rendered{System: e.system, User: sb.String()}, nil
}

// Names returns the registered template names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}
