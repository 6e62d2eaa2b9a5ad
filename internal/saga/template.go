package saga

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrTemplateNotFound = errors.New("saga template not found")

// StepDefinition is one entry of a template's ordered step list. Business and
// compensation steps share the shape; the flag distinguishes them.
type StepDefinition struct {
	Name                 string         `yaml:"name" json:"name"`
	Type                 StepType       `yaml:"type" json:"type"`
	ServiceName          string         `yaml:"service" json:"service_name"`
	Endpoint             string         `yaml:"endpoint" json:"endpoint"`
	CompensationEndpoint string         `yaml:"compensation_endpoint" json:"compensation_endpoint,omitempty"`
	MaxRetries           int            `yaml:"max_retries" json:"max_retries"`
	TimeoutSeconds       int            `yaml:"timeout_seconds" json:"timeout_seconds"`
	Optional             bool           `yaml:"optional" json:"optional"`
	CompensationStep     bool           `yaml:"compensation_step" json:"compensation_step"`
	DefaultInput         map[string]any `yaml:"default_input" json:"default_input,omitempty"`
}

// Template is an immutable blueprint for a class of saga.
type Template struct {
	Name        string           `yaml:"name" json:"template_name"`
	Description string           `yaml:"description" json:"description"`
	Version     int              `yaml:"version" json:"version"`
	Steps       []StepDefinition `yaml:"steps" json:"step_definitions"`
}

func (t Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template name is required")
	}
	if t.Version <= 0 {
		return fmt.Errorf("template %s: version must be positive", t.Name)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %s: at least one step is required", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Steps))
	for i, step := range t.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("template %s: step %d name is required", t.Name, i)
		}
		if _, exists := seen[step.Name]; exists {
			return fmt.Errorf("template %s: duplicate step %s", t.Name, step.Name)
		}
		seen[step.Name] = struct{}{}
		if strings.TrimSpace(step.Endpoint) == "" {
			return fmt.Errorf("template %s: step %s endpoint is required", t.Name, step.Name)
		}
		if step.MaxRetries < 0 {
			return fmt.Errorf("template %s: step %s max_retries must not be negative", t.Name, step.Name)
		}
		if step.TimeoutSeconds <= 0 {
			return fmt.Errorf("template %s: step %s timeout_seconds must be positive", t.Name, step.Name)
		}
	}
	return nil
}

// Registry is a read-mostly name -> template map. Templates cannot be
// replaced once registered; in-flight sagas keep their own step snapshot.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]Template)}
}

func (r *Registry) Register(t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.templates[t.Name]; exists {
		return fmt.Errorf("template %s already registered", t.Name)
	}
	// own copy, so caller mutations cannot reach registered templates
	t.Steps = copySteps(t.Steps)
	r.templates[t.Name] = t
	return nil
}

func copySteps(steps []StepDefinition) []StepDefinition {
	out := make([]StepDefinition, len(steps))
	for i, def := range steps {
		def.DefaultInput = cloneData(def.DefaultInput)
		out[i] = def
	}
	return out
}

func (r *Registry) Resolve(name string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	t.Steps = copySteps(t.Steps)
	return t, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.templates))
	for name := range r.templates {
		out = append(out, name)
	}
	return out
}
