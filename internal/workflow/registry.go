package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/pitabwire/worktrail/internal/entities"
	"github.com/pitabwire/worktrail/model"
)

// ServiceNotifyTransition is called after every completed transition.
const ServiceNotifyTransition = "workflow:notify:transition"

// Feature installs reusable behaviour into a workflow. args carries
// feature-specific options and may be nil.
type Feature func(w *Workflow, args any) error

// ServiceFunc receives a transition notification.
type ServiceFunc func(ctx context.Context, inst *Instance, transition, previousState string) error

// Registry holds every implemented workflow, the features they can use and
// the services they notify. It is built during startup and sealed before the
// first request; after Seal it is safe for concurrent reads.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	features  map[string]Feature
	options   map[string]any
	services  map[string]ServiceFunc
	names     map[string]string
	sealed    bool
}

// NewRegistry creates a registry with the standard features installed.
func NewRegistry() *Registry {
	r := &Registry{
		workflows: make(map[string]*Workflow),
		features:  make(map[string]Feature),
		options:   make(map[string]any),
		services:  make(map[string]ServiceFunc),
		names:     make(map[string]string),
	}
	r.features[FeatureNotes] = notesFeature
	r.features[FeatureEntityRoles] = entityRolesFeature
	r.features[FeatureEntityTags] = entityTagsFeature
	r.features[FeatureEntityReplacement] = entityReplacementFeature
	return r
}

// Implement creates a workflow from a loaded definition, applying its
// states, text, entities and features.
func (r *Registry) Implement(def model.WorkflowDefinition) (*Workflow, error) {
	w, err := r.ImplementWorkflow(def.Name, def.Description)
	if err != nil {
		return nil, err
	}
	if err := w.States(def.States); err != nil {
		return nil, err
	}
	if err := w.TextTable(def.Text); err != nil {
		return nil, err
	}
	paths := make(map[string]entities.Definition, len(def.Entities))
	for name, p := range def.Entities {
		paths[name] = entities.Path(p.Source, p.Attribute)
	}
	if err := w.Entities(paths); err != nil {
		return nil, err
	}
	for _, f := range def.Features {
		if err := w.Use(f, r.featureOptions(f)); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// ImplementAll implements every definition, stopping at the first failure.
func (r *Registry) ImplementAll(defs []model.WorkflowDefinition) error {
	for _, def := range defs {
		if _, err := r.Implement(def); err != nil {
			return err
		}
	}
	return nil
}

// ImplementWorkflow creates an empty workflow to be configured in code.
func (r *Registry) ImplementWorkflow(name, description string) (*Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return nil, model.NewRegistrySealedError("workflow " + name)
	}
	if name == "" {
		return nil, model.NewDefinitionIntegrityError("workflow name is required")
	}
	if _, exists := r.workflows[name]; exists {
		return nil, model.NewDefinitionIntegrityError(fmt.Sprintf("workflow %q is already implemented", name))
	}
	w := newWorkflow(r, name, description)
	r.workflows[name] = w
	return w, nil
}

// RegisterFeature makes a feature available to Workflow.Use.
func (r *Registry) RegisterFeature(name string, f Feature) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return model.NewRegistrySealedError("feature " + name)
	}
	if _, exists := r.features[name]; exists {
		return fmt.Errorf("feature %q is already registered", name)
	}
	r.features[name] = f
	return nil
}

// SetFeatureOptions sets the arguments passed to a feature when a loaded
// definition lists it. Call it before Implement.
func (r *Registry) SetFeatureOptions(name string, args any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return model.NewRegistrySealedError("feature options " + name)
	}
	if _, ok := r.features[name]; !ok {
		return fmt.Errorf("no workflow feature %q", name)
	}
	r.options[name] = args
	return nil
}

func (r *Registry) featureOptions(name string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.options[name]
}

func (r *Registry) feature(name string) (Feature, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.features[name]
	return f, ok
}

// ImplementService subscribes fn to a named service. Each service has at
// most one subscriber.
func (r *Registry) ImplementService(name string, fn ServiceFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return model.NewRegistrySealedError("service " + name)
	}
	if _, exists := r.services[name]; exists {
		return model.NewServiceAlreadyImplementedError(name)
	}
	r.services[name] = fn
	return nil
}

// Service returns the subscriber of a service.
func (r *Registry) Service(name string) (ServiceFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.services[name]
	return fn, ok
}

// SetNames adds display names used when text contains NAME(key).
func (r *Registry) SetNames(names map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return model.NewRegistrySealedError("names")
	}
	maps.Copy(r.names, names)
	return nil
}

func (r *Registry) displayName(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.names[key]; ok {
		return n
	}
	return key
}

// Seal freezes the registry and every workflow in it.
func (r *Registry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return nil
	}
	for _, name := range slices.Sorted(maps.Keys(r.workflows)) {
		if err := r.workflows[name].seal(); err != nil {
			return err
		}
	}
	r.sealed = true
	return nil
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Get returns the workflow implementing workType.
func (r *Registry) Get(workType string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[workType]
	return w, ok
}

// Lookup is Get returning WORKFLOW_NOT_FOUND for unknown types.
func (r *Registry) Lookup(workType string) (*Workflow, error) {
	w, ok := r.Get(workType)
	if !ok {
		return nil, model.NewWorkflowNotFoundError(workType)
	}
	return w, nil
}

// WorkTypes returns every implemented work type, sorted.
func (r *Registry) WorkTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.workflows))
}
