// Package workflow binds workflow definitions to work records. An Instance
// is one work record seen through its workflow: it moves between states by
// transitions, derives flags from its timeline, and keeps its responsible
// party up to date.
package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/pitabwire/worktrail/internal/entities"
	"github.com/pitabwire/worktrail/internal/handler"
	"github.com/pitabwire/worktrail/model"
)

// Selector restricts a handler to instances in a particular situation.
type Selector = handler.Selector

// Initial is the state a new instance starts in. $start functions modify it.
type Initial struct {
	State  string
	Target string
}

// Event describes the transition a hook is being called for. For hooks run
// outside a transition, such as AUTOMOVE, Transition holds the system
// action.
type Event struct {
	Transition    string
	PreviousState string
}

// DispatchRequest is passed to $resolveDispatchDestination.
type DispatchRequest struct {
	Transition string
	State      string
	Target     string
	Candidates []string
}

// Destination is what $resolveTransitionDestination chooses. A nil Target
// keeps the instance's current target.
type Destination struct {
	State  string
	Target *string
}

// Function list signatures. A function reports an undefined result by
// returning false, letting an earlier registered function answer.
type (
	StartFunc           func(ctx context.Context, inst *Instance, initial *Initial, props map[string]any) error
	TaskTitleFunc       func(ctx context.Context, inst *Instance) (string, bool, error)
	GetActionableByFunc func(ctx context.Context, inst *Instance, name, target string) (model.Principal, bool, error)
	HasRoleFunc         func(ctx context.Context, inst *Instance, user model.Principal, role string) (bool, bool, error)
	TextFunc            func(ctx context.Context, inst *Instance, key string) (string, bool, error)
	TextInterpolateFunc func(ctx context.Context, inst *Instance, text string) (string, error)
	ModifyFlagsFunc     func(ctx context.Context, inst *Instance, flags Flags) error
)

// Handler list signatures. Handlers carry a Selector.
type (
	Hook                   func(ctx context.Context, inst *Instance, ev Event) error
	ResolveDispatchFunc    func(ctx context.Context, inst *Instance, req DispatchRequest) (string, bool, error)
	ResolveDestinationFunc func(ctx context.Context, inst *Instance, name string, candidates []string, target string) (Destination, bool, error)
	FilterTransitionFunc   func(ctx context.Context, inst *Instance, name string) (bool, bool, error)
)

// Workflow is one implemented workflow type: its state table, text and
// extension points. It is configured during startup and read-only once the
// registry is sealed.
type Workflow struct {
	name        string
	description string
	registry    *Registry

	states     map[string]model.StateDefinition
	textLookup map[string]string
	entityDefs map[string]entities.Definition
	entitySet  *entities.Set
	features   []string
	notes      *NotesOptions
	sealed     bool

	entityTags   []string
	replacements map[string]Replacement

	start           *handler.Chain[StartFunc]
	taskTitle       *handler.Chain[TaskTitleFunc]
	getActionableBy *handler.Chain[GetActionableByFunc]
	hasRole         *handler.Chain[HasRoleFunc]
	text            *handler.Chain[TextFunc]
	textInterpolate *handler.Chain[TextInterpolateFunc]
	modifyFlags     *handler.Chain[ModifyFlagsFunc]

	preWorkUnitSave              *handler.Chain[Hook]
	setWorkUnitProperties        *handler.Chain[Hook]
	observeEnter                 *handler.Chain[Hook]
	observeExit                  *handler.Chain[Hook]
	observeFinish                *handler.Chain[Hook]
	transitionComplete           *handler.Chain[Hook]
	resolveDispatchDestination   *handler.Chain[ResolveDispatchFunc]
	resolveTransitionDestination *handler.Chain[ResolveDestinationFunc]
	filterTransition             *handler.Chain[FilterTransitionFunc]
}

func newWorkflow(r *Registry, name, description string) *Workflow {
	w := &Workflow{
		name:        name,
		description: description,
		registry:    r,
		states:      make(map[string]model.StateDefinition),
		textLookup:  make(map[string]string),
		entityDefs:  make(map[string]entities.Definition),

		start:           handler.NewChain[StartFunc]("$start"),
		taskTitle:       handler.NewChain[TaskTitleFunc]("$taskTitle"),
		getActionableBy: handler.NewChain[GetActionableByFunc]("$getActionableBy"),
		hasRole:         handler.NewChain[HasRoleFunc]("$hasRole"),
		text:            handler.NewChain[TextFunc]("$text"),
		textInterpolate: handler.NewChain[TextInterpolateFunc]("$textInterpolate"),
		modifyFlags:     handler.NewChain[ModifyFlagsFunc]("$modifyFlags"),

		preWorkUnitSave:              handler.NewChain[Hook]("$preWorkUnitSave"),
		setWorkUnitProperties:        handler.NewChain[Hook]("$setWorkUnitProperties"),
		observeEnter:                 handler.NewChain[Hook]("$observeEnter"),
		observeExit:                  handler.NewChain[Hook]("$observeExit"),
		observeFinish:                handler.NewChain[Hook]("$observeFinish"),
		transitionComplete:           handler.NewChain[Hook]("$transitionComplete"),
		resolveDispatchDestination:   handler.NewChain[ResolveDispatchFunc]("$resolveDispatchDestination"),
		resolveTransitionDestination: handler.NewChain[ResolveDestinationFunc]("$resolveTransitionDestination"),
		filterTransition:             handler.NewChain[FilterTransitionFunc]("$filterTransition"),
	}

	// Fallbacks sit at the bottom of their lists, so anything a workflow
	// registers overrides them.
	_ = w.taskTitle.Append(defaultTaskTitle)
	_ = w.getActionableBy.Append(defaultGetActionableBy)
	_ = w.hasRole.Append(defaultHasRole)
	_ = w.text.Append(defaultText)
	_ = w.textInterpolate.Append(interpolateNames)
	return w
}

// Name returns the work type name.
func (w *Workflow) Name() string { return w.name }

// Description returns the human readable description.
func (w *Workflow) Description() string { return w.description }

// StateDefinition returns the definition of state.
func (w *Workflow) StateDefinition(state string) (model.StateDefinition, bool) {
	s, ok := w.states[state]
	return s, ok
}

// StateNames returns every declared state.
func (w *Workflow) StateNames() []string {
	return slices.Sorted(maps.Keys(w.states))
}

// Uses reports whether the named feature has been applied.
func (w *Workflow) Uses(feature string) bool {
	for _, f := range w.features {
		if f == feature {
			return true
		}
	}
	return false
}

// EntityNames returns the entities available to instances.
func (w *Workflow) EntityNames() []string {
	if w.entitySet != nil {
		return w.entitySet.Names()
	}
	names := []string{entities.SubjectEntity}
	for n := range w.entityDefs {
		names = append(names, n)
	}
	return names
}

func (w *Workflow) checkOpen(what string) error {
	if w.sealed {
		return model.NewRegistrySealedError(what + " for " + w.name)
	}
	return nil
}

// States adds or replaces state definitions.
func (w *Workflow) States(states map[string]model.StateDefinition) error {
	if err := w.checkOpen("states"); err != nil {
		return err
	}
	maps.Copy(w.states, states)
	return nil
}

// TextTable adds entries to the declarative text table consulted by the
// fallback $text function.
func (w *Workflow) TextTable(text map[string]string) error {
	if err := w.checkOpen("text"); err != nil {
		return err
	}
	maps.Copy(w.textLookup, text)
	return nil
}

// Entities adds entity definitions.
func (w *Workflow) Entities(defs map[string]entities.Definition) error {
	if err := w.checkOpen("entities"); err != nil {
		return err
	}
	for name, def := range defs {
		if name == entities.SubjectEntity {
			return fmt.Errorf("workflow %s: entity %q is built in", w.name, name)
		}
		w.entityDefs[name] = def
	}
	return nil
}

// Use applies a registered feature with optional arguments.
func (w *Workflow) Use(name string, args any) error {
	if err := w.checkOpen("feature " + name); err != nil {
		return err
	}
	feature, ok := w.registry.feature(name)
	if !ok {
		return fmt.Errorf("workflow %s: no workflow feature %q", w.name, name)
	}
	if w.Uses(name) {
		return fmt.Errorf("workflow %s: feature %q already in use", w.name, name)
	}
	if err := feature(w, args); err != nil {
		return fmt.Errorf("workflow %s: feature %s: %w", w.name, name, err)
	}
	w.features = append(w.features, name)
	return nil
}

// Function list registration.

func (w *Workflow) Start(fn StartFunc) error                     { return w.start.Append(fn) }
func (w *Workflow) TaskTitle(fn TaskTitleFunc) error             { return w.taskTitle.Append(fn) }
func (w *Workflow) GetActionableBy(fn GetActionableByFunc) error { return w.getActionableBy.Append(fn) }
func (w *Workflow) HasRole(fn HasRoleFunc) error                 { return w.hasRole.Append(fn) }
func (w *Workflow) Text(fn TextFunc) error                       { return w.text.Append(fn) }
func (w *Workflow) TextInterpolate(fn TextInterpolateFunc) error { return w.textInterpolate.Append(fn) }
func (w *Workflow) ModifyFlags(fn ModifyFlagsFunc) error         { return w.modifyFlags.Append(fn) }

// Handler list registration.

func (w *Workflow) PreWorkUnitSave(sel Selector, fn Hook) error {
	return w.preWorkUnitSave.Register(sel, fn)
}

func (w *Workflow) SetWorkUnitProperties(sel Selector, fn Hook) error {
	return w.setWorkUnitProperties.Register(sel, fn)
}

func (w *Workflow) ObserveEnter(sel Selector, fn Hook) error {
	return w.observeEnter.Register(sel, fn)
}

func (w *Workflow) ObserveExit(sel Selector, fn Hook) error {
	return w.observeExit.Register(sel, fn)
}

func (w *Workflow) ObserveFinish(sel Selector, fn Hook) error {
	return w.observeFinish.Register(sel, fn)
}

// TransitionComplete handlers are selected against the state before a
// transition and run after it has been saved and recorded.
func (w *Workflow) TransitionComplete(sel Selector, fn Hook) error {
	return w.transitionComplete.Register(sel, fn)
}

func (w *Workflow) ResolveDispatchDestination(sel Selector, fn ResolveDispatchFunc) error {
	return w.resolveDispatchDestination.Register(sel, fn)
}

func (w *Workflow) ResolveTransitionDestination(sel Selector, fn ResolveDestinationFunc) error {
	return w.resolveTransitionDestination.Register(sel, fn)
}

func (w *Workflow) FilterTransition(sel Selector, fn FilterTransitionFunc) error {
	return w.filterTransition.Register(sel, fn)
}

// seal builds the entity set and freezes every chain.
func (w *Workflow) seal() error {
	set, err := entities.NewSet(w.entityDefs)
	if err != nil {
		return fmt.Errorf("workflow %s: %w", w.name, err)
	}
	w.entitySet = set
	w.sealed = true

	w.start.Seal()
	w.taskTitle.Seal()
	w.getActionableBy.Seal()
	w.hasRole.Seal()
	w.text.Seal()
	w.textInterpolate.Seal()
	w.modifyFlags.Seal()
	w.preWorkUnitSave.Seal()
	w.setWorkUnitProperties.Seal()
	w.observeEnter.Seal()
	w.observeExit.Seal()
	w.observeFinish.Seal()
	w.transitionComplete.Seal()
	w.resolveDispatchDestination.Seal()
	w.resolveTransitionDestination.Seal()
	w.filterTransition.Seal()
	return nil
}
