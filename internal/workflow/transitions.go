package workflow

import (
	"context"
	"slices"

	"github.com/pitabwire/worktrail/internal/handler"
	"github.com/pitabwire/worktrail/model"
)

// Transition indicators.
const (
	IndicatorStandard = "standard"
)

// resolvedTransition is an available transition with its destination
// chosen.
type resolvedTransition struct {
	name              string
	destination       string
	destinationTarget string
}

// TransitionView describes one transition available from the current state.
type TransitionView struct {
	Name              string `json:"name"`
	Destination       string `json:"destination"`
	DestinationTarget string `json:"destination_target,omitempty"`
	Label             string `json:"label"`
	Notes             string `json:"notes,omitempty"`
	Indicator         string `json:"indicator"`
	ConfirmText       string `json:"confirm_text,omitempty"`
}

// resolveTransitions lists the transitions callers may use now. Memoized
// with the flags.
func (i *Instance) resolveTransitions(ctx context.Context) ([]resolvedTransition, error) {
	if i.listValid {
		return i.transitions, nil
	}

	st, ok := i.StateDefinition()
	if !ok {
		return nil, model.NewDefinitionIntegrityError("Workflow does not have state: " + i.State())
	}

	var list []resolvedTransition
	for _, t := range st.Transitions {
		destination, target, err := i.resolveDestination(ctx, t)
		if err != nil {
			return nil, err
		}
		allowed, defined, err := handler.Dispatch(ctx, i.workflow.filterTransition, i, func(fn FilterTransitionFunc) (bool, bool, error) {
			return fn(ctx, i, t.Name)
		})
		if err != nil {
			return nil, err
		}
		if defined && !allowed {
			continue
		}
		list = append(list, resolvedTransition{name: t.Name, destination: destination, destinationTarget: target})
	}

	i.transitions = list
	i.listValid = true
	return list, nil
}

func (i *Instance) resolveDestination(ctx context.Context, t model.TransitionDefinition) (string, string, error) {
	dest, defined, err := handler.Dispatch(ctx, i.workflow.resolveTransitionDestination, i, func(fn ResolveDestinationFunc) (Destination, bool, error) {
		return fn(ctx, i, t.Name, slices.Clone(t.Destinations), i.Target())
	})
	if err != nil {
		return "", "", err
	}
	if !defined || dest.State == "" {
		return t.Destinations[0], i.Target(), nil
	}
	if !t.Allows(dest.State) {
		return "", "", model.NewDefinitionIntegrityError("Bad workflow destination resolution: " + dest.State + " for " + t.Name)
	}
	target := i.Target()
	if dest.Target != nil {
		target = *dest.Target
	}
	return dest.State, target, nil
}

// transitionProperties finds name among the available transitions. A name
// declared twice resolves to the later declaration.
func (i *Instance) transitionProperties(ctx context.Context, name string) (resolvedTransition, bool, error) {
	list, err := i.resolveTransitions(ctx)
	if err != nil {
		return resolvedTransition{}, false, err
	}
	for n := len(list) - 1; n >= 0; n-- {
		if list[n].name == name {
			return list[n], true, nil
		}
	}
	return resolvedTransition{}, false, nil
}

// Transitions returns the transitions available from the current state with
// their display text.
func (i *Instance) Transitions(ctx context.Context) ([]TransitionView, error) {
	list, err := i.resolveTransitions(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]TransitionView, 0, len(list))
	for _, t := range list {
		v, err := i.describeTransition(ctx, t)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// HasTransition reports whether name is available now.
func (i *Instance) HasTransition(ctx context.Context, name string) (bool, error) {
	_, ok, err := i.transitionProperties(ctx, name)
	return ok, err
}

func (i *Instance) describeTransition(ctx context.Context, t resolvedTransition) (TransitionView, error) {
	v := TransitionView{
		Name:              t.name,
		Destination:       t.destination,
		DestinationTarget: t.destinationTarget,
		Indicator:         IndicatorStandard,
	}
	var err error
	if v.Label, err = i.Text(ctx, []string{"transition"}, t.name, i.State()); err != nil {
		return v, err
	}
	if v.Notes, _, err = i.TextMaybe(ctx, []string{"transition-notes"}, t.name, i.State()); err != nil {
		return v, err
	}
	indicator, ok, err := i.TextMaybe(ctx, []string{"transition-indicator"}, t.name, i.State())
	if err != nil {
		return v, err
	}
	if ok {
		v.Indicator = indicator
	}
	if v.ConfirmText, _, err = i.TextMaybe(ctx, []string{"transition-confirm", "transition-notes"}, t.name, i.State()); err != nil {
		return v, err
	}
	return v, nil
}
