package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/worktrail/internal/entities"
	"github.com/pitabwire/worktrail/internal/handler"
	"github.com/pitabwire/worktrail/internal/timeline"
	"github.com/pitabwire/worktrail/model"
)

// RoleCreator names the user who created the subject object.
const RoleCreator = "object:creator"

// updateActionableBy resolves name through $getActionableBy and makes the
// result responsible. Every object read during resolution is recorded as a
// dependency tag, so a later change to it can re-run resolution.
func (i *Instance) updateActionableBy(ctx context.Context, name, target string) (model.Principal, error) {
	i.entities.Reset()

	p, ok, err := handler.Dispatch(ctx, i.workflow.getActionableBy, i, func(fn GetActionableByFunc) (model.Principal, bool, error) {
		return fn(ctx, i, name, target)
	})
	if err != nil {
		return model.Principal{}, err
	}

	fallback := i.engine.fallback()
	outcome := "resolved"
	if !ok || p.IsZero() {
		i.log(ctx).Warn("no one is actionable, using fallback group",
			zap.String("actionable_by_name", name),
			zap.String("fallback_group", fallback.ID),
		)
		p = fallback
	}
	switch {
	case p.ID == fallback.ID:
		outcome = "fallback"
	case p.ID == i.rec.ActionableBy:
		outcome = "unchanged"
	}
	i.engine.metrics.RecordActionableBy(i.rec.WorkType, outcome)

	i.rec.ActionableBy = p.ID
	i.clearDependencyTags()
	if i.rec.Ref != "" && i.entities.Used() {
		i.rec.SetTag(model.DependencyTag(i.rec.Ref), model.DependencyTagValue)
		for _, ref := range i.entities.ObservedRefs() {
			i.rec.SetTag(model.DependencyTag(ref), model.DependencyTagValue)
		}
	}
	return p, nil
}

// CurrentActionableByName returns the responsibility name of the current
// state, or of the most recent state in the timeline that declares one.
func (i *Instance) CurrentActionableByName(ctx context.Context) (string, error) {
	if st, ok := i.StateDefinition(); ok && st.ActionableBy != "" {
		return st.ActionableBy, nil
	}
	for entry, err := range i.Timeline(ctx, timeline.Query{Descending: true}) {
		if err != nil {
			return "", err
		}
		if st, ok := i.workflow.StateDefinition(entry.State); ok && st.ActionableBy != "" {
			return st.ActionableBy, nil
		}
	}
	return "", nil
}

// RefreshActionableBy recomputes who is responsible and saves the record.
func (i *Instance) RefreshActionableBy(ctx context.Context) (model.Principal, error) {
	name, err := i.CurrentActionableByName(ctx)
	if err != nil {
		return model.Principal{}, err
	}
	if name == "" {
		return model.Principal{}, model.NewBadRequestError("no actionable by is declared for state " + i.State())
	}
	p, err := i.updateActionableBy(ctx, name, i.Target())
	if err != nil {
		return model.Principal{}, err
	}
	if err := i.save(ctx); err != nil {
		return model.Principal{}, err
	}
	return p, nil
}

// ActionableByPrincipal returns the responsible user or group. Unknown ids
// are reported as a bare principal.
func (i *Instance) ActionableByPrincipal() model.Principal {
	id := i.rec.ActionableBy
	if id == "" {
		return model.Principal{}
	}
	dir := i.engine.directory
	if u, ok := dir.User(id); ok {
		return u
	}
	if g, ok := dir.Group(id); ok {
		return g
	}
	return model.Principal{ID: id, Name: id}
}

// IsActionableBy reports whether user is responsible, directly or through
// group membership.
func (i *Instance) IsActionableBy(user model.Principal) bool {
	id := i.rec.ActionableBy
	if id == "" || user.ID == "" {
		return false
	}
	return user.ID == id || i.engine.directory.IsMember(user.ID, id)
}

func defaultGetActionableBy(ctx context.Context, i *Instance, name, _ string) (model.Principal, bool, error) {
	dir := i.engine.directory
	if g, ok := dir.Group(name); ok {
		return g, true, nil
	}
	if name == RoleCreator {
		creator, err := i.subjectCreator(ctx)
		if err != nil || creator == "" {
			return model.Principal{}, false, err
		}
		if u, ok := dir.User(creator); ok {
			return u, true, nil
		}
		return model.Principal{ID: creator, Kind: model.PrincipalUser, Name: creator}, true, nil
	}
	return i.engine.fallback(), true, nil
}

// subjectCreator reads the creator of the subject object through the
// entities, so the read is observed.
func (i *Instance) subjectCreator(ctx context.Context) (string, error) {
	obj, err := i.entities.Maybe(ctx, entities.SubjectEntity)
	if err != nil || obj == nil {
		return "", err
	}
	return obj.CreatedBy, nil
}
