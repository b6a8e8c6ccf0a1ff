package workflow

import (
	"context"
	"fmt"
	"regexp"
	"slices"

	"github.com/pitabwire/worktrail/internal/handler"
	"github.com/pitabwire/worktrail/model"
)

// FeatureEntityRoles lets entity names be used as responsibility names and
// roles. An entity resolves to the user whose person object it refers to.
const FeatureEntityRoles = "std:entities:roles"

var entityPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)@`)

// HasRole reports whether user holds role for this instance.
func (i *Instance) HasRole(ctx context.Context, user model.Principal, role string) (bool, error) {
	has, ok, err := handler.Dispatch(ctx, i.workflow.hasRole, i, func(fn HasRoleFunc) (bool, bool, error) {
		return fn(ctx, i, user, role)
	})
	if err != nil || !ok {
		return false, err
	}
	return has, nil
}

// HasAnyRole reports whether user holds at least one of roles.
func (i *Instance) HasAnyRole(ctx context.Context, user model.Principal, roles ...string) (bool, error) {
	for _, role := range roles {
		ok, err := i.HasRole(ctx, user, role)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func defaultHasRole(ctx context.Context, i *Instance, user model.Principal, role string) (bool, bool, error) {
	dir := i.engine.directory
	if _, ok := dir.Group(role); ok {
		return dir.IsMember(user.ID, role), true, nil
	}
	if role == RoleCreator {
		creator, err := i.subjectCreator(ctx)
		if err != nil {
			return false, false, err
		}
		return creator != "" && creator == user.ID, true, nil
	}
	return false, false, nil
}

func entityRolesFeature(w *Workflow, args any) error {
	if args != nil {
		return fmt.Errorf("%s takes no arguments, got %T", FeatureEntityRoles, args)
	}

	err := w.GetActionableBy(func(ctx context.Context, i *Instance, name, _ string) (model.Principal, bool, error) {
		if !i.workflow.entitySet.Has(name) {
			return model.Principal{}, false, nil
		}
		ref, err := i.entities.RefMaybe(ctx, name)
		if err != nil || ref == "" {
			return model.Principal{}, false, err
		}
		u, ok := i.engine.directory.UserByRef(ref)
		return u, ok, nil
	})
	if err != nil {
		return err
	}

	err = w.HasRole(func(ctx context.Context, i *Instance, user model.Principal, role string) (bool, bool, error) {
		if user.Ref == "" || !i.workflow.entitySet.Has(role) {
			return false, false, nil
		}
		refs, err := i.entities.RefList(ctx, role)
		if err != nil {
			return false, false, err
		}
		if slices.Contains(refs, user.Ref) {
			return true, true, nil
		}
		return false, false, nil
	})
	if err != nil {
		return err
	}

	// @name@ in text becomes the title of the entity's object.
	return w.TextInterpolate(func(ctx context.Context, i *Instance, text string) (string, error) {
		var failed error
		out := entityPattern.ReplaceAllStringFunc(text, func(m string) string {
			name := entityPattern.FindStringSubmatch(m)[1]
			if failed != nil || !i.workflow.entitySet.Has(name) {
				return m
			}
			obj, err := i.entities.Maybe(ctx, name)
			if err != nil {
				failed = err
				return m
			}
			if obj == nil {
				return ""
			}
			return obj.Title
		})
		return out, failed
	})
}
