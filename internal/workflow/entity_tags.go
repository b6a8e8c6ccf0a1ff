package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/worktrail/internal/entities"
	"github.com/pitabwire/worktrail/model"
)

// FeatureEntityTags keeps a record tag per named entity holding the entity's
// first ref, so work can be found by the people and objects it involves. The
// feature takes the entity names as a []string.
const FeatureEntityTags = "std:entities:tags"

func entityTagsFeature(w *Workflow, args any) error {
	var names []string
	switch a := args.(type) {
	case nil:
	case []string:
		names = a
	default:
		return fmt.Errorf("%s takes a []string of entity names, got %T", FeatureEntityTags, args)
	}
	if len(names) == 0 {
		return nil
	}

	for _, name := range names {
		if name == model.TagState || name == model.TagTarget || strings.HasSuffix(name, model.DependencyTagSuffix) {
			return fmt.Errorf("entity %q would overwrite a reserved tag", name)
		}
		if _, ok := w.entityDefs[name]; !ok && name != entities.SubjectEntity {
			return fmt.Errorf("unknown entity %q", name)
		}
	}
	w.entityTags = slices.Clone(names)

	return w.PreWorkUnitSave(Selector{}, func(ctx context.Context, i *Instance, _ Event) error {
		return i.UpdateEntityTags(ctx)
	})
}

// UpdateEntityTags sets the entity tags on the record without saving it. An
// entity with no value removes its tag.
func (i *Instance) UpdateEntityTags(ctx context.Context) error {
	for _, name := range i.workflow.entityTags {
		ref, err := i.entities.RefMaybe(ctx, name)
		if err != nil {
			return err
		}
		if ref == "" {
			delete(i.rec.Tags, name)
			continue
		}
		i.rec.SetTag(name, ref)
	}
	return nil
}
