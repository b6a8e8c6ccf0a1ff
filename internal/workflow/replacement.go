package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/pitabwire/worktrail/internal/entities"
	"github.com/pitabwire/worktrail/internal/timeline"
	"github.com/pitabwire/worktrail/model"
)

// FeatureEntityReplacement lets the refs of an entity be swapped for other
// objects on one work unit, for example a delegate standing in for an
// absent supervisor. Each replacement is declared as a new entity whose refs
// are those of the underlying entity with the work unit's replacements
// applied.
//
// Replacements and selections are recorded as ENTITY_REPLACE and
// ENTITY_SELECT timeline entries and read back from there.
const FeatureEntityReplacement = "std:entities:entity_replacement"

// SelectedEntityFlagPrefix starts the flag set for every selected ref of a
// replaceable entity: entity-selected_<entity>_<ref>.
const SelectedEntityFlagPrefix = "entity-selected_"

// Replacement declares a replaceable entity.
type Replacement struct {
	// Entity is the underlying entity whose refs may be replaced.
	Entity string
	// AssignableWhen selects when a replacement may be made.
	AssignableWhen Selector
	// SelectableWhen, if set, selects when refs of the entity may be
	// selected or deselected for the work.
	SelectableWhen *Selector
	// Types limits replacements to objects of these types. Empty allows
	// any type.
	Types []string
	// ListAll offers every ref of Entity instead of only the first.
	ListAll bool
}

// EntityReplacementOptions configures the entity replacement feature. The
// map key names the entity that resolves with replacements applied.
type EntityReplacementOptions struct {
	Replacements map[string]Replacement
}

// ReplaceableEntity is one ref of a replaceable entity on a work unit.
type ReplaceableEntity struct {
	Name        string `json:"name"`
	Entity      string `json:"entity"`
	Original    string `json:"original"`
	Replacement string `json:"replacement,omitempty"`
	Selected    bool   `json:"selected"`
	Assignable  bool   `json:"assignable"`
	Selectable  bool   `json:"selectable"`
}

type replaceData struct {
	EntityName  string `json:"entity_name"`
	Entity      string `json:"entity"`
	Replacement string `json:"replacement"`
}

type selectData struct {
	EntityName string   `json:"entity_name"`
	Selected   []string `json:"selected"`
}

func entityReplacementFeature(w *Workflow, args any) error {
	var opts EntityReplacementOptions
	switch a := args.(type) {
	case EntityReplacementOptions:
		opts = a
	case *EntityReplacementOptions:
		if a != nil {
			opts = *a
		}
	default:
		return fmt.Errorf("%s takes EntityReplacementOptions, got %T", FeatureEntityReplacement, args)
	}
	if len(opts.Replacements) == 0 {
		return fmt.Errorf("%s needs at least one replacement", FeatureEntityReplacement)
	}

	defs := make(map[string]entities.Definition, len(opts.Replacements))
	underlying := make(map[string]string, len(opts.Replacements))
	for name, r := range opts.Replacements {
		if _, ok := w.entityDefs[name]; ok || name == entities.SubjectEntity {
			return fmt.Errorf("replacement %q is already an entity", name)
		}
		if _, ok := w.entityDefs[r.Entity]; !ok && r.Entity != entities.SubjectEntity {
			return fmt.Errorf("replacement %q: unknown entity %q", name, r.Entity)
		}
		if other, dup := underlying[r.Entity]; dup {
			return fmt.Errorf("entity %q is replaced by both %q and %q", r.Entity, other, name)
		}
		underlying[r.Entity] = name
		defs[name] = replacedEntity(r.Entity)
	}
	if err := w.Entities(defs); err != nil {
		return err
	}
	w.replacements = maps.Clone(opts.Replacements)
	return w.ModifyFlags(selectedEntityFlags)
}

// replacedEntity resolves the refs of underlying with the owning instance's
// replacements applied. Without a saved instance nothing is replaced.
func replacedEntity(underlying string) entities.Definition {
	return func(ctx context.Context, e *entities.Entities) ([]string, error) {
		refs, err := e.RefList(ctx, underlying)
		if err != nil {
			return nil, err
		}
		inst, _ := e.Owner().(*Instance)
		if inst == nil || inst.rec.ID == 0 {
			return slices.Clone(refs), nil
		}
		log, err := inst.replacementLog(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(refs))
		for n, ref := range refs {
			out[n] = ref
			if r := log.replaced[replacementKey{underlying, ref}]; r != "" {
				out[n] = r
			}
		}
		return out, nil
	}
}

// selectedEntityFlags sets a flag per selected ref and clears it for
// deselected ones.
func selectedEntityFlags(ctx context.Context, i *Instance, flags Flags) error {
	rows, err := i.replacementRows(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		flag := SelectedEntityFlagPrefix + row.Entity + "_" + row.Original
		if row.Selected {
			flags.Set(flag)
		} else {
			flags.Unset(flag)
		}
	}
	return nil
}

type replacementKey struct {
	entity, ref string
}

// replacementState is the replacement history of a work unit folded into
// its current effect. An entity missing from selected has every ref
// selected.
type replacementState struct {
	replaced map[replacementKey]string
	selected map[string][]string
}

func (s replacementState) isSelected(entity, ref string) bool {
	refs, ok := s.selected[entity]
	return !ok || slices.Contains(refs, ref)
}

func (i *Instance) replacementLog(ctx context.Context) (replacementState, error) {
	state := replacementState{
		replaced: make(map[replacementKey]string),
		selected: make(map[string][]string),
	}
	for entry, err := range i.Timeline(ctx, timeline.Query{}) {
		if err != nil {
			return state, err
		}
		switch entry.Action {
		case model.ActionEntityReplace:
			var d replaceData
			if err := json.Unmarshal(entry.JSON, &d); err != nil {
				return state, fmt.Errorf("timeline entry %d: %w", entry.ID, err)
			}
			key := replacementKey{d.EntityName, d.Entity}
			if d.Replacement == "" {
				delete(state.replaced, key)
			} else {
				state.replaced[key] = d.Replacement
			}
		case model.ActionEntitySelect:
			var d selectData
			if err := json.Unmarshal(entry.JSON, &d); err != nil {
				return state, fmt.Errorf("timeline entry %d: %w", entry.ID, err)
			}
			state.selected[d.EntityName] = append([]string{}, d.Selected...)
		}
	}
	return state, nil
}

// replacementRows lists the offered refs of every replaceable entity with
// their replacement and selection. It evaluates no selectors, so it is safe
// to call while flags are being derived.
func (i *Instance) replacementRows(ctx context.Context) ([]ReplaceableEntity, error) {
	if len(i.workflow.replacements) == 0 {
		return nil, nil
	}
	log, err := i.replacementLog(ctx)
	if err != nil {
		return nil, err
	}

	var rows []ReplaceableEntity
	for _, name := range slices.Sorted(maps.Keys(i.workflow.replacements)) {
		r := i.workflow.replacements[name]
		refs, err := i.entities.RefList(ctx, r.Entity)
		if err != nil {
			return nil, err
		}
		if !r.ListAll && len(refs) > 1 {
			refs = refs[:1]
		}
		for _, ref := range refs {
			rows = append(rows, ReplaceableEntity{
				Name:        name,
				Entity:      r.Entity,
				Original:    ref,
				Replacement: log.replaced[replacementKey{r.Entity, ref}],
				Selected:    log.isSelected(r.Entity, ref),
			})
		}
	}
	return rows, nil
}

// EntityReplacements lists the refs that may be replaced on this work, with
// whether each can be replaced or selected right now.
func (i *Instance) EntityReplacements(ctx context.Context) ([]ReplaceableEntity, error) {
	if i.workflow.replacements == nil {
		return nil, model.NewBadRequestError("entity replacement is not enabled for " + i.rec.WorkType)
	}
	rows, err := i.replacementRows(ctx)
	if err != nil {
		return nil, err
	}

	assignable := make(map[string]bool, len(i.workflow.replacements))
	selectable := make(map[string]bool, len(i.workflow.replacements))
	for name, r := range i.workflow.replacements {
		if assignable[name], err = r.AssignableWhen.Matches(ctx, i); err != nil {
			return nil, err
		}
		if r.SelectableWhen != nil {
			if selectable[name], err = r.SelectableWhen.Matches(ctx, i); err != nil {
				return nil, err
			}
		}
	}
	for n := range rows {
		rows[n].Assignable = !i.rec.Closed && rows[n].Selected && assignable[rows[n].Name]
		rows[n].Selectable = !i.rec.Closed && selectable[rows[n].Name]
	}
	return rows, nil
}

// ReplaceEntity replaces the original ref of entity with replacement on this
// work. An empty replacement removes an earlier one. Responsibility is
// re-resolved afterwards, as it may follow the replaced entity.
func (i *Instance) ReplaceEntity(ctx context.Context, entity, original, replacement string) error {
	rows, err := i.EntityReplacements(ctx)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(rows, func(r ReplaceableEntity) bool {
		return r.Entity == entity && r.Original == original
	})
	if idx < 0 {
		return model.NewNotFoundError(fmt.Sprintf("entity %q has no replaceable ref %q", entity, original))
	}
	row := rows[idx]
	if !row.Assignable {
		return model.NewForbiddenError(fmt.Sprintf("entity %q cannot be replaced now", entity))
	}
	if row.Replacement == replacement {
		return nil
	}
	if replacement != "" {
		obj, err := i.engine.objects.Get(ctx, replacement)
		if err != nil {
			return err
		}
		if types := i.workflow.replacements[row.Name].Types; len(types) > 0 && !slices.Contains(types, obj.Type) {
			return model.NewBadRequestError(fmt.Sprintf("%s is a %s, not one of %v", replacement, obj.Type, types))
		}
	}

	_, err = i.AddTimelineEntry(ctx, model.ActionEntityReplace, map[string]any{
		"entity_name": entity,
		"entity":      original,
		"replacement": replacement,
	})
	if err != nil {
		return err
	}
	i.entities.Reset()
	i.invalidate()

	if _, err := i.AutoMove(ctx); err != nil {
		return fmt.Errorf("re-resolve responsibility after replacing %s: %w", entity, err)
	}
	return nil
}

// SelectEntities chooses which refs of entity take part in the work. Refs not
// listed are deselected.
func (i *Instance) SelectEntities(ctx context.Context, entity string, selected []string) error {
	rows, err := i.EntityReplacements(ctx)
	if err != nil {
		return err
	}
	var offered []string
	selectable := false
	for _, r := range rows {
		if r.Entity == entity {
			offered = append(offered, r.Original)
			selectable = r.Selectable
		}
	}
	if offered == nil {
		return model.NewNotFoundError(fmt.Sprintf("entity %q has no replaceable refs", entity))
	}
	if !selectable {
		return model.NewForbiddenError(fmt.Sprintf("entity %q cannot be selected now", entity))
	}
	for _, ref := range selected {
		if !slices.Contains(offered, ref) {
			return model.NewBadRequestError(fmt.Sprintf("%s is not a ref of entity %q", ref, entity))
		}
	}

	_, err = i.AddTimelineEntry(ctx, model.ActionEntitySelect, map[string]any{
		"entity_name": entity,
		"selected":    append([]string{}, selected...),
	})
	if err != nil {
		return err
	}
	i.invalidate()
	return nil
}
