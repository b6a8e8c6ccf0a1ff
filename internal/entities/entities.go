// Package entities resolves named, related objects for a workflow instance
// and records every ref read while doing so.
//
// Every read goes through an observation set. After a computation such as
// responsibility resolution, ObservedRefs reports exactly the objects whose
// change could alter its result.
package entities

import (
	"context"
	"fmt"
	"slices"

	"github.com/pitabwire/worktrail/model"
)

// SubjectEntity names the built-in entity for the object the work record is
// about.
const SubjectEntity = "object"

// Loader loads objects by ref.
type Loader interface {
	Get(ctx context.Context, ref string) (model.Object, error)
}

// Definition computes the refs making up an entity. It may read other
// entities through e.
type Definition func(ctx context.Context, e *Entities) ([]string, error)

// Path defines an entity as the values of attribute on the first object of
// the source entity.
func Path(source, attribute string) Definition {
	return func(ctx context.Context, e *Entities) ([]string, error) {
		obj, err := e.Maybe(ctx, source)
		if err != nil || obj == nil {
			return nil, err
		}
		return slices.Clone(obj.Every(attribute)), nil
	}
}

// Set is the immutable collection of entity definitions of one workflow.
type Set struct {
	defs map[string]Definition
}

// NewSet builds a set. The subject entity is always present and cannot be
// redefined.
func NewSet(defs map[string]Definition) (*Set, error) {
	s := &Set{defs: make(map[string]Definition, len(defs))}
	for name, def := range defs {
		if name == SubjectEntity {
			return nil, fmt.Errorf("entity %q is built in", SubjectEntity)
		}
		if def == nil {
			return nil, fmt.Errorf("entity %q has no definition", name)
		}
		s.defs[name] = def
	}
	return s, nil
}

// Has reports whether name is a defined entity.
func (s *Set) Has(name string) bool {
	if name == SubjectEntity {
		return true
	}
	_, ok := s.defs[name]
	return ok
}

// Names returns the defined entity names, sorted.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.defs)+1)
	names = append(names, SubjectEntity)
	for n := range s.defs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Bind returns the entities of one instance.
func (s *Set) Bind(loader Loader, subjectRef string) *Entities {
	return &Entities{
		set:        s,
		loader:     loader,
		subjectRef: subjectRef,
		values:     make(map[string][]string),
		objects:    make(map[string]model.Object),
	}
}

// Entities holds the lazily computed entities of one instance. Not safe for
// concurrent use.
type Entities struct {
	set        *Set
	loader     Loader
	subjectRef string
	owner      any

	values    map[string][]string
	objects   map[string]model.Object
	computing []string
}

// WithOwner records what the entities belong to, typically a workflow
// instance, so definitions can reach it through Owner.
func (e *Entities) WithOwner(owner any) *Entities {
	e.owner = owner
	return e
}

// Owner returns the value given to WithOwner, or nil.
func (e *Entities) Owner() any { return e.owner }

// Reset discards every cached value, so the next reads are observed afresh.
func (e *Entities) Reset() {
	clear(e.values)
	clear(e.objects)
}

// Used reports whether any entity has been read since the last Reset.
func (e *Entities) Used() bool {
	return len(e.values) > 0
}

// RefList returns every ref of the named entity.
func (e *Entities) RefList(ctx context.Context, name string) ([]string, error) {
	if refs, ok := e.values[name]; ok {
		return refs, nil
	}

	var refs []string
	switch {
	case name == SubjectEntity:
		if e.subjectRef != "" {
			refs = []string{e.subjectRef}
		}
	default:
		def, ok := e.set.defs[name]
		if !ok {
			return nil, fmt.Errorf("unknown entity %q", name)
		}
		if slices.Contains(e.computing, name) {
			return nil, fmt.Errorf("entity %q depends on itself", name)
		}
		e.computing = append(e.computing, name)
		var err error
		refs, err = def(ctx, e)
		e.computing = e.computing[:len(e.computing)-1]
		if err != nil {
			return nil, fmt.Errorf("entity %q: %w", name, err)
		}
	}

	if refs == nil {
		refs = []string{}
	}
	e.values[name] = refs
	return refs, nil
}

// RefMaybe returns the first ref of the named entity, or "".
func (e *Entities) RefMaybe(ctx context.Context, name string) (string, error) {
	refs, err := e.RefList(ctx, name)
	if err != nil || len(refs) == 0 {
		return "", err
	}
	return refs[0], nil
}

// Ref returns the first ref of the named entity and fails if there is none.
func (e *Entities) Ref(ctx context.Context, name string) (string, error) {
	ref, err := e.RefMaybe(ctx, name)
	if err != nil {
		return "", err
	}
	if ref == "" {
		return "", model.NewNotFoundError(fmt.Sprintf("entity %q has no value", name))
	}
	return ref, nil
}

// Maybe loads the first object of the named entity, or returns nil.
func (e *Entities) Maybe(ctx context.Context, name string) (*model.Object, error) {
	ref, err := e.RefMaybe(ctx, name)
	if err != nil || ref == "" {
		return nil, err
	}
	obj, err := e.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

// List loads every object of the named entity.
func (e *Entities) List(ctx context.Context, name string) ([]model.Object, error) {
	refs, err := e.RefList(ctx, name)
	if err != nil {
		return nil, err
	}
	objs := make([]model.Object, 0, len(refs))
	for _, ref := range refs {
		obj, err := e.load(ctx, ref)
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func (e *Entities) load(ctx context.Context, ref string) (model.Object, error) {
	if obj, ok := e.objects[ref]; ok {
		return obj, nil
	}
	obj, err := e.loader.Get(ctx, ref)
	if err != nil {
		return model.Object{}, fmt.Errorf("load %s: %w", ref, err)
	}
	e.objects[ref] = obj
	return obj, nil
}

// Values returns a copy of the entity values read since the last Reset.
func (e *Entities) Values() map[string][]string {
	out := make(map[string][]string, len(e.values))
	for k, v := range e.values {
		out[k] = slices.Clone(v)
	}
	return out
}

// ObservedRefs returns every distinct ref read since the last Reset, sorted.
func (e *Entities) ObservedRefs() []string {
	var refs []string
	for _, v := range e.values {
		refs = append(refs, v...)
	}
	for ref := range e.objects {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	return slices.Compact(refs)
}
