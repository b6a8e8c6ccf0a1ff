package entities

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/worktrail/model"
)

type mapLoader struct {
	objects map[string]model.Object
	loads   int
}

func (l *mapLoader) Get(_ context.Context, ref string) (model.Object, error) {
	l.loads++
	obj, ok := l.objects[ref]
	if !ok {
		return model.Object{}, model.NewNotFoundError("object " + ref)
	}
	return obj, nil
}

func fixture() *mapLoader {
	return &mapLoader{objects: map[string]model.Object{
		"claim-1": {Ref: "claim-1", CreatedBy: "user-carol", Attributes: map[string][]string{
			"claimant":  {"person-carol"},
			"reviewers": {"person-alice", "person-bob"},
		}},
		"person-carol": {Ref: "person-carol", Attributes: map[string][]string{"supervisor": {"person-alice"}}},
		"person-alice": {Ref: "person-alice"},
		"person-bob":   {Ref: "person-bob"},
	}}
}

func claimSet(t *testing.T) *Set {
	t.Helper()
	set, err := NewSet(map[string]Definition{
		"claimant":   Path(SubjectEntity, "claimant"),
		"supervisor": Path("claimant", "supervisor"),
		"reviewers":  Path(SubjectEntity, "reviewers"),
	})
	require.NoError(t, err)
	return set
}

func TestEntities_subject(t *testing.T) {
	e := claimSet(t).Bind(fixture(), "claim-1")
	ctx := context.Background()

	ref, err := e.Ref(ctx, SubjectEntity)
	require.NoError(t, err)
	require.Equal(t, "claim-1", ref)

	obj, err := e.Maybe(ctx, SubjectEntity)
	require.NoError(t, err)
	require.Equal(t, "user-carol", obj.CreatedBy)
}

func TestEntities_pathFollowsHops(t *testing.T) {
	e := claimSet(t).Bind(fixture(), "claim-1")
	ctx := context.Background()

	ref, err := e.RefMaybe(ctx, "supervisor")
	require.NoError(t, err)
	require.Equal(t, "person-alice", ref)

	// supervisor read claimant, which read the subject.
	require.Equal(t, []string{"claim-1", "person-alice", "person-carol"}, e.ObservedRefs())
	require.ElementsMatch(t, []string{"object", "claimant", "supervisor"}, keys(e.Values()))
}

func TestEntities_listFanOut(t *testing.T) {
	e := claimSet(t).Bind(fixture(), "claim-1")
	objs, err := e.List(context.Background(), "reviewers")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Contains(t, e.ObservedRefs(), "person-bob")
}

func TestEntities_cachesUntilReset(t *testing.T) {
	loader := fixture()
	e := claimSet(t).Bind(loader, "claim-1")
	ctx := context.Background()

	_, _ = e.Maybe(ctx, "claimant")
	_, _ = e.Maybe(ctx, "claimant")
	require.Equal(t, 2, loader.loads, "claim-1 and person-carol loaded once each")
	require.True(t, e.Used())

	e.Reset()
	require.False(t, e.Used())
	require.Empty(t, e.ObservedRefs())

	_, _ = e.Maybe(ctx, "claimant")
	require.Equal(t, 4, loader.loads)
}

func TestEntities_noSubject(t *testing.T) {
	e := claimSet(t).Bind(fixture(), "")
	ctx := context.Background()

	ref, err := e.RefMaybe(ctx, "supervisor")
	require.NoError(t, err)
	require.Empty(t, ref)

	_, err = e.Ref(ctx, "supervisor")
	require.Equal(t, model.ErrNotFound, model.ErrorCode(err))
}

func TestEntities_unknownAndCycle(t *testing.T) {
	set, err := NewSet(map[string]Definition{
		"a": func(ctx context.Context, e *Entities) ([]string, error) { return e.RefList(ctx, "b") },
		"b": func(ctx context.Context, e *Entities) ([]string, error) { return e.RefList(ctx, "a") },
	})
	require.NoError(t, err)
	e := set.Bind(fixture(), "claim-1")

	_, err = e.RefList(context.Background(), "missing")
	require.ErrorContains(t, err, "unknown entity")

	_, err = e.RefList(context.Background(), "a")
	require.ErrorContains(t, err, "depends on itself")
}

func TestNewSet_rejectsBuiltIn(t *testing.T) {
	_, err := NewSet(map[string]Definition{SubjectEntity: Path("x", "y")})
	require.Error(t, err)

	set := claimSet(t)
	require.True(t, set.Has(SubjectEntity))
	require.True(t, set.Has("supervisor"))
	require.False(t, set.Has("nobody"))
	require.Equal(t, []string{"claimant", "object", "reviewers", "supervisor"}, set.Names())
}

func keys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestEntities_owner(t *testing.T) {
	type workUnit struct{ id int64 }
	owner := &workUnit{id: 7}

	set, err := NewSet(map[string]Definition{
		"owned": func(_ context.Context, e *Entities) ([]string, error) {
			if w, ok := e.Owner().(*workUnit); ok {
				return []string{fmt.Sprintf("unit-%d", w.id)}, nil
			}
			return nil, nil
		},
	})
	require.NoError(t, err)

	ref, err := set.Bind(fixture(), "claim-1").WithOwner(owner).RefMaybe(context.Background(), "owned")
	require.NoError(t, err)
	require.Equal(t, "unit-7", ref)

	ref, err = set.Bind(fixture(), "claim-1").RefMaybe(context.Background(), "owned")
	require.NoError(t, err)
	require.Empty(t, ref)
}
