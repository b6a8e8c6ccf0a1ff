package workflow

import (
	"context"
	"maps"
	"slices"

	"github.com/pitabwire/worktrail/internal/handler"
	"github.com/pitabwire/worktrail/internal/timeline"
)

// Flags is a set of flag names.
type Flags map[string]struct{}

// Has reports whether name is set.
func (f Flags) Has(name string) bool {
	_, ok := f[name]
	return ok
}

// Set adds names.
func (f Flags) Set(names ...string) {
	for _, n := range names {
		f[n] = struct{}{}
	}
}

// Unset removes names.
func (f Flags) Unset(names ...string) {
	for _, n := range names {
		delete(f, n)
	}
}

// List returns the flags sorted.
func (f Flags) List() []string {
	return slices.Sorted(maps.Keys(f))
}

// Flags derives the instance's flags by replaying the states it occupied.
// The result is memoized until the pending transition changes; callers must
// not modify it.
func (i *Instance) Flags(ctx context.Context) (Flags, error) {
	if i.flagsValid {
		return i.flags, nil
	}

	// 1. States actually occupied, oldest first.
	var visited []string
	for entry, err := range i.Timeline(ctx, timeline.Query{TransitionsOnly: true}) {
		if err != nil {
			return nil, err
		}
		visited = append(visited, entry.State)
	}

	// 2. Mid-transition the record is already in a state the timeline has
	// not seen yet.
	current := i.State()
	if len(visited) == 0 || visited[len(visited)-1] != current {
		visited = append(visited, current)
	}

	// 3. Replay.
	flags := Flags{}
	last := len(visited) - 1
	for n, state := range visited {
		def, ok := i.workflow.StateDefinition(state)
		if !ok {
			continue
		}
		flags.Set(def.FlagsSetOnEnter...)
		flags.Unset(def.FlagsUnsetOnEnter...)
		if n != last {
			flags.Set(def.FlagsSetOnExit...)
			flags.Unset(def.FlagsUnsetOnExit...)
		}
	}

	// 4. Plain flags of the current state.
	if def, ok := i.workflow.StateDefinition(current); ok {
		flags.Set(def.Flags...)
	}

	// 5. Data derived flags.
	err := handler.Notify(ctx, i.workflow.modifyFlags, i, func(fn ModifyFlagsFunc) error {
		return fn(ctx, i, flags)
	})
	if err != nil {
		return nil, err
	}

	i.flags = flags
	i.flagsValid = true
	return flags, nil
}

// HasFlags reports whether every named flag is set.
func (i *Instance) HasFlags(ctx context.Context, names []string) (bool, error) {
	flags, err := i.Flags(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if !flags.Has(n) {
			return false, nil
		}
	}
	return true, nil
}

// HasFlag reports whether name is set.
func (i *Instance) HasFlag(ctx context.Context, name string) (bool, error) {
	return i.HasFlags(ctx, []string{name})
}

var _ handler.Subject = (*Instance)(nil)
