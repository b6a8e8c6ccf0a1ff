package definition

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/worktrail/model"
)

// snapshot is an immutable collection of workflow definitions indexed by name.
type snapshot struct {
	workflows map[string]model.WorkflowDefinition
	checksum  string
}

// Registry is a read-optimized, thread-safe store of loaded definitions. It
// uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.WorkflowDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot. A later
// definition with the same name replaces an earlier one.
func (r *Registry) Replace(defs []model.WorkflowDefinition) {
	s := &snapshot{workflows: make(map[string]model.WorkflowDefinition, len(defs))}

	checksumParts := make([]string, 0, len(defs))
	for _, def := range defs {
		s.workflows[def.Name] = def
		checksumParts = append(checksumParts, def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the workflow definition with the given name.
func (r *Registry) Get(name string) (model.WorkflowDefinition, bool) {
	w, ok := r.current().workflows[name]
	return w, ok
}

// Names returns the sorted names of all definitions.
func (r *Registry) Names() []string {
	s := r.current()
	names := make([]string, 0, len(s.workflows))
	for name := range s.workflows {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// All returns every definition sorted by name.
func (r *Registry) All() []model.WorkflowDefinition {
	s := r.current()
	defs := make([]model.WorkflowDefinition, 0, len(s.workflows))
	for _, name := range r.Names() {
		defs = append(defs, s.workflows[name])
	}
	return defs
}

// Len returns the number of definitions.
func (r *Registry) Len() int {
	return len(r.current().workflows)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
