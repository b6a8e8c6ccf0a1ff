// Package directory resolves users, groups and group membership from a
// static YAML file.
package directory

import (
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/worktrail/model"
)

// File is the on-disk layout of a directory file.
type File struct {
	Groups map[string]GroupEntry `yaml:"groups"`
	Users  map[string]UserEntry  `yaml:"users"`
}

// GroupEntry declares a group and its direct members.
type GroupEntry struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
	// Groups lists nested groups whose members also belong to this one.
	Groups []string `yaml:"groups"`
}

// UserEntry declares a user.
type UserEntry struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Ref   string `yaml:"ref"`
}

// Static is an in-memory directory loaded from YAML. It is safe for
// concurrent use; Sync swaps the contents atomically.
type Static struct {
	path string

	mu    sync.RWMutex
	file  File
	byRef map[string]string
}

// Load creates a directory from the file at path.
func Load(path string) (*Static, error) {
	d := &Static{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// New creates a directory from an already decoded file.
func New(f File) *Static {
	d := &Static{}
	d.set(f)
	return d
}

// Sync reloads the directory file from disk.
func (d *Static) Sync() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("directory: reading %s: %w", d.path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("directory: parsing %s: %w", d.path, err)
	}
	d.set(f)
	return nil
}

func (d *Static) set(f File) {
	byRef := make(map[string]string)
	for id, u := range f.Users {
		if u.Ref != "" {
			byRef[u.Ref] = id
		}
	}
	d.mu.Lock()
	d.file = f
	d.byRef = byRef
	d.mu.Unlock()
}

// Group returns the group with the given id.
func (d *Static) Group(id string) (model.Principal, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	g, ok := d.file.Groups[id]
	if !ok {
		return model.Principal{}, false
	}
	return model.Principal{ID: id, Kind: model.PrincipalGroup, Name: g.Name}, true
}

// User returns the user with the given id.
func (d *Static) User(id string) (model.Principal, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.user(id)
}

func (d *Static) user(id string) (model.Principal, bool) {
	u, ok := d.file.Users[id]
	if !ok {
		return model.Principal{}, false
	}
	return model.Principal{ID: id, Kind: model.PrincipalUser, Name: u.Name, Ref: u.Ref}, true
}

// UserByRef returns the user whose person object is ref.
func (d *Static) UserByRef(ref string) (model.Principal, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byRef[ref]
	if !ok {
		return model.Principal{}, false
	}
	return d.user(id)
}

// Principal returns the user or group with the given id. Users win when an
// id names both.
func (d *Static) Principal(id string) (model.Principal, bool) {
	if p, ok := d.User(id); ok {
		return p, true
	}
	return d.Group(id)
}

// IsMember reports whether subjectID belongs to group, directly or through
// nested groups. A group is not a member of itself.
func (d *Static) IsMember(subjectID, group string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isMember(subjectID, group, map[string]bool{})
}

func (d *Static) isMember(subjectID, group string, seen map[string]bool) bool {
	if seen[group] {
		return false
	}
	seen[group] = true

	g, ok := d.file.Groups[group]
	if !ok {
		return false
	}
	if slices.Contains(g.Members, subjectID) {
		return true
	}
	for _, nested := range g.Groups {
		if nested == subjectID || d.isMember(subjectID, nested, seen) {
			return true
		}
	}
	return false
}

// GroupsOf returns the ids of every group subjectID belongs to.
func (d *Static) GroupsOf(subjectID string) []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.file.Groups))
	for id := range d.file.Groups {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	var groups []string
	for _, id := range ids {
		if d.IsMember(subjectID, id) {
			groups = append(groups, id)
		}
	}
	slices.Sort(groups)
	return groups
}
