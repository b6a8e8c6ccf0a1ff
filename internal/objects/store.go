// Package objects is the store of the business objects workflows are about.
package objects

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/worktrail/model"
)

// Store loads and saves objects by ref.
type Store interface {
	Get(ctx context.Context, ref string) (model.Object, error)
	Put(ctx context.Context, obj model.Object) error
}

// ChangeFunc is notified after an object is written.
type ChangeFunc func(ctx context.Context, ref string) error

// MemoryStore keeps objects in process memory and notifies subscribers of
// every write.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]model.Object
	onPut   []ChangeFunc
}

// NewMemoryStore creates an empty object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]model.Object)}
}

// Get returns the object for ref.
func (s *MemoryStore) Get(_ context.Context, ref string) (model.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[ref]
	if !ok {
		return model.Object{}, model.NewNotFoundError(fmt.Sprintf("object %q not found", ref))
	}
	return obj, nil
}

// Put stores obj and then calls every change subscriber. The first
// subscriber error is returned; the object stays written.
func (s *MemoryStore) Put(ctx context.Context, obj model.Object) error {
	if obj.Ref == "" {
		return model.NewBadRequestError("object ref is required")
	}

	s.mu.Lock()
	s.objects[obj.Ref] = obj
	subscribers := append([]ChangeFunc(nil), s.onPut...)
	s.mu.Unlock()

	for _, fn := range subscribers {
		if err := fn(ctx, obj.Ref); err != nil {
			return err
		}
	}
	return nil
}

// OnChange subscribes fn to object writes.
func (s *MemoryStore) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPut = append(s.onPut, fn)
}

// Seed loads objects from a YAML file without notifying subscribers.
func (s *MemoryStore) Seed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("objects: reading %s: %w", path, err)
	}

	var seed struct {
		Objects []model.Object `yaml:"objects"`
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("objects: parsing %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range seed.Objects {
		if obj.Ref == "" {
			return fmt.Errorf("objects: %s: object without ref", path)
		}
		s.objects[obj.Ref] = obj
	}
	return nil
}
