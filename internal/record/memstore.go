package record

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/worktrail/model"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]model.WorkRecord
	nextID  int64

	// FailSave, when set, is returned by Save. For testing.
	FailSave error
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]model.WorkRecord)}
}

// Create persists a new record.
func (s *MemoryStore) Create(_ context.Context, rec *model.WorkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := time.Now().UTC()
	rec.ID = s.nextID
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[rec.ID] = rec.Clone()
	return nil
}

// Get retrieves a record by identity.
func (s *MemoryStore) Get(_ context.Context, id int64) (model.WorkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return model.WorkRecord{}, notFound(id)
	}
	return rec.Clone(), nil
}

// Save persists rec with optimistic locking.
func (s *MemoryStore) Save(_ context.Context, rec *model.WorkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSave != nil {
		return s.FailSave
	}
	existing, ok := s.records[rec.ID]
	if !ok {
		return notFound(rec.ID)
	}
	if existing.Version != rec.Version {
		return model.NewConflictError(
			fmt.Sprintf("work record %d version conflict (expected %d, got %d)", rec.ID, rec.Version, existing.Version),
		)
	}

	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	s.records[rec.ID] = rec.Clone()
	return nil
}

// Find returns matching records ordered by identity.
func (s *MemoryStore) Find(_ context.Context, f Filter) ([]model.WorkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkRecord
	for _, rec := range s.records {
		if f.matches(rec) {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	if f.Limit > 0 && f.Limit < len(result) {
		result = result[:f.Limit]
	}
	return result, nil
}

// Len returns the number of records. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (f Filter) matches(rec model.WorkRecord) bool {
	if f.WorkType != "" && rec.WorkType != f.WorkType {
		return false
	}
	if f.Ref != "" && rec.Ref != f.Ref {
		return false
	}
	if f.OpenOnly && rec.Closed {
		return false
	}
	for k, v := range f.Tags {
		if got, ok := rec.Tags[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func notFound(id int64) error {
	return model.NewNotFoundError(fmt.Sprintf("work record %d not found", id))
}
