package timeline

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/worktrail/model"
)

// MemoryStore keeps timelines in process memory. Used by tests and the
// memory driver.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string]*MemoryTable
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory timeline store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]*MemoryTable),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Table returns the table for workType.
func (s *MemoryStore) Table(_ context.Context, workType string) (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := TableName(workType)
	t, ok := s.tables[name]
	if !ok {
		t = &MemoryTable{name: name, now: s.now}
		s.tables[name] = t
	}
	return t, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// MemoryTable is one in-memory timeline.
type MemoryTable struct {
	mu      sync.RWMutex
	name    string
	entries []model.TimelineEntry
	nextID  int64
	now     func() time.Time

	// FailAppend, when set, is returned by Append. For testing.
	FailAppend error
}

// Name returns the table name.
func (t *MemoryTable) Name() string { return t.name }

// Append stores a copy of entry with the next identity.
func (t *MemoryTable) Append(_ context.Context, entry model.TimelineEntry) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.FailAppend != nil {
		return 0, t.FailAppend
	}
	t.nextID++
	entry.ID = t.nextID
	if entry.Datetime.IsZero() {
		entry.Datetime = t.now()
	}
	entry.JSON = slices.Clone(entry.JSON)
	t.entries = append(t.entries, entry)
	return entry.ID, nil
}

// Select iterates a snapshot taken when ranging starts.
func (t *MemoryTable) Select(ctx context.Context, q Query) iter.Seq2[model.TimelineEntry, error] {
	return func(yield func(model.TimelineEntry, error) bool) {
		t.mu.RLock()
		snapshot := slices.Clone(t.entries)
		t.mu.RUnlock()

		if q.Descending {
			slices.Reverse(snapshot)
		}
		for _, e := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(model.TimelineEntry{}, err)
				return
			}
			if !q.matches(e) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Load returns the entry with the given identity.
func (t *MemoryTable) Load(_ context.Context, id int64) (model.TimelineEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, e := range t.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return model.TimelineEntry{}, entryNotFound(t.name, id)
}

// Len returns the number of stored entries. For testing.
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
