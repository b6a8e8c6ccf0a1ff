// Package record persists work records, the subjects of workflow instances.
package record

import (
	"context"

	"github.com/pitabwire/worktrail/model"
)

// Store persists work records.
type Store interface {
	// Create assigns an identity and version 1 to rec and persists it.
	Create(ctx context.Context, rec *model.WorkRecord) error

	// Get retrieves a record by identity. Returns NOT_FOUND if absent.
	Get(ctx context.Context, id int64) (model.WorkRecord, error)

	// Save persists rec with optimistic locking. rec.Version must match the
	// stored version; on success it is incremented in place. Returns CONFLICT
	// when another writer saved first.
	Save(ctx context.Context, rec *model.WorkRecord) error

	// Find returns records matching f ordered by identity.
	Find(ctx context.Context, f Filter) ([]model.WorkRecord, error)
}

// Filter selects records. Zero fields are ignored.
type Filter struct {
	WorkType string
	Ref      string
	// Tags requires every key to be present with the given value.
	Tags     map[string]string
	OpenOnly bool
	Limit    int
}

// OpenDependents returns open records whose responsible party depends on ref.
func OpenDependents(ctx context.Context, s Store, ref string) ([]model.WorkRecord, error) {
	return s.Find(ctx, Filter{
		Tags:     map[string]string{model.DependencyTag(ref): model.DependencyTagValue},
		OpenOnly: true,
	})
}
