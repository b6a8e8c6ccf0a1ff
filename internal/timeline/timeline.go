// Package timeline stores the append-only per-workflow-type event log.
package timeline

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/worktrail/model"
)

// Store opens the timeline table for a workflow type.
type Store interface {
	// Table returns the table for workType, creating its storage on first use.
	Table(ctx context.Context, workType string) (Table, error)
	Close() error
}

// Table is the timeline of one workflow type. Rows are never updated or
// deleted.
type Table interface {
	Name() string

	// Append inserts one entry and returns its identity. The entry's ID is
	// ignored.
	Append(ctx context.Context, entry model.TimelineEntry) (int64, error)

	// Select returns entries matching q ordered by identity. The sequence is
	// lazy and can be ranged over more than once; each pass re-reads storage.
	Select(ctx context.Context, q Query) iter.Seq2[model.TimelineEntry, error]

	// Load returns a single entry by identity.
	Load(ctx context.Context, id int64) (model.TimelineEntry, error)
}

// Query filters a Select.
type Query struct {
	WorkUnitID int64
	// TransitionsOnly restricts to entries with a previous state.
	TransitionsOnly bool
	Action          string
	Since           time.Time
	Descending      bool
}

// TableName returns the storage table name for a workflow type.
func TableName(workType string) string {
	return "timeline_" + NameFragment(workType)
}

// NameFragment encodes a workflow type name into a fragment that is safe in
// SQL identifiers. Letters a-z and A-Y are kept; every other character
// becomes 'Z' followed by its decimal character code.
func NameFragment(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Y') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('Z')
		b.WriteString(strconv.Itoa(int(r)))
	}
	return b.String()
}

func (q Query) matches(e model.TimelineEntry) bool {
	if e.WorkUnitID != q.WorkUnitID {
		return false
	}
	if q.TransitionsOnly && e.PreviousState == nil {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if !q.Since.IsZero() && e.Datetime.Before(q.Since) {
		return false
	}
	return true
}

// where renders the query's filters as SQL. placeholder returns the bind
// marker for the n-th argument, starting at 1.
func (q Query) where(placeholder func(n int) string, since any) (string, []any) {
	args := []any{q.WorkUnitID}
	clauses := []string{"work_unit_id = " + placeholder(1)}
	if q.TransitionsOnly {
		clauses = append(clauses, "previous_state IS NOT NULL")
	}
	if q.Action != "" {
		args = append(args, q.Action)
		clauses = append(clauses, "action = "+placeholder(len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, since)
		clauses = append(clauses, "datetime >= "+placeholder(len(args)))
	}
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	return fmt.Sprintf("WHERE %s ORDER BY id %s", strings.Join(clauses, " AND "), order), args
}

func errSeq(err error) iter.Seq2[model.TimelineEntry, error] {
	return func(yield func(model.TimelineEntry, error) bool) {
		yield(model.TimelineEntry{}, err)
	}
}

// Collect drains a Select into a slice.
func Collect(seq iter.Seq2[model.TimelineEntry, error]) ([]model.TimelineEntry, error) {
	var out []model.TimelineEntry
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func entryNotFound(table string, id int64) error {
	return model.NewNotFoundError(fmt.Sprintf("timeline entry %d not found in %s", id, table))
}
