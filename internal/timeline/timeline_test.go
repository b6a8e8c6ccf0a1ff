package timeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/worktrail/model"
)

func TestNameFragment(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"approval", "approval"},
		{"std:approval", "stdZ58approval"},
		{"Zebra", "Z90ebra"},
		{"expense_claim2", "expenseZ95claimZ50"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NameFragment(tt.in); got != tt.want {
			t.Errorf("NameFragment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := TableName("std:approval"); got != "timeline_stdZ58approval" {
		t.Errorf("TableName() = %q", got)
	}
}

func TestNameFragment_distinctNamesStayDistinct(t *testing.T) {
	a, b := NameFragment("a:b"), NameFragment("a_b")
	if a == b {
		t.Errorf("NameFragment collision: %q", a)
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	runStoreTests(t, store)
}

func TestSQLiteStore_reopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.db")
	ctx := context.Background()

	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	tbl, _ := store.Table(ctx, "approval")
	if _, err := tbl.Append(ctx, entry(1, "START", nil, "START")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	_ = store.Close()

	store, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()
	tbl, _ = store.Table(ctx, "approval")
	got, err := Collect(tbl.Select(ctx, Query{WorkUnitID: 1}))
	if err != nil || len(got) != 1 {
		t.Fatalf("Select() after reopen = %d entries, %v", len(got), err)
	}
}

func TestPgStore(t *testing.T) {
	dsn := os.Getenv("WORKTRAIL_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("WORKTRAIL_TEST_PG_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool.New() error = %v", err)
	}
	t.Cleanup(pool.Close)

	// Unique work type per run keeps tables isolated.
	runStoreTestsNamed(t, NewPgStore(pool), "test:"+time.Now().Format("150405.000000"))
}

func entry(workUnit int64, action string, previous *string, state string) model.TimelineEntry {
	return model.TimelineEntry{
		WorkUnitID:    workUnit,
		User:          "user-alice",
		Action:        action,
		PreviousState: previous,
		State:         state,
	}
}

func runStoreTests(t *testing.T, store Store) {
	runStoreTestsNamed(t, store, "approval")
}

func runStoreTestsNamed(t *testing.T, store Store, workType string) {
	ctx := context.Background()
	tbl, err := store.Table(ctx, workType)
	if err != nil {
		t.Fatalf("Table() error = %v", err)
	}
	if tbl.Name() != TableName(workType) {
		t.Errorf("Name() = %q", tbl.Name())
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []model.TimelineEntry{
		entry(1, model.ActionStart, model.StringPtr("START"), "START"),
		entry(2, model.ActionStart, model.StringPtr("START"), "START"),
		entry(1, "submit", model.StringPtr("START"), "REVIEW"),
		entry(1, model.ActionNote, nil, "REVIEW"),
		entry(1, "approve", model.StringPtr("REVIEW"), "DONE"),
	}
	// Key order and spacing are kept as written.
	rows[2].JSON = json.RawMessage(`{"note": "x", "amount":1.50}`)
	rows[2].Target = model.StringPtr("finance")

	var ids []int64
	for i, r := range rows {
		// Same datetime on every row: order must come from identity.
		r.Datetime = base
		if i == 4 {
			r.Datetime = base.Add(time.Hour)
		}
		id, err := tbl.Append(ctx, r)
		if err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
		if len(ids) > 0 && id <= ids[len(ids)-1] {
			t.Fatalf("Append ids not increasing: %v then %d", ids, id)
		}
		ids = append(ids, id)
	}

	t.Run("select all for work unit", func(t *testing.T) {
		got, err := Collect(tbl.Select(ctx, Query{WorkUnitID: 1}))
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		wantActions := []string{"START", "submit", "NOTE", "approve"}
		if len(got) != len(wantActions) {
			t.Fatalf("Select() = %d entries, want %d", len(got), len(wantActions))
		}
		for i, a := range wantActions {
			if got[i].Action != a {
				t.Errorf("entry %d action = %q, want %q", i, got[i].Action, a)
			}
		}
		if string(got[1].JSON) != `{"note": "x", "amount":1.50}` {
			t.Errorf("json = %s", got[1].JSON)
		}
		if model.Deref(got[1].Target) != "finance" {
			t.Errorf("target = %v", got[1].Target)
		}
		if got[2].PreviousState != nil || got[2].Target != nil {
			t.Errorf("note entry should have null previous state and target")
		}
	})

	t.Run("transitions only", func(t *testing.T) {
		got, _ := Collect(tbl.Select(ctx, Query{WorkUnitID: 1, TransitionsOnly: true}))
		if len(got) != 3 {
			t.Errorf("Select(transitions) = %d entries, want 3", len(got))
		}
	})

	t.Run("descending and action", func(t *testing.T) {
		got, _ := Collect(tbl.Select(ctx, Query{WorkUnitID: 1, Descending: true}))
		if len(got) == 0 || got[0].Action != "approve" {
			t.Errorf("Select(desc) first = %+v", got)
		}
		got, _ = Collect(tbl.Select(ctx, Query{WorkUnitID: 1, Action: "submit"}))
		if len(got) != 1 {
			t.Errorf("Select(action) = %d entries, want 1", len(got))
		}
	})

	t.Run("since", func(t *testing.T) {
		got, _ := Collect(tbl.Select(ctx, Query{WorkUnitID: 1, Since: base.Add(time.Minute)}))
		if len(got) != 1 || got[0].Action != "approve" {
			t.Errorf("Select(since) = %+v", got)
		}
	})

	t.Run("restartable", func(t *testing.T) {
		seq := tbl.Select(ctx, Query{WorkUnitID: 2})
		for range 2 {
			got, err := Collect(seq)
			if err != nil || len(got) != 1 {
				t.Fatalf("Collect() = %d, %v", len(got), err)
			}
		}
	})

	t.Run("early break", func(t *testing.T) {
		n := 0
		for _, err := range tbl.Select(ctx, Query{WorkUnitID: 1}) {
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			n++
			break
		}
		if n != 1 {
			t.Errorf("iterations = %d", n)
		}
	})

	t.Run("load", func(t *testing.T) {
		got, err := tbl.Load(ctx, ids[2])
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got.Action != "submit" || got.State != "REVIEW" || model.Deref(got.PreviousState) != "START" {
			t.Errorf("Load() = %+v", got)
		}
		_, err = tbl.Load(ctx, ids[4]+1000)
		if model.ErrorCode(err) != model.ErrNotFound {
			t.Errorf("Load(missing) error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("tables are per workflow type", func(t *testing.T) {
		other, err := store.Table(ctx, workType+"-other")
		if err != nil {
			t.Fatalf("Table() error = %v", err)
		}
		got, _ := Collect(other.Select(ctx, Query{WorkUnitID: 1}))
		if len(got) != 0 {
			t.Errorf("other table has %d entries", len(got))
		}
	})
}
