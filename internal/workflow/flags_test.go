package workflow

import (
	"context"
	"slices"
	"testing"

	"github.com/pitabwire/worktrail/model"
)

func TestFlags_replay(t *testing.T) {
	env := newTestEnv(t, routeTriageTo("REVIEW"))
	inst := env.startClaim(t)
	ctx := context.Background()

	flags, err := inst.Flags(ctx)
	if err != nil {
		t.Fatalf("Flags() error = %v", err)
	}
	if len(flags) != 0 {
		t.Errorf("flags at START = %v, want none (exit flags only apply after leaving)", flags.List())
	}

	if err := inst.Transition(ctx, "submit", nil, ""); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	flags, _ = inst.Flags(ctx)
	if got := flags.List(); !slices.Equal(got, []string{"reviewed", "submitted"}) {
		t.Errorf("flags in REVIEW = %v", got)
	}

	if err := inst.Transition(ctx, "return", nil, ""); err != nil {
		t.Fatalf("Transition(return) error = %v", err)
	}
	flags, _ = inst.Flags(ctx)
	if got := flags.List(); !slices.Equal(got, []string{"reviewed", "submitted"}) {
		t.Errorf("flags back in START = %v, want history kept", got)
	}
}

func TestFlags_currentStatePlainFlags(t *testing.T) {
	env := newTestEnv(t, nil)
	inst := env.startClaim(t)
	_ = inst.Transition(context.Background(), "submit", nil, "")

	ok, err := inst.HasFlags(context.Background(), []string{"urgent", "submitted"})
	if err != nil || !ok {
		t.Errorf("HasFlags(urgent, submitted) = %v, %v", ok, err)
	}
	ok, _ = inst.HasFlag(context.Background(), "reviewed")
	if ok {
		t.Error("reviewed should not be set when dispatched to URGENT")
	}
}

func TestFlags_idempotentAndMemoized(t *testing.T) {
	calls := 0
	env := newTestEnv(t, func(t *testing.T, r *Registry) {
		_ = mustWorkflow(t, r, "approval").ModifyFlags(func(_ context.Context, inst *Instance, flags Flags) error {
			calls++
			if inst.Ref() != "" {
				flags.Set("has-object")
			}
			return nil
		})
	})
	inst := env.startClaim(t)
	ctx := context.Background()

	calls = 0
	first, _ := inst.Flags(ctx)
	firstList := first.List()
	second, _ := inst.Flags(ctx)
	if !slices.Equal(firstList, second.List()) {
		t.Errorf("Flags() not idempotent: %v then %v", firstList, second.List())
	}
	if calls > 1 {
		t.Errorf("$modifyFlags ran %d times for two reads", calls)
	}
	if !first.Has("has-object") {
		t.Errorf("flags = %v, want has-object from $modifyFlags", firstList)
	}
}

func TestFlags_toleratesRemovedStates(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec := model.WorkRecord{WorkType: "approval", Ref: "claim-1", Visible: true,
		Tags: map[string]string{model.TagState: "URGENT"}}
	if err := env.records.Create(ctx, &rec); err != nil {
		t.Fatal(err)
	}
	table, _ := env.timeline.Table(ctx, "approval")
	for _, e := range []model.TimelineEntry{
		{WorkUnitID: rec.ID, Action: "START", PreviousState: model.StringPtr("START"), State: "START"},
		{WorkUnitID: rec.ID, Action: "old", PreviousState: model.StringPtr("START"), State: "RETIRED"},
	} {
		if _, err := table.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	inst, _ := env.engine.Instance(rec)
	flags, err := inst.Flags(ctx)
	if err != nil {
		t.Fatalf("Flags() error = %v", err)
	}
	if got := flags.List(); !slices.Equal(got, []string{"submitted", "urgent"}) {
		t.Errorf("flags = %v, want [submitted urgent]", got)
	}
}

func TestFlags_selectorsSeeFlags(t *testing.T) {
	var seen []string
	env := newTestEnv(t, func(t *testing.T, r *Registry) {
		_ = mustWorkflow(t, r, "approval").ObserveEnter(Selector{Flags: []string{"urgent"}},
			func(_ context.Context, inst *Instance, _ Event) error {
				seen = append(seen, inst.State())
				return nil
			})
	})
	inst := env.startClaim(t)
	if err := inst.Transition(context.Background(), "submit", nil, ""); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if !slices.Equal(seen, []string{"URGENT"}) {
		t.Errorf("urgent enter handler saw %v", seen)
	}
}
