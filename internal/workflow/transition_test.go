package workflow

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/worktrail/internal/timeline"
	"github.com/pitabwire/worktrail/model"
)

func TestTransition_dispatchToReviewThenFinish(t *testing.T) {
	env := newTestEnv(t, routeTriageTo("REVIEW"))
	inst := env.startClaim(t)
	ctx := asUser("user-carol")

	if err := inst.Transition(ctx, "submit", map[string]any{"comment": "please"}, ""); err != nil {
		t.Fatalf("Transition(submit) error = %v", err)
	}
	if inst.State() != "REVIEW" {
		t.Fatalf("State() = %q, want REVIEW", inst.State())
	}
	if inst.PendingTransition() != "" {
		t.Errorf("PendingTransition() = %q after success", inst.PendingTransition())
	}

	entries := env.entries(t, inst)
	if len(entries) != 2 {
		t.Fatalf("timeline has %d entries, want 2", len(entries))
	}
	submit := entries[1]
	if submit.Action != "submit" || model.Deref(submit.PreviousState) != "START" || submit.State != "REVIEW" {
		t.Errorf("submit entry = %+v", submit)
	}
	if data, _ := submit.Data(); data["comment"] != "please" {
		t.Errorf("submit entry data = %v", data)
	}

	if err := inst.Transition(asUser("user-alice"), "approve", nil, ""); err != nil {
		t.Fatalf("Transition(approve) error = %v", err)
	}
	rec := env.stored(t, inst.ID())
	if rec.State() != "DONE" || !rec.Closed || rec.ClosedBy != "user-alice" {
		t.Errorf("stored record = state %q closed %v by %q", rec.State(), rec.Closed, rec.ClosedBy)
	}
	if tags := rec.DependencyTags(); len(tags) != 0 {
		t.Errorf("finished record keeps dependency tags %v", tags)
	}
	if got := testutil.ToFloat64(env.metrics.TransitionsTotal.WithLabelValues("approval", "approve", "ok")); got != 1 {
		t.Errorf("transitions_total{approve,ok} = %v, want 1", got)
	}
}

func TestTransition_defaultDispatchTakesFirstCandidate(t *testing.T) {
	env := newTestEnv(t, nil)
	inst := env.startClaim(t)

	if err := inst.Transition(context.Background(), "submit", nil, ""); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if inst.State() != "URGENT" {
		t.Errorf("State() = %q, want URGENT", inst.State())
	}
	if inst.ActionableBy() != "approvers" {
		t.Errorf("ActionableBy() = %q, want approvers", inst.ActionableBy())
	}
}

func TestTransition_emptyDispatchResolutionTakesFirstCandidate(t *testing.T) {
	env := newTestEnv(t, routeTriageTo(""))
	inst := env.startClaim(t)

	if err := inst.Transition(context.Background(), "submit", nil, ""); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if inst.State() != "URGENT" {
		t.Errorf("State() = %q, want URGENT", inst.State())
	}
}

func TestTransition_invalid(t *testing.T) {
	env := newTestEnv(t, nil)
	inst := env.startClaim(t)
	version := inst.Record().Version

	err := inst.Transition(context.Background(), "approve", nil, "")
	if model.ErrorCode(err) != model.ErrInvalidTransition {
		t.Fatalf("Transition() error = %v, want %s", err, model.ErrInvalidTransition)
	}
	if inst.State() != "START" || inst.PendingTransition() != "" {
		t.Errorf("after failure: state %q pending %q", inst.State(), inst.PendingTransition())
	}
	if len(env.entries(t, inst)) != 1 {
		t.Error("a failed transition wrote a timeline entry")
	}
	if env.stored(t, inst.ID()).Version != version {
		t.Error("a failed transition saved the record")
	}
	if got := testutil.ToFloat64(env.metrics.TransitionsTotal.WithLabelValues("approval", "approve", model.ErrInvalidTransition)); got != 1 {
		t.Errorf("transitions_total{INVALID_TRANSITION} = %v, want 1", got)
	}
}

func TestTransition_dispatchLoop(t *testing.T) {
	env := newTestEnv(t, func(t *testing.T, r *Registry) {
		w, err := r.ImplementWorkflow("looping", "")
		if err != nil {
			t.Fatalf("ImplementWorkflow() error = %v", err)
		}
		_ = w.States(map[string]model.StateDefinition{
			"START": {Transitions: []model.TransitionDefinition{{Name: "go", Destinations: []string{"A"}}}},
			"A":     {Dispatch: []string{"B"}},
			"B":     {Dispatch: []string{"A"}},
		})
	})
	inst, err := env.engine.Start(context.Background(), "looping", StartProps{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err = inst.Transition(context.Background(), "go", nil, "")
	if model.ErrorCode(err) != model.ErrDispatchLoop {
		t.Fatalf("Transition() error = %v, want %s", err, model.ErrDispatchLoop)
	}
	if inst.State() != "START" || inst.PendingTransition() != "" {
		t.Errorf("after loop: state %q pending %q", inst.State(), inst.PendingTransition())
	}
	if env.stored(t, inst.ID()).State() != "START" {
		t.Error("record was saved in a dispatch state")
	}
}

func TestTransition_dispatchChainWithinLimit(t *testing.T) {
	env := newTestEnv(t, func(t *testing.T, r *Registry) {
		w, _ := r.ImplementWorkflow("chain", "")
		states := map[string]model.StateDefinition{
			"START": {Transitions: []model.TransitionDefinition{{Name: "go", Destinations: []string{"D0"}}}},
			"END":   {Finish: true},
		}
		names := []string{"D0", "D1", "D2", "D3"}
		for n, name := range names {
			next := "END"
			if n+1 < len(names) {
				next = names[n+1]
			}
			states[name] = model.StateDefinition{Dispatch: []string{next}}
		}
		_ = w.States(states)
	})
	inst, _ := env.engine.Start(context.Background(), "chain", StartProps{})
	if err := inst.Transition(context.Background(), "go", nil, ""); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if inst.State() != "END" || !inst.Closed() {
		t.Errorf("state %q closed %v, want END closed", inst.State(), inst.Closed())
	}
}

func TestTransition_invalidDispatchResolution(t *testing.T) {
	env := newTestEnv(t, routeTriageTo("DONE"))
	inst := env.startClaim(t)

	err := inst.Transition(context.Background(), "submit", nil, "")
	if model.ErrorCode(err) != model.ErrDefinitionIntegrity {
		t.Fatalf("Transition() error = %v, want %s", err, model.ErrDefinitionIntegrity)
	}
	if inst.State() != "START" {
		t.Errorf("State() = %q, want START", inst.State())
	}
}

func TestTransition_destinationResolver(t *testing.T) {
	env := newTestEnv(t, func(t *testing.T, r *Registry) {
		w, _ := r.ImplementWorkflow("routing", "")
		_ = w.States(map[string]model.StateDefinition{
			"START":  {Transitions: []model.TransitionDefinition{{Name: "send", Destinations: []string{"LOCAL", "REMOTE"}}}},
			"LOCAL":  {},
			"REMOTE": {},
		})
		_ = w.ResolveTransitionDestination(Selector{}, func(_ context.Context, _ *Instance, name string, candidates []string, _ string) (Destination, bool, error) {
			target := "east"
			return Destination{State: candidates[1], Target: &target}, true, nil
		})
	})
	inst, _ := env.engine.Start(context.Background(), "routing", StartProps{})

	views, err := inst.Transitions(context.Background())
	if err != nil || len(views) != 1 {
		t.Fatalf("Transitions() = %v, %v", views, err)
	}
	if views[0].Destination != "REMOTE" || views[0].DestinationTarget != "east" {
		t.Errorf("view = %+v", views[0])
	}

	if err := inst.Transition(context.Background(), "send", nil, ""); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if inst.State() != "REMOTE" || inst.Target() != "east" {
		t.Errorf("position = %s/%s, want REMOTE/east", inst.State(), inst.Target())
	}
}

func TestTransition_badDestinationResolution(t *testing.T) {
	env := newTestEnv(t, func(t *testing.T, r *Registry) {
		_ = mustWorkflow(t, r, "leave").ResolveTransitionDestination(Selector{State: "START"},
			func(context.Context, *Instance, string, []string, string) (Destination, bool, error) {
				return Destination{State: "CLOSED"}, true, nil
			})
	})
	inst, _ := env.engine.Start(context.Background(), "leave", StartProps{})
	err := inst.Transition(context.Background(), "request", nil, "")
	if model.ErrorCode(err) != model.ErrDefinitionIntegrity {
		t.Errorf("Transition() error = %v, want %s", err, model.ErrDefinitionIntegrity)
	}
}

func TestTransition_overrideTarget(t *testing.T) {
	env := newTestEnv(t, nil)
	inst, _ := env.engine.Start(context.Background(), "leave", StartProps{})

	if err := inst.Transition(context.Background(), "request", nil, "payroll"); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if inst.Target() != "payroll" {
		t.Errorf("Target() = %q, want payroll", inst.Target())
	}
	entries := env.entries(t, inst)
	if last := entries[len(entries)-1]; last.Target != nil {
		t.Errorf("entry target = %q, want the previous target (none)", *last.Target)
	}
}

func TestTransition_filterHidesTransition(t *testing.T) {
	env := newTestEnv(t, func(t *testing.T, r *Registry) {
		_ = mustWorkflow(t, r, "leave").FilterTransition(Selector{State: "PENDING"},
			func(_ context.Context, _ *Instance, name string) (bool, bool, error) {
				return name != "refuse", true, nil
			})
	})
	inst, _ := env.engine.Start(context.Background(), "leave", StartProps{})
	_ = inst.Transition(context.Background(), "request", nil, "")

	views, err := inst.Transitions(context.Background())
	if err != nil {
		t.Fatalf("Transitions() error = %v", err)
	}
	if len(views) != 1 || views[0].Name != "grant" {
		t.Errorf("Transitions() = %+v, want only grant", views)
	}
	if err := inst.Transition(context.Background(), "refuse", nil, ""); model.ErrorCode(err) != model.ErrInvalidTransition {
		t.Errorf("Transition(refuse) error = %v, want %s", err, model.ErrInvalidTransition)
	}
}

func TestTransition_hookOrder(t *testing.T) {
	var calls []string
	record := func(label string) Hook {
		return func(_ context.Context, inst *Instance, ev Event) error {
			calls = append(calls, label+":"+inst.State()+":"+ev.Transition+":"+inst.PendingTransition())
			return nil
		}
	}
	env := newTestEnv(t, func(t *testing.T, r *Registry) {
		w := mustWorkflow(t, r, "leave")
		_ = w.ObserveExit(Selector{}, record("exit"))
		_ = w.SetWorkUnitProperties(Selector{}, record("props"))
		_ = w.ObserveEnter(Selector{}, record("enter"))
		_ = w.ObserveFinish(Selector{}, record("finish"))
		_ = w.PreWorkUnitSave(Selector{PendingTransitions: []string{"grant"}}, record("pending-save"))
		_ = w.TransitionComplete(Selector{State: "PENDING"}, record("complete"))
	})
	inst, _ := env.engine.Start(context.Background(), "leave", StartProps{})
	_ = inst.Transition(context.Background(), "request", nil, "")
	calls = nil

	if err := inst.Transition(context.Background(), "grant", nil, ""); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	want := []string{
		"exit:PENDING:grant:grant",
		"props:CLOSED:grant:grant",
		"enter:CLOSED:grant:",
		"finish:CLOSED:grant:",
		"complete:CLOSED:grant:",
	}
	if !slices.Equal(calls, want) {
		t.Errorf("calls =\n%v\nwant\n%v", calls, want)
	}
}

func TestTransition_completionHandlerError(t *testing.T) {
	boom := errors.New("boom")
	env := newTestEnv(t, func(t *testing.T, r *Registry) {
		_ = mustWorkflow(t, r, "leave").TransitionComplete(Selector{}, func(context.Context, *Instance, Event) error {
			return boom
		})
	})
	inst, _ := env.engine.Start(context.Background(), "leave", StartProps{})
	err := inst.Transition(context.Background(), "request", nil, "")
	if !errors.Is(err, boom) {
		t.Fatalf("Transition() error = %v, want boom", err)
	}
	if env.stored(t, inst.ID()).State() != "PENDING" {
		t.Error("state should stand after the record was saved and recorded")
	}
}

func TestTransition_notifyService(t *testing.T) {
	var got []string
	env := newTestEnv(t, func(t *testing.T, r *Registry) {
		notify := func(_ context.Context, inst *Instance, transition, previous string) error {
			got = append(got, inst.WorkType()+":"+transition+":"+previous+"->"+inst.State())
			return nil
		}
		if err := r.ImplementService(ServiceNotifyTransition, notify); err != nil {
			t.Fatalf("ImplementService() error = %v", err)
		}
		err := r.ImplementService(ServiceNotifyTransition, notify)
		if model.ErrorCode(err) != model.ErrServiceAlreadyExists {
			t.Errorf("second ImplementService() error = %v", err)
		}
	})
	inst, _ := env.engine.Start(context.Background(), "leave", StartProps{})
	_ = inst.Transition(context.Background(), "request", nil, "")

	if !slices.Equal(got, []string{"leave:request:START->PENDING"}) {
		t.Errorf("notifications = %v", got)
	}
}

func TestTransition_saveFailureRestores(t *testing.T) {
	env := newTestEnv(t, nil)
	inst, _ := env.engine.Start(context.Background(), "leave", StartProps{})
	env.records.FailSave = errors.New("disk full")

	err := inst.Transition(context.Background(), "request", nil, "")
	if err == nil {
		t.Fatal("Transition() should fail when the record cannot be saved")
	}
	if inst.State() != "START" || inst.ActionableBy() != "" {
		t.Errorf("instance not restored: state %q actionable by %q", inst.State(), inst.ActionableBy())
	}
	if len(env.entries(t, inst)) != 1 {
		t.Error("timeline entry written for a transition that was not saved")
	}

	env.records.FailSave = nil
	if err := inst.Transition(context.Background(), "request", nil, ""); err != nil {
		t.Errorf("retry after restore error = %v", err)
	}
}

func TestTransition_panickingHookRestores(t *testing.T) {
	env := newTestEnv(t, func(t *testing.T, r *Registry) {
		_ = mustWorkflow(t, r, "leave").SetWorkUnitProperties(Selector{}, func(context.Context, *Instance, Event) error {
			panic("bad hook")
		})
	})
	inst, _ := env.engine.Start(context.Background(), "leave", StartProps{})

	func() {
		defer func() {
			if r := recover(); r != "bad hook" {
				t.Errorf("recovered %v, want the hook's panic", r)
			}
		}()
		_ = inst.Transition(context.Background(), "request", nil, "")
	}()

	if inst.State() != "START" {
		t.Errorf("State() = %q, want START", inst.State())
	}
	if inst.PendingTransition() != "" {
		t.Errorf("PendingTransition() = %q, want none", inst.PendingTransition())
	}
	if env.stored(t, inst.ID()).State() != "START" {
		t.Error("stored record changed by a transition that panicked")
	}
	if len(env.entries(t, inst)) != 1 {
		t.Error("timeline entry written for a transition that panicked")
	}
}

func TestTransition_appendFailureAfterSave(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	inst, _ := env.engine.Start(ctx, "leave", StartProps{})

	table, _ := env.timeline.Table(ctx, "leave")
	table.(*timeline.MemoryTable).FailAppend = errors.New("log unavailable")

	if err := inst.Transition(ctx, "request", nil, ""); err == nil {
		t.Fatal("Transition() should report the append failure")
	}
	if env.stored(t, inst.ID()).State() != "PENDING" {
		t.Error("saved state should stand after an append failure")
	}
}

func TestTransition_unsavedInstance(t *testing.T) {
	env := newTestEnv(t, nil)
	inst, err := env.engine.Instance(model.WorkRecord{WorkType: "leave", Tags: map[string]string{model.TagState: "START"}})
	if err != nil {
		t.Fatalf("Instance() error = %v", err)
	}
	if err := inst.Transition(context.Background(), "request", nil, ""); model.ErrorCode(err) != model.ErrBadRequest {
		t.Errorf("Transition() error = %v, want %s", err, model.ErrBadRequest)
	}
}

func TestForceMove(t *testing.T) {
	env := newTestEnv(t, routeTriageTo("REVIEW"))
	inst := env.startClaim(t)
	ctx := context.Background()

	_ = inst.Transition(ctx, "submit", map[string]any{"note": "first"}, "")
	_ = inst.Transition(ctx, "approve", nil, "")
	if !inst.Closed() {
		t.Fatal("approve should close the work")
	}

	entries := env.entries(t, inst)
	submit := entries[1]
	if err := inst.ForceMove(asUser("user-admin"), submit.ID, "audit"); err != nil {
		t.Fatalf("ForceMove() error = %v", err)
	}
	if inst.State() != "REVIEW" || inst.Target() != "audit" || inst.Closed() {
		t.Errorf("after move: state %q target %q closed %v", inst.State(), inst.Target(), inst.Closed())
	}

	rec := env.stored(t, inst.ID())
	if rec.State() != "REVIEW" || rec.Closed {
		t.Errorf("stored: state %q closed %v", rec.State(), rec.Closed)
	}

	entries = env.entries(t, inst)
	move := entries[len(entries)-1]
	if move.Action != model.ActionMove || model.Deref(move.PreviousState) != "START" || move.State != "REVIEW" {
		t.Errorf("MOVE entry = %+v", move)
	}
	if model.Deref(move.Target) != "audit" || move.User != "user-admin" {
		t.Errorf("MOVE entry target %q user %q", model.Deref(move.Target), move.User)
	}
	if data, _ := move.Data(); data["note"] != "first" {
		t.Errorf("MOVE entry should carry the original payload, got %v", data)
	}

	flags, _ := inst.Flags(ctx)
	if !flags.Has("reviewed") {
		t.Errorf("flags after move = %v", flags.List())
	}
}

func TestForceMove_entryOfOtherWork(t *testing.T) {
	env := newTestEnv(t, nil)
	a, _ := env.engine.Start(context.Background(), "leave", StartProps{})
	b, _ := env.engine.Start(context.Background(), "leave", StartProps{})

	entries := env.entries(t, a)
	if err := b.ForceMove(context.Background(), entries[0].ID, ""); model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("ForceMove() error = %v, want %s", err, model.ErrNotFound)
	}
}

func TestForceMove_panickingHookRestores(t *testing.T) {
	explode := false
	env := newTestEnv(t, func(t *testing.T, r *Registry) {
		_ = mustWorkflow(t, r, "leave").ObserveEnter(Selector{}, func(context.Context, *Instance, Event) error {
			if explode {
				panic("bad hook")
			}
			return nil
		})
	})
	ctx := context.Background()
	inst, _ := env.engine.Start(ctx, "leave", StartProps{})
	if err := inst.Transition(ctx, "request", nil, ""); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	start := env.entries(t, inst)[0]
	explode = true

	func() {
		defer func() { _ = recover() }()
		_ = inst.ForceMove(ctx, start.ID, "")
	}()

	if inst.State() != "PENDING" || inst.PendingTransition() != "" {
		t.Errorf("after panic: state %q pending %q", inst.State(), inst.PendingTransition())
	}
	if env.stored(t, inst.ID()).State() != "PENDING" {
		t.Error("stored record changed by a move that panicked")
	}
}

func TestAddTimelineEntry(t *testing.T) {
	env := newTestEnv(t, nil)
	inst, _ := env.engine.Start(context.Background(), "leave", StartProps{})

	entry, err := inst.AddTimelineEntry(asUser("user-bob"), "REMINDER", map[string]any{"sent": 2})
	if err != nil {
		t.Fatalf("AddTimelineEntry() error = %v", err)
	}
	if entry.ID == 0 || entry.PreviousState != nil || entry.State != "START" || entry.User != "user-bob" {
		t.Errorf("entry = %+v", entry)
	}
	// Non-transition entries do not count for flag replay.
	n := 0
	for _, err := range inst.Timeline(context.Background(), timeline.Query{TransitionsOnly: true}) {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 1 {
		t.Errorf("transition entries = %d, want 1", n)
	}
}
