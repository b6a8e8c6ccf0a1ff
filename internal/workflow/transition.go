package workflow

import (
	"context"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/worktrail/internal/handler"
	"github.com/pitabwire/worktrail/internal/observability"
	"github.com/pitabwire/worktrail/model"
)

// MaxDispatchHops bounds how many dispatch states one transition may pass
// through.
const MaxDispatchHops = 256

// Transition moves the instance along the named transition. data, when not
// nil, is stored on the timeline entry. overrideTarget, when not empty,
// replaces the target chosen for the destination.
//
// A failure before the record is saved leaves the instance as it was. A
// failure after the save, such as a timeline append, is returned but the
// new state stands.
func (i *Instance) Transition(ctx context.Context, name string, data map[string]any, overrideTarget string) error {
	ctx, span := observability.StartWorkSpan(ctx, "workflow.transition", i.rec.WorkType, i.rec.ID,
		observability.AttrTransition.String(name))
	started := time.Now()

	err := i.transition(ctx, name, data, overrideTarget)

	status := "ok"
	if err != nil {
		status = model.ErrorCode(err)
		if status == "" {
			status = "error"
		}
	}
	i.engine.metrics.RecordTransition(i.rec.WorkType, name, status, time.Since(started))
	span.SetAttributes(observability.AttrState.String(i.State()))
	observability.EndSpanWithError(span, err)
	return err
}

func (i *Instance) transition(ctx context.Context, name string, data map[string]any, overrideTarget string) error {
	if i.rec.ID == 0 {
		return model.NewBadRequestError("work record has not been saved")
	}
	raw, err := encodeData(data)
	if err != nil {
		return err
	}

	logger := i.log(ctx).With(zap.String("transition", name))
	if ce := logger.Check(zap.DebugLevel, "transition requested"); ce != nil {
		ce.Write(zap.Any("data", observability.RedactData(data)))
	}
	previousState := i.State()
	previousTarget := i.Target()

	// Until the record is saved every exit, a panic included, puts the
	// instance back as it was.
	snapshot := i.rec.Clone()
	saved := false
	defer func() {
		if !saved {
			i.rec = snapshot
			i.invalidate()
		}
	}()

	// 1-3. While pending: select completion handlers against the state being
	// left, validate, leave it and follow any dispatch chain.
	var (
		complete                       handler.Deferred[Hook]
		destination, destinationTarget string
		hops                           int
	)
	err = i.whilePending(name, func() error {
		var err error
		if complete, err = i.workflow.transitionComplete.Defer(ctx, i); err != nil {
			return err
		}
		destination, destinationTarget, hops, err = i.move(ctx, name, previousState, overrideTarget, logger)
		return err
	})
	if err != nil {
		return err
	}
	i.engine.metrics.RecordDispatchHops(i.rec.WorkType, hops)

	// 4. Re-resolve who is responsible.
	st, _ := i.workflow.StateDefinition(destination)
	if st.ActionableBy != "" {
		if _, err := i.updateActionableBy(ctx, st.ActionableBy, destinationTarget); err != nil {
			return err
		}
	}

	// 5. Observe entry, and finish for terminal states.
	ev := Event{Transition: name, PreviousState: previousState}
	if err := notifyHook(ctx, i, i.workflow.observeEnter, ev); err != nil {
		return err
	}
	if st.Finish {
		if err := notifyHook(ctx, i, i.workflow.observeFinish, ev); err != nil {
			return err
		}
	}

	// 6. Persist.
	if err := i.saveFor(ctx, name); err != nil {
		return err
	}
	saved = true

	// 7. Record.
	_, err = i.appendEntry(ctx, model.TimelineEntry{
		Action:        name,
		PreviousState: &previousState,
		Target:        model.StringPtr(previousTarget),
		State:         destination,
		JSON:          raw,
	})
	if err != nil {
		return err
	}

	logger.Info("transition complete",
		zap.String("previous_state", previousState),
		zap.String("state", destination),
		zap.Int("dispatch_hops", hops),
		zap.String("actionable_by", i.rec.ActionableBy),
	)

	// 8. Completion handlers run against the new state.
	if err := complete.Run(func(fn Hook) error { return fn(ctx, i, ev) }); err != nil {
		return err
	}

	// 9. Notify the subscriber, if any.
	if notify, ok := i.workflow.registry.Service(ServiceNotifyTransition); ok {
		if err := notify(ctx, i, name, previousState); err != nil {
			return err
		}
	}
	return nil
}

// move runs the part of a transition that happens while it is pending. It
// returns the final destination, its target and the number of dispatch hops.
func (i *Instance) move(ctx context.Context, name, previousState, overrideTarget string, logger *zap.Logger) (string, string, int, error) {
	props, ok, err := i.transitionProperties(ctx, name)
	if err != nil {
		return "", "", 0, err
	}
	if !ok {
		return "", "", 0, model.NewInvalidTransitionError(name)
	}

	destination := props.destination
	target := props.destinationTarget
	if overrideTarget != "" {
		target = overrideTarget
	}
	if _, ok := i.workflow.StateDefinition(destination); !ok {
		return "", "", 0, model.NewDefinitionIntegrityError("Workflow does not have destination state: " + destination)
	}

	if err := notifyHook(ctx, i, i.workflow.observeExit, Event{Transition: name, PreviousState: previousState}); err != nil {
		return "", "", 0, err
	}
	i.setPosition(destination, target)

	hops := 0
	for {
		st, _ := i.workflow.StateDefinition(destination)
		if !st.IsDispatch() {
			break
		}
		if st.HasTransitions() {
			return "", "", hops, model.NewDefinitionIntegrityError("State has both dispatch and transitions: " + destination)
		}
		if len(st.Dispatch) == 0 {
			return "", "", hops, model.NewDefinitionIntegrityError("Dispatch state has no candidates: " + destination)
		}
		if hops == MaxDispatchHops {
			return "", "", hops, model.NewDispatchLoopError(MaxDispatchHops)
		}
		hops++

		req := DispatchRequest{Transition: name, State: destination, Target: target, Candidates: slices.Clone(st.Dispatch)}
		next, defined, err := handler.Dispatch(ctx, i.workflow.resolveDispatchDestination, i, func(fn ResolveDispatchFunc) (string, bool, error) {
			return fn(ctx, i, req)
		})
		if err != nil {
			return "", "", hops, err
		}
		if !defined || next == "" {
			next = st.Dispatch[0]
		}
		if !slices.Contains(st.Dispatch, next) {
			return "", "", hops, model.NewDefinitionIntegrityError("Not a valid dispatch destination for state: " + destination)
		}
		if _, ok := i.workflow.StateDefinition(next); !ok {
			return "", "", hops, model.NewDefinitionIntegrityError("Workflow does not have destination state after dispatch: " + next)
		}

		logger.Debug("dispatched", zap.String("from", destination), zap.String("to", next))
		destination = next
		i.setPosition(destination, target)
	}

	if err := notifyHook(ctx, i, i.workflow.setWorkUnitProperties, Event{Transition: name, PreviousState: previousState}); err != nil {
		return "", "", hops, err
	}
	if st, _ := i.workflow.StateDefinition(destination); st.Finish {
		i.rec.Close(model.ActorID(ctx))
		i.clearDependencyTags()
	}
	return destination, target, hops, nil
}

// ForceMove puts the instance back into the state recorded by a timeline
// entry, with the given target. It is an administrative action and is
// recorded as MOVE.
func (i *Instance) ForceMove(ctx context.Context, entryID int64, target string) (err error) {
	ctx, span := observability.StartWorkSpan(ctx, "workflow.force_move", i.rec.WorkType, i.rec.ID)
	defer func() { observability.EndSpanWithError(span, err) }()

	table, err := i.timelineTable(ctx)
	if err != nil {
		return err
	}
	entry, err := table.Load(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.WorkUnitID != i.rec.ID {
		return model.NewNotFoundError("timeline entry " + strconv.FormatInt(entryID, 10) + " does not belong to this work")
	}
	st, ok := i.workflow.StateDefinition(entry.State)
	if !ok {
		return model.NewDefinitionIntegrityError("Workflow does not have state: " + entry.State)
	}

	snapshot := i.rec.Clone()
	saved := false
	defer func() {
		if !saved {
			i.rec = snapshot
			i.invalidate()
		}
	}()

	err = i.whilePending(entry.Action, func() error {
		i.setPosition(entry.State, target)
		if st.ActionableBy != "" {
			if _, err := i.updateActionableBy(ctx, st.ActionableBy, target); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if i.rec.Closed {
		i.rec.Reopen()
	}

	ev := Event{Transition: entry.Action, PreviousState: model.Deref(entry.PreviousState)}
	if err := notifyHook(ctx, i, i.workflow.observeEnter, ev); err != nil {
		return err
	}
	if err := i.saveFor(ctx, model.ActionMove); err != nil {
		return err
	}
	saved = true

	_, err = i.appendEntry(ctx, model.TimelineEntry{
		Action:        model.ActionMove,
		PreviousState: entry.PreviousState,
		Target:        model.StringPtr(target),
		State:         entry.State,
		JSON:          entry.JSON,
	})
	if err != nil {
		return err
	}
	i.log(ctx).Info("work moved",
		zap.Int64("entry_id", entryID),
		zap.String("state", entry.State),
	)
	return nil
}

// whilePending runs fn with name marked as the pending transition. The
// marker is cleared however fn exits.
func (i *Instance) whilePending(name string, fn func() error) error {
	i.setPending(name)
	defer i.setPending("")
	return fn()
}

// setPosition sets the state and target tags. An empty target removes the
// tag.
func (i *Instance) setPosition(state, target string) {
	i.rec.SetTag(model.TagState, state)
	if target == "" {
		delete(i.rec.Tags, model.TagTarget)
	} else {
		i.rec.SetTag(model.TagTarget, target)
	}
}

func (i *Instance) clearDependencyTags() {
	for _, k := range i.rec.DependencyTags() {
		delete(i.rec.Tags, k)
	}
}

func notifyHook(ctx context.Context, i *Instance, c *handler.Chain[Hook], ev Event) error {
	return handler.Notify(ctx, c, i, func(fn Hook) error {
		return fn(ctx, i, ev)
	})
}
