package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/pitabwire/worktrail/internal/definition"
	"github.com/pitabwire/worktrail/internal/entities"
	"github.com/pitabwire/worktrail/internal/observability"
	"github.com/pitabwire/worktrail/internal/timeline"
	"github.com/pitabwire/worktrail/model"
)

// StartState is the state every instance begins in unless a $start
// function chooses another.
const StartState = definition.StartState

// Instance is one work record seen through its workflow. An Instance is
// owned by a single request or job and is not safe for concurrent use.
type Instance struct {
	engine   *Engine
	workflow *Workflow
	rec      model.WorkRecord
	entities *entities.Entities

	// pending names the transition in progress, so selectors can match on
	// it.
	pending string

	flags       Flags
	transitions []resolvedTransition
	flagsValid  bool
	listValid   bool

	table timeline.Table
}

// Record returns a copy of the work record.
func (i *Instance) Record() model.WorkRecord { return i.rec.Clone() }

// ID returns the work record identity.
func (i *Instance) ID() int64 { return i.rec.ID }

// WorkType returns the workflow name.
func (i *Instance) WorkType() string { return i.rec.WorkType }

// Ref returns the subject object ref, or "".
func (i *Instance) Ref() string { return i.rec.Ref }

// State returns the current state.
func (i *Instance) State() string { return i.rec.State() }

// Target returns the current target, or "".
func (i *Instance) Target() string { return i.rec.Target() }

// Closed reports whether the work has finished.
func (i *Instance) Closed() bool { return i.rec.Closed }

// Visible reports whether the work is shown in task lists.
func (i *Instance) Visible() bool { return i.rec.Visible }

// ActionableBy returns the id of the responsible user or group.
func (i *Instance) ActionableBy() string { return i.rec.ActionableBy }

func (i *Instance) log(ctx context.Context) *zap.Logger {
	return i.engine.logFor(ctx).With(observability.WorkFields(i.rec.WorkType, i.rec.ID)...)
}

// PendingTransition returns the transition in progress, or "".
func (i *Instance) PendingTransition() string { return i.pending }

// Workflow returns the instance's workflow.
func (i *Instance) Workflow() *Workflow { return i.workflow }

// Entities returns the instance's entities.
func (i *Instance) Entities() *entities.Entities { return i.entities }

// StateDefinition returns the definition of the current state.
func (i *Instance) StateDefinition() (model.StateDefinition, bool) {
	return i.workflow.StateDefinition(i.State())
}

// SetData sets a key in the record's data. It is saved with the record.
func (i *Instance) SetData(key string, value any) {
	if i.rec.Data == nil {
		i.rec.Data = make(map[string]any)
	}
	i.rec.Data[key] = value
}

// Data returns a value from the record's data.
func (i *Instance) Data(key string) (any, bool) {
	v, ok := i.rec.Data[key]
	return v, ok
}

// invalidate drops memoized flags and transitions.
func (i *Instance) invalidate() {
	i.flagsValid = false
	i.listValid = false
	i.flags = nil
	i.transitions = nil
}

func (i *Instance) setPending(name string) {
	i.pending = name
	i.invalidate()
}

// Timeline returns the instance's timeline entries matching q. The work unit
// filter is always applied.
func (i *Instance) Timeline(ctx context.Context, q timeline.Query) iter.Seq2[model.TimelineEntry, error] {
	table, err := i.timelineTable(ctx)
	if err != nil {
		return func(yield func(model.TimelineEntry, error) bool) {
			yield(model.TimelineEntry{}, err)
		}
	}
	q.WorkUnitID = i.rec.ID
	return table.Select(ctx, q)
}

// TimelineEntries collects the instance's whole timeline, oldest first.
func (i *Instance) TimelineEntries(ctx context.Context) ([]model.TimelineEntry, error) {
	return timeline.Collect(i.Timeline(ctx, timeline.Query{}))
}

func (i *Instance) timelineTable(ctx context.Context) (timeline.Table, error) {
	if i.table != nil {
		return i.table, nil
	}
	table, err := i.engine.timeline.Table(ctx, i.rec.WorkType)
	if err != nil {
		return nil, fmt.Errorf("open timeline for %s: %w", i.rec.WorkType, err)
	}
	i.table = table
	return table, nil
}

// save runs $preWorkUnitSave and persists the record.
func (i *Instance) save(ctx context.Context) error {
	return i.saveFor(ctx, "")
}

func (i *Instance) saveFor(ctx context.Context, transition string) error {
	err := notifyHook(ctx, i, i.workflow.preWorkUnitSave, Event{Transition: transition})
	if err != nil {
		return err
	}
	if err := i.engine.records.Save(ctx, &i.rec); err != nil {
		return fmt.Errorf("save work record %d: %w", i.rec.ID, err)
	}
	return nil
}

// appendEntry writes a timeline row for the instance. A failure here comes
// after the record has been saved, so it is logged at error before being
// returned.
func (i *Instance) appendEntry(ctx context.Context, entry model.TimelineEntry) (model.TimelineEntry, error) {
	entry.WorkUnitID = i.rec.ID
	entry.User = model.ActorID(ctx)
	entry.Datetime = i.engine.now()

	table, err := i.timelineTable(ctx)
	if err == nil {
		entry.ID, err = table.Append(ctx, entry)
	}
	if err != nil {
		i.log(ctx).Error("timeline append failed after save",
			zap.String("action", entry.Action),
			zap.Error(err),
		)
		return entry, fmt.Errorf("append %s to timeline: %w", entry.Action, err)
	}
	i.engine.metrics.RecordTimelineAppend(i.rec.WorkType, entry.Action)
	return entry, nil
}

// AddTimelineEntry records a non-transition event, such as a note. It does
// not change the record.
func (i *Instance) AddTimelineEntry(ctx context.Context, action string, data map[string]any) (model.TimelineEntry, error) {
	if i.rec.ID == 0 {
		return model.TimelineEntry{}, model.NewBadRequestError("work record has not been saved")
	}
	raw, err := encodeData(data)
	if err != nil {
		return model.TimelineEntry{}, err
	}
	return i.appendEntry(ctx, model.TimelineEntry{
		Action: action,
		Target: model.StringPtr(i.Target()),
		State:  i.State(),
		JSON:   raw,
	})
}

func encodeData(data map[string]any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, model.NewBadRequestError("timeline data is not serialisable: " + err.Error())
	}
	return raw, nil
}
