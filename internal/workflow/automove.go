package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/worktrail/internal/jobs"
	"github.com/pitabwire/worktrail/internal/record"
	"github.com/pitabwire/worktrail/model"
)

// JobUpdateActionableBy re-resolves responsibility for work that depends on
// a changed object.
const JobUpdateActionableBy = "update_actionableby"

type updateActionableByPayload struct {
	Ref string `json:"ref"`
}

// RecordChanged is called after the object ref is written. Work whose
// responsibility was computed from it is re-resolved in the background, or
// immediately when the engine has no job queue.
func (e *Engine) RecordChanged(ctx context.Context, ref string) error {
	if e.jobs == nil {
		_, err := e.UpdateActionableBy(ctx, ref)
		return err
	}
	_, err := e.jobs.Enqueue(ctx, JobUpdateActionableBy, updateActionableByPayload{Ref: ref})
	if err != nil {
		return fmt.Errorf("schedule %s for %s: %w", JobUpdateActionableBy, ref, err)
	}
	return nil
}

// RegisterJobs installs the engine's job handlers on w.
func (e *Engine) RegisterJobs(w *jobs.Worker) {
	w.Handle(JobUpdateActionableBy, e.handleUpdateActionableBy)
}

func (e *Engine) handleUpdateActionableBy(ctx context.Context, job *jobs.Job) error {
	var p updateActionableByPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	if p.Ref == "" {
		return fmt.Errorf("job %s: ref is required", job.ID)
	}
	_, err := e.UpdateActionableBy(ctx, p.Ref)
	return err
}

// UpdateActionableBy re-resolves responsibility for every open record that
// depends on ref, acting as SYSTEM. It returns how many records moved. A
// failing record does not stop the others; the failures are joined.
func (e *Engine) UpdateActionableBy(ctx context.Context, ref string) (int, error) {
	ctx = model.Impersonate(ctx, model.SystemSubjectID)

	recs, err := record.OpenDependents(ctx, e.records, ref)
	if err != nil {
		return 0, err
	}

	moved := 0
	var errs []error
	for _, rec := range recs {
		w, ok := e.registry.Get(rec.WorkType)
		if !ok {
			continue
		}
		changed, err := e.newInstance(w, rec).AutoMove(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("work %d: %w", rec.ID, err))
			continue
		}
		if changed {
			moved++
		}
	}
	return moved, errors.Join(errs...)
}

// AutoMove re-resolves responsibility without a transition. The record is
// saved and AUTOMOVE recorded only when the responsible party changed.
func (i *Instance) AutoMove(ctx context.Context) (bool, error) {
	previous := i.rec.ActionableBy

	name, err := i.CurrentActionableByName(ctx)
	if err != nil || name == "" {
		return false, err
	}

	err = notifyHook(ctx, i, i.workflow.setWorkUnitProperties, Event{Transition: model.ActionAutoMove, PreviousState: i.State()})
	if err != nil {
		return false, err
	}
	p, err := i.updateActionableBy(ctx, name, i.Target())
	if err != nil {
		return false, err
	}
	if p.ID == previous {
		return false, nil
	}

	if err := i.saveFor(ctx, model.ActionAutoMove); err != nil {
		return false, err
	}
	_, err = i.AddTimelineEntry(ctx, model.ActionAutoMove, map[string]any{"from": previous, "to": p.ID})
	if err != nil {
		return true, err
	}

	i.engine.metrics.RecordAutoMove(i.rec.WorkType)
	i.log(ctx).Info("responsibility moved",
		zap.String("from", previous),
		zap.String("to", p.ID),
	)
	return true, nil
}
