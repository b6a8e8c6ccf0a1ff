package workflow

import (
	"context"

	"github.com/pitabwire/worktrail/model"
)

// SetVisible shows or hides the work in task lists, recording HIDE or
// UNHIDE. It reports whether anything changed.
func (i *Instance) SetVisible(ctx context.Context, visible bool) (bool, error) {
	if i.rec.Visible == visible {
		return false, nil
	}

	action := model.ActionHide
	if visible {
		action = model.ActionUnhide
	}
	snapshot := i.rec.Clone()
	i.rec.Visible = visible
	if err := i.saveFor(ctx, action); err != nil {
		i.rec = snapshot
		return false, err
	}
	if _, err := i.AddTimelineEntry(ctx, action, nil); err != nil {
		return true, err
	}
	return true, nil
}
