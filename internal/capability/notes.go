package capability

import (
	"context"

	"github.com/pitabwire/worktrail/internal/workflow"
	"github.com/pitabwire/worktrail/model"
)

// PrivateNotesCapability is the capability to read and write private notes
// on work of the given type.
func PrivateNotesCapability(workType string) string {
	return "workflow:" + workType + ":notes:private"
}

// NotesOptions configures the notes feature from p. Anyone may add a note;
// private notes need PrivateNotesCapability.
func NotesOptions(p *Policy) workflow.NotesOptions {
	return workflow.NotesOptions{
		CanSeePrivateNotes: func(ctx context.Context, inst *workflow.Instance, _ model.Principal) bool {
			return p.Allows(ctx, PrivateNotesCapability(inst.WorkType()))
		},
	}
}
