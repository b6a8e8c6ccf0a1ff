package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/worktrail/internal/timeline"
	"github.com/pitabwire/worktrail/model"
)

// FeatureNotes lets users attach notes to work.
const FeatureNotes = "std:notes"

// NotesOptions configures the notes feature. Nil predicates take their
// defaults: nobody sees private notes, and anyone may add a note.
type NotesOptions struct {
	CanSeePrivateNotes func(ctx context.Context, inst *Instance, viewer model.Principal) bool
	CanAddNote         func(ctx context.Context, inst *Instance, author model.Principal) bool
}

// Note is a timeline entry carrying a note, either a NOTE entry or a
// transition that was made with one.
type Note struct {
	EntryID  int64     `json:"entry_id"`
	Datetime time.Time `json:"datetime"`
	User     string    `json:"user"`
	Action   string    `json:"action"`
	State    string    `json:"state"`
	Text     string    `json:"text"`
	Private  bool      `json:"private,omitempty"`
}

func notesFeature(w *Workflow, args any) error {
	opts := NotesOptions{}
	switch a := args.(type) {
	case nil:
	case NotesOptions:
		opts = a
	case *NotesOptions:
		if a != nil {
			opts = *a
		}
	default:
		return fmt.Errorf("%s takes NotesOptions, got %T", FeatureNotes, args)
	}
	w.notes = &opts
	return nil
}

// CanSeePrivateNotes reports whether viewer may read private notes.
func (i *Instance) CanSeePrivateNotes(ctx context.Context, viewer model.Principal) bool {
	n := i.workflow.notes
	return n != nil && n.CanSeePrivateNotes != nil && n.CanSeePrivateNotes(ctx, i, viewer)
}

// AddNote records a note from author.
func (i *Instance) AddNote(ctx context.Context, author model.Principal, text string, private bool) (Note, error) {
	n := i.workflow.notes
	if n == nil {
		return Note{}, model.NewBadRequestError("notes are not enabled for " + i.rec.WorkType)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Note{}, model.NewBadRequestError("note text is required")
	}
	if i.rec.Closed {
		return Note{}, model.NewBadRequestError("work is closed")
	}
	if n.CanAddNote != nil && !n.CanAddNote(ctx, i, author) {
		return Note{}, model.NewForbiddenError("not allowed to add notes to this work")
	}
	if private && !i.CanSeePrivateNotes(ctx, author) {
		return Note{}, model.NewForbiddenError("not allowed to add private notes to this work")
	}

	data := map[string]any{"note": text}
	if private {
		data["private"] = true
	}
	entry, err := i.AddTimelineEntry(ctx, model.ActionNote, data)
	if err != nil {
		return Note{}, err
	}
	return Note{
		EntryID:  entry.ID,
		Datetime: entry.Datetime,
		User:     entry.User,
		Action:   entry.Action,
		State:    entry.State,
		Text:     text,
		Private:  private,
	}, nil
}

// Notes returns the notes viewer may see, oldest first.
func (i *Instance) Notes(ctx context.Context, viewer model.Principal) ([]Note, error) {
	seePrivate := i.CanSeePrivateNotes(ctx, viewer)

	var notes []Note
	for entry, err := range i.Timeline(ctx, timeline.Query{}) {
		if err != nil {
			return nil, err
		}
		if len(entry.JSON) == 0 {
			continue
		}
		data, err := entry.Data()
		if err != nil {
			return nil, fmt.Errorf("timeline entry %d: %w", entry.ID, err)
		}
		text, _ := data["note"].(string)
		if text == "" {
			continue
		}
		private, _ := data["private"].(bool)
		if private && !seePrivate {
			continue
		}
		notes = append(notes, Note{
			EntryID:  entry.ID,
			Datetime: entry.Datetime,
			User:     entry.User,
			Action:   entry.Action,
			State:    entry.State,
			Text:     text,
			Private:  private,
		})
	}
	return notes, nil
}
