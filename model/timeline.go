package model

import (
	"encoding/json"
	"time"
)

// Reserved system timeline actions. Upper case action names are reserved for
// the engine; workflows use lower case transition names.
const (
	ActionStart         = "START"
	ActionMove          = "MOVE"
	ActionAutoMove      = "AUTOMOVE"
	ActionNote          = "NOTE"
	ActionHide          = "HIDE"
	ActionUnhide        = "UNHIDE"
	ActionEntityReplace = "ENTITY_REPLACE"
	ActionEntitySelect  = "ENTITY_SELECT"
)

// TimelineEntry is one immutable audit row describing a lifecycle event.
// Entries are ordered by ID, never by Datetime.
type TimelineEntry struct {
	ID            int64           `json:"id"`
	WorkUnitID    int64           `json:"work_unit_id"`
	Datetime      time.Time       `json:"datetime"`
	User          string          `json:"user"`
	Action        string          `json:"action"`
	PreviousState *string         `json:"previous_state"`
	Target        *string         `json:"target"`
	State         string          `json:"state"`
	JSON          json.RawMessage `json:"json,omitempty"`
}

// IsTransition reports whether the entry records a state change used by flag
// replay.
func (e TimelineEntry) IsTransition() bool {
	return e.PreviousState != nil
}

// Data decodes the JSON payload. An entry without payload yields an empty map.
func (e TimelineEntry) Data() (map[string]any, error) {
	data := map[string]any{}
	if len(e.JSON) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(e.JSON, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
