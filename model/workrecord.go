package model

import (
	"maps"
	"strings"
	"time"
)

// Reserved tag keys on a WorkRecord.
const (
	TagState  = "state"
	TagTarget = "target"

	// DependencyTagSuffix marks a tag `<ref>.ABD` recording that the
	// record's responsible party was computed from the referenced object.
	DependencyTagSuffix = ".ABD"
	DependencyTagValue  = "t"
)

// WorkRecord is the persisted subject of a workflow instance.
type WorkRecord struct {
	ID           int64             `json:"id"`
	WorkType     string            `json:"work_type"`
	Ref          string            `json:"ref,omitempty"`
	Tags         map[string]string `json:"tags"`
	ActionableBy string            `json:"actionable_by,omitempty"`
	Closed       bool              `json:"closed"`
	Visible      bool              `json:"visible"`
	Data         map[string]any    `json:"data,omitempty"`
	CreatedBy    string            `json:"created_by,omitempty"`
	ClosedBy     string            `json:"closed_by,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Version      int               `json:"version"`
}

// State returns the current state tag.
func (r *WorkRecord) State() string {
	return r.Tags[TagState]
}

// Target returns the target tag, or "" when unset.
func (r *WorkRecord) Target() string {
	return r.Tags[TagTarget]
}

// SetTag sets a tag, allocating the map on first use.
func (r *WorkRecord) SetTag(key, value string) {
	if r.Tags == nil {
		r.Tags = make(map[string]string)
	}
	r.Tags[key] = value
}

// Close marks the record as finished by subjectID.
func (r *WorkRecord) Close(subjectID string) {
	r.Closed = true
	r.ClosedBy = subjectID
}

// Reopen clears the closed marker.
func (r *WorkRecord) Reopen() {
	r.Closed = false
	r.ClosedBy = ""
}

// DependencyTags returns the keys of every `<ref>.ABD` tag.
func (r *WorkRecord) DependencyTags() []string {
	var keys []string
	for k := range r.Tags {
		if strings.HasSuffix(k, DependencyTagSuffix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Clone returns a deep copy of the record's mutable maps.
func (r WorkRecord) Clone() WorkRecord {
	r.Tags = maps.Clone(r.Tags)
	r.Data = maps.Clone(r.Data)
	return r
}

// DependencyTag returns the tag key marking ref as a dependency.
func DependencyTag(ref string) string {
	return ref + DependencyTagSuffix
}
