package model

import (
	"encoding/json"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

// WorkflowDefinition is the root structure of a workflow definition file. It
// declares one workflow type's state table, text and entities.
type WorkflowDefinition struct {
	Name        string                     `yaml:"name"        json:"name"`
	Description string                     `yaml:"description" json:"description,omitempty"`
	States      map[string]StateDefinition `yaml:"states"      json:"states"`
	Text        map[string]string          `yaml:"text"        json:"text,omitempty"`
	Entities    map[string]EntityPath      `yaml:"entities"    json:"entities,omitempty"`
	// Features names reusable behaviour installed when the workflow is
	// implemented, for example "std:notes".
	Features    []string                   `yaml:"features"    json:"features,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// StateDefinition describes a single state. A state either exposes
// Transitions to callers or resolves immediately through Dispatch, never both.
type StateDefinition struct {
	Transitions       []TransitionDefinition `yaml:"transitions"          json:"transitions,omitempty"`
	Dispatch          []string               `yaml:"dispatch"             json:"dispatch,omitempty"`
	ActionableBy      string                 `yaml:"actionable_by"        json:"actionable_by,omitempty"`
	FlagsSetOnEnter   []string               `yaml:"flags_set_on_enter"   json:"flags_set_on_enter,omitempty"`
	FlagsUnsetOnEnter []string               `yaml:"flags_unset_on_enter" json:"flags_unset_on_enter,omitempty"`
	FlagsSetOnExit    []string               `yaml:"flags_set_on_exit"    json:"flags_set_on_exit,omitempty"`
	FlagsUnsetOnExit  []string               `yaml:"flags_unset_on_exit"  json:"flags_unset_on_exit,omitempty"`
	Flags             []string               `yaml:"flags"                json:"flags,omitempty"`
	Finish            bool                   `yaml:"finish"               json:"finish,omitempty"`
}

// IsDispatch reports whether the state resolves automatically to one of its
// dispatch candidates.
func (s StateDefinition) IsDispatch() bool {
	return s.Dispatch != nil
}

// HasTransitions reports whether the state declares a transitions list.
func (s StateDefinition) HasTransitions() bool {
	return s.Transitions != nil
}

// Transition returns the declared transition with the given name.
func (s StateDefinition) Transition(name string) (TransitionDefinition, bool) {
	for _, t := range s.Transitions {
		if t.Name == name {
			return t, true
		}
	}
	return TransitionDefinition{}, false
}

// TransitionDefinition is one `[name, destination, ...]` tuple. The first
// destination is the default; the rest are the other states a destination
// resolver may choose.
type TransitionDefinition struct {
	Name         string
	Destinations []string
}

// Allows reports whether state is one of the declared candidate destinations.
func (t TransitionDefinition) Allows(state string) bool {
	return slices.Contains(t.Destinations, state)
}

// UnmarshalYAML accepts the compact sequence form `[submit, REVIEW]` as well
// as a mapping with `name` and `destinations` keys.
func (t *TransitionDefinition) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var parts []string
		if err := node.Decode(&parts); err != nil {
			return err
		}
		if len(parts) < 2 {
			return fmt.Errorf("line %d: transition needs a name and at least one destination", node.Line)
		}
		t.Name = parts[0]
		t.Destinations = parts[1:]
		return nil
	case yaml.MappingNode:
		var m struct {
			Name         string   `yaml:"name"`
			Destinations []string `yaml:"destinations"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		t.Name = m.Name
		t.Destinations = m.Destinations
		return nil
	default:
		return fmt.Errorf("line %d: transition must be a sequence or mapping", node.Line)
	}
}

// MarshalJSON renders the tuple form.
func (t TransitionDefinition) MarshalJSON() ([]byte, error) {
	return json.Marshal(append([]string{t.Name}, t.Destinations...))
}

// EntityPath declares an entity as an attribute read from the first object of
// another entity, for example the supervisor of the subject object.
type EntityPath struct {
	Source    string `yaml:"source"    json:"source"`
	Attribute string `yaml:"attribute" json:"attribute"`
}
