package definition

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pitabwire/worktrail/model"
)

// StartState is the state a new instance begins in unless a $start handler
// chooses another.
const StartState = "START"

// Validation error codes.
const (
	CodeRequired        = "REQUIRED"
	CodeDuplicate       = "DUPLICATE"
	CodeDispatchAndList = "DISPATCH_WITH_TRANSITIONS"
	CodeUnknownState    = "UNKNOWN_STATE"
	CodeReservedName    = "RESERVED_NAME"
	CodeUnknownEntity   = "UNKNOWN_ENTITY"
	CodeEntityCycle     = "ENTITY_CYCLE"
)

// subjectEntity is the built-in entity naming the record's subject object.
const subjectEntity = "object"

var reservedActions = []string{
	model.ActionStart, model.ActionMove, model.ActionAutoMove, model.ActionNote,
	model.ActionHide, model.ActionUnhide, model.ActionEntityReplace, model.ActionEntitySelect,
}

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks workflow definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions and reports every problem found.
func (v *Validator) Validate(defs []model.WorkflowDefinition) []VError {
	var errs []VError
	seen := make(map[string]int)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}
		if first, dup := seen[def.Name]; dup && def.Name != "" {
			errs = append(errs, VError{
				Path:    prefix + ".name",
				Code:    CodeDuplicate,
				Message: fmt.Sprintf("workflow %q is also defined by definitions[%d]", def.Name, first),
			})
		} else {
			seen[def.Name] = i
		}
		errs = append(errs, v.ValidateOne(prefix, def)...)
	}
	return errs
}

// ValidateOne checks a single definition.
func (v *Validator) ValidateOne(prefix string, def model.WorkflowDefinition) []VError {
	var errs []VError

	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: CodeRequired, Message: "name is required"})
	}
	if len(def.States) == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: CodeRequired, Message: "at least one state is required"})
		return errs
	}
	if _, ok := def.States[StartState]; !ok {
		errs = append(errs, VError{Path: prefix + ".states", Code: CodeRequired, Message: "a START state is required"})
	}

	for _, name := range sortedKeys(def.States) {
		sp := fmt.Sprintf("%s.states.%s", prefix, name)
		errs = append(errs, v.validateState(sp, def, def.States[name])...)
	}

	errs = append(errs, v.validateEntities(prefix+".entities", def.Entities)...)
	return errs
}

func (v *Validator) validateState(path string, def model.WorkflowDefinition, st model.StateDefinition) []VError {
	var errs []VError

	if st.IsDispatch() && st.HasTransitions() {
		errs = append(errs, VError{Path: path, Code: CodeDispatchAndList, Message: "a state may declare dispatch or transitions, not both"})
	}
	if st.IsDispatch() && len(st.Dispatch) == 0 {
		errs = append(errs, VError{Path: path + ".dispatch", Code: CodeRequired, Message: "dispatch needs at least one candidate"})
	}
	for i, dest := range st.Dispatch {
		if _, ok := def.States[dest]; !ok {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.dispatch[%d]", path, i),
				Code:    CodeUnknownState,
				Message: fmt.Sprintf("dispatch candidate %q is not a declared state", dest),
			})
		}
	}

	names := make(map[string]bool)
	for i, t := range st.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", path, i)
		switch {
		case t.Name == "":
			errs = append(errs, VError{Path: tp, Code: CodeRequired, Message: "transition name is required"})
		case slices.Contains(reservedActions, t.Name):
			errs = append(errs, VError{Path: tp, Code: CodeReservedName, Message: fmt.Sprintf("%q is a reserved timeline action", t.Name)})
		case names[t.Name]:
			errs = append(errs, VError{Path: tp, Code: CodeDuplicate, Message: fmt.Sprintf("transition %q is declared twice", t.Name)})
		}
		names[t.Name] = true

		if len(t.Destinations) == 0 {
			errs = append(errs, VError{Path: tp, Code: CodeRequired, Message: "transition needs at least one destination"})
		}
		for _, dest := range t.Destinations {
			if _, ok := def.States[dest]; !ok {
				errs = append(errs, VError{
					Path:    tp,
					Code:    CodeUnknownState,
					Message: fmt.Sprintf("destination %q is not a declared state", dest),
				})
			}
		}
	}

	if st.Finish && st.IsDispatch() {
		errs = append(errs, VError{Path: path, Code: CodeDispatchAndList, Message: "a finish state cannot dispatch"})
	}
	return errs
}

// validateEntities checks that every path entity reads from a known entity
// and that paths do not form a cycle.
func (v *Validator) validateEntities(path string, entities map[string]model.EntityPath) []VError {
	var errs []VError
	if _, ok := entities[subjectEntity]; ok {
		errs = append(errs, VError{Path: path + "." + subjectEntity, Code: CodeReservedName, Message: "the object entity is built in"})
	}
	for _, name := range sortedKeys(entities) {
		e := entities[name]
		ep := path + "." + name
		if e.Attribute == "" {
			errs = append(errs, VError{Path: ep + ".attribute", Code: CodeRequired, Message: "attribute is required"})
		}
		if e.Source != subjectEntity {
			if _, ok := entities[e.Source]; !ok {
				errs = append(errs, VError{Path: ep + ".source", Code: CodeUnknownEntity, Message: fmt.Sprintf("source entity %q is not defined", e.Source)})
				continue
			}
		}
		if cyclic(name, entities) {
			errs = append(errs, VError{Path: ep, Code: CodeEntityCycle, Message: "entity path refers back to itself"})
		}
	}
	return errs
}

func cyclic(start string, entities map[string]model.EntityPath) bool {
	seen := map[string]bool{start: true}
	for cur := entities[start].Source; cur != subjectEntity; cur = entities[cur].Source {
		if seen[cur] {
			return true
		}
		if _, ok := entities[cur]; !ok {
			return false
		}
		seen[cur] = true
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Summary joins validation errors into one message.
func Summary(errs []VError) string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}
