package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/worktrail/internal/entities"
	"github.com/pitabwire/worktrail/internal/handler"
	"github.com/pitabwire/worktrail/internal/jobs"
	"github.com/pitabwire/worktrail/internal/observability"
	"github.com/pitabwire/worktrail/internal/record"
	"github.com/pitabwire/worktrail/internal/timeline"
	"github.com/pitabwire/worktrail/model"
)

// Directory resolves users and groups.
type Directory interface {
	Group(id string) (model.Principal, bool)
	User(id string) (model.Principal, bool)
	UserByRef(ref string) (model.Principal, bool)
	IsMember(subjectID, group string) bool
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Registry  *Registry
	Records   record.Store
	Timeline  timeline.Store
	Objects   entities.Loader
	Directory Directory
	// Jobs receives responsibility updates when objects change. Optional.
	Jobs jobs.Queue
	// FallbackGroup is made responsible when resolution finds nobody.
	FallbackGroup string
	Logger        *zap.Logger
	Metrics       *observability.Metrics
}

// Engine creates and loads workflow instances.
type Engine struct {
	registry      *Registry
	records       record.Store
	timeline      timeline.Store
	objects       entities.Loader
	directory     Directory
	jobs          jobs.Queue
	fallbackGroup string
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

// NewEngine creates an engine over a sealed registry.
func NewEngine(d Deps) (*Engine, error) {
	switch {
	case d.Registry == nil:
		return nil, errors.New("workflow: registry is required")
	case !d.Registry.Sealed():
		return nil, errors.New("workflow: registry must be sealed before use")
	case d.Records == nil:
		return nil, errors.New("workflow: record store is required")
	case d.Timeline == nil:
		return nil, errors.New("workflow: timeline store is required")
	case d.Objects == nil:
		return nil, errors.New("workflow: object store is required")
	case d.Directory == nil:
		return nil, errors.New("workflow: directory is required")
	case d.FallbackGroup == "":
		return nil, errors.New("workflow: fallback group is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry:      d.Registry,
		records:       d.Records,
		timeline:      d.Timeline,
		objects:       d.Objects,
		directory:     d.Directory,
		jobs:          d.Jobs,
		fallbackGroup: d.FallbackGroup,
		logger:        logger,
		metrics:       d.Metrics,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// Registry returns the workflow registry.
func (e *Engine) Registry() *Registry { return e.registry }

// StartProps are the inputs to Start.
type StartProps struct {
	// Ref is the object the work is about. Optional.
	Ref        string
	Data       map[string]any
	Properties map[string]any
}

// Start creates a work record of workType and records its START entry.
func (e *Engine) Start(ctx context.Context, workType string, props StartProps) (*Instance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start", observability.AttrWorkType.String(workType))
	inst, err := e.start(ctx, workType, props)
	observability.EndSpanWithError(span, err)
	return inst, err
}

func (e *Engine) start(ctx context.Context, workType string, props StartProps) (*Instance, error) {
	// 1. Look up workflow.
	w, err := e.registry.Lookup(workType)
	if err != nil {
		return nil, err
	}

	actor := model.ActorID(ctx)
	rec := model.WorkRecord{
		WorkType:  workType,
		Ref:       props.Ref,
		Visible:   true,
		Data:      props.Data,
		CreatedBy: actor,
		Tags:      map[string]string{},
	}
	inst := e.newInstance(w, rec)

	// 2. Let $start functions choose the initial state.
	initial := &Initial{State: StartState}
	err = handler.Notify(ctx, w.start, inst, func(fn StartFunc) error {
		return fn(ctx, inst, initial, props.Properties)
	})
	if err != nil {
		return nil, err
	}
	st, ok := w.StateDefinition(initial.State)
	if !ok {
		return nil, model.NewDefinitionIntegrityError("Start state does not exist: " + initial.State)
	}

	// 3. Position the record.
	inst.rec.SetTag(model.TagState, initial.State)
	if initial.Target != "" {
		inst.rec.SetTag(model.TagTarget, initial.Target)
	}
	inst.invalidate()

	// 4. Persist, so responsibility dependencies can be recorded against it.
	if err := handler.Notify(ctx, w.preWorkUnitSave, inst, func(fn Hook) error {
		return fn(ctx, inst, Event{Transition: model.ActionStart})
	}); err != nil {
		return nil, err
	}
	if err := e.records.Create(ctx, &inst.rec); err != nil {
		return nil, fmt.Errorf("create work record: %w", err)
	}

	// 5. Resolve who is responsible.
	if st.ActionableBy != "" {
		if _, err := inst.updateActionableBy(ctx, st.ActionableBy, initial.Target); err != nil {
			return nil, err
		}
		if err := inst.save(ctx); err != nil {
			return nil, err
		}
	}

	// 6. Record the start.
	_, err = inst.appendEntry(ctx, model.TimelineEntry{
		Action:        model.ActionStart,
		PreviousState: model.StringPtr(StartState),
		Target:        model.StringPtr(initial.Target),
		State:         initial.State,
	})
	if err != nil {
		return inst, err
	}

	e.logFor(ctx).Info("work started",
		zap.String("work_type", workType),
		zap.Int64("work_unit_id", inst.ID()),
		zap.String("state", initial.State),
		zap.String("actionable_by", inst.rec.ActionableBy),
	)
	return inst, nil
}

// Instance wraps a loaded record in the instance of its workflow.
func (e *Engine) Instance(rec model.WorkRecord) (*Instance, error) {
	w, err := e.registry.Lookup(rec.WorkType)
	if err != nil {
		return nil, err
	}
	return e.newInstance(w, rec), nil
}

// InstanceOf is Instance for callers that expect a particular work type.
func (e *Engine) InstanceOf(workType string, rec model.WorkRecord) (*Instance, error) {
	if rec.WorkType != workType {
		return nil, model.NewUnexpectedWorkTypeError(rec.WorkType, workType)
	}
	return e.Instance(rec)
}

// Load reads a record and returns its instance.
func (e *Engine) Load(ctx context.Context, id int64) (*Instance, error) {
	rec, err := e.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Instance(rec)
}

// InstanceForRef returns the instance of workType about ref. When several
// exist the oldest is returned.
func (e *Engine) InstanceForRef(ctx context.Context, workType, ref string) (*Instance, error) {
	recs, err := e.records.Find(ctx, record.Filter{WorkType: workType, Ref: ref, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, model.NewNotFoundError(fmt.Sprintf("no %s work for %s", workType, ref))
	}
	return e.Instance(recs[0])
}

// WorkForRef returns every instance about ref whose workflow is implemented.
func (e *Engine) WorkForRef(ctx context.Context, ref string) ([]*Instance, error) {
	recs, err := e.records.Find(ctx, record.Filter{Ref: ref})
	if err != nil {
		return nil, err
	}
	out := make([]*Instance, 0, len(recs))
	for _, rec := range recs {
		w, ok := e.registry.Get(rec.WorkType)
		if !ok {
			continue
		}
		out = append(out, e.newInstance(w, rec))
	}
	return out, nil
}

func (e *Engine) newInstance(w *Workflow, rec model.WorkRecord) *Instance {
	inst := &Instance{engine: e, workflow: w, rec: rec}
	inst.entities = w.entitySet.Bind(e.objects, rec.Ref).WithOwner(inst)
	return inst
}

func (e *Engine) logFor(ctx context.Context) *zap.Logger {
	return observability.RequestLogger(ctx, e.logger)
}

func (e *Engine) fallback() model.Principal {
	if g, ok := e.directory.Group(e.fallbackGroup); ok {
		return g
	}
	return model.Principal{ID: e.fallbackGroup, Kind: model.PrincipalGroup, Name: e.fallbackGroup}
}
