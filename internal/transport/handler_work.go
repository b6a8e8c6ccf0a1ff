package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/worktrail/internal/idempotency"
	"github.com/pitabwire/worktrail/internal/observability"
	"github.com/pitabwire/worktrail/internal/workflow"
	"github.com/pitabwire/worktrail/model"
)

const maxBodyBytes = 1 << 20

// Idempotency headers for transition requests.
const (
	HeaderIdempotencyKey     = "Idempotency-Key"
	HeaderIdempotentReplayed = "Idempotent-Replayed"
)

// workHandlers serves the work unit endpoints.
type workHandlers struct {
	engine    *workflow.Engine
	directory workflow.Directory
	adminRole string
	logger    *zap.Logger

	idempotency idempotency.Store
	idemPrefix  string
	idemTTL     time.Duration
}

// workView is the JSON representation of a work unit.
type workView struct {
	ID           int64                     `json:"id"`
	WorkType     string                    `json:"work_type"`
	Ref          string                    `json:"ref,omitempty"`
	Title        string                    `json:"title"`
	State        string                    `json:"state"`
	Target       string                    `json:"target,omitempty"`
	Status       string                    `json:"status"`
	Closed       bool                      `json:"closed"`
	Visible      bool                      `json:"visible"`
	ActionableBy model.Principal           `json:"actionable_by"`
	Flags        []string                  `json:"flags"`
	Transitions  []workflow.TransitionView `json:"transitions"`
	Version      int                       `json:"version"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// workSummary is the short form used in listings.
type workSummary struct {
	ID           int64           `json:"id"`
	WorkType     string          `json:"work_type"`
	State        string          `json:"state"`
	Closed       bool            `json:"closed"`
	Visible      bool            `json:"visible"`
	ActionableBy model.Principal `json:"actionable_by"`
}

func buildWorkView(ctx context.Context, inst *workflow.Instance) (workView, error) {
	flags, err := inst.Flags(ctx)
	if err != nil {
		return workView{}, err
	}
	transitions, err := inst.Transitions(ctx)
	if err != nil {
		return workView{}, err
	}
	title, err := inst.Title(ctx)
	if err != nil {
		return workView{}, err
	}
	status, err := inst.StatusText(ctx)
	if err != nil {
		return workView{}, err
	}

	rec := inst.Record()
	if transitions == nil {
		transitions = []workflow.TransitionView{}
	}
	return workView{
		ID:           rec.ID,
		WorkType:     rec.WorkType,
		Ref:          rec.Ref,
		Title:        title,
		State:        rec.State(),
		Target:       rec.Target(),
		Status:       status,
		Closed:       rec.Closed,
		Visible:      rec.Visible,
		ActionableBy: inst.ActionableByPrincipal(),
		Flags:        flags.List(),
		Transitions:  transitions,
		Version:      rec.Version,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

func (h *workHandlers) start(w http.ResponseWriter, r *http.Request) {
	workType := chi.URLParam(r, "workType")

	var body struct {
		Ref        string         `json:"ref"`
		Data       map[string]any `json:"data"`
		Properties map[string]any `json:"properties"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}

	inst, err := h.engine.Start(r.Context(), workType, workflow.StartProps{
		Ref:        body.Ref,
		Data:       body.Data,
		Properties: body.Properties,
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	h.writeView(w, r, inst, http.StatusCreated)
}

func (h *workHandlers) get(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}
	h.writeView(w, r, inst, http.StatusOK)
}

func (h *workHandlers) transition(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	raw, err := readBody(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var body struct {
		Data   map[string]any `json:"data"`
		Target string         `json:"target"`
	}
	if err := decodeBytes(raw, &body); err != nil {
		WriteError(w, err)
		return
	}

	// A retried request is answered before the responsibility check: the
	// first attempt may already have handed the work to someone else.
	var key, hash string
	if clientKey := r.Header.Get(HeaderIdempotencyKey); clientKey != "" && h.idempotency != nil {
		key = idempotency.Key(h.idemPrefix, inst.ID(), model.ActorID(ctx), clientKey)
		hash = idempotency.Hash([]byte(name), raw)
		resp, found, err := h.idempotency.Check(ctx, key, hash)
		if err != nil {
			WriteError(w, err)
			return
		}
		if found {
			w.Header().Set(HeaderIdempotentReplayed, "true")
			writeRawJSON(w, resp.Status, resp.Body)
			return
		}
	}

	if !h.isAdmin(r) && !inst.IsActionableBy(h.principal(ctx)) {
		WriteForbidden(w, "You are not responsible for this work")
		return
	}

	if err := inst.Transition(ctx, name, body.Data, body.Target); err != nil {
		WriteError(w, err)
		return
	}

	if key == "" {
		h.writeView(w, r, inst, http.StatusOK)
		return
	}

	view, err := buildWorkView(ctx, inst)
	if err != nil {
		WriteError(w, err)
		return
	}
	out, err := json.Marshal(view)
	if err != nil {
		WriteError(w, err)
		return
	}
	resp := idempotency.Response{Status: http.StatusOK, Body: out}
	if err := h.idempotency.Save(ctx, key, hash, resp, h.idemTTL); err != nil {
		observability.LoggerFrom(ctx, h.logger).Warn("saving idempotent response failed",
			zap.Int64("work_unit_id", inst.ID()),
			zap.String("transition", name),
			zap.Error(err),
		)
	}
	writeRawJSON(w, resp.Status, resp.Body)
}

func (h *workHandlers) timeline(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}

	entries, err := inst.TimelineEntries(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}

	seePrivate := inst.CanSeePrivateNotes(r.Context(), h.principal(r.Context()))
	out := make([]model.TimelineEntry, 0, len(entries))
	for _, e := range entries {
		if !seePrivate && isPrivate(e) {
			e.JSON = nil
		}
		out = append(out, e)
	}

	WriteJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *workHandlers) addNote(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}

	var body struct {
		Text    string `json:"text"`
		Private bool   `json:"private"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}

	note, err := inst.AddNote(r.Context(), h.principal(r.Context()), body.Text, body.Private)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, note)
}

func (h *workHandlers) notes(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}

	notes, err := inst.Notes(r.Context(), h.principal(r.Context()))
	if err != nil {
		WriteError(w, err)
		return
	}
	if notes == nil {
		notes = []workflow.Note{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": notes})
}

// workForRef lists the work about an object. Hidden work is only listed for
// administrators.
func (h *workHandlers) workForRef(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	instances, err := h.engine.WorkForRef(r.Context(), ref)
	if err != nil {
		WriteError(w, err)
		return
	}

	admin := h.isAdmin(r)
	out := make([]workSummary, 0, len(instances))
	for _, inst := range instances {
		if !inst.Visible() && !admin {
			continue
		}
		out = append(out, workSummary{
			ID:           inst.ID(),
			WorkType:     inst.WorkType(),
			State:        inst.State(),
			Closed:       inst.Closed(),
			Visible:      inst.Visible(),
			ActionableBy: inst.ActionableByPrincipal(),
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": out})
}

// --- helpers ---

func (h *workHandlers) load(w http.ResponseWriter, r *http.Request) (*workflow.Instance, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, model.NewBadRequestError("Invalid work id"))
		return nil, false
	}
	inst, err := h.engine.Load(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return nil, false
	}
	return inst, true
}

func (h *workHandlers) writeView(w http.ResponseWriter, r *http.Request, inst *workflow.Instance, status int) {
	view, err := buildWorkView(r.Context(), inst)
	if err != nil {
		WriteError(w, err)
		return
	}
	if status == http.StatusCreated {
		w.Header().Set("Location", fmt.Sprintf("/work/%d", view.ID))
	}
	WriteJSON(w, status, view)
}

// principal returns the directory entry for the acting subject, or a bare
// user principal when the directory does not know them.
func (h *workHandlers) principal(ctx context.Context) model.Principal {
	id := model.ActorID(ctx)
	if h.directory != nil {
		if p, ok := h.directory.User(id); ok {
			return p
		}
	}
	return model.Principal{ID: id, Kind: model.PrincipalUser, Name: id}
}

func (h *workHandlers) isAdmin(r *http.Request) bool {
	rctx := model.RequestContextFrom(r.Context())
	return rctx != nil && h.adminRole != "" && rctx.HasRole(h.adminRole)
}

func isPrivate(e model.TimelineEntry) bool {
	if len(e.JSON) == 0 {
		return false
	}
	data, err := e.Data()
	if err != nil {
		return true
	}
	private, _ := data["private"].(bool)
	return private
}

// readBody reads the request body up to maxBodyBytes. A missing body reads as
// nil.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, model.NewBadRequestError("Unreadable request body")
	}
	return raw, nil
}

// decodeBytes decodes a body already read by readBody into v. A blank body
// leaves v untouched.
func decodeBytes(raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return model.NewBadRequestError("Invalid JSON body")
	}
	return nil
}

// decodeJSON decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewBadRequestError("Invalid JSON body")
	}
	return nil
}
