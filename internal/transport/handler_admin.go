package transport

import (
	"net/http"

	"github.com/pitabwire/worktrail/model"
)

// forceMove puts work back into the position recorded by a timeline entry.
func (h *workHandlers) forceMove(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}

	var body struct {
		EntryID int64  `json:"entry_id"`
		Target  string `json:"target"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	if body.EntryID <= 0 {
		WriteError(w, model.NewBadRequestError("entry_id is required"))
		return
	}

	if err := inst.ForceMove(r.Context(), body.EntryID, body.Target); err != nil {
		WriteError(w, err)
		return
	}
	h.writeView(w, r, inst, http.StatusOK)
}

func (h *workHandlers) setVisibility(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}

	var body struct {
		Visible *bool `json:"visible"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	if body.Visible == nil {
		WriteError(w, model.NewBadRequestError("visible is required"))
		return
	}

	changed, err := inst.SetVisible(r.Context(), *body.Visible)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"visible": inst.Visible(),
		"changed": changed,
	})
}

func (h *workHandlers) refreshActionableBy(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}

	p, err := inst.RefreshActionableBy(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"actionable_by": p})
}
