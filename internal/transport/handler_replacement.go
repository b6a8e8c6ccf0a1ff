package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/worktrail/internal/workflow"
)

func (h *workHandlers) entityReplacements(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}
	h.writeReplacements(w, r, inst)
}

// replaceEntity and selectEntities are open to whoever the work is
// actionable by, and to administrators.
func (h *workHandlers) replaceEntity(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}
	var body struct {
		Replacement string `json:"replacement"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	if !h.isAdmin(r) && !inst.IsActionableBy(h.principal(r.Context())) {
		WriteForbidden(w, "You are not responsible for this work")
		return
	}

	err := inst.ReplaceEntity(r.Context(), chi.URLParam(r, "entity"), chi.URLParam(r, "original"), body.Replacement)
	if err != nil {
		WriteError(w, err)
		return
	}
	h.writeReplacements(w, r, inst)
}

func (h *workHandlers) selectEntities(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}
	var body struct {
		Selected []string `json:"selected"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	if !h.isAdmin(r) && !inst.IsActionableBy(h.principal(r.Context())) {
		WriteForbidden(w, "You are not responsible for this work")
		return
	}

	if err := inst.SelectEntities(r.Context(), chi.URLParam(r, "entity"), body.Selected); err != nil {
		WriteError(w, err)
		return
	}
	h.writeReplacements(w, r, inst)
}

func (h *workHandlers) writeReplacements(w http.ResponseWriter, r *http.Request, inst *workflow.Instance) {
	rows, err := inst.EntityReplacements(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if rows == nil {
		rows = []workflow.ReplaceableEntity{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": rows})
}
