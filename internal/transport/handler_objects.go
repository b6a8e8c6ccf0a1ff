package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/worktrail/internal/objects"
	"github.com/pitabwire/worktrail/model"
)

// handleObjectPut upserts an object. The store notifies its subscribers, so
// work whose responsibility depends on the object is re-evaluated.
func handleObjectPut(store objects.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "ref")

		var obj model.Object
		if err := decodeJSON(r, &obj); err != nil {
			WriteError(w, err)
			return
		}
		if obj.Ref != "" && obj.Ref != ref {
			WriteError(w, model.NewBadRequestError("Object ref does not match the URL"))
			return
		}
		obj.Ref = ref

		if err := store.Put(r.Context(), obj); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, obj)
	}
}
