// Package transport contains the HTTP router, middleware chain, and the
// request handlers of the work tracking API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/worktrail/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrForbidden:            http.StatusForbidden,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrConflict:             http.StatusConflict,
	model.ErrValidationError:      http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:    http.StatusUnprocessableEntity,
	model.ErrInternalError:        http.StatusInternalServerError,
	model.ErrWorkflowNotFound:     http.StatusNotFound,
	model.ErrUnexpectedWorkType:   http.StatusConflict,
	model.ErrDefinitionIntegrity:  http.StatusInternalServerError,
	model.ErrDispatchLoop:         http.StatusInternalServerError,
	model.ErrRegistrySealed:       http.StatusInternalServerError,
	model.ErrServiceAlreadyExists: http.StatusInternalServerError,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON encodes body and writes it with status. A body that cannot be
// encoded becomes a 500.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	if body == nil {
		writeRawJSON(w, status, nil)
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw, _ = json.Marshal(errorResponse{Error: model.NewInternalError()})
	}
	writeRawJSON(w, status, raw)
}

func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}

// WriteError writes err as an ErrorEnvelope. Envelopes are found through
// wrapping; any other error becomes a bare 500 so storage details never
// reach the client.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// StatusFor returns the HTTP status for an error code, defaulting to 500.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}
