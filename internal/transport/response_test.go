package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/worktrail/model"
)

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return resp.Error
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]any{"id": 7, "state": "START"})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("nosniff header missing")
	}
	if w.Body.String() != `{"id":7,"state":"START"}` {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestWriteJSON_unencodable(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]any{"bad": make(chan int)})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if env := decodeEnvelope(t, w); env.Code != model.ErrInternalError {
		t.Errorf("code = %q", env.Code)
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"envelope", model.NewNotFoundError("work 7 not found"), 404, model.ErrNotFound, "work 7 not found"},
		{"wrapped", fmt.Errorf("saving work record: %w", model.NewConflictError("stale version")), 409, model.ErrConflict, "stale version"},
		{"plain error hides details", errors.New("pq: connection refused"), 500, model.ErrInternalError, ""},
		{"forbidden", model.NewForbiddenError("not yours"), 403, model.ErrForbidden, "not yours"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			env := decodeEnvelope(t, w)
			if env.Code != tt.code {
				t.Errorf("code = %q, want %q", env.Code, tt.code)
			}
			if tt.message != "" && env.Message != tt.message {
				t.Errorf("message = %q, want %q", env.Message, tt.message)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	for code, want := range map[string]int{
		model.ErrBadRequest:           400,
		model.ErrUnauthorized:         401,
		model.ErrValidationError:      422,
		model.ErrInvalidTransition:    422,
		model.ErrWorkflowNotFound:     404,
		model.ErrUnexpectedWorkType:   409,
		model.ErrDefinitionIntegrity:  500,
		model.ErrDispatchLoop:         500,
		model.ErrRegistrySealed:       500,
		model.ErrServiceAlreadyExists: 500,
		"SOMETHING_ELSE":              500,
	} {
		if got := StatusFor(code); got != want {
			t.Errorf("StatusFor(%s) = %d, want %d", code, got, want)
		}
	}
}
