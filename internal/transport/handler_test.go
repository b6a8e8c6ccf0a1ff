package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/worktrail/internal/definition"
	"github.com/pitabwire/worktrail/internal/directory"
	"github.com/pitabwire/worktrail/internal/idempotency"
	"github.com/pitabwire/worktrail/internal/objects"
	"github.com/pitabwire/worktrail/internal/observability"
	"github.com/pitabwire/worktrail/internal/record"
	"github.com/pitabwire/worktrail/internal/timeline"
	"github.com/pitabwire/worktrail/internal/workflow"
	"github.com/pitabwire/worktrail/model"
)

// --- Test helpers ---

type testServer struct {
	router chi.Router
	engine *workflow.Engine
}

// newTestServer serves the testdata workflows. configure may add to the
// registry before it is sealed.
func newTestServer(t *testing.T, configure ...func(r *workflow.Registry) error) *testServer {
	t.Helper()

	dir, err := directory.Load("../directory/testdata/directory.yaml")
	if err != nil {
		t.Fatalf("directory.Load() error = %v", err)
	}
	objs := objects.NewMemoryStore()
	if err := objs.Seed("../objects/testdata/objects.yaml"); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	defs, err := definition.NewLoader().LoadAll([]string{"../definition/testdata/workflows"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	reg := workflow.NewRegistry()
	if err := reg.ImplementAll(defs); err != nil {
		t.Fatalf("ImplementAll() error = %v", err)
	}
	for _, fn := range configure {
		if err := fn(reg); err != nil {
			t.Fatalf("configure registry: %v", err)
		}
	}
	if err := reg.Seal(); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	engine, err := workflow.NewEngine(workflow.Deps{
		Registry:      reg,
		Records:       record.NewMemoryStore(),
		Timeline:      timeline.NewMemoryStore(),
		Objects:       objs,
		Directory:     dir,
		FallbackGroup: "workflow-fallback",
		Logger:        zap.NewNop(),
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	objs.OnChange(engine.RecordChanged)

	deps := testDeps()
	deps.Config.Identity = testIdentityCfg()
	deps.Authenticate = JWTAuthenticator(deps.Config.Identity, testSecret)
	deps.Engine = engine
	deps.Objects = objs
	deps.Directory = dir
	deps.Metrics = metrics
	deps.Idempotency = idempotency.NewMemoryStore()

	return &testServer{router: NewRouter(deps), engine: engine}
}

// do sends a request as subject and decodes the JSON response into out when
// out is non-nil.
func (s *testServer) do(t *testing.T, subject, method, path string, body any, out any, roles ...string) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signJWT(t, jwt.SigningMethodHS256, testSecret, validClaims(subject, roles...)))

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if out != nil && w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decoding %s %s response %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code
}

type errorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

func (s *testServer) startClaim(t *testing.T) workView {
	t.Helper()
	var view workView
	if code := s.do(t, "user-carol", "POST", "/workflows/approval/instances", map[string]any{"ref": "claim-1"}, &view); code != http.StatusCreated {
		t.Fatalf("start status = %d, want 201", code)
	}
	return view
}

func transitionNames(v workView) []string {
	names := make([]string, 0, len(v.Transitions))
	for _, tr := range v.Transitions {
		names = append(names, tr.Name)
	}
	return names
}

// --- Tests ---

func TestWorkLifecycle(t *testing.T) {
	s := newTestServer(t)

	view := s.startClaim(t)
	if view.State != "START" || view.ActionableBy.ID != "user-carol" {
		t.Fatalf("started view = %+v", view)
	}
	if len(view.Transitions) != 1 || view.Transitions[0].Label != "Submit claim" {
		t.Errorf("transitions = %+v, want submit labelled Submit claim", view.Transitions)
	}
	if view.Title != "Taxi to airport" {
		t.Errorf("title = %q, want Taxi to airport", view.Title)
	}
	workPath := fmt.Sprintf("/work/%d", view.ID)

	// Bob is not responsible for the claim yet.
	var eb errorBody
	if code := s.do(t, "user-bob", "POST", workPath+"/transitions/submit", nil, &eb); code != http.StatusForbidden {
		t.Errorf("submit by bob status = %d, want 403", code)
	}

	if code := s.do(t, "user-carol", "POST", workPath+"/transitions/submit", map[string]any{"data": map[string]any{"note": "receipt attached"}}, &view); code != http.StatusOK {
		t.Fatalf("submit status = %d, want 200", code)
	}
	if view.State != "URGENT" || view.ActionableBy.ID != "approvers" {
		t.Errorf("after submit state = %s actionable by %s, want URGENT/approvers", view.State, view.ActionableBy.ID)
	}
	for _, flag := range []string{"submitted", "urgent"} {
		found := false
		for _, f := range view.Flags {
			found = found || f == flag
		}
		if !found {
			t.Errorf("flags = %v, missing %s", view.Flags, flag)
		}
	}

	// Unknown transitions are rejected with 422.
	if code := s.do(t, "user-bob", "POST", workPath+"/transitions/return", nil, &eb); code != http.StatusUnprocessableEntity {
		t.Errorf("invalid transition status = %d, want 422", code)
	}
	if eb.Error.Code != model.ErrInvalidTransition {
		t.Errorf("error code = %q, want %s", eb.Error.Code, model.ErrInvalidTransition)
	}

	// Alice is in finance, which is nested inside approvers.
	if code := s.do(t, "user-alice", "POST", workPath+"/transitions/approve", nil, &view); code != http.StatusOK {
		t.Fatalf("approve status = %d, want 200", code)
	}
	if view.State != "DONE" || !view.Closed || view.Status != "Approved" {
		t.Errorf("after approve = %+v, want closed DONE with status Approved", view)
	}

	var tl struct {
		Data []model.TimelineEntry `json:"data"`
	}
	if code := s.do(t, "user-carol", "GET", workPath+"/timeline", nil, &tl); code != http.StatusOK {
		t.Fatalf("timeline status = %d", code)
	}
	wantActions := []string{model.ActionStart, "submit", "approve"}
	if len(tl.Data) != len(wantActions) {
		t.Fatalf("timeline has %d entries, want %d", len(tl.Data), len(wantActions))
	}
	for i, a := range wantActions {
		if tl.Data[i].Action != a {
			t.Errorf("entry %d action = %q, want %q", i, tl.Data[i].Action, a)
		}
	}
	if tl.Data[2].User != "user-alice" {
		t.Errorf("approve entry user = %q, want user-alice", tl.Data[2].User)
	}

	var notes struct {
		Data []workflow.Note `json:"data"`
	}
	s.do(t, "user-carol", "GET", workPath+"/notes", nil, &notes)
	if len(notes.Data) != 1 || notes.Data[0].Text != "receipt attached" {
		t.Errorf("notes = %+v, want the note made with submit", notes.Data)
	}
}

func TestStart_unknownWorkflow(t *testing.T) {
	s := newTestServer(t)
	var eb errorBody
	if code := s.do(t, "user-carol", "POST", "/workflows/nope/instances", map[string]any{}, &eb); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
	if eb.Error.Code != model.ErrWorkflowNotFound {
		t.Errorf("code = %q, want %s", eb.Error.Code, model.ErrWorkflowNotFound)
	}
}

func TestGetWork_badAndMissingID(t *testing.T) {
	s := newTestServer(t)
	if code := s.do(t, "user-carol", "GET", "/work/abc", nil, nil); code != http.StatusBadRequest {
		t.Errorf("non-numeric id status = %d, want 400", code)
	}
	if code := s.do(t, "user-carol", "GET", "/work/999", nil, nil); code != http.StatusNotFound {
		t.Errorf("missing id status = %d, want 404", code)
	}
}

func TestTransition_invalidBody(t *testing.T) {
	s := newTestServer(t)
	view := s.startClaim(t)

	req := httptest.NewRequest("POST", fmt.Sprintf("/work/%d/transitions/submit", view.ID), bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+signJWT(t, jwt.SigningMethodHS256, testSecret, validClaims("user-carol")))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestTransition_idempotencyKey(t *testing.T) {
	s := newTestServer(t)
	view := s.startClaim(t)
	path := fmt.Sprintf("/work/%d/transitions/submit", view.ID)

	send := func(key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", path, bytes.NewReader([]byte(body)))
		req.Header.Set("Authorization", "Bearer "+signJWT(t, jwt.SigningMethodHS256, testSecret, validClaims("user-carol")))
		req.Header.Set(HeaderIdempotencyKey, key)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}

	first := send("retry-1", `{"data":{"note":"receipt attached"}}`)
	if first.Code != http.StatusOK || first.Header().Get(HeaderIdempotentReplayed) != "" {
		t.Fatalf("first attempt = %d %s", first.Code, first.Body.String())
	}

	// Carol is no longer responsible, but the retry is answered from the store.
	again := send("retry-1", `{"data":{"note":"receipt attached"}}`)
	if again.Code != http.StatusOK || again.Header().Get(HeaderIdempotentReplayed) != "true" {
		t.Fatalf("retry = %d %s", again.Code, again.Body.String())
	}
	if !bytes.Equal(bytes.TrimSpace(first.Body.Bytes()), bytes.TrimSpace(again.Body.Bytes())) {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body.String(), again.Body.String())
	}

	if w := send("retry-1", `{"data":{"note":"different"}}`); w.Code != http.StatusConflict {
		t.Errorf("reused key with another body = %d, want 409", w.Code)
	}
	if w := send("retry-2", `{}`); w.Code != http.StatusForbidden {
		t.Errorf("fresh key after hand-off = %d, want 403", w.Code)
	}

	inst, err := s.engine.Load(context.Background(), view.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	entries, err := inst.TimelineEntries(context.Background())
	if err != nil {
		t.Fatalf("TimelineEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("timeline has %d entries, want START and one submit", len(entries))
	}
}

func TestTransition_adminMayActForAnyone(t *testing.T) {
	s := newTestServer(t)
	view := s.startClaim(t)

	code := s.do(t, "user-admin", "POST", fmt.Sprintf("/work/%d/transitions/submit", view.ID), nil, &view, "workflow-admin")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if view.State != "URGENT" {
		t.Errorf("state = %s, want URGENT", view.State)
	}
	if names := transitionNames(view); len(names) != 1 || names[0] != "approve" {
		t.Errorf("transitions = %v, want [approve]", names)
	}
}

func TestNotes_privateAndValidation(t *testing.T) {
	s := newTestServer(t)
	view := s.startClaim(t)
	notesPath := fmt.Sprintf("/work/%d/notes", view.ID)

	var note workflow.Note
	if code := s.do(t, "user-carol", "POST", notesPath, map[string]any{"text": "Flight was delayed"}, &note); code != http.StatusCreated {
		t.Fatalf("add note status = %d, want 201", code)
	}
	if note.Text != "Flight was delayed" || note.Action != model.ActionNote {
		t.Errorf("note = %+v", note)
	}

	if code := s.do(t, "user-carol", "POST", notesPath, map[string]any{"text": "   "}, nil); code != http.StatusBadRequest {
		t.Errorf("empty note status = %d, want 400", code)
	}
	// Nobody may see private notes by default, so nobody may write one.
	if code := s.do(t, "user-carol", "POST", notesPath, map[string]any{"text": "secret", "private": true}, nil); code != http.StatusForbidden {
		t.Errorf("private note status = %d, want 403", code)
	}
}

func TestAdmin_requiresRole(t *testing.T) {
	s := newTestServer(t)
	view := s.startClaim(t)

	for _, path := range []string{"/move", "/visibility", "/actionable-by"} {
		code := s.do(t, "user-carol", "POST", fmt.Sprintf("/admin/work/%d%s", view.ID, path), map[string]any{}, nil)
		if code != http.StatusForbidden {
			t.Errorf("%s status = %d, want 403", path, code)
		}
	}
}

func TestAdmin_forceMove(t *testing.T) {
	s := newTestServer(t)
	view := s.startClaim(t)
	workPath := fmt.Sprintf("/work/%d", view.ID)

	s.do(t, "user-carol", "POST", workPath+"/transitions/submit", nil, &view)
	s.do(t, "user-bob", "POST", workPath+"/transitions/approve", nil, &view)
	if !view.Closed {
		t.Fatalf("work should be closed, got %+v", view)
	}

	var tl struct {
		Data []model.TimelineEntry `json:"data"`
	}
	s.do(t, "user-carol", "GET", workPath+"/timeline", nil, &tl)
	submitEntry := tl.Data[1]

	code := s.do(t, "user-admin", "POST", fmt.Sprintf("/admin/work/%d/move", view.ID),
		map[string]any{"entry_id": submitEntry.ID}, &view, "workflow-admin")
	if code != http.StatusOK {
		t.Fatalf("move status = %d, want 200", code)
	}
	if view.State != submitEntry.State || view.Closed {
		t.Errorf("after move state = %s closed = %v, want %s and open", view.State, view.Closed, submitEntry.State)
	}

	s.do(t, "user-carol", "GET", workPath+"/timeline", nil, &tl)
	last := tl.Data[len(tl.Data)-1]
	if last.Action != model.ActionMove || last.User != "user-admin" {
		t.Errorf("last entry = %+v, want MOVE by user-admin", last)
	}

	if code := s.do(t, "user-admin", "POST", fmt.Sprintf("/admin/work/%d/move", view.ID), map[string]any{}, nil, "workflow-admin"); code != http.StatusBadRequest {
		t.Errorf("move without entry status = %d, want 400", code)
	}
}

func TestAdmin_visibilityHidesFromRefListing(t *testing.T) {
	s := newTestServer(t)
	view := s.startClaim(t)

	var list struct {
		Data []workSummary `json:"data"`
	}
	s.do(t, "user-carol", "GET", "/refs/claim-1/work", nil, &list)
	if len(list.Data) != 1 || list.Data[0].ID != view.ID {
		t.Fatalf("work for ref = %+v, want the started claim", list.Data)
	}

	var vis map[string]any
	code := s.do(t, "user-admin", "POST", fmt.Sprintf("/admin/work/%d/visibility", view.ID), map[string]any{"visible": false}, &vis, "workflow-admin")
	if code != http.StatusOK || vis["changed"] != true || vis["visible"] != false {
		t.Fatalf("visibility = %d %v", code, vis)
	}

	s.do(t, "user-carol", "GET", "/refs/claim-1/work", nil, &list)
	if len(list.Data) != 0 {
		t.Errorf("hidden work listed for a regular user: %+v", list.Data)
	}
	s.do(t, "user-admin", "GET", "/refs/claim-1/work", nil, &list, "workflow-admin")
	if len(list.Data) != 1 {
		t.Errorf("admins should still see hidden work, got %+v", list.Data)
	}

	if code := s.do(t, "user-admin", "POST", fmt.Sprintf("/admin/work/%d/visibility", view.ID), map[string]any{}, nil, "workflow-admin"); code != http.StatusBadRequest {
		t.Errorf("visibility without value status = %d, want 400", code)
	}
}

func TestAdmin_refreshActionableBy(t *testing.T) {
	s := newTestServer(t)
	view := s.startClaim(t)

	var resp struct {
		ActionableBy model.Principal `json:"actionable_by"`
	}
	code := s.do(t, "user-admin", "POST", fmt.Sprintf("/admin/work/%d/actionable-by", view.ID), nil, &resp, "workflow-admin")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.ActionableBy.ID != "user-carol" {
		t.Errorf("actionable by = %q, want user-carol", resp.ActionableBy.ID)
	}
}

func TestObjectPut_reassignsDependentWork(t *testing.T) {
	s := newTestServer(t)

	// START is actionable by the creator of the claim.
	view := s.startClaim(t)

	obj := model.Object{
		Type:       "expense-claim",
		Title:      "Taxi to the airport",
		CreatedBy:  "user-bob",
		Attributes: map[string][]string{"claimant": {"person-carol"}},
	}
	var saved model.Object
	if code := s.do(t, "user-admin", "PUT", "/objects/claim-1", obj, &saved); code != http.StatusOK {
		t.Fatalf("put status = %d, want 200", code)
	}
	if saved.Ref != "claim-1" {
		t.Errorf("saved ref = %q, want claim-1", saved.Ref)
	}

	s.do(t, "user-bob", "GET", fmt.Sprintf("/work/%d", view.ID), nil, &view)
	if view.ActionableBy.ID != "user-bob" {
		t.Errorf("actionable by after object change = %q, want user-bob", view.ActionableBy.ID)
	}
	if view.Title != "Taxi to the airport" {
		t.Errorf("title = %q, want the updated object title", view.Title)
	}

	obj.Ref = "claim-2"
	if code := s.do(t, "user-admin", "PUT", "/objects/claim-1", obj, nil); code != http.StatusBadRequest {
		t.Errorf("mismatched ref status = %d, want 400", code)
	}
}

func TestDecodeJSON_emptyBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	var v struct{ A string }
	if err := decodeJSON(req.WithContext(context.Background()), &v); err != nil {
		t.Errorf("decodeJSON(empty) error = %v", err)
	}
}

func TestReadBodyThenDecode(t *testing.T) {
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`  {"A":"x"}`))
	raw, err := readBody(req)
	if err != nil {
		t.Fatalf("readBody() error = %v", err)
	}
	var v struct{ A string }
	if err := decodeBytes(raw, &v); err != nil || v.A != "x" {
		t.Errorf("decodeBytes() = %+v, %v", v, err)
	}
	if err := decodeBytes([]byte("  \n"), &v); err != nil || v.A != "x" {
		t.Errorf("decodeBytes(blank) = %+v, %v, want v untouched", v, err)
	}
	if err := decodeBytes([]byte("{"), &v); model.ErrorCode(err) != model.ErrBadRequest {
		t.Errorf("decodeBytes(invalid) error = %v, want %s", err, model.ErrBadRequest)
	}
}
