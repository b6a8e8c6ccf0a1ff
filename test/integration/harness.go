// Package integration provides a reusable test harness for end-to-end
// testing of the worktrail server. It starts the full HTTP stack over the
// in-memory stores, optionally backed by a Redis job queue and a SQLite
// timeline, and signs tokens with a test issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/worktrail/internal/capability"
	"github.com/pitabwire/worktrail/internal/config"
	"github.com/pitabwire/worktrail/internal/definition"
	"github.com/pitabwire/worktrail/internal/directory"
	"github.com/pitabwire/worktrail/internal/idempotency"
	"github.com/pitabwire/worktrail/internal/jobs"
	"github.com/pitabwire/worktrail/internal/notify"
	"github.com/pitabwire/worktrail/internal/objects"
	"github.com/pitabwire/worktrail/internal/observability"
	"github.com/pitabwire/worktrail/internal/record"
	"github.com/pitabwire/worktrail/internal/timeline"
	"github.com/pitabwire/worktrail/internal/transport"
	"github.com/pitabwire/worktrail/internal/workflow"
)

// TestHarness is a fully wired server instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced scenarios.
	Engine        *workflow.Engine
	Objects       *objects.MemoryStore
	Records       *record.MemoryStore
	TimelineStore timeline.Store
	Queue         jobs.Queue
	Worker        *jobs.Worker
	Redis         *miniredis.Miniredis
	Metrics       *observability.Metrics
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	redisJobs      bool
	sqliteTimeline bool
	maxAttempts    int
	policy         map[string][]string
	webhookURL     string
}

// WithRedisJobs routes object change notifications through a Redis queue
// served by miniredis. Jobs run only when the test drives the worker.
func WithRedisJobs() HarnessOption {
	return func(c *harnessConfig) { c.redisJobs = true }
}

// WithSQLiteTimeline stores timelines in a SQLite file under the test's
// temporary directory.
func WithSQLiteTimeline() HarnessOption {
	return func(c *harnessConfig) { c.sqliteTimeline = true }
}

// WithPolicy grants capabilities to roles.
func WithPolicy(roles map[string][]string) HarnessOption {
	return func(c *harnessConfig) { c.policy = roles }
}

// WithWebhook posts transition events to url.
func WithWebhook(url string) HarnessOption {
	return func(c *harnessConfig) { c.webhookURL = url }
}

// WithMaxAttempts sets how often a job is tried before it is buried.
func WithMaxAttempts(n int) HarnessOption {
	return func(c *harnessConfig) { c.maxAttempts = n }
}

// NewTestHarness creates and starts a server. It is shut down when the test
// completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{maxAttempts: 3}
	for _, opt := range opts {
		opt(hc)
	}

	root := repoRoot()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	h := &TestHarness{t: t, issuer: newTokenIssuer(t)}

	// Step 1: Definitions and workflow registry.
	defs, err := definition.NewLoader().LoadAll([]string{filepath.Join(root, "internal", "definition", "testdata", "workflows")})
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		t.Fatalf("validate definitions: %s", definition.Summary(verrs))
	}
	reg := workflow.NewRegistry()
	if err := reg.SetFeatureOptions(workflow.FeatureNotes, capability.NotesOptions(capability.New(hc.policy))); err != nil {
		t.Fatalf("configure notes: %v", err)
	}
	if err := reg.ImplementAll(defs); err != nil {
		t.Fatalf("implement workflows: %v", err)
	}

	// Step 2: Directory and objects.
	dir, err := directory.Load(filepath.Join(root, "internal", "directory", "testdata", "directory.yaml"))
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}
	h.Objects = objects.NewMemoryStore()
	if err := h.Objects.Seed(filepath.Join(root, "internal", "objects", "testdata", "objects.yaml")); err != nil {
		t.Fatalf("seed objects: %v", err)
	}

	// Step 3: Stores.
	h.Records = record.NewMemoryStore()
	if hc.sqliteTimeline {
		sq, err := timeline.OpenSQLite(filepath.Join(t.TempDir(), "timeline.db"))
		if err != nil {
			t.Fatalf("open sqlite timeline: %v", err)
		}
		t.Cleanup(func() { _ = sq.Close() })
		h.TimelineStore = sq
	} else {
		h.TimelineStore = timeline.NewMemoryStore()
	}

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 10 * time.Second
	cfg.Identity.Issuer = h.issuer.issuer
	cfg.Identity.Audience = h.issuer.audience
	cfg.Jobs.Workers = 1
	cfg.Jobs.MaxAttempts = hc.maxAttempts
	cfg.Jobs.BlockTimeout = 50 * time.Millisecond

	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())

	// Step 4: Job queue and idempotency store.
	var idem idempotency.Store = idempotency.NewMemoryStore()
	if hc.redisJobs {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		h.Queue = jobs.NewRedisQueue(client, cfg.Jobs.QueueKey)
		idem = idempotency.NewRedisStore(client)
	}

	// Step 5: Webhook and engine.
	var hook *notify.Webhook
	if hc.webhookURL != "" {
		hook = notify.NewWebhook(config.NotifyConfig{URL: hc.webhookURL, Timeout: 5 * time.Second}, h.Queue, logger, h.Metrics)
		if err := hook.Install(reg); err != nil {
			t.Fatalf("install webhook: %v", err)
		}
	}
	if err := reg.Seal(); err != nil {
		t.Fatalf("seal registry: %v", err)
	}

	h.Engine, err = workflow.NewEngine(workflow.Deps{
		Registry:      reg,
		Records:       h.Records,
		Timeline:      h.TimelineStore,
		Objects:       h.Objects,
		Directory:     dir,
		Jobs:          h.Queue,
		FallbackGroup: cfg.Directory.FallbackGroup,
		Logger:        logger,
		Metrics:       h.Metrics,
	})
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	h.Objects.OnChange(h.Engine.RecordChanged)

	if h.Queue != nil {
		h.Worker = jobs.NewWorker(h.Queue, cfg.Jobs, logger, h.Metrics)
		h.Engine.RegisterJobs(h.Worker)
		if hook != nil {
			hook.RegisterJobs(h.Worker)
		}
	}

	// Step 6: Router.
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      h.Metrics,
		Engine:       h.Engine,
		Objects:      h.Objects,
		Directory:    dir,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, h.issuer.secret),
		Idempotency:  idem,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return len(defs) > 0 },
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// URL returns the base URL of the test server.
func (h *TestHarness) URL() string {
	return h.server.URL
}

// Token returns a valid token for the claims.
func (h *TestHarness) Token(c TestClaims) string {
	return h.issuer.GenerateToken(c)
}

// DrainJobs runs queued jobs until none are left.
func (h *TestHarness) DrainJobs() {
	h.t.Helper()
	if h.Worker == nil {
		h.t.Fatal("DrainJobs needs WithRedisJobs")
	}
	if err := h.Worker.Drain(context.Background()); err != nil {
		h.t.Fatalf("drain jobs: %v", err)
	}
}

// Do sends a request with the token and an optional JSON body.
func (h *TestHarness) Do(method, path, token string, body any) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// As sends a request on behalf of the claims.
func (h *TestHarness) As(c TestClaims, method, path string, body any) *http.Response {
	h.t.Helper()
	return h.Do(method, path, h.Token(c), body)
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks the status code and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks the status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// CarolClaims is the claimant. She creates claim-1 and reports to Alice.
func CarolClaims() TestClaims {
	return TestClaims{SubjectID: "user-carol", Email: "carol@example.com"}
}

// AliceClaims is a finance member and therefore an approver.
func AliceClaims() TestClaims {
	return TestClaims{SubjectID: "user-alice", Email: "alice@example.com"}
}

// BobClaims is a direct member of the approvers group.
func BobClaims() TestClaims {
	return TestClaims{SubjectID: "user-bob", Email: "bob@example.com"}
}

// AdminClaims carries the workflow admin role.
func AdminClaims() TestClaims {
	return TestClaims{SubjectID: "user-admin", Email: "admin@example.com", Roles: []string{"workflow-admin"}}
}

// --- Response shapes ---

// Principal mirrors the principal JSON.
type Principal struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Ref     string `json:"ref"`
}

// Work mirrors the work view returned by the API.
type Work struct {
	ID           int64     `json:"id"`
	WorkType     string    `json:"work_type"`
	Ref          string    `json:"ref"`
	Title        string    `json:"title"`
	State        string    `json:"state"`
	Status       string    `json:"status"`
	Closed       bool      `json:"closed"`
	Visible      bool      `json:"visible"`
	ActionableBy Principal `json:"actionable_by"`
	Flags        []string  `json:"flags"`
	Transitions  []struct {
		Name  string `json:"name"`
		Label string `json:"label"`
	} `json:"transitions"`
}

// Entry mirrors a timeline entry.
type Entry struct {
	ID            int64           `json:"id"`
	User          string          `json:"user"`
	Action        string          `json:"action"`
	PreviousState *string         `json:"previous_state"`
	State         string          `json:"state"`
	JSON          json.RawMessage `json:"json"`
}

// ErrorBody mirrors the error envelope.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// StartClaim starts the approval workflow on claim-1 as Carol.
func (h *TestHarness) StartClaim(t *testing.T) Work {
	t.Helper()
	var w Work
	h.AssertJSON(t, h.As(CarolClaims(), "POST", "/workflows/approval/instances", map[string]any{"ref": "claim-1"}), http.StatusCreated, &w)
	return w
}

// GetWork loads a work unit as the claims.
func (h *TestHarness) GetWork(t *testing.T, c TestClaims, id int64) Work {
	t.Helper()
	var w Work
	h.AssertJSON(t, h.As(c, "GET", fmt.Sprintf("/work/%d", id), nil), http.StatusOK, &w)
	return w
}

// Timeline loads the timeline of a work unit as the claims.
func (h *TestHarness) Timeline(t *testing.T, c TestClaims, id int64) []Entry {
	t.Helper()
	var body struct {
		Data []Entry `json:"data"`
	}
	h.AssertJSON(t, h.As(c, "GET", fmt.Sprintf("/work/%d/timeline", id), nil), http.StatusOK, &body)
	return body.Data
}

func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}
