// Package notify delivers transition events to an HTTP webhook. Deliveries
// go through the job queue when one is configured, so a slow or failing
// endpoint never holds up a transition.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/pitabwire/worktrail/internal/config"
	"github.com/pitabwire/worktrail/internal/jobs"
	"github.com/pitabwire/worktrail/internal/observability"
	"github.com/pitabwire/worktrail/internal/workflow"
	"github.com/pitabwire/worktrail/model"
)

// JobDeliver is the job that posts one event.
const JobDeliver = "notify:deliver"

// Header names set on every delivery.
const (
	HeaderEventID   = "X-Worktrail-Event-Id"
	HeaderSignature = "X-Worktrail-Signature"
)

// Event describes a completed transition.
type Event struct {
	ID            string    `json:"id"`
	OccurredAt    time.Time `json:"occurred_at"`
	WorkUnitID    int64     `json:"work_unit_id"`
	WorkType      string    `json:"work_type"`
	Ref           string    `json:"ref,omitempty"`
	Transition    string    `json:"transition"`
	PreviousState string    `json:"previous_state"`
	State         string    `json:"state"`
	Target        string    `json:"target,omitempty"`
	Closed        bool      `json:"closed"`
	ActionableBy  string    `json:"actionable_by"`
	Actor         string    `json:"actor"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Webhook posts transition events to a URL.
type Webhook struct {
	url     string
	secret  []byte
	client  *http.Client
	breaker *Breaker
	queue   jobs.Queue
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewWebhook creates a webhook for cfg. With a nil queue events are posted
// inline and failures are only logged.
func NewWebhook(cfg config.NotifyConfig, queue jobs.Queue, logger *zap.Logger, metrics *observability.Metrics) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		url:    cfg.URL,
		secret: []byte(cfg.Secret()),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewBreaker(cfg.CircuitBreaker),
		queue:   queue,
		logger:  logger,
		metrics: metrics,
	}
}

// Breaker exposes the circuit breaker guarding the endpoint.
func (h *Webhook) Breaker() *Breaker { return h.breaker }

// Install registers the webhook as the transition notification service.
func (h *Webhook) Install(r *workflow.Registry) error {
	return r.ImplementService(workflow.ServiceNotifyTransition, h.Notify)
}

// RegisterJobs installs the delivery job handler on w.
func (h *Webhook) RegisterJobs(w *jobs.Worker) {
	w.Handle(JobDeliver, h.handleDeliver)
}

// Notify builds the event for a completed transition and queues or posts it.
func (h *Webhook) Notify(ctx context.Context, inst *workflow.Instance, transition, previousState string) error {
	ev := Event{
		ID:            uuid.NewString(),
		OccurredAt:    time.Now().UTC(),
		WorkUnitID:    inst.ID(),
		WorkType:      inst.WorkType(),
		Ref:           inst.Ref(),
		Transition:    transition,
		PreviousState: previousState,
		State:         inst.State(),
		Target:        inst.Target(),
		Closed:        inst.Closed(),
		ActionableBy:  inst.ActionableBy(),
		Actor:         model.ActorID(ctx),
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		ev.CorrelationID = rctx.CorrelationID
	}

	if h.queue != nil {
		if _, err := h.queue.Enqueue(ctx, JobDeliver, ev); err != nil {
			return fmt.Errorf("schedule %s for work %d: %w", JobDeliver, ev.WorkUnitID, err)
		}
		return nil
	}

	if err := h.Deliver(ctx, ev); err != nil {
		observability.LoggerFrom(ctx, h.logger).Warn("transition notification failed",
			zap.String("event_id", ev.ID),
			zap.Int64("work_unit_id", ev.WorkUnitID),
			zap.Error(err),
		)
	}
	return nil
}

func (h *Webhook) handleDeliver(ctx context.Context, job *jobs.Job) error {
	var ev Event
	if err := job.Decode(&ev); err != nil {
		return err
	}
	return h.Deliver(ctx, ev)
}

// Deliver posts ev once. Any response outside 2xx is an error.
func (h *Webhook) Deliver(ctx context.Context, ev Event) (err error) {
	if err := h.breaker.Allow(); err != nil {
		h.metrics.RecordNotification("rejected")
		return err
	}

	ctx, span := observability.StartWorkSpan(ctx, "notify.deliver", ev.WorkType, ev.WorkUnitID,
		observability.AttrTransition.String(ev.Transition))
	defer func() {
		observability.EndSpanWithError(span, err)
		h.breaker.Record(err)
		if err != nil {
			h.metrics.RecordNotification("failed")
		} else {
			h.metrics.RecordNotification("delivered")
		}
	}()

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event %s: %w", ev.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, ev.ID)
	if ev.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", ev.CorrelationID)
	}
	if len(h.secret) > 0 {
		req.Header.Set(HeaderSignature, "sha256="+Sign(h.secret, body))
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post event %s: %w", ev.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: event %s: endpoint answered %d", ev.ID, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
