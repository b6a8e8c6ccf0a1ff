package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/pitabwire/worktrail/internal/notify"
)

type eventSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *eventSink) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev notify.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Header.Get(notify.HeaderEventID) != ev.ID {
			http.Error(w, "event id header mismatch", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.events = append(s.events, ev)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *eventSink) received() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

func TestNotification_inlineDelivery(t *testing.T) {
	sink := &eventSink{}
	h := NewTestHarness(t, WithWebhook(sink.serve(t).URL))

	work := h.StartClaim(t)
	h.AssertStatus(t, h.As(CarolClaims(), "POST", fmt.Sprintf("/work/%d/transitions/submit", work.ID), nil), http.StatusOK)

	events := sink.received()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.WorkUnitID != work.ID || ev.Transition != "submit" || ev.Actor != "user-carol" {
		t.Errorf("event = %+v", ev)
	}
	if ev.PreviousState != "START" || ev.State != "URGENT" || ev.ActionableBy != "approvers" {
		t.Errorf("event states = %s to %s for %s, want START to URGENT for approvers", ev.PreviousState, ev.State, ev.ActionableBy)
	}
}

func TestNotification_queuedDelivery(t *testing.T) {
	sink := &eventSink{}
	h := NewTestHarness(t, WithRedisJobs(), WithWebhook(sink.serve(t).URL))

	work := h.StartClaim(t)
	workPath := fmt.Sprintf("/work/%d", work.ID)
	h.AssertStatus(t, h.As(CarolClaims(), "POST", workPath+"/transitions/submit", nil), http.StatusOK)
	h.AssertStatus(t, h.As(AliceClaims(), "POST", workPath+"/transitions/approve", nil), http.StatusOK)

	if n := len(sink.received()); n != 0 {
		t.Fatalf("received %d events before the worker ran", n)
	}

	h.DrainJobs()

	events := sink.received()
	if len(events) != 2 {
		t.Fatalf("received %d events, want 2", len(events))
	}
	if events[1].Transition != "approve" || !events[1].Closed || events[1].State != "DONE" {
		t.Errorf("approve event = %+v", events[1])
	}
	if events[0].ID == events[1].ID {
		t.Error("events share an id")
	}
}

func TestNotification_receiverOutageDoesNotBlockTransitions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	h := NewTestHarness(t, WithWebhook(srv.URL))

	work := h.StartClaim(t)
	var got Work
	h.AssertJSON(t, h.As(CarolClaims(), "POST", fmt.Sprintf("/work/%d/transitions/submit", work.ID), nil), http.StatusOK, &got)
	if got.State != "URGENT" {
		t.Errorf("state = %s, want URGENT", got.State)
	}
}
