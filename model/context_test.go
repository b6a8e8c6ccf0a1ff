package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	if err := (&RequestContext{SubjectID: "user-1"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
	if err := (&RequestContext{}).Validate(); err == nil {
		t.Error("Validate() with empty SubjectID should fail")
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"admin", "reviewer"}}
	if !rc.HasRole("admin") {
		t.Error("HasRole(admin) = false, want true")
	}
	if rc.HasRole("applicant") {
		t.Error("HasRole(applicant) = true, want false")
	}
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{Claims: map[string]any{"email": "a@example.com"}}
	if got := rc.Claim("email"); got != "a@example.com" {
		t.Errorf("Claim(email) = %v", got)
	}
	if got := (&RequestContext{}).Claim("email"); got != nil {
		t.Errorf("Claim on nil claims = %v, want nil", got)
	}
}

func TestWithRequestContext_roundTrip(t *testing.T) {
	rc := &RequestContext{SubjectID: "user-1"}
	ctx := WithRequestContext(context.Background(), rc)
	if got := RequestContextFrom(ctx); got != rc {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rc)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}

func TestImpersonate(t *testing.T) {
	parent := WithRequestContext(context.Background(), &RequestContext{
		SubjectID:     "user-1",
		CorrelationID: "corr-1",
	})
	ctx := Impersonate(parent, SystemSubjectID)

	rc := RequestContextFrom(ctx)
	if rc.SubjectID != SystemSubjectID {
		t.Errorf("SubjectID = %q, want %q", rc.SubjectID, SystemSubjectID)
	}
	if !rc.Impersonating {
		t.Error("Impersonating = false, want true")
	}
	if rc.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", rc.CorrelationID)
	}
	if got := ActorID(parent); got != "user-1" {
		t.Errorf("ActorID(parent) = %q, want user-1", got)
	}
}

func TestActorID_defaultsToSystem(t *testing.T) {
	if got := ActorID(context.Background()); got != SystemSubjectID {
		t.Errorf("ActorID() = %q, want %q", got, SystemSubjectID)
	}
}
