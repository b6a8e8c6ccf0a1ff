package model

import (
	"context"
	"errors"
	"slices"
)

// SystemSubjectID is the principal used when the engine acts on its own
// behalf, for example while re-resolving responsibility in a background job.
const SystemSubjectID = "SYSTEM"

// RequestContext carries the identity and tracing information for the
// lifetime of a request or background job. It is immutable after
// construction and safe for concurrent reads.
type RequestContext struct {
	SubjectID     string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	Locale        string
	Impersonating bool
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return errors.New("SubjectID is required")
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// Impersonate returns a context whose RequestContext acts as subjectID. The
// correlation id of the parent context is kept so log lines stay linked.
func Impersonate(ctx context.Context, subjectID string) context.Context {
	rctx := &RequestContext{SubjectID: subjectID, Impersonating: true}
	if parent := RequestContextFrom(ctx); parent != nil {
		rctx.CorrelationID = parent.CorrelationID
		rctx.TraceID = parent.TraceID
		rctx.Locale = parent.Locale
	}
	return WithRequestContext(ctx, rctx)
}

// ActorID returns the subject acting in ctx, falling back to SystemSubjectID
// when no RequestContext is attached.
func ActorID(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil && rctx.SubjectID != "" {
		return rctx.SubjectID
	}
	return SystemSubjectID
}
