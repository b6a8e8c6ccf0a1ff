package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/worktrail/internal/config"
	"github.com/pitabwire/worktrail/internal/idempotency"
	"github.com/pitabwire/worktrail/internal/objects"
	"github.com/pitabwire/worktrail/internal/observability"
	"github.com/pitabwire/worktrail/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Engine       *workflow.Engine
	Objects      objects.Store
	Directory    workflow.Directory
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks

	// Idempotency replays transition responses for retried requests. Nil
	// disables the Idempotency-Key header.
	Idempotency idempotency.Store
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	metricsPath := deps.Config.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Method(http.MethodGet, metricsPath, observability.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	h := &workHandlers{
		engine:    deps.Engine,
		directory: deps.Directory,
		adminRole: deps.Config.Identity.AdminRole,
		logger:    logger,

		idempotency: deps.Idempotency,
		idemPrefix:  deps.Config.Idempotency.KeyPrefix,
		idemTTL:     deps.Config.Idempotency.TTL,
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/workflows/{workType}/instances", h.start)

		r.Get("/work/{id}", h.get)
		r.Post("/work/{id}/transitions/{name}", h.transition)
		r.Get("/work/{id}/timeline", h.timeline)
		r.Post("/work/{id}/notes", h.addNote)
		r.Get("/work/{id}/notes", h.notes)
		r.Get("/work/{id}/entity-replacements", h.entityReplacements)
		r.Put("/work/{id}/entity-replacements/{entity}/{original}", h.replaceEntity)
		r.Put("/work/{id}/entity-selections/{entity}", h.selectEntities)

		r.Get("/refs/{ref}/work", h.workForRef)
		if deps.Objects != nil {
			r.Put("/objects/{ref}", handleObjectPut(deps.Objects))
		}

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(deps.Config.Identity.AdminRole))
			r.Post("/admin/work/{id}/move", h.forceMove)
			r.Post("/admin/work/{id}/visibility", h.setVisibility)
			r.Post("/admin/work/{id}/actionable-by", h.refreshActionableBy)
		})
	})

	return r
}
