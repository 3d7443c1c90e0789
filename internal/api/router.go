package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/driftwatch/internal/api/middleware"
	"github.com/kiranshivaraju/driftwatch/internal/api/response"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler
	Notifications  http.Handler

	EnqueueHandler      http.HandlerFunc
	UploadHandler       http.HandlerFunc
	ListVideosHandler   http.HandlerFunc
	GetInferenceHandler http.HandlerFunc
	StatusHandler       http.HandlerFunc
	ResultHandler       http.HandlerFunc
	ResultZipHandler    http.HandlerFunc
	AbortHandler        http.HandlerFunc
	CarbonHandler       http.HandlerFunc
	GrantCreditsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public routes
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	// The socket authenticates in-band with its first message.
	if deps.Notifications != nil {
		r.Method(http.MethodGet, "/ws", deps.Notifications)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/datasets/{datasetID}/inferences", orNotImplemented(deps.EnqueueHandler))
		r.Post("/api/v1/datasets/{datasetID}/videos", orNotImplemented(deps.UploadHandler))
		r.Get("/api/v1/datasets/{datasetID}/videos", orNotImplemented(deps.ListVideosHandler))

		r.Get("/api/v1/inferences/{id}", orNotImplemented(deps.GetInferenceHandler))
		r.Get("/api/v1/inferences/{id}/status", orNotImplemented(deps.StatusHandler))
		r.Get("/api/v1/inferences/{id}/result", orNotImplemented(deps.ResultHandler))
		r.Get("/api/v1/inferences/{id}/result.zip", orNotImplemented(deps.ResultZipHandler))
		r.Post("/api/v1/inferences/{id}/abort", orNotImplemented(deps.AbortHandler))

		r.Get("/api/v1/me/carbon", orNotImplemented(deps.CarbonHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireRole(models.RoleAdmin))

			r.Post("/api/v1/admin/users/{userID}/credits", orNotImplemented(deps.GrantCreditsHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
