// Package api assembles the HTTP surface: public job submission and polling,
// the authenticated report callback, and the admin surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/harmonia/maestro/internal/api/middleware"
	"github.com/harmonia/maestro/internal/api/response"
	"github.com/harmonia/maestro/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitJobHandler http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	CancelJobHandler http.HandlerFunc
	JobEventsHandler http.HandlerFunc

	ReportHandler http.HandlerFunc

	ListDeadLettersHandler http.HandlerFunc
	ResubmitHandler        http.HandlerFunc
	CreateCredential       http.HandlerFunc
	ListCredentials        http.HandlerFunc
	RevokeCredential       http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/v1/health", orNotImplemented(deps.HealthHandler))

	// Submission and polling are open to the product backends that sit in
	// front of this service; they bring their own correlation ids. Submission
	// is throttled per client address since no credential is present.
	r.With(deps.RateLimit.Limit).Post("/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
	r.Get("/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
	r.Post("/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJobHandler))
	r.Get("/v1/jobs/{jobID}/events", orNotImplemented(deps.JobEventsHandler))

	// The report callback authenticates engines and dispatchers.
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.Auth.RequireScope(models.ScopeReport))
		r.Use(deps.RateLimit.Limit)

		r.Post("/v1/jobs/report", orNotImplemented(deps.ReportHandler))
	})

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

		r.Get("/v1/admin/dead-letters", orNotImplemented(deps.ListDeadLettersHandler))
		r.Post("/v1/admin/dead-letters/{deadLetterID}/resubmit", orNotImplemented(deps.ResubmitHandler))

		r.Post("/v1/admin/credentials", orNotImplemented(deps.CreateCredential))
		r.Get("/v1/admin/credentials", orNotImplemented(deps.ListCredentials))
		r.Delete("/v1/admin/credentials/{credentialID}", orNotImplemented(deps.RevokeCredential))
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
