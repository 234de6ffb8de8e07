package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/harmonia/maestro/internal/api/middleware"
	"github.com/harmonia/maestro/internal/api/response"
	"github.com/harmonia/maestro/internal/job"
	"github.com/harmonia/maestro/internal/store"
	"github.com/harmonia/maestro/pkg/models"
)

// JobService is what the job handlers need from the service layer.
type JobService interface {
	Submit(ctx context.Context, params job.SubmitParams) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// submitBodySlack allows for the envelope fields around the payload when
// bounding the request body.
const submitBodySlack = 1024

// NewSubmitJobHandler returns the handler for POST /v1/jobs. The payload is
// opaque; it is validated for well-formedness and size only. maxPayloadBytes
// bounds the request body so an oversized submission is cut off at the wire
// instead of being buffered in full.
func NewSubmitJobHandler(svc JobService, maxPayloadBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes+submitBodySlack)

		var req struct {
			Type      string          `json:"type"`
			Payload   json.RawMessage `json:"payload"`
			RequestID string          `json:"request_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				response.Error(w, http.StatusBadRequest, "PAYLOAD_TOO_LARGE",
					"payload exceeds the maximum size", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Type == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "type is required", nil)
			return
		}

		// the body takes precedence over the X-Request-Id header
		requestID := req.RequestID
		if requestID == "" {
			requestID = mw.GetRequestID(r)
		}

		created, err := svc.Submit(r.Context(), job.SubmitParams{
			Type:      req.Type,
			Payload:   req.Payload,
			RequestID: requestID,
		})
		if err != nil {
			switch {
			case errors.Is(err, job.ErrUnknownType):
				response.Error(w, http.StatusBadRequest, "UNKNOWN_JOB_TYPE",
					"No engine handles this job type", nil)
			case errors.Is(err, job.ErrPayloadInvalid):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"payload must be a JSON object", nil)
			case errors.Is(err, job.ErrPayloadTooLarge):
				response.Error(w, http.StatusBadRequest, "PAYLOAD_TOO_LARGE",
					"payload exceeds the maximum size", nil)
			case errors.Is(err, job.ErrEnqueueFailed):
				response.Error(w, http.StatusBadGateway, "ENQUEUE_FAILED",
					"The job could not be queued for dispatch", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Created(w, created)
	}
}

// NewGetJobHandler returns the handler for GET /v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}

		j, err := svc.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, j)
	}
}

// NewCancelJobHandler returns the handler for POST /v1/jobs/{jobID}/cancel.
// Cancellation is accepted, not guaranteed: in-flight downstream work may
// still run to completion.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}

		j, err := svc.Cancel(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Accepted(w, j)
	}
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
