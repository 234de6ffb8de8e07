package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/harmonia/maestro/internal/api/response"
	"github.com/harmonia/maestro/internal/job"
	"github.com/harmonia/maestro/internal/store"
	"github.com/harmonia/maestro/pkg/models"
)

// Reporter applies inbound status reports.
type Reporter interface {
	Report(ctx context.Context, params job.ReportParams) (*models.Job, error)
}

// NewReportHandler returns the handler for POST /v1/jobs/report, the callback
// engines post lifecycle updates to. Reports must quote the job's correlation
// id; a report against a finished job succeeds without changing anything.
func NewReportHandler(svc Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobID        string          `json:"job_id"`
			RequestID    string          `json:"request_id"`
			Status       string          `json:"status"`
			Progress     *int            `json:"progress,omitempty"`
			Result       json.RawMessage `json:"result,omitempty"`
			ErrorMessage string          `json:"error_message,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		jobID, err := uuid.Parse(req.JobID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job_id must be a UUID", nil)
			return
		}
		if req.Status == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "status is required", nil)
			return
		}

		updated, err := svc.Report(r.Context(), job.ReportParams{
			JobID:        jobID,
			RequestID:    req.RequestID,
			Status:       req.Status,
			Progress:     req.Progress,
			Result:       req.Result,
			ErrorMessage: req.ErrorMessage,
		})
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job", nil)
			case errors.Is(err, job.ErrRequestIDMismatch):
				response.Error(w, http.StatusConflict, "REQUEST_ID_MISMATCH",
					"Report does not carry the job's correlation id", nil)
			case errors.Is(err, job.ErrInvalidTransition):
				response.Error(w, http.StatusConflict, "INVALID_TRANSITION",
					"The job cannot move to the reported status", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.JSON(w, updated)
	}
}
