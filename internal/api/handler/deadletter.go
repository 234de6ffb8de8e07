package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/harmonia/maestro/internal/api/response"
	"github.com/harmonia/maestro/internal/store"
	"github.com/harmonia/maestro/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Resubmitter turns a dead-letter record back into a fresh job.
type Resubmitter interface {
	Resubmit(ctx context.Context, deadLetterID uuid.UUID) (*models.Job, error)
}

// NewListDeadLettersHandler returns the handler for GET /v1/admin/dead-letters.
func NewListDeadLettersHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := queryInt(r, "page", 1)
		if page < 1 {
			page = 1
		}
		limit := queryInt(r, "limit", defaultPageLimit)
		if limit < 1 {
			limit = defaultPageLimit
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}

		letters, total, err := st.ListDeadLetters(r.Context(), page, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Collection(w, letters, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// NewResubmitDeadLetterHandler returns the handler for
// POST /v1/admin/dead-letters/{deadLetterID}/resubmit. The new job starts a
// fresh lifecycle under its own id; the record of the failed original stays.
func NewResubmitDeadLetterHandler(svc Resubmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "deadLetterID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"deadLetterID must be a UUID", nil)
			return
		}

		j, err := svc.Resubmit(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "DEAD_LETTER_NOT_FOUND",
					"No such dead-letter record", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Created(w, j)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
