package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/harmonia/maestro/internal/api/response"
	"github.com/harmonia/maestro/internal/store"
	"github.com/harmonia/maestro/pkg/models"
)

const heartbeatInterval = 15 * time.Second

// EventSource is the subscription side of the event stream.
type EventSource interface {
	Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan models.JobEvent, func(), error)
}

// NewJobEventsHandler returns the handler for GET /v1/jobs/{jobID}/events, a
// server-sent event stream of the job's status changes. The subscription is
// opened before the snapshot is read, so a transition landing in between is
// either in the snapshot or on the channel; subscribers of finished jobs get
// the terminal snapshot immediately and the stream closes.
func NewJobEventsHandler(svc JobService, events EventSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Streaming not supported", nil)
			return
		}

		ch, cancel, err := events.Subscribe(r.Context(), id)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Could not open event stream", nil)
			return
		}
		defer cancel()

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

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		writeEvent(w, flusher, models.JobEvent{
			JobID:     j.ID,
			RequestID: j.RequestID,
			Status:    j.Status,
			Progress:  j.Progress,
			Timestamp: j.UpdatedAt,
		})
		if models.IsTerminal(j.Status) {
			return
		}

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case event, open := <-ch:
				if !open {
					return
				}
				writeEvent(w, flusher, event)
				if models.IsTerminal(event.Status) {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event models.JobEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	flusher.Flush()
}
