package models

import (
	"time"

	"github.com/google/uuid"
)

// JobEvent is the notification published on every accepted job report.
// Delivery to subscribers is best-effort; the job record is the source of
// truth and pollers always converge on the same state.
type JobEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	Progress  *int      `json:"progress,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
