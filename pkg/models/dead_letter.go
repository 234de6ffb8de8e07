package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeadLetter records a job that exhausted its retry budget. The live queue
// entry is acknowledged when this record is written, so dead-lettered work is
// never retried automatically; recovery is an operator resubmission, which
// produces a new job id.
type DeadLetter struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	JobID     uuid.UUID       `db:"job_id"     json:"job_id"`
	JobType   string          `db:"job_type"   json:"job_type"`
	RequestID string          `db:"request_id" json:"request_id"`
	Payload   json.RawMessage `db:"payload"    json:"payload"`
	Attempt   int             `db:"attempt"    json:"attempt"`
	LastError string          `db:"last_error" json:"last_error"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
