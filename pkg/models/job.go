package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job statuses. Transitions are forward-only; the single exception is the
// redelivery reset back to pending after a worker is presumed dead.
const (
	JobStatusPending      = "pending"
	JobStatusDispatched   = "dispatched"
	JobStatusRunning      = "running"
	JobStatusSucceeded    = "succeeded"
	JobStatusFailed       = "failed"
	JobStatusDeadLettered = "dead-lettered"
)

// Job types routable to a generation engine.
const (
	JobTypeMetadata = "metadata-generation"
	JobTypeAudio    = "audio-synthesis"
)

// KnownType reports whether t is a routable job type.
func KnownType(t string) bool {
	return t == JobTypeMetadata || t == JobTypeAudio
}

// IsTerminal reports whether a job in this status will never transition again.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusDeadLettered:
		return true
	}
	return false
}

// transitions is the full table of legal status moves. dispatched→pending and
// running→pending cover redelivery of entries reclaimed from a dead worker.
var transitions = map[string][]string{
	JobStatusPending:    {JobStatusDispatched, JobStatusFailed, JobStatusDeadLettered},
	JobStatusDispatched: {JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusDeadLettered, JobStatusPending},
	JobStatusRunning:    {JobStatusSucceeded, JobStatusFailed, JobStatusDeadLettered, JobStatusPending},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal statuses allow no outgoing moves; a repeated terminal report is
// handled above this table as an idempotent no-op, not a transition.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the durable record of a generation request. The payload is opaque to
// the orchestrator and passed through to the downstream engine untouched.
// RequestID is fixed at submission and immutable; every outbound call and
// event related to the job carries it.
type Job struct {
	ID                uuid.UUID       `db:"id"                  json:"id"`
	Type              string          `db:"type"                json:"type"`
	Status            string          `db:"status"              json:"status"`
	Payload           json.RawMessage `db:"payload"             json:"payload"`
	RequestID         string          `db:"request_id"          json:"request_id"`
	WorkerID          *string         `db:"worker_id"           json:"worker_id,omitempty"`
	Attempt           int             `db:"attempt"             json:"attempt"`
	Progress          *int            `db:"progress"            json:"progress,omitempty"`
	Result            json.RawMessage `db:"result"              json:"result,omitempty"`
	ErrorMessage      *string         `db:"error_message"       json:"error_message,omitempty"`
	QueueEntryID      *string         `db:"queue_entry_id"      json:"-"`
	CancelRequestedAt *time.Time      `db:"cancel_requested_at" json:"cancel_requested_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"          json:"updated_at"`
	FinishedAt        *time.Time      `db:"finished_at"         json:"finished_at,omitempty"`
}
