package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/harmonia/maestro/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrStaleStatus is returned when a guarded status update matched the job id
// but not the expected current status. It means another writer got there
// first; callers re-read and re-decide rather than overwrite.
var ErrStaleStatus = errors.New("job status changed concurrently")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// UpdateJobStatus is the single mutation path for job status. Options
	// attach an expected-status guard and field updates; the guard makes the
	// transition atomic with respect to concurrent reporters.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) (*models.Job, error)

	InsertDeadLetter(ctx context.Context, dl *models.DeadLetter) error
	ListDeadLetters(ctx context.Context, page, limit int) ([]*models.DeadLetter, int, error)
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error)

	GetCredentialByPrefix(ctx context.Context, prefix string) ([]*models.Credential, error)
	UpdateCredentialLastUsed(ctx context.Context, id uuid.UUID) error
	CreateCredential(ctx context.Context, cred *models.Credential) error
	ListCredentials(ctx context.Context) ([]*models.Credential, error)
	RevokeCredential(ctx context.Context, id uuid.UUID) error
}

type jobUpdateParams struct {
	ExpectedStatus  []string
	WorkerID        *string
	ClearWorkerID   bool
	Progress        *int
	Result          json.RawMessage
	ErrorMessage    *string
	Attempt         *int
	QueueEntryID    *string
	FinishedNow     bool
	CancelRequested bool
}

type JobUpdateOption func(*jobUpdateParams)

// WithExpectedStatus restricts the update to jobs currently in one of the
// given statuses. Without it the update is unconditional.
func WithExpectedStatus(statuses ...string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ExpectedStatus = statuses
	}
}

func WithWorkerID(workerID string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.WorkerID = &workerID
	}
}

func ClearWorkerID() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ClearWorkerID = true
	}
}

func WithProgress(progress int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Progress = &progress
	}
}

func WithResult(result json.RawMessage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Result = result
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithAttempt(attempt int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Attempt = &attempt
	}
}

func WithQueueEntryID(entryID string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.QueueEntryID = &entryID
	}
}

// WithFinishedNow stamps finished_at, preserving an earlier stamp if one
// exists so the first terminal transition wins.
func WithFinishedNow() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.FinishedNow = true
	}
}

func WithCancelRequested() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CancelRequested = true
	}
}
