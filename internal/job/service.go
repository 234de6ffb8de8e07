package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/harmonia/maestro/internal/cache"
	"github.com/harmonia/maestro/internal/downstream"
	"github.com/harmonia/maestro/internal/queue"
	"github.com/harmonia/maestro/internal/store"
	"github.com/harmonia/maestro/pkg/models"
)

const snapshotTTL = time.Hour

// Service owns the job lifecycle. All status mutation flows through Report,
// which validates every transition; no other component writes status.
type Service struct {
	store           store.Store
	queue           queue.Queue
	notifier        Notifier
	cache           cache.Cache
	engines         *downstream.Registry
	maxPayloadBytes int
}

// Notifier is the subset of the notify package the service publishes through.
type Notifier interface {
	Publish(ctx context.Context, event models.JobEvent) error
}

// NewService creates a job service.
func NewService(s store.Store, q queue.Queue, n Notifier, c cache.Cache, engines *downstream.Registry, maxPayloadBytes int) *Service {
	return &Service{
		store:           s,
		queue:           q,
		notifier:        n,
		cache:           c,
		engines:         engines,
		maxPayloadBytes: maxPayloadBytes,
	}
}

// SubmitParams carries a job submission. RequestID is optional; when empty a
// correlation id is generated and fixed for the job's lifetime.
type SubmitParams struct {
	Type      string
	Payload   json.RawMessage
	RequestID string
}

// Submit validates the submission, persists the job as pending, and appends
// its queue entry. Creation and enqueue form one logical step: if the append
// fails the job is marked failed with an enqueue-failure reason rather than
// being left pending with no entry.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (*models.Job, error) {
	if !models.KnownType(params.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, params.Type)
	}
	if len(params.Payload) == 0 || !json.Valid(params.Payload) {
		return nil, ErrPayloadInvalid
	}
	if len(params.Payload) > s.maxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(params.Payload), s.maxPayloadBytes)
	}

	requestID := params.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	now := time.Now().UTC()
	j := &models.Job{
		ID:        uuid.New(),
		Type:      params.Type,
		Status:    models.JobStatusPending,
		Payload:   params.Payload,
		RequestID: requestID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	logger := slog.With("job_id", j.ID, "request_id", requestID, "type", j.Type)

	entryID, err := s.queue.Append(ctx, j.ID, requestID)
	if err != nil {
		logger.Error("queue append failed, failing job", "error", err)
		reason := fmt.Sprintf("enqueue failure: %v", err)
		if _, markErr := s.store.UpdateJobStatus(ctx, j.ID, models.JobStatusFailed,
			store.WithErrorMessage(reason),
			store.WithFinishedNow()); markErr != nil {
			logger.Error("failed to mark enqueue failure", "error", markErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	updated, err := s.store.UpdateJobStatus(ctx, j.ID, models.JobStatusPending,
		store.WithQueueEntryID(entryID))
	if err != nil {
		// entry id is bookkeeping only; the job is queued either way
		logger.Warn("could not record queue entry id", "error", err)
		updated = j
	}

	logger.Info("job submitted", "entry_id", entryID)
	return updated, nil
}

// Get returns a job snapshot, serving terminal snapshots from cache when
// possible. Terminal snapshots are immutable so the cache never goes stale.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if s.cache != nil {
		if raw, found, err := s.cache.Get(ctx, cache.JobSnapshotKey(id)); err == nil && found {
			var j models.Job
			if err := json.Unmarshal(raw, &j); err == nil {
				return &j, nil
			}
		}
	}

	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheTerminal(ctx, j)
	return j, nil
}

// ReportParams is an inbound status report: from a generation engine, or from
// a dispatcher doing claim bookkeeping (WorkerID / Attempt set).
type ReportParams struct {
	JobID        uuid.UUID
	RequestID    string
	Status       string
	Progress     *int
	Result       json.RawMessage
	ErrorMessage string
	WorkerID     string
	Attempt      *int
}

// Report applies a status report. Reports against terminal jobs are accepted
// but change nothing, so a duplicate worker finishing after a retry race
// cannot corrupt state. A mismatched request id rejects the report without
// touching the job.
func (s *Service) Report(ctx context.Context, params ReportParams) (*models.Job, error) {
	j, err := s.store.GetJob(ctx, params.JobID)
	if err != nil {
		return nil, err
	}

	if params.RequestID != j.RequestID {
		slog.Warn("rejecting report with mismatched request id",
			"job_id", j.ID, "want", j.RequestID, "got", params.RequestID)
		return nil, ErrRequestIDMismatch
	}

	if models.IsTerminal(j.Status) {
		return j, nil
	}

	// repeated running reports carry progress updates, not a transition
	if params.Status == models.JobStatusRunning && j.Status == models.JobStatusRunning {
		return s.applyUpdate(ctx, j, params)
	}

	if !models.CanTransition(j.Status, params.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, params.Status)
	}

	return s.applyUpdate(ctx, j, params)
}

func (s *Service) applyUpdate(ctx context.Context, j *models.Job, params ReportParams) (*models.Job, error) {
	opts := []store.JobUpdateOption{store.WithExpectedStatus(j.Status)}

	switch params.Status {
	case models.JobStatusDispatched:
		if params.WorkerID != "" {
			opts = append(opts, store.WithWorkerID(params.WorkerID))
		}
	case models.JobStatusRunning:
		if params.Progress != nil {
			opts = append(opts, store.WithProgress(*params.Progress))
		}
	case models.JobStatusPending:
		// redelivery reset: claim released, progress starts over
		opts = append(opts, store.ClearWorkerID())
		if params.Attempt != nil {
			opts = append(opts, store.WithAttempt(*params.Attempt))
		}
	case models.JobStatusSucceeded:
		opts = append(opts, store.WithResult(params.Result), store.ClearWorkerID(), store.WithFinishedNow())
	case models.JobStatusFailed:
		opts = append(opts, store.WithErrorMessage(params.ErrorMessage), store.ClearWorkerID(), store.WithFinishedNow())
	case models.JobStatusDeadLettered:
		opts = append(opts, store.WithErrorMessage(params.ErrorMessage), store.ClearWorkerID(), store.WithFinishedNow())
		if params.Attempt != nil {
			opts = append(opts, store.WithAttempt(*params.Attempt))
		}
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, params.Status)
	}

	updated, err := s.store.UpdateJobStatus(ctx, j.ID, params.Status, opts...)
	if errors.Is(err, store.ErrStaleStatus) {
		// another reporter won the race; converge on the stored state
		current, readErr := s.store.GetJob(ctx, j.ID)
		if readErr != nil {
			return nil, readErr
		}
		if models.IsTerminal(current.Status) {
			return current, nil
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, params.Status)
	}
	if err != nil {
		return nil, err
	}

	s.publish(ctx, updated)
	s.cacheTerminal(ctx, updated)
	return updated, nil
}

// Cancel asks for a job to stop. Pending jobs fail immediately and their
// queue entry is acknowledged; dispatched and running jobs get the request
// recorded (it suppresses further retries) and forwarded to the engine
// best-effort. In-flight downstream work is not preempted.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if models.IsTerminal(j.Status) {
		return j, nil
	}

	if j.Status == models.JobStatusPending {
		updated, err := s.store.UpdateJobStatus(ctx, id, models.JobStatusFailed,
			store.WithExpectedStatus(models.JobStatusPending),
			store.WithErrorMessage("cancelled"),
			store.WithCancelRequested(),
			store.WithFinishedNow())
		if errors.Is(err, store.ErrStaleStatus) {
			// claimed between read and update; record the request instead
			return s.recordCancelRequest(ctx, id)
		}
		if err != nil {
			return nil, err
		}
		if updated.QueueEntryID != nil {
			if ackErr := s.queue.Ack(ctx, *updated.QueueEntryID); ackErr != nil {
				slog.Warn("ack of cancelled entry failed", "job_id", id, "error", ackErr)
			}
		}
		s.publish(ctx, updated)
		s.cacheTerminal(ctx, updated)
		slog.Info("job cancelled before dispatch", "job_id", id)
		return updated, nil
	}

	updated, err := s.recordCancelRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	if client, cerr := s.engines.ForType(updated.Type); cerr == nil {
		if ferr := client.Cancel(ctx, updated); ferr != nil {
			slog.Warn("cancel forward to engine failed", "job_id", id, "error", ferr)
		}
	}
	slog.Info("cancellation recorded", "job_id", id, "status", updated.Status)
	return updated, nil
}

func (s *Service) recordCancelRequest(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	for {
		j, err := s.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if models.IsTerminal(j.Status) {
			return j, nil
		}
		updated, err := s.store.UpdateJobStatus(ctx, id, j.Status,
			store.WithExpectedStatus(j.Status),
			store.WithCancelRequested())
		if errors.Is(err, store.ErrStaleStatus) {
			// a report landed between the read and the write; retry against it
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
}

// DeadLetter moves a job that exhausted its retries out of the live queue:
// terminal transition, dead-letter record, entry acknowledged.
func (s *Service) DeadLetter(ctx context.Context, j *models.Job, attempt int, lastError string) (*models.Job, error) {
	updated, err := s.Report(ctx, ReportParams{
		JobID:        j.ID,
		RequestID:    j.RequestID,
		Status:       models.JobStatusDeadLettered,
		ErrorMessage: lastError,
		Attempt:      &attempt,
	})
	if err != nil {
		return nil, fmt.Errorf("dead-letter transition: %w", err)
	}

	dl := &models.DeadLetter{
		ID:        uuid.New(),
		JobID:     j.ID,
		JobType:   j.Type,
		RequestID: j.RequestID,
		Payload:   j.Payload,
		Attempt:   attempt,
		LastError: lastError,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertDeadLetter(ctx, dl); err != nil {
		slog.Error("dead-letter record insert failed", "job_id", j.ID, "error", err)
	}

	if updated.QueueEntryID != nil {
		if err := s.queue.Ack(ctx, *updated.QueueEntryID); err != nil {
			slog.Warn("ack of dead-lettered entry failed", "job_id", j.ID, "error", err)
		}
	}

	slog.Warn("job dead-lettered", "job_id", j.ID, "attempt", attempt, "last_error", lastError)
	return updated, nil
}

// Resubmit creates a fresh job from a dead-letter record. The new job gets a
// new id and correlation id; the dead-lettered original stays as it is.
func (s *Service) Resubmit(ctx context.Context, deadLetterID uuid.UUID) (*models.Job, error) {
	dl, err := s.store.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, SubmitParams{Type: dl.JobType, Payload: dl.Payload})
}

func (s *Service) publish(ctx context.Context, j *models.Job) {
	if s.notifier == nil {
		return
	}
	event := models.JobEvent{
		JobID:     j.ID,
		RequestID: j.RequestID,
		Status:    j.Status,
		Progress:  j.Progress,
		Timestamp: j.UpdatedAt,
	}
	if err := s.notifier.Publish(ctx, event); err != nil {
		// best-effort: subscribers fall back to polling
		slog.Warn("event publish failed", "job_id", j.ID, "error", err)
	}
}

func (s *Service) cacheTerminal(ctx context.Context, j *models.Job) {
	if s.cache == nil || !models.IsTerminal(j.Status) {
		return
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cache.JobSnapshotKey(j.ID), raw, snapshotTTL); err != nil {
		slog.Debug("snapshot cache write failed", "job_id", j.ID, "error", err)
	}
}
