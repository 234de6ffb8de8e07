package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harmonia/maestro/internal/downstream"
	"github.com/harmonia/maestro/internal/job"
	"github.com/harmonia/maestro/internal/queue"
	"github.com/harmonia/maestro/internal/store"
	"github.com/harmonia/maestro/pkg/models"
)

// process takes one queue entry through its full dispatch: settle entries
// whose job needs no work, claim the rest, hand the job to its engine, then
// park until the terminal report lands so the entry can be acknowledged.
func (p *Pool) process(ctx context.Context, consumer string, entry queue.Entry) {
	logger := slog.With(
		"consumer", consumer,
		"job_id", entry.JobID,
		"request_id", entry.RequestID,
		"entry_id", entry.ID)

	j, err := p.store.GetJob(ctx, entry.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("entry references unknown job, acknowledging")
			p.ack(ctx, logger, entry.ID)
			return
		}
		// transient store trouble: leave the entry claimed, the reclaim
		// sweep redelivers it
		logger.Error("job load failed", "error", err)
		return
	}

	if models.IsTerminal(j.Status) {
		p.ack(ctx, logger, entry.ID)
		return
	}

	if j.CancelRequestedAt != nil {
		p.failCancelled(ctx, logger, entry, j)
		return
	}

	claimed, err := p.jobs.Report(ctx, job.ReportParams{
		JobID:     j.ID,
		RequestID: j.RequestID,
		Status:    models.JobStatusDispatched,
		WorkerID:  consumer,
	})
	if err != nil {
		// a concurrent claim or report got there first; the sweep settles
		// whatever state the job landed in
		logger.Warn("claim rejected", "status", j.Status, "error", err)
		return
	}
	if models.IsTerminal(claimed.Status) {
		p.ack(ctx, logger, entry.ID)
		return
	}
	logger.Info("job claimed", "attempt", claimed.Attempt)

	client, err := p.engines.ForType(claimed.Type)
	if err != nil {
		// nothing can run this type; retrying would not change that
		p.failJob(ctx, logger, entry, claimed, "no engine for job type "+claimed.Type)
		return
	}

	receipt, err := client.Dispatch(ctx, claimed, p.callbackURL)
	if err != nil {
		if downstream.Transient(err) {
			p.handleTransient(ctx, logger, entry, claimed, err)
			return
		}
		p.failJob(ctx, logger, entry, claimed, err.Error())
		return
	}
	logger.Info("job handed to engine", "engine_job_id", receipt.EngineJobID)

	p.awaitTerminal(ctx, logger, consumer, entry, claimed)
}

// handleTransient applies the retry policy after a delivery that may succeed
// later. Under the ceiling the job goes back to pending and the entry stays
// unacknowledged, so the reclaim sweep redelivers it once it goes stale; at
// the ceiling it dead-letters.
func (p *Pool) handleTransient(ctx context.Context, logger *slog.Logger, entry queue.Entry, j *models.Job, cause error) {
	next := j.Attempt + 1
	decision := job.Decide(next, p.cfg.RetryCeiling)

	if decision.Action == job.ActionDeadLetter {
		if _, err := p.jobs.DeadLetter(ctx, j, next, cause.Error()); err != nil {
			logger.Error("dead-letter failed", "error", err)
			return
		}
		p.ack(ctx, logger, entry.ID)
		return
	}

	if _, err := p.jobs.Report(ctx, job.ReportParams{
		JobID:     j.ID,
		RequestID: j.RequestID,
		Status:    models.JobStatusPending,
		Attempt:   &next,
	}); err != nil {
		logger.Error("retry reset failed", "error", err)
		return
	}
	logger.Warn("transient delivery failure, job reset for redelivery",
		"attempt", next, "retry_after", decision.RetryAfter, "error", cause)
}

func (p *Pool) failJob(ctx context.Context, logger *slog.Logger, entry queue.Entry, j *models.Job, reason string) {
	if _, err := p.jobs.Report(ctx, job.ReportParams{
		JobID:        j.ID,
		RequestID:    j.RequestID,
		Status:       models.JobStatusFailed,
		ErrorMessage: reason,
	}); err != nil {
		logger.Error("failing job failed", "error", err)
		return
	}
	logger.Warn("job failed", "reason", reason)
	p.ack(ctx, logger, entry.ID)
}

// awaitTerminal parks on the job's event channel until a terminal status
// arrives, then acknowledges the entry. The claim is extended on a heartbeat
// so a live worker on a long job is not mistaken for a dead one. If the ack
// wait elapses the entry is left claimed for the reclaim sweep to judge.
func (p *Pool) awaitTerminal(ctx context.Context, logger *slog.Logger, consumer string, entry queue.Entry, j *models.Job) {
	events, cancel, err := p.notifier.Subscribe(ctx, j.ID)
	if err != nil {
		logger.Warn("event subscribe failed, entry left for reclaim", "error", err)
		return
	}
	defer cancel()

	// the terminal report may have landed before the subscription was live
	if current, err := p.store.GetJob(ctx, j.ID); err == nil && models.IsTerminal(current.Status) {
		p.ack(ctx, logger, entry.ID)
		return
	}

	deadline := time.NewTimer(p.cfg.AckWait)
	defer deadline.Stop()
	heartbeat := time.NewTicker(p.cfg.ReclaimMinIdle / 2)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := p.queue.Extend(ctx, consumer, entry.ID); err != nil {
				logger.Warn("claim extend failed", "error", err)
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if models.IsTerminal(event.Status) {
				logger.Info("entry acknowledged", "status", event.Status)
				p.ack(ctx, logger, entry.ID)
				return
			}
		case <-deadline.C:
			logger.Warn("ack wait elapsed, entry left for reclaim")
			return
		}
	}
}
