// Package dispatch moves queued jobs to generation engines. A pool of workers
// reads queue entries, claims the job, hands it to the engine for its type,
// and parks until a terminal status report arrives before acknowledging the
// entry. A reclaim loop recovers entries held by workers presumed dead.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harmonia/maestro/internal/config"
	"github.com/harmonia/maestro/internal/downstream"
	"github.com/harmonia/maestro/internal/job"
	"github.com/harmonia/maestro/internal/notify"
	"github.com/harmonia/maestro/internal/queue"
	"github.com/harmonia/maestro/internal/store"
	"github.com/harmonia/maestro/pkg/models"
)

// Pool runs the dispatch workers for one process.
type Pool struct {
	jobs     *job.Service
	store    store.Store
	queue    queue.Queue
	engines  *downstream.Registry
	notifier notify.Notifier
	cfg      config.DispatchConfig

	// instance prefixes consumer names so entries in the group's pending
	// list can be traced back to a process.
	instance    string
	callbackURL string

	reclaimed chan queue.Entry
}

// NewPool wires a dispatch pool. callbackURL is the full report endpoint
// engines post status to.
func NewPool(jobs *job.Service, st store.Store, q queue.Queue, engines *downstream.Registry, n notify.Notifier, cfg config.DispatchConfig, instance, callbackURL string) *Pool {
	return &Pool{
		jobs:        jobs,
		store:       st,
		queue:       q,
		engines:     engines,
		notifier:    n,
		cfg:         cfg,
		instance:    instance,
		callbackURL: callbackURL,
		reclaimed:   make(chan queue.Entry, cfg.PoolSize*2),
	}
}

// Run starts the workers and the reclaim loop and blocks until ctx is
// cancelled and every worker has finished its in-flight entry.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("dispatch pool starting",
		"instance", p.instance,
		"workers", p.cfg.PoolSize,
		"retry_ceiling", p.cfg.RetryCeiling,
		"reclaim_min_idle", p.cfg.ReclaimMinIdle)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.PoolSize; i++ {
		consumer := fmt.Sprintf("%s-w%d", p.instance, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, consumer)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reclaimLoop(ctx)
	}()

	wg.Wait()
	slog.Info("dispatch pool stopped", "instance", p.instance)
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, consumer string) {
	logger := slog.With("consumer", consumer)
	logger.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-p.reclaimed:
			p.process(ctx, consumer, entry)
			continue
		default:
		}

		entries, err := p.queue.Read(ctx, consumer, p.cfg.ReadBlock, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, entry := range entries {
			p.process(ctx, consumer, entry)
		}
	}
}

// reclaimLoop periodically sweeps entries idle past the staleness threshold.
// Acknowledged cases (finished jobs, orphans) are settled here; everything
// still runnable is reset and handed back to the workers.
func (p *Pool) reclaimLoop(ctx context.Context) {
	consumer := p.instance + "-reclaim"
	logger := slog.With("consumer", consumer)

	ticker := time.NewTicker(p.cfg.ReclaimMinIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entries, err := p.queue.Reclaim(ctx, consumer, p.cfg.ReclaimMinIdle, 16)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("reclaim sweep failed", "error", err)
			continue
		}

		for _, entry := range entries {
			p.settleReclaimed(ctx, logger, entry)
		}
	}
}

func (p *Pool) settleReclaimed(ctx context.Context, logger *slog.Logger, entry queue.Entry) {
	logger = logger.With("job_id", entry.JobID, "entry_id", entry.ID)

	j, err := p.store.GetJob(ctx, entry.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("reclaimed entry references unknown job, acknowledging")
			p.ack(ctx, logger, entry.ID)
			return
		}
		logger.Error("job load failed, leaving entry for next sweep", "error", err)
		return
	}

	if models.IsTerminal(j.Status) {
		// finished while its dispatcher was down; nothing left but the ack
		p.ack(ctx, logger, entry.ID)
		return
	}

	if j.CancelRequestedAt != nil {
		p.failCancelled(ctx, logger, entry, j)
		return
	}

	if j.Status == models.JobStatusPending {
		// a transient-failure reset or backlog entry; its attempt count is
		// already correct, the sweep only redelivers it
		p.handOff(logger, entry)
		return
	}

	// dispatched or running with a stale claim: the worker is presumed dead
	next := j.Attempt + 1
	if job.Decide(next, p.cfg.RetryCeiling).Action == job.ActionDeadLetter {
		lastError := "claim expired, worker presumed dead"
		if j.ErrorMessage != nil && *j.ErrorMessage != "" {
			lastError = *j.ErrorMessage
		}
		if _, err := p.jobs.DeadLetter(ctx, j, next, lastError); err != nil {
			logger.Error("dead-letter of stale job failed", "error", err)
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
		logger.Error("reset of stale job failed", "error", err)
		return
	}
	logger.Info("stale claim reset for redelivery", "attempt", next)
	p.handOff(logger, entry)
}

func (p *Pool) handOff(logger *slog.Logger, entry queue.Entry) {
	select {
	case p.reclaimed <- entry:
	default:
		// workers are saturated; the entry stays pending and the next
		// sweep picks it up again
		logger.Warn("worker backlog full, deferring reclaimed entry")
	}
}

func (p *Pool) failCancelled(ctx context.Context, logger *slog.Logger, entry queue.Entry, j *models.Job) {
	if _, err := p.jobs.Report(ctx, job.ReportParams{
		JobID:        j.ID,
		RequestID:    j.RequestID,
		Status:       models.JobStatusFailed,
		ErrorMessage: "cancelled",
	}); err != nil {
		logger.Error("failing cancelled job failed", "error", err)
		return
	}
	logger.Info("cancelled job settled")
	p.ack(ctx, logger, entry.ID)
}

func (p *Pool) ack(ctx context.Context, logger *slog.Logger, entryID string) {
	if err := p.queue.Ack(ctx, entryID); err != nil {
		logger.Warn("ack failed, entry will be swept again", "error", err)
	}
}
