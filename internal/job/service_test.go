package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/harmonia/maestro/internal/downstream"
	"github.com/harmonia/maestro/internal/job"
	"github.com/harmonia/maestro/internal/queue"
	"github.com/harmonia/maestro/internal/store"
	"github.com/harmonia/maestro/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fake queue ---

type fakeQueue struct {
	mu        sync.Mutex
	appendErr error
	appended  []uuid.UUID
	acked     []string
	nextID    int
}

func (q *fakeQueue) Append(_ context.Context, jobID uuid.UUID, _ string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.appendErr != nil {
		return "", q.appendErr
	}
	q.nextID++
	q.appended = append(q.appended, jobID)
	return entryID(q.nextID), nil
}

func (q *fakeQueue) Read(_ context.Context, _ string, _ time.Duration, _ int64) ([]queue.Entry, error) {
	return nil, nil
}

func (q *fakeQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, id)
	return nil
}

func (q *fakeQueue) Reclaim(_ context.Context, _ string, _ time.Duration, _ int64) ([]queue.Entry, error) {
	return nil, nil
}

func (q *fakeQueue) Extend(_ context.Context, _, _ string) error   { return nil }
func (q *fakeQueue) PendingCount(_ context.Context) (int64, error) { return 0, nil }
func (q *fakeQueue) Ping(_ context.Context) error                  { return nil }

func entryID(n int) string {
	return "0-" + string(rune('0'+n))
}

// --- fake notifier ---

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.JobEvent
}

func (n *fakeNotifier) Publish(_ context.Context, event models.JobEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.Status)
	}
	return out
}

// --- fake engine client ---

type fakeEngine struct {
	mu        sync.Mutex
	cancelled []uuid.UUID
}

func (e *fakeEngine) Dispatch(_ context.Context, _ *models.Job, _ string) (*downstream.Receipt, error) {
	return &downstream.Receipt{EngineJobID: "eng-1", AcceptedAt: time.Now().UTC()}, nil
}

func (e *fakeEngine) Cancel(_ context.Context, j *models.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, j.ID)
	return nil
}

// --- setup ---

type fixture struct {
	svc      *job.Service
	store    *store.MemoryStore
	queue    *fakeQueue
	notifier *fakeNotifier
	engine   *fakeEngine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		queue:    &fakeQueue{},
		notifier: &fakeNotifier{},
		engine:   &fakeEngine{},
	}
	engines := downstream.NewRegistryWithClients(map[string]downstream.Client{
		models.JobTypeMetadata: f.engine,
		models.JobTypeAudio:    f.engine,
	})
	f.svc = job.NewService(f.store, f.queue, f.notifier, nil, engines, 1024)
	return f
}

func submit(t *testing.T, f *fixture) *models.Job {
	t.Helper()
	j, err := f.svc.Submit(context.Background(), job.SubmitParams{
		Type:    models.JobTypeMetadata,
		Payload: json.RawMessage(`{"narrative":"sunset drive"}`),
	})
	require.NoError(t, err)
	return j
}

// --- Submit ---

func TestSubmit_CreatesPendingJob(t *testing.T) {
	f := setup(t)

	j, err := f.svc.Submit(context.Background(), job.SubmitParams{
		Type:    models.JobTypeAudio,
		Payload: json.RawMessage(`{"narrative":"sunset drive"}`),
	})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, j.ID)
	assert.Equal(t, models.JobStatusPending, j.Status)
	assert.NotEmpty(t, j.RequestID)
	assert.Equal(t, 0, j.Attempt)
	require.NotNil(t, j.QueueEntryID)

	got, err := f.svc.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, []uuid.UUID{j.ID}, f.queue.appended)
}

func TestSubmit_PreservesCallerRequestID(t *testing.T) {
	f := setup(t)

	j, err := f.svc.Submit(context.Background(), job.SubmitParams{
		Type:      models.JobTypeMetadata,
		Payload:   json.RawMessage(`{}`),
		RequestID: "req-caller-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "req-caller-1", j.RequestID)
}

func TestSubmit_UnknownType(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Submit(context.Background(), job.SubmitParams{
		Type:    "video-rendering",
		Payload: json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, job.ErrUnknownType)
}

func TestSubmit_InvalidPayload(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Submit(context.Background(), job.SubmitParams{
		Type:    models.JobTypeMetadata,
		Payload: json.RawMessage(`{not json`),
	})
	assert.ErrorIs(t, err, job.ErrPayloadInvalid)

	_, err = f.svc.Submit(context.Background(), job.SubmitParams{
		Type: models.JobTypeMetadata,
	})
	assert.ErrorIs(t, err, job.ErrPayloadInvalid)
}

func TestSubmit_OversizedPayload(t *testing.T) {
	f := setup(t)

	big, _ := json.Marshal(map[string]string{"narrative": string(make([]byte, 2048))})
	_, err := f.svc.Submit(context.Background(), job.SubmitParams{
		Type:    models.JobTypeMetadata,
		Payload: big,
	})
	assert.ErrorIs(t, err, job.ErrPayloadTooLarge)
}

func TestSubmit_EnqueueFailureMarksJobFailed(t *testing.T) {
	f := setup(t)
	f.queue.appendErr = errors.New("redis down")

	_, err := f.svc.Submit(context.Background(), job.SubmitParams{
		Type:    models.JobTypeMetadata,
		Payload: json.RawMessage(`{}`),
	})
	require.ErrorIs(t, err, job.ErrEnqueueFailed)

	// no job may be left pending without a queue entry
	ctx := context.Background()
	for _, id := range f.queue.appended {
		j, err := f.store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, models.JobStatusPending, j.Status)
	}
}

// --- Report ---

func TestReport_FullLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := submit(t, f)

	_, err := f.svc.Report(ctx, job.ReportParams{
		JobID: j.ID, RequestID: j.RequestID,
		Status: models.JobStatusDispatched, WorkerID: "dispatcher-1",
	})
	require.NoError(t, err)

	progress := 30
	updated, err := f.svc.Report(ctx, job.ReportParams{
		JobID: j.ID, RequestID: j.RequestID,
		Status: models.JobStatusRunning, Progress: &progress,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, updated.Status)
	assert.Equal(t, 30, *updated.Progress)

	updated, err = f.svc.Report(ctx, job.ReportParams{
		JobID: j.ID, RequestID: j.RequestID,
		Status: models.JobStatusSucceeded,
		Result: json.RawMessage(`{"track_url":"s3://tracks/1.wav"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, updated.Status)
	assert.JSONEq(t, `{"track_url":"s3://tracks/1.wav"}`, string(updated.Result))
	assert.Nil(t, updated.WorkerID)
	assert.NotNil(t, updated.FinishedAt)

	assert.Equal(t, []string{
		models.JobStatusDispatched,
		models.JobStatusRunning,
		models.JobStatusSucceeded,
	}, f.notifier.statuses())
}

func TestReport_RequestIDMismatchChangesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := submit(t, f)

	_, err := f.svc.Report(ctx, job.ReportParams{
		JobID: j.ID, RequestID: "stale-request-id",
		Status: models.JobStatusSucceeded,
	})
	assert.ErrorIs(t, err, job.ErrRequestIDMismatch)

	got, err := f.svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Empty(t, f.notifier.statuses())
}

func TestReport_TerminalIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := submit(t, f)

	_, err := f.svc.Report(ctx, job.ReportParams{
		JobID: j.ID, RequestID: j.RequestID, Status: models.JobStatusDispatched,
	})
	require.NoError(t, err)

	first, err := f.svc.Report(ctx, job.ReportParams{
		JobID: j.ID, RequestID: j.RequestID,
		Status: models.JobStatusSucceeded,
		Result: json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)

	// a duplicate terminal report is accepted but produces no state change
	second, err := f.svc.Report(ctx, job.ReportParams{
		JobID: j.ID, RequestID: j.RequestID,
		Status: models.JobStatusFailed,
		ErrorMessage: "late duplicate from retried worker",
	})
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
	assert.True(t, first.FinishedAt.Equal(*second.FinishedAt))
	assert.JSONEq(t, string(first.Result), string(second.Result))
	assert.Equal(t, []string{models.JobStatusDispatched, models.JobStatusSucceeded}, f.notifier.statuses())
}

func TestReport_InvalidTransitionRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := submit(t, f)

	// running before dispatched skips a state
	_, err := f.svc.Report(ctx, job.ReportParams{
		JobID: j.ID, RequestID: j.RequestID, Status: models.JobStatusRunning,
	})
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
}

func TestReport_UnknownJob(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Report(context.Background(), job.ReportParams{
		JobID: uuid.New(), RequestID: "x", Status: models.JobStatusRunning,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Cancel ---

func TestCancel_PendingFailsImmediatelyAndAcks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := submit(t, f)

	updated, err := f.svc.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, updated.Status)
	require.NotNil(t, updated.ErrorMessage)
	assert.Equal(t, "cancelled", *updated.ErrorMessage)
	assert.NotNil(t, updated.FinishedAt)
	assert.Len(t, f.queue.acked, 1)
}

func TestCancel_DispatchedRecordsAndForwards(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := submit(t, f)

	_, err := f.svc.Report(ctx, job.ReportParams{
		JobID: j.ID, RequestID: j.RequestID,
		Status: models.JobStatusDispatched, WorkerID: "dispatcher-1",
	})
	require.NoError(t, err)

	updated, err := f.svc.Cancel(ctx, j.ID)
	require.NoError(t, err)
	// no preemption: the job stays dispatched, only the request is recorded
	assert.Equal(t, models.JobStatusDispatched, updated.Status)
	assert.NotNil(t, updated.CancelRequestedAt)
	assert.Equal(t, []uuid.UUID{j.ID}, f.engine.cancelled)
}

// racingStore wraps a store and fires interpose after the Nth GetJob, so a
// competing write can be slipped between a read and the update based on it.
type racingStore struct {
	store.Store
	mu        sync.Mutex
	fireIn    int
	interpose func()
}

func (s *racingStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := s.Store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	var fire bool
	if s.fireIn > 0 {
		s.fireIn--
		fire = s.fireIn == 0 && s.interpose != nil
	}
	s.mu.Unlock()
	if fire {
		s.interpose()
	}
	return j, nil
}

func TestCancel_RacingTerminalReportIsPreserved(t *testing.T) {
	ctx := context.Background()
	base := store.NewMemoryStore()
	rs := &racingStore{Store: base}
	q := &fakeQueue{}
	n := &fakeNotifier{}
	engines := downstream.NewRegistryWithClients(map[string]downstream.Client{
		models.JobTypeMetadata: &fakeEngine{},
		models.JobTypeAudio:    &fakeEngine{},
	})
	svc := job.NewService(rs, q, n, nil, engines, 1024)

	j, err := svc.Submit(ctx, job.SubmitParams{
		Type:    models.JobTypeMetadata,
		Payload: json.RawMessage(`{"narrative":"sunset drive"}`),
	})
	require.NoError(t, err)
	_, err = svc.Report(ctx, job.ReportParams{
		JobID: j.ID, RequestID: j.RequestID,
		Status: models.JobStatusDispatched, WorkerID: "dispatcher-1",
	})
	require.NoError(t, err)
	_, err = svc.Report(ctx, job.ReportParams{
		JobID: j.ID, RequestID: j.RequestID, Status: models.JobStatusRunning,
	})
	require.NoError(t, err)

	// a success report lands between Cancel's read of the running job and
	// its write of the cancel request
	rs.interpose = func() {
		_, err := base.UpdateJobStatus(ctx, j.ID, models.JobStatusSucceeded,
			store.WithExpectedStatus(models.JobStatusRunning),
			store.WithResult(json.RawMessage(`{"track_url":"s3://tracks/1.wav"}`)),
			store.ClearWorkerID(),
			store.WithFinishedNow())
		require.NoError(t, err)
	}
	rs.fireIn = 2 // Cancel's own read, then the cancel-request read

	updated, err := svc.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, updated.Status)

	got, err := base.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)
	assert.Nil(t, got.CancelRequestedAt)
	assert.JSONEq(t, `{"track_url":"s3://tracks/1.wav"}`, string(got.Result))
}

func TestCancel_TerminalIsNoOp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := submit(t, f)

	_, err := f.svc.Report(ctx, job.ReportParams{
		JobID: j.ID, RequestID: j.RequestID, Status: models.JobStatusDispatched,
	})
	require.NoError(t, err)
	_, err = f.svc.Report(ctx, job.ReportParams{
		JobID: j.ID, RequestID: j.RequestID, Status: models.JobStatusSucceeded,
	})
	require.NoError(t, err)

	updated, err := f.svc.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, updated.Status)
	assert.Empty(t, f.engine.cancelled)
}

// --- Dead letter / resubmit ---

func TestDeadLetter_RecordsAndAcks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := submit(t, f)

	updated, err := f.svc.DeadLetter(ctx, j, 2, "engine unreachable")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDeadLettered, updated.Status)
	assert.Equal(t, 2, updated.Attempt)
	assert.NotNil(t, updated.FinishedAt)
	assert.Len(t, f.queue.acked, 1)

	letters, total, err := f.store.ListDeadLetters(ctx, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, letters, 1)
	assert.Equal(t, j.ID, letters[0].JobID)
	assert.Equal(t, "engine unreachable", letters[0].LastError)
}

func TestResubmit_CreatesFreshJob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := submit(t, f)

	_, err := f.svc.DeadLetter(ctx, j, 2, "engine unreachable")
	require.NoError(t, err)

	letters, _, err := f.store.ListDeadLetters(ctx, 1, 20)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	fresh, err := f.svc.Resubmit(ctx, letters[0].ID)
	require.NoError(t, err)
	assert.NotEqual(t, j.ID, fresh.ID)
	assert.NotEqual(t, j.RequestID, fresh.RequestID)
	assert.Equal(t, models.JobStatusPending, fresh.Status)
	assert.Equal(t, 0, fresh.Attempt)
	assert.JSONEq(t, string(j.Payload), string(fresh.Payload))
}

func TestResubmit_UnknownDeadLetter(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Resubmit(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
