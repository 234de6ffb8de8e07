package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/harmonia/maestro/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupStreams spins up a Redis container and returns a connected Streams queue.
func setupStreams(t *testing.T) *queue.Streams {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	q, err := queue.NewStreams("redis://"+host+":"+port.Port(), "maestro:jobs:test", "dispatchers")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, q.Close()) })

	require.NoError(t, q.EnsureGroup(ctx))
	return q
}

func TestAppendAndRead(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupStreams(t)
	ctx := context.Background()

	jobID := uuid.New()
	requestID := uuid.NewString()

	entryID, err := q.Append(ctx, jobID, requestID)
	require.NoError(t, err)
	assert.NotEmpty(t, entryID)

	entries, err := q.Read(ctx, "worker-1", 2*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entryID, entries[0].ID)
	assert.Equal(t, jobID, entries[0].JobID)
	assert.Equal(t, requestID, entries[0].RequestID)
}

func TestRead_BlockTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupStreams(t)

	entries, err := q.Read(context.Background(), "worker-1", 200*time.Millisecond, 1)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEntryDeliveredToExactlyOneConsumer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupStreams(t)
	ctx := context.Background()

	_, err := q.Append(ctx, uuid.New(), uuid.NewString())
	require.NoError(t, err)

	first, err := q.Read(ctx, "worker-1", time.Second, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// the entry is in worker-1's PEL; worker-2 gets nothing new
	second, err := q.Read(ctx, "worker-2", 200*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestAck_RemovesFromPending(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupStreams(t)
	ctx := context.Background()

	_, err := q.Append(ctx, uuid.New(), uuid.NewString())
	require.NoError(t, err)

	entries, err := q.Read(ctx, "worker-1", time.Second, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, q.Ack(ctx, entries[0].ID))

	count, err = q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestReclaim_StealsStaleEntries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupStreams(t)
	ctx := context.Background()

	jobID := uuid.New()
	_, err := q.Append(ctx, jobID, uuid.NewString())
	require.NoError(t, err)

	// worker-1 claims, then "crashes" without acking
	entries, err := q.Read(ctx, "worker-1", time.Second, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// not yet idle long enough
	reclaimed, err := q.Reclaim(ctx, "worker-2", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	time.Sleep(250 * time.Millisecond)

	reclaimed, err = q.Reclaim(ctx, "worker-2", 200*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, jobID, reclaimed[0].JobID)

	// still exactly one pending entry, now owned by worker-2
	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestExtend_ResetsIdleTime(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupStreams(t)
	ctx := context.Background()

	_, err := q.Append(ctx, uuid.New(), uuid.NewString())
	require.NoError(t, err)

	entries, err := q.Read(ctx, "worker-1", time.Second, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, q.Extend(ctx, "worker-1", entries[0].ID))

	// the claim was refreshed, so a reclaim over the original idle window finds nothing
	reclaimed, err := q.Reclaim(ctx, "worker-2", 200*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestEnsureGroup_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupStreams(t)
	assert.NoError(t, q.EnsureGroup(context.Background()))
}
