// Package queue adapts Redis Streams consumer groups as the durable job queue.
// Claim exclusivity and the pending entries list are owned entirely by the
// stream primitives; no ownership state is kept application-side.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry is a write-once stream record referencing a job. The entry id is the
// position assigned by the stream itself.
type Entry struct {
	ID        string
	JobID     uuid.UUID
	RequestID string
}

// Queue is the stream queue interface. Implementations must be safe for
// concurrent use; every dispatcher instance injects its own client.
type Queue interface {
	// Append adds an entry referencing the job and returns its stream position.
	Append(ctx context.Context, jobID uuid.UUID, requestID string) (string, error)

	// Read blocks up to block for entries newly delivered to this consumer.
	// A nil slice with no error means the block timed out.
	Read(ctx context.Context, consumer string, block time.Duration, count int64) ([]Entry, error)

	// Ack removes an entry from the consumer group's pending entries list.
	Ack(ctx context.Context, entryID string) error

	// Reclaim transfers entries idle past minIdle from any consumer to the
	// caller. Used to recover work claimed by a worker presumed dead.
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Entry, error)

	// Extend refreshes the caller's claim on an entry, resetting its idle
	// time so a live worker parked on a long job is not presumed dead.
	Extend(ctx context.Context, consumer, entryID string) error

	// PendingCount returns the size of the group's pending entries list.
	PendingCount(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
}
