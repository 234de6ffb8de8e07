package cache

import "github.com/google/uuid"

// JobSnapshotKey returns the cache key for a terminal job snapshot. Only
// terminal snapshots are cached; they are immutable, so staleness is not a
// concern.
func JobSnapshotKey(jobID uuid.UUID) string {
	return "maestro:snapshot:" + jobID.String()
}

// RateLimitKey returns the cache key for a caller's rate-limit window.
func RateLimitKey(caller string) string {
	return "maestro:ratelimit:" + caller
}
