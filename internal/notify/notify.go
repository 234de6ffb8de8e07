// Package notify fans job lifecycle events out to live subscribers.
// Delivery is best-effort; the job store remains the source of truth and a
// subscriber that misses events can always fall back to polling.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/harmonia/maestro/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Notifier publishes job events and hands out per-job subscriptions.
type Notifier interface {
	Publish(ctx context.Context, event models.JobEvent) error
	// Subscribe returns a channel of events for one job and a cancel func the
	// caller must invoke when done. The channel is buffered; events beyond
	// the buffer are dropped rather than blocking the publisher.
	Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan models.JobEvent, func(), error)
}

const subscriberBuffer = 16

// RedisNotifier implements Notifier over Redis pub/sub with one channel per
// job id, so events reach subscribers on any process.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier creates a RedisNotifier from a Redis URL.
func NewRedisNotifier(redisURL string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisNotifier{client: redis.NewClient(opts)}, nil
}

// NewRedisNotifierWithClient wraps an existing client.
func NewRedisNotifierWithClient(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

func channelName(jobID uuid.UUID) string {
	return "maestro:job:" + jobID.String()
}

func (n *RedisNotifier) Publish(ctx context.Context, event models.JobEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}
	if err := n.client.Publish(ctx, channelName(event.JobID), payload).Err(); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan models.JobEvent, func(), error) {
	sub := n.client.Subscribe(ctx, channelName(jobID))

	// confirm the subscription before handing out the channel, so events
	// published after Subscribe returns are not missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe to job %s: %w", jobID, err)
	}

	out := make(chan models.JobEvent, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var event models.JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("dropping malformed job event", "job_id", jobID, "error", err)
				continue
			}
			select {
			case out <- event:
			default:
				// slow subscriber; it can converge by polling the store
				slog.Debug("subscriber buffer full, dropping event",
					"job_id", jobID, "status", event.Status)
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
