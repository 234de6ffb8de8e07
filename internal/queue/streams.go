package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Streams implements Queue on Redis Streams via go-redis/v9.
type Streams struct {
	client *redis.Client
	stream string
	group  string
}

// NewStreams creates a Streams queue from a Redis URL.
func NewStreams(redisURL, stream, group string) (*Streams, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Streams{client: redis.NewClient(opts), stream: stream, group: group}, nil
}

// NewStreamsWithClient wraps an existing client; used by tests and by
// processes that share one connection pool across components.
func NewStreamsWithClient(client *redis.Client, stream, group string) *Streams {
	return &Streams{client: client, stream: stream, group: group}
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (s *Streams) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %q: %w", s.group, err)
	}
	return nil
}

func (s *Streams) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Streams) Close() error {
	return s.client.Close()
}

func (s *Streams) Append(ctx context.Context, jobID uuid.UUID, requestID string) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"job_id":     jobID.String(),
			"request_id": requestID,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to stream %q: %w", s.stream, err)
	}
	return id, nil
}

func (s *Streams) Read(ctx context.Context, consumer string, block time.Duration, count int64) ([]Entry, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  []string{s.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %q: %w", s.group, err)
	}

	var entries []Entry
	for _, str := range streams {
		for _, msg := range str.Messages {
			entry, err := parseEntry(msg)
			if err != nil {
				// malformed entries are acked away rather than redelivered forever
				_ = s.Ack(ctx, msg.ID)
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *Streams) Ack(ctx context.Context, entryID string) error {
	if err := s.client.XAck(ctx, s.stream, s.group, entryID).Err(); err != nil {
		return fmt.Errorf("ack entry %s: %w", entryID, err)
	}
	return nil
}

func (s *Streams) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("autoclaim: %w", err)
	}

	var entries []Entry
	for _, msg := range msgs {
		entry, err := parseEntry(msg)
		if err != nil {
			_ = s.Ack(ctx, msg.ID)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Streams) Extend(ctx context.Context, consumer, entryID string) error {
	_, err := s.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: []string{entryID},
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("extend claim on entry %s: %w", entryID, err)
	}
	return nil
}

func (s *Streams) PendingCount(ctx context.Context) (int64, error) {
	pending, err := s.client.XPending(ctx, s.stream, s.group).Result()
	if err != nil {
		return 0, fmt.Errorf("pending summary: %w", err)
	}
	return pending.Count, nil
}

func parseEntry(msg redis.XMessage) (Entry, error) {
	rawJob, ok := msg.Values["job_id"].(string)
	if !ok {
		return Entry{}, fmt.Errorf("entry %s missing job_id", msg.ID)
	}
	jobID, err := uuid.Parse(rawJob)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %s has invalid job_id %q: %w", msg.ID, rawJob, err)
	}
	requestID, _ := msg.Values["request_id"].(string)
	return Entry{ID: msg.ID, JobID: jobID, RequestID: requestID}, nil
}
