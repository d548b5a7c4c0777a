// This file contains the OfflineQueue, a Redis-list-backed per-user holding
// area for events generated while the user had no open connection. Messages
// are appended to the tail and drained oldest-first; the drain is atomic with
// respect to concurrent enqueues so no message is ever read-then-lost.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// QueuedMessage is one undelivered event held in an offline queue.
type QueuedMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	ProjectID string          `json:"projectId,omitempty"`
}

// NewQueuedMessage builds a queueable message with a generated unique id
// (milliseconds since epoch plus a random suffix) and the current timestamp.
func NewQueuedMessage(eventType string, data interface{}, projectID string) (*QueuedMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, wrapF(err, "failed to marshal payload for queued %s event", eventType)
	}
	return &QueuedMessage{
		ID:        fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8]),
		Type:      eventType,
		Data:      raw,
		Timestamp: time.Now().UTC(),
		ProjectID: projectID,
	}, nil
}

// drainScript reads the whole list and deletes the key in one atomic step.
// A plain LRANGE followed by DEL would lose any message enqueued between the
// two commands; running both inside one script closes that window.
var drainScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items
`)

type OfflineQueue struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewOfflineQueue creates an offline queue store on the given Redis client.
// If ttl is zero the 7-day default retention is used.
func NewOfflineQueue(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *OfflineQueue {
	if ttl <= 0 {
		ttl = offlineQueueTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OfflineQueue{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Enqueue appends a message to the user's queue and refreshes the queue's
// retention TTL, so an active producer keeps the queue alive while an
// abandoned queue self-expires.
func (q *OfflineQueue) Enqueue(ctx context.Context, userID string, msg *QueuedMessage) error {
	return q.enqueue(ctx, offlineKey(userID), msg)
}

// EnqueueProject appends a message to the user's project-scoped queue,
// used for channel-specific offline delivery. Same semantics as Enqueue.
func (q *OfflineQueue) EnqueueProject(ctx context.Context, projectID, userID string, msg *QueuedMessage) error {
	return q.enqueue(ctx, offlineProjectKey(projectID, userID), msg)
}

func (q *OfflineQueue) enqueue(ctx context.Context, key string, msg *QueuedMessage) error {
	data, err := json.Marshal(msg)

	if err != nil {
		return wrapF(err, "failed to marshal queued message %s", msg.ID)
	}

	pipe := q.client.Pipeline()

	pipe.RPush(ctx, key, data)

	pipe.Expire(ctx, key, q.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to enqueue offline message",
			"key", key,
			"messageId", msg.ID,
			"error", err)

		return unavailable("queue", "offline queue store unreachable")
	}
	return nil
}

// Drain atomically reads and deletes the user's queue, returning the parsed
// messages oldest-first. Entries that fail to parse are dropped and logged
// rather than aborting the whole drain.
func (q *OfflineQueue) Drain(ctx context.Context, userID string) ([]QueuedMessage, error) {
	return q.drain(ctx, offlineKey(userID))
}

// DrainProject is the project-scoped variant of Drain.
func (q *OfflineQueue) DrainProject(ctx context.Context, projectID, userID string) ([]QueuedMessage, error) {
	return q.drain(ctx, offlineProjectKey(projectID, userID))
}

func (q *OfflineQueue) drain(ctx context.Context, key string) ([]QueuedMessage, error) {
	result, err := drainScript.Run(ctx, q.client, []string{key}).StringSlice()

	if err != nil && err != redis.Nil {
		return nil, wrapF(err, "failed to drain offline queue %s", key)
	}

	messages := make([]QueuedMessage, 0, len(result))

	for _, entry := range result {
		var msg QueuedMessage
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			q.logger.Warn("dropping unparseable offline queue entry",
				"key", key,
				"error", err)

			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Peek returns the user's queued messages without mutating the queue.
func (q *OfflineQueue) Peek(ctx context.Context, userID string) ([]QueuedMessage, error) {
	entries, err := q.client.LRange(ctx, offlineKey(userID), 0, -1).Result()

	if err != nil && err != redis.Nil {
		return nil, wrapF(err, "failed to peek offline queue for user %s", userID)
	}

	messages := make([]QueuedMessage, 0, len(entries))

	for _, entry := range entries {
		var msg QueuedMessage
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Size returns the number of entries in the user's queue.
func (q *OfflineQueue) Size(ctx context.Context, userID string) (int64, error) {
	size, err := q.client.LLen(ctx, offlineKey(userID)).Result()

	if err != nil && err != redis.Nil {
		return 0, wrapF(err, "failed to read offline queue size for user %s", userID)
	}
	return size, nil
}
