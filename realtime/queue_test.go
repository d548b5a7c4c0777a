package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testMessage(t *testing.T, eventType string, payload interface{}) *QueuedMessage {
	t.Helper()

	msg, err := NewQueuedMessage(eventType, payload, "proj-1")
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}
	return msg
}

func TestOfflineQueueFIFOOrder(t *testing.T) {
	_, client := newTestRedis(t)

	ctx := context.Background()

	q := NewOfflineQueue(client, 0, slog.Default())

	for i := 0; i < 5; i++ {
		msg := testMessage(t, string(EventShotUpdated), map[string]int{"seq": i})

		if err := q.Enqueue(ctx, "userD", msg); err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}

	drained, err := q.Drain(ctx, "userD")
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if len(drained) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(drained))
	}

	// Delivery contract is oldest first.
	for i, msg := range drained {
		var payload map[string]int
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			t.Fatalf("failed to unmarshal payload: %v", err)
		}
		if payload["seq"] != i {
			t.Errorf("expected seq %d at position %d, got %d", i, i, payload["seq"])
		}
	}
}

func TestOfflineQueueDrainDeletes(t *testing.T) {
	mr, client := newTestRedis(t)

	ctx := context.Background()

	q := NewOfflineQueue(client, 0, slog.Default())

	if err := q.Enqueue(ctx, "userD", testMessage(t, string(EventShotCreated), nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := q.Drain(ctx, "userD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 message, got %d", len(first))
	}

	if mr.Exists(offlineKey("userD")) {
		t.Error("expected queue key deleted after drain")
	}

	second, err := q.Drain(ctx, "userD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("expected empty second drain, got %d messages", len(second))
	}
}

func TestOfflineQueueTTLRefresh(t *testing.T) {
	mr, client := newTestRedis(t)

	ctx := context.Background()

	q := NewOfflineQueue(client, time.Hour, slog.Default())

	if err := q.Enqueue(ctx, "userD", testMessage(t, string(EventShotCreated), nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key := offlineKey("userD")
	if mr.TTL(key) != time.Hour {
		t.Errorf("expected 1h TTL, got %v", mr.TTL(key))
	}

	mr.FastForward(30 * time.Minute)

	if err := q.Enqueue(ctx, "userD", testMessage(t, string(EventShotUpdated), nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// TTL is refreshed on every append, so an active producer keeps the
	// queue alive.
	if mr.TTL(key) != time.Hour {
		t.Errorf("expected TTL reset to 1h, got %v", mr.TTL(key))
	}
}

func TestOfflineQueueSkipsCorruptEntries(t *testing.T) {
	_, client := newTestRedis(t)

	ctx := context.Background()

	q := NewOfflineQueue(client, 0, slog.Default())

	if err := q.Enqueue(ctx, "userD", testMessage(t, string(EventShotCreated), nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.RPush(ctx, offlineKey("userD"), "{not json").Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Enqueue(ctx, "userD", testMessage(t, string(EventShotDeleted), nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	drained, err := q.Drain(ctx, "userD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(drained) != 2 {
		t.Fatalf("expected corrupt entry dropped, got %d messages", len(drained))
	}
	if drained[0].Type != string(EventShotCreated) || drained[1].Type != string(EventShotDeleted) {
		t.Errorf("expected order preserved around dropped entry, got %s, %s", drained[0].Type, drained[1].Type)
	}
}

// TestOfflineQueueNoLossUnderConcurrentEnqueue hammers the drain path while a
// producer keeps appending. Because the drain reads and deletes in one atomic
// step, every message must be collected exactly once: a message enqueued
// mid-drain either appears in that drain or survives for the next one.
func TestOfflineQueueNoLossUnderConcurrentEnqueue(t *testing.T) {
	_, client := newTestRedis(t)

	ctx := context.Background()

	q := NewOfflineQueue(client, 0, slog.Default())

	const total = 100

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := 0; i < total; i++ {
			msg, err := NewQueuedMessage(string(EventShotUpdated), map[string]int{"seq": i}, "proj-1")
			if err != nil {
				t.Errorf("failed to build message: %v", err)

				return
			}
			if err := q.Enqueue(ctx, "userD", msg); err != nil {
				t.Errorf("unexpected enqueue error: %v", err)

				return
			}
		}
	}()

	seen := make(map[string]int)

	deadline := time.Now().Add(5 * time.Second)

	for len(seen) < total && time.Now().Before(deadline) {
		drained, err := q.Drain(ctx, "userD")
		if err != nil {
			t.Fatalf("unexpected drain error: %v", err)
		}
		for _, msg := range drained {
			var payload map[string]int
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				t.Fatalf("failed to unmarshal payload: %v", err)
			}
			seen[fmt.Sprintf("seq-%d", payload["seq"])]++
		}
	}

	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct messages, got %d", total, len(seen))
	}
	for key, count := range seen {
		if count != 1 {
			t.Errorf("message %s delivered %d times", key, count)
		}
	}
}

func TestOfflineQueuePeekAndSize(t *testing.T) {
	_, client := newTestRedis(t)

	ctx := context.Background()

	q := NewOfflineQueue(client, 0, slog.Default())

	if err := q.Enqueue(ctx, "userD", testMessage(t, string(EventShotCreated), nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Enqueue(ctx, "userD", testMessage(t, string(EventShotUpdated), nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	peeked, err := q.Peek(ctx, "userD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(peeked) != 2 {
		t.Errorf("expected 2 peeked messages, got %d", len(peeked))
	}

	size, err := q.Size(ctx, "userD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != 2 {
		t.Errorf("expected size 2, got %d", size)
	}

	// Peek must not mutate the queue.
	if size, _ := q.Size(ctx, "userD"); size != 2 {
		t.Errorf("expected size unchanged after peek, got %d", size)
	}
}

func TestOfflineQueueProjectScoped(t *testing.T) {
	_, client := newTestRedis(t)

	ctx := context.Background()

	q := NewOfflineQueue(client, 0, slog.Default())

	if err := q.EnqueueProject(ctx, "proj-1", "userD", testMessage(t, string(EventShotCreated), nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Project-scoped entries are invisible to the user-wide queue.
	userWide, err := q.Drain(ctx, "userD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(userWide) != 0 {
		t.Errorf("expected empty user-wide queue, got %d", len(userWide))
	}

	scoped, err := q.DrainProject(ctx, "proj-1", "userD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scoped) != 1 {
		t.Errorf("expected 1 project-scoped message, got %d", len(scoped))
	}
}

func TestOfflineQueueEnqueueStoreDown(t *testing.T) {
	mr, client := newTestRedis(t)

	ctx := context.Background()

	q := NewOfflineQueue(client, 0, slog.Default())

	mr.Close()

	err := q.Enqueue(ctx, "userD", testMessage(t, string(EventShotCreated), nil))

	var e *Error
	if !asError(err, &e) || !e.Temporary {
		t.Errorf("expected temporary unavailable error, got %v", err)
	}
}
