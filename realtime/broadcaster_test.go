package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func newTestBroadcaster(t *testing.T, members MemberLister) (*Broadcaster, *Directory, *OfflineQueue) {
	t.Helper()

	_, client := newTestRedis(t)

	directory := NewDirectory()
	queue := NewOfflineQueue(client, 0, slog.Default())

	b := newBroadcaster(directory, queue, members, slog.Default(), noopMetrics{})

	return b, directory, queue
}

func TestBroadcastReachesAllOnlineMembers(t *testing.T) {
	b, directory, _ := newTestBroadcaster(t, nil)

	ctx := context.Background()

	userA := newTestConn("connA", "userA")
	userB := newTestConn("connB", "userB")
	userC := newTestConn("connC", "userC")

	directory.Subscribe(userA, "proj-1")
	directory.Subscribe(userB, "proj-1")
	directory.Subscribe(userC, "proj-2")

	frame := newFrame(string(EventShotCreated), map[string]string{"id": "shot-1"}, SystemUserID)

	delivered := b.Broadcast(ctx, "proj-1", frame)

	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}

	for _, conn := range []*Conn{userA, userB} {
		got := receiveFrame(t, conn)

		if got.Type != string(EventShotCreated) {
			t.Errorf("expected shot_created, got %s", got.Type)
		}
		if got.UserID != SystemUserID {
			t.Errorf("expected system sender, got %s", got.UserID)
		}

		data, ok := got.Data.(map[string]interface{})
		if !ok || data["id"] != "shot-1" {
			t.Errorf("expected identical payload on every socket, got %v", got.Data)
		}
	}

	// A socket subscribed elsewhere receives nothing.
	expectNoFrame(t, userC)
}

func TestBroadcastSkipsStaleSockets(t *testing.T) {
	b, directory, _ := newTestBroadcaster(t, nil)

	ctx := context.Background()

	open := newTestConn("open", "userA")
	stale := newTestConn("stale", "userB")

	directory.Subscribe(open, "proj-1")
	directory.Subscribe(stale, "proj-1")

	stale.Close()

	delivered := b.Broadcast(ctx, "proj-1", newFrame(string(EventShotUpdated), nil, SystemUserID))

	if delivered != 1 {
		t.Errorf("expected stale socket skipped, got %d deliveries", delivered)
	}

	receiveFrame(t, open)
}

func TestBroadcastToOnlineUser(t *testing.T) {
	b, directory, queue := newTestBroadcaster(t, nil)

	ctx := context.Background()

	userA := newTestConn("connA", "userA")
	userB := newTestConn("connB", "userB")

	directory.Subscribe(userA, "proj-1")
	directory.Subscribe(userB, "proj-1")

	delivered := b.BroadcastTo(ctx, "proj-1", "userA", newFrame(string(EventMemberUpdated), nil, SystemUserID))

	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}

	receiveFrame(t, userA)

	expectNoFrame(t, userB)

	// Nothing was queued for an online recipient.
	msgs, err := queue.DrainProject(ctx, "proj-1", "userA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected empty queue, got %d messages", len(msgs))
	}
}

func TestBroadcastToOfflineUserQueues(t *testing.T) {
	b, directory, queue := newTestBroadcaster(t, nil)

	ctx := context.Background()

	directory.Subscribe(newTestConn("connA", "userA"), "proj-1")

	frame := newFrame(string(EventShotCreated), map[string]string{"id": "shot-1"}, SystemUserID)

	delivered := b.BroadcastTo(ctx, "proj-1", "userD", frame)

	if delivered != 0 {
		t.Fatalf("expected 0 deliveries for offline user, got %d", delivered)
	}

	msgs, err := queue.DrainProject(ctx, "proj-1", "userD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(msgs))
	}
	if msgs[0].Type != string(EventShotCreated) {
		t.Errorf("expected queued shot_created, got %s", msgs[0].Type)
	}

	var payload map[string]string
	if err := json.Unmarshal(msgs[0].Data, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload["id"] != "shot-1" {
		t.Errorf("expected payload preserved, got %v", payload)
	}
}

func TestBroadcastEmptyChannelWithMemberLister(t *testing.T) {
	lister := func(ctx context.Context, projectID string) ([]string, error) {
		return []string{"userA", "userB"}, nil
	}

	b, _, queue := newTestBroadcaster(t, lister)

	ctx := context.Background()

	delivered := b.Broadcast(ctx, "proj-1", newFrame(string(EventProjectUpdated), nil, SystemUserID))

	if delivered != 0 {
		t.Fatalf("expected 0 live deliveries, got %d", delivered)
	}

	for _, userID := range []string{"userA", "userB"} {
		msgs, err := queue.DrainProject(ctx, "proj-1", userID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(msgs) != 1 {
			t.Errorf("expected 1 queued message for %s, got %d", userID, len(msgs))
		}
	}
}

func TestBroadcastEmptyChannelWithoutListerDrops(t *testing.T) {
	b, _, queue := newTestBroadcaster(t, nil)

	ctx := context.Background()

	b.Broadcast(ctx, "proj-1", newFrame(string(EventProjectUpdated), nil, SystemUserID))

	msgs, err := queue.DrainProject(ctx, "proj-1", "userA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected event dropped without a member lister, got %d queued", len(msgs))
	}
}
