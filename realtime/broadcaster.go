// This file contains the Broadcaster which delivers typed events to the right
// recipients with an online/offline fallback: online sockets get the event
// immediately, addressed-but-offline users get it persisted to their offline
// queue for delivery on next connect.
package realtime

import (
	"context"
	"log/slog"
)

type Broadcaster struct {
	directory *Directory
	queue     *OfflineQueue
	members   MemberLister
	logger    *slog.Logger
	metrics   MetricsCollector
}

func newBroadcaster(directory *Directory, queue *OfflineQueue, members MemberLister, logger *slog.Logger, metrics MetricsCollector) *Broadcaster {
	return &Broadcaster{
		directory: directory,
		queue:     queue,
		members:   members,
		logger:    logger,
		metrics:   metrics,
	}
}

// Broadcast sends the frame to every open socket currently subscribed to the
// project's channel. Delivery is at-most-once and fire-and-forget: whoever is
// connected at call time receives it, nothing is persisted, and the fan-out
// for this call completes before it returns. Returns the delivery count.
//
// When the channel has no connected members and a member lister is
// configured, the event is instead queued for every known project member so
// it is not silently lost; without a lister it is logged and dropped.
func (b *Broadcaster) Broadcast(ctx context.Context, projectID string, frame *Frame) int {
	conns := b.directory.Members(projectID)

	if len(conns) == 0 {
		b.queueForAllMembers(ctx, projectID, frame)

		return 0
	}

	delivered := 0
	for _, conn := range conns {
		if b.deliver(conn, frame) {
			delivered++
		}
	}
	b.metrics.Broadcast(projectID, delivered)

	return delivered
}

// BroadcastTo sends the frame only to the given user's open sockets in the
// project's channel. If the user has no open socket there, the event is
// persisted to their project-scoped offline queue instead. Queue store
// failures degrade gracefully: losing an offline notification is logged, not
// fatal to the caller.
func (b *Broadcaster) BroadcastTo(ctx context.Context, projectID, userID string, frame *Frame) int {
	delivered := 0
	for _, conn := range b.directory.Members(projectID) {
		if conn.UserID() != userID {
			continue
		}
		if b.deliver(conn, frame) {
			delivered++
		}
	}

	if delivered == 0 {
		b.enqueue(ctx, projectID, userID, frame)
	} else {
		b.metrics.Broadcast(projectID, delivered)
	}

	return delivered
}

// deliver pushes the frame onto one socket, skipping sockets that are not in
// an open state. A stale socket is not an error; the directory self-heals
// when the connection's close handler fires.
func (b *Broadcaster) deliver(conn *Conn, frame *Frame) bool {
	if !conn.IsActive() {
		return false
	}
	if err := conn.SendJSON(frame); err != nil {
		b.logger.Debug("skipping undeliverable socket",
			"connId", conn.ID,
			"error", err)

		return false
	}
	return true
}

func (b *Broadcaster) enqueue(ctx context.Context, projectID, userID string, frame *Frame) {
	msg, err := NewQueuedMessage(frame.Type, frame.Data, projectID)

	if err != nil {
		b.logger.Error("failed to build offline message",
			"projectId", projectID,
			"userId", userID,
			"error", err)

		return
	}

	if err := b.queue.EnqueueProject(ctx, projectID, userID, msg); err != nil {
		b.logger.Error("failed to queue offline message",
			"projectId", projectID,
			"userId", userID,
			"messageId", msg.ID,
			"error", err)

		return
	}
	b.metrics.MessageQueued(projectID)
}

func (b *Broadcaster) queueForAllMembers(ctx context.Context, projectID string, frame *Frame) {
	if b.members == nil {
		b.logger.Info("dropping broadcast to empty channel",
			"projectId", projectID,
			"event", frame.Type)

		return
	}

	memberIDs, err := b.members(ctx, projectID)

	if err != nil {
		b.logger.Error("failed to list project members for offline fan-out",
			"projectId", projectID,
			"error", err)

		return
	}

	for _, userID := range memberIDs {
		b.enqueue(ctx, projectID, userID, frame)
	}
}
