// This file contains the Gateway which owns the connection registry, channel
// directory, liveness monitor and broadcaster for one server instance. It
// upgrades HTTP requests to WebSocket connections, authenticates them, and
// dispatches client frames to the right subsystem.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

type Gateway struct {
	options     *Options
	registry    *Registry
	directory   *Directory
	broadcaster *Broadcaster
	queue       *OfflineQueue
	locks       *ResourceLock
	presence    *Presence
	monitor     *Monitor
	upgrader    websocket.Upgrader
	logger      *slog.Logger
	metrics     MetricsCollector
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewGateway creates a gateway instance on the given Redis client. All mutable
// state (registry, directory) is owned by the returned instance, so multiple
// gateways can coexist in one process. The liveness monitor starts
// immediately and runs until the gateway is closed.
func NewGateway(ctx context.Context, client redis.UniversalClient, options *Options) *Gateway {
	if options == nil {
		options = DefaultOptions()
	}
	gatewayCtx, cancel := context.WithCancel(ctx)

	logger := options.logger()
	metrics := options.metrics()

	registry := NewRegistry()
	directory := NewDirectory()
	queue := NewOfflineQueue(client, options.OfflineQueueTTL, logger)

	g := &Gateway{
		options:     options,
		registry:    registry,
		directory:   directory,
		queue:       queue,
		broadcaster: newBroadcaster(directory, queue, options.Members, logger, metrics),
		locks:       NewResourceLock(client, options.LockTTL),
		presence:    NewPresence(client, options.PresenceTTL),
		logger:      logger,
		metrics:     metrics,
		ctx:         gatewayCtx,
		cancel:      cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  options.ReadBufferSize,
			WriteBufferSize: options.WriteBufferSize,
			CheckOrigin:     createOriginChecker(options),
		},
	}
	g.monitor = newMonitor(registry, options.HeartbeatInterval, g.reap, g.refreshPresence, logger)

	go g.monitor.Run(gatewayCtx)

	return g
}

func createOriginChecker(opts *Options) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if !opts.CheckOrigin {
			return true
		}
		origin := r.Header.Get("Origin")

		if origin == "" {
			return false
		}
		for _, allowed := range opts.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
}

// ServeHTTP upgrades the request to a WebSocket connection. The connect query
// carries an optional bearer token and an optional initial project channel:
// an absent token leaves the connection anonymous, while a present-but-invalid
// token fails the connection with an explicit error frame before closing it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.options.MaxConnections > 0 && g.registry.Len() >= g.options.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)

		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)

	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)

		return
	}

	token := r.URL.Query().Get("token")
	projectID := r.URL.Query().Get("projectId")

	userID := ""
	if token != "" {
		if g.options.Verifier == nil {
			g.rejectConnection(ws, unauthorized("gateway", "token verification is not configured"))

			return
		}
		identity, err := g.options.Verifier(r.Context(), token)

		if err != nil || identity == nil {
			g.rejectConnection(ws, unauthorized("gateway", "invalid token"))

			return
		}
		userID = identity.UserID
	}

	conn := newConn(g.ctx, ws, uuid.NewString(), userID, g.options)

	if err := g.registry.Add(conn); err != nil {
		g.logger.Error("failed to register connection", "connId", conn.ID, "error", err)

		conn.Close()

		return
	}
	g.metrics.ConnectionOpened(conn.ID)

	conn.OnClose(g.onDisconnect)

	conn.OnFrame(g.dispatch)

	g.logger.Info("connection opened",
		"connId", conn.ID,
		"userId", userID,
		"projectId", projectID)

	if projectID != "" {
		g.subscribe(conn, projectID)
	}
}

// rejectConnection sends an explicit error frame and closes the socket. A bad
// token never panics or silently drops; the client sees why it was refused.
func (g *Gateway) rejectConnection(ws *websocket.Conn, reason *Error) {
	frame := errorFrame(reason)

	if data, err := json.Marshal(frame); err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(g.options.WriteWait))

		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = ws.Close()
}

// Broadcast delivers a domain event to every open socket in the project's
// channel. This is the entry point the HTTP mutation layer calls after a
// project, shot or member change.
func (g *Gateway) Broadcast(ctx context.Context, projectID string, event EventType, data interface{}) int {
	return g.broadcaster.Broadcast(ctx, projectID, newFrame(string(event), data, SystemUserID))
}

// BroadcastTo delivers a domain event to a specific user in the project's
// channel, falling back to their offline queue when no open socket is found.
func (g *Gateway) BroadcastTo(ctx context.Context, projectID, userID string, event EventType, data interface{}) int {
	return g.broadcaster.BroadcastTo(ctx, projectID, userID, newFrame(string(event), data, SystemUserID))
}

// Registry exposes the gateway's connection registry for diagnostics.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Locks exposes the distributed resource lock manager, letting the HTTP layer
// serialize edits through the same records the socket protocol uses.
func (g *Gateway) Locks() *ResourceLock {
	return g.locks
}

// Queue exposes the offline queue store for diagnostics.
func (g *Gateway) Queue() *OfflineQueue {
	return g.queue
}

// Close terminates every open connection and stops the liveness monitor.
func (g *Gateway) Close() {
	g.cancel()

	for _, conn := range g.registry.All() {
		conn.Close()
	}
}

// dispatch routes one client frame. Malformed frames are logged and ignored;
// they never close the connection.
func (g *Gateway) dispatch(raw []byte, conn *Conn) {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.logger.Warn("malformed client frame",
			"connId", conn.ID,
			"error", err)

		return
	}
	g.metrics.FrameReceived(frameMetricLabel(frame.Type))

	switch frame.Type {
	case framePing:
		conn.markAlive()

		_ = conn.SendJSON(newFrame(string(EventPong), nil, SystemUserID))
	case frameSubscribe:
		var req subscribeRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.ProjectID == "" {
			_ = conn.SendJSON(errorFrame(badRequest("gateway", "subscribe requires a projectId")))

			return
		}
		g.subscribe(conn, req.ProjectID)
	case frameUnsubscribe:
		g.unsubscribe(conn)
	case frameLockAcquire:
		g.handleLockAcquire(frame.Data, conn)
	case frameLockRelease:
		g.handleLockRelease(frame.Data, conn)
	default:
		g.rebroadcast(&frame, conn)
	}
}

// subscribe moves the connection into the project's channel, records
// presence, announces the join, and replays any backlog the user accumulated
// while offline.
func (g *Gateway) subscribe(conn *Conn, projectID string) {
	previous := g.directory.Subscribe(conn, projectID)
	if previous == projectID {
		return
	}
	if previous != "" {
		g.announceLeaveProject(conn, previous)
	}

	if conn.Authenticated() {
		if err := g.presence.Join(g.ctx, projectID, conn.UserID()); err != nil {
			g.logger.Error("failed to record presence", "projectId", projectID, "error", err)
		}
	}

	joined := newFrame(string(EventUserJoined), map[string]string{"userId": conn.UserID()}, conn.UserID())

	for _, member := range g.directory.Members(projectID) {
		if member.ID == conn.ID {
			continue
		}
		if member.IsActive() {
			_ = member.SendJSON(joined)
		}
	}

	g.drainBacklog(conn, projectID)
}

func (g *Gateway) unsubscribe(conn *Conn) {
	projectID, ok := g.directory.Unsubscribe(conn)

	if !ok {
		return
	}
	g.announceLeaveProject(conn, projectID)
}

// announceLeaveProject handles presence removal and the user_left broadcast
// for a channel the connection already left in the directory.
func (g *Gateway) announceLeaveProject(conn *Conn, projectID string) {
	if conn.Authenticated() {
		if err := g.presence.Leave(g.ctx, projectID, conn.UserID()); err != nil {
			g.logger.Error("failed to remove presence", "projectId", projectID, "error", err)
		}
	}

	left := newFrame(string(EventUserLeft), map[string]string{"userId": conn.UserID()}, conn.UserID())

	for _, member := range g.directory.Members(projectID) {
		if member.ID == conn.ID {
			continue
		}
		if member.IsActive() {
			_ = member.SendJSON(left)
		}
	}
}

// drainBacklog replays the user's offline queues, oldest first: the user-wide
// queue, then the project-scoped one. Replayed frames carry queued: true so
// clients can distinguish backlog from live events. The queues are deleted as
// part of the drain; a message is never delivered twice.
func (g *Gateway) drainBacklog(conn *Conn, projectID string) {
	if !conn.Authenticated() {
		return
	}

	userMsgs, err := g.queue.Drain(g.ctx, conn.UserID())

	if err != nil {
		g.logger.Error("failed to drain user offline queue", "userId", conn.UserID(), "error", err)
	}

	projectMsgs, err := g.queue.DrainProject(g.ctx, projectID, conn.UserID())

	if err != nil {
		g.logger.Error("failed to drain project offline queue",
			"projectId", projectID,
			"userId", conn.UserID(),
			"error", err)
	}

	delivered := 0
	for _, msg := range append(userMsgs, projectMsgs...) {
		frame := &Frame{
			Type:      msg.Type,
			Data:      msg.Data,
			UserID:    SystemUserID,
			Timestamp: msg.Timestamp,
			Queued:    true,
		}
		if conn.SendJSON(frame) == nil {
			delivered++
		}
	}
	if delivered > 0 {
		g.metrics.MessageDrained(delivered)

		g.logger.Info("replayed offline backlog",
			"userId", conn.UserID(),
			"projectId", projectID,
			"count", delivered)
	}
}

func (g *Gateway) handleLockAcquire(data json.RawMessage, conn *Conn) {
	var req lockRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ResourceID == "" {
		_ = conn.SendJSON(errorFrame(badRequest("lock", "lock:acquire requires a resourceId")))

		return
	}
	if !conn.Authenticated() {
		_ = conn.SendJSON(errorFrame(unauthorized("lock", "locks require an authenticated connection").
			withDetails(map[string]string{"resourceId": req.ResourceID})))

		return
	}

	acquired, err := g.locks.Acquire(g.ctx, req.ResourceID, conn.UserID(), 0)

	if err != nil {
		// Fails closed: a store error means not acquired, never assumed granted.
		g.logger.Error("lock acquire failed", "resourceId", req.ResourceID, "error", err)

		acquired = false
	}

	_ = conn.SendJSON(newFrame(string(EventLockResponse), map[string]interface{}{
		"resourceId": req.ResourceID,
		"acquired":   acquired,
	}, SystemUserID))

	if acquired {
		if projectID := conn.ProjectID(); projectID != "" {
			g.broadcaster.Broadcast(g.ctx, projectID, newFrame(string(EventLockAcquired), map[string]string{
				"resourceId": req.ResourceID,
				"userId":     conn.UserID(),
			}, conn.UserID()))
		}
	}
}

func (g *Gateway) handleLockRelease(data json.RawMessage, conn *Conn) {
	var req lockRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ResourceID == "" {
		_ = conn.SendJSON(errorFrame(badRequest("lock", "lock:release requires a resourceId")))

		return
	}
	if !conn.Authenticated() {
		_ = conn.SendJSON(errorFrame(unauthorized("lock", "locks require an authenticated connection").
			withDetails(map[string]string{"resourceId": req.ResourceID})))

		return
	}

	released, err := g.locks.Release(g.ctx, req.ResourceID, conn.UserID())

	if err != nil {
		g.logger.Error("lock release failed", "resourceId", req.ResourceID, "error", err)

		return
	}
	if !released {
		g.logger.Debug("release refused, caller does not own lock",
			"resourceId", req.ResourceID,
			"userId", conn.UserID())

		return
	}

	if projectID := conn.ProjectID(); projectID != "" {
		g.broadcaster.Broadcast(g.ctx, projectID, newFrame(string(EventLockReleased), map[string]string{
			"resourceId": req.ResourceID,
			"userId":     conn.UserID(),
		}, conn.UserID()))
	}
}

// rebroadcast forwards an unrecognized frame verbatim to the sender's current
// channel. Opaque passthrough keeps the event vocabulary open without the
// gateway knowing every kind.
func (g *Gateway) rebroadcast(frame *clientFrame, conn *Conn) {
	projectID := conn.ProjectID()

	if projectID == "" {
		return
	}
	g.broadcaster.Broadcast(g.ctx, projectID, newFrame(frame.Type, frame.Data, conn.UserID()))
}

// onDisconnect purges the connection's context and membership, announcing the
// departure to the rest of its channel. Runs from the connection's close
// handler for both clean closes and liveness terminations.
func (g *Gateway) onDisconnect(conn *Conn) {
	g.registry.Remove(conn.ID)

	g.metrics.ConnectionClosed(conn.ID, time.Since(conn.openedAt))

	if projectID, ok := g.directory.Unsubscribe(conn); ok {
		g.announceLeaveProject(conn, projectID)
	}

	g.logger.Info("connection closed", "connId", conn.ID, "userId", conn.UserID())
}

// refreshPresence extends the online-set TTL for every channel that still has
// subscribers. Runs on the heartbeat cadence so a long-lived session never
// expires out of its project's presence set.
func (g *Gateway) refreshPresence() {
	for _, projectID := range g.directory.Projects() {
		if err := g.presence.Refresh(g.ctx, projectID); err != nil {
			g.logger.Error("failed to refresh presence TTL", "projectId", projectID, "error", err)
		}
	}
}

// reap force-terminates a connection the liveness monitor declared dead. The
// close handler purges registry and directory state synchronously, so the
// context is gone before the next heartbeat tick.
func (g *Gateway) reap(conn *Conn) {
	conn.Close()
}
