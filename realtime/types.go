// This file contains type definitions for the shotrelay realtime gateway including
// frame structures, event kinds, configuration options, and the collaborator
// interfaces the gateway consumes (token verification, project membership).
package realtime

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"time"
)

// EventType identifies the kind of a server-to-client event. Known kinds cover
// the domain mutations a project channel can observe; any other value flows
// through the gateway as an opaque passthrough event.
type EventType string

const (
	EventProjectUpdated EventType = "project_updated"
	EventShotCreated    EventType = "shot_created"
	EventShotUpdated    EventType = "shot_updated"
	EventShotDeleted    EventType = "shot_deleted"
	EventShotReordered  EventType = "shot_reordered"
	EventMemberAdded    EventType = "member_added"
	EventMemberRemoved  EventType = "member_removed"
	EventMemberUpdated  EventType = "member_updated"
	EventUserJoined     EventType = "user_joined"
	EventUserLeft       EventType = "user_left"
	EventLockAcquired   EventType = "lock_acquired"
	EventLockReleased   EventType = "lock_released"
	EventPong           EventType = "pong"
	EventError          EventType = "error"

	// EventLockResponse answers a lock:acquire frame on the requesting
	// connection only, carrying whether the acquisition succeeded.
	EventLockResponse EventType = "lock:acquire_response"
)

var knownEvents = map[EventType]struct{}{
	EventProjectUpdated: {},
	EventShotCreated:    {},
	EventShotUpdated:    {},
	EventShotDeleted:    {},
	EventShotReordered:  {},
	EventMemberAdded:    {},
	EventMemberRemoved:  {},
	EventMemberUpdated:  {},
	EventUserJoined:     {},
	EventUserLeft:       {},
	EventLockAcquired:   {},
	EventLockReleased:   {},
	EventPong:           {},
	EventError:          {},
	EventLockResponse:   {},
}

// Known reports whether the event type is one of the gateway's own kinds.
// Unknown types are still valid wire events; they are rebroadcast verbatim.
func (t EventType) Known() bool {
	_, ok := knownEvents[t]
	return ok
}

// Client-to-server frame types. Anything else is treated as an opaque event
// and rebroadcast to the sender's current channel.
const (
	framePing        = "ping"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameLockAcquire = "lock:acquire"
	frameLockRelease = "lock:release"
)

// frameMetricLabel maps a client frame type to its metrics label. Protocol
// frames and known event kinds keep their own label; arbitrary passthrough
// types collapse into one, so client-chosen strings cannot grow the series
// set without bound.
func frameMetricLabel(frameType string) string {
	switch frameType {
	case framePing, frameSubscribe, frameUnsubscribe, frameLockAcquire, frameLockRelease:
		return frameType
	}
	if EventType(frameType).Known() {
		return frameType
	}
	return "passthrough"
}

// SystemUserID is the sender recorded on frames originating from the server
// itself rather than from a connected user.
const SystemUserID = "system"

type clientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type subscribeRequest struct {
	ProjectID string `json:"projectId"`
}

type lockRequest struct {
	ResourceID string `json:"resourceId"`
}

// Frame is the server-to-client event envelope. Every domain event delivered
// over a socket uses this shape; Queued is set only on events replayed from an
// offline queue so clients can distinguish backlog from live traffic.
type Frame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	UserID    string      `json:"userId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Queued    bool        `json:"queued,omitempty"`
}

func newFrame(eventType string, data interface{}, userID string) *Frame {
	return &Frame{
		Type:      eventType,
		Data:      data,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
}

// Identity is the result of verifying a connection token.
type Identity struct {
	UserID string
	Name   string
}

// TokenVerifier validates a bearer credential and returns the identity it
// carries. Verifiers must return an error for any token they cannot vouch for;
// a nil identity with a nil error is not a valid result.
type TokenVerifier func(ctx context.Context, token string) (*Identity, error)

// MemberLister returns the user IDs of every member of a project. It is
// consulted when a broadcast targets a channel with no connected members so
// the event can be queued for each member instead of dropped. Optional.
type MemberLister func(ctx context.Context, projectID string) ([]string, error)

// Options configures gateway behavior and connection parameters.
type Options struct {
	CheckOrigin       bool
	AllowedOrigins    []string
	ReadBufferSize    int
	WriteBufferSize   int
	MaxMessageSize    int64
	HeartbeatInterval time.Duration
	WriteWait         time.Duration
	SendTimeout       time.Duration
	SendChannelBuffer int
	MaxConnections    int
	OfflineQueueTTL   time.Duration
	LockTTL           time.Duration
	PresenceTTL       time.Duration
	Verifier          TokenVerifier
	Members           MemberLister
	Logger            *slog.Logger
	Metrics           MetricsCollector
}

// DefaultOptions returns an Options struct with sensible defaults:
// 30s heartbeat with a two-tick miss detector, 1KB buffers, 512KB max
// message size, 7-day offline queue retention and a 30-minute lock TTL.
func DefaultOptions() *Options {
	return &Options{
		CheckOrigin:       false,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		MaxMessageSize:    512 * 1024,
		HeartbeatInterval: 30 * time.Second,
		WriteWait:         10 * time.Second,
		SendTimeout:       5 * time.Second,
		SendChannelBuffer: 256,
		OfflineQueueTTL:   offlineQueueTTL,
		LockTTL:           lockTTL,
		PresenceTTL:       presenceTTL,
	}
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Options) metrics() MetricsCollector {
	if o.Metrics != nil {
		return o.Metrics
	}
	return noopMetrics{}
}

// ServerOptions configures the HTTP server that hosts the gateway endpoints.
type ServerOptions struct {
	Options            *Options
	ServerAddr         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	ServerTLSConfig    *tls.Config
}
