// This file contains the Presence store which records which users are
// currently connected to a project's channel. The record is transient: the set
// carries a refreshable TTL so presence for an abandoned project self-expires.
package realtime

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Presence struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewPresence creates a presence store on the given Redis client.
// If ttl is zero the 10-minute default is used.
func NewPresence(client redis.UniversalClient, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = presenceTTL
	}
	return &Presence{
		client: client,
		ttl:    ttl,
	}
}

// Join records the user as online in the project and refreshes the set's TTL.
func (p *Presence) Join(ctx context.Context, projectID, userID string) error {
	key := presenceKey(projectID)

	pipe := p.client.Pipeline()

	pipe.SAdd(ctx, key, userID)

	pipe.Expire(ctx, key, p.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return wrapF(err, "failed to record presence for user %s in project %s", userID, projectID)
	}
	return nil
}

// Leave removes the user from the project's online set.
func (p *Presence) Leave(ctx context.Context, projectID, userID string) error {
	if err := p.client.SRem(ctx, presenceKey(projectID), userID).Err(); err != nil {
		return wrapF(err, "failed to remove presence for user %s in project %s", userID, projectID)
	}
	return nil
}

// Online returns the user IDs currently recorded as connected to the project.
func (p *Presence) Online(ctx context.Context, projectID string) ([]string, error) {
	members, err := p.client.SMembers(ctx, presenceKey(projectID)).Result()

	if err != nil && err != redis.Nil {
		return nil, wrapF(err, "failed to list online users for project %s", projectID)
	}
	return members, nil
}

// Refresh extends the TTL on the project's online set. Called on heartbeat
// cycles while subscribers remain connected.
func (p *Presence) Refresh(ctx context.Context, projectID string) error {
	if err := p.client.Expire(ctx, presenceKey(projectID), p.ttl).Err(); err != nil {
		return wrapF(err, "failed to refresh presence TTL for project %s", projectID)
	}
	return nil
}
