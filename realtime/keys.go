// Redis key layout and retention periods shared by the queue, lock and
// presence stores. All keys live under a single prefix so an operator can
// inspect or flush the gateway's footprint with one pattern.
package realtime

import (
	"fmt"
	"time"
)

const keyPrefix = "shotrelay"

const (
	// offlineQueueTTL bounds how long undelivered events are retained.
	// The TTL is refreshed on every append, so only abandoned queues expire.
	offlineQueueTTL = 7 * 24 * time.Hour

	// lockTTL bounds edit locks so a crashed client can never deadlock a
	// resource permanently.
	lockTTL = 30 * time.Minute

	// presenceTTL bounds the online-user set for a project; membership is
	// refreshed while at least one subscriber remains connected.
	presenceTTL = 10 * time.Minute
)

func offlineKey(userID string) string {
	return fmt.Sprintf("%s:offline:user:%s", keyPrefix, userID)
}

func offlineProjectKey(projectID, userID string) string {
	return fmt.Sprintf("%s:offline:project:%s:user:%s", keyPrefix, projectID, userID)
}

func lockKey(resourceID string) string {
	return fmt.Sprintf("%s:lock:%s", keyPrefix, resourceID)
}

func presenceKey(projectID string) string {
	return fmt.Sprintf("%s:presence:project:%s", keyPrefix, projectID)
}
