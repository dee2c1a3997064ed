// Package presence tracks which users currently hold a live gateway
// connection. Each user gets a Redis counter of their open connections so a
// user on two devices stays online until the last one drops:
//
//	Key:   presence:user:<user_id>
//	Value: open connection count
//	TTL:   PresenceTTL, refreshed by the websocket heartbeat
//
// The TTL is the safety net for crashed gateway instances: if nothing
// refreshes the key, the user falls offline on its own. The read side (the
// conversation list's online badge) lives in the REST layer, which only ever
// checks key existence.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// UserPrefix is the Redis key prefix for presence counters.
	UserPrefix = "presence:user:"

	// PresenceTTL is how long a presence counter survives without a
	// heartbeat refresh.
	PresenceTTL = 2 * time.Minute
)

// Store manages presence counters in Redis.
type Store struct {
	client           *redis.Client
	disconnectScript *redis.Script
}

// NewStore creates a presence store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{
		client:           client,
		disconnectScript: redis.NewScript(disconnectLua),
	}
}

// Connect records one new connection for userID. It returns true when this
// is the user's first open connection, i.e. the user just came online.
func (s *Store) Connect(ctx context.Context, userID string) (bool, error) {
	key := UserPrefix + userID

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence: connect %s: %w", userID, err)
	}
	return incr.Val() == 1, nil
}

// Disconnect records one closed connection for userID. It returns true when
// this was the user's last open connection, i.e. the user just went offline.
// The decrement and the delete-at-zero run as one script so two gateways
// closing connections for the same user cannot leave a negative counter.
func (s *Store) Disconnect(ctx context.Context, userID string) (bool, error) {
	key := UserPrefix + userID

	remaining, err := s.disconnectScript.Run(ctx, s.client,
		[]string{key}, int(PresenceTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("presence: disconnect %s: %w", userID, err)
	}
	return remaining == 0, nil
}

// Refresh extends the presence TTL for userID. Called from the heartbeat for
// every connection that is still alive.
func (s *Store) Refresh(ctx context.Context, userID string) error {
	return s.client.Expire(ctx, UserPrefix+userID, PresenceTTL).Err()
}

// IsOnline reports whether userID has at least one open connection anywhere.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, UserPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: is online %s: %w", userID, err)
	}
	return n > 0, nil
}

// disconnectLua decrements the connection counter and removes the key once
// it reaches zero. Returns the remaining count (never negative).
const disconnectLua = `
local count = redis.call('DECR', KEYS[1])
if count <= 0 then
    redis.call('DEL', KEYS[1])
    return 0
end
redis.call('EXPIRE', KEYS[1], ARGV[1])
return count
`
