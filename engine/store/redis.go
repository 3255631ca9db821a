package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	submitKeyPrefix  = "submit:"
	sessionKeyPrefix = "session:"

	// Submissions are replay-cached for a day; the unique index on
	// (user_id, external_key) remains the source of truth.
	submitTTL = 24 * time.Hour
)

// RedisCache is the optional fast path in front of the durable store: it
// short-circuits duplicate order submissions and carries sticky proxy
// sessions across engine instances. Losing it loses no correctness, only
// round trips.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects and pings.
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{client: client}, nil
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// LookupSubmission returns the order ID cached for a (user, external key)
// pair, or "" on a miss.
func (c *RedisCache) LookupSubmission(ctx context.Context, userID, externalKey string) (string, error) {
	id, err := c.client.Get(ctx, submitKey(userID, externalKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// RememberSubmission caches the order ID for replay short-circuiting.
func (c *RedisCache) RememberSubmission(ctx context.Context, userID, externalKey, orderID string) error {
	return c.client.Set(ctx, submitKey(userID, externalKey), orderID, submitTTL).Err()
}

func submitKey(userID, externalKey string) string {
	return submitKeyPrefix + userID + ":" + externalKey
}

// BindSession maps a sticky session to a proxy node for the given TTL.
// SET with expiry also refreshes the window on rebind.
func (c *RedisCache) BindSession(ctx context.Context, sessionID, nodeID string, ttl time.Duration) error {
	return c.client.Set(ctx, sessionKeyPrefix+sessionID, nodeID, ttl).Err()
}

// LookupSession returns the bound node ID, or "" when the binding expired.
func (c *RedisCache) LookupSession(ctx context.Context, sessionID string) (string, error) {
	id, err := c.client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// DropSession removes a binding, used when the bound node goes offline.
func (c *RedisCache) DropSession(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, sessionKeyPrefix+sessionID).Err()
}
