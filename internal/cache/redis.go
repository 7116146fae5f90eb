// Package cache keeps the last known inbox of each user in Redis so a
// freshly opened client can render something before the store answers.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lalith-99/echosocial/internal/models"
)

const defaultTTL = 7 * 24 * time.Hour

type record struct {
	Entries []models.InboxEntry `json:"entries"`
	SavedAt time.Time           `json:"saved_at"`
}

// InboxCache stores one JSON record per user under "inbox:{userID}".
type InboxCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Connect parses redisURL and pings the server before returning a client.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewInboxCache caches inbox entries per user for ttl.
func NewInboxCache(client *redis.Client, ttl time.Duration) *InboxCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &InboxCache{client: client, prefix: "inbox:", ttl: ttl}
}

func (c *InboxCache) key(userID string) string {
	return c.prefix + userID
}

func (c *InboxCache) Save(ctx context.Context, userID string, entries []models.InboxEntry) error {
	raw, err := json.Marshal(record{Entries: entries, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal inbox: %w", err)
	}
	if err := c.client.Set(ctx, c.key(userID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("save inbox %s: %w", userID, err)
	}
	return nil
}

// Load returns the cached inbox of userID. ok is false when nothing is
// cached or the record expired.
func (c *InboxCache) Load(ctx context.Context, userID string) (entries []models.InboxEntry, ok bool, err error) {
	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load inbox %s: %w", userID, err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal inbox %s: %w", userID, err)
	}
	return rec.Entries, true, nil
}

// Invalidate drops the cached inbox of userID.
func (c *InboxCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate inbox %s: %w", userID, err)
	}
	return nil
}

func (c *InboxCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
