package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisDedup implements DedupRepo.
var _ DedupRepo = (*RedisDedup)(nil)

// DefaultDedupTTL is how long a message id is remembered by RedisDedup.
const DefaultDedupTTL = 48 * time.Hour

// RedisDedup keeps inbound dedup records in Redis so several receivers can share them.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisDedupOption configures a RedisDedup.
type RedisDedupOption func(*RedisDedup)

// WithDedupTTL sets how long message ids are remembered.
func WithDedupTTL(ttl time.Duration) RedisDedupOption {
	return func(d *RedisDedup) {
		d.ttl = ttl
	}
}

// WithDedupPrefix sets the key prefix. Default is "flowpipe".
func WithDedupPrefix(prefix string) RedisDedupOption {
	return func(d *RedisDedup) {
		d.prefix = prefix
	}
}

// NewRedisDedup creates a Redis-backed DedupRepo.
func NewRedisDedup(client *redis.Client, opts ...RedisDedupOption) *RedisDedup {
	d := &RedisDedup{client: client, ttl: DefaultDedupTTL, prefix: "flowpipe"}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *RedisDedup) key(messageID string) string {
	return d.prefix + ":dedup:" + messageID
}

func (d *RedisDedup) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (d *RedisDedup) RecordInbound(ctx context.Context, messageID, userKey string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(messageID), userKey, d.ttl).Result()
	if err != nil {
		slog.Error("RedisDedup RecordInbound failed", "error", err, "messageID", messageID)
		return false, fmt.Errorf("redis record inbound failed: %w", err)
	}
	return ok, nil
}

func (d *RedisDedup) MarkProcessed(ctx context.Context, messageID string) error {
	key := d.key(messageID) + ":processed"
	err := d.client.Set(ctx, key, strconv.FormatInt(time.Now().UnixMilli(), 10), d.ttl).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis mark processed failed: %w", err)
	}
	return nil
}
