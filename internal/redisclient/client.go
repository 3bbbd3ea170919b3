package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetAvailability caches a variant's counters for the read path. The
// database row stays the source of truth; this cache is refreshed after
// every committed ledger operation.
func (c *Client) SetAvailability(ctx context.Context, variantID int64, stock, reserved int) error {
	key := fmt.Sprintf("variant:%d", variantID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "stock", stock)
	pipe.HSet(ctx, key, "reserved", reserved)

	_, err := pipe.Exec(ctx)
	return err
}

// GetAvailability retrieves cached variant counters
func (c *Client) GetAvailability(ctx context.Context, variantID int64) (stock, reserved int, err error) {
	key := fmt.Sprintf("variant:%d", variantID)

	result, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}

	if len(result) == 0 {
		return 0, 0, fmt.Errorf("availability not cached for variant %d", variantID)
	}

	fmt.Sscanf(result["stock"], "%d", &stock)
	fmt.Sscanf(result["reserved"], "%d", &reserved)
	return stock, reserved, nil
}

// MarkEventProcessed records a processed webhook key with TTL. Returns false
// if the key was already present.
func (c *Client) MarkEventProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("webhook:%s", key), "1", ttl).Result()
}

// ClearEventProcessed drops a processed-webhook key so a failed delivery can
// be retried by the gateway.
func (c *Client) ClearEventProcessed(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("webhook:%s", key)).Err()
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
