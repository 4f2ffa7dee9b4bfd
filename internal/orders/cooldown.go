package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCooldown keeps one checkout per user in flight within the window.
type RedisCooldown struct {
	client *redis.Client
	window time.Duration
}

func NewRedisCooldown(client *redis.Client, window time.Duration) *RedisCooldown {
	return &RedisCooldown{client: client, window: window}
}

// Acquire reports false while an earlier checkout's window is still open.
func (c *RedisCooldown) Acquire(ctx context.Context, userID string) (bool, error) {
	ok, err := c.client.SetNX(ctx, cooldownKey(userID), time.Now().UTC().Format(time.RFC3339), c.window).Result()
	if err != nil {
		return false, fmt.Errorf("acquire checkout cooldown: %w", err)
	}
	return ok, nil
}

func (c *RedisCooldown) Release(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, cooldownKey(userID)).Err(); err != nil {
		return fmt.Errorf("release checkout cooldown: %w", err)
	}
	return nil
}

func cooldownKey(userID string) string {
	return "checkout:cooldown:" + userID
}
