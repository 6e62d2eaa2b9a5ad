package statuscache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kranthikarthan/payment-saga/internal/saga"
	"github.com/kranthikarthan/payment-saga/internal/store"
)

// Cache is a redis projection of saga status for cheap reads. It is written
// best effort on every saga transition; a miss falls back to the store.
type Cache struct {
	client *redis.Client
}

func New(opts *redis.Options) *Cache {
	return &Cache{client: redis.NewClient(opts)}
}

func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) SetStatus(ctx context.Context, sagaID string, status saga.Status) error {
	if err := c.client.Set(ctx, statusKey(sagaID), string(status), StatusTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	return nil
}

func (c *Cache) GetStatus(ctx context.Context, sagaID string) (saga.Status, bool, error) {
	val, err := c.client.Get(ctx, statusKey(sagaID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	return saga.Status(val), true, nil
}
