package cache

import (
	"context"
	"time"
)

// Store is the shared counter/cache interface used for rate limiting. Keys
// carry a fixed window; counters reset when the window lapses.
type Store interface {
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Delete(ctx context.Context, keys ...string) error
}
