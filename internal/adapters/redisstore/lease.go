package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Canvas/internal/domain"
	"github.com/redis/go-redis/v9"
)

// FlushLease lets one process per room flush in each interval. The lease is
// never released; it simply expires.
type FlushLease struct {
	client *redis.Client
	keys   keys
	owner  string
}

func NewFlushLease(client *redis.Client, prefix, owner string) *FlushLease {
	return &FlushLease{client: client, keys: newKeys(prefix), owner: owner}
}

func (l *FlushLease) Claim(ctx context.Context, room domain.RoomID, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.keys.flush(room), l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim flush lease: %w", err)
	}
	return ok, nil
}
