package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dkeye/Canvas/internal/domain"
	"github.com/redis/go-redis/v9"
)

// tryAddScript admits a member while the set is below capacity. Existing
// members are always readmitted. KEYS[1] set, ARGV: member, capacity, ttl.
const tryAddScript = `
local key = KEYS[1]
local member = ARGV[1]
local capacity = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if redis.call('SISMEMBER', key, member) == 0 and redis.call('SCARD', key) >= capacity then
    return 0
end
redis.call('SADD', key, member)
redis.call('EXPIRE', key, ttl)
return 1
`

// Presence keeps one SET per room. Every write refreshes the TTL, so a room
// whose processes all died disappears on its own.
type Presence struct {
	client *redis.Client
	keys   keys
	ttl    time.Duration
	tryAdd *redis.Script
}

func NewPresence(client *redis.Client, prefix string, ttl time.Duration) *Presence {
	return &Presence{
		client: client,
		keys:   newKeys(prefix),
		ttl:    ttl,
		tryAdd: redis.NewScript(tryAddScript),
	}
}

func (p *Presence) Exists(ctx context.Context, room domain.RoomID) (bool, error) {
	n, err := p.client.Exists(ctx, p.keys.participants(room)).Result()
	if err != nil {
		return false, fmt.Errorf("presence exists: %w", err)
	}
	return n > 0, nil
}

func (p *Presence) Count(ctx context.Context, room domain.RoomID) (int, error) {
	n, err := p.client.SCard(ctx, p.keys.participants(room)).Result()
	if err != nil {
		return 0, fmt.Errorf("presence count: %w", err)
	}
	return int(n), nil
}

func (p *Presence) Add(ctx context.Context, room domain.RoomID, who domain.ParticipantID) error {
	key := p.keys.participants(room)
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, string(who))
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence add: %w", err)
	}
	return nil
}

func (p *Presence) TryAdd(ctx context.Context, room domain.RoomID, who domain.ParticipantID, capacity int) (bool, error) {
	res, err := p.tryAdd.Run(ctx, p.client,
		[]string{p.keys.participants(room)},
		string(who), capacity, ttlSeconds(p.ttl),
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence try add: %w", err)
	}
	return res == 1, nil
}

// Remove drops who and refreshes the expiry. Redis deletes a set once its
// last member is gone.
func (p *Presence) Remove(ctx context.Context, room domain.RoomID, who domain.ParticipantID) error {
	key := p.keys.participants(room)
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, key, string(who))
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("presence remove: %w", err)
	}
	return nil
}

func (p *Presence) Delete(ctx context.Context, room domain.RoomID) error {
	if err := p.client.Del(ctx, p.keys.participants(room)).Err(); err != nil {
		return fmt.Errorf("presence delete: %w", err)
	}
	return nil
}

func (p *Presence) Members(ctx context.Context, room domain.RoomID) ([]domain.ParticipantID, error) {
	raw, err := p.client.SMembers(ctx, p.keys.participants(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	slices.Sort(raw)
	out := make([]domain.ParticipantID, len(raw))
	for i, m := range raw {
		out[i] = domain.ParticipantID(m)
	}
	return out, nil
}

func (p *Presence) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
