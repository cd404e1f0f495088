package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Canvas/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DrawBuffer stages strokes in a Redis list per room. The room is live for
// as long as its participants set exists.
type DrawBuffer struct {
	client *redis.Client
	keys   keys
	ttl    time.Duration
}

func NewDrawBuffer(client *redis.Client, prefix string, ttl time.Duration) *DrawBuffer {
	return &DrawBuffer{client: client, keys: newKeys(prefix), ttl: ttl}
}

func (b *DrawBuffer) Exists(ctx context.Context, room domain.RoomID) (bool, error) {
	n, err := b.client.Exists(ctx, b.keys.participants(room)).Result()
	if err != nil {
		return false, fmt.Errorf("room exists: %w", err)
	}
	if n == 0 {
		if err := b.client.Del(ctx, b.keys.strokes(room)).Err(); err != nil {
			log.Warn().Str("module", "adapters.redis").Str("room", string(room)).Err(err).Msg("drop orphaned strokes failed")
		}
		return false, nil
	}
	return true, nil
}

func (b *DrawBuffer) Append(ctx context.Context, room domain.RoomID, e domain.StrokeEvent) error {
	payload, err := e.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode stroke: %w", err)
	}
	key := b.keys.strokes(room)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.Expire(ctx, key, b.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append stroke: %w", err)
	}
	return nil
}

func (b *DrawBuffer) DrainAll(ctx context.Context, room domain.RoomID) ([]domain.StrokeEvent, error) {
	raw, err := b.client.LRange(ctx, b.keys.strokes(room), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("drain strokes: %w", err)
	}
	out := make([]domain.StrokeEvent, 0, len(raw))
	for _, item := range raw {
		var e domain.StrokeEvent
		if err := e.UnmarshalBinary([]byte(item)); err != nil {
			log.Warn().Str("module", "adapters.redis").Str("room", string(room)).Err(err).Msg("skipping undecodable stroke")
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (b *DrawBuffer) Clear(ctx context.Context, room domain.RoomID) error {
	if err := b.client.Del(ctx, b.keys.strokes(room)).Err(); err != nil {
		return fmt.Errorf("clear strokes: %w", err)
	}
	return nil
}
