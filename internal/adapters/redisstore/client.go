// Package redisstore backs presence, the draw buffer, the room fanout and
// the flush lease with Redis, so that every server process sees the same
// rooms.
//
// Keys, per room:
//
//	<prefix>:room:<id>:participants  SET, expires after the presence TTL
//	<prefix>:room:<id>:strokes       LIST of JSON strokes, same TTL
//	<prefix>:room:<id>:flush         flush lease, SET NX PX
//	<prefix>:room:<id>:fanout        pub/sub channel
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Canvas/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultKeyPrefix = "relay"

type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Connect opens a client and verifies it with a PING.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	log.Info().Str("module", "adapters.redis").Str("addr", opts.Addr).Int("db", opts.DB).Msg("redis connected")
	return client, nil
}

type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return keys{prefix: prefix}
}

func (k keys) room(room domain.RoomID, suffix string) string {
	return k.prefix + ":room:" + string(room) + ":" + suffix
}

func (k keys) participants(room domain.RoomID) string { return k.room(room, "participants") }
func (k keys) strokes(room domain.RoomID) string      { return k.room(room, "strokes") }
func (k keys) flush(room domain.RoomID) string        { return k.room(room, "flush") }
func (k keys) fanout(room domain.RoomID) string       { return k.room(room, "fanout") }

// ttlSeconds rounds up to whole seconds; EXPIRE rejects zero.
func ttlSeconds(ttl time.Duration) int64 {
	s := int64((ttl + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
