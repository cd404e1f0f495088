package redisstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const defaultChannelSize = 256

// Fanout relays room frames over Redis pub/sub. Each subscription holds its
// own pub/sub connection.
type Fanout struct {
	client *redis.Client
	keys   keys
	size   int
}

func NewFanout(client *redis.Client, prefix string, size int) *Fanout {
	if size <= 0 {
		size = defaultChannelSize
	}
	return &Fanout{client: client, keys: newKeys(prefix), size: size}
}

// Subscribe returns once Redis has confirmed the subscription, so frames
// published afterwards are guaranteed to arrive.
func (f *Fanout) Subscribe(ctx context.Context, room domain.RoomID) (core.Subscription, error) {
	ps := f.client.Subscribe(ctx, f.keys.fanout(room))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe room %s: %w", room, err)
	}
	sub := &subscription{
		ps:     ps,
		frames: make(chan core.Frame, f.size),
		done:   make(chan struct{}),
	}
	go sub.pump(ps.Channel(redis.WithChannelSize(f.size)))
	return sub, nil
}

func (f *Fanout) Publish(ctx context.Context, room domain.RoomID, frame core.Frame) error {
	if err := f.client.Publish(ctx, f.keys.fanout(room), []byte(frame)).Err(); err != nil {
		return fmt.Errorf("publish room %s: %w", room, err)
	}
	return nil
}

type subscription struct {
	ps     *redis.PubSub
	frames chan core.Frame
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) pump(in <-chan *redis.Message) {
	defer close(s.frames)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.frames <- core.Frame(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Frames() <-chan core.Frame { return s.frames }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		if err != nil {
			log.Warn().Str("module", "adapters.redis").Err(err).Msg("pubsub close failed")
		}
	})
	return err
}
