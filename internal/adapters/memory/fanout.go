package memory

import (
	"context"
	"sync"

	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
	"github.com/rs/zerolog/log"
)

const defaultSubscriberBuffer = 256

// Fanout is an in-process pub/sub bus with one buffered queue per subscriber.
// A subscriber whose queue is full misses the frame; publishers never block.
type Fanout struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomID]map[*subscription]struct{}
	buffer int
}

func NewFanout(buffer int) *Fanout {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Fanout{
		rooms:  make(map[domain.RoomID]map[*subscription]struct{}),
		buffer: buffer,
	}
}

type subscription struct {
	bus    *Fanout
	room   domain.RoomID
	frames chan core.Frame
	once   sync.Once
}

func (s *subscription) Frames() <-chan core.Frame { return s.frames }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if subs, ok := s.bus.rooms[s.room]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.rooms, s.room)
			}
		}
		close(s.frames)
	})
	return nil
}

func (f *Fanout) Subscribe(_ context.Context, room domain.RoomID) (core.Subscription, error) {
	sub := &subscription{
		bus:    f,
		room:   room,
		frames: make(chan core.Frame, f.buffer),
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	subs, ok := f.rooms[room]
	if !ok {
		subs = make(map[*subscription]struct{})
		f.rooms[room] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

func (f *Fanout) Publish(_ context.Context, room domain.RoomID, frame core.Frame) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sent, dropped := 0, 0
	for sub := range f.rooms[room] {
		select {
		case sub.frames <- frame:
			sent++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		log.Warn().Str("module", "adapters.memory").Str("room", string(room)).Int("sent_to", sent).Int("dropped", dropped).Msg("fanout subscriber queue full")
	}
	return nil
}

// Subscribers is the number of open subscriptions on a room.
func (f *Fanout) Subscribers(room domain.RoomID) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.rooms[room])
}
