package core

import (
	"context"
	"time"

	"github.com/dkeye/Canvas/internal/domain"
)

// PresenceStore is the live, TTL-bounded set of participants per room.
// Implementations must be shared across server processes in production.
type PresenceStore interface {
	Exists(ctx context.Context, room domain.RoomID) (bool, error)
	// Count is 0, not an error, for an absent room.
	Count(ctx context.Context, room domain.RoomID) (int, error)
	// Add is an idempotent insert that refreshes the record's expiry.
	Add(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error
	// TryAdd inserts only while the room holds fewer than capacity members
	// (or p is already one of them). Check and insert happen atomically.
	TryAdd(ctx context.Context, room domain.RoomID, p domain.ParticipantID, capacity int) (bool, error)
	Remove(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error
	Delete(ctx context.Context, room domain.RoomID) error
	Members(ctx context.Context, room domain.RoomID) ([]domain.ParticipantID, error)
}

// Subscription is one subscriber's independent queue on a room channel.
type Subscription interface {
	Frames() <-chan Frame
	// Close unsubscribes and closes Frames().
	Close() error
}

// Fanout delivers frames to every current subscriber of a room, the
// publisher's own subscription included. Delivery is fire-and-forget.
type Fanout interface {
	Subscribe(ctx context.Context, room domain.RoomID) (Subscription, error)
	Publish(ctx context.Context, room domain.RoomID, frame Frame) error
}

// DrawBuffer stages stroke events per room until a flush cycle picks them up.
type DrawBuffer interface {
	// Exists reports whether the room is still live; false means the room
	// was torn down and flushing for it should stop.
	Exists(ctx context.Context, room domain.RoomID) (bool, error)
	Append(ctx context.Context, room domain.RoomID, e domain.StrokeEvent) error
	// DrainAll returns staged events in append order without removing them.
	DrainAll(ctx context.Context, room domain.RoomID) ([]domain.StrokeEvent, error)
	Clear(ctx context.Context, room domain.RoomID) error
}

// Persister performs one durable batch insert of staged strokes.
type Persister interface {
	Persist(ctx context.Context, room domain.RoomID, events []domain.StrokeEvent) error
}

// HistoryReader returns persisted strokes of a room in insertion order.
type HistoryReader interface {
	History(ctx context.Context, room domain.RoomID) ([]domain.StrokeEvent, error)
}

// Pinger is implemented by adapters backed by an external service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FlushLease elects one flusher per room per interval, so sessions sharing a
// room do not persist the same staged batch twice.
type FlushLease interface {
	Claim(ctx context.Context, room domain.RoomID, ttl time.Duration) (bool, error)
}
