package memory

import (
	"context"
	"sync"

	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
)

// DrawBuffer stages strokes per room in process memory. A room counts as
// live for as long as its presence record does.
type DrawBuffer struct {
	mu       sync.Mutex
	staged   map[domain.RoomID][]domain.StrokeEvent
	presence core.PresenceStore
}

func NewDrawBuffer(presence core.PresenceStore) *DrawBuffer {
	return &DrawBuffer{
		staged:   make(map[domain.RoomID][]domain.StrokeEvent),
		presence: presence,
	}
}

func (b *DrawBuffer) Exists(ctx context.Context, room domain.RoomID) (bool, error) {
	ok, err := b.presence.Exists(ctx, room)
	if err != nil {
		return false, err
	}
	if !ok {
		// Torn-down room: whatever is still staged is orphaned.
		b.mu.Lock()
		delete(b.staged, room)
		b.mu.Unlock()
	}
	return ok, nil
}

func (b *DrawBuffer) Append(_ context.Context, room domain.RoomID, e domain.StrokeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.staged[room] = append(b.staged[room], e)
	return nil
}

func (b *DrawBuffer) DrainAll(_ context.Context, room domain.RoomID) ([]domain.StrokeEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	staged := b.staged[room]
	out := make([]domain.StrokeEvent, len(staged))
	copy(out, staged)
	return out, nil
}

func (b *DrawBuffer) Clear(_ context.Context, room domain.RoomID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.staged, room)
	return nil
}

// Staged is the number of events currently waiting for a flush.
func (b *DrawBuffer) Staged(room domain.RoomID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.staged[room])
}
