package memory

import (
	"context"
	"sync"

	"github.com/dkeye/Canvas/internal/domain"
)

// Persister keeps persisted strokes in memory. It implements both the batch
// persister and the history reader.
type Persister struct {
	mu      sync.RWMutex
	rows    map[domain.RoomID][]domain.StrokeEvent
	batches int
}

func NewPersister() *Persister {
	return &Persister{rows: make(map[domain.RoomID][]domain.StrokeEvent)}
}

func (p *Persister) Persist(_ context.Context, room domain.RoomID, events []domain.StrokeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range events {
		e.Room = room
		p.rows[room] = append(p.rows[room], e)
	}
	p.batches++
	return nil
}

func (p *Persister) History(_ context.Context, room domain.RoomID) ([]domain.StrokeEvent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.StrokeEvent, len(p.rows[room]))
	copy(out, p.rows[room])
	return out, nil
}

// Batches is the number of Persist calls served so far.
func (p *Persister) Batches() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.batches
}
