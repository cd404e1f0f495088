package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Canvas/internal/domain"
)

type FlushLease struct {
	mu     sync.Mutex
	leases map[domain.RoomID]time.Time
	now    func() time.Time
}

func NewFlushLease() *FlushLease {
	return &FlushLease{leases: make(map[domain.RoomID]time.Time), now: time.Now}
}

// Claim takes the room's lease for ttl unless it is still held. Expired
// leases of every room are dropped on the way.
func (l *FlushLease) Claim(_ context.Context, room domain.RoomID, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for r, until := range l.leases {
		if !now.Before(until) {
			delete(l.leases, r)
		}
	}
	if _, held := l.leases[room]; held {
		return false, nil
	}
	l.leases[room] = now.Add(ttl)
	return true, nil
}
