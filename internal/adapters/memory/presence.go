// Package memory holds single-process implementations of the relay stores.
// They back the "memory" drivers (local development) and the unit tests;
// they are not visible across server processes.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Canvas/internal/domain"
	"github.com/rs/zerolog/log"
)

type roomPresence struct {
	members map[domain.ParticipantID]struct{}
	expires time.Time
}

// Presence is a threadsafe in-memory presence store with per-room expiry.
type Presence struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomPresence
	ttl   time.Duration
	now   func() time.Time
}

func NewPresence(ttl time.Duration) *Presence {
	return &Presence{
		rooms: make(map[domain.RoomID]*roomPresence),
		ttl:   ttl,
		now:   time.Now,
	}
}

// live returns the room record unless it is missing, empty or expired.
// Caller holds mu.
func (p *Presence) live(room domain.RoomID) (*roomPresence, bool) {
	rp, ok := p.rooms[room]
	if !ok || len(rp.members) == 0 || !p.now().Before(rp.expires) {
		return nil, false
	}
	return rp, true
}

func (p *Presence) Exists(_ context.Context, room domain.RoomID) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.live(room)
	return ok, nil
}

func (p *Presence) Count(_ context.Context, room domain.RoomID) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rp, ok := p.live(room)
	if !ok {
		return 0, nil
	}
	return len(rp.members), nil
}

func (p *Presence) Add(_ context.Context, room domain.RoomID, who domain.ParticipantID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.insert(room, who)
	return nil
}

func (p *Presence) TryAdd(_ context.Context, room domain.RoomID, who domain.ParticipantID, capacity int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rp, ok := p.live(room); ok {
		if _, member := rp.members[who]; !member && len(rp.members) >= capacity {
			return false, nil
		}
	}
	p.insert(room, who)
	return true, nil
}

// insert adds who and refreshes the expiry. Caller holds mu.
func (p *Presence) insert(room domain.RoomID, who domain.ParticipantID) {
	rp, ok := p.live(room)
	if !ok {
		rp = &roomPresence{members: make(map[domain.ParticipantID]struct{})}
		p.rooms[room] = rp
	}
	rp.members[who] = struct{}{}
	rp.expires = p.now().Add(p.ttl)
	log.Debug().Str("module", "adapters.memory").Str("room", string(room)).Str("participant", string(who)).Int("count", len(rp.members)).Msg("presence added")
}

func (p *Presence) Remove(_ context.Context, room domain.RoomID, who domain.ParticipantID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rp, ok := p.live(room)
	if !ok {
		return nil
	}
	delete(rp.members, who)
	rp.expires = p.now().Add(p.ttl)
	return nil
}

func (p *Presence) Delete(_ context.Context, room domain.RoomID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms, room)
	return nil
}

func (p *Presence) Members(_ context.Context, room domain.RoomID) ([]domain.ParticipantID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rp, ok := p.live(room)
	if !ok {
		return nil, nil
	}
	out := make([]domain.ParticipantID, 0, len(rp.members))
	for who := range rp.members {
		out = append(out, who)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
