package app

import (
	"context"
	"sync"

	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Room        domain.RoomID
	Participant domain.ParticipantID
	Cancel      context.CancelCauseFunc
}

// Registry tracks the relay sessions running in this process so they can be
// kicked, evicted or drained on shutdown. It is not shared across processes.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
	}
}

func (r *Registry) Bind(
	sid core.SessionID,
	room domain.RoomID,
	who domain.ParticipantID,
	cancel context.CancelCauseFunc,
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{
		Room:        room,
		Participant: who,
		Cancel:      cancel,
	}
	log.Debug().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Msg("bound session")
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Debug().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Binding is a snapshot of one registered session.
type Binding struct {
	SID         core.SessionID
	Participant domain.ParticipantID
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.Room == room {
			out = append(out, Binding{SID: sid, Participant: e.Participant})
		}
	}
	return out
}

// CancelWhere cancels every session matching keep and reports how many.
func (r *Registry) CancelWhere(cause error, keep func(domain.RoomID, domain.ParticipantID) bool) int {
	r.mu.RLock()
	var cancels []context.CancelCauseFunc
	for _, e := range r.sessions {
		if keep(e.Room, e.Participant) && e.Cancel != nil {
			cancels = append(cancels, e.Cancel)
		}
	}
	r.mu.RUnlock()
	for _, cancel := range cancels {
		cancel(cause)
	}
	return len(cancels)
}
