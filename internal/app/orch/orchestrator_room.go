package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Canvas/internal/app"
	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
	"github.com/rs/zerolog/log"
)

// Kick closes every local connection of who in room with a policy-violation code.
func (o *Orchestrator) Kick(room domain.RoomID, who domain.ParticipantID) int {
	n := o.Registry.CancelWhere(app.ErrKicked, func(r domain.RoomID, p domain.ParticipantID) bool {
		return r == room && p == who
	})
	log.Info().Str("module", "app.orch").Str("room", string(room)).Str("participant", string(who)).Int("sessions", n).Msg("kicked")
	return n
}

// EvictRoom closes every local connection in room. Sessions served by other
// processes are unaffected; their presence entries expire with the TTL.
func (o *Orchestrator) EvictRoom(room domain.RoomID) int {
	n := o.Registry.CancelWhere(app.ErrKicked, func(r domain.RoomID, _ domain.ParticipantID) bool {
		return r == room
	})
	log.Info().Str("module", "app.orch").Str("room", string(room)).Int("sessions", n).Msg("room evicted")
	return n
}

// LocalSessions is the number of sessions this process serves in room.
func (o *Orchestrator) LocalSessions(room domain.RoomID) int {
	return len(o.Registry.MembersOfRoom(room))
}

func (o *Orchestrator) Presence(ctx context.Context, room domain.RoomID) (core.PresenceInfo, error) {
	info := core.PresenceInfo{Room: room, Capacity: o.Options.Capacity}
	exists, err := o.Deps.Presence.Exists(ctx, room)
	if err != nil {
		return info, fmt.Errorf("presence exists: %w", err)
	}
	info.Exists = exists
	if !exists {
		info.Members = []domain.ParticipantID{}
		return info, nil
	}
	members, err := o.Deps.Presence.Members(ctx, room)
	if err != nil {
		return info, fmt.Errorf("presence members: %w", err)
	}
	if members == nil {
		members = []domain.ParticipantID{}
	}
	info.Members = members
	info.Count = len(members)
	return info, nil
}
