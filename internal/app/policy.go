package app

import (
	"fmt"

	"github.com/dkeye/Canvas/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens when a participant's outbound buffer is full.
type Policy interface {
	OnBackPressure(room domain.RoomID, who domain.ParticipantID) BackpressureAction
}

// SimplePolicy kicks slow consumers; a client that cannot keep up with the
// room is better off reconnecting and replaying history.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomID, domain.ParticipantID) BackpressureAction {
	return KickMember
}

// DropPolicy keeps slow consumers connected and drops frames they cannot take.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.RoomID, domain.ParticipantID) BackpressureAction {
	return DropFrame
}

func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{}, nil
	case "drop":
		return DropPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown backpressure policy %q", name)
	}
}

// FrameLimiter throttles inbound frames per participant. Frames over the
// limit are dropped silently.
type FrameLimiter interface {
	Allow(who domain.ParticipantID) bool
}
