package core

import (
	"github.com/dkeye/Canvas/internal/domain"
	"github.com/oklog/ulid/v2"
)

// SessionID names one relay session (one accepted connection).
// It is only used for logs and the in-process registry.
type SessionID string

func NewSessionID() SessionID { return SessionID(ulid.Make().String()) }

// PresenceInfo is a read-only view of a room's live presence for APIs.
type PresenceInfo struct {
	Room     domain.RoomID          `json:"room"`
	Exists   bool                   `json:"exists"`
	Count    int                    `json:"count"`
	Capacity int                    `json:"capacity"`
	Members  []domain.ParticipantID `json:"members"`
}
