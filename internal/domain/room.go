package domain

import (
	"errors"

	"github.com/google/uuid"
)

var ErrInvalidRoomID = errors.New("invalid room id")

// RoomID names one drawing room. All per-room relay state is keyed by it.
type RoomID string

// ParseRoomID accepts any UUID spelling and returns its canonical form,
// so the same room never ends up under two different keys.
func ParseRoomID(raw string) (RoomID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", ErrInvalidRoomID
	}
	return RoomID(id.String()), nil
}

func NewRoomID() RoomID { return RoomID(uuid.NewString()) }

func (r RoomID) String() string { return string(r) }
