package domain

import "encoding/json"

// StrokeEvent is one line-segment sample of a participant's pointer.
// It is staged in the draw buffer and consumed by exactly one flush cycle.
type StrokeEvent struct {
	Room  RoomID  `json:"room"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	PrevX float64 `json:"prevX"`
	PrevY float64 `json:"prevY"`
}

func (e StrokeEvent) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

func (e *StrokeEvent) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, e)
}
