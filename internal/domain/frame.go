package domain

import "encoding/json"

const FrameTypeDraw = "draw"

// drawEnvelope uses pointers so a "draw" frame missing a coordinate is
// told apart from one that really sits at zero.
type drawEnvelope struct {
	Type  string   `json:"type"`
	X     *float64 `json:"x"`
	Y     *float64 `json:"y"`
	PrevX *float64 `json:"prevX"`
	PrevY *float64 `json:"prevY"`
}

// ClassifyFrame reports whether a text frame is a typed draw message and,
// if so, the stroke it carries. Anything else (plain strings, other message
// types, malformed draws) is relayed verbatim but never staged.
func ClassifyFrame(room RoomID, data []byte) (StrokeEvent, bool) {
	var env drawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return StrokeEvent{}, false
	}
	if env.Type != FrameTypeDraw {
		return StrokeEvent{}, false
	}
	if env.X == nil || env.Y == nil || env.PrevX == nil || env.PrevY == nil {
		return StrokeEvent{}, false
	}
	return StrokeEvent{
		Room:  room,
		X:     *env.X,
		Y:     *env.Y,
		PrevX: *env.PrevX,
		PrevY: *env.PrevY,
	}, true
}
