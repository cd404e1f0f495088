// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Long enough for an e-mail address, which the auth service may hand us as the id.
const MaxParticipantIDLen = 254

var (
	ErrParticipantTooLong = errors.New("participant id too long")
	ErrParticipantEmpty   = errors.New("participant id empty")
)

// ParticipantID is the verified identity of one connected client.
// It is produced by the authentication collaborator, never by the relay.
type ParticipantID string

func NewParticipantID(raw string) (ParticipantID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrParticipantEmpty
	}
	if len(raw) > MaxParticipantIDLen {
		return "", ErrParticipantTooLong
	}
	return ParticipantID(raw), nil
}

// GuestParticipantID is used for cookie-identified clients without an account.
func GuestParticipantID(token string) ParticipantID {
	if token == "" {
		token = uuid.NewString()
	}
	return ParticipantID("guest:" + token)
}

func (p ParticipantID) String() string { return string(p) }
