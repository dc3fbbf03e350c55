package models

import (
	"time"

	"github.com/google/uuid"
)

// PlayerRole is a participant's role within a session.
type PlayerRole string

const (
	RoleDealer   PlayerRole = "dealer"
	RoleVoter    PlayerRole = "voter"
	RoleObserver PlayerRole = "observer"
)

// Valid reports whether r is a known role.
func (r PlayerRole) Valid() bool {
	switch r {
	case RoleDealer, RoleVoter, RoleObserver:
		return true
	}
	return false
}

// Player is a participant of a session. Players are never removed while the
// session lives; disconnecting only clears IsConnected.
type Player struct {
	ID          uuid.UUID  `json:"id"`
	SessionID   uuid.UUID  `json:"session_id"`
	Name        string     `json:"name"`
	Role        PlayerRole `json:"role"`
	IsConnected bool       `json:"is_connected"`
	JoinedAt    time.Time  `json:"joined_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
}

// CountsTowardCompletion reports whether the player is part of the
// "has everyone voted" denominator.
func (p *Player) CountsTowardCompletion() bool {
	return p.Role == RoleVoter && p.IsConnected
}
