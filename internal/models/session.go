package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of an estimation session.
type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusVoting    SessionStatus = "voting"
	StatusRevealed  SessionStatus = "revealed"
	StatusCompleted SessionStatus = "completed"
)

// Session is one estimation table: a dealer, its players and the issue being voted on.
type Session struct {
	ID                  uuid.UUID     `json:"id"`
	Name                string        `json:"name"`
	DealerID            uuid.UUID     `json:"dealer_id"` // uuid.Nil until a dealer is assigned
	CurrentIssueKey     string        `json:"current_issue_key"`
	CurrentIssueSummary string        `json:"current_issue_summary,omitempty"`
	Status              SessionStatus `json:"status"`
	AutoReveal          bool          `json:"auto_reveal"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// HasDealer reports whether a dealer has been assigned.
func (s *Session) HasDealer() bool {
	return s.DealerID != uuid.Nil
}

// IsDealer reports whether playerID is the session's dealer.
func (s *Session) IsDealer(playerID uuid.UUID) bool {
	return s.HasDealer() && s.DealerID == playerID
}

// AcceptsVotes reports whether a ballot may be cast in the current state.
func (s *Session) AcceptsVotes() bool {
	return s.Status == StatusWaiting || s.Status == StatusVoting
}

// IsCompleted reports whether the dealer ended the session.
func (s *Session) IsCompleted() bool {
	return s.Status == StatusCompleted
}

// Snapshot is the catch-up view of a session. Votes and Results are only
// populated once the round is revealed; before that only VotedPlayerIDs is.
type Snapshot struct {
	Session        *Session       `json:"session"`
	Players        []Player       `json:"players"`
	VotedPlayerIDs []uuid.UUID    `json:"voted_player_ids"`
	Votes          []Vote         `json:"votes,omitempty"`
	Results        *VotingResults `json:"results,omitempty"`
}
