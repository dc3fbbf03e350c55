package models

import (
	"time"

	"github.com/google/uuid"
)

// Card is a value on the estimation scale.
type Card string

const (
	CardZero   Card = "0"
	CardOne    Card = "1"
	CardTwo    Card = "2"
	CardThree  Card = "3"
	CardFive   Card = "5"
	CardUnsure Card = "?"
	CardBreak  Card = "☕"
)

var scale = []Card{CardZero, CardOne, CardTwo, CardThree, CardFive, CardUnsure, CardBreak}

var numericValues = map[Card]float64{
	CardZero:  0,
	CardOne:   1,
	CardTwo:   2,
	CardThree: 3,
	CardFive:  5,
}

// Scale returns the permitted cards in display order.
func Scale() []Card {
	out := make([]Card, len(scale))
	copy(out, scale)
	return out
}

// ValidCard reports whether v is on the scale.
func ValidCard(v string) bool {
	return ScalePosition(v) >= 0
}

// ScalePosition returns the index of v on the scale, or -1.
func ScalePosition(v string) int {
	for i, c := range scale {
		if string(c) == v {
			return i
		}
	}
	return -1
}

// Numeric returns the numeric meaning of the card. Special markers have none.
func (c Card) Numeric() (float64, bool) {
	n, ok := numericValues[c]
	return n, ok
}

// Vote is a player's ballot for the current issue, keyed by player.
type Vote struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	PlayerID  uuid.UUID `json:"player_id"`
	IssueKey  string    `json:"issue_key"`
	Value     string    `json:"value"`
	VotedAt   time.Time `json:"voted_at"`
	Revealed  bool      `json:"revealed"`
}

// VotingResults summarises a revealed round. It is derived from the vote set
// and never stored.
type VotingResults struct {
	Average      float64        `json:"average"`
	Median       float64        `json:"median"`
	Min          float64        `json:"min"`
	Max          float64        `json:"max"`
	Mode         *string        `json:"mode,omitempty"`
	Distribution map[string]int `json:"distribution"`
	Consensus    *string        `json:"consensus,omitempty"`
}
