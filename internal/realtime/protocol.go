package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pokerplan/backend/internal/models"
)

// Client -> server events.
const (
	EventSessionJoin       = "session:join"
	EventSessionLeave      = "session:leave"
	EventSessionEnd        = "session:end"
	EventSessionAutoReveal = "session:auto-reveal"
	EventVoteSubmit        = "vote:submit"
	EventVoteReveal        = "vote:reveal"
	EventVoteReset         = "vote:reset"
	EventVoteNextIssue     = "vote:next-issue"
)

// Server -> client events.
const (
	EventSessionJoined   = "session:joined"
	EventSessionUpdated  = "session:updated"
	EventSessionEnded    = "session:ended"
	EventPlayerJoined    = "player:joined"
	EventPlayerLeft      = "player:left"
	EventPlayerUpdated   = "player:updated"
	EventVotingSubmitted = "voting:submitted"
	EventVotingRevealed  = "voting:revealed"
	EventVotingReset     = "voting:reset"
	EventError           = "error"
)

var ErrUnknownEvent = errors.New("unknown event")

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is one of the messages a client may send. The set is closed:
// only types in this file implement it.
type ClientMessage interface {
	clientMessage()
}

type JoinMessage struct {
	SessionID  uuid.UUID         `json:"session_id"`
	PlayerName string            `json:"player_name"`
	Role       models.PlayerRole `json:"role"`
	Token      string            `json:"token,omitempty"`
}

type LeaveMessage struct{}

type EndMessage struct{}

type AutoRevealMessage struct {
	Enabled bool `json:"enabled"`
}

type VoteSubmitMessage struct {
	Value string `json:"value"`
}

type RevealMessage struct{}

type ResetMessage struct{}

type NextIssueMessage struct {
	IssueKey     string `json:"issue_key"`
	IssueSummary string `json:"issue_summary"`
}

func (*JoinMessage) clientMessage()       {}
func (*LeaveMessage) clientMessage()      {}
func (*EndMessage) clientMessage()        {}
func (*AutoRevealMessage) clientMessage() {}
func (*VoteSubmitMessage) clientMessage() {}
func (*RevealMessage) clientMessage()     {}
func (*ResetMessage) clientMessage()      {}
func (*NextIssueMessage) clientMessage()  {}

// DecodeClientMessage turns an envelope into its typed message.
func DecodeClientMessage(env WSMessage) (ClientMessage, error) {
	var msg ClientMessage
	switch env.Event {
	case EventSessionJoin:
		msg = &JoinMessage{}
	case EventSessionLeave:
		return &LeaveMessage{}, nil
	case EventSessionEnd:
		return &EndMessage{}, nil
	case EventSessionAutoReveal:
		msg = &AutoRevealMessage{}
	case EventVoteSubmit:
		msg = &VoteSubmitMessage{}
	case EventVoteReveal:
		return &RevealMessage{}, nil
	case EventVoteReset:
		return &ResetMessage{}, nil
	case EventVoteNextIssue:
		msg = &NextIssueMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, fmt.Errorf("%s: %w", env.Event, err)
	}
	return msg, nil
}

// ServerMessage is one of the messages the server sends.
type ServerMessage interface {
	Event() string
}

type SessionJoined struct {
	PlayerID uuid.UUID `json:"player_id"`
	Token    string    `json:"token"`
}

type SessionUpdated struct {
	Session *models.Session `json:"session"`
}

type SessionEnded struct{}

type PlayerJoined struct {
	Player *models.Player `json:"player"`
}

type PlayerLeft struct {
	PlayerID uuid.UUID `json:"player_id"`
}

type PlayerUpdated struct {
	Player *models.Player `json:"player"`
}

// VotingSubmitted announces that a player voted. It never carries the value.
type VotingSubmitted struct {
	PlayerID uuid.UUID `json:"player_id"`
}

type VotingRevealed struct {
	Votes   []models.Vote        `json:"votes"`
	Results models.VotingResults `json:"results"`
}

type VotingReset struct{}

type ErrorMessage struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (SessionJoined) Event() string   { return EventSessionJoined }
func (SessionUpdated) Event() string  { return EventSessionUpdated }
func (SessionEnded) Event() string    { return EventSessionEnded }
func (PlayerJoined) Event() string    { return EventPlayerJoined }
func (PlayerLeft) Event() string      { return EventPlayerLeft }
func (PlayerUpdated) Event() string   { return EventPlayerUpdated }
func (VotingSubmitted) Event() string { return EventVotingSubmitted }
func (VotingRevealed) Event() string  { return EventVotingRevealed }
func (VotingReset) Event() string     { return EventVotingReset }
func (ErrorMessage) Event() string    { return EventError }

// Encode wraps a server message in the wire envelope.
func Encode(msg ServerMessage) (WSMessage, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return WSMessage{}, fmt.Errorf("encode %s: %w", msg.Event(), err)
	}
	return WSMessage{Event: msg.Event(), Data: data}, nil
}
