package sessions

import (
	"errors"
	"fmt"
)

// Repository sentinel errors. Absent records are reported as nil results, not
// errors; these cover conditions detected inside a transaction.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrPlayerNotFound  = errors.New("player not found")
	ErrAlreadyRevealed = errors.New("votes already revealed")
	ErrSessionEnded    = errors.New("session has ended")
	ErrIssueChanged    = errors.New("issue changed")
	ErrConflict        = errors.New("too many concurrent updates")
)

// Code is a stable, client-facing rejection code.
type Code string

const (
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"
	CodeNotInSession     Code = "NOT_IN_SESSION"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeInvalidVote      Code = "INVALID_VOTE"
	CodeAlreadyRevealed  Code = "ALREADY_REVEALED"
	CodeSessionEnded     Code = "SESSION_ENDED"
	CodeAlreadyInSession Code = "ALREADY_IN_SESSION"
	CodeInvalidRequest   Code = "INVALID_REQUEST"

	CodeJoinFailed      Code = "JOIN_FAILED"
	CodeVoteFailed      Code = "VOTE_FAILED"
	CodeRevealFailed    Code = "REVEAL_FAILED"
	CodeResetFailed     Code = "RESET_FAILED"
	CodeNextIssueFailed Code = "NEXT_ISSUE_FAILED"
	CodeEndFailed       Code = "END_FAILED"
	CodeUpdateFailed    Code = "UPDATE_FAILED"
)

// Error is an expected business rejection. Anything returned by Service that
// is not an *Error is an infrastructure failure.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// IsRejection reports whether err carries the given rejection code.
func IsRejection(err error, code Code) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == code
}

// translate maps repository sentinels onto rejections and passes anything else through.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSessionNotFound):
		return reject(CodeSessionNotFound, "session not found")
	case errors.Is(err, ErrPlayerNotFound):
		return reject(CodeNotInSession, "player is not part of this session")
	case errors.Is(err, ErrAlreadyRevealed):
		return reject(CodeAlreadyRevealed, "votes have already been revealed")
	case errors.Is(err, ErrSessionEnded):
		return reject(CodeSessionEnded, "session has ended")
	case errors.Is(err, ErrIssueChanged):
		return reject(CodeInvalidVote, "the issue changed before the vote was recorded")
	}
	return err
}
