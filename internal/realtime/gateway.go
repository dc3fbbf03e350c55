package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pokerplan/backend/internal/models"
	"github.com/pokerplan/backend/internal/sessions"
)

// DefaultHandlerTimeout bounds the work done for one inbound event.
const DefaultHandlerTimeout = 5 * time.Second

// Locker serializes mutations of one session across server instances.
type Locker interface {
	Lock(ctx context.Context, sessionID uuid.UUID) (unlock func(), err error)
}

// Gateway translates websocket events into state machine calls and fans the
// resulting state out to the session group. A session's mutation and its
// publishes happen under the session lock, so every client sees events in
// applied order.
type Gateway struct {
	svc      *sessions.Service
	locker   Locker
	hub      *Hub
	logger   *zap.Logger
	timeout  time.Duration
	upgrader websocket.Upgrader
}

// NewGateway creates a realtime gateway. A zero timeout means DefaultHandlerTimeout.
func NewGateway(svc *sessions.Service, locker Locker, hub *Hub, logger *zap.Logger, timeout time.Duration, allowedOrigins []string) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	return &Gateway{
		svc:      svc,
		locker:   locker,
		hub:      hub,
		logger:   logger,
		timeout:  timeout,
		upgrader: newUpgrader(allowedOrigins),
	}
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func (g *Gateway) ServeWs() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			g.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client := newClient(conn, g.logger)
		go client.writePump()
		client.readPump(g.dispatch)
		g.disconnect(client)
		client.close()
	}
}

func (g *Gateway) dispatch(c *Client, env WSMessage) {
	msg, err := DecodeClientMessage(env)
	if err != nil {
		g.logger.Debug("rejecting malformed message", zap.String("client_id", c.ID), zap.Error(err))
		g.sendError(c, sessions.CodeInvalidRequest, "malformed message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	switch m := msg.(type) {
	case *JoinMessage:
		g.join(ctx, c, m)
	case *LeaveMessage:
		g.leave(ctx, c)
	case *VoteSubmitMessage:
		g.submitVote(ctx, c, m)
	case *RevealMessage:
		g.reveal(ctx, c)
	case *ResetMessage:
		g.reset(ctx, c)
	case *NextIssueMessage:
		g.nextIssue(ctx, c, m)
	case *EndMessage:
		g.end(ctx, c)
	case *AutoRevealMessage:
		g.setAutoReveal(ctx, c, m)
	default:
		g.logger.Error("unhandled client message", zap.String("event", env.Event))
	}
}

func (g *Gateway) join(ctx context.Context, c *Client, m *JoinMessage) {
	if _, ok := c.Membership(); ok {
		g.sendError(c, sessions.CodeAlreadyInSession, "already in a session; leave first")
		return
	}
	if m.SessionID == uuid.Nil {
		g.sendError(c, sessions.CodeSessionNotFound, "session not found")
		return
	}

	err := g.locked(ctx, m.SessionID, func(ctx context.Context) error {
		res, err := g.svc.Join(ctx, sessions.JoinParams{
			SessionID: m.SessionID,
			Name:      m.PlayerName,
			Role:      m.Role,
			Token:     m.Token,
		})
		if err != nil {
			return err
		}
		if err := g.hub.Join(c, m.SessionID); err != nil {
			if aerr := g.svc.AbortJoin(ctx, res); aerr != nil {
				g.logger.Error("abort join failed",
					zap.String("session_id", m.SessionID.String()),
					zap.String("player_id", res.Player.ID.String()),
					zap.Error(aerr),
				)
			}
			return err
		}
		member := res.Membership
		c.setMembership(&member)

		// Point-to-point catch-up for the joiner.
		snap := res.Snapshot
		g.hub.Send(c, SessionJoined{PlayerID: res.Player.ID, Token: res.Token})
		g.hub.Send(c, SessionUpdated{Session: snap.Session})
		for i := range snap.Players {
			g.hub.Send(c, PlayerJoined{Player: &snap.Players[i]})
		}
		if snap.Results != nil {
			g.hub.Send(c, VotingRevealed{Votes: snap.Votes, Results: *snap.Results})
		} else {
			for _, id := range snap.VotedPlayerIDs {
				g.hub.Send(c, VotingSubmitted{PlayerID: id})
			}
		}

		var announce ServerMessage = PlayerJoined{Player: res.Player}
		if res.Reconnected {
			announce = PlayerUpdated{Player: res.Player}
		}
		msgs := []ServerMessage{announce}
		if res.DealerChanged {
			msgs = append(msgs, SessionUpdated{Session: snap.Session})
			if res.Demoted != nil {
				msgs = append(msgs, PlayerUpdated{Player: res.Demoted})
			}
		}
		g.publish(ctx, m.SessionID, c.ID, msgs...)
		return nil
	})
	if err != nil {
		g.fail(c, err, sessions.CodeJoinFailed, "Failed to join session")
	}
}

func (g *Gateway) leave(ctx context.Context, c *Client) {
	err := g.withSession(ctx, c, func(ctx context.Context, m sessions.Membership) error {
		if _, err := g.svc.Leave(ctx, m); err != nil {
			return err
		}
		g.publish(ctx, m.SessionID, c.ID, PlayerLeft{PlayerID: m.PlayerID})
		g.hub.Leave(c, m.SessionID)
		c.setMembership(nil)
		return nil
	})
	if err != nil {
		g.fail(c, err, sessions.CodeUpdateFailed, "Failed to leave session")
	}
}

// disconnect runs when the connection goes away without a leave.
func (g *Gateway) disconnect(c *Client) {
	m, ok := c.Membership()
	if !ok {
		return
	}
	defer g.hub.Leave(c, m.SessionID)
	c.setMembership(nil)

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	err := g.locked(ctx, m.SessionID, func(ctx context.Context) error {
		player, err := g.svc.Leave(ctx, m)
		if err != nil {
			return err
		}
		g.publish(ctx, m.SessionID, c.ID, PlayerUpdated{Player: player})
		return nil
	})
	if err != nil {
		g.logger.Warn("mark player disconnected failed",
			zap.String("session_id", m.SessionID.String()),
			zap.String("player_id", m.PlayerID.String()),
			zap.Error(err),
		)
	}
}

func (g *Gateway) submitVote(ctx context.Context, c *Client, msg *VoteSubmitMessage) {
	err := g.withSession(ctx, c, func(ctx context.Context, m sessions.Membership) error {
		out, err := g.svc.SubmitVote(ctx, m, msg.Value)
		if err != nil {
			return err
		}
		var msgs []ServerMessage
		if out.StatusChanged {
			msgs = append(msgs, SessionUpdated{Session: out.Session})
		}
		msgs = append(msgs, VotingSubmitted{PlayerID: m.PlayerID})
		if out.Reveal != nil {
			msgs = append(msgs, revealMessages(out.Reveal)...)
		}
		g.publish(ctx, m.SessionID, "", msgs...)
		return nil
	})
	if err != nil {
		g.fail(c, err, sessions.CodeVoteFailed, "Failed to submit vote")
	}
}

func (g *Gateway) reveal(ctx context.Context, c *Client) {
	err := g.withSession(ctx, c, func(ctx context.Context, m sessions.Membership) error {
		out, err := g.svc.Reveal(ctx, m)
		if err != nil {
			return err
		}
		g.publish(ctx, m.SessionID, "", revealMessages(out)...)
		return nil
	})
	if err != nil {
		g.fail(c, err, sessions.CodeRevealFailed, "Failed to reveal votes")
	}
}

func (g *Gateway) reset(ctx context.Context, c *Client) {
	err := g.withSession(ctx, c, func(ctx context.Context, m sessions.Membership) error {
		sess, err := g.svc.Reset(ctx, m)
		if err != nil {
			return err
		}
		g.publish(ctx, m.SessionID, "", VotingReset{}, SessionUpdated{Session: sess})
		return nil
	})
	if err != nil {
		g.fail(c, err, sessions.CodeResetFailed, "Failed to reset votes")
	}
}

func (g *Gateway) nextIssue(ctx context.Context, c *Client, msg *NextIssueMessage) {
	err := g.withSession(ctx, c, func(ctx context.Context, m sessions.Membership) error {
		sess, err := g.svc.NextIssue(ctx, m, msg.IssueKey, msg.IssueSummary)
		if err != nil {
			return err
		}
		g.publish(ctx, m.SessionID, "", SessionUpdated{Session: sess}, VotingReset{})
		return nil
	})
	if err != nil {
		g.fail(c, err, sessions.CodeNextIssueFailed, "Failed to move to next issue")
	}
}

func (g *Gateway) end(ctx context.Context, c *Client) {
	err := g.withSession(ctx, c, func(ctx context.Context, m sessions.Membership) error {
		sess, err := g.svc.End(ctx, m)
		if err != nil {
			return err
		}
		g.publish(ctx, m.SessionID, "", SessionUpdated{Session: sess}, SessionEnded{})
		return nil
	})
	if err != nil {
		g.fail(c, err, sessions.CodeEndFailed, "Failed to end session")
	}
}

func (g *Gateway) setAutoReveal(ctx context.Context, c *Client, msg *AutoRevealMessage) {
	err := g.withSession(ctx, c, func(ctx context.Context, m sessions.Membership) error {
		sess, err := g.svc.SetAutoReveal(ctx, m, msg.Enabled)
		if err != nil {
			return err
		}
		g.publish(ctx, m.SessionID, "", SessionUpdated{Session: sess})
		return nil
	})
	if err != nil {
		g.fail(c, err, sessions.CodeUpdateFailed, "Failed to update session")
	}
}

// withSession runs fn under the lock of the client's session. Clients that
// have not joined get NOT_IN_SESSION.
func (g *Gateway) withSession(ctx context.Context, c *Client, fn func(context.Context, sessions.Membership) error) error {
	m, ok := c.Membership()
	if !ok {
		return &sessions.Error{Code: sessions.CodeNotInSession, Message: "join a session first"}
	}
	return g.locked(ctx, m.SessionID, func(ctx context.Context) error {
		return fn(ctx, m)
	})
}

func (g *Gateway) locked(ctx context.Context, sessionID uuid.UUID, fn func(context.Context) error) error {
	unlock, err := g.locker.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// publish sends msgs to the session group in order. The mutation they
// describe is already applied, so a failure is logged rather than reported.
func (g *Gateway) publish(ctx context.Context, sessionID uuid.UUID, exclude string, msgs ...ServerMessage) {
	for _, msg := range msgs {
		if err := g.hub.Publish(ctx, sessionID, msg, exclude); err != nil {
			g.logger.Error("publish failed",
				zap.String("session_id", sessionID.String()),
				zap.String("event", msg.Event()),
				zap.Error(err),
			)
		}
	}
}

// fail reports err to the requesting client only. Rejections keep their own
// code; anything else is logged and reported as the operation's failure code.
func (g *Gateway) fail(c *Client, err error, code sessions.Code, message string) {
	var se *sessions.Error
	if errors.As(err, &se) {
		g.sendError(c, se.Code, se.Message)
		return
	}
	fields := []zap.Field{zap.String("client_id", c.ID), zap.String("code", string(code)), zap.Error(err)}
	if m, ok := c.Membership(); ok {
		fields = append(fields, zap.String("session_id", m.SessionID.String()), zap.String("player_id", m.PlayerID.String()))
	}
	g.logger.Error("realtime operation failed", fields...)
	g.sendError(c, code, message)
}

func (g *Gateway) sendError(c *Client, code sessions.Code, message string) {
	g.hub.Send(c, ErrorMessage{Message: message, Code: string(code)})
}

func revealMessages(out *sessions.RevealOutcome) []ServerMessage {
	votes := out.Votes
	if votes == nil {
		votes = []models.Vote{}
	}
	return []ServerMessage{
		SessionUpdated{Session: out.Session},
		VotingRevealed{Votes: votes, Results: out.Results},
	}
}
