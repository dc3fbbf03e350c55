package sessions

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pokerplan/backend/internal/auth"
	"github.com/pokerplan/backend/internal/models"
	"github.com/pokerplan/backend/internal/stats"
)

const (
	maxNameLen         = 50
	maxSessionNameLen  = 100
	maxIssueKeyLen     = 50
	maxIssueSummaryLen = 500

	// undoTimeout bounds backing out a join or create whose request context
	// may already be spent.
	undoTimeout = 2 * time.Second
)

// Store is the persistence the state machine runs on. *Repository implements it.
type Store interface {
	CreateSession(ctx context.Context, name string, dealerID uuid.UUID, issueKey, issueSummary string) (*models.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	UpdateSession(ctx context.Context, id uuid.UUID, upd SessionUpdate) (*models.Session, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to models.SessionStatus) (*models.Session, bool, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	AddPlayer(ctx context.Context, sessionID uuid.UUID, name string, role models.PlayerRole) (*models.Player, error)
	RemovePlayer(ctx context.Context, sessionID, playerID uuid.UUID) error
	GetPlayer(ctx context.Context, sessionID, playerID uuid.UUID) (*models.Player, error)
	GetPlayers(ctx context.Context, sessionID uuid.UUID) ([]models.Player, error)
	UpdatePlayer(ctx context.Context, sessionID, playerID uuid.UUID, upd PlayerUpdate) (*models.Player, error)
	UpdatePlayerConnection(ctx context.Context, sessionID, playerID uuid.UUID, connected bool) (*models.Player, error)
	AssignDealer(ctx context.Context, sessionID, playerID uuid.UUID, onlyIfVacant bool) (*models.Session, bool, error)
	SubmitVote(ctx context.Context, sessionID, playerID uuid.UUID, issueKey, value string) (*models.Vote, error)
	GetVotes(ctx context.Context, sessionID uuid.UUID) ([]models.Vote, error)
	RevealVotes(ctx context.Context, sessionID uuid.UUID) (*models.Session, []models.Vote, error)
	RevealIfAllVoted(ctx context.Context, sessionID uuid.UUID) (*models.Session, []models.Vote, bool, error)
	StartRound(ctx context.Context, sessionID uuid.UUID, upd SessionUpdate) (*models.Session, error)
}

// CleanupScheduler queues explicit deletion of an ended session.
type CleanupScheduler interface {
	EnqueueSessionCleanup(ctx context.Context, sessionID uuid.UUID) error
}

// Membership associates a connection with one player of one session. It is
// returned by Join and passed by value to every later call.
type Membership struct {
	SessionID  uuid.UUID
	PlayerID   uuid.UUID
	PlayerName string
	Role       models.PlayerRole
}

// CreateParams describes a new session.
type CreateParams struct {
	Name         string
	IssueKey     string
	IssueSummary string
	DealerName   string
	AutoReveal   bool
}

// CreateResult is the new session plus, when a dealer name was given, the
// dealer's player and rejoin token.
type CreateResult struct {
	Session *models.Session
	Dealer  *models.Player
	Token   string
}

// JoinParams describes a join intent. Token is a previously issued rejoin token.
type JoinParams struct {
	SessionID uuid.UUID
	Name      string
	Role      models.PlayerRole
	Token     string
}

// JoinResult is the outcome of a join. DealerChanged is set when the join
// moved the dealer seat; Demoted is the previous dealer, now a voter.
type JoinResult struct {
	Membership    Membership
	Player        *models.Player
	Snapshot      *models.Snapshot
	Token         string
	Reconnected   bool
	DealerChanged bool
	Demoted       *models.Player

	undo joinUndo
}

// joinUndo records what a join changed so an incomplete join can be backed out.
type joinUndo struct {
	sessionID  uuid.UUID
	playerID   uuid.UUID
	prior      *models.Player // nil when the join created the player
	prevDealer uuid.UUID
}

// RevealOutcome is the state after a reveal sweep.
type RevealOutcome struct {
	Session *models.Session
	Votes   []models.Vote
	Results models.VotingResults
}

// VoteOutcome is the state after a vote. Reveal is set when the vote
// triggered an auto-reveal.
type VoteOutcome struct {
	Vote          *models.Vote
	Session       *models.Session
	StatusChanged bool
	Reveal        *RevealOutcome
}

// Service is the session state machine.
type Service struct {
	store   Store
	tokens  *auth.JWTService
	cleanup CleanupScheduler
	logger  *zap.Logger
}

// NewService creates a session service. cleanup may be nil, in which case
// ended sessions are left to expire.
func NewService(store Store, tokens *auth.JWTService, cleanup CleanupScheduler, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, tokens: tokens, cleanup: cleanup, logger: logger}
}

// Create opens a new session. With a dealer name the dealer's player is
// created up front, marked disconnected until its websocket joins with the
// returned token.
func (s *Service) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	name := strings.TrimSpace(p.Name)
	issueKey := strings.TrimSpace(p.IssueKey)
	if name == "" || utf8.RuneCountInString(name) > maxSessionNameLen {
		return nil, reject(CodeInvalidRequest, "session name must be 1-100 characters")
	}
	if err := validateIssue(issueKey, p.IssueSummary); err != nil {
		return nil, err
	}
	dealerName := strings.TrimSpace(p.DealerName)
	if utf8.RuneCountInString(dealerName) > maxNameLen {
		return nil, reject(CodeInvalidRequest, "dealer name must be at most 50 characters")
	}

	sess, err := s.store.CreateSession(ctx, name, uuid.Nil, issueKey, p.IssueSummary)
	if err != nil {
		return nil, err
	}
	res, err := s.completeCreate(ctx, sess, p.AutoReveal, dealerName)
	if err != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), undoTimeout)
		defer cancel()
		if derr := s.store.DeleteSession(dctx, sess.ID); derr != nil {
			s.logger.Error("discard incomplete session failed",
				zap.String("session_id", sess.ID.String()),
				zap.Error(derr),
			)
		}
		return nil, err
	}
	return res, nil
}

// completeCreate applies the optional settings and dealer seat of a freshly
// stored session.
func (s *Service) completeCreate(ctx context.Context, sess *models.Session, autoReveal bool, dealerName string) (*CreateResult, error) {
	var err error
	if autoReveal {
		enabled := true
		if sess, err = s.store.UpdateSession(ctx, sess.ID, SessionUpdate{AutoReveal: &enabled}); err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, reject(CodeSessionNotFound, "session not found")
		}
	}
	res := &CreateResult{Session: sess}
	if dealerName == "" {
		return res, nil
	}

	dealer, err := s.store.AddPlayer(ctx, sess.ID, dealerName, models.RoleVoter)
	if err != nil {
		return nil, err
	}
	if sess, _, err = s.store.AssignDealer(ctx, sess.ID, dealer.ID, false); err != nil {
		return nil, translate(err)
	}
	if dealer, err = s.store.UpdatePlayerConnection(ctx, sess.ID, dealer.ID, false); err != nil {
		return nil, err
	}
	if dealer == nil {
		return nil, reject(CodeNotInSession, "player is not part of this session")
	}
	token, err := s.tokens.Generate(sess.ID, dealer.ID)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	res.Session, res.Dealer, res.Token = sess, dealer, token

	s.logger.Info("session created",
		zap.String("session_id", sess.ID.String()),
		zap.String("dealer_id", dealer.ID.String()),
	)
	return res, nil
}

// Join adds a player to a session, or reconnects one when Token identifies an
// existing player of this session. The dealer seat is taken when it is vacant
// or when the dealer role is requested explicitly.
func (s *Service) Join(ctx context.Context, p JoinParams) (*JoinResult, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" || utf8.RuneCountInString(name) > maxNameLen {
		return nil, reject(CodeInvalidRequest, "player name must be 1-50 characters")
	}
	role := p.Role
	if role == "" {
		role = models.RoleVoter
	}
	if !role.Valid() {
		return nil, reject(CodeInvalidRequest, "unknown role")
	}

	sess, err := s.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, reject(CodeSessionNotFound, "session not found")
	}
	if sess.IsCompleted() {
		return nil, reject(CodeSessionEnded, "session has ended")
	}

	player, prior, err := s.reconnect(ctx, p.SessionID, p.Token, name)
	if err != nil {
		return nil, err
	}
	reconnected := player != nil
	if !reconnected {
		// Dealers enter as voters and are promoted below so the session and
		// player records change together.
		initial := role
		if initial == models.RoleDealer {
			initial = models.RoleVoter
		}
		if player, err = s.store.AddPlayer(ctx, p.SessionID, name, initial); err != nil {
			return nil, err
		}
	}

	// From here on the store holds a connected player; any failure backs it out.
	undo := joinUndo{sessionID: p.SessionID, playerID: player.ID, prior: prior, prevDealer: sess.DealerID}
	res, err := s.completeJoin(ctx, sess, player, role, reconnected)
	if err != nil {
		if uerr := s.undoJoin(ctx, undo); uerr != nil {
			s.logger.Error("undo join failed",
				zap.String("session_id", p.SessionID.String()),
				zap.String("player_id", player.ID.String()),
				zap.Error(uerr),
			)
		}
		return nil, err
	}
	res.undo = undo

	s.logger.Info("player joined",
		zap.String("session_id", p.SessionID.String()),
		zap.String("player_id", res.Player.ID.String()),
		zap.String("role", string(res.Player.Role)),
		zap.Bool("reconnected", reconnected),
		zap.Bool("dealer_changed", res.DealerChanged),
	)
	return res, nil
}

// completeJoin settles the dealer seat and builds the catch-up for a player
// already stored as connected. sess is the session as it was before the join.
func (s *Service) completeJoin(ctx context.Context, sess *models.Session, player *models.Player, role models.PlayerRole, reconnected bool) (*JoinResult, error) {
	if _, _, err := s.store.AssignDealer(ctx, sess.ID, player.ID, role != models.RoleDealer); err != nil {
		return nil, translate(err)
	}
	player, err := s.store.GetPlayer(ctx, sess.ID, player.ID)
	if err != nil {
		return nil, err
	}
	if player == nil {
		return nil, reject(CodeNotInSession, "player is not part of this session")
	}

	snap, err := s.Snapshot(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.Generate(sess.ID, player.ID)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	res := &JoinResult{
		Membership: Membership{
			SessionID:  sess.ID,
			PlayerID:   player.ID,
			PlayerName: player.Name,
			Role:       player.Role,
		},
		Player:      player,
		Snapshot:    snap,
		Token:       token,
		Reconnected: reconnected,
	}
	if snap.Session.DealerID != sess.DealerID {
		res.DealerChanged = true
		for i := range snap.Players {
			if snap.Players[i].ID == sess.DealerID {
				res.Demoted = &snap.Players[i]
			}
		}
	}
	return res, nil
}

// AbortJoin backs out a join whose connection could not be attached to the
// session group, leaving the store as it was before Join.
func (s *Service) AbortJoin(ctx context.Context, res *JoinResult) error {
	return s.undoJoin(ctx, res.undo)
}

// undoJoin hands a seat the join took back to its previous holder, then
// removes a created player or restores a reconnected one.
func (s *Service) undoJoin(ctx context.Context, u joinUndo) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), undoTimeout)
	defer cancel()

	sess, err := s.store.GetSession(ctx, u.sessionID)
	if err != nil {
		return err
	}
	if sess != nil && sess.DealerID == u.playerID && u.prevDealer != u.playerID {
		if u.prevDealer == uuid.Nil {
			vacant := uuid.Nil
			if _, err := s.store.UpdateSession(ctx, u.sessionID, SessionUpdate{DealerID: &vacant}); err != nil {
				return err
			}
		} else if _, _, err := s.store.AssignDealer(ctx, u.sessionID, u.prevDealer, false); err != nil {
			return err
		}
	}
	if u.prior == nil {
		return s.store.RemovePlayer(ctx, u.sessionID, u.playerID)
	}
	_, err = s.store.UpdatePlayer(ctx, u.sessionID, u.playerID, PlayerUpdate{
		Name:        &u.prior.Name,
		Role:        &u.prior.Role,
		IsConnected: &u.prior.IsConnected,
	})
	return err
}

// reconnect returns the existing player named by token, marked connected,
// along with its record from before the reconnect. Both are nil when the token
// does not identify a player of this session.
func (s *Service) reconnect(ctx context.Context, sessionID uuid.UUID, token, name string) (*models.Player, *models.Player, error) {
	if token == "" {
		return nil, nil, nil
	}
	claims, err := s.tokens.ValidateFor(token, sessionID)
	if err != nil {
		s.logger.Debug("rejoin token rejected", zap.String("session_id", sessionID.String()), zap.Error(err))
		return nil, nil, nil
	}
	prior, err := s.store.GetPlayer(ctx, sessionID, claims.PlayerID)
	if err != nil || prior == nil {
		return nil, nil, err
	}
	connected := true
	player, err := s.store.UpdatePlayer(ctx, sessionID, claims.PlayerID, PlayerUpdate{Name: &name, IsConnected: &connected})
	if err != nil || player == nil {
		return nil, nil, err
	}
	return player, prior, nil
}

// Leave marks the player disconnected. The player record and any vote are kept.
func (s *Service) Leave(ctx context.Context, m Membership) (*models.Player, error) {
	player, err := s.store.UpdatePlayerConnection(ctx, m.SessionID, m.PlayerID, false)
	if err != nil {
		return nil, err
	}
	if player == nil {
		return nil, reject(CodeNotInSession, "player is not part of this session")
	}
	return player, nil
}

// SubmitVote records or replaces the player's vote for the current issue.
func (s *Service) SubmitVote(ctx context.Context, m Membership, value string) (*VoteOutcome, error) {
	if !models.ValidCard(value) {
		return nil, reject(CodeInvalidVote, "invalid vote value")
	}
	sess, err := s.store.GetSession(ctx, m.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, reject(CodeSessionNotFound, "session not found")
	}
	player, err := s.store.GetPlayer(ctx, m.SessionID, m.PlayerID)
	if err != nil {
		return nil, err
	}
	if player == nil {
		return nil, reject(CodeNotInSession, "player is not part of this session")
	}
	if player.Role == models.RoleObserver {
		return nil, reject(CodePermissionDenied, "observers cannot vote")
	}
	switch sess.Status {
	case models.StatusRevealed:
		return nil, reject(CodeAlreadyRevealed, "votes have already been revealed")
	case models.StatusCompleted:
		return nil, reject(CodeSessionEnded, "session has ended")
	}

	vote, err := s.store.SubmitVote(ctx, m.SessionID, m.PlayerID, sess.CurrentIssueKey, value)
	if err != nil {
		return nil, translate(err)
	}
	out := &VoteOutcome{Vote: vote, Session: sess}

	if sess.Status == models.StatusWaiting {
		updated, changed, err := s.store.TransitionStatus(ctx, m.SessionID, models.StatusWaiting, models.StatusVoting)
		if err != nil {
			return nil, translate(err)
		}
		out.Session, out.StatusChanged = updated, changed
	}

	if out.Session.AutoReveal {
		revealed, votes, ok, err := s.store.RevealIfAllVoted(ctx, m.SessionID)
		if err != nil {
			return nil, translate(err)
		}
		if ok {
			out.Session = revealed
			out.Reveal = &RevealOutcome{Session: revealed, Votes: votes, Results: stats.Calculate(votes)}
			s.logger.Info("votes auto-revealed",
				zap.String("session_id", m.SessionID.String()),
				zap.Int("votes", len(votes)),
			)
		}
	}
	return out, nil
}

// Reveal shows every vote of the current round and computes the results.
func (s *Service) Reveal(ctx context.Context, m Membership) (*RevealOutcome, error) {
	sess, err := s.requireDealer(ctx, m, "Only the dealer can reveal votes")
	if err != nil {
		return nil, err
	}
	if sess.Status == models.StatusRevealed {
		return nil, reject(CodeAlreadyRevealed, "votes have already been revealed")
	}
	sess, votes, err := s.store.RevealVotes(ctx, m.SessionID)
	if err != nil {
		return nil, translate(err)
	}
	return &RevealOutcome{Session: sess, Votes: votes, Results: stats.Calculate(votes)}, nil
}

// Reset clears the round's votes and reopens voting on the same issue.
func (s *Service) Reset(ctx context.Context, m Membership) (*models.Session, error) {
	if _, err := s.requireDealer(ctx, m, "Only the dealer can reset votes"); err != nil {
		return nil, err
	}
	voting := models.StatusVoting
	return s.startRound(ctx, m.SessionID, SessionUpdate{Status: &voting})
}

// NextIssue clears the round's votes and moves the session to a new issue.
func (s *Service) NextIssue(ctx context.Context, m Membership, issueKey, issueSummary string) (*models.Session, error) {
	if _, err := s.requireDealer(ctx, m, "Only the dealer can change issues"); err != nil {
		return nil, err
	}
	issueKey = strings.TrimSpace(issueKey)
	if err := validateIssue(issueKey, issueSummary); err != nil {
		return nil, err
	}
	voting := models.StatusVoting
	return s.startRound(ctx, m.SessionID, SessionUpdate{
		CurrentIssueKey:     &issueKey,
		CurrentIssueSummary: &issueSummary,
		Status:              &voting,
	})
}

func (s *Service) startRound(ctx context.Context, sessionID uuid.UUID, upd SessionUpdate) (*models.Session, error) {
	sess, err := s.store.StartRound(ctx, sessionID, upd)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, reject(CodeSessionNotFound, "session not found")
	}
	return sess, nil
}

// End completes the session and schedules its deletion. Expiry remains the
// backstop when scheduling fails.
func (s *Service) End(ctx context.Context, m Membership) (*models.Session, error) {
	if _, err := s.requireDealer(ctx, m, "Only the dealer can end the session"); err != nil {
		return nil, err
	}
	completed := models.StatusCompleted
	sess, err := s.store.UpdateSession(ctx, m.SessionID, SessionUpdate{Status: &completed})
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, reject(CodeSessionNotFound, "session not found")
	}
	if s.cleanup != nil {
		if err := s.cleanup.EnqueueSessionCleanup(ctx, m.SessionID); err != nil {
			s.logger.Warn("enqueue session cleanup failed",
				zap.String("session_id", m.SessionID.String()),
				zap.Error(err),
			)
		}
	}
	s.logger.Info("session ended",
		zap.String("session_id", m.SessionID.String()),
		zap.String("dealer_id", m.PlayerID.String()),
	)
	return sess, nil
}

// SetAutoReveal toggles revealing as soon as every connected voter has voted.
func (s *Service) SetAutoReveal(ctx context.Context, m Membership, enabled bool) (*models.Session, error) {
	if _, err := s.requireDealer(ctx, m, "Only the dealer can change auto-reveal"); err != nil {
		return nil, err
	}
	sess, err := s.store.UpdateSession(ctx, m.SessionID, SessionUpdate{AutoReveal: &enabled})
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, reject(CodeSessionNotFound, "session not found")
	}
	return sess, nil
}

// Snapshot assembles the catch-up view of a session. Vote values are only
// included once the round is revealed.
func (s *Service) Snapshot(ctx context.Context, sessionID uuid.UUID) (*models.Snapshot, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, reject(CodeSessionNotFound, "session not found")
	}
	players, err := s.store.GetPlayers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	votes, err := s.store.GetVotes(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap := &models.Snapshot{
		Session:        sess,
		Players:        players,
		VotedPlayerIDs: make([]uuid.UUID, 0, len(votes)),
	}
	for _, v := range votes {
		snap.VotedPlayerIDs = append(snap.VotedPlayerIDs, v.PlayerID)
	}
	if sess.Status == models.StatusRevealed {
		results := stats.Calculate(votes)
		snap.Votes, snap.Results = votes, &results
	}
	return snap, nil
}

// requireDealer loads the session and checks m is its dealer and that it is
// still open. A failed check mutates nothing.
func (s *Service) requireDealer(ctx context.Context, m Membership, denied string) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, m.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, reject(CodeSessionNotFound, "session not found")
	}
	if !sess.IsDealer(m.PlayerID) {
		return nil, reject(CodePermissionDenied, denied)
	}
	if sess.IsCompleted() {
		return nil, reject(CodeSessionEnded, "session has ended")
	}
	return sess, nil
}

func validateIssue(key, summary string) error {
	if key == "" || utf8.RuneCountInString(key) > maxIssueKeyLen {
		return reject(CodeInvalidRequest, "issue key must be 1-50 characters")
	}
	if utf8.RuneCountInString(summary) > maxIssueSummaryLen {
		return reject(CodeInvalidRequest, "issue summary must be at most 500 characters")
	}
	return nil
}
