package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/pokerplan/backend/internal/models"
)

const (
	// DefaultTTL is how long an untouched session survives.
	DefaultTTL = 24 * time.Hour
	// maxTxAttempts bounds optimistic transaction retries on WATCH conflicts.
	maxTxAttempts = 16
)

// SessionUpdate is a partial session update; nil fields are left untouched.
type SessionUpdate struct {
	Name                *string
	DealerID            *uuid.UUID
	CurrentIssueKey     *string
	CurrentIssueSummary *string
	Status              *models.SessionStatus
	AutoReveal          *bool
}

func (u SessionUpdate) apply(s *models.Session) {
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.DealerID != nil {
		s.DealerID = *u.DealerID
	}
	if u.CurrentIssueKey != nil {
		s.CurrentIssueKey = *u.CurrentIssueKey
	}
	if u.CurrentIssueSummary != nil {
		s.CurrentIssueSummary = *u.CurrentIssueSummary
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.AutoReveal != nil {
		s.AutoReveal = *u.AutoReveal
	}
}

// PlayerUpdate is a partial player update; nil fields are left untouched.
type PlayerUpdate struct {
	Name        *string
	Role        *models.PlayerRole
	IsConnected *bool
}

func (u PlayerUpdate) apply(p *models.Player) {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Role != nil {
		p.Role = *u.Role
	}
	if u.IsConnected != nil {
		p.IsConnected = *u.IsConnected
	}
}

// reader is the read side shared by *redis.Client and *redis.Tx.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Repository stores sessions, players and votes in Redis. Every write refreshes
// the TTL of all three records of a session together.
type Repository struct {
	client  *redis.Client
	clock   clockwork.Clock
	ttl     time.Duration
	lockTTL time.Duration
}

// NewRepository creates a session repository. A zero ttl means DefaultTTL and a
// nil clock means the real clock.
func NewRepository(client *redis.Client, ttl time.Duration, clock clockwork.Clock) *Repository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Repository{client: client, clock: clock, ttl: ttl, lockTTL: defaultLockTTL}
}

func (r *Repository) now() time.Time {
	return r.clock.Now().UTC()
}

// watch runs fn as an optimistic transaction over keys, retrying when a watched
// key changes underneath it.
func (r *Repository) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxAttempts; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrConflict
}

// touch refreshes expiry on every record of the session.
func (r *Repository) touch(ctx context.Context, pipe redis.Pipeliner, id uuid.UUID) {
	pipe.Expire(ctx, sessionKey(id), r.ttl)
	pipe.Expire(ctx, playersKey(id), r.ttl)
	pipe.Expire(ctx, votesKey(id), r.ttl)
}

// CreateSession stores a new session in the waiting state.
func (r *Repository) CreateSession(ctx context.Context, name string, dealerID uuid.UUID, issueKey, issueSummary string) (*models.Session, error) {
	now := r.now()
	s := &models.Session{
		ID:                  uuid.New(),
		Name:                name,
		DealerID:            dealerID,
		CurrentIssueKey:     issueKey,
		CurrentIssueSummary: issueSummary,
		Status:              models.StatusWaiting,
		AutoReveal:          false,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(s.ID), data, r.ttl).Err(); err != nil {
		return nil, fmt.Errorf("set session: %w", err)
	}
	return s, nil
}

// GetSession returns the session, or nil when it does not exist.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return loadSession(ctx, r.client, id)
}

// UpdateSession merges upd into the session and refreshes UpdatedAt. It
// returns nil when the session does not exist.
func (r *Repository) UpdateSession(ctx context.Context, id uuid.UUID, upd SessionUpdate) (*models.Session, error) {
	var out *models.Session
	err := r.watch(ctx, func(tx *redis.Tx) error {
		s, err := loadSession(ctx, tx, id)
		if err != nil || s == nil {
			out = nil
			return err
		}
		upd.apply(s)
		s.UpdatedAt = r.now()
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(id), data, r.ttl)
			r.touch(ctx, pipe, id)
			return nil
		})
		out = s
		return err
	}, sessionKey(id))
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return out, nil
}

// TransitionStatus moves the session to status to only if it currently is in
// from. It reports whether the transition happened.
func (r *Repository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to models.SessionStatus) (*models.Session, bool, error) {
	var (
		out     *models.Session
		changed bool
	)
	err := r.watch(ctx, func(tx *redis.Tx) error {
		s, err := loadSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if s == nil {
			return ErrSessionNotFound
		}
		out, changed = s, false
		if s.Status != from {
			return nil
		}
		s.Status = to
		s.UpdatedAt = r.now()
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(id), data, r.ttl)
			r.touch(ctx, pipe, id)
			return nil
		})
		changed = err == nil
		return err
	}, sessionKey(id))
	if err != nil {
		return nil, false, fmt.Errorf("transition session: %w", err)
	}
	return out, changed, nil
}

// DeleteSession removes the session together with its players, votes and lock.
func (r *Repository) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id), playersKey(id), votesKey(id), lockKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SessionExists reports whether the session record is present.
func (r *Repository) SessionExists(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := r.client.Exists(ctx, sessionKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("exists session: %w", err)
	}
	return n == 1, nil
}

// ExtendTTL pushes back expiry of all records of the session.
func (r *Repository) ExtendTTL(ctx context.Context, id uuid.UUID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.touch(ctx, pipe, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("extend ttl: %w", err)
	}
	return nil
}

// AddPlayer stores a new, connected player.
func (r *Repository) AddPlayer(ctx context.Context, sessionID uuid.UUID, name string, role models.PlayerRole) (*models.Player, error) {
	now := r.now()
	p := &models.Player{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Name:        name,
		Role:        role,
		IsConnected: true,
		JoinedAt:    now,
		LastSeenAt:  now,
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode player: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, playersKey(sessionID), p.ID.String(), data)
		r.touch(ctx, pipe, sessionID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add player: %w", err)
	}
	return p, nil
}

// GetPlayer returns the player, or nil when absent.
func (r *Repository) GetPlayer(ctx context.Context, sessionID, playerID uuid.UUID) (*models.Player, error) {
	return loadPlayer(ctx, r.client, sessionID, playerID)
}

// GetPlayers returns every player of the session ordered by join time. The
// result is never nil.
func (r *Repository) GetPlayers(ctx context.Context, sessionID uuid.UUID) ([]models.Player, error) {
	return loadPlayers(ctx, r.client, sessionID)
}

// UpdatePlayer merges upd into the player and refreshes LastSeenAt. It returns
// nil when the player does not exist.
func (r *Repository) UpdatePlayer(ctx context.Context, sessionID, playerID uuid.UUID, upd PlayerUpdate) (*models.Player, error) {
	var out *models.Player
	err := r.watch(ctx, func(tx *redis.Tx) error {
		p, err := loadPlayer(ctx, tx, sessionID, playerID)
		if err != nil || p == nil {
			out = nil
			return err
		}
		upd.apply(p)
		p.LastSeenAt = r.now()
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode player: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, playersKey(sessionID), playerID.String(), data)
			r.touch(ctx, pipe, sessionID)
			return nil
		})
		out = p
		return err
	}, playersKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("update player: %w", err)
	}
	return out, nil
}

// RemovePlayer deletes the player and any vote it cast. It only backs out a
// join that never completed; players that joined are kept until expiry.
func (r *Repository) RemovePlayer(ctx context.Context, sessionID, playerID uuid.UUID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, playersKey(sessionID), playerID.String())
		pipe.HDel(ctx, votesKey(sessionID), playerID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove player: %w", err)
	}
	return nil
}

// UpdatePlayerConnection sets the player's connection flag.
func (r *Repository) UpdatePlayerConnection(ctx context.Context, sessionID, playerID uuid.UUID, connected bool) (*models.Player, error) {
	return r.UpdatePlayer(ctx, sessionID, playerID, PlayerUpdate{IsConnected: &connected})
}

// AssignDealer makes playerID the session's dealer, demoting the previous
// dealer to voter in the same transaction. With onlyIfVacant set it does
// nothing when a dealer already exists. It reports whether playerID is the
// dealer afterwards because of this call.
func (r *Repository) AssignDealer(ctx context.Context, sessionID, playerID uuid.UUID, onlyIfVacant bool) (*models.Session, bool, error) {
	var (
		out      *models.Session
		assigned bool
	)
	err := r.watch(ctx, func(tx *redis.Tx) error {
		s, err := loadSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return ErrSessionNotFound
		}
		out, assigned = s, false
		if onlyIfVacant && s.HasDealer() {
			return nil
		}
		p, err := loadPlayer(ctx, tx, sessionID, playerID)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrPlayerNotFound
		}

		now := r.now()
		writes := map[string][]byte{}
		if s.HasDealer() && s.DealerID != playerID {
			prev, err := loadPlayer(ctx, tx, sessionID, s.DealerID)
			if err != nil {
				return err
			}
			if prev != nil && prev.Role == models.RoleDealer {
				prev.Role = models.RoleVoter
				if writes[prev.ID.String()], err = json.Marshal(prev); err != nil {
					return fmt.Errorf("encode player: %w", err)
				}
			}
		}
		p.Role = models.RoleDealer
		p.LastSeenAt = now
		if writes[p.ID.String()], err = json.Marshal(p); err != nil {
			return fmt.Errorf("encode player: %w", err)
		}
		s.DealerID = playerID
		s.UpdatedAt = now
		sessionData, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for field, data := range writes {
				pipe.HSet(ctx, playersKey(sessionID), field, data)
			}
			pipe.Set(ctx, sessionKey(sessionID), sessionData, r.ttl)
			r.touch(ctx, pipe, sessionID)
			return nil
		})
		assigned = err == nil
		return err
	}, sessionKey(sessionID), playersKey(sessionID))
	if err != nil {
		return nil, false, fmt.Errorf("assign dealer: %w", err)
	}
	return out, assigned, nil
}

// SubmitVote records the player's vote, replacing any earlier one. The session
// is watched so the write lands entirely before or after a reveal sweep; it is
// refused once votes are revealed or when issueKey is no longer current.
func (r *Repository) SubmitVote(ctx context.Context, sessionID, playerID uuid.UUID, issueKey, value string) (*models.Vote, error) {
	var out *models.Vote
	err := r.watch(ctx, func(tx *redis.Tx) error {
		s, err := loadSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		switch {
		case s == nil:
			return ErrSessionNotFound
		case s.Status == models.StatusRevealed:
			return ErrAlreadyRevealed
		case s.IsCompleted():
			return ErrSessionEnded
		case s.CurrentIssueKey != issueKey:
			return ErrIssueChanged
		}
		v := &models.Vote{
			ID:        uuid.New(),
			SessionID: sessionID,
			PlayerID:  playerID,
			IssueKey:  issueKey,
			Value:     value,
			VotedAt:   r.now(),
			Revealed:  false,
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode vote: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, votesKey(sessionID), playerID.String(), data)
			r.touch(ctx, pipe, sessionID)
			return nil
		})
		out = v
		return err
	}, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("submit vote: %w", err)
	}
	return out, nil
}

// GetVotes returns every stored vote of the session. The result is never nil.
func (r *Repository) GetVotes(ctx context.Context, sessionID uuid.UUID) ([]models.Vote, error) {
	return loadVotes(ctx, r.client, sessionID)
}

// RevealVotes marks every vote revealed and moves the session to revealed in
// one transaction, returning the swept votes.
func (r *Repository) RevealVotes(ctx context.Context, sessionID uuid.UUID) (*models.Session, []models.Vote, error) {
	s, votes, _, err := r.reveal(ctx, sessionID, false)
	return s, votes, err
}

// RevealIfAllVoted performs the reveal sweep only when the session is voting
// and every connected voter has voted, all within one transaction. When two
// callers race, one reveals and the other gets revealed=false.
func (r *Repository) RevealIfAllVoted(ctx context.Context, sessionID uuid.UUID) (*models.Session, []models.Vote, bool, error) {
	return r.reveal(ctx, sessionID, true)
}

func (r *Repository) reveal(ctx context.Context, sessionID uuid.UUID, onlyWhenComplete bool) (*models.Session, []models.Vote, bool, error) {
	var (
		out      *models.Session
		swept    []models.Vote
		revealed bool
	)
	err := r.watch(ctx, func(tx *redis.Tx) error {
		out, swept, revealed = nil, nil, false
		s, err := loadSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return ErrSessionNotFound
		}
		if onlyWhenComplete && s.Status != models.StatusVoting {
			out = s
			return nil
		}
		switch s.Status {
		case models.StatusRevealed:
			return ErrAlreadyRevealed
		case models.StatusCompleted:
			return ErrSessionEnded
		}

		votes, err := loadVotes(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if onlyWhenComplete {
			players, err := loadPlayers(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			if !allVoted(players, votes) {
				out = s
				return nil
			}
		}

		now := r.now()
		encoded := make(map[string][]byte, len(votes))
		for i := range votes {
			votes[i].Revealed = true
			data, err := json.Marshal(votes[i])
			if err != nil {
				return fmt.Errorf("encode vote: %w", err)
			}
			encoded[votes[i].PlayerID.String()] = data
		}
		s.Status = models.StatusRevealed
		s.UpdatedAt = now
		sessionData, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for field, data := range encoded {
				pipe.HSet(ctx, votesKey(sessionID), field, data)
			}
			pipe.Set(ctx, sessionKey(sessionID), sessionData, r.ttl)
			r.touch(ctx, pipe, sessionID)
			return nil
		})
		if err != nil {
			return err
		}
		out, swept, revealed = s, votes, true
		return nil
	}, sessionKey(sessionID), playersKey(sessionID), votesKey(sessionID))
	if err != nil {
		return nil, nil, false, fmt.Errorf("reveal votes: %w", err)
	}
	return out, swept, revealed, nil
}

// ClearVotes deletes every vote of the session.
func (r *Repository) ClearVotes(ctx context.Context, sessionID uuid.UUID) error {
	if err := r.client.Del(ctx, votesKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear votes: %w", err)
	}
	return nil
}

// StartRound clears the votes and applies upd to the session in one
// transaction, so no vote for a previous issue survives an issue change. It
// returns nil when the session does not exist.
func (r *Repository) StartRound(ctx context.Context, sessionID uuid.UUID, upd SessionUpdate) (*models.Session, error) {
	var out *models.Session
	err := r.watch(ctx, func(tx *redis.Tx) error {
		s, err := loadSession(ctx, tx, sessionID)
		if err != nil || s == nil {
			out = nil
			return err
		}
		upd.apply(s)
		s.UpdatedAt = r.now()
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, votesKey(sessionID))
			pipe.Set(ctx, sessionKey(sessionID), data, r.ttl)
			r.touch(ctx, pipe, sessionID)
			return nil
		})
		out = s
		return err
	}, sessionKey(sessionID), votesKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("start round: %w", err)
	}
	return out, nil
}

// HaveAllVoted reports whether at least one connected voter exists and every
// connected voter has a live vote. Observers, the dealer and disconnected
// players never block the check.
func (r *Repository) HaveAllVoted(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	players, err := r.GetPlayers(ctx, sessionID)
	if err != nil {
		return false, err
	}
	votes, err := r.GetVotes(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return allVoted(players, votes), nil
}

func allVoted(players []models.Player, votes []models.Vote) bool {
	voted := make(map[uuid.UUID]struct{}, len(votes))
	for _, v := range votes {
		voted[v.PlayerID] = struct{}{}
	}
	var expected, done int
	for i := range players {
		if !players[i].CountsTowardCompletion() {
			continue
		}
		expected++
		if _, ok := voted[players[i].ID]; ok {
			done++
		}
	}
	return expected > 0 && done >= expected
}

func loadSession(ctx context.Context, c reader, id uuid.UUID) (*models.Session, error) {
	raw, err := c.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s models.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func loadPlayer(ctx context.Context, c reader, sessionID, playerID uuid.UUID) (*models.Player, error) {
	raw, err := c.HGet(ctx, playersKey(sessionID), playerID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get player: %w", err)
	}
	var p models.Player
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode player: %w", err)
	}
	return &p, nil
}

func loadPlayers(ctx context.Context, c reader, sessionID uuid.UUID) ([]models.Player, error) {
	m, err := c.HGetAll(ctx, playersKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get players: %w", err)
	}
	out := make([]models.Player, 0, len(m))
	for _, raw := range m {
		var p models.Player
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode player: %w", err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func loadVotes(ctx context.Context, c reader, sessionID uuid.UUID) ([]models.Vote, error) {
	m, err := c.HGetAll(ctx, votesKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get votes: %w", err)
	}
	out := make([]models.Vote, 0, len(m))
	for _, raw := range m {
		var v models.Vote
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode vote: %w", err)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].VotedAt.Equal(out[j].VotedAt) {
			return out[i].VotedAt.Before(out[j].VotedAt)
		}
		return out[i].PlayerID.String() < out[j].PlayerID.String()
	})
	return out, nil
}
