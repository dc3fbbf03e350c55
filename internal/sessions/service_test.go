package sessions

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokerplan/backend/internal/auth"
	"github.com/pokerplan/backend/internal/models"
)

type recordingScheduler struct {
	ids []uuid.UUID
	err error
}

func (r *recordingScheduler) EnqueueSessionCleanup(_ context.Context, id uuid.UUID) error {
	r.ids = append(r.ids, id)
	return r.err
}

type serviceFixture struct {
	svc     *Service
	repo    *Repository
	mr      *miniredis.Miniredis
	cleanup *recordingScheduler
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	repo, mr, clock := newTestRepo(t)
	tokens := auth.NewJWTService("test-secret", 24).WithClock(clock)
	cleanup := &recordingScheduler{}
	return &serviceFixture{
		svc:     NewService(repo, tokens, cleanup, nil),
		repo:    repo,
		mr:      mr,
		cleanup: cleanup,
	}
}

func (f *serviceFixture) create(t *testing.T, autoReveal bool) *models.Session {
	t.Helper()
	res, err := f.svc.Create(context.Background(), CreateParams{
		Name:       "Sprint 12",
		IssueKey:   "PROJ-1",
		AutoReveal: autoReveal,
	})
	require.NoError(t, err)
	return res.Session
}

func (f *serviceFixture) join(t *testing.T, sessionID uuid.UUID, name string, role models.PlayerRole) Membership {
	t.Helper()
	res, err := f.svc.Join(context.Background(), JoinParams{SessionID: sessionID, Name: name, Role: role})
	require.NoError(t, err)
	return res.Membership
}

func assertRejected(t *testing.T, err error, code Code) {
	t.Helper()
	var se *Error
	require.True(t, errors.As(err, &se), "expected rejection %s, got %v", code, err)
	assert.Equal(t, code, se.Code)
}

func TestService_CreateWithDealer(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	res, err := f.svc.Create(ctx, CreateParams{Name: "Sprint 12", IssueKey: "PROJ-1", DealerName: "Ada", AutoReveal: true})
	require.NoError(t, err)
	require.NotNil(t, res.Dealer)
	assert.NotEmpty(t, res.Token)
	assert.True(t, res.Session.AutoReveal)
	assert.Equal(t, res.Dealer.ID, res.Session.DealerID)
	assert.Equal(t, models.RoleDealer, res.Dealer.Role)
	assert.False(t, res.Dealer.IsConnected)

	// The dealer's websocket picks up the pre-created seat.
	joined, err := f.svc.Join(ctx, JoinParams{SessionID: res.Session.ID, Name: "Ada", Token: res.Token})
	require.NoError(t, err)
	assert.True(t, joined.Reconnected)
	assert.Equal(t, res.Dealer.ID, joined.Player.ID)
	assert.True(t, joined.Player.IsConnected)
	assert.Equal(t, models.RoleDealer, joined.Membership.Role)
}

func TestService_CreateValidation(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Create(context.Background(), CreateParams{Name: "Sprint", IssueKey: ""})
	assertRejected(t, err, CodeInvalidRequest)
}

func TestService_JoinFirstPlayerBecomesDealer(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.create(t, false)

	first := f.join(t, sess.ID, "Ada", models.RoleVoter)
	second := f.join(t, sess.ID, "Bob", "")

	assert.Equal(t, models.RoleDealer, first.Role)
	assert.Equal(t, models.RoleVoter, second.Role)

	got, err := f.repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, first.PlayerID, got.DealerID)
}

func TestService_JoinRequestingDealerTakesSeat(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.create(t, false)

	first := f.join(t, sess.ID, "Ada", models.RoleVoter)
	second := f.join(t, sess.ID, "Bob", models.RoleDealer)

	got, err := f.repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, second.PlayerID, got.DealerID)

	prev, err := f.repo.GetPlayer(ctx, sess.ID, first.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleVoter, prev.Role)
}

func TestService_JoinRejections(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Join(ctx, JoinParams{SessionID: uuid.New(), Name: "Ada"})
	assertRejected(t, err, CodeSessionNotFound)

	sess := f.create(t, false)
	_, err = f.svc.Join(ctx, JoinParams{SessionID: sess.ID, Name: "   "})
	assertRejected(t, err, CodeInvalidRequest)

	_, err = f.svc.Join(ctx, JoinParams{SessionID: sess.ID, Name: "Ada", Role: "captain"})
	assertRejected(t, err, CodeInvalidRequest)

	dealer := f.join(t, sess.ID, "Ada", "")
	_, err = f.svc.End(ctx, dealer)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, JoinParams{SessionID: sess.ID, Name: "Bob"})
	assertRejected(t, err, CodeSessionEnded)
}

func TestService_ReconnectReusesPlayer(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.create(t, false)

	res, err := f.svc.Join(ctx, JoinParams{SessionID: sess.ID, Name: "Ada"})
	require.NoError(t, err)
	_, err = f.svc.Leave(ctx, res.Membership)
	require.NoError(t, err)

	again, err := f.svc.Join(ctx, JoinParams{SessionID: sess.ID, Name: "Ada", Token: res.Token})
	require.NoError(t, err)
	assert.True(t, again.Reconnected)
	assert.Equal(t, res.Membership.PlayerID, again.Membership.PlayerID)
	assert.True(t, again.Player.IsConnected)
	assert.Len(t, again.Snapshot.Players, 1)
}

func TestService_TokenForOtherSessionCreatesNewPlayer(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	a := f.create(t, false)
	b := f.create(t, false)

	res, err := f.svc.Join(ctx, JoinParams{SessionID: a.ID, Name: "Ada"})
	require.NoError(t, err)

	other, err := f.svc.Join(ctx, JoinParams{SessionID: b.ID, Name: "Ada", Token: res.Token})
	require.NoError(t, err)
	assert.False(t, other.Reconnected)
	assert.NotEqual(t, res.Membership.PlayerID, other.Membership.PlayerID)
}

func TestService_SubmitVote(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.create(t, false)
	dealer := f.join(t, sess.ID, "Ada", "")
	voter := f.join(t, sess.ID, "Bob", "")

	out, err := f.svc.SubmitVote(ctx, voter, "3")
	require.NoError(t, err)
	assert.True(t, out.StatusChanged)
	assert.Equal(t, models.StatusVoting, out.Session.Status)
	assert.Nil(t, out.Reveal)

	out, err = f.svc.SubmitVote(ctx, dealer, "5")
	require.NoError(t, err)
	assert.False(t, out.StatusChanged)

	_, err = f.svc.SubmitVote(ctx, voter, "8")
	assertRejected(t, err, CodeInvalidVote)

	stranger := Membership{SessionID: sess.ID, PlayerID: uuid.New()}
	_, err = f.svc.SubmitVote(ctx, stranger, "3")
	assertRejected(t, err, CodeNotInSession)
}

func TestService_ObserverCannotVote(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.create(t, false)
	f.join(t, sess.ID, "Ada", "")
	observer := f.join(t, sess.ID, "Olga", models.RoleObserver)

	_, err := f.svc.SubmitVote(ctx, observer, "3")
	assertRejected(t, err, CodePermissionDenied)

	votes, err := f.repo.GetVotes(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, votes)
}

func TestService_AutoReveal(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.create(t, true)
	dealer := f.join(t, sess.ID, "Ada", "")
	a := f.join(t, sess.ID, "Bob", "")
	b := f.join(t, sess.ID, "Cleo", "")
	f.join(t, sess.ID, "Olga", models.RoleObserver)

	out, err := f.svc.SubmitVote(ctx, dealer, "1")
	require.NoError(t, err)
	assert.Nil(t, out.Reveal, "dealer ballot does not complete the round")

	out, err = f.svc.SubmitVote(ctx, a, "3")
	require.NoError(t, err)
	assert.Nil(t, out.Reveal)

	out, err = f.svc.SubmitVote(ctx, b, "3")
	require.NoError(t, err)
	require.NotNil(t, out.Reveal)
	assert.Equal(t, models.StatusRevealed, out.Reveal.Session.Status)
	assert.Len(t, out.Reveal.Votes, 3)
	require.NotNil(t, out.Reveal.Results.Mode)
	assert.Equal(t, "3", *out.Reveal.Results.Mode)

	_, err = f.svc.SubmitVote(ctx, a, "5")
	assertRejected(t, err, CodeAlreadyRevealed)
}

func TestService_DealerGuards(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.create(t, false)
	f.join(t, sess.ID, "Ada", "")
	voter := f.join(t, sess.ID, "Bob", "")
	_, err := f.svc.SubmitVote(ctx, voter, "3")
	require.NoError(t, err)

	before, err := f.svc.Snapshot(ctx, sess.ID)
	require.NoError(t, err)

	_, err = f.svc.Reveal(ctx, voter)
	assertRejected(t, err, CodePermissionDenied)
	_, err = f.svc.Reset(ctx, voter)
	assertRejected(t, err, CodePermissionDenied)
	_, err = f.svc.NextIssue(ctx, voter, "PROJ-2", "")
	assertRejected(t, err, CodePermissionDenied)
	// The guard runs before argument validation.
	_, err = f.svc.NextIssue(ctx, voter, "", "")
	assertRejected(t, err, CodePermissionDenied)
	_, err = f.svc.NextIssue(ctx, voter, strings.Repeat("K", maxIssueKeyLen+1), "")
	assertRejected(t, err, CodePermissionDenied)
	_, err = f.svc.End(ctx, voter)
	assertRejected(t, err, CodePermissionDenied)
	_, err = f.svc.SetAutoReveal(ctx, voter, true)
	assertRejected(t, err, CodePermissionDenied)

	after, err := f.svc.Snapshot(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, f.cleanup.ids)
}

func TestService_RoundLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.create(t, false)
	dealer := f.join(t, sess.ID, "Ada", "")
	voter := f.join(t, sess.ID, "Bob", "")

	_, err := f.svc.SubmitVote(ctx, voter, "5")
	require.NoError(t, err)

	rev, err := f.svc.Reveal(ctx, dealer)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevealed, rev.Session.Status)
	assert.Equal(t, 5.0, rev.Results.Average)

	_, err = f.svc.Reveal(ctx, dealer)
	assertRejected(t, err, CodeAlreadyRevealed)

	snap, err := f.svc.Snapshot(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Votes, 1)
	require.NotNil(t, snap.Results)

	reset, err := f.svc.Reset(ctx, dealer)
	require.NoError(t, err)
	assert.Equal(t, models.StatusVoting, reset.Status)
	snap, err = f.svc.Snapshot(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.VotedPlayerIDs)
	assert.Nil(t, snap.Results)

	_, err = f.svc.NextIssue(ctx, dealer, "", "")
	assertRejected(t, err, CodeInvalidRequest)

	next, err := f.svc.NextIssue(ctx, dealer, "PROJ-2", "Checkout flow")
	require.NoError(t, err)
	assert.Equal(t, "PROJ-2", next.CurrentIssueKey)
	assert.Equal(t, "Checkout flow", next.CurrentIssueSummary)
	assert.Equal(t, models.StatusVoting, next.Status)

	out, err := f.svc.SubmitVote(ctx, voter, "2")
	require.NoError(t, err)
	assert.Equal(t, "PROJ-2", out.Vote.IssueKey)

	ended, err := f.svc.End(ctx, dealer)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, ended.Status)
	assert.Equal(t, []uuid.UUID{sess.ID}, f.cleanup.ids)

	_, err = f.svc.SubmitVote(ctx, voter, "3")
	assertRejected(t, err, CodeSessionEnded)
}

func TestService_SnapshotHidesValuesUntilReveal(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.create(t, false)
	f.join(t, sess.ID, "Ada", "")
	voter := f.join(t, sess.ID, "Bob", "")
	_, err := f.svc.SubmitVote(ctx, voter, "3")
	require.NoError(t, err)

	snap, err := f.svc.Snapshot(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{voter.PlayerID}, snap.VotedPlayerIDs)
	assert.Nil(t, snap.Votes)
	assert.Nil(t, snap.Results)
}

func TestService_EndToleratesSchedulerFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.cleanup.err = errors.New("queue down")
	sess := f.create(t, false)
	dealer := f.join(t, sess.ID, "Ada", "")

	ended, err := f.svc.End(context.Background(), dealer)
	require.NoError(t, err)
	assert.True(t, ended.IsCompleted())
}

func TestService_LeaveKeepsPlayer(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.create(t, false)
	m := f.join(t, sess.ID, "Ada", "")

	p, err := f.svc.Leave(ctx, m)
	require.NoError(t, err)
	assert.False(t, p.IsConnected)

	players, err := f.repo.GetPlayers(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, players, 1)
}

var errStorageDown = errors.New("storage down")

// faultyStore fails selected calls the way an unreachable Redis would.
type faultyStore struct {
	*Repository
	failVotes      bool
	failConnection bool
}

func (f *faultyStore) GetVotes(ctx context.Context, sessionID uuid.UUID) ([]models.Vote, error) {
	if f.failVotes {
		return nil, errStorageDown
	}
	return f.Repository.GetVotes(ctx, sessionID)
}

func (f *faultyStore) UpdatePlayerConnection(ctx context.Context, sessionID, playerID uuid.UUID, connected bool) (*models.Player, error) {
	if f.failConnection {
		return nil, errStorageDown
	}
	return f.Repository.UpdatePlayerConnection(ctx, sessionID, playerID, connected)
}

func newFaultyFixture(t *testing.T) (*serviceFixture, *faultyStore) {
	t.Helper()
	f := newServiceFixture(t)
	store := &faultyStore{Repository: f.repo}
	tokens := auth.NewJWTService("test-secret", 24)
	f.svc = NewService(store, tokens, f.cleanup, nil)
	return f, store
}

func TestService_FailedJoinLeavesNoPlayer(t *testing.T) {
	f, store := newFaultyFixture(t)
	ctx := context.Background()
	sess := f.create(t, true)

	store.failVotes = true
	_, err := f.svc.Join(ctx, JoinParams{SessionID: sess.ID, Name: "Ann", Role: models.RoleVoter})
	require.ErrorIs(t, err, errStorageDown)

	players, err := f.repo.GetPlayers(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, players)
	got, err := f.repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.HasDealer())

	// The seat is still free for the next successful join.
	store.failVotes = false
	first := f.join(t, sess.ID, "Bob", "")
	assert.Equal(t, models.RoleDealer, first.Role)
}

func TestService_FailedReconnectRestoresSeat(t *testing.T) {
	f, store := newFaultyFixture(t)
	ctx := context.Background()
	sess := f.create(t, false)
	dealer := f.join(t, sess.ID, "Ada", "")
	res, err := f.svc.Join(ctx, JoinParams{SessionID: sess.ID, Name: "Bob"})
	require.NoError(t, err)
	_, err = f.svc.Leave(ctx, res.Membership)
	require.NoError(t, err)

	store.failVotes = true
	_, err = f.svc.Join(ctx, JoinParams{SessionID: sess.ID, Name: "Robert", Role: models.RoleDealer, Token: res.Token})
	require.ErrorIs(t, err, errStorageDown)

	got, err := f.repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, dealer.PlayerID, got.DealerID)

	ada, err := f.repo.GetPlayer(ctx, sess.ID, dealer.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleDealer, ada.Role)

	bob, err := f.repo.GetPlayer(ctx, sess.ID, res.Player.ID)
	require.NoError(t, err)
	require.NotNil(t, bob)
	assert.Equal(t, "Bob", bob.Name)
	assert.Equal(t, models.RoleVoter, bob.Role)
	assert.False(t, bob.IsConnected)
}

func TestService_AbortJoin(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.create(t, false)

	res, err := f.svc.Join(ctx, JoinParams{SessionID: sess.ID, Name: "Ann"})
	require.NoError(t, err)
	require.Equal(t, models.RoleDealer, res.Player.Role)

	require.NoError(t, f.svc.AbortJoin(ctx, res))

	players, err := f.repo.GetPlayers(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, players)
	got, err := f.repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.HasDealer())
}

func TestService_FailedCreateLeavesNoSession(t *testing.T) {
	f, store := newFaultyFixture(t)
	store.failConnection = true

	_, err := f.svc.Create(context.Background(), CreateParams{Name: "Sprint 12", IssueKey: "PROJ-1", DealerName: "Ada"})
	require.ErrorIs(t, err, errStorageDown)
	assert.Empty(t, f.mr.Keys())
}
