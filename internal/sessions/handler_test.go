package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokerplan/backend/internal/models"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestRouter(t *testing.T) (*gin.Engine, *serviceFixture) {
	t.Helper()
	f := newServiceFixture(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(f.svc, "http://poker.test/", nil).Register(r)
	return r, f
}

func doJSON(r http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestHandler_CreateSession(t *testing.T) {
	r, f := newTestRouter(t)

	w, env := doJSON(r, http.MethodPost, "/sessions", `{"name":"Sprint 12","issue_key":"PROJ-1","dealer_name":"Ada"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.True(t, env.Success)

	var out CreateResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.NotNil(t, out.PlayerID)
	assert.NotEmpty(t, out.Token)
	assert.Equal(t, "http://poker.test/session/"+out.Session.ID.String(), out.ShareURL)
	assert.Equal(t, *out.PlayerID, out.Session.DealerID)

	stored, err := f.repo.GetSession(context.Background(), out.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.StatusWaiting, stored.Status)
}

func TestHandler_CreateSessionValidation(t *testing.T) {
	r, _ := newTestRouter(t)

	w, env := doJSON(r, http.MethodPost, "/sessions", `{"issue_key":"PROJ-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, env.Success)

	w, _ = doJSON(r, http.MethodPost, "/sessions", `{"name":"   ","issue_key":"PROJ-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	long := strings.Repeat("x", 51)
	w, _ = doJSON(r, http.MethodPost, "/sessions", `{"name":"Sprint","issue_key":"`+long+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetSession(t *testing.T) {
	r, f := newTestRouter(t)
	sess := f.create(t, false)
	f.join(t, sess.ID, "Ada", models.RoleVoter)

	w, env := doJSON(r, http.MethodGet, "/sessions/"+sess.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, sess.ID, snap.Session.ID)
	assert.Len(t, snap.Players, 1)

	w, _ = doJSON(r, http.MethodGet, "/sessions/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doJSON(r, http.MethodGet, "/sessions/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
