package sessions

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pokerplan/backend/internal/models"
	"github.com/pokerplan/backend/pkg/response"
)

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Name         string `json:"name" binding:"required,max=100"`
	IssueKey     string `json:"issue_key" binding:"required,max=50"`
	IssueSummary string `json:"issue_summary" binding:"max=500"`
	DealerName   string `json:"dealer_name" binding:"max=50"`
	AutoReveal   bool   `json:"auto_reveal"`
}

// CreateResponse is returned by POST /sessions.
type CreateResponse struct {
	Session  *models.Session `json:"session"`
	PlayerID *uuid.UUID      `json:"player_id,omitempty"`
	Token    string          `json:"token,omitempty"`
	ShareURL string          `json:"share_url"`
}

// Handler handles session HTTP endpoints.
type Handler struct {
	svc       *Service
	publicURL string
	logger    *zap.Logger
}

// NewHandler creates a sessions handler. publicURL is the base of share links.
func NewHandler(svc *Service, publicURL string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, publicURL: strings.TrimRight(publicURL, "/"), logger: logger}
}

// Register mounts the session routes on g.
func (h *Handler) Register(g gin.IRoutes) {
	g.POST("/sessions", h.Create)
	g.GET("/sessions/:id", h.Get)
}

// Create handles POST /sessions.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	res, err := h.svc.Create(c.Request.Context(), CreateParams{
		Name:         req.Name,
		IssueKey:     req.IssueKey,
		IssueSummary: req.IssueSummary,
		DealerName:   req.DealerName,
		AutoReveal:   req.AutoReveal,
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			response.BadRequest(c, se.Message)
			return
		}
		h.logger.Error("create session failed", zap.Error(err))
		response.Internal(c, "failed to create session")
		return
	}

	out := CreateResponse{
		Session:  res.Session,
		Token:    res.Token,
		ShareURL: h.publicURL + "/session/" + res.Session.ID.String(),
	}
	if res.Dealer != nil {
		out.PlayerID = &res.Dealer.ID
	}
	response.Created(c, out)
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	snap, err := h.svc.Snapshot(c.Request.Context(), id)
	if err != nil {
		if IsRejection(err, CodeSessionNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		h.logger.Error("get session failed", zap.String("session_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load session")
		return
	}
	response.OK(c, snap)
}
