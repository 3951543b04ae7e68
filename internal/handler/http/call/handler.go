// Package call exposes the agent's local control API: the user's commands
// become events for the orchestrator.
package call

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/service/call"
	"callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/response"
)

// Orchestrator is the part of call.Orchestrator the control API drives
type Orchestrator interface {
	Handle(ctx context.Context, event *domain.Event) (*call.Result, error)
	Invite(ctx context.Context, sessionID, userID uuid.UUID) (*call.Result, error)
	Get(sessionID uuid.UUID) (domain.CallSession, error)
	Negotiations(sessionID uuid.UUID) ([]domain.PeerNegotiation, error)
	List() []domain.CallSession
}

// Handler handles local call control requests
type Handler struct {
	orchestrator Orchestrator
}

// NewHandler creates a new call control handler
func NewHandler(orchestrator Orchestrator) *Handler {
	return &Handler{
		orchestrator: orchestrator,
	}
}

// RegisterRoutes mounts the control endpoints
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	calls.POST("", h.StartCall)
	calls.GET("", h.ListCalls)
	calls.GET("/:id", h.GetCall)

	calls.POST("/:id/accept", h.command(domain.EventCallAccept))
	calls.POST("/:id/reject", h.command(domain.EventCallReject))
	calls.POST("/:id/cancel", h.command(domain.EventCallCancel))
	calls.POST("/:id/end", h.command(domain.EventCallEnd))
	calls.POST("/:id/accept-invite", h.command(domain.EventGroupInviteAccept))
	calls.POST("/:id/leave", h.command(domain.EventGroupLeave))
	calls.POST("/:id/rejoin", h.Rejoin)
	calls.POST("/:id/renegotiate", h.Renegotiate)
	calls.POST("/:id/invite", h.Invite)
	calls.PUT("/:id/voice", h.UpdateVoice)
}

// StartCallRequest represents call start request
type StartCallRequest struct {
	SessionID     uuid.UUID        `json:"session_id"`
	Kind          domain.CallKind  `json:"kind" binding:"omitempty,oneof=direct group"`
	Media         domain.CallMedia `json:"media" binding:"omitempty,oneof=audio video"`
	TargetUserIDs []uuid.UUID      `json:"target_user_ids" binding:"required,min=1"`
}

// StartCall rings one user, or several for a group call
// POST /v1/calls
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	event := domain.NewEvent(domain.EventCallStart, req.SessionID, uuid.Nil, uuid.Nil)
	event.Kind = req.Kind
	event.Media = req.Media
	event.TargetUserIDs = req.TargetUserIDs

	h.respond(c, http.StatusCreated, event)
}

// ListCalls returns every session this agent knows
// GET /v1/calls
func (h *Handler) ListCalls(c *gin.Context) {
	sessions := h.orchestrator.List()
	response.Success(c, http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetCall returns a session and its per-peer negotiation state
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	session, err := h.orchestrator.Get(sessionID)
	if err != nil {
		response.AppError(c, err)
		return
	}
	negotiations, err := h.orchestrator.Negotiations(sessionID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call.Result{
		Session:      session,
		Negotiations: negotiations,
	})
}

// command builds a handler for a bodiless local command
func (h *Handler) command(eventType domain.EventType) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, ok := sessionParam(c)
		if !ok {
			return
		}
		h.respond(c, http.StatusOK, domain.NewEvent(eventType, sessionID, uuid.Nil, uuid.Nil))
	}
}

// RejoinRequest names the partner when the session was lost in a restart
type RejoinRequest struct {
	Kind          domain.CallKind  `json:"kind" binding:"omitempty,oneof=direct group"`
	Media         domain.CallMedia `json:"media" binding:"omitempty,oneof=audio video"`
	TargetUserIDs []uuid.UUID      `json:"target_user_ids"`
}

// Rejoin returns to a direct call within its grace window
// POST /v1/calls/:id/rejoin
func (h *Handler) Rejoin(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	var req RejoinRequest
	if !bindOptional(c, &req) {
		return
	}

	event := domain.NewEvent(domain.EventCallRejoin, sessionID, uuid.Nil, uuid.Nil)
	event.Kind = req.Kind
	event.Media = req.Media
	event.TargetUserIDs = req.TargetUserIDs

	h.respond(c, http.StatusOK, event)
}

// RenegotiateRequest optionally restricts renegotiation to one peer
type RenegotiateRequest struct {
	TargetUserID uuid.UUID `json:"target_user_id"`
}

// Renegotiate restarts the offer/answer exchange after a media change
// POST /v1/calls/:id/renegotiate
func (h *Handler) Renegotiate(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	var req RenegotiateRequest
	if !bindOptional(c, &req) {
		return
	}

	event := domain.NewEvent(domain.EventRenegotiate, sessionID, uuid.Nil, uuid.Nil)
	event.TargetUserID = req.TargetUserID
	h.respond(c, http.StatusOK, event)
}

// InviteRequest represents a group invite request
type InviteRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

// Invite adds a user to a group call as a pending member
// POST /v1/calls/:id/invite
func (h *Handler) Invite(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if req.UserID == uuid.Nil {
		response.ValidationError(c, "user_id is required")
		return
	}

	result, err := h.orchestrator.Invite(c.Request.Context(), sessionID, req.UserID)
	if err != nil {
		h.fail(c, domain.EventGroupInvite, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// UpdateVoice publishes the local mute/deafen/speaking flags
// PUT /v1/calls/:id/voice
func (h *Handler) UpdateVoice(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	var voice domain.VoiceActivity
	if err := c.ShouldBindJSON(&voice); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	event := domain.NewEvent(domain.EventVoiceUpdate, sessionID, uuid.Nil, uuid.Nil)
	event.Voice = &voice
	h.respond(c, http.StatusOK, event)
}

func (h *Handler) respond(c *gin.Context, status int, event *domain.Event) {
	result, err := h.orchestrator.Handle(c.Request.Context(), event)
	if err != nil {
		h.fail(c, event.Type, err)
		return
	}
	response.Success(c, status, result)
}

func (h *Handler) fail(c *gin.Context, eventType domain.EventType, err error) {
	if errors.IsUserFacing(err) {
		logger.Warn("Call command failed",
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
	response.AppError(c, err)
}

func sessionParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return uuid.Nil, false
	}
	return id, true
}

// bindOptional accepts an empty body
func bindOptional(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil && err != io.EOF {
		response.ValidationError(c, err.Error())
		return false
	}
	return true
}
