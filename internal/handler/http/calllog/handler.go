package calllog

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callsignal-backend/internal/middleware"
	"callsignal-backend/internal/service/calllog"
	"callsignal-backend/pkg/pagination"
	"callsignal-backend/pkg/response"
)

// Handler serves the call history recorded by the relay
type Handler struct {
	callLogService *calllog.Service
}

// NewHandler creates a new call history handler
func NewHandler(callLogService *calllog.Service) *Handler {
	return &Handler{
		callLogService: callLogService,
	}
}

// RegisterRoutes mounts the history endpoint on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/calls/history", h.GetHistory)
}

// GetHistory lists calls the user took part in, newest first
// GET /v1/calls/history?page=1&limit=20
func (h *Handler) GetHistory(c *gin.Context) {
	userIDVal, exists := c.Get(middleware.ContextUserID)
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return
	}

	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	logs, total, err := h.callLogService.History(c.Request.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, pagination.NewPage(params, total, logs))
}
