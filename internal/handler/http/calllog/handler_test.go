package calllog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/middleware"
	"callsignal-backend/internal/service/calllog"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, log *domain.CallLog) error {
	return m.Called(ctx, log).Error(0)
}

func (m *MockRepository) GetUserCallLogs(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallLog, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallLog), args.Error(1)
}

func (m *MockRepository) CountUserCallLogs(ctx context.Context, userID uuid.UUID) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func newRouter(repo *MockRepository, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Next()
	})
	NewHandler(calllog.NewService(repo, nil)).RegisterRoutes(v1)
	return r
}

func TestGetHistory(t *testing.T) {
	repo := new(MockRepository)
	userID := uuid.New()
	logs := []*domain.CallLog{{
		SessionID:  uuid.New(),
		ReportedBy: userID,
		PeerID:     uuid.New(),
		Kind:       domain.CallKindDirect,
		Outcome:    domain.CallOutcomeEnded,
		EndedAt:    time.Now().UTC(),
	}}
	repo.On("GetUserCallLogs", mock.Anything, userID, 10, 10).Return(logs, nil)
	repo.On("CountUserCallLogs", mock.Anything, userID).Return(int64(11), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/calls/history?page=2&limit=10", nil)
	w := httptest.NewRecorder()
	newRouter(repo, userID).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data struct {
			Page       int               `json:"page"`
			Total      int64             `json:"total"`
			TotalPages int               `json:"total_pages"`
			Data       []*domain.CallLog `json:"data"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Data.Page)
	assert.Equal(t, int64(11), body.Data.Total)
	assert.Equal(t, 2, body.Data.TotalPages)
	require.Len(t, body.Data.Data, 1)
	assert.Equal(t, logs[0].SessionID, body.Data.Data[0].SessionID)
	repo.AssertExpectations(t)
}

func TestGetHistory_BadPage(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/calls/history?page=abc", nil)
	w := httptest.NewRecorder()
	newRouter(new(MockRepository), uuid.New()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetHistory_RepositoryFailure(t *testing.T) {
	repo := new(MockRepository)
	userID := uuid.New()
	repo.On("GetUserCallLogs", mock.Anything, userID, 20, 0).Return(nil, fmt.Errorf("connection reset"))

	req := httptest.NewRequest(http.MethodGet, "/v1/calls/history", nil)
	w := httptest.NewRecorder()
	newRouter(repo, userID).ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
