package calllog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/errors"
)

// MockRepository is a mock implementation of Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, log *domain.CallLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
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

func TestRecord_EndedCall(t *testing.T) {
	repo := new(MockRepository)
	service := NewService(repo, nil)

	started := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	ended := started.Add(95 * time.Second)
	ev := domain.NewEvent(domain.EventCallEnded, uuid.New(), uuid.New(), uuid.New())
	ev.Kind = domain.CallKindDirect
	ev.Reason = domain.EndReasonHangup
	ev.StartedAt = &started
	ev.EndedAt = &ended

	repo.On("Create", mock.Anything, mock.MatchedBy(func(l *domain.CallLog) bool {
		return l.SessionID == ev.SessionID &&
			l.ReportedBy == ev.From &&
			l.PeerID == ev.To &&
			l.Outcome == domain.CallOutcomeEnded &&
			l.DurationSeconds == 95
	})).Return(nil)

	require.NoError(t, service.Record(context.Background(), ev))
	repo.AssertExpectations(t)
}

func TestRecord_NeverConnectedIsCancelled(t *testing.T) {
	repo := new(MockRepository)
	service := NewService(repo, nil)

	ev := domain.NewEvent(domain.EventCallEnded, uuid.New(), uuid.New(), uuid.New())
	ev.Reason = domain.EndReasonHangup

	repo.On("Create", mock.Anything, mock.MatchedBy(func(l *domain.CallLog) bool {
		return l.Outcome == domain.CallOutcomeCancelled && l.StartedAt == nil && l.DurationSeconds == 0
	})).Return(nil)

	require.NoError(t, service.Record(context.Background(), ev))
	repo.AssertExpectations(t)
}

func TestRecord_IgnoresNonTerminal(t *testing.T) {
	repo := new(MockRepository)
	service := NewService(repo, nil)

	ev := domain.NewEvent(domain.EventNegotiationOffer, uuid.New(), uuid.New(), uuid.New())
	require.NoError(t, service.Record(context.Background(), ev))
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestRecord_RepositoryError(t *testing.T) {
	repo := new(MockRepository)
	service := NewService(repo, nil)

	ev := domain.NewEvent(domain.EventCallRejected, uuid.New(), uuid.New(), uuid.New())
	repo.On("Create", mock.Anything, mock.Anything).Return(fmt.Errorf("connection refused"))

	err := service.Record(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDatabase))
}

func TestHistory(t *testing.T) {
	repo := new(MockRepository)
	service := NewService(repo, nil)
	userID := uuid.New()

	logs := []*domain.CallLog{{SessionID: uuid.New()}}
	repo.On("GetUserCallLogs", mock.Anything, userID, 20, 0).Return(logs, nil)
	repo.On("CountUserCallLogs", mock.Anything, userID).Return(int64(1), nil)

	got, total, err := service.History(context.Background(), userID, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, got, 1)
}

func TestHistory_Empty(t *testing.T) {
	repo := new(MockRepository)
	service := NewService(repo, nil)
	userID := uuid.New()

	repo.On("GetUserCallLogs", mock.Anything, userID, 10, 10).Return(nil, nil)
	repo.On("CountUserCallLogs", mock.Anything, userID).Return(int64(0), nil)

	got, _, err := service.History(context.Background(), userID, 10, 10)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestFromEvent_MissingAddressing(t *testing.T) {
	ev := domain.NewEvent(domain.EventCallCancelled, uuid.New(), uuid.New(), uuid.Nil)
	_, ok := FromEvent(ev)
	assert.False(t, ok)
}
