// Package calllog persists terminated sessions observed by the relay and
// serves a user's call history.
package calllog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
)

// Repository defines call log persistence
type Repository interface {
	Create(ctx context.Context, log *domain.CallLog) error
	GetUserCallLogs(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallLog, error)
	CountUserCallLogs(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Service records terminal events as call logs
type Service struct {
	repo    Repository
	metrics *metrics.Metrics
}

// NewService creates a new call log service
func NewService(repo Repository, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		metrics: m,
	}
}

// Record stores ev if it announces the end of a session. Other events are ignored.
func (s *Service) Record(ctx context.Context, ev *domain.Event) error {
	entry, ok := FromEvent(ev)
	if !ok {
		return nil
	}

	err := s.repo.Create(ctx, entry)
	s.metrics.RecordCallLogWrite(err)
	if err != nil {
		logger.Error("Failed to record call log",
			zap.String("session_id", entry.SessionID.String()),
			zap.Error(err))
		return errors.DatabaseError(err)
	}

	logger.Debug("Call log recorded",
		zap.String("session_id", entry.SessionID.String()),
		zap.String("outcome", string(entry.Outcome)))
	return nil
}

// History returns one page of userID's calls, newest first, and the total count
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallLog, int64, error) {
	logs, err := s.repo.GetUserCallLogs(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, errors.DatabaseError(err)
	}
	total, err := s.repo.CountUserCallLogs(ctx, userID)
	if err != nil {
		return nil, 0, errors.DatabaseError(err)
	}
	if logs == nil {
		logs = []*domain.CallLog{}
	}
	return logs, total, nil
}

// FromEvent builds the call log a terminal event describes. A session that
// never connected is cancelled regardless of which terminal event carried it.
func FromEvent(ev *domain.Event) (*domain.CallLog, bool) {
	if ev == nil || !ev.Type.IsTerminal() {
		return nil, false
	}
	if ev.SessionID == uuid.Nil || ev.From == uuid.Nil || ev.To == uuid.Nil {
		return nil, false
	}

	endedAt := ev.Timestamp
	if ev.EndedAt != nil {
		endedAt = *ev.EndedAt
	}
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}

	entry := &domain.CallLog{
		SessionID:  ev.SessionID,
		ReportedBy: ev.From,
		PeerID:     ev.To,
		Kind:       ev.Kind,
		Outcome:    domain.CallOutcomeCancelled,
		Reason:     ev.Reason,
		EndedAt:    endedAt,
	}
	if entry.Kind == "" {
		entry.Kind = domain.CallKindDirect
	}

	if ev.Type == domain.EventCallEnded && ev.StartedAt != nil {
		started := *ev.StartedAt
		entry.Outcome = domain.CallOutcomeEnded
		entry.StartedAt = &started
		if d := endedAt.Sub(started); d > 0 {
			entry.DurationSeconds = int(d.Seconds())
		}
	}

	return entry, true
}
