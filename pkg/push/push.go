package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"callsignal-backend/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Provider delivers a notification to a batch of device tokens
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
	// TTL bounds how long the provider may hold an undelivered notification.
	// Zero leaves the provider default.
	TTL time.Duration `json:"-"`
}

// IncomingCall describes a ring that could not be delivered over a live connection
type IncomingCall struct {
	SessionID uuid.UUID
	CallerID  uuid.UUID
	Kind      string
	Media     string
	Timestamp time.Time
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	Delete(ctx context.Context, tokenID uuid.UUID) error
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
	MarkInactive(ctx context.Context, tokenID uuid.UUID) error
	GetActiveTokensCount(ctx context.Context, userID uuid.UUID) (int, error)
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
	ringTTL  time.Duration
}

// NewService creates a new push notification service. ringTTL caps how long an
// incoming-call push may sit undelivered.
func NewService(provider Provider, repo TokenRepository, ringTTL time.Duration) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
		ringTTL:  ringTTL,
	}
}

// RegisterToken registers a new push notification token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil {
		existing.Active = true
		existing.UserID = token.UserID
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		*token = *existing
		return s.repo.Update(ctx, existing)
	}

	token.Active = true
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a token owned by userID
func (s *Service) UnregisterToken(ctx context.Context, userID, tokenID uuid.UUID) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if t.ID == tokenID {
			return s.repo.Delete(ctx, tokenID)
		}
	}
	return ErrTokenNotFound
}

// UnregisterAllTokens removes all tokens for a user
func (s *Service) UnregisterAllTokens(ctx context.Context, userID uuid.UUID) error {
	return s.repo.DeleteByUserID(ctx, userID)
}

// GetTokensByUserID retrieves all tokens for a user
func (s *Service) GetTokensByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// NotifyIncomingCall rings calleeID's devices
func (s *Service) NotifyIncomingCall(ctx context.Context, call *IncomingCall, calleeID uuid.UUID) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("Incoming %s call", call.Media),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		TTL:      s.ringTTL,
		Data: map[string]string{
			"type":       "call",
			"session_id": call.SessionID.String(),
			"caller_id":  call.CallerID.String(),
			"call_kind":  call.Kind,
			"call_media": call.Media,
			"timestamp":  fmt.Sprintf("%d", call.Timestamp.Unix()),
		},
	}

	return s.send(ctx, "incoming_call", notification, calleeID)
}

// NotifyMissedCall tells calleeID's devices that a ring was withdrawn
func (s *Service) NotifyMissedCall(ctx context.Context, sessionID, callerID, calleeID uuid.UUID) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     "You missed a call",
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":       "missed_call",
			"session_id": sessionID.String(),
			"caller_id":  callerID.String(),
		},
	}

	return s.send(ctx, "missed_call", notification, calleeID)
}

func (s *Service) send(ctx context.Context, kind string, notification *Notification, userIDs ...uuid.UUID) error {
	allTokens := s.activeTokens(ctx, userIDs)
	if len(allTokens) == 0 {
		logger.Debug("No active push tokens found",
			zap.String("notification_type", kind),
			zap.Int("user_count", len(userIDs)))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, allTokens)
	if err != nil {
		logger.Error("Failed to send push notification",
			zap.String("notification_type", kind),
			zap.Int("token_count", len(allTokens)),
			zap.Error(err))
		return fmt.Errorf("failed to send %s notification: %w", kind, err)
	}

	logger.Info("Push notification sent",
		zap.String("notification_type", kind),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}

	return nil
}

func (s *Service) activeTokens(ctx context.Context, userIDs []uuid.UUID) []string {
	var allTokens []string
	for _, userID := range userIDs {
		tokens, err := s.repo.GetByUserID(ctx, userID)
		if err != nil {
			logger.Warn("Failed to get push tokens for user",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}

		for _, token := range tokens {
			if token.Active {
				allTokens = append(allTokens, token.Token)
			}
		}
	}
	return allTokens
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		token, err := s.repo.GetByToken(ctx, tokenStr)
		if err == nil && token != nil {
			if err := s.repo.MarkInactive(ctx, token.ID); err != nil {
				logger.Warn("Failed to mark token as inactive",
					zap.String("token_id", token.ID.String()),
					zap.Error(err))
			}
		}
	}
}

// ErrTokenNotFound is returned when a token does not belong to the caller
var ErrTokenNotFound = fmt.Errorf("push token not found")

// MockProvider records notifications instead of sending them
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Sent returns the notifications recorded so far
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}
