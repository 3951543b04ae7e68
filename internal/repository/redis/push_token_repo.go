package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"callsignal-backend/internal/database"
	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/push"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PushTokenRepository handles push notification token storage in Redis.
//
// Keys:
//
//	push:token:{token}        token JSON
//	push:id:{id}              token value, so lookups by id need no SCAN
//	push:user:{userID}:tokens set of token values
type PushTokenRepository struct {
	client *database.RedisClient
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(token string) string      { return fmt.Sprintf("push:token:%s", token) }
func tokenIDKey(id uuid.UUID) string    { return fmt.Sprintf("push:id:%s", id) }
func userTokensKey(id uuid.UUID) string { return fmt.Sprintf("push:user:%s:tokens", id) }

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	if err := r.save(ctx, token); err != nil {
		return err
	}

	if err := r.client.SafeSet(ctx, tokenIDKey(token.ID), token.Token, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to index token: %w", err)
	}

	key := userTokensKey(token.UserID)
	if err := r.client.SafeSAdd(ctx, key, token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}

	if err := r.client.SafeExpire(ctx, key, constants.PushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens set",
			zap.String("user_id", token.UserID.String()),
			zap.Error(err))
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID.String()),
		zap.String("user_id", token.UserID.String()),
		zap.String("token_type", string(token.Type)))

	return nil
}

func (r *PushTokenRepository) save(ctx context.Context, token *push.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.client.SafeSet(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// GetByToken retrieves a token by its value. A missing token is (nil, nil).
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.client.SafeGet(ctx, tokenKey(tokenStr)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

func (r *PushTokenRepository) getByID(ctx context.Context, tokenID uuid.UUID) (*push.Token, error) {
	value, err := r.client.SafeGet(ctx, tokenIDKey(tokenID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve token id: %w", err)
	}
	return r.GetByToken(ctx, value)
}

// GetByUserID retrieves all tokens for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	tokens, err := r.client.SafeSMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, tokenStr := range tokens {
		token, err := r.GetByToken(ctx, tokenStr)
		if err != nil {
			logger.Warn("Failed to get token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		if token != nil {
			result = append(result, token)
		}
	}

	return result, nil
}

// Update updates an existing token
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	token.UpdatedAt = time.Now().Unix()
	if err := r.save(ctx, token); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}

	logger.Debug("Push token updated",
		zap.String("token_id", token.ID.String()),
		zap.String("user_id", token.UserID.String()))

	return nil
}

// Delete removes a token. Deleting an unknown token is not an error.
func (r *PushTokenRepository) Delete(ctx context.Context, tokenID uuid.UUID) error {
	token, err := r.getByID(ctx, tokenID)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}

	if err := r.client.SafeSRem(ctx, userTokensKey(token.UserID), token.Token).Err(); err != nil {
		logger.Warn("Failed to remove token from user set",
			zap.String("token_id", tokenID.String()),
			zap.Error(err))
	}

	if err := r.client.SafeDel(ctx, tokenKey(token.Token), tokenIDKey(tokenID)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	logger.Debug("Push token deleted",
		zap.String("token_id", tokenID.String()),
		zap.String("user_id", token.UserID.String()))
	return nil
}

// DeleteByUserID removes all tokens for a user
func (r *PushTokenRepository) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	tokens, err := r.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}

	for _, token := range tokens {
		if err := r.client.SafeDel(ctx, tokenKey(token.Token), tokenIDKey(token.ID)).Err(); err != nil {
			logger.Warn("Failed to delete token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	if err := r.client.SafeDel(ctx, userTokensKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete user tokens set: %w", err)
	}

	logger.Debug("All push tokens deleted for user",
		zap.String("user_id", userID.String()),
		zap.Int("count", len(tokens)))

	return nil
}

// MarkInactive marks a token as inactive
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenID uuid.UUID) error {
	token, err := r.getByID(ctx, tokenID)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}

	token.Active = false
	if err := r.Update(ctx, token); err != nil {
		return err
	}

	logger.Debug("Push token marked as inactive",
		zap.String("token_id", tokenID.String()),
		zap.String("user_id", token.UserID.String()))
	return nil
}

// GetActiveTokensCount returns the count of active tokens for a user
func (r *PushTokenRepository) GetActiveTokensCount(ctx context.Context, userID uuid.UUID) (int, error) {
	tokens, err := r.GetByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, token := range tokens {
		if token.Active {
			count++
		}
	}

	return count, nil
}
