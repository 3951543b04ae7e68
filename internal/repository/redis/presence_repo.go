package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"callsignal-backend/internal/database"
	"callsignal-backend/pkg/constants"
)

const onlineSetKey = "presence:online"

// PresenceRepository records which relay instance holds each user's connection
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

// SetUserOnline routes userID to instanceID until the TTL lapses
func (r *PresenceRepository) SetUserOnline(ctx context.Context, userID uuid.UUID, instanceID string) error {
	err := r.client.SafeSet(ctx, presenceKey(userID), instanceID, constants.PresenceTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}

	err = r.client.SafeSAdd(ctx, onlineSetKey, userID.String()).Err()
	if err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}

	return nil
}

// SetUserOffline clears the route for userID if instanceID still owns it.
// A user who already reconnected elsewhere keeps the newer route.
func (r *PresenceRepository) SetUserOffline(ctx context.Context, userID uuid.UUID, instanceID string) error {
	key := presenceKey(userID)

	owner, err := r.client.SafeGet(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read presence: %w", err)
	}
	if err == nil && owner != instanceID {
		return nil
	}

	if err := r.client.SafeDel(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}

	if err := r.client.SafeSRem(ctx, onlineSetKey, userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}

	return nil
}

// GetUserInstance returns the instance holding userID's connection, or "" if offline
func (r *PresenceRepository) GetUserInstance(ctx context.Context, userID uuid.UUID) (string, error) {
	instanceID, err := r.client.SafeGet(ctx, presenceKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get presence: %w", err)
	}
	return instanceID, nil
}

// RefreshPresence keeps user online (heartbeat)
func (r *PresenceRepository) RefreshPresence(ctx context.Context, userID uuid.UUID) error {
	err := r.client.SafeExpire(ctx, presenceKey(userID), constants.PresenceTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// GetOnlineCount returns number of online users
func (r *PresenceRepository) GetOnlineCount(ctx context.Context) (int64, error) {
	count, err := r.client.SafeSCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online users: %w", err)
	}
	return count, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
