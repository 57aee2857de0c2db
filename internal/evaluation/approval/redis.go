package approval

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"evalbus/internal/evaluation/models"
)

// Redis key prefix for the approved subscriber set of one format.
const approvedKeyPrefix = "evalbus:approved:"

// RedisApprover keeps one redis set of approved subscriber ids per format,
// shared by every publisher instance.
type RedisApprover struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *RedisApprover {
	return &RedisApprover{client: client}
}

func approvedKey(format models.Format) string {
	return approvedKeyPrefix + string(format)
}

func (a *RedisApprover) Approve(ctx context.Context, format models.Format, subscriberID string) (bool, error) {
	if subscriberID == "" {
		return false, nil
	}
	ok, err := a.client.SIsMember(ctx, approvedKey(format), subscriberID).Result()
	if err != nil {
		return false, fmt.Errorf("check approval: %w", err)
	}
	return ok, nil
}

// Grant adds subscriberIDs to the approved set of format.
func (a *RedisApprover) Grant(ctx context.Context, format models.Format, subscriberIDs ...string) error {
	if len(subscriberIDs) == 0 {
		return nil
	}
	members := make([]any, len(subscriberIDs))
	for i, id := range subscriberIDs {
		members[i] = id
	}
	if err := a.client.SAdd(ctx, approvedKey(format), members...).Err(); err != nil {
		return fmt.Errorf("grant approval: %w", err)
	}
	return nil
}

// Revoke removes subscriberID from the approved set of format.
func (a *RedisApprover) Revoke(ctx context.Context, format models.Format, subscriberID string) error {
	if err := a.client.SRem(ctx, approvedKey(format), subscriberID).Err(); err != nil {
		return fmt.Errorf("revoke approval: %w", err)
	}
	return nil
}
