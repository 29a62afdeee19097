package calls

import (
	"context"
	"time"

	"callbridge/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Capacity caps concurrent calls per agent.
type Capacity interface {
	Acquire(ctx context.Context, agentID string, limit int) (bool, error)
	Release(ctx context.Context, agentID string) error
}

const (
	capacityKeyPrefix  = "callbridge:agent_calls:"
	defaultCapacityTTL = 2 * time.Hour
)

// RedisCapacity keeps one counter per agent in Redis so the cap holds across
// instances. The key TTL bounds slots leaked by a crashed process.
type RedisCapacity struct {
	Client *redis.Client
	TTL    time.Duration
}

func (c RedisCapacity) key(agentID string) string { return capacityKeyPrefix + agentID }

func (c RedisCapacity) Acquire(ctx context.Context, agentID string, limit int) (bool, error) {
	if c.Client == nil {
		return false, utils.ErrNilRedis
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = defaultCapacityTTL
	}
	return utils.AcquireConcurrencyCap(ctx, c.Client, c.key(agentID), limit, ttl)
}

func (c RedisCapacity) Release(ctx context.Context, agentID string) error {
	if c.Client == nil {
		return utils.ErrNilRedis
	}
	return utils.ReleaseConcurrencyCap(ctx, c.Client, c.key(agentID))
}
