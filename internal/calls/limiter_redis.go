package calls

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"crm-voice/pkg/utils"
)

// RedisLimiter enforces the one-live-call-per-operator cap across processes
// using the atomic acquire/release scripts in pkg/utils. The TTL bounds slot
// leakage if a process dies between acquire and release; a stuck operator
// frees up after slotTTL at worst.
type RedisLimiter struct {
	rdb     *redis.Client
	slotTTL time.Duration
}

func NewRedisLimiter(rdb *redis.Client, slotTTL time.Duration) *RedisLimiter {
	if slotTTL <= 0 {
		slotTTL = 2 * time.Hour
	}
	return &RedisLimiter{rdb: rdb, slotTTL: slotTTL}
}

func (l *RedisLimiter) Acquire(ctx context.Context, operatorID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, operatorSlotKey(operatorID), 1, l.slotTTL)
}

func (l *RedisLimiter) Release(ctx context.Context, operatorID string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, operatorSlotKey(operatorID))
}

func operatorSlotKey(operatorID string) string {
	return "calls:operator_slot:" + operatorID
}
