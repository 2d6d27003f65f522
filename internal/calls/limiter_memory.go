package calls

import (
	"context"
	"sync"
)

// MemoryLimiter is a process-local OperatorLimiter for tests and single-node
// runs. Production deployments use the redis-backed limiter so the cap holds
// across API instances.
type MemoryLimiter struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{held: make(map[string]struct{})}
}

func (l *MemoryLimiter) Acquire(ctx context.Context, operatorID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[operatorID]; ok {
		return false, nil
	}
	l.held[operatorID] = struct{}{}
	return true, nil
}

func (l *MemoryLimiter) Release(ctx context.Context, operatorID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, operatorID)
	return nil
}
