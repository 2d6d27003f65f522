package installs

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory Repository for tests.
type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]Installation
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: make(map[string]Installation)}
}

func (r *MemoryRepo) FindByInstallationID(ctx context.Context, installationID string) (Installation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.rows[installationID]
	if !ok {
		return Installation{}, ErrNotFound
	}
	return inst, nil
}

func (r *MemoryRepo) Insert(ctx context.Context, inst Installation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[inst.InstallationID]; ok {
		return ErrInvalidArgument
	}
	r.rows[inst.InstallationID] = inst
	return nil
}

func (r *MemoryRepo) Update(ctx context.Context, inst Installation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[inst.InstallationID]; !ok {
		return ErrNotFound
	}
	r.rows[inst.InstallationID] = inst
	return nil
}
