package crm

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-memory Directory for tests and local runs.
type MemoryDirectory struct {
	mu        sync.RWMutex
	operators map[string]Operator
	contacts  map[string]Contact
	campaigns map[string]struct{}
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		operators: make(map[string]Operator),
		contacts:  make(map[string]Contact),
		campaigns: make(map[string]struct{}),
	}
}

func (d *MemoryDirectory) PutOperator(op Operator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.operators[op.ID] = op
}

func (d *MemoryDirectory) PutContact(c Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[c.ID] = c
}

func (d *MemoryDirectory) PutCampaign(campaignID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.campaigns[campaignID] = struct{}{}
}

func (d *MemoryDirectory) Operator(ctx context.Context, operatorID string) (Operator, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	op, ok := d.operators[operatorID]
	if !ok {
		return Operator{}, ErrNotFound
	}
	return op, nil
}

func (d *MemoryDirectory) Contact(ctx context.Context, contactID string) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[contactID]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (d *MemoryDirectory) CampaignExists(ctx context.Context, campaignID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.campaigns[campaignID]
	return ok, nil
}
