// Package history maintains a durable, deduplicated mirror of the account's
// deal and order history and reconciles incremental records into it.
package history

import (
	"context"
	"sync"

	"github.com/quantgate/termsync/internal/schema"
)

// Storage persists a full history snapshot per account. Flush replaces the
// stored snapshot atomically; Load returns whatever was last flushed.
type Storage interface {
	Load(ctx context.Context, accountID string) ([]*schema.Deal, []*schema.HistoryOrder, error)
	Flush(ctx context.Context, accountID string, deals []*schema.Deal, orders []*schema.HistoryOrder) error
	Clear(ctx context.Context, accountID string) error
}

// MemoryStorage keeps history snapshots in process memory. It backs tests
// and deployments that do not need durability across restarts.
type MemoryStorage struct {
	mu     sync.RWMutex
	deals  map[string][]*schema.Deal
	orders map[string][]*schema.HistoryOrder
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage constructs an empty in-memory history store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		deals:  make(map[string][]*schema.Deal),
		orders: make(map[string][]*schema.HistoryOrder),
	}
}

func (m *MemoryStorage) Load(_ context.Context, accountID string) ([]*schema.Deal, []*schema.HistoryOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deals := make([]*schema.Deal, len(m.deals[accountID]))
	copy(deals, m.deals[accountID])
	orders := make([]*schema.HistoryOrder, len(m.orders[accountID]))
	copy(orders, m.orders[accountID])
	return deals, orders, nil
}

func (m *MemoryStorage) Flush(_ context.Context, accountID string, deals []*schema.Deal, orders []*schema.HistoryOrder) error {
	dealsCopy := make([]*schema.Deal, len(deals))
	copy(dealsCopy, deals)
	ordersCopy := make([]*schema.HistoryOrder, len(orders))
	copy(ordersCopy, orders)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deals[accountID] = dealsCopy
	m.orders[accountID] = ordersCopy
	return nil
}

func (m *MemoryStorage) Clear(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deals, accountID)
	delete(m.orders, accountID)
	return nil
}
