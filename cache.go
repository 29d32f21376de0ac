package cat

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// TransactionCache is a bounded in-memory map from TransID to Transaction,
// loading on miss through the repository. The confirm/cancel/notice
// dispatch path on a provider node consults it to avoid a storage read
// while the context is still hot from the Try phase.
//
// The cache is advisory: an entry evicted or never admitted simply falls
// back to storage. Eviction is never a correctness signal.
type TransactionCache struct {
	repo    Repository
	entries *xsync.MapOf[string, *Transaction]
	max     int
}

// NewTransactionCache creates a cache bounded to max entries.
func NewTransactionCache(repo Repository, max int) *TransactionCache {
	if max <= 0 {
		max = defaultConfig().CacheMax
	}
	return &TransactionCache{
		repo:    repo,
		entries: xsync.NewMapOf[string, *Transaction](),
		max:     max,
	}
}

// Put admits a transaction. When the cache is full the entry is dropped;
// later reads go to storage instead.
func (c *TransactionCache) Put(tx *Transaction) {
	if tx == nil || tx.TransID == "" {
		return
	}
	if c.entries.Size() >= c.max {
		return
	}
	c.entries.Store(tx.TransID, tx)
}

// Get returns the cached transaction, loading it from the repository on a
// miss and admitting the loaded row.
func (c *TransactionCache) Get(ctx context.Context, transID string) (*Transaction, error) {
	if tx, ok := c.entries.Load(transID); ok {
		return tx, nil
	}
	tx, err := c.repo.FindByID(ctx, transID)
	if err != nil {
		return nil, err
	}
	c.Put(tx)
	return tx, nil
}

// Remove drops an entry once its transaction reached a terminal state.
func (c *TransactionCache) Remove(transID string) {
	if transID == "" {
		return
	}
	c.entries.Delete(transID)
}

// Len reports the current entry count.
func (c *TransactionCache) Len() int {
	return c.entries.Size()
}
