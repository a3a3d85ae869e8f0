package proxy

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/stex/petra/config"
	"github.com/stex/petra/txn"
)

// Caches is the process-wide home for one Cache per live transaction
// identifier, mirroring the Manager's own "live transaction" map
// (txn.Manager.live): a txn.Manager is constructed once and handed a
// single txn.ObjectAccess, but each transaction needs its own Proxy Cache,
// so Caches multiplexes between them by transaction identifier and
// implements txn.ObjectAccess itself.
type Caches struct {
	registry *config.Registry

	mu   sync.Mutex
	byID map[string]*Cache
}

// NewCaches creates an empty Cache multiplexer resolving classes against
// registry.
func NewCaches(registry *config.Registry) *Caches {
	return &Caches{registry: registry, byID: make(map[string]*Cache)}
}

// For returns the Cache for tx, creating one if this is the first time tx's
// identifier is seen, or rebuilding it if tx is a different *Transaction
// instance than the one the existing cache was built for (i.e. the
// transaction was reloaded after a Reset/Retry).
func (c *Caches) For(tx *txn.Transaction) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cache, ok := c.byID[tx.Identifier]; ok && cache.tx == tx {
		return cache
	}
	cache := NewCache(c.registry, tx)
	c.byID[tx.Identifier] = cache
	return cache
}

// Evict drops the cache for identifier, called alongside txn.Manager's own
// live-transaction eviction on commit/reset so a later reuse of the same
// identifier starts with a clean cache.
func (c *Caches) Evict(identifier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, identifier)
}

// Underlying implements txn.ObjectAccess by routing to the calling
// context's active transaction's own Cache.
func (c *Caches) Underlying(ctx context.Context, objectKey string) (interface{}, error) {
	tx, ok := txn.Current(ctx)
	if !ok {
		return nil, errors.New("proxy: no active transaction on context")
	}
	return c.For(tx).Underlying(ctx, objectKey)
}
