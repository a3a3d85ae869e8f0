package proxy

import (
	"context"

	"github.com/stex/petra/txn"
)

// ClassProxy is the class-level counterpart to Proxy: the handle returned
// by class_wrap(class) (§6), letting application code create new instances
// of className or look up existing ones without going through the
// instance-level Wrap path first.
type ClassProxy struct {
	cache     *Cache
	className string
}

// ClassWrap returns a ClassProxy for className, bound to the same cache
// (and so the same transaction) as cache itself.
func ClassWrap(cache *Cache, className string) *ClassProxy {
	return &ClassProxy{cache: cache, className: className}
}

// New creates and proxies a fresh instance of the class (§4.G "Object
// identity": object_id = new_NNNNN, assigned lazily by the Proxy Cache),
// then logs its object_initialization entry.
func (cp *ClassProxy) New(ctx context.Context) (*Proxy, error) {
	p, err := cp.cache.New(cp.className)
	if err != nil {
		return nil, err
	}
	if tx, ok := txn.Current(ctx); ok {
		tx.LogObjectInitialization(p.ObjectKey(), "new")
	}
	return p, nil
}

// Lookup retrieves and proxies the existing instance identified by id via
// the class's configured lookup_method.
func (cp *ClassProxy) Lookup(id string) (*Proxy, error) {
	underlying, err := cp.cache.registry.LookupInstance(cp.className, id)
	if err != nil {
		return nil, err
	}
	return cp.cache.Wrap(cp.className, underlying)
}
