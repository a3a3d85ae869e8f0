package proxy

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/stex/petra/config"
	"github.com/stex/petra/logentry"
	"github.com/stex/petra/txn"
)

// Cache is the Proxy Cache (§4.H): the per-transaction memo of object key
// to Proxy, plus the "new_NNNNN" id allocator and the first-appearance
// queries (created/initialized/destroyed/read/fateful) the transaction's
// commit and diagnostics code need.
//
// It also implements txn.ObjectAccess, since it is the only thing that
// knows how to turn an object_key back into a live underlying instance.
type Cache struct {
	registry *config.Registry
	tx       *txn.Transaction

	proxies map[string]*Proxy
	nextNew int
}

// NewCache creates a Proxy Cache bound to tx, resolving classes against
// registry.
func NewCache(registry *config.Registry, tx *txn.Transaction) *Cache {
	return &Cache{
		registry: registry,
		tx:       tx,
		proxies:  make(map[string]*Proxy),
	}
}

// Fetch returns the memoized proxy for objectKey, calling producer to build
// one the first time it is asked for (§4.H "A transaction's code must see
// the same proxy for a given key throughout its life").
func (c *Cache) Fetch(objectKey string, producer func() (*Proxy, error)) (*Proxy, error) {
	if p, ok := c.proxies[objectKey]; ok {
		return p, nil
	}
	p, err := producer()
	if err != nil {
		return nil, err
	}
	c.proxies[objectKey] = p
	return p, nil
}

// Wrap returns a proxy over an existing, already-identified object.
func (c *Cache) Wrap(className string, underlying interface{}) (*Proxy, error) {
	id, err := c.registry.IdentifierOf(className, underlying)
	if err != nil {
		return nil, err
	}
	objectKey := logentry.ObjectKey(className, id)
	return c.Fetch(objectKey, func() (*Proxy, error) {
		p := &Proxy{cache: c, className: className, objectID: id, underlying: underlying}
		if err := c.specialize(p); err != nil {
			return nil, err
		}
		return p, nil
	})
}

// New allocates a "new_NNNNN" id (§4.H next_id) and returns a proxy for a
// freshly-initialized object of className, via the class's configured
// init_method.
func (c *Cache) New(className string) (*Proxy, error) {
	underlying, err := c.registry.InitInstance(className)
	if err != nil {
		return nil, err
	}
	id := c.nextID()
	objectKey := logentry.ObjectKey(className, id)
	p := &Proxy{cache: c, className: className, objectID: id, newObject: true, underlying: underlying}
	if err := c.specialize(p); err != nil {
		return nil, err
	}
	c.proxies[objectKey] = p
	return p, nil
}

// specialize fills in p.specialized if className is configured with
// use_specialized_proxy (§4.A, SPEC_FULL.md §3): the class's own NewProxy
// constructor takes over dispatch for p entirely.
func (c *Cache) specialize(p *Proxy) error {
	resolved, err := c.registry.Resolve(p.className)
	if err != nil {
		return err
	}
	if resolved.UseSpecializedProxy && resolved.NewProxy != nil {
		p.specialized = resolved.NewProxy(resolved, p.underlying)
	}
	return nil
}

// nextID implements §4.H next_id.
func (c *Cache) nextID() string {
	c.nextNew++
	return logentry.NewObjectID(c.nextNew)
}

// rewrapIfConfigured re-wraps v in a proxy if v's runtime type is a class
// this cache's registry knows about and that class allows proxying; used by
// the fallback handler (§4.G step 3 "re-wraps the result if the returned
// object's configuration allows it").
func (c *Cache) rewrapIfConfigured(v interface{}) interface{} {
	named, ok := v.(ClassNamed)
	if !ok {
		return v
	}
	className := named.ProxyClassName()
	resolved, err := c.registry.Resolve(className)
	if err != nil || !resolved.ProxyInstances {
		return v
	}
	p, err := c.Wrap(className, v)
	if err != nil {
		return v
	}
	return p
}

// ClassNamed lets a domain object volunteer its own configured class name
// for the fallback re-wrap step, when it differs from its Go type name
// (which the engine otherwise has no way to map back to a configured
// class).
type ClassNamed interface {
	ProxyClassName() string
}

// Underlying implements txn.ObjectAccess: resolves objectKey back to the
// live instance behind whichever proxy currently holds it, looking it up
// fresh via the class's lookup_method if this process has not proxied it
// yet (e.g. after resuming a transaction in a new process).
func (c *Cache) Underlying(ctx context.Context, objectKey string) (interface{}, error) {
	if p, ok := c.proxies[objectKey]; ok {
		return p.underlying, nil
	}

	className, objectID, ok := logentry.SplitObjectKey(objectKey)
	if !ok {
		return nil, errors.Errorf("proxy: malformed object key %q", objectKey)
	}
	if logentry.IsNewObjectID(objectID) {
		return nil, errors.Errorf("proxy: new object %q has no underlying outside its own transaction", objectKey)
	}

	underlying, err := c.registry.LookupInstance(className, objectID)
	if err != nil {
		return nil, errors.Wrapf(err, "proxy: lookup %s", objectKey)
	}
	p := &Proxy{cache: c, className: className, objectID: objectID, underlying: underlying}
	c.proxies[objectKey] = p
	return underlying, nil
}

// firstAppearance walks every log entry in insertion order across the whole
// transaction and returns the object keys satisfying match, each exactly
// once, in the order they first appeared (§4.H "in order of first
// appearance").
func (c *Cache) firstAppearance(match func(*logentry.LogEntry) bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range c.tx.AllEntries() {
		if !match(e) || seen[e.ObjectKey] {
			continue
		}
		seen[e.ObjectKey] = true
		out = append(out, e.ObjectKey)
	}
	return out
}

// Created returns every object key with an object_initialization entry.
func (c *Cache) Created() []string {
	return c.firstAppearance(func(e *logentry.LogEntry) bool { return e.Kind == logentry.ObjectInitialization })
}

// Initialized returns every object key with at least one log entry that is
// not itself the initialization entry (i.e. something happened to it
// beyond being born).
func (c *Cache) Initialized() []string {
	return c.firstAppearance(func(e *logentry.LogEntry) bool { return e.Kind != logentry.ObjectInitialization })
}

// InitializedOrCreated is the union of Initialized and Created, still in
// first-appearance order.
func (c *Cache) InitializedOrCreated() []string {
	return c.firstAppearance(func(*logentry.LogEntry) bool { return true })
}

// Destroyed returns every object key with an object_destruction entry.
func (c *Cache) Destroyed() []string {
	return c.firstAppearance(func(e *logentry.LogEntry) bool { return e.Kind == logentry.ObjectDestruction })
}

// Read returns every object key with an attribute_read entry.
func (c *Cache) Read() []string {
	return c.firstAppearance(func(e *logentry.LogEntry) bool { return e.Kind == logentry.AttributeRead })
}

// Fateful returns every object_persisted object key, sorted (§4.E commit
// step 2 sorts fateful keys; §4.H documents the query itself as
// first-appearance order, but callers that need the commit-lock order
// should prefer Transaction's own sorted fateful-key helper - this is kept
// ordered for diagnostics/introspection use).
func (c *Cache) Fateful() []string {
	keys := c.firstAppearance(func(e *logentry.LogEntry) bool { return e.ObjectPersisted })
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return sorted
}

// NewP reports whether objectKey was born in this transaction (§4.H new?).
func (c *Cache) NewP(objectKey string) bool {
	_, objectID, ok := logentry.SplitObjectKey(objectKey)
	return ok && logentry.IsNewObjectID(objectID)
}

// ExistingP is the complement of NewP (§4.H existing?).
func (c *Cache) ExistingP(objectKey string) bool {
	return !c.NewP(objectKey)
}

// CreatedP reports whether objectKey has an object_initialization entry
// (§4.H created?).
func (c *Cache) CreatedP(objectKey string) bool {
	for _, k := range c.Created() {
		if k == objectKey {
			return true
		}
	}
	return false
}
