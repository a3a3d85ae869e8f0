// Package proxy implements the Object Proxy and Proxy Cache (spec
// components G and H): the transactional wrapper routing method calls on a
// domain object through the active Transaction, and the per-transaction
// cache that keeps one proxy instance per object key alive for the life of
// the transaction.
//
// Go has no transparent runtime method interception, so unlike the source
// system a Proxy does not pretend to *be* the underlying object: callers go
// through Proxy.Call(ctx, method, args...) explicitly, the "boxed,
// dyn-dispatched adapter trait" approach spec.md §9 recommends over
// recovering source at runtime.
package proxy

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/stex/petra/internal/rcall"
	"github.com/stex/petra/logentry"
	"github.com/stex/petra/txn"
)

// Proxy wraps one domain object instance, routing attribute reads/changes,
// dynamic reads and persistence calls through the active transaction
// (§4.G).
type Proxy struct {
	cache      *Cache
	className  string
	objectID   string
	newObject  bool
	underlying interface{}

	// specialized, when set (§4.A use_specialized_proxy, SPEC_FULL.md §3),
	// is the class's own hand-written proxy object returned by its
	// NewProxy constructor; Call forwards to it directly instead of
	// running the generic classification dispatch below.
	specialized interface{}
}

// ClassName, ObjectID, New report the proxy's identity (§4.G "Object
// identity").
func (p *Proxy) ClassName() string { return p.className }
func (p *Proxy) ObjectID() string  { return p.objectID }
func (p *Proxy) New() bool         { return p.newObject }

// ObjectKey is the "<class_name>/<object_id>" key this proxy's log entries
// are filed under.
func (p *Proxy) ObjectKey() string { return logentry.ObjectKey(p.className, p.objectID) }

// Underlying returns the wrapped domain object, unwrapped.
func (p *Proxy) Underlying() interface{} { return p.underlying }

// Call resolves and executes method on the proxy (§4.G steps 1-4): builds
// the handler queue for method against the class configuration, and runs
// the first applicable handler, or falls back to forwarding if none apply.
func (p *Proxy) Call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	if p.specialized != nil {
		results, err := rcall.Call(p.specialized, method, args...)
		if err != nil {
			return nil, errors.Wrapf(err, "proxy: %s.%s", p.ObjectKey(), method)
		}
		if len(results) == 0 {
			return nil, nil
		}
		return results[0], nil
	}

	registry := p.cache.registry

	isWriter, err := registry.IsAttributeWriter(p.className, method)
	if err != nil {
		return nil, err
	}
	if isWriter {
		return p.attributeChangeHandler(ctx, method, firstArg(args))
	}

	isReader, err := registry.IsAttributeReader(p.className, method)
	if err != nil {
		return nil, err
	}
	if isReader {
		return p.attributeReadHandler(ctx, method)
	}

	isDynamic, err := registry.IsDynamicAttributeReader(p.className, method)
	if err != nil {
		return nil, err
	}
	if isDynamic {
		return p.dynamicAttributeReadHandler(ctx, method, args)
	}

	isPersist, err := registry.IsPersistenceMethod(p.className, method)
	if err != nil {
		return nil, err
	}
	if isPersist {
		return p.objectPersistenceHandler(ctx, method, args)
	}

	isDestruction, err := registry.IsDestructionMethod(p.className, method)
	if err != nil {
		return nil, err
	}
	if isDestruction {
		return p.objectDestructionHandler(ctx, method)
	}

	return p.fallback(ctx, method, args)
}

// attributeName strips a writer method's trailing "=" to get the logical
// attribute name the read/write sets are keyed on (§4.G
// attribute_change_handler "compute the attribute name").
func attributeName(method string) string {
	return strings.TrimSuffix(method, "=")
}

func (p *Proxy) attrKey(method string) string {
	return logentry.AttributeKey(p.className, p.objectID, attributeName(method))
}

// attributeReadHandler implements §4.G attribute_read_handler.
func (p *Proxy) attributeReadHandler(ctx context.Context, method string) (interface{}, error) {
	tx, ok := txn.Current(ctx)
	if !ok {
		return p.callUnderlying(ctx, method)
	}
	attrKey := p.attrKey(method)

	if tx.AttributeValueP(attrKey) {
		v, _ := tx.AttributeValue(attrKey)
		if err := tx.VerifyAttributeIntegrity(ctx, p.cache, p.ObjectKey(), attrKey, method, p.newObject, false); err != nil {
			return nil, err
		}
		return v, nil
	}
	if v, ok := tx.ReadAttributeValue(attrKey); ok {
		if err := tx.VerifyAttributeIntegrity(ctx, p.cache, p.ObjectKey(), attrKey, method, p.newObject, false); err != nil {
			return nil, err
		}
		return v, nil
	}

	v, err := p.callUnderlying(ctx, method)
	if err != nil {
		return nil, err
	}
	tx.LogAttributeRead(p.ObjectKey(), attrKey, p.newObject, v, method)
	return v, nil
}

// attributeChangeHandler implements §4.G attribute_change_handler.
func (p *Proxy) attributeChangeHandler(ctx context.Context, method string, newValue interface{}) (interface{}, error) {
	tx, ok := txn.Current(ctx)
	if !ok {
		return p.callUnderlying(ctx, method, newValue)
	}

	attrName := attributeName(method)
	readerMethod := readerMethodFor(attrName)
	attrKey := p.attrKey(readerMethod)

	var oldValue interface{}
	if rcall.HasMethod(p.underlying, readerMethod) {
		v, err := p.callUnderlying(ctx, readerMethod)
		if err != nil {
			return nil, err
		}
		oldValue = v
	}

	tx.LogAttributeChange(p.ObjectKey(), attrKey, p.newObject, oldValue, newValue, readerMethod, method)
	return newValue, nil
}

// readerMethodFor guesses the companion reader method name for a writer
// named "SetX"/"x=": callers that configure writer/reader pairs under
// different naming are expected to configure a specialized proxy instead
// (§4.A use_specialized_proxy).
func readerMethodFor(attrName string) string {
	if strings.HasSuffix(attrName, "=") {
		return strings.TrimSuffix(attrName, "=")
	}
	return strings.TrimPrefix(attrName, "Set")
}

// dynamicAttributeReadHandler implements §4.G dynamic_attribute_read_handler
// via the re-architecture spec.md §9 proposes: the host registers the
// method's body as a function taking the proxy, instead of the source
// system's runtime re-evaluation of the method body.
func (p *Proxy) dynamicAttributeReadHandler(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	fn, err := p.cache.registry.DynamicMethod(p.className, method)
	if err != nil {
		return nil, err
	}
	return fn(p, args...)
}

// objectPersistenceHandler implements §4.G object_persistence_handler.
func (p *Proxy) objectPersistenceHandler(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	tx, ok := txn.Current(ctx)
	if !ok {
		return p.callUnderlying(ctx, method, args...)
	}
	tx.LogObjectPersistence(p.ObjectKey(), method, args, p.newObject)
	return true, nil
}

// objectDestructionHandler implements §4.G object_destruction_handler: logs
// the destruction without calling the underlying method, same
// persistence-propagation as objectPersistenceHandler (§4.C
// log_object_destruction).
func (p *Proxy) objectDestructionHandler(ctx context.Context, method string) (interface{}, error) {
	tx, ok := txn.Current(ctx)
	if !ok {
		return p.callUnderlying(ctx, method)
	}
	tx.LogObjectDestruction(p.ObjectKey(), method, p.newObject)
	return true, nil
}

// fallback implements §4.G step 3: forward unconditionally, re-wrapping the
// result if its own class is configured for proxying.
func (p *Proxy) fallback(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	v, err := p.callUnderlying(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	return p.cache.rewrapIfConfigured(v), nil
}

func (p *Proxy) callUnderlying(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	results, err := rcall.Call(p.underlying, method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "proxy: %s.%s", p.ObjectKey(), method)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

func firstArg(args []interface{}) interface{} {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}
