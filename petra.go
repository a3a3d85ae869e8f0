package petra

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/stex/petra/adapter"
	"github.com/stex/petra/adapter/fsadapter"
	"github.com/stex/petra/config"
	"github.com/stex/petra/internal/plog"
	"github.com/stex/petra/proxy"
	"github.com/stex/petra/txn"
)

// Config bundles the global options §6 names: which persistence/lock
// adapter to use (or, absent one, a directory to open the reference
// file-based adapter against), and the instant-read-integrity-fail knob
// verify_attribute_integrity! step 2 checks.
type Config struct {
	// PersistenceAdapter, if set, is used as-is; StorageDirectory is then
	// ignored. Lets a caller plug in adapter/sqliteadapter or any other
	// adapter.Adapter.
	PersistenceAdapter adapter.Adapter

	// StorageDirectory is opened with the reference fsadapter when
	// PersistenceAdapter is nil.
	StorageDirectory string

	// LogLevel names the desired logging verbosity. Open does not read it:
	// internal/plog's output is governed by glog's own flags alone.
	LogLevel int

	// InstantReadIntegrityFail mirrors Transaction Manager's namesake
	// field: when true, verify_attribute_integrity! runs on every read,
	// not only at commit.
	InstantReadIntegrityFail bool
}

// Petra is a top-level engine handle: a class configurator, a persistence
// adapter, a transaction manager, and the proxy caches backing it - the
// constructor surface the distilled spec's "external interface" bullets
// leave implicit.
type Petra struct {
	registry *config.Registry
	adapter  adapter.Adapter
	caches   *proxy.Caches
	manager  *txn.Manager

	stats Stats
}

// Stats is a read-only introspection snapshot (SPEC_FULL.md §3), grounded
// on the teacher's IStorage exposing LastTid/LastOid as a similarly-shaped
// status query.
type Stats struct {
	ActiveTransactions    int64
	CompletedTransactions int64
	FailedTransactions    int64
	LockContentions       int64
}

// Open builds a Petra engine against cfg.
func Open(cfg Config) (*Petra, error) {
	ad := cfg.PersistenceAdapter
	if ad == nil {
		if cfg.StorageDirectory == "" {
			return nil, errors.New("petra: open: need PersistenceAdapter or StorageDirectory")
		}
		var err error
		ad, err = fsadapter.Open(cfg.StorageDirectory)
		if err != nil {
			return nil, errors.Wrap(err, "petra: open")
		}
	}

	registry := config.NewRegistry()
	caches := proxy.NewCaches(registry)
	manager := txn.NewManager(registry, ad, caches, cfg.InstantReadIntegrityFail)

	return &Petra{registry: registry, adapter: ad, caches: caches, manager: manager}, nil
}

// Configure registers className's configuration (§6 configure).
func (p *Petra) Configure(className string, cc config.ClassConfig) error {
	return p.registry.Configure(className, cc)
}

// Wrap returns a Proxy for underlying, an existing instance of className
// (§6 wrap). Must be called from inside a Transaction block.
func (p *Petra) Wrap(ctx context.Context, className string, underlying interface{}) (*proxy.Proxy, error) {
	tx, ok := txn.Current(ctx)
	if !ok {
		return nil, errors.New("petra: wrap: no active transaction on context")
	}
	return p.caches.For(tx).Wrap(className, underlying)
}

// ClassWrap returns a ClassProxy for className (§6 class_wrap), letting the
// caller create new instances or look up existing ones by id. Must be
// called from inside a Transaction block.
func (p *Petra) ClassWrap(ctx context.Context, className string) (*proxy.ClassProxy, error) {
	tx, ok := txn.Current(ctx)
	if !ok {
		return nil, errors.New("petra: class_wrap: no active transaction on context")
	}
	return proxy.ClassWrap(p.caches.For(tx), className), nil
}

// Transaction runs block against the named transaction, creating or
// resuming it, and returns the identifier used (generated if identifier
// was empty) per §6 "transaction(identifier?, block) — returns the
// transaction identifier".
//
// Call Commit (txn.Commit) from inside block to end it successfully;
// returning a plain error resets the transaction and propagates the error.
func (p *Petra) Transaction(ctx context.Context, identifier string, block func(ctx context.Context) error) (string, error) {
	if identifier == "" {
		identifier = txn.GenerateIdentifier()
	}

	atomic.AddInt64(&p.stats.ActiveTransactions, 1)
	defer atomic.AddInt64(&p.stats.ActiveTransactions, -1)

	err := p.manager.WithTransaction(ctx, identifier, block)
	if err != nil {
		var lockErr *adapter.LockError
		if errors.As(err, &lockErr) {
			atomic.AddInt64(&p.stats.LockContentions, 1)
		}
		atomic.AddInt64(&p.stats.FailedTransactions, 1)
		plog.Warningf(ctx, "transaction %s: %v", identifier, err)
	} else {
		atomic.AddInt64(&p.stats.CompletedTransactions, 1)
	}
	return identifier, err
}

// Stats returns a snapshot of the engine's running counters.
func (p *Petra) Stats() Stats {
	return Stats{
		ActiveTransactions:    atomic.LoadInt64(&p.stats.ActiveTransactions),
		CompletedTransactions: atomic.LoadInt64(&p.stats.CompletedTransactions),
		FailedTransactions:    atomic.LoadInt64(&p.stats.FailedTransactions),
		LockContentions:       atomic.LoadInt64(&p.stats.LockContentions),
	}
}
