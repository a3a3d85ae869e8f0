package txn

import (
	"context"
	"sync"

	"github.com/stex/petra/adapter"
	"github.com/stex/petra/config"
	"github.com/stex/petra/internal/plog"
	"github.com/stex/petra/internal/task"
)

type ctxKey struct{}

// Manager is the Transaction Manager (§4.F): resumes or creates named
// transactions and runs a block against them, reacting to the
// control-flow signals a block may raise.
//
// The source system keeps one Manager per thread via a within-instance
// singleton; Go has no implicit thread-local storage, so Petra threads the
// active transaction through context.Context instead and a Manager is just
// an ordinary value callers share explicitly.
type Manager struct {
	Registry *config.Registry
	Adapter  adapter.Adapter
	Access   ObjectAccess

	// InstantReadIntegrityFail mirrors the "instant-fail" configuration
	// knob that verify_attribute_integrity! step 2 checks.
	InstantReadIntegrityFail bool

	// live holds the in-process Transaction for every identifier with
	// uncommitted work, so that Rollback/Retry/AbortTransaction - which
	// leave the transaction open rather than terminating it - resume the
	// same in-memory sections rather than only what already made it to
	// the adapter. Evicted on Commit and Reset, at which point the next
	// use of the identifier reloads from the adapter (§3 "resumable
	// across process restarts").
	mu   sync.Mutex
	live map[string]*Transaction
}

// NewManager builds a Manager. access resolves proxied object keys back to
// their live underlying instances; it is normally a proxy cache.
func NewManager(registry *config.Registry, ad adapter.Adapter, access ObjectAccess, instantReadIntegrityFail bool) *Manager {
	return &Manager{
		Registry: registry, Adapter: ad, Access: access, InstantReadIntegrityFail: instantReadIntegrityFail,
		live: make(map[string]*Transaction),
	}
}

func (m *Manager) getLive(identifier string) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.live[identifier]
	return tx, ok
}

func (m *Manager) putLive(identifier string, tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[identifier] = tx
}

func (m *Manager) evictLive(identifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, identifier)
}

// Evictor is an optional capability an ObjectAccess implementation may
// satisfy to be told when a transaction identifier's cached state should be
// dropped, mirroring Manager's own live-transaction eviction. Kept here
// rather than on ObjectAccess itself since most implementations (tests'
// fakeAccess included) have nothing to evict.
type Evictor interface {
	Evict(identifier string)
}

func (m *Manager) evictAccess(identifier string) {
	if ev, ok := m.Access.(Evictor); ok {
		ev.Evict(identifier)
	}
}

// Current returns the innermost transaction active on ctx, if any.
func Current(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(ctxKey{}).(*Transaction)
	return tx, ok
}

func withCurrent(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}

// WithTransaction implements with_transaction (§4.F): resumes or creates
// the named transaction (generating an identifier if empty), runs block
// with it pushed onto ctx, and reacts to whatever control-flow signal - if
// any - the block raises.
//
// A thread nests transactions only by stacking (§5): calling
// WithTransaction again from inside block, with a different identifier,
// simply pushes another entry onto ctx; Current always resolves to the
// innermost one.
func (m *Manager) WithTransaction(ctx context.Context, identifier string, block func(ctx context.Context) error) error {
	if identifier == "" {
		identifier = GenerateIdentifier()
	}
	ctx = task.Runningf(ctx, "transaction %s", identifier)

	for {
		tx, ok := m.getLive(identifier)
		if !ok {
			err := m.Adapter.WithTransactionLock(ctx, identifier, true, func(ctx context.Context) error {
				var lerr error
				tx, lerr = Load(ctx, identifier, m.Registry, m.Adapter, m.InstantReadIntegrityFail)
				return lerr
			})
			if err != nil {
				return err
			}
			m.putLive(identifier, tx)
		}
		tx.EnsureFreshSection()

		sig, blockErr := m.runBlock(withCurrent(ctx, tx), tx, block)

		if sig != nil {
			switch sig.kind {
			case sigRollback:
				return tx.Rollback()
			case sigReset:
				defer m.evictLive(identifier)
				defer m.evictAccess(identifier)
				return tx.Reset(ctx)
			case sigRetry:
				if err := tx.Rollback(); err != nil {
					return err
				}
				continue
			case sigCommit:
				defer m.evictLive(identifier)
				defer m.evictAccess(identifier)
				return tx.Commit(withCurrent(ctx, tx), m.Access)
			case sigAbort:
				return nil
			}
		}

		if blockErr != nil {
			if resetErr := tx.Reset(ctx); resetErr != nil {
				plog.Warningf(ctx, "reset after error failed: %v", resetErr)
			}
			m.evictLive(identifier)
			m.evictAccess(identifier)
			return blockErr
		}

		if !tx.Committed() {
			if err := tx.Persist(ctx); err != nil {
				plog.Warningf(ctx, "persist failed, rolling back: %v", err)
				if rbErr := tx.Rollback(); rbErr != nil {
					plog.Warningf(ctx, "rollback after failed persist also failed: %v", rbErr)
				}
				return err
			}
		}
		return nil
	}
}

// runBlock runs block, turning a raised control-flow signal into a
// returned *signal instead of letting it escape as a panic. Any other
// panic is left to propagate.
func (m *Manager) runBlock(ctx context.Context, tx *Transaction, block func(context.Context) error) (sig *signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			if s, ok := asSignal(r); ok {
				sig = &s
				return
			}
			panic(r)
		}
	}()
	err = block(ctx)
	return nil, err
}
