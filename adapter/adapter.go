// Package adapter defines the Persistence & Lock Adapter contract (spec
// component B): the durable store for log entries and savepoints, and the
// advisory global/transaction/object locks that make transactions survive
// across processes.
//
// Any type satisfying Adapter is acceptable (§4.B); this package only
// defines the contract plus the shared error types. Concrete adapters live
// in sibling packages (adapter/fsadapter, adapter/sqliteadapter).
package adapter

import (
	"context"
	"fmt"

	"github.com/stex/petra/logentry"
)

// LockKind names which of the three lock scopes (§4.B, §5) a LockError
// refers to.
type LockKind int

const (
	GlobalLock LockKind = iota
	TransactionLock
	ObjectLock
)

func (k LockKind) String() string {
	switch k {
	case GlobalLock:
		return "global"
	case TransactionLock:
		return "transaction"
	case ObjectLock:
		return "object"
	default:
		return "lock"
	}
}

// LockError is raised by a non-suspending lock acquisition that failed
// because the lock was already held elsewhere (§4.B, §7).
type LockError struct {
	Kind LockKind
	Name string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("adapter: %s lock %q: held by someone else", e.Kind, e.Name)
}

// PersistenceError reports an adapter contract violation, e.g. double
// enqueue of the same log entry (§4.B, §7).
type PersistenceError struct {
	Op      string
	Message string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("adapter: %s: %s", e.Op, e.Message)
}

// LockedFunc is run while the requested lock is held. The context it
// receives carries the fact that the lock is held, so a nested call asking
// for the same lock (from the same call chain) does not self-deadlock
// (§4.B "Re-entrance within the same execution context must not
// self-deadlock").
type LockedFunc func(ctx context.Context) error

// Adapter is the Persistence & Lock Adapter contract (§4.B).
type Adapter interface {
	// Enqueue adds entry to tx's pending (not yet persisted) queue.
	// It fails with *PersistenceError if entry was already enqueued.
	Enqueue(ctx context.Context, tx string, entry *logentry.LogEntry) error

	// Persist flushes tx's pending queue, tagging each entry with a
	// section-unique EntryIdentifier. The caller must already hold tx's
	// transaction lock. Persist is a no-op if the queue is empty.
	Persist(ctx context.Context, tx string) error

	// TransactionIdentifiers lists every transaction with at least one
	// persisted section.
	TransactionIdentifiers(ctx context.Context) ([]string, error)

	// Savepoints lists the savepoint names previously persisted for tx,
	// in version order. Must be called under tx's transaction lock.
	Savepoints(ctx context.Context, tx string) ([]string, error)

	// LogEntries returns the entries previously persisted for the given
	// savepoint of tx, in insertion order.
	LogEntries(ctx context.Context, tx, savepoint string) ([]*logentry.LogEntry, error)

	// ResetTransaction removes all persisted data for tx.
	ResetTransaction(ctx context.Context, tx string) error

	// WithGlobalLock, WithTransactionLock, WithObjectLock run fn while
	// holding the named advisory lock. If !suspend and the lock is
	// unavailable, they return *LockError without running fn. Release is
	// guaranteed on every exit path, including fn panicking.
	WithGlobalLock(ctx context.Context, suspend bool, fn LockedFunc) error
	WithTransactionLock(ctx context.Context, tx string, suspend bool, fn LockedFunc) error
	WithObjectLock(ctx context.Context, objectKey string, suspend bool, fn LockedFunc) error
}
