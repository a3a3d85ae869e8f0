package sqliteadapter

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/stex/petra/adapter"
)

// withLock implements the three lock kinds on top of the locks table:
// acquiring is an INSERT, a unique-constraint failure means "held
// elsewhere", and suspend=true retries on a short poll interval since
// sqlite has no blocking wait primitive to hand us.
func (a *Adapter) withLock(ctx context.Context, kind adapter.LockKind, name string, suspend bool, fn adapter.LockedFunc) error {
	lockKey := kind.String() + ":" + name
	if adapter.Held(ctx, lockKey) {
		return fn(ctx)
	}

	for {
		acquired, err := a.tryAcquire(lockKey)
		if err != nil {
			return err
		}
		if acquired {
			break
		}
		if !suspend {
			return &adapter.LockError{Kind: kind, Name: name}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.pollInterval):
		}
	}

	defer a.release(lockKey)
	return fn(adapter.WithHeld(ctx, lockKey))
}

func (a *Adapter) tryAcquire(lockKey string) (bool, error) {
	conn, err := a.pool.getConn()
	if err != nil {
		return false, err
	}
	defer a.pool.putConn(conn)

	err = conn.Exec("INSERT INTO locks(name) VALUES (?)", lockKey)
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "sqliteadapter: acquire lock %s", lockKey)
}

func (a *Adapter) release(lockKey string) {
	conn, err := a.pool.getConn()
	if err != nil {
		return
	}
	defer a.pool.putConn(conn)
	_ = conn.Exec("DELETE FROM locks WHERE name = ?", lockKey)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "constraint")
}

// WithGlobalLock implements adapter.Adapter.
func (a *Adapter) WithGlobalLock(ctx context.Context, suspend bool, fn adapter.LockedFunc) error {
	return a.withLock(ctx, adapter.GlobalLock, "global", suspend, fn)
}

// WithTransactionLock implements adapter.Adapter.
func (a *Adapter) WithTransactionLock(ctx context.Context, tx string, suspend bool, fn adapter.LockedFunc) error {
	return a.withLock(ctx, adapter.TransactionLock, tx, suspend, fn)
}

// WithObjectLock implements adapter.Adapter.
func (a *Adapter) WithObjectLock(ctx context.Context, objectKey string, suspend bool, fn adapter.LockedFunc) error {
	return a.withLock(ctx, adapter.ObjectLock, objectKey, suspend, fn)
}
