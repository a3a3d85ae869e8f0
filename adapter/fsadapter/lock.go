package fsadapter

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/stex/petra/adapter"
)

// lockFile is one currently-held OS advisory lock, kept open for the
// duration of the hold so flock's "released when the fd closes" semantics
// work in our favour.
type lockFile struct {
	f *os.File
}

func (a *Adapter) lockPath(name string) string {
	return filepath.Join(a.dir, "locks", sanitize(name)+".lock")
}

// acquire takes the named advisory lock, blocking if suspend, else failing
// fast with *adapter.LockError.
func (a *Adapter) acquire(kind adapter.LockKind, name string, suspend bool) (*lockFile, error) {
	path := a.lockPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "fsadapter: open lock %s", name)
	}

	how := unix.LOCK_EX
	if !suspend {
		how |= unix.LOCK_NB
	}

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		if !suspend && errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &adapter.LockError{Kind: kind, Name: name}
		}
		return nil, errors.Wrapf(err, "fsadapter: flock %s", name)
	}

	return &lockFile{f: f}, nil
}

func (l *lockFile) release() error {
	defer l.f.Close()
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

// withLock is the re-entrant, guaranteed-release lock helper shared by the
// three With*Lock methods (§4.B, §5, §9 "Ordered locking").
func (a *Adapter) withLock(ctx context.Context, kind adapter.LockKind, name string, suspend bool, fn adapter.LockedFunc) error {
	lockKey := kind.String() + ":" + name
	if adapter.Held(ctx, lockKey) {
		return fn(ctx)
	}

	lf, err := a.acquire(kind, lockKey, suspend)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.locks[lockKey] = lf
	a.mu.Unlock()

	var releaseOnce sync.Once
	release := func() error {
		var rerr error
		releaseOnce.Do(func() {
			a.mu.Lock()
			delete(a.locks, lockKey)
			a.mu.Unlock()
			rerr = lf.release()
		})
		return rerr
	}
	defer release()

	return fn(adapter.WithHeld(ctx, lockKey))
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
