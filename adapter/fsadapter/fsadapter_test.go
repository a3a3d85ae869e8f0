package fsadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stex/petra/adapter"
	"github.com/stex/petra/logentry"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := Open(t.TempDir())
	require.NoError(t, err)
	return a
}

func TestEnqueuePersistLoad(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	e1 := &logentry.LogEntry{Kind: logentry.AttributeRead, Savepoint: "tr1/1", SavepointVersion: 1, ObjectKey: "User/u1", AttributeKey: "User/u1/first", Value: "John", Index: 0}
	e2 := &logentry.LogEntry{Kind: logentry.AttributeChange, Savepoint: "tr1/1", SavepointVersion: 1, ObjectKey: "User/u1", AttributeKey: "User/u1/first", OldValue: "John", NewValue: "Foo", Index: 1}

	require.NoError(t, a.Enqueue(ctx, "tr1", e1))
	require.NoError(t, a.Enqueue(ctx, "tr1", e2))

	// double-enqueue of the same entry must fail
	err := a.Enqueue(ctx, "tr1", e1)
	require.Error(t, err)

	require.NoError(t, a.Persist(ctx, "tr1"))
	require.NotEmpty(t, e1.EntryIdentifier)
	require.NotEmpty(t, e2.EntryIdentifier)

	ids, err := a.TransactionIdentifiers(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"tr1"}, ids)

	sps, err := a.Savepoints(ctx, "tr1")
	require.NoError(t, err)
	require.Equal(t, []string{"tr1/1"}, sps)

	entries, err := a.LogEntries(ctx, "tr1", "tr1/1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "Foo", entries[1].NewValue)
}

func TestResetTransaction(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	e := &logentry.LogEntry{Kind: logentry.AttributeRead, Savepoint: "tr1/1", SavepointVersion: 1, Index: 0}
	require.NoError(t, a.Enqueue(ctx, "tr1", e))
	require.NoError(t, a.Persist(ctx, "tr1"))

	require.NoError(t, a.ResetTransaction(ctx, "tr1"))

	ids, err := a.TransactionIdentifiers(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestPersistEmptyQueueIsNoop(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	require.NoError(t, a.Persist(ctx, "tr1"))
}

func TestTransactionLockExclusiveNonSuspending(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = a.WithTransactionLock(ctx, "tr1", true, func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := a.WithTransactionLock(ctx, "tr1", false, func(ctx context.Context) error {
		t.Fatal("should not run: lock is held")
		return nil
	})
	require.Error(t, err)
	var lerr *adapter.LockError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, adapter.TransactionLock, lerr.Kind)

	close(release)
}

func TestLockReentrance(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	ran := false
	err := a.WithObjectLock(ctx, "User/u1", true, func(ctx context.Context) error {
		// nested request for the same lock, same call chain: must not deadlock.
		return a.WithObjectLock(ctx, "User/u1", true, func(ctx context.Context) error {
			ran = true
			return nil
		})
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestLockReleasedOnPanic(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	func() {
		defer func() { recover() }()
		_ = a.WithGlobalLock(ctx, true, func(ctx context.Context) error {
			panic("boom")
		})
	}()

	ran := false
	err := a.WithGlobalLock(ctx, false, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}
