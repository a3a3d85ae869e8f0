package proxy

import (
	"context"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"github.com/stex/petra/adapter/fsadapter"
	"github.com/stex/petra/txn"
)

func TestNewAllocatesSequentialIDs(t *testing.T) {
	cache := newTestCache(t, t.TempDir())

	p1, err := cache.New("User")
	require.NoError(t, err)
	p2, err := cache.New("User")
	require.NoError(t, err)

	require.Equal(t, "new_00001", p1.ObjectID())
	require.Equal(t, "new_00002", p2.ObjectID())
	require.True(t, p1.New())
	require.True(t, cache.NewP(p1.ObjectKey()))
	require.False(t, cache.ExistingP(p1.ObjectKey()))
}

func TestCreatedInitializedReadFatefulQueries(t *testing.T) {
	dir := t.TempDir()
	ad, err := fsadapter.Open(dir)
	require.NoError(t, err)
	registry := newRegistry()
	caches := NewCaches(registry)
	mgr := txn.NewManager(registry, ad, caches, false)

	u := &testUser{id: "u1", first: "John"}

	err = mgr.WithTransaction(context.Background(), "t1", func(ctx context.Context) error {
		currentTx, _ := txn.Current(ctx)
		cache := caches.For(currentTx)

		classProxy := ClassWrap(cache, "User")
		newP, nerr := classProxy.New(ctx)
		require.NoError(t, nerr)

		existingP, werr := cache.Wrap("User", u)
		require.NoError(t, werr)

		_, rerr := existingP.Call(ctx, "First")
		require.NoError(t, rerr)
		_, serr := existingP.Call(ctx, "Save")
		require.NoError(t, serr)

		require.Contains(t, cache.Created(), newP.ObjectKey())
		require.Contains(t, cache.Read(), existingP.ObjectKey())

		// newP only has its initialization entry, which no persistence call
		// marked object-persisted, so it is not fateful.
		wantFateful := []string{existingP.ObjectKey()}
		if diff := pretty.Compare(wantFateful, cache.Fateful()); diff != "" {
			t.Fatalf("Fateful() mismatch:\n%s", diff)
		}

		require.True(t, cache.CreatedP(newP.ObjectKey()))
		require.False(t, cache.CreatedP(existingP.ObjectKey()))
		return nil
	})
	require.NoError(t, err)
}
