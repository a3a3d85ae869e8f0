package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stex/petra/adapter/fsadapter"
	"github.com/stex/petra/config"
	"github.com/stex/petra/txn"
)

type testUser struct {
	id        string
	first     string
	last      string
	saved     int
	destroyed int
}

func (u *testUser) ID() string        { return u.id }
func (u *testUser) First() string     { return u.first }
func (u *testUser) SetFirst(v string) { u.first = v }
func (u *testUser) Last() string      { return u.last }
func (u *testUser) SetLast(v string)  { u.last = v }
func (u *testUser) Save() error       { u.saved++; return nil }
func (u *testUser) Destroy() error    { u.destroyed++; return nil }

func newRegistry() *config.Registry {
	r := config.NewRegistry()
	_ = r.Configure("User", config.ClassConfig{
		ID:                func(obj interface{}) (string, error) { return obj.(*testUser).ID(), nil },
		Lookup:            func(string) (interface{}, error) { return nil, nil },
		Init:              func() (interface{}, error) { return &testUser{}, nil },
		AttributeReader:   config.Named("First", "Last"),
		AttributeWriter:   config.Named("SetFirst", "SetLast"),
		PersistenceMethod: config.Named("Save"),
		DestructionMethod: config.Named("Destroy"),
		ProxyInstances:    true,
	})
	return r
}

func newTestCache(t *testing.T, dir string) *Cache {
	ad, err := fsadapter.Open(dir)
	require.NoError(t, err)
	registry := newRegistry()
	tx, err := txn.Load(context.Background(), "t1", registry, ad, false)
	require.NoError(t, err)
	return NewCache(registry, tx)
}

func TestWrapMemoizesSameProxyForSameKey(t *testing.T) {
	cache := newTestCache(t, t.TempDir())

	u := &testUser{id: "u1", first: "John"}
	p1, err := cache.Wrap("User", u)
	require.NoError(t, err)
	p2, err := cache.Wrap("User", u)
	require.NoError(t, err)
	require.Same(t, p1, p2)
}

func TestAttributeWriteThenReadRoutesThroughTransaction(t *testing.T) {
	dir := t.TempDir()
	ad, err := fsadapter.Open(dir)
	require.NoError(t, err)
	registry := newRegistry()
	caches := NewCaches(registry)
	mgr := txn.NewManager(registry, ad, caches, false)

	u := &testUser{id: "u1", first: "John"}

	err = mgr.WithTransaction(context.Background(), "t1", func(ctx context.Context) error {
		tx, _ := txn.Current(ctx)
		p, err := caches.For(tx).Wrap("User", u)
		require.NoError(t, err)

		_, err = p.Call(ctx, "SetFirst", "Foo")
		require.NoError(t, err)

		v, err := p.Call(ctx, "First")
		require.NoError(t, err)
		require.Equal(t, "Foo", v)
		return nil
	})
	require.NoError(t, err)

	// the underlying object itself was never touched: the change only
	// lives in the transaction's write set until commit.
	require.Equal(t, "John", u.first)
}

func TestObjectPersistenceHandlerLogsWithoutCallingUnderlying(t *testing.T) {
	dir := t.TempDir()
	ad, err := fsadapter.Open(dir)
	require.NoError(t, err)
	registry := newRegistry()
	caches := NewCaches(registry)
	mgr := txn.NewManager(registry, ad, caches, false)

	u := &testUser{id: "u1", first: "John"}

	err = mgr.WithTransaction(context.Background(), "t1", func(ctx context.Context) error {
		tx, _ := txn.Current(ctx)
		p, err := caches.For(tx).Wrap("User", u)
		require.NoError(t, err)

		_, err = p.Call(ctx, "SetFirst", "Foo")
		require.NoError(t, err)
		_, err = p.Call(ctx, "Save")
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	// Save is a persistence method: the handler logs it, it never calls
	// the underlying Save directly (that only happens at commit apply).
	require.Equal(t, 0, u.saved)
}

// specializedUserProxy is a hand-written stand-in for the generic
// classification dispatch, configured via use_specialized_proxy.
type specializedUserProxy struct {
	underlying *testUser
	reads      int
}

func (s *specializedUserProxy) First() string {
	s.reads++
	return s.underlying.First()
}

func newSpecializedRegistry() *config.Registry {
	r := config.NewRegistry()
	_ = r.Configure("SpecialUser", config.ClassConfig{
		ID:                  func(obj interface{}) (string, error) { return obj.(*testUser).ID(), nil },
		Lookup:              func(string) (interface{}, error) { return nil, nil },
		Init:                func() (interface{}, error) { return &testUser{}, nil },
		ProxyInstances:      true,
		UseSpecializedProxy: true,
		NewProxy: func(_ *config.Resolved, underlying interface{}) interface{} {
			return &specializedUserProxy{underlying: underlying.(*testUser)}
		},
	})
	return r
}

func TestSpecializedProxyBypassesGenericDispatch(t *testing.T) {
	dir := t.TempDir()
	ad, err := fsadapter.Open(dir)
	require.NoError(t, err)
	registry := newSpecializedRegistry()
	tx, err := txn.Load(context.Background(), "t1", registry, ad, false)
	require.NoError(t, err)
	cache := NewCache(registry, tx)

	u := &testUser{id: "u1", first: "John"}
	p, err := cache.Wrap("SpecialUser", u)
	require.NoError(t, err)

	v, err := p.Call(context.Background(), "First")
	require.NoError(t, err)
	require.Equal(t, "John", v)

	// Routed straight to the specialized proxy's own First, not through
	// attribute classification (SpecialUser configures no AttributeReader
	// at all, so the generic dispatch would have fallen through to
	// fallback instead of counting a read).
	special := p.specialized.(*specializedUserProxy)
	require.Equal(t, 1, special.reads)
}

func TestObjectDestructionHandlerLogsWithoutCallingUnderlying(t *testing.T) {
	dir := t.TempDir()
	ad, err := fsadapter.Open(dir)
	require.NoError(t, err)
	registry := newRegistry()
	caches := NewCaches(registry)
	mgr := txn.NewManager(registry, ad, caches, false)

	u := &testUser{id: "u1", first: "John"}

	err = mgr.WithTransaction(context.Background(), "t1", func(ctx context.Context) error {
		tx, _ := txn.Current(ctx)
		p, err := caches.For(tx).Wrap("User", u)
		require.NoError(t, err)

		_, err = p.Call(ctx, "Destroy")
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, 0, u.destroyed)
}

func TestFallbackForwardsUnclassifiedMethod(t *testing.T) {
	cache := newTestCache(t, t.TempDir())
	u := &testUser{id: "u1", first: "John"}
	p, err := cache.Wrap("User", u)
	require.NoError(t, err)

	v, err := p.Call(context.Background(), "ID")
	require.NoError(t, err)
	require.Equal(t, "u1", v)
}
