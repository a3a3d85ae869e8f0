package petra

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stex/petra/adapter"
	"github.com/stex/petra/adapter/fsadapter"
	"github.com/stex/petra/config"
	"github.com/stex/petra/txn"
)

type demoUser struct {
	id    string
	first string
	last  string
}

func (u *demoUser) ID() string        { return u.id }
func (u *demoUser) First() string     { return u.first }
func (u *demoUser) SetFirst(v string) { u.first = v }
func (u *demoUser) Last() string      { return u.last }
func (u *demoUser) SetLast(v string)  { u.last = v }
func (u *demoUser) Save() error       { return nil }

func newDemoPetra(t *testing.T, lookup func(id string) (interface{}, error)) *Petra {
	p, err := Open(Config{StorageDirectory: t.TempDir(), InstantReadIntegrityFail: true})
	require.NoError(t, err)
	require.NoError(t, p.Configure("SimpleUser", config.ClassConfig{
		ID:                func(obj interface{}) (string, error) { return obj.(*demoUser).ID(), nil },
		Lookup:            lookup,
		Init:              func() (interface{}, error) { return &demoUser{}, nil },
		AttributeReader:   config.Named("First", "Last"),
		AttributeWriter:   config.Named("SetFirst", "SetLast"),
		PersistenceMethod: config.Named("Save"),
		ProxyInstances:    true,
	}))
	return p
}

// Scenario 1: two-section uncommitted write, then a later section adding
// another change, finally committed.
func TestScenarioTwoSectionUncommittedWrite(t *testing.T) {
	u := &demoUser{id: "u1", first: "John", last: "Doe"}
	p := newDemoPetra(t, func(string) (interface{}, error) { return u, nil })
	ctx := context.Background()

	_, err := p.Transaction(ctx, "tr1", func(ctx context.Context) error {
		proxy, err := p.Wrap(ctx, "SimpleUser", u)
		require.NoError(t, err)
		_, err = proxy.Call(ctx, "SetFirst", "Foo")
		require.NoError(t, err)
		_, err = proxy.Call(ctx, "Save")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "John", u.first) // not committed yet

	_, err = p.Transaction(ctx, "tr1", func(ctx context.Context) error {
		proxy, err := p.Wrap(ctx, "SimpleUser", u)
		require.NoError(t, err)
		v, err := proxy.Call(ctx, "First")
		require.NoError(t, err)
		require.Equal(t, "Foo", v)

		_, err = proxy.Call(ctx, "SetLast", "Bar")
		require.NoError(t, err)
		_, err = proxy.Call(ctx, "Save")
		return err
	})
	require.NoError(t, err)

	_, err = p.Transaction(ctx, "tr1", func(ctx context.Context) error {
		txn.Commit()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "Foo", u.first)
	require.Equal(t, "Bar", u.last)
}

// Scenario 2: a read integrity error, resolved with ignore!(update_value).
func TestScenarioReadIntegrityErrorIgnored(t *testing.T) {
	u := &demoUser{id: "u1", first: "Karl"}
	p := newDemoPetra(t, func(string) (interface{}, error) { return u, nil })
	ctx := context.Background()

	_, err := p.Transaction(ctx, "tr1", func(ctx context.Context) error {
		proxy, err := p.Wrap(ctx, "SimpleUser", u)
		require.NoError(t, err)
		_, err = proxy.Call(ctx, "First")
		require.NoError(t, err)
		_, err = proxy.Call(ctx, "Save")
		return err
	})
	require.NoError(t, err)

	u.first = "Olaf"

	_, err = p.Transaction(ctx, "tr1", func(ctx context.Context) error {
		proxy, werr := p.Wrap(ctx, "SimpleUser", u)
		require.NoError(t, werr)
		_, callErr := proxy.Call(ctx, "First")
		var riErr *txn.ReadIntegrityError
		require.ErrorAs(t, callErr, &riErr)
		require.Equal(t, "Karl", riErr.LastReadValue)
		require.Equal(t, "Olaf", riErr.ExternalValue)

		riErr.Ignore(true)

		v, rerr := proxy.Call(ctx, "First")
		require.NoError(t, rerr)
		require.Equal(t, "Olaf", v)
		return nil
	})
	require.NoError(t, err)
}

// Scenario 3: a write clash, resolved with use_theirs! then retry!.
func TestScenarioWriteClashUseTheirsThenRetry(t *testing.T) {
	u := &demoUser{id: "u1", first: "Start"}
	p := newDemoPetra(t, func(string) (interface{}, error) { return u, nil })
	ctx := context.Background()

	_, err := p.Transaction(ctx, "tr1", func(ctx context.Context) error {
		proxy, werr := p.Wrap(ctx, "SimpleUser", u)
		require.NoError(t, werr)
		_, werr = proxy.Call(ctx, "SetFirst", "Foo")
		require.NoError(t, werr)
		_, werr = proxy.Call(ctx, "Save")
		return werr
	})
	require.NoError(t, err)

	u.first = "Moo"

	attempts := 0
	_, err = p.Transaction(ctx, "tr1", func(ctx context.Context) error {
		attempts++
		proxy, werr := p.Wrap(ctx, "SimpleUser", u)
		require.NoError(t, werr)
		v, callErr := proxy.Call(ctx, "First")
		if callErr != nil {
			var wcErr *txn.WriteClashError
			require.ErrorAs(t, callErr, &wcErr)
			require.Equal(t, "Foo", wcErr.OurValue)
			require.Equal(t, "Moo", wcErr.ExternalValue)
			wcErr.UseTheirs()
			txn.Retry()
			return nil
		}
		require.Equal(t, "Moo", v)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

// Scenario 4: a change veto (via use_theirs!) is dropped once a later
// section changes the attribute again.
func TestScenarioChangeVetoDroppedByLaterChange(t *testing.T) {
	u := &demoUser{id: "u1", first: "Start"}
	p := newDemoPetra(t, func(string) (interface{}, error) { return u, nil })
	ctx := context.Background()

	_, err := p.Transaction(ctx, "tr1", func(ctx context.Context) error {
		proxy, werr := p.Wrap(ctx, "SimpleUser", u)
		require.NoError(t, werr)
		_, werr = proxy.Call(ctx, "SetFirst", "Foo")
		require.NoError(t, werr)
		_, werr = proxy.Call(ctx, "Save")
		return werr
	})
	require.NoError(t, err)

	u.first = "Moo"

	_, err = p.Transaction(ctx, "tr1", func(ctx context.Context) error {
		proxy, werr := p.Wrap(ctx, "SimpleUser", u)
		require.NoError(t, werr)
		_, callErr := proxy.Call(ctx, "First")
		var wcErr *txn.WriteClashError
		require.ErrorAs(t, callErr, &wcErr)
		wcErr.UseTheirs()

		_, werr = proxy.Call(ctx, "Save")
		return werr
	})
	require.NoError(t, err)

	_, err = p.Transaction(ctx, "tr1", func(ctx context.Context) error {
		proxy, werr := p.Wrap(ctx, "SimpleUser", u)
		require.NoError(t, werr)
		_, werr = proxy.Call(ctx, "SetFirst", "Baz")
		require.NoError(t, werr)
		_, werr = proxy.Call(ctx, "Save")
		if werr != nil {
			return werr
		}
		txn.Commit()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "Baz", u.first)
}

// Scenario 5: a commit that cannot acquire one of its object locks fails
// fast with a non-suspending LockError instead of blocking - the mechanism
// sorted lock acquisition relies on to stay deadlock-free under parallel
// commits.
func TestScenarioDeadlockFreeParallelCommit(t *testing.T) {
	ad, err := fsadapter.Open(t.TempDir())
	require.NoError(t, err)

	u := &demoUser{id: "o1", first: "A"}
	p, err := Open(Config{PersistenceAdapter: ad})
	require.NoError(t, err)
	require.NoError(t, p.Configure("SimpleUser", config.ClassConfig{
		ID:                func(obj interface{}) (string, error) { return obj.(*demoUser).ID(), nil },
		Lookup:            func(string) (interface{}, error) { return u, nil },
		Init:              func() (interface{}, error) { return &demoUser{}, nil },
		AttributeReader:   config.Named("First", "Last"),
		AttributeWriter:   config.Named("SetFirst", "SetLast"),
		PersistenceMethod: config.Named("Save"),
		ProxyInstances:    true,
	}))

	var commitErr error
	lockErr := ad.WithObjectLock(context.Background(), "SimpleUser/o1", true, func(context.Context) error {
		// Held by someone else from this commit's point of view: its own
		// lock attempt below uses a fresh, unrelated context, so it can't
		// see this hold as already-owned and must fail fast rather than
		// suspend.
		_, commitErr = p.Transaction(context.Background(), "tr1", func(ctx context.Context) error {
			proxy, werr := p.Wrap(ctx, "SimpleUser", u)
			if werr != nil {
				return werr
			}
			if _, werr = proxy.Call(ctx, "SetFirst", "B"); werr != nil {
				return werr
			}
			if _, werr = proxy.Call(ctx, "Save"); werr != nil {
				return werr
			}
			txn.Commit()
			return nil
		})
		return nil
	})
	require.NoError(t, lockErr)

	var lerr *adapter.LockError
	require.ErrorAs(t, commitErr, &lerr)
	require.Equal(t, adapter.ObjectLock, lerr.Kind)
	require.Equal(t, "A", u.first) // commit never applied
}

// Scenario 6: new-object creation via class proxy, then commit.
func TestScenarioNewObjectCreationCommits(t *testing.T) {
	created := make(map[string]*demoUser)
	p := newDemoPetra(t, func(id string) (interface{}, error) {
		u, ok := created[id]
		if !ok {
			return nil, &adapter.PersistenceError{Op: "lookup", Message: "not found"}
		}
		return u, nil
	})
	ctx := context.Background()

	var objectID string
	_, err := p.Transaction(ctx, "tr1", func(ctx context.Context) error {
		classProxy, cerr := p.ClassWrap(ctx, "SimpleUser")
		require.NoError(t, cerr)
		obj, cerr := classProxy.New(ctx)
		require.NoError(t, cerr)
		objectID = obj.ObjectID()
		require.Equal(t, "new_00001", objectID)

		_, werr := obj.Call(ctx, "SetFirst", "A")
		require.NoError(t, werr)
		_, werr = obj.Call(ctx, "Save")
		if werr == nil {
			created[objectID] = obj.Underlying().(*demoUser)
			created[objectID].id = objectID
		}

		txn.Commit()
		return werr
	})
	require.NoError(t, err)
	require.Equal(t, "A", created[objectID].first)
}
