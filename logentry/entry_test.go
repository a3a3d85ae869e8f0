package logentry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	first  string
	calls  []string
	saved  bool
	saveAt []interface{}
}

func (r *recorder) SetFirst(v string) { r.first = v }
func (r *recorder) Save(args ...interface{}) {
	r.saved = true
	r.saveAt = args
}
func (r *recorder) Destroy() { r.calls = append(r.calls, "destroyed") }

func TestApplyAttributeChange(t *testing.T) {
	obj := &recorder{first: "John"}
	e := &LogEntry{Kind: AttributeChange, Method: "SetFirst", OldValue: "John", NewValue: "Foo"}

	require.NoError(t, e.Apply(obj, false))
	require.Equal(t, "Foo", obj.first)
}

func TestApplyAttributeChangeVetoed(t *testing.T) {
	obj := &recorder{first: "John"}
	e := &LogEntry{Kind: AttributeChange, Method: "SetFirst", OldValue: "John", NewValue: "Foo"}

	require.NoError(t, e.Apply(obj, true))
	require.Equal(t, "John", obj.first)
}

func TestApplyObjectPersistence(t *testing.T) {
	obj := &recorder{}
	e := &LogEntry{Kind: ObjectPersistence, Method: "Save", Args: []interface{}{"x"}}

	require.NoError(t, e.Apply(obj, false))
	require.True(t, obj.saved)
	require.Equal(t, []interface{}{"x"}, obj.saveAt)
}

func TestApplyObjectDestruction(t *testing.T) {
	obj := &recorder{}
	e := &LogEntry{Kind: ObjectDestruction, Method: "Destroy"}

	require.NoError(t, e.Apply(obj, false))
	require.Equal(t, []string{"destroyed"}, obj.calls)
}

func TestApplyNoopKinds(t *testing.T) {
	obj := &recorder{first: "John"}
	for _, k := range []Kind{AttributeRead, ReadIntegrityOverride, AttributeChangeVeto, ObjectInitialization} {
		e := &LogEntry{Kind: k}
		require.NoError(t, e.Apply(obj, false))
	}
	require.Equal(t, "John", obj.first)
}

func TestPersists(t *testing.T) {
	require.True(t, (&LogEntry{Kind: ReadIntegrityOverride}).Persists())
	require.True(t, (&LogEntry{Kind: AttributeChangeVeto}).Persists())
	require.False(t, (&LogEntry{Kind: AttributeChange, ObjectPersisted: false}).Persists())
	require.True(t, (&LogEntry{Kind: AttributeChange, ObjectPersisted: true}).Persists())
}

func TestLessWithinSection(t *testing.T) {
	a := &LogEntry{Savepoint: "tr1/1", SavepointVersion: 1, Index: 0}
	b := &LogEntry{Savepoint: "tr1/1", SavepointVersion: 1, Index: 1}
	require.True(t, Less(a, b))
	require.False(t, Less(b, a))
}

func TestLessAcrossSections(t *testing.T) {
	a := &LogEntry{Savepoint: "tr1/1", SavepointVersion: 1, Index: 5}
	b := &LogEntry{Savepoint: "tr1/2", SavepointVersion: 2, Index: 0}
	require.True(t, Less(a, b))
}

func TestKeys(t *testing.T) {
	require.Equal(t, "User/u1", ObjectKey("User", "u1"))
	require.Equal(t, "User/u1/first", AttributeKey("User", "u1", "first"))

	cls, id, ok := SplitObjectKey("User/u1")
	require.True(t, ok)
	require.Equal(t, "User", cls)
	require.Equal(t, "u1", id)
}

func TestNewObjectID(t *testing.T) {
	require.Equal(t, "new_00001", NewObjectID(1))
	require.True(t, IsNewObjectID("new_00001"))
	require.False(t, IsNewObjectID("u1"))
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	e := &LogEntry{
		Kind: AttributeChange, Savepoint: "tr1/1", SavepointVersion: 1,
		TransactionIdentifier: "tr1", ObjectKey: "User/u1", AttributeKey: "User/u1/first",
		Method: "SetFirst", OldValue: "John", NewValue: "Foo", ObjectPersisted: true,
	}
	data, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, e.Kind, got.Kind)
	require.Equal(t, e.Savepoint, got.Savepoint)
	require.Equal(t, e.ObjectKey, got.ObjectKey)
	require.Equal(t, e.AttributeKey, got.AttributeKey)
	require.Equal(t, e.Method, got.Method)
	require.Equal(t, e.OldValue, got.OldValue)
	require.Equal(t, e.NewValue, got.NewValue)
	require.True(t, got.ObjectPersisted)
}
