// Package logentry implements the Log Entry Model (spec component C): the
// tagged record kinds a Section accumulates, their ordering, serialization,
// and apply-at-commit semantics.
package logentry

import (
	"fmt"
	"strings"

	"github.com/shamaton/msgpack/v2"

	"github.com/stex/petra/internal/rcall"
)

// Kind tags which variant a LogEntry is (§3 "LogEntry (tagged variant)").
type Kind int

const (
	AttributeRead Kind = iota
	AttributeChange
	ObjectInitialization
	ObjectPersistence
	ObjectDestruction
	ReadIntegrityOverride
	AttributeChangeVeto
)

func (k Kind) String() string {
	switch k {
	case AttributeRead:
		return "attribute_read"
	case AttributeChange:
		return "attribute_change"
	case ObjectInitialization:
		return "object_initialization"
	case ObjectPersistence:
		return "object_persistence"
	case ObjectDestruction:
		return "object_destruction"
	case ReadIntegrityOverride:
		return "read_integrity_override"
	case AttributeChangeVeto:
		return "attribute_change_veto"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// LogEntry is the self-describing persisted record of §3/§6. Not every field
// is meaningful for every Kind; the field comments name the kinds that use
// them.
type LogEntry struct {
	Kind Kind

	Savepoint            string // "<tx_id>/<version>"
	SavepointVersion      int
	TransactionIdentifier string
	EntryIdentifier       string // adapter-assigned after persist; empty until then
	Index                 int    // insertion order within the section

	ObjectKey    string
	AttributeKey string // empty unless the entry is attribute-scoped

	NewObject            bool // was this object born in this transaction?
	ObjectPersisted      bool // did a persistence method for this object run after this entry?
	TransactionPersisted bool

	Method string
	Args   []interface{} // object_persistence args

	OldValue      interface{} // attribute_change
	NewValue      interface{} // attribute_change
	Value         interface{} // attribute_read
	ExternalValue interface{} // read_integrity_override / attribute_change_veto
}

// ObjectKey formats "<class_name>/<object_id>" (§3 "Key formats").
func ObjectKey(className, objectID string) string {
	return className + "/" + objectID
}

// AttributeKey formats "<class_name>/<object_id>/<attribute_name>".
func AttributeKey(className, objectID, attr string) string {
	return className + "/" + objectID + "/" + attr
}

// SplitObjectKey reverses ObjectKey.
func SplitObjectKey(key string) (className, objectID string, ok bool) {
	i := strings.IndexByte(key, '/')
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// NewObjectID formats the lazily-assigned id of an object born in the
// current transaction: "new_00001", "new_00002", ... (§3 "Key formats").
func NewObjectID(index int) string {
	return fmt.Sprintf("new_%05d", index)
}

// IsNewObjectID reports whether id was produced by NewObjectID.
func IsNewObjectID(id string) bool {
	return strings.HasPrefix(id, "new_")
}

// Less implements the ordering of §3 "Ordering": entries in the same
// section compare by insertion Index; across sections, by SavepointVersion.
func Less(a, b *LogEntry) bool {
	if a.Savepoint == b.Savepoint {
		return a.Index < b.Index
	}
	return a.SavepointVersion < b.SavepointVersion
}

// Persists reports whether the entry is persist-worthy (§4.C "persist?"):
// true if it is marked object-persisted, or it is an override/veto (those
// are always persisted because they only ever arise from exceptional,
// user-acknowledged paths).
func (e *LogEntry) Persists() bool {
	switch e.Kind {
	case ReadIntegrityOverride, AttributeChangeVeto:
		return true
	default:
		return e.ObjectPersisted
	}
}

// Apply executes the entry's effect against the live underlying object, per
// §4.C "apply! semantics by kind".
//
// veto reports whether a later attribute_change_veto for the same attribute
// exists in the transaction; the caller (section/transaction) computes this
// since it requires cross-entry knowledge this package does not have.
func (e *LogEntry) Apply(underlying interface{}, veto bool) error {
	switch e.Kind {
	case AttributeChange:
		if veto {
			return nil
		}
		return rcall.Call0(underlying, e.Method, e.NewValue)

	case ObjectPersistence:
		return rcall.Call0(underlying, e.Method, e.Args...)

	case ObjectDestruction:
		return rcall.Call0(underlying, e.Method)

	case AttributeRead, ReadIntegrityOverride, AttributeChangeVeto, ObjectInitialization:
		// validators/markers: no-op at apply time.
		return nil

	default:
		return fmt.Errorf("logentry: apply: unknown kind %v", e.Kind)
	}
}

// wireEntry is the msgpack-serializable shape of LogEntry. It exists
// separately so that Args/OldValue/NewValue/Value/ExternalValue - which may
// be arbitrary application values - round-trip through msgpack's generic
// interface{} encoding without fighting struct tags on the exported type.
type wireEntry struct {
	Kind                  int
	Savepoint             string
	SavepointVersion      int
	TransactionIdentifier string
	EntryIdentifier       string
	Index                 int
	ObjectKey             string
	AttributeKey          string
	NewObject             bool
	ObjectPersisted       bool
	TransactionPersisted  bool
	Method                string
	Args                  []interface{}
	OldValue              interface{}
	NewValue              interface{}
	Value                 interface{}
	ExternalValue         interface{}
}

// Encode serializes e as the self-describing record §6 calls for.
func Encode(e *LogEntry) ([]byte, error) {
	w := wireEntry{
		Kind: int(e.Kind), Savepoint: e.Savepoint, SavepointVersion: e.SavepointVersion,
		TransactionIdentifier: e.TransactionIdentifier, EntryIdentifier: e.EntryIdentifier,
		Index: e.Index, ObjectKey: e.ObjectKey, AttributeKey: e.AttributeKey,
		NewObject: e.NewObject, ObjectPersisted: e.ObjectPersisted, TransactionPersisted: e.TransactionPersisted,
		Method: e.Method, Args: e.Args, OldValue: e.OldValue, NewValue: e.NewValue,
		Value: e.Value, ExternalValue: e.ExternalValue,
	}
	return msgpack.Marshal(&w)
}

// Decode deserializes a record previously produced by Encode.
func Decode(data []byte) (*LogEntry, error) {
	var w wireEntry
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &LogEntry{
		Kind: Kind(w.Kind), Savepoint: w.Savepoint, SavepointVersion: w.SavepointVersion,
		TransactionIdentifier: w.TransactionIdentifier, EntryIdentifier: w.EntryIdentifier,
		Index: w.Index, ObjectKey: w.ObjectKey, AttributeKey: w.AttributeKey,
		NewObject: w.NewObject, ObjectPersisted: w.ObjectPersisted, TransactionPersisted: w.TransactionPersisted,
		Method: w.Method, Args: w.Args, OldValue: w.OldValue, NewValue: w.NewValue,
		Value: w.Value, ExternalValue: w.ExternalValue,
	}, nil
}
