// Package section implements the Section (spec component D): one
// contiguous execution slice - a savepoint - of a Transaction. It holds the
// current read set, write set, pending log entries, integrity overrides and
// change vetoes for that slice.
package section

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"

	"github.com/stex/petra/logentry"
)

// ErrSectionPersisted is returned by Reset on a section that was already
// flushed to the adapter - §4.D: "once persisted, it is immutable".
var ErrSectionPersisted = errors.New("section: reset: section is already persisted")

// Section is one savepoint of a transaction.
type Section struct {
	TransactionIdentifier string
	SavepointVersion      int
	Savepoint             string // "<tx_id>/<version>"
	Persisted             bool

	entries   []*logentry.LogEntry
	nextIndex int

	// attrKey -> latest matching entry, kept in a btree.Map so that
	// anything iterating a section's state (commit-time sorting, §4.H
	// ordered queries) gets it key-sorted for free rather than needing a
	// separate sort step (see SPEC_FULL.md domain-stack wiring).
	readSet       btree.Map[string, *logentry.LogEntry]
	writeSet      btree.Map[string, *logentry.LogEntry]
	readOverrides btree.Map[string, *logentry.LogEntry]
	changeVetoes  btree.Map[string, *logentry.LogEntry]

	// changeHistory records the latest attribute_change entry per
	// attribute, same as writeSet, but - unlike writeSet - is never
	// cleared by a veto: attribute_change_veto? (§4.E) needs to compare
	// against the latest change that ever happened, not just the ones
	// still "active" in the write set.
	changeHistory btree.Map[string, *logentry.LogEntry]

	// objectKey -> indices into entries, used to propagate
	// object_persisted back onto this object's earlier entries
	// (§4.D log_object_persistence / log_object_destruction).
	objectEntryIdx map[string][]int
}

// New creates the current, not-yet-persisted section for transaction tx at
// the given 1-based savepoint version.
func New(tx string, version int) *Section {
	return &Section{
		TransactionIdentifier: tx,
		SavepointVersion:      version,
		Savepoint:             fmt.Sprintf("%s/%d", tx, version),
		objectEntryIdx:        make(map[string][]int),
	}
}

// Restore rebuilds a previously persisted section from entries loaded from
// the adapter (§3 Section lifecycle: "older sections are reconstructed by
// loading their persisted entries").
func Restore(tx string, version int, entries []*logentry.LogEntry) *Section {
	s := New(tx, version)
	s.Persisted = true
	for _, e := range entries {
		s.index(e)
	}
	return s
}

// index appends an entry to s.entries and updates the in-memory
// read/write/override/veto sets and object->entries map from it (used by
// both append and Restore), per the invariants of §3 "Section".
func (s *Section) index(e *logentry.LogEntry) {
	s.entries = append(s.entries, e)
	if e.Index >= s.nextIndex {
		s.nextIndex = e.Index + 1
	}
	s.objectEntryIdx[e.ObjectKey] = append(s.objectEntryIdx[e.ObjectKey], len(s.entries)-1)

	switch e.Kind {
	case logentry.AttributeRead:
		s.readSet.Set(e.AttributeKey, e)
	case logentry.AttributeChange:
		s.writeSet.Set(e.AttributeKey, e)
		s.changeHistory.Set(e.AttributeKey, e)
	case logentry.ReadIntegrityOverride:
		s.readOverrides.Set(e.AttributeKey, e)
	case logentry.AttributeChangeVeto:
		s.changeVetoes.Set(e.AttributeKey, e)
		s.writeSet.Delete(e.AttributeKey)
	}
}

func (s *Section) append(e *logentry.LogEntry) *logentry.LogEntry {
	e.Savepoint = s.Savepoint
	e.SavepointVersion = s.SavepointVersion
	e.TransactionIdentifier = s.TransactionIdentifier
	e.Index = s.nextIndex
	s.index(e)
	return e
}

// LogAttributeRead implements §4.D log_attribute_read: idempotent for a
// given attribute within this section if there has been no intervening
// change.
func (s *Section) LogAttributeRead(objectKey, attrKey string, newObject bool, value interface{}, method string) *logentry.LogEntry {
	if prev, ok := s.readSet.Get(attrKey); ok {
		if last, ok := s.writeSet.Get(attrKey); !ok || last.Index < prev.Index {
			return prev
		}
	}
	return s.append(&logentry.LogEntry{
		Kind: logentry.AttributeRead, ObjectKey: objectKey, AttributeKey: attrKey,
		NewObject: newObject, Value: value, Method: method,
	})
}

// LogAttributeChange implements the Section-local half of §4.D
// log_attribute_change: if old == new, nothing is logged. The "first emit a
// read if the attribute was never read in the transaction" rule spans all
// sections, so it lives in the txn package, which calls LogAttributeRead
// itself before calling this when needed.
func (s *Section) LogAttributeChange(objectKey, attrKey string, newObject bool, oldValue, newValue interface{}, method string) *logentry.LogEntry {
	if reflect.DeepEqual(oldValue, newValue) {
		return nil
	}
	return s.append(&logentry.LogEntry{
		Kind: logentry.AttributeChange, ObjectKey: objectKey, AttributeKey: attrKey,
		NewObject: newObject, OldValue: oldValue, NewValue: newValue, Method: method,
	})
}

// LogObjectInitialization implements §4.D log_object_initialization.
func (s *Section) LogObjectInitialization(objectKey, method string) *logentry.LogEntry {
	return s.append(&logentry.LogEntry{
		Kind: logentry.ObjectInitialization, ObjectKey: objectKey, NewObject: true, Method: method,
	})
}

// LogObjectPersistence implements §4.D log_object_persistence: marks all
// previously emitted entries for this object, and all previous
// attribute_read entries in this section, as ObjectPersisted.
func (s *Section) LogObjectPersistence(objectKey, method string, args []interface{}, newObject bool) *logentry.LogEntry {
	s.propagatePersisted(objectKey)
	return s.append(&logentry.LogEntry{
		Kind: logentry.ObjectPersistence, ObjectKey: objectKey, NewObject: newObject,
		Method: method, Args: args, ObjectPersisted: true,
	})
}

// LogObjectDestruction implements §4.D log_object_destruction: same
// persistence-propagation as LogObjectPersistence.
func (s *Section) LogObjectDestruction(objectKey, method string, newObject bool) *logentry.LogEntry {
	s.propagatePersisted(objectKey)
	return s.append(&logentry.LogEntry{
		Kind: logentry.ObjectDestruction, ObjectKey: objectKey, NewObject: newObject,
		Method: method, ObjectPersisted: true,
	})
}

func (s *Section) propagatePersisted(objectKey string) {
	for _, idx := range s.objectEntryIdx[objectKey] {
		s.entries[idx].ObjectPersisted = true
	}
	s.readSet.Scan(func(_ string, e *logentry.LogEntry) bool {
		if e.Kind == logentry.AttributeRead {
			e.ObjectPersisted = true
		}
		return true
	})
}

// LogReadIntegrityOverride implements §4.D log_read_integrity_override:
// always persisted; if updateValue, an attribute_read(externalValue) is
// also emitted so further reads in the transaction see the new value.
func (s *Section) LogReadIntegrityOverride(objectKey, attrKey string, newObject bool, externalValue interface{}, updateValue bool) *logentry.LogEntry {
	override := s.append(&logentry.LogEntry{
		Kind: logentry.ReadIntegrityOverride, ObjectKey: objectKey, AttributeKey: attrKey,
		NewObject: newObject, ExternalValue: externalValue, ObjectPersisted: true,
	})
	if updateValue {
		s.append(&logentry.LogEntry{
			Kind: logentry.AttributeRead, ObjectKey: objectKey, AttributeKey: attrKey,
			NewObject: newObject, Value: externalValue,
		})
	}
	return override
}

// LogAttributeChangeVeto implements §4.D log_attribute_change_veto: always
// persisted; also emits an attribute_read(externalValue) and removes any
// prior write_set entry for the attribute in this section.
func (s *Section) LogAttributeChangeVeto(objectKey, attrKey string, newObject bool, externalValue interface{}) *logentry.LogEntry {
	veto := s.append(&logentry.LogEntry{
		Kind: logentry.AttributeChangeVeto, ObjectKey: objectKey, AttributeKey: attrKey,
		NewObject: newObject, ExternalValue: externalValue, ObjectPersisted: true,
	})
	s.append(&logentry.LogEntry{
		Kind: logentry.AttributeRead, ObjectKey: objectKey, AttributeKey: attrKey,
		NewObject: newObject, Value: externalValue,
	})
	return veto
}

// Entries returns the section's log entries in insertion order - the
// definitive commit order within the section (§5 "Ordering guarantees").
func (s *Section) Entries() []*logentry.LogEntry {
	return s.entries
}

// LatestWrite, LatestRead, LatestOverride, LatestVeto back the cross-section
// queries of §4.E.
func (s *Section) LatestWrite(attrKey string) (*logentry.LogEntry, bool) {
	return s.writeSet.Get(attrKey)
}

func (s *Section) LatestRead(attrKey string) (*logentry.LogEntry, bool) {
	return s.readSet.Get(attrKey)
}

func (s *Section) LatestOverride(attrKey string) (*logentry.LogEntry, bool) {
	return s.readOverrides.Get(attrKey)
}

func (s *Section) LatestVeto(attrKey string) (*logentry.LogEntry, bool) {
	return s.changeVetoes.Get(attrKey)
}

// LatestChange returns the most recent attribute_change entry for attrKey in
// this section, even if a later veto has since invalidated it in the write
// set - attribute_change_veto?(§4.E) needs "latest change ever", not "latest
// still-active write".
func (s *Section) LatestChange(attrKey string) (*logentry.LogEntry, bool) {
	return s.changeHistory.Get(attrKey)
}

// FatefulObjectKeys returns, in order of first appearance, every object key
// that has at least one ObjectPersisted entry in this section (§4.H
// "fateful").
func (s *Section) FatefulObjectKeys() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range s.entries {
		if e.ObjectPersisted && !seen[e.ObjectKey] {
			seen[e.ObjectKey] = true
			out = append(out, e.ObjectKey)
		}
	}
	return out
}

// PendingEntries returns the entries not yet assigned an EntryIdentifier -
// i.e. the ones Persist still needs to enqueue.
func (s *Section) PendingEntries() []*logentry.LogEntry {
	var out []*logentry.LogEntry
	for _, e := range s.entries {
		if e.EntryIdentifier == "" {
			out = append(out, e)
		}
	}
	return out
}

// MarkPersisted implements the persisted=true transition of §3: once set,
// Reset becomes an error. Only entries actually handed to the adapter (i.e.
// already carrying an EntryIdentifier) are marked transaction-persisted;
// entries skipped because they were not yet persist-worthy stay pending for
// a later Persist call.
func (s *Section) MarkPersisted() {
	s.Persisted = true
	for _, e := range s.entries {
		if e.EntryIdentifier != "" {
			e.TransactionPersisted = true
		}
	}
}

// Reset implements §4.D reset!: legal only on a non-persisted section.
func (s *Section) Reset() error {
	if s.Persisted {
		return ErrSectionPersisted
	}
	s.entries = nil
	s.nextIndex = 0
	s.readSet = btree.Map[string, *logentry.LogEntry]{}
	s.writeSet = btree.Map[string, *logentry.LogEntry]{}
	s.readOverrides = btree.Map[string, *logentry.LogEntry]{}
	s.changeVetoes = btree.Map[string, *logentry.LogEntry]{}
	s.changeHistory = btree.Map[string, *logentry.LogEntry]{}
	s.objectEntryIdx = make(map[string][]int)
	return nil
}
