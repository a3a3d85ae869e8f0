// Package txn implements the Transaction and Transaction Manager (spec
// components E and F): the ordered stack of Sections that make up one
// logical unit of work, the cross-section queries and integrity
// verification that stitch them together, and the commit/rollback/reset
// protocols.
package txn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"lab.nexedi.com/kirr/go123/exc"

	"github.com/stex/petra/adapter"
	"github.com/stex/petra/config"
	"github.com/stex/petra/internal/rcall"
	"github.com/stex/petra/internal/xsync"
	"github.com/stex/petra/logentry"
	"github.com/stex/petra/section"
)

// ObjectAccess resolves a proxied object key back to its live underlying
// instance. It is implemented by the proxy/cache layer, which is the only
// thing that knows how object keys map back to actual objects; txn only
// needs to call a reader method on the result (integrity verification) or
// apply a logged effect to it (commit).
type ObjectAccess interface {
	Underlying(ctx context.Context, objectKey string) (interface{}, error)
}

// Transaction is one logical unit of work: an ordered stack of Sections,
// the oldest already persisted, the last the one currently being written to
// (§3 "Transaction").
type Transaction struct {
	Identifier string

	registry    *config.Registry
	adapter     adapter.Adapter
	instantFail bool

	sections  []*section.Section
	committed bool
}

// Load creates or resumes the transaction named identifier: any previously
// persisted sections are loaded (oldest first) and a fresh, not-yet-
// persisted section is appended on top. Called with identifier unknown to
// the adapter, it behaves exactly like creating a brand new transaction -
// Savepoints simply comes back empty.
//
// Callers normally do this under the adapter's transaction lock (§4.E
// "old sections first loaded once under the transaction lock"); Manager
// does so.
func Load(ctx context.Context, identifier string, registry *config.Registry, ad adapter.Adapter, instantFail bool) (*Transaction, error) {
	tx := &Transaction{Identifier: identifier, registry: registry, adapter: ad, instantFail: instantFail}

	savepoints, err := ad.Savepoints(ctx, identifier)
	if err != nil {
		return nil, errors.Wrapf(err, "txn: load %s", identifier)
	}

	version := 0
	for _, sp := range savepoints {
		n, convErr := savepointVersion(sp)
		if convErr != nil {
			continue
		}
		entries, err := ad.LogEntries(ctx, identifier, sp)
		if err != nil {
			return nil, errors.Wrapf(err, "txn: load %s: entries %s", identifier, sp)
		}
		tx.sections = append(tx.sections, section.Restore(identifier, n, entries))
		if n > version {
			version = n
		}
	}

	tx.sections = append(tx.sections, section.New(identifier, version+1))
	return tx, nil
}

// savepointVersion extracts the version suffix of a "<tx_id>/<version>"
// savepoint name. The transaction identifier itself may contain "/", so
// this splits at the last separator rather than the first.
func savepointVersion(savepoint string) (int, error) {
	i := strings.LastIndexByte(savepoint, '/')
	if i < 0 {
		return 0, errors.Errorf("txn: not a savepoint: %q", savepoint)
	}
	n := 0
	for _, c := range savepoint[i+1:] {
		if c < '0' || c > '9' {
			return 0, errors.Errorf("txn: not a savepoint: %q", savepoint)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// Registry returns the class configurator this transaction resolves object
// classes against.
func (tx *Transaction) Registry() *config.Registry { return tx.registry }

// EnsureFreshSection starts a new section on top of the stack if the
// current one is already persisted (§3 Section "Lifecycle": "the current
// section is created when a transaction section begins"; once persisted a
// section is immutable).
//
// Load always leaves a fresh section on top after reloading from the
// adapter, so this only does anything when a transaction is resumed from
// the Manager's in-process live cache rather than reloaded - the call
// ended normally and persisted its last section, but was not committed or
// reset, so the next use of the same identifier needs a new one to write
// into.
func (tx *Transaction) EnsureFreshSection() {
	if len(tx.sections) > 0 && !tx.current().Persisted {
		return
	}
	version := 1
	if len(tx.sections) > 0 {
		version = tx.current().SavepointVersion + 1
	}
	tx.sections = append(tx.sections, section.New(tx.Identifier, version))
}

// Savepoints returns the ordered list of savepoint names backing this
// transaction, oldest first, for diagnostics/resumption introspection.
func (tx *Transaction) Savepoints() []string {
	out := make([]string, len(tx.sections))
	for i, s := range tx.sections {
		out[i] = s.Savepoint
	}
	return out
}

// AllEntries returns every log entry across every section, oldest section
// first, in each section's own insertion order - the order the Proxy Cache
// scans to derive its created/initialized/destroyed/read/fateful queries
// (§4.H), since those are "first appearance across the whole transaction"
// queries rather than per-section ones.
func (tx *Transaction) AllEntries() []*logentry.LogEntry {
	var out []*logentry.LogEntry
	for _, s := range tx.sections {
		out = append(out, s.Entries()...)
	}
	return out
}

// Committed reports whether commit! already ran on this transaction.
func (tx *Transaction) Committed() bool { return tx.committed }

func (tx *Transaction) current() *section.Section {
	return tx.sections[len(tx.sections)-1]
}

// latest scans tx's sections newest-first and returns the first match query
// finds - the shape every §4.E cross-section query is built from, since
// "newest write/read/override/veto wins" is the common rule across all of
// them.
func (tx *Transaction) latest(query func(*section.Section) (*logentry.LogEntry, bool)) (*logentry.LogEntry, bool) {
	for i := len(tx.sections) - 1; i >= 0; i-- {
		if e, ok := query(tx.sections[i]); ok {
			return e, true
		}
	}
	return nil, false
}

// AttributeValue implements attribute_value(proxy, attr): the newest
// write_set value.
func (tx *Transaction) AttributeValue(attrKey string) (interface{}, bool) {
	e, ok := tx.latest(func(s *section.Section) (*logentry.LogEntry, bool) { return s.LatestWrite(attrKey) })
	if !ok {
		return nil, false
	}
	return e.NewValue, true
}

// AttributeValueP implements attribute_value?(proxy, attr): true iff any
// write_set entry exists and no attribute_change_veto newer than it exists.
func (tx *Transaction) AttributeValueP(attrKey string) bool {
	write, ok := tx.latest(func(s *section.Section) (*logentry.LogEntry, bool) { return s.LatestWrite(attrKey) })
	if !ok {
		return false
	}
	veto, ok := tx.latest(func(s *section.Section) (*logentry.LogEntry, bool) { return s.LatestVeto(attrKey) })
	if ok && logentry.Less(write, veto) {
		return false
	}
	return true
}

// ReadAttributeValue implements read_attribute_value(proxy, attr): the
// newest read_set value.
func (tx *Transaction) ReadAttributeValue(attrKey string) (interface{}, bool) {
	e, ok := tx.latest(func(s *section.Section) (*logentry.LogEntry, bool) { return s.LatestRead(attrKey) })
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// ReadIntegrityOverrideP implements read_integrity_override?(proxy, attr,
// external_value): true iff the latest override is newer than the latest
// read and its external value matches.
func (tx *Transaction) ReadIntegrityOverrideP(attrKey string, externalValue interface{}) bool {
	override, ok := tx.latest(func(s *section.Section) (*logentry.LogEntry, bool) { return s.LatestOverride(attrKey) })
	if !ok {
		return false
	}
	if read, ok := tx.latest(func(s *section.Section) (*logentry.LogEntry, bool) { return s.LatestRead(attrKey) }); ok {
		if !logentry.Less(read, override) {
			return false
		}
	}
	return valuesEqual(override.ExternalValue, externalValue)
}

// AttributeChangeVetoP implements attribute_change_veto?(proxy, attr): true
// iff the latest veto is newer than the latest change ever logged for the
// attribute (regardless of whether that change is still live in a write
// set).
func (tx *Transaction) AttributeChangeVetoP(attrKey string) bool {
	veto, ok := tx.latest(func(s *section.Section) (*logentry.LogEntry, bool) { return s.LatestVeto(attrKey) })
	if !ok {
		return false
	}
	change, ok := tx.latest(func(s *section.Section) (*logentry.LogEntry, bool) { return s.LatestChange(attrKey) })
	if !ok {
		return true
	}
	return logentry.Less(change, veto)
}

// VerifyAttributeIntegrity implements verify_attribute_integrity! (§4.E):
// re-reads the live value of attrKey through access and fails with a
// WriteClashError or ReadIntegrityError if it has moved out from under a
// value this transaction already observed.
func (tx *Transaction) VerifyAttributeIntegrity(ctx context.Context, access ObjectAccess, objectKey, attrKey, method string, newObject, force bool) error {
	readEntry, ok := tx.latest(func(s *section.Section) (*logentry.LogEntry, bool) { return s.LatestRead(attrKey) })
	if !ok {
		return nil
	}
	if !force && !tx.instantFail {
		return nil
	}
	if newObject {
		return nil
	}

	obj, err := access.Underlying(ctx, objectKey)
	if err != nil {
		return errors.Wrapf(err, "txn: verify integrity: %s", objectKey)
	}
	results, err := rcall.Call(obj, method)
	if err != nil {
		return errors.Wrapf(err, "txn: verify integrity: %s.%s", objectKey, method)
	}
	var live interface{}
	if len(results) > 0 {
		live = results[0]
	}

	was := readEntry.Value
	if valuesEqual(live, was) {
		return nil
	}
	if tx.ReadIntegrityOverrideP(attrKey, live) {
		return nil
	}
	if tx.AttributeValueP(attrKey) {
		ourValue, _ := tx.AttributeValue(attrKey)
		return &WriteClashError{
			tx: tx, ObjectKey: objectKey, AttributeKey: attrKey, Method: method, NewObject: newObject,
			OurValue: ourValue, ExternalValue: live,
		}
	}
	return &ReadIntegrityError{
		tx: tx, ObjectKey: objectKey, AttributeKey: attrKey, Method: method, NewObject: newObject,
		LastReadValue: was, ExternalValue: live,
	}
}

func valuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// LogAttributeRead delegates to the current section (§4.D log_attribute_read).
func (tx *Transaction) LogAttributeRead(objectKey, attrKey string, newObject bool, value interface{}, method string) *logentry.LogEntry {
	return tx.current().LogAttributeRead(objectKey, attrKey, newObject, value, method)
}

// LogAttributeChange implements the cross-section half of log_attribute_change
// that section.Section cannot do on its own: if the attribute has not been
// read anywhere yet in this transaction, a read of oldValue is synthesized
// first, so later integrity checks have something to compare against.
func (tx *Transaction) LogAttributeChange(objectKey, attrKey string, newObject bool, oldValue, newValue interface{}, readerMethod, writerMethod string) *logentry.LogEntry {
	if _, ok := tx.latest(func(s *section.Section) (*logentry.LogEntry, bool) { return s.LatestRead(attrKey) }); !ok {
		tx.current().LogAttributeRead(objectKey, attrKey, newObject, oldValue, readerMethod)
	}
	return tx.current().LogAttributeChange(objectKey, attrKey, newObject, oldValue, newValue, writerMethod)
}

// LogObjectInitialization delegates to the current section.
func (tx *Transaction) LogObjectInitialization(objectKey, method string) *logentry.LogEntry {
	return tx.current().LogObjectInitialization(objectKey, method)
}

// LogObjectPersistence delegates to the current section.
func (tx *Transaction) LogObjectPersistence(objectKey, method string, args []interface{}, newObject bool) *logentry.LogEntry {
	return tx.current().LogObjectPersistence(objectKey, method, args, newObject)
}

// LogObjectDestruction delegates to the current section.
func (tx *Transaction) LogObjectDestruction(objectKey, method string, newObject bool) *logentry.LogEntry {
	return tx.current().LogObjectDestruction(objectKey, method, newObject)
}

// LogReadIntegrityOverride delegates to the current section.
func (tx *Transaction) LogReadIntegrityOverride(objectKey, attrKey string, newObject bool, externalValue interface{}, updateValue bool) *logentry.LogEntry {
	return tx.current().LogReadIntegrityOverride(objectKey, attrKey, newObject, externalValue, updateValue)
}

// LogAttributeChangeVeto delegates to the current section.
func (tx *Transaction) LogAttributeChangeVeto(objectKey, attrKey string, newObject bool, externalValue interface{}) *logentry.LogEntry {
	return tx.current().LogAttributeChangeVeto(objectKey, attrKey, newObject, externalValue)
}

// Rollback implements rollback! (§4.E): resets the current section if it is
// not yet persisted; a no-op otherwise.
func (tx *Transaction) Rollback() error {
	err := tx.current().Reset()
	if errors.Is(err, section.ErrSectionPersisted) {
		return nil
	}
	return err
}

// Reset implements reset! (§4.E): clears all persisted state for this
// transaction and drops every in-memory section, starting over at version 1.
func (tx *Transaction) Reset(ctx context.Context) error {
	if err := tx.adapter.ResetTransaction(ctx, tx.Identifier); err != nil {
		return errors.Wrapf(err, "txn: reset %s", tx.Identifier)
	}
	tx.sections = []*section.Section{section.New(tx.Identifier, 1)}
	tx.committed = false
	return nil
}

// Persist implements persist! (§4.E): under the transaction lock, enqueues
// the current section's pending entries and asks the adapter to persist
// them, then marks the section persisted.
func (tx *Transaction) Persist(ctx context.Context) error {
	sec := tx.current()
	err := tx.adapter.WithTransactionLock(ctx, tx.Identifier, true, func(ctx context.Context) error {
		for _, e := range sec.PendingEntries() {
			if !e.Persists() {
				continue
			}
			if err := tx.adapter.Enqueue(ctx, tx.Identifier, e); err != nil {
				return errors.Wrapf(err, "txn: persist %s: enqueue", tx.Identifier)
			}
		}
		if err := tx.adapter.Persist(ctx, tx.Identifier); err != nil {
			return errors.Wrapf(err, "txn: persist %s", tx.Identifier)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sec.MarkPersisted()
	return nil
}

// Commit implements commit! (§4.E): locks the transaction, then every
// fateful non-new object in sorted order, revalidates the combined read
// set, applies every section's entries in version order, and marks the
// transaction committed.
func (tx *Transaction) Commit(ctx context.Context, access ObjectAccess) (err error) {
	return tx.adapter.WithTransactionLock(ctx, tx.Identifier, true, func(ctx context.Context) error {
		return tx.commitLocked(ctx, access)
	})
}

func (tx *Transaction) commitLocked(ctx context.Context, access ObjectAccess) error {
	fateful := tx.fatefulNonNewObjectKeys()
	return tx.lockObjectsThen(ctx, fateful, 0, func(ctx context.Context) error {
		if err := tx.verifyReadSet(ctx, access); err != nil {
			return err
		}
		for _, sec := range tx.sections {
			if err := tx.applySection(ctx, access, sec); err != nil {
				return err
			}
		}
		tx.committed = true
		return tx.adapter.ResetTransaction(ctx, tx.Identifier)
	})
}

// verifyReadSet implements §4.E commit step 4: every (proxy, attribute) in
// the combined read set is revalidated. Each attribute lives on its own
// object and reads only that object's live value, so the verifications are
// independent of one another; they fan out across a WorkGroup the same way
// the teacher's Connection loads the objects touched by a transaction
// concurrently rather than one at a time (§5 "every adapter lock call is a
// suspension point" - the live reader calls here are the other kind of
// potentially-blocking I/O the commit path does while holding all object
// locks already, so there is no extra lock-ordering risk in running them in
// parallel).
func (tx *Transaction) verifyReadSet(ctx context.Context, access ObjectAccess) error {
	readSet := tx.combinedReadSet()
	g, gctx := xsync.WorkGroupCtx(ctx)
	for _, e := range readSet {
		e := e
		g.Gox(func() {
			exc.Raiseif(tx.VerifyAttributeIntegrity(gctx, access, e.ObjectKey, e.AttributeKey, e.Method, e.NewObject, true))
		})
	}
	return g.Wait()
}

// lockObjectsThen acquires keys[i:] one at a time, each nested inside the
// previous, so a failure partway through unwinds through the already
// acquired locks' own deferred releases - no explicit bookkeeping needed to
// satisfy "all previously held object locks must be released" (§4.E step 3).
func (tx *Transaction) lockObjectsThen(ctx context.Context, keys []string, i int, fn func(context.Context) error) error {
	if i >= len(keys) {
		return fn(ctx)
	}
	return tx.adapter.WithObjectLock(ctx, keys[i], false, func(ctx context.Context) error {
		return tx.lockObjectsThen(ctx, keys, i+1, fn)
	})
}

// fatefulNonNewObjectKeys returns every fateful object key across all
// sections, deduplicated, excluding new objects, sorted for deadlock-free
// lock acquisition (§4.E step 2, §5 "sorted by object key").
func (tx *Transaction) fatefulNonNewObjectKeys() []string {
	seen := make(map[string]bool)
	var out []string
	for _, sec := range tx.sections {
		for _, k := range sec.FatefulObjectKeys() {
			if seen[k] {
				continue
			}
			seen[k] = true
			if _, objID, ok := logentry.SplitObjectKey(k); ok && logentry.IsNewObjectID(objID) {
				continue
			}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// combinedReadSet returns, for every attribute read anywhere in the
// transaction, its newest attribute_read entry (§4.E step 4 "combined read
// set").
func (tx *Transaction) combinedReadSet() []*logentry.LogEntry {
	latest := make(map[string]*logentry.LogEntry)
	for _, sec := range tx.sections {
		for _, e := range sec.Entries() {
			if e.Kind == logentry.AttributeRead {
				latest[e.AttributeKey] = e
			}
		}
	}
	keys := make([]string, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*logentry.LogEntry, len(keys))
	for i, k := range keys {
		out[i] = latest[k]
	}
	return out
}

// applySection applies every effectful entry of sec against the live
// objects reachable through access, in insertion order (§4.C apply!
// semantics, §4.E step 5).
func (tx *Transaction) applySection(ctx context.Context, access ObjectAccess, sec *section.Section) error {
	for _, e := range sec.Entries() {
		switch e.Kind {
		case logentry.AttributeChange, logentry.ObjectPersistence, logentry.ObjectDestruction:
		default:
			continue
		}
		if !e.ObjectPersisted {
			continue
		}

		obj, err := access.Underlying(ctx, e.ObjectKey)
		if err != nil {
			return errors.Wrapf(err, "txn: apply %s: %s", tx.Identifier, e.ObjectKey)
		}

		veto := false
		if e.Kind == logentry.AttributeChange {
			if v, ok := tx.latest(func(s *section.Section) (*logentry.LogEntry, bool) { return s.LatestVeto(e.AttributeKey) }); ok {
				veto = logentry.Less(e, v)
			}
		}
		if err := e.Apply(obj, veto); err != nil {
			return errors.Wrapf(err, "txn: apply %s: %s", tx.Identifier, e.ObjectKey)
		}
	}
	return nil
}

// GenerateIdentifier mints a fresh opaque transaction identifier, used by
// WithTransaction/Open when the caller does not name one (§4.F, §6).
func GenerateIdentifier() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return "tx_" + hex.EncodeToString(b[:])
}
