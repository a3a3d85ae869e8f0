package txn

import "fmt"

// ReadIntegrityError is raised by verify_attribute_integrity! when an
// attribute this transaction only read has since changed externally
// (§4.E step 8, §6).
type ReadIntegrityError struct {
	tx *Transaction

	ObjectKey, AttributeKey, Method string
	NewObject                       bool
	LastReadValue, ExternalValue    interface{}
}

func (e *ReadIntegrityError) Error() string {
	return fmt.Sprintf("txn: read integrity: %s.%s: read %v, now %v", e.ObjectKey, e.AttributeKey, e.LastReadValue, e.ExternalValue)
}

// Retry raises Retry on the enclosing Manager.WithTransaction call.
func (e *ReadIntegrityError) Retry() { Retry() }

// Rollback raises Rollback on the enclosing Manager.WithTransaction call.
func (e *ReadIntegrityError) Rollback() { Rollback() }

// Reset raises Reset on the enclosing Manager.WithTransaction call.
func (e *ReadIntegrityError) Reset() { Reset() }

// Continue stands in for "resume the original call site" (§4.E step 8,
// open question §9): Go has no continuations, so the caller supplies the
// value the aborted read should be treated as having returned.
func (e *ReadIntegrityError) Continue(value interface{}) interface{} { return value }

// Ignore records a read_integrity_override for the attribute, so a later
// verify_attribute_integrity! of the same external value passes (§6
// "ignore!(update_value?)"). If updateValue, the override also becomes the
// transaction's new read_set value for the attribute.
func (e *ReadIntegrityError) Ignore(updateValue bool) {
	e.tx.LogReadIntegrityOverride(e.ObjectKey, e.AttributeKey, e.NewObject, e.ExternalValue, updateValue)
}

// WriteClashError is raised by verify_attribute_integrity! when an
// attribute this transaction both read and wrote has since changed
// externally (§4.E step 7, §6).
type WriteClashError struct {
	tx *Transaction

	ObjectKey, AttributeKey, Method string
	NewObject                       bool
	OurValue, ExternalValue         interface{}
}

func (e *WriteClashError) Error() string {
	return fmt.Sprintf("txn: write clash: %s.%s: ours %v, external %v", e.ObjectKey, e.AttributeKey, e.OurValue, e.ExternalValue)
}

func (e *WriteClashError) Retry() { Retry() }

func (e *WriteClashError) Rollback() { Rollback() }

func (e *WriteClashError) Reset() { Reset() }

func (e *WriteClashError) Continue(value interface{}) interface{} { return value }

// Ignore is the write-clash equivalent of ReadIntegrityError.Ignore.
func (e *WriteClashError) Ignore(updateValue bool) {
	e.tx.LogReadIntegrityOverride(e.ObjectKey, e.AttributeKey, e.NewObject, e.ExternalValue, updateValue)
}

// UseOurs keeps this transaction's pending write over the external change
// (§6 "use_ours! ... is ignore!").
func (e *WriteClashError) UseOurs() { e.Ignore(false) }

// UseTheirs drops this transaction's pending write in favor of the external
// change by recording an attribute_change_veto (§6 "use_theirs! adds
// attribute_change_veto").
func (e *WriteClashError) UseTheirs() {
	e.tx.LogAttributeChangeVeto(e.ObjectKey, e.AttributeKey, e.NewObject, e.ExternalValue)
}
