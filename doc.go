// Package petra is a persisted, resumable, optimistic/pessimistic hybrid
// transaction engine for in-memory application objects. Application code
// mutates arbitrary domain objects inside a transactional scope; those
// mutations are held in a durable log rather than applied directly, so the
// same transaction can be resumed later - possibly from another process -
// before finally being committed atomically against the live objects,
// detecting any external interference along the way.
//
// Open builds a Petra handle from a Config. Configure registers how each
// domain class exposes its identity and its reader/writer/persistence
// methods. Wrap and ClassWrap hand out proxies that route method calls
// through the active transaction; Transaction runs a block against a
// named (or freshly generated) transaction identifier.
package petra
