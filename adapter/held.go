package adapter

import "context"

// heldKey is the context key under which the set of lock names currently
// held by this call chain is stored, so a nested request for a lock already
// held by an ancestor call does not self-deadlock (§4.B).
type heldKey struct{}

// Held reports whether name is already held somewhere up this call chain.
func Held(ctx context.Context, name string) bool {
	held, _ := ctx.Value(heldKey{}).(map[string]bool)
	return held[name]
}

// WithHeld returns a context recording that name is now held, in addition
// to whatever was already recorded.
func WithHeld(ctx context.Context, name string) context.Context {
	prev, _ := ctx.Value(heldKey{}).(map[string]bool)
	next := make(map[string]bool, len(prev)+1)
	for k := range prev {
		next[k] = true
	}
	next[name] = true
	return context.WithValue(ctx, heldKey{}, next)
}
