// Package crdt defines the replicated-document contract the sync engine
// coordinates around. The engine never looks inside an update or a state
// snapshot; it only routes opaque byte payloads between ApplyUpdate and
// EncodeState.
package crdt

// Doc is one live replicated document instance.
// Implementations must make ApplyUpdate commutative and idempotent:
// applying the same update twice, or a set of updates in any order,
// converges to the same state.
type Doc interface {
	// ApplyUpdate merges a binary update into the document in place.
	ApplyUpdate(update []byte) error

	// EncodeState returns a full snapshot of the current merged state,
	// sufficient to reconstruct it from an empty document.
	EncodeState() []byte
}

// Factory creates empty Doc instances. It is injected into the room
// registry so the merge algorithm can be swapped without touching the
// coordination logic built on top of it.
type Factory func() Doc
