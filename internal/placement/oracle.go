// Package placement implements the responsibility predicate used by both
// rings: given a key, a replication factor, and a ring snapshot, it
// decides whether the caller is responsible for the key and, if so,
// whether and to whom it must hand the key off.
package placement

import "github.com/deepankarsharma/tiered-storage/internal/ring"

// Responsibility is the result of resolving a key against a ring
// snapshot for a given node/worker identity.
type Responsibility struct {
	// HandoffPeer is the peer the caller must migrate the key to before
	// dropping it locally (when RemoveOnHandoff is true), or the peer
	// that must still receive a replica of the key even though the
	// caller keeps its own copy (when RemoveOnHandoff is false and
	// IsResponsible is true). Unused when IsResponsible is false.
	HandoffPeer string

	// IsResponsible reports whether self is among the first rep
	// successors of key on r.
	IsResponsible bool

	// RemoveOnHandoff reports whether self must delete its local copy of
	// key after handing it off to HandoffPeer. True only when the ring
	// holds more members than the replication factor (growth case);
	// false when the ring is at or below the replication factor, in
	// which case the key must additionally be replicated to HandoffPeer
	// without being dropped locally.
	RemoveOnHandoff bool
}

// Resolve decides responsibility and hand-off for key against r. r is a
// snapshot; Resolve does not mutate it, and callers must not mutate r
// concurrently with a batch of Resolve calls.
func Resolve(key string, rep int, r *ring.Ring, self string) Responsibility {
	successors := r.Successors(key, rep)

	isResponsible := false
	for _, id := range successors {
		if id == self {
			isResponsible = true
			break
		}
	}
	if !isResponsible {
		return Responsibility{IsResponsible: false}
	}

	if r.Size() > rep {
		// Growth case: the (rep+1)-th successor is the unique recipient
		// that now enters the replica set and must receive the key
		// before self drops it.
		extended := r.Successors(key, rep+1)
		peer := extended[len(extended)-1]
		return Responsibility{
			IsResponsible:   true,
			RemoveOnHandoff: true,
			HandoffPeer:     peer,
		}
	}

	// Shrink/at-capacity case: ring.size <= rep, so every member is
	// already (or still) in the replica set. The key must remain
	// replicated at the next successor after self within R, wrapping to
	// the first element of R; it must not be dropped locally.
	peer := nextInList(successors, self)
	return Responsibility{
		IsResponsible:   true,
		RemoveOnHandoff: false,
		HandoffPeer:     peer,
	}
}

// nextInList returns the element immediately after self in list, wrapping
// to list[0] if self is the last element.
func nextInList(list []string, self string) string {
	for i, id := range list {
		if id == self {
			return list[(i+1)%len(list)]
		}
	}
	return ""
}
