// Package ring implements the sorted consistent-hash ring used for both
// placement rings: the global ring over cluster node addresses and
// the local, per-node ring over storage-worker identities. See
// internal/placement for the responsibility predicate built on top of it.
//
// The ring is deliberately dumb: it holds (hash, id) pairs in sorted order
// and answers successor queries. It does not know about replication
// factors, ownership, or hand-off — that's the placement package's job, so
// that callers can take an immutable snapshot and reason about placement
// without the ring mutating underneath them.
package ring

import (
	"sort"

	"golang.org/x/exp/slices"
)

// HashFunc computes a ring position for a node identifier. The global ring
// hashes "ip:port"; the local ring hashes "ip:worker_index" — both are
// plain functions passed in at construction, not a type hierarchy.
type HashFunc func(id string) uint32

// entry is one ring position: a hashed node identifier.
type entry struct {
	id   string
	hash uint32
}

// Ring is a sorted consistent-hash ring over member identifiers, keyed by
// a caller-supplied HashFunc. The zero value is not usable; construct with
// New.
type Ring struct {
	hash    HashFunc
	entries []entry
}

// New constructs an empty ring that hashes identifiers with hf.
func New(hf HashFunc) *Ring {
	return &Ring{hash: hf}
}

// less orders entries primarily by hash, and on an equal hash by id
// ascending: ties on equal hashes break by node identifier in ascending
// lexicographic order.
func less(a, b entry) bool {
	if a.hash != b.hash {
		return a.hash < b.hash
	}
	return a.id < b.id
}

// Insert adds node to the ring. Inserting a node already present is a
// no-op.
func (r *Ring) Insert(id string) {
	e := entry{id: id, hash: r.hash(id)}
	idx, found := r.search(e)
	if found {
		return
	}
	r.entries = slices.Insert(r.entries, idx, e)
}

// Erase removes node from the ring. Erasing an absent node is a no-op.
func (r *Ring) Erase(id string) {
	e := entry{id: id, hash: r.hash(id)}
	idx, found := r.search(e)
	if !found {
		return
	}
	r.entries = slices.Delete(r.entries, idx, idx+1)
}

// Contains reports whether id is currently a ring member.
func (r *Ring) Contains(id string) bool {
	e := entry{id: id, hash: r.hash(id)}
	_, found := r.search(e)
	return found
}

// Size returns the number of members on the ring.
func (r *Ring) Size() int {
	return len(r.entries)
}

// Members returns the ring's member identifiers in hash order. The
// returned slice is a copy; callers may not mutate the ring through it.
func (r *Ring) Members() []string {
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.id
	}
	return out
}

// search returns the index at which e would sit to keep entries sorted,
// and whether an entry with the same id already exists there.
func (r *Ring) search(e entry) (idx int, found bool) {
	idx = sort.Search(len(r.entries), func(i int) bool {
		return !less(r.entries[i], e)
	})
	if idx < len(r.entries) && r.entries[idx].hash == e.hash && r.entries[idx].id == e.id {
		return idx, true
	}
	return idx, false
}

// find returns the index of the smallest hash >= hash(key), wrapping to 0
// past the maximum. The ring must be non-empty.
func (r *Ring) find(key string) int {
	target := r.hash(key)
	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].hash >= target
	})
	if idx == len(r.entries) {
		return 0
	}
	return idx
}

// Successors returns the next n distinct nodes on the ring starting from
// find(key), wrapping as needed. If n is greater than the ring size, it
// returns every member once, in successor order, without repetition.
// Successors panics if the ring is empty — callers must check Size()
// first, matching the "undefined on empty ring" contract of find.
func (r *Ring) Successors(key string, n int) []string {
	size := len(r.entries)
	if size == 0 {
		panic("ring: Successors called on empty ring")
	}
	if n > size {
		n = size
	}
	start := r.find(key)
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = r.entries[(start+i)%size].id
	}
	return out
}
