package coordinator

import (
	"hash/crc32"
	"hash/fnv"

	mapset "github.com/deckarep/golang-set"
	sync "github.com/sasha-s/go-deadlock"

	"github.com/deepankarsharma/tiered-storage/internal/cluster"
	"github.com/deepankarsharma/tiered-storage/internal/placement"
	"github.com/deepankarsharma/tiered-storage/internal/ring"
)

// KeyInfo is the per-key replication configuration. It is
// created lazily, with the registry's default replication factors given to
// NewRegistry, on first
// resolution and never silently changed afterward.
type KeyInfo struct {
	Tier      string
	GlobalRep int
	LocalRep  int
}

// Handoff names a key a join/add operation requires moving to a new
// member, and whether the sender must drop its own copy afterward.
type Handoff struct {
	Key          string
	RemoveLocally bool
}

// Registry holds one node's placement state: the global ring (cluster node
// addresses), the local ring (this node's worker identities), the lazily
// populated placement map, and the ebs-device map. All methods are
// self-contained and side-effect-free with respect to the network — callers
// needing to reach another node or a local worker do so themselves, using
// the addresses Registry resolves.
type Registry struct {
	mu sync.Mutex

	self string

	globalRing *ring.Ring
	localRing  *ring.Ring

	placement map[string]KeyInfo
	devices   *cluster.DeviceMap

	defaultGlobalRep int
	defaultLocalRep  int
}

// NewRegistry constructs a Registry for the node at selfAddr (its
// "ip:port" global-ring identity), seeded with itself as the sole global
// ring member, an empty local ring, and the given default replication
// factors for newly observed keys.
func NewRegistry(selfAddr string, defaultGlobalRep, defaultLocalRep int) *Registry {
	g := ring.New(globalHash)
	g.Insert(selfAddr)
	return &Registry{
		self:             selfAddr,
		globalRing:       g,
		localRing:        ring.New(localHash),
		placement:        make(map[string]KeyInfo),
		devices:          cluster.NewDeviceMap(),
		defaultGlobalRep: defaultGlobalRep,
		defaultLocalRep:  defaultLocalRep,
	}
}

func globalHash(id string) uint32 { return crc32.ChecksumIEEE([]byte(id)) }

func localHash(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32()
}

// SeedAddresses returns every node address currently on the global ring,
// including self.
func (r *Registry) SeedAddresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.globalRing.Members()
}

// DepartNode removes addr from the global ring. The
// receiver performs no data migration of its own — the departing node is
// expected to have already handed off via self-depart.
func (r *Registry) DepartNode(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalRing.Erase(addr)
}

// JoinNode inserts newAddr into the global ring and reports, for every key
// this node currently tracks, whether this node is the canonical sender of
// that key to the new node.
func (r *Registry) JoinNode(newAddr string) []Handoff {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.globalRing.Insert(newAddr)

	var out []Handoff
	for key, info := range r.placement {
		resp := placement.Resolve(key, info.GlobalRep, r.globalRing, r.self)
		if resp.IsResponsible && resp.RemoveOnHandoff && resp.HandoffPeer == newAddr {
			out = append(out, Handoff{Key: key, RemoveLocally: true})
		}
	}
	return out
}

// ensureKeyInfoLocked returns key's KeyInfo, creating it with the registry
// defaults on first observation. Callers must hold r.mu.
func (r *Registry) ensureKeyInfoLocked(key string) KeyInfo {
	info, ok := r.placement[key]
	if !ok {
		info = KeyInfo{GlobalRep: r.defaultGlobalRep, LocalRep: r.defaultLocalRep}
		r.placement[key] = info
	}
	return info
}

// KeyAddresses answers a key-address query: for each
// key, lazily create its placement entry and return the ordered local_rep
// worker identities responsible for it on this node's local ring.
func (r *Registry) KeyAddresses(keys []string) map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]string, len(keys))
	for _, key := range keys {
		info := r.ensureKeyInfoLocked(key)
		if r.localRing.Size() == 0 {
			out[key] = nil
			continue
		}
		out[key] = r.localRing.Successors(key, info.LocalRep)
	}
	return out
}

// LocalSuccessorsExcluding returns key's local-ring successors within
// local_rep, excluding exclude: every other local-ring successor of key,
// excluding the requester.
func (r *Registry) LocalSuccessorsExcluding(key, exclude string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := r.ensureKeyInfoLocked(key)
	if r.localRing.Size() == 0 {
		return nil
	}
	successors := r.localRing.Successors(key, info.LocalRep)
	out := make([]string, 0, len(successors))
	for _, s := range successors {
		if s != exclude {
			out = append(out, s)
		}
	}
	return out
}

// GlobalSuccessorsExcludingSelf returns key's global-ring successor node
// addresses within global_rep, excluding this node.
func (r *Registry) GlobalSuccessorsExcludingSelf(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := r.ensureKeyInfoLocked(key)
	successors := r.globalRing.Successors(key, info.GlobalRep)
	out := make([]string, 0, len(successors))
	for _, s := range successors {
		if s != r.self {
			out = append(out, s)
		}
	}
	return out
}

// AddWorker allocates a device identifier for a new worker and inserts its
// identity into the local ring. Callers then call
// HandoffsForWorkerJoin once per pre-existing worker to learn what each
// must hand off to the newcomer.
func (r *Registry) AddWorker(workerID string, workerIndex int) (device string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, err = r.devices.Allocate(workerIndex)
	if err != nil {
		return "", err
	}
	r.localRing.Insert(workerID)
	return device, nil
}

// HandoffsForWorkerJoin reports, from the perspective of an existing
// worker senderID, which keys it must hand off to newWorkerID now that the
// local ring has grown to include it.
func (r *Registry) HandoffsForWorkerJoin(senderID, newWorkerID string) []Handoff {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Handoff
	for key, info := range r.placement {
		resp := placement.Resolve(key, info.LocalRep, r.localRing, senderID)
		if resp.IsResponsible && resp.HandoffPeer == newWorkerID {
			out = append(out, Handoff{Key: key, RemoveLocally: resp.RemoveOnHandoff})
		}
	}
	return out
}

// RemoveWorker erases workerID from the local ring. Callers should still
// free its device via DepartDone once the worker confirms it has drained.
func (r *Registry) RemoveWorker(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localRing.Erase(workerID)
}

// DepartDone frees device's slot for reuse.
func (r *Registry) DepartDone(device string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices.Free(device)
}

// LocalWorkers returns every worker identity currently on the local ring.
func (r *Registry) LocalWorkers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localRing.Members()
}

// PlacedKeys returns every key this node's placement map currently tracks,
// used by self-depart to enumerate what must be redistributed.
func (r *Registry) PlacedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.placement))
	for k := range r.placement {
		keys = append(keys, k)
	}
	return keys
}

// KeyReplication returns the configured replication factors for key,
// creating them from the registry defaults if key is unseen.
func (r *Registry) KeyReplication(key string) KeyInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureKeyInfoLocked(key)
}

// LiveWorkerSet returns the set of local worker identities as a mapset, for
// callers diffing ring membership against another identity set — Server
// uses this to find ring members with no registered dispatch handle.
func (r *Registry) LiveWorkerSet() mapset.Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := mapset.NewSet()
	for _, id := range r.localRing.Members() {
		s.Add(id)
	}
	return s
}
