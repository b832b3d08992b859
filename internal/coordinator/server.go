package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	sync "github.com/sasha-s/go-deadlock"

	lru "github.com/hashicorp/golang-lru"
	"github.com/golang/glog"
	"gopkg.in/yaml.v3"

	"github.com/deepankarsharma/tiered-storage/internal/cluster"
	"github.com/deepankarsharma/tiered-storage/internal/metrics"
	wk "github.com/deepankarsharma/tiered-storage/internal/worker"
)

// remoteAddrCacheSize bounds the number of (node, key) -> worker-address
// resolutions the coordinator keeps around between full key-exchange
// round trips.
const remoteAddrCacheSize = 4096

type remoteAddrCacheKey struct {
	node string
	key  string
}

// LocalWorker is the subset of worker.Worker behavior the coordinator needs
// in order to drive the local redistribute and depart protocols.
type LocalWorker interface {
	PushRedistribute(ctx context.Context, cmd map[string][]wk.KeyRemoval)
	Depart(ctx context.Context, device string)
}

// localWorkerEntry pairs a dispatch handle with the ebs device identifier
// it was started with, so SelfDepart can hand the right device back to
// Depart without the worker having to expose it itself.
type localWorkerEntry struct {
	worker LocalWorker
	device string
}

// ClientNotifier delivers a cluster-membership event ("join:<addr>" or
// "depart:<addr>") to one external client-proxy address, the way
// client_address.txt's entries are notified of this node's arrival and
// departure. Implementations are best-effort: a Notify error is logged,
// never fatal — a client proxy that missed a notification will still see
// an updated ring on its next key lookup.
type ClientNotifier interface {
	Notify(ctx context.Context, proxyAddr, event string) error
}

// Server exposes a Registry and HealthMonitor over the fixed coordinator
// endpoints: seed, node-join, node-depart, key-exchange,
// changeset-address, depart-done, self-depart.
type Server struct {
	Registry *Registry
	Health   *HealthMonitor

	self string // this node's "ip:port" global-ring identity

	mu      sync.Mutex
	workers map[string]localWorkerEntry // local worker ID -> dispatch handle

	remoteAddrs *lru.Cache // remoteAddrCacheKey -> []string, evicted on membership change

	notifier    ClientNotifier
	clientAddrs []string // external client-proxy addresses, from client_address.txt
}

// NewServer constructs a Server for the node identified by self.
func NewServer(self string, registry *Registry, health *HealthMonitor) *Server {
	cache, err := lru.New(remoteAddrCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which never happens here.
		panic(err)
	}
	return &Server{self: self, Registry: registry, Health: health, workers: make(map[string]localWorkerEntry), remoteAddrs: cache}
}

// SetClientNotifier wires the external client-proxy addresses this node
// announces membership changes to, and the transport used to reach them.
// A nil notifier or empty addrs makes both NotifyClientsJoined and
// SelfDepart's client fan-out no-ops.
func (s *Server) SetClientNotifier(notifier ClientNotifier, addrs []string) {
	s.notifier = notifier
	s.clientAddrs = addrs
}

// notifyClients fans event out to every configured client-proxy address,
// logging and continuing past any individual failure.
func (s *Server) notifyClients(ctx context.Context, event string) {
	if s.notifier == nil {
		return
	}
	for _, addr := range s.clientAddrs {
		if err := s.notifier.Notify(ctx, addr, event); err != nil {
			glog.Warningf("coordinator: notify client proxy %s of %s: %v", addr, event, err)
		}
	}
}

// NotifyClientsJoined announces this node's arrival to every configured
// client proxy. cmd/node calls this once at startup, whether this node
// joined an existing cluster through a seed or started as part of the
// initial membership list — both cases are a "join" from a client's
// perspective.
func (s *Server) NotifyClientsJoined(ctx context.Context) {
	s.notifyClients(ctx, "join:"+s.self)
}

// RegisterLocalWorker makes a running worker reachable for dispatch by its
// local-ring identity, recording device as the identifier to hand back to
// Depart on self-depart. cmd/node calls this once per worker at startup,
// passing the device that Registry.AddWorker allocated whether or not ebs
// is enabled.
func (s *Server) RegisterLocalWorker(id string, w LocalWorker, device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[id] = localWorkerEntry{worker: w, device: device}
}

// UnregisterLocalWorker drops a worker once it has departed.
func (s *Server) UnregisterLocalWorker(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
}

func (s *Server) localWorker(id string) LocalWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id].worker
}

func (s *Server) localWorkerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	return ids
}

// localWorkerDevice returns the ebs device id recorded for a registered
// local worker, or "" if it isn't registered or carries none.
func (s *Server) localWorkerDevice(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id].device
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("coordinator: encode response: %v", err)
	}
}

// seedResponse is the body shape for the seed endpoint.
type seedResponse struct {
	Addresses []string `json:"addresses"`
}

// ServeSeed answers with the list of node addresses currently on the
// global ring, including self.
func (s *Server) ServeSeed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, seedResponse{Addresses: s.Registry.SeedAddresses()})
}

// ServeNodeJoin admits a new node into the global ring. On success it asynchronously
// resolves hand-offs owed to the new node and dispatches them to local
// workers, since the HTTP caller (the joining node) does not need to wait
// on that redistribution to complete.
func (s *Server) ServeNodeJoin(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	newAddr := req.Node.Addr()
	handoffs := s.Registry.JoinNode(newAddr)
	metrics.NodeCount.Set(float64(len(s.Registry.SeedAddresses())))
	s.invalidateRemoteAddrs()

	go s.redistributeToNewNode(context.Background(), newAddr, handoffs)
	w.WriteHeader(http.StatusOK)
}

// redistributeToNewNode resolves, for each key this node must hand to
// newAddr, that node's local worker addresses via a key-exchange call, then
// pushes a local-redistribute command to every local worker replicating the
// key.
func (s *Server) redistributeToNewNode(ctx context.Context, newAddr string, handoffs []Handoff) {
	if len(handoffs) == 0 {
		return
	}
	keys := make([]string, len(handoffs))
	removeByKey := make(map[string]bool, len(handoffs))
	for i, h := range handoffs {
		keys[i] = h.Key
		removeByKey[h.Key] = h.RemoveLocally
	}

	destsByKey, err := s.keyExchange(ctx, newAddr, keys)
	if err != nil {
		glog.Errorf("coordinator: key-exchange with new node %s: %v", newAddr, err)
		return
	}

	for _, h := range handoffs {
		dests := destsByKey[h.Key]
		for _, senderID := range s.Registry.LocalSuccessorsExcluding(h.Key, "") {
			worker := s.localWorker(senderID)
			if worker == nil {
				continue
			}
			cmd := make(map[string][]wk.KeyRemoval, len(dests))
			for _, dest := range dests {
				cmd[dest] = []wk.KeyRemoval{{Key: h.Key, Remove: removeByKey[h.Key]}}
			}
			worker.PushRedistribute(ctx, cmd)
		}
	}
}

// keyExchange asks addr's coordinator for the local worker addresses
// responsible for keys, serving cached resolutions where available and
// only round-tripping for the keys that miss.
func (s *Server) keyExchange(ctx context.Context, addr string, keys []string) (map[string][]string, error) {
	out := make(map[string][]string, len(keys))
	var misses []string
	for _, key := range keys {
		if v, ok := s.remoteAddrs.Get(remoteAddrCacheKey{node: addr, key: key}); ok {
			out[key] = v.([]string)
		} else {
			misses = append(misses, key)
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	req := cluster.KeyRequest{Sender: s.self, Keys: misses}
	var resp cluster.KeyResponse
	if err := cluster.PostJSON(ctx, "http://"+addr+"/key-exchange", req, &resp); err != nil {
		return nil, err
	}
	for _, t := range resp.Tuples {
		out[t.Key] = t.Addresses
		s.remoteAddrs.Add(remoteAddrCacheKey{node: addr, key: t.Key}, t.Addresses)
	}
	return out, nil
}

// invalidateRemoteAddrs drops every cached remote-address resolution. Called
// on membership change, since both ring growth and departure can move a
// key's responsible workers.
func (s *Server) invalidateRemoteAddrs() {
	s.remoteAddrs.Purge()
}

// ServeNodeDepart removes the departing node from the global ring. No
// migration is performed here; the sender is expected to have already
// redistributed via self-depart.
func (s *Server) ServeNodeDepart(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Registry.DepartNode(req.Node.Addr())
	metrics.NodeCount.Set(float64(len(s.Registry.SeedAddresses())))
	s.invalidateRemoteAddrs()
	w.WriteHeader(http.StatusOK)
}

// ServeKeyExchange lazily creates placement entries and returns the
// local-ring worker addresses for each key. This
// endpoint only ever answers another node's coordinator, so it stays a
// thin decode/dispatch/encode wrapper around Registry.KeyAddresses.
func (s *Server) ServeKeyExchange(w http.ResponseWriter, r *http.Request) {
	var req cluster.KeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	addrs := s.Registry.KeyAddresses(req.Keys)
	resp := cluster.KeyResponse{Tuples: make([]cluster.KeyAddresses, 0, len(req.Keys))}
	for _, key := range req.Keys {
		resp.Tuples = append(resp.Tuples, cluster.KeyAddresses{Key: key, Addresses: addrs[key]})
	}
	writeJSON(w, resp)
}

// ChangesetAddresses returns, for each key, the other local-ring
// successors excluding the requester, plus — unless
// req.LocalOnly — the worker addresses on every other responsible
// global-ring node, obtained by a nested key-exchange call.
//
// This is a worker-originated query, always against the worker's own
// node's coordinator. cmd/node wires internal/worker.Worker's Coordinator
// interface directly to this method; ServeChangesetAddress below exists
// only so the same resolution is reachable over HTTP for operator tooling.
func (s *Server) ChangesetAddresses(ctx context.Context, req cluster.KeyRequest) (cluster.KeyResponse, error) {
	resp := cluster.KeyResponse{Tuples: make([]cluster.KeyAddresses, 0, len(req.Keys))}
	for _, key := range req.Keys {
		addrs := s.Registry.LocalSuccessorsExcluding(key, req.Sender)

		if !req.LocalOnly {
			for _, nodeAddr := range s.Registry.GlobalSuccessorsExcludingSelf(key) {
				remote, err := s.keyExchange(ctx, nodeAddr, []string{key})
				if err != nil {
					glog.Warningf("coordinator: changeset-address: key-exchange with %s: %v", nodeAddr, err)
					continue
				}
				addrs = append(addrs, remote[key]...)
			}
		}
		resp.Tuples = append(resp.Tuples, cluster.KeyAddresses{Key: key, Addresses: addrs})
	}
	return resp, nil
}

// ServeChangesetAddress is the HTTP decode/encode wrapper around
// ChangesetAddresses.
func (s *Server) ServeChangesetAddress(w http.ResponseWriter, r *http.Request) {
	var req cluster.KeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.ChangesetAddresses(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

// DepartDone frees the worker's device slot for reuse and drops it from
// local dispatch. Like ChangesetAddresses, this
// is always called by a worker against its own node's coordinator; cmd/node
// wires Worker's Coordinator interface directly to this method.
func (s *Server) DepartDone(ctx context.Context, workerID, device string) error {
	s.Registry.RemoveWorker(workerID)
	s.Registry.DepartDone(device)
	s.UnregisterLocalWorker(workerID)
	return nil
}

// ServeDepartDone is the HTTP decode/encode wrapper around DepartDone.
func (s *Server) ServeDepartDone(w http.ResponseWriter, r *http.Request) {
	var req cluster.DepartDoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.DepartDone(r.Context(), req.WorkerID, req.Device); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SelfDepart removes this node from the global ring, notifies the
// remaining members and every configured client proxy, redistributes every
// locally placed key to its surviving replicas, then drains every local
// worker. cmd/node calls this directly on shutdown; ServeSelfDepart exposes
// the same operation over HTTP for external orchestration.
func (s *Server) SelfDepart(ctx context.Context) {
	peers := s.Registry.SeedAddresses()
	s.Registry.DepartNode(s.self)

	selfInfo, err := cluster.ParseNodeInfo(s.self)
	if err != nil {
		glog.Errorf("coordinator: self-depart: parse own address %q: %v", s.self, err)
		return
	}
	for _, peer := range peers {
		if peer == s.self {
			continue
		}
		req := cluster.RegisterRequest{Node: selfInfo}
		if err := cluster.PostJSON(ctx, "http://"+peer+"/node-depart", req, nil); err != nil {
			glog.Errorf("coordinator: notify %s of self-depart: %v", peer, err)
		}
	}

	s.notifyClients(ctx, "depart:"+s.self)

	for _, key := range s.Registry.PlacedKeys() {
		dests := s.Registry.GlobalSuccessorsExcludingSelf(key)
		for _, senderID := range s.Registry.LocalSuccessorsExcluding(key, "") {
			worker := s.localWorker(senderID)
			if worker == nil {
				continue
			}
			cmd := make(map[string][]wk.KeyRemoval, len(dests))
			for _, dest := range dests {
				cmd[dest] = []wk.KeyRemoval{{Key: key, Remove: false}}
			}
			worker.PushRedistribute(ctx, cmd)
		}
	}

	for _, id := range s.localWorkerIDs() {
		worker := s.localWorker(id)
		if worker == nil {
			continue
		}
		worker.Depart(ctx, s.localWorkerDevice(id))
	}
}

// ServeSelfDepart is the HTTP wrapper around SelfDepart.
func (s *Server) ServeSelfDepart(w http.ResponseWriter, r *http.Request) {
	s.SelfDepart(r.Context())
	w.WriteHeader(http.StatusOK)
}

// topologySnapshot is the body served at /debug/topology, for operator
// visibility into ring membership and health.
type topologySnapshot struct {
	Self              string                 `yaml:"self"`
	GlobalRing        []string               `yaml:"global_ring"`
	LocalRing         []string               `yaml:"local_ring"`
	NodeHealth        map[string]*NodeHealth `yaml:"node_health"`
	StaleLocalWorkers []string               `yaml:"stale_local_workers,omitempty"`
}

// staleLocalWorkers diffs the registry's local ring, as a set, against the
// dispatch handles actually registered with this server: a ring member with
// no handle is one that crashed or was killed without going through
// DepartDone, so the ring still counts it as live but nothing can dispatch
// to it.
func (s *Server) staleLocalWorkers() []string {
	live := s.Registry.LiveWorkerSet()

	s.mu.Lock()
	for id := range s.workers {
		live.Remove(id)
	}
	s.mu.Unlock()

	out := make([]string, 0, live.Cardinality())
	for _, id := range live.ToSlice() {
		out = append(out, id.(string))
	}
	sort.Strings(out)
	return out
}

// ServeTopology serves a yaml-encoded snapshot of ring membership and
// health at GET /debug/topology.
func (s *Server) ServeTopology(w http.ResponseWriter, r *http.Request) {
	snapshot := topologySnapshot{
		Self:              s.self,
		GlobalRing:        s.Registry.SeedAddresses(),
		LocalRing:         s.Registry.LocalWorkers(),
		StaleLocalWorkers: s.staleLocalWorkers(),
	}
	if s.Health != nil {
		snapshot.NodeHealth = s.Health.GetAllNodeHealth()
	}

	w.Header().Set("Content-Type", "application/yaml")
	if err := yaml.NewEncoder(w).Encode(snapshot); err != nil {
		glog.Errorf("coordinator: encode topology: %v", err)
	}
}

// ServeHealth answers a liveness probe for this node's own coordinator.
func (s *Server) ServeHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}
