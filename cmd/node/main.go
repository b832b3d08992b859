// Package main implements the per-node process of the tiered storage
// cluster: one coordinator task plus a pool of storage workers, sharing a
// single process and communicating in-process.
//
// Architecture:
//
//	┌───────────────────────────────────────────────┐
//	│                     node                       │
//	├───────────────────────────────────────────────┤
//	│  coordinator.Server (fixed well-known ports):  │
//	│    /seed /node-join /node-depart               │
//	│    /key-exchange /changeset-address            │
//	│    /depart-done /self-depart                   │
//	│    /debug/topology /health /metrics            │
//	├───────────────────────────────────────────────┤
//	│  worker.Worker (WORKER_COUNT of them, all      │
//	│  bound to this node's own IP), each with its   │
//	│  own two listeners:                            │
//	│    client reply:    SERVER_PORT + index        │
//	│    distributed gossip pull: SERVER_PORT+100+i  │
//	└───────────────────────────────────────────────┘
//
// A worker's changeset-address and depart-done calls never leave the
// process: cmd/node wires worker.Coordinator directly to this node's own
// *coordinator.Server, bypassing HTTP entirely for same-node traffic.
//
// Configuration:
//   - conf/server/client_address.txt: external client-proxy addresses to
//     notify ("join:<addr>" / "depart:<addr>") when this node's own
//     membership changes. Optional; a missing or empty file just means
//     nobody is listening for notifications.
//   - conf/server/start_servers.txt (new_node=n): peer addresses to seed
//     the global ring with.
//   - conf/server/seed_server.txt (new_node=y): a single address to join
//     the cluster through. On join, this node also broadcasts /node-join
//     to every other address the seed returns, so every existing member
//     — not just the seed — learns of it.
//   - conf/server/ebs_root.txt (enable_ebs=y): filesystem path prefix for
//     persisted value records.
//   - SERVER_PORT (optional env, default 8080): this node's base port;
//     worker i's client/gossip ports are SERVER_PORT+i / SERVER_PORT+100+i.
//   - NODE_IP (optional env, default 127.0.0.1): this node's global-ring
//     identity and every one of its workers' bind IP.
//   - WORKER_COUNT (optional env, default 3): number of storage workers
//     this node runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepankarsharma/tiered-storage/internal/cluster"
	"github.com/deepankarsharma/tiered-storage/internal/coordinator"
	"github.com/deepankarsharma/tiered-storage/internal/lattice"
	"github.com/deepankarsharma/tiered-storage/internal/metrics"
	"github.com/deepankarsharma/tiered-storage/internal/storage"
	"github.com/deepankarsharma/tiered-storage/internal/worker"
)

// logFatal is a variable to allow mocking a fatal exit in tests.
var logFatal = glog.Fatalf

const (
	confDir             = "conf/server"
	clientAddressFile   = "client_address.txt"
	startServersFile    = "start_servers.txt"
	seedServerFile      = "seed_server.txt"
	ebsRootFile         = "ebs_root.txt"
	removeVolumeScript  = "remove_volume.sh"
	defaultGlobalRep    = 3
	defaultLocalRep     = 2
	defaultWorkerCount  = 3
	clientNotifyPath    = "/cluster-notify"
	gossipPeriod        = 2 * time.Second
	gossipThreshold     = 64
	healthCheckInterval = 5 * time.Second
	drainTimeout        = 10 * time.Second
	shutdownTimeout     = 5 * time.Second
)

func main() {
	flag.Parse() // glog registers its own flags at package init

	if len(flag.Args()) != 2 {
		usage()
	}
	newNode, ok := parseYN(flag.Arg(0))
	if !ok {
		usage()
	}
	enableEbs, ok := parseYN(flag.Arg(1))
	if !ok {
		usage()
	}

	run(newNode, enableEbs)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: node <new_node: y|n> <enable_ebs: y|n>")
	os.Exit(1)
}

func parseYN(s string) (value, ok bool) {
	switch s {
	case "y":
		return true, true
	case "n":
		return false, true
	default:
		return false, false
	}
}

// run bootstraps and serves a node until it receives a termination signal,
// at which point it self-departs cleanly and exits 0.
func run(newNode, enableEbs bool) {
	// client_address.txt is optional: it lists external client-proxy
	// addresses to notify on join/depart, not this node's own workers, so
	// a missing or empty file just means no one is listening.
	clientAddrs, err := cluster.ReadLines(filepath.Join(confDir, clientAddressFile))
	if err != nil {
		glog.Warningf("node: %v; no client proxies will be notified", err)
	}

	workerCount, err := strconv.Atoi(getenv("WORKER_COUNT", strconv.Itoa(defaultWorkerCount)))
	if err != nil {
		logFatal("node: invalid WORKER_COUNT: %v", err)
	}
	if workerCount <= 0 {
		logFatal("node: WORKER_COUNT must be positive, got %d", workerCount)
	}

	var peerAddrs []string
	var seedAddr string
	if newNode {
		seedAddr, err = cluster.ReadSingleLine(filepath.Join(confDir, seedServerFile))
		if err != nil {
			logFatal("%v", err)
		}
	} else {
		peerAddrs, err = cluster.ReadLines(filepath.Join(confDir, startServersFile))
		if err != nil {
			logFatal("%v", err)
		}
	}

	var ebsRoot string
	if enableEbs {
		ebsRoot, err = cluster.EbsRoot(filepath.Join(confDir, ebsRootFile))
		if err != nil {
			logFatal("%v", err)
		}
	}

	serverPort, err := strconv.Atoi(getenv("SERVER_PORT", "8080"))
	if err != nil {
		logFatal("node: invalid SERVER_PORT: %v", err)
	}
	selfIP := getenv("NODE_IP", "127.0.0.1")
	selfAddr := selfIP + ":" + strconv.Itoa(serverPort)

	registry := coordinator.NewRegistry(selfAddr, defaultGlobalRep, defaultLocalRep)
	for _, peer := range peerAddrs {
		if peer != selfAddr {
			registry.JoinNode(peer)
		}
	}

	health := coordinator.NewHealthMonitor(healthCheckInterval)
	health.SetOnUnhealthy(func(nodeID string) {
		glog.Warningf("node %s: peer %s marked unhealthy", selfAddr, nodeID)
	})

	srv := coordinator.NewServer(selfAddr, registry, health)
	srv.SetClientNotifier(httpClientNotifier{}, clientAddrs)

	router := &localGossipRouter{workers: make(map[string]*worker.Worker)}
	remote := httpRemoteGossiper{}

	// Every worker on this node shares its own IP; only the index
	// distinguishes them on the local ring.
	workers := make([]*worker.Worker, workerCount)
	for i := 0; i < workerCount; i++ {
		info := cluster.WorkerInfo{IP: selfIP, Index: i}
		device, err := registry.AddWorker(info.ID(), i)
		if err != nil {
			logFatal("node: allocate device for worker %d: %v", i, err)
		}

		var store storage.Store
		var detacher worker.VolumeDetacher
		if enableEbs {
			root := filepath.Join(ebsRoot, fmt.Sprintf("ebs_%d", i))
			fs, err := storage.NewFileStore(root)
			if err != nil {
				logFatal("node: open store for worker %d: %v", i, err)
			}
			store = fs
			detacher = scriptDetacher{script: filepath.Join(confDir, removeVolumeScript)}
		} else {
			store = storage.NewMemoryStore()
		}

		w := worker.NewWorker(info, store, srv, remote, router, detacher, device, gossipPeriod, gossipThreshold)
		workers[i] = w
		router.workers[info.ID()] = w
		srv.RegisterLocalWorker(info.ID(), w, device)
	}
	metrics.WorkerCount.Set(float64(len(workers)))

	runCtx := context.Background()
	var runWg sync.WaitGroup
	for _, w := range workers {
		runWg.Add(1)
		go func(w *worker.Worker) {
			defer runWg.Done()
			w.Run(runCtx)
		}(w)
	}

	servers := buildServers(serverPort, srv, workers)
	for _, s := range servers {
		s := s
		go func() {
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logFatal("node: listen %s: %v", s.Addr, err)
			}
		}()
	}

	go health.Start(runCtx, func() []cluster.NodeInfo {
		seeds := registry.SeedAddresses()
		metrics.NodeCount.Set(float64(len(seeds)))
		var nodes []cluster.NodeInfo
		for _, addr := range seeds {
			if addr == selfAddr {
				continue
			}
			if ni, err := cluster.ParseNodeInfo(addr); err == nil {
				nodes = append(nodes, ni)
			}
		}
		return nodes
	})

	if newNode {
		peers := registerSelfRing(runCtx, seedAddr, selfAddr, registry)
		broadcastJoin(runCtx, peers, selfAddr)
	}
	srv.NotifyClientsJoined(runCtx)

	glog.Infof("node %s listening (workers=%d, ebs=%v)", selfAddr, len(workers), enableEbs)
	awaitShutdown(selfAddr, srv, servers, &runWg)
}

// broadcastJoin announces self to every address in peers, so every
// existing cluster member — not just the seed this node bootstrapped
// through — learns of the new node and redistributes accordingly. peers is
// expected to come from registerSelfRing's seed fetch, so it already
// excludes selfAddr; the self-check below only guards against a stale or
// hand-edited peer list.
func broadcastJoin(ctx context.Context, peers []string, selfAddr string) {
	selfInfo, err := cluster.ParseNodeInfo(selfAddr)
	if err != nil {
		logFatal("node: parse own address %q: %v", selfAddr, err)
	}
	req := cluster.RegisterRequest{Node: selfInfo}
	for _, peer := range peers {
		if peer == selfAddr {
			continue
		}
		if err := cluster.PostJSON(ctx, "http://"+peer+"/node-join", req, nil); err != nil {
			glog.Errorf("node: announce join to %s: %v", peer, err)
		}
	}
}

// registerSelfRing fetches the full global ring from seedAddr, mirrors it
// into this node's own registry so this node can resolve placement for
// keys without asking the seed every time, and returns the fetched
// addresses for broadcastJoin to notify.
func registerSelfRing(ctx context.Context, seedAddr, selfAddr string, registry *coordinator.Registry) []string {
	var resp struct {
		Addresses []string `json:"addresses"`
	}
	if err := cluster.GetJSON(ctx, "http://"+seedAddr+"/seed", &resp); err != nil {
		logFatal("node: fetch seed ring from %s: %v", seedAddr, err)
	}
	peers := make([]string, 0, len(resp.Addresses))
	for _, addr := range resp.Addresses {
		if addr != selfAddr {
			registry.JoinNode(addr)
			peers = append(peers, addr)
		}
	}
	return peers
}

// buildServers lays out one http.Server for the coordinator's fixed
// endpoints plus two per worker (client reply, distributed gossip pull),
// following the node's port template.
func buildServers(serverPort int, srv *coordinator.Server, workers []*worker.Worker) []*http.Server {
	coordMux := http.NewServeMux()
	coordMux.HandleFunc("/seed", srv.ServeSeed)
	coordMux.HandleFunc("/node-join", srv.ServeNodeJoin)
	coordMux.HandleFunc("/node-depart", srv.ServeNodeDepart)
	coordMux.HandleFunc("/key-exchange", srv.ServeKeyExchange)
	coordMux.HandleFunc("/changeset-address", srv.ServeChangesetAddress)
	coordMux.HandleFunc("/depart-done", srv.ServeDepartDone)
	coordMux.HandleFunc("/self-depart", srv.ServeSelfDepart)
	coordMux.HandleFunc("/debug/topology", srv.ServeTopology)
	coordMux.HandleFunc("/health", srv.ServeHealth)
	coordMux.Handle("/metrics", promhttp.Handler())

	servers := []*http.Server{
		newServer(fmt.Sprintf(":%d", serverPort), coordMux),
	}
	for i, w := range workers {
		clientMux := http.NewServeMux()
		clientMux.HandleFunc("/", clientHandler(w))
		servers = append(servers, newServer(fmt.Sprintf(":%d", serverPort+i), clientMux))

		gossipMux := http.NewServeMux()
		gossipMux.HandleFunc("/gossip", gossipHandler(w))
		servers = append(servers, newServer(fmt.Sprintf(":%d", serverPort+100+i), gossipMux))
	}
	return servers
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
}

// clientHandler serves the client reply endpoint: decode a Request, submit
// it to the worker's event loop, encode the Response.
func clientHandler(w *worker.Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req cluster.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		resp := w.Submit(r.Context(), req)
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(resp)
	}
}

// gossipHandler serves the distributed gossip pull endpoint: decode a
// batch and deliver it to the worker's distributed-gossip channel.
func gossipHandler(w *worker.Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var batch cluster.Gossip
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		w.PushGossip(r.Context(), batch)
		rw.WriteHeader(http.StatusOK)
	}
}

// httpRemoteGossiper pushes a gossip batch to a worker on another node's
// distributed-gossip pull endpoint.
type httpRemoteGossiper struct{}

func (httpRemoteGossiper) SendGossip(ctx context.Context, addr string, batch cluster.Gossip) error {
	return cluster.PostJSON(ctx, "http://"+addr+"/gossip", batch, nil)
}

// httpClientNotifier posts a join/depart event to an external client
// proxy's /cluster-notify endpoint. The proxy is not part of this
// process — it's whatever downstream client-facing service is listed in
// client_address.txt.
type httpClientNotifier struct{}

func (httpClientNotifier) Notify(ctx context.Context, proxyAddr, event string) error {
	return cluster.PostJSON(ctx, "http://"+proxyAddr+clientNotifyPath, cluster.ClientNotifyRequest{Event: event}, nil)
}

// localGossipRouter delivers gossip to a sibling worker on this same node
// directly, in-process, without serialization.
type localGossipRouter struct {
	mu      sync.RWMutex
	workers map[string]*worker.Worker
}

func (l *localGossipRouter) DeliverLocalGossip(workerAddr string, batch map[string]lattice.Value) {
	l.mu.RLock()
	w := l.workers[workerAddr]
	l.mu.RUnlock()
	if w == nil {
		glog.Warningf("node: local gossip to unknown worker %s dropped", workerAddr)
		return
	}
	w.PushLocalGossip(context.Background(), batch)
}

// scriptDetacher runs the external remove-volume action as a subprocess.
type scriptDetacher struct {
	script string
}

func (d scriptDetacher) Detach(device string) error {
	return exec.Command(d.script, device).Run()
}

// awaitShutdown blocks until SIGINT/SIGTERM, then drives this node's
// self-depart sequence before tearing down every
// listener. Exit code is 0 on a clean self-depart; a startup
// failure exits non-zero via logFatal before this is ever reached.
func awaitShutdown(selfAddr string, srv *coordinator.Server, servers []*http.Server, runWg *sync.WaitGroup) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	glog.Infof("node %s: self-departing", selfAddr)
	srv.SelfDepart(context.Background())

	drained := make(chan struct{})
	go func() {
		runWg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		glog.Warningf("node %s: timed out waiting for workers to drain", selfAddr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			glog.Errorf("node %s: shutdown %s: %v", selfAddr, s.Addr, err)
		}
	}
	glog.Infof("node %s: stopped", selfAddr)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
