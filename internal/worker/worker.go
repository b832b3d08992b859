package worker

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/golang/glog"
	sync "github.com/sasha-s/go-deadlock"

	"github.com/deepankarsharma/tiered-storage/internal/cluster"
	"github.com/deepankarsharma/tiered-storage/internal/lattice"
	"github.com/deepankarsharma/tiered-storage/internal/metrics"
	"github.com/deepankarsharma/tiered-storage/internal/storage"
)

// pollInterval bounds how long the event loop can go without re-checking
// the periodic-gossip flush condition. It is not a busy-poll: the loop
// blocks in select and only wakes early on inbound channel traffic.
const pollInterval = 50 * time.Millisecond

// timestampCounter is the process-wide logical clock every worker on this
// node stamps new PUTs with. It is the only state shared across worker
// goroutines; wall-clock time is neither monotone across workers on the
// same box nor immune to NTP steps, so a single incrementing counter
// stands in for it.
var timestampCounter uint64

// nextTimestamp returns the next value of timestampCounter.
func nextTimestamp() uint64 {
	return atomic.AddUint64(&timestampCounter, 1)
}

// KeyRemoval is one entry of a redistribute command: the key to send, and
// whether the sender must delete its own copy after a successful send.
type KeyRemoval struct {
	Key    string
	Remove bool
}

// Coordinator is the subset of coordinator behavior a worker depends on:
// changeset-address resolution and the depart-done
// acknowledgment (item 6).
type Coordinator interface {
	ChangesetAddresses(ctx context.Context, req cluster.KeyRequest) (cluster.KeyResponse, error)
	DepartDone(ctx context.Context, workerID, device string) error
}

// RemoteGossiper pushes a gossip batch to a worker on another node over
// the distributed-gossip transport.
type RemoteGossiper interface {
	SendGossip(ctx context.Context, addr string, batch cluster.Gossip) error
}

// LocalGossiper delivers a gossip batch to a sibling worker on the same
// node without serialization.
type LocalGossiper interface {
	DeliverLocalGossip(workerAddr string, batch map[string]lattice.Value)
}

// VolumeDetacher performs the external remove-volume side effect on
// worker depart. A nil detacher is valid for
// ebs-disabled workers.
type VolumeDetacher interface {
	Detach(device string) error
}

type clientRequest struct {
	req   cluster.Request
	reply chan cluster.Response
}

var (
	errNoLocalTransport  = errors.New("worker: no local gossiper configured")
	errNoRemoteTransport = errors.New("worker: no remote gossiper configured")
)

// OperationStats is a lock-free, point-in-time snapshot of a worker's
// operation counts.
type OperationStats struct {
	Gets    uint64
	Puts    uint64
	Deletes uint64
}

// Worker owns one partition of a node's key space and runs its event loop
// in a single goroutine (Run). All exported methods other than Run and
// Stats submit work onto a channel rather than touching worker state
// directly, preserving single-writer discipline.
type Worker struct {
	Info cluster.WorkerInfo

	store      storage.Store
	coordinator Coordinator
	remote     RemoteGossiper
	local      LocalGossiper
	detacher   VolumeDetacher
	device     string

	clientCh       chan clientRequest
	distGossipCh   chan cluster.Gossip
	localGossipCh  chan map[string]lattice.Value
	redistributeCh chan map[string][]KeyRemoval
	departCh       chan string

	// mu guards changeset and lastFlush, the only state touched from
	// outside the event loop goroutine (by Stats callers and tests).
	mu        sync.Mutex
	changeset mapset.Set
	lastFlush time.Time
	period    time.Duration
	threshold int

	// gets, puts and deletes are only ever mutated from the event loop
	// goroutine but read from Stats concurrently, so reads and writes
	// both go through sync/atomic.
	gets, puts, deletes uint64
}

// NewWorker constructs a Worker over store, identified by info, using
// coord/remote/local/detacher as its coordinator and transport
// collaborators. period and threshold are the periodic-gossip flush
// trigger; device is the ebs device identifier the worker was started
// with (cmd/node passes the one Registry.AddWorker allocated). On depart,
// detacher and DepartDone receive the device given to Depart.
func NewWorker(info cluster.WorkerInfo, store storage.Store, coord Coordinator, remote RemoteGossiper, local LocalGossiper, detacher VolumeDetacher, device string, period time.Duration, threshold int) *Worker {
	return &Worker{
		Info:           info,
		store:          store,
		coordinator:    coord,
		remote:         remote,
		local:          local,
		detacher:       detacher,
		device:         device,
		clientCh:       make(chan clientRequest),
		distGossipCh:   make(chan cluster.Gossip),
		localGossipCh:  make(chan map[string]lattice.Value),
		redistributeCh: make(chan map[string][]KeyRemoval),
		departCh:       make(chan string),
		changeset:      mapset.NewSet(),
		lastFlush:      time.Now(),
		period:         period,
		threshold:      threshold,
	}
}

// Run executes the event loop until ctx is cancelled or a depart command
// is processed, whichever happens first. It is meant to be called once,
// in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cr := <-w.clientCh:
			w.handleClientRequest(cr)
		case batch := <-w.distGossipCh:
			w.applyGossip(batch.Entries)
		case batch := <-w.localGossipCh:
			w.applyLocalGossip(batch)
		case cmd := <-w.redistributeCh:
			w.handleRedistribute(ctx, cmd)
		case device := <-w.departCh:
			w.handleDepart(ctx, device)
			return
		case <-ticker.C:
			w.maybeFlush(ctx)
		}
	}
}

// Submit sends req to the worker's client-request channel and blocks for
// its reply, or returns a failed response if ctx is done first.
func (w *Worker) Submit(ctx context.Context, req cluster.Request) cluster.Response {
	reply := make(chan cluster.Response, 1)
	select {
	case w.clientCh <- clientRequest{req: req, reply: reply}:
	case <-ctx.Done():
		return cluster.Response{Succeed: false}
	}
	select {
	case resp := <-reply:
		return resp
	case <-ctx.Done():
		return cluster.Response{Succeed: false}
	}
}

// PushGossip delivers batch on the distributed-gossip channel.
func (w *Worker) PushGossip(ctx context.Context, batch cluster.Gossip) {
	select {
	case w.distGossipCh <- batch:
	case <-ctx.Done():
	}
}

// PushLocalGossip delivers batch on the local-gossip channel.
func (w *Worker) PushLocalGossip(ctx context.Context, batch map[string]lattice.Value) {
	select {
	case w.localGossipCh <- batch:
	case <-ctx.Done():
	}
}

// PushRedistribute delivers cmd on the local-redistribute channel.
func (w *Worker) PushRedistribute(ctx context.Context, cmd map[string][]KeyRemoval) {
	select {
	case w.redistributeCh <- cmd:
	case <-ctx.Done():
	}
}

// Depart delivers device on the local-depart channel, triggering the
// worker's drain-and-exit sequence.
func (w *Worker) Depart(ctx context.Context, device string) {
	select {
	case w.departCh <- device:
	case <-ctx.Done():
	}
}

// Stats returns a snapshot of this worker's operation counters.
func (w *Worker) Stats() OperationStats {
	return OperationStats{
		Gets:    atomic.LoadUint64(&w.gets),
		Puts:    atomic.LoadUint64(&w.puts),
		Deletes: atomic.LoadUint64(&w.deletes),
	}
}

// isLocal reports whether addr names a worker on this worker's own node,
// by comparing the host portion of addr against Info.IP.
func (w *Worker) isLocal(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		glog.Warningf("worker %s: malformed destination address %q: %v", w.Info.ID(), addr, err)
		return false
	}
	return host == w.Info.IP
}

