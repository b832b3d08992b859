package worker

import (
	"context"
	sync "github.com/sasha-s/go-deadlock"
	"testing"
	"time"

	"github.com/deepankarsharma/tiered-storage/internal/cluster"
	"github.com/deepankarsharma/tiered-storage/internal/lattice"
	"github.com/deepankarsharma/tiered-storage/internal/storage"
)

// fakeCoordinator records ChangesetAddresses/DepartDone calls and answers
// every key-address query by fanning out to a fixed set of addresses.
type fakeCoordinator struct {
	mu         sync.Mutex
	addresses  []string
	departedID string
	departDev  string
	departCh   chan struct{}
}

func newFakeCoordinator(addresses ...string) *fakeCoordinator {
	return &fakeCoordinator{addresses: addresses, departCh: make(chan struct{}, 1)}
}

func (f *fakeCoordinator) ChangesetAddresses(ctx context.Context, req cluster.KeyRequest) (cluster.KeyResponse, error) {
	tuples := make([]cluster.KeyAddresses, 0, len(req.Keys))
	for _, k := range req.Keys {
		tuples = append(tuples, cluster.KeyAddresses{Key: k, Addresses: f.addresses})
	}
	return cluster.KeyResponse{Tuples: tuples}, nil
}

func (f *fakeCoordinator) DepartDone(ctx context.Context, workerID, device string) error {
	f.mu.Lock()
	f.departedID, f.departDev = workerID, device
	f.mu.Unlock()
	f.departCh <- struct{}{}
	return nil
}

// fakeRemote records every gossip batch sent to it, keyed by destination.
type fakeRemote struct {
	mu    sync.Mutex
	sent  map[string]cluster.Gossip
	fail  map[string]bool
	calls chan string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{sent: make(map[string]cluster.Gossip), fail: make(map[string]bool), calls: make(chan string, 16)}
}

func (f *fakeRemote) SendGossip(ctx context.Context, addr string, batch cluster.Gossip) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[addr] {
		return errSendFailed
	}
	f.sent[addr] = batch
	select {
	case f.calls <- addr:
	default:
	}
	return nil
}

type fakeLocal struct {
	mu   sync.Mutex
	sent map[string]map[string]lattice.Value
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{sent: make(map[string]map[string]lattice.Value)}
}

func (f *fakeLocal) DeliverLocalGossip(addr string, batch map[string]lattice.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[addr] = batch
}

type fakeDetacher struct {
	mu      sync.Mutex
	device  string
	called  bool
	failing bool
}

func (f *fakeDetacher) Detach(device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device, f.called = device, true
	if f.failing {
		return errDetachFailed
	}
	return nil
}

var (
	errSendFailed   = &testErr{"send failed"}
	errDetachFailed = &testErr{"detach failed"}
)

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }

func newTestWorker(store storage.Store, coord Coordinator, remote RemoteGossiper, local LocalGossiper) *Worker {
	info := cluster.WorkerInfo{IP: "10.0.0.1", Index: 0}
	return NewWorker(info, store, coord, remote, local, nil, "", time.Hour, 1000)
}

func TestWorkerGetPutRoundTrip(t *testing.T) {
	w := newTestWorker(storage.NewMemoryStore(), newFakeCoordinator(), newFakeRemote(), newFakeLocal())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	putResp := w.Submit(ctx, cluster.Request{Put: &cluster.PutRequest{Key: "a", Value: []byte("1")}})
	if !putResp.Succeed {
		t.Fatalf("put did not succeed")
	}

	getResp := w.Submit(ctx, cluster.Request{Get: &cluster.GetRequest{Key: "a"}})
	if !getResp.Succeed || string(getResp.Value) != "1" {
		t.Fatalf("get = %+v, want succeed with value 1", getResp)
	}

	stats := w.Stats()
	if stats.Gets != 1 || stats.Puts != 1 {
		t.Errorf("stats = %+v, want 1 get and 1 put", stats)
	}
}

func TestWorkerGetMissingFails(t *testing.T) {
	w := newTestWorker(storage.NewMemoryStore(), newFakeCoordinator(), newFakeRemote(), newFakeLocal())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	resp := w.Submit(ctx, cluster.Request{Get: &cluster.GetRequest{Key: "missing"}})
	if resp.Succeed {
		t.Errorf("get of missing key succeeded")
	}
}

func TestWorkerGossipMergesOnConflict(t *testing.T) {
	w := newTestWorker(storage.NewMemoryStore(), newFakeCoordinator(), newFakeRemote(), newFakeLocal())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.PushGossip(ctx, cluster.Gossip{Entries: []cluster.GossipEntry{{Key: "a", Value: []byte("old"), Timestamp: 1}}})
	w.PushGossip(ctx, cluster.Gossip{Entries: []cluster.GossipEntry{{Key: "a", Value: []byte("new"), Timestamp: 2}}})

	resp := w.Submit(ctx, cluster.Request{Get: &cluster.GetRequest{Key: "a"}})
	if string(resp.Value) != "new" {
		t.Errorf("get after conflicting gossip = %q, want new (higher timestamp wins)", resp.Value)
	}
}

func TestWorkerLocalGossipApplies(t *testing.T) {
	w := newTestWorker(storage.NewMemoryStore(), newFakeCoordinator(), newFakeRemote(), newFakeLocal())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.PushLocalGossip(ctx, map[string]lattice.Value{"a": {Data: []byte("v"), Timestamp: 5}})

	resp := w.Submit(ctx, cluster.Request{Get: &cluster.GetRequest{Key: "a"}})
	if !resp.Succeed || string(resp.Value) != "v" {
		t.Errorf("get after local gossip = %+v, want succeed with v", resp)
	}
}

func TestWorkerPeriodicFlushReachesChangesetThreshold(t *testing.T) {
	remote := newFakeRemote()
	coord := newFakeCoordinator("10.0.0.2:9100")
	w := NewWorker(cluster.WorkerInfo{IP: "10.0.0.1", Index: 0}, storage.NewMemoryStore(), coord, remote, newFakeLocal(), nil, "", time.Hour, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Submit(ctx, cluster.Request{Put: &cluster.PutRequest{Key: "a", Value: []byte("1")}})

	select {
	case addr := <-remote.calls:
		if addr != "10.0.0.2:9100" {
			t.Errorf("gossip sent to %q, want 10.0.0.2:9100", addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for periodic flush to gossip")
	}
}

func TestWorkerRedistributeDeletesOnlyAfterSuccessfulSend(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("a", lattice.Value{Data: []byte("1"), Timestamp: 1})
	store.Put("b", lattice.Value{Data: []byte("2"), Timestamp: 1})

	remote := newFakeRemote()
	remote.fail["10.0.0.3:9100"] = true

	w := newTestWorker(store, newFakeCoordinator(), remote, newFakeLocal())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	cmd := map[string][]KeyRemoval{
		"10.0.0.2:9100": {{Key: "a", Remove: true}},
		"10.0.0.3:9100": {{Key: "b", Remove: true}},
	}
	w.PushRedistribute(ctx, cmd)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for redistribute to settle")
		default:
		}
		aResp := w.Submit(ctx, cluster.Request{Get: &cluster.GetRequest{Key: "a"}})
		if !aResp.Succeed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	bResp := w.Submit(ctx, cluster.Request{Get: &cluster.GetRequest{Key: "b"}})
	if !bResp.Succeed {
		t.Errorf("key b was deleted despite a failed send; hand-off safety violated")
	}
}

func TestWorkerDepartDrainsAndAcks(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("a", lattice.Value{Data: []byte("1"), Timestamp: 1})

	coord := newFakeCoordinator("10.0.0.2:9100")
	detacher := &fakeDetacher{}
	w := NewWorker(cluster.WorkerInfo{IP: "10.0.0.1", Index: 0}, store, coord, newFakeRemote(), newFakeLocal(), detacher, "ba", time.Hour, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Depart(ctx, "ba")

	select {
	case <-coord.departCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for depart-done ack")
	}

	coord.mu.Lock()
	defer coord.mu.Unlock()
	if coord.departedID != w.Info.ID() || coord.departDev != "ba" {
		t.Errorf("depart ack = (%q, %q), want (%q, ba)", coord.departedID, coord.departDev, w.Info.ID())
	}
	detacher.mu.Lock()
	defer detacher.mu.Unlock()
	if !detacher.called || detacher.device != "ba" {
		t.Errorf("detacher called=%v device=%q, want called with ba", detacher.called, detacher.device)
	}
}
