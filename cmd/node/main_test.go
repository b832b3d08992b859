package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deepankarsharma/tiered-storage/internal/cluster"
	"github.com/deepankarsharma/tiered-storage/internal/lattice"
	"github.com/deepankarsharma/tiered-storage/internal/storage"
	"github.com/deepankarsharma/tiered-storage/internal/worker"
)

func TestParseYN(t *testing.T) {
	tests := []struct {
		in    string
		value bool
		ok    bool
	}{
		{"y", true, true},
		{"n", false, true},
		{"Y", false, false},
		{"yes", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		value, ok := parseYN(tt.in)
		if value != tt.value || ok != tt.ok {
			t.Errorf("parseYN(%q) = (%v, %v), want (%v, %v)", tt.in, value, ok, tt.value, tt.ok)
		}
	}
}

func TestGetenv(t *testing.T) {
	t.Setenv("NODE_TEST_VAR", "set")
	if got := getenv("NODE_TEST_VAR", "default"); got != "set" {
		t.Errorf("getenv with value set = %q, want set", got)
	}
	if got := getenv("NODE_TEST_VAR_UNSET", "default"); got != "default" {
		t.Errorf("getenv with no value = %q, want default", got)
	}
}

// noopCoordinator answers every changeset-address query with no addresses
// and acks depart-done silently, enough for handler-level tests that never
// exercise gossip fan-out or hand-off.
type noopCoordinator struct{}

func (noopCoordinator) ChangesetAddresses(ctx context.Context, req cluster.KeyRequest) (cluster.KeyResponse, error) {
	tuples := make([]cluster.KeyAddresses, len(req.Keys))
	for i, k := range req.Keys {
		tuples[i] = cluster.KeyAddresses{Key: k}
	}
	return cluster.KeyResponse{Tuples: tuples}, nil
}

func (noopCoordinator) DepartDone(ctx context.Context, workerID, device string) error { return nil }

type noopRemote struct{}

func (noopRemote) SendGossip(ctx context.Context, addr string, batch cluster.Gossip) error {
	return nil
}

type noopLocal struct{}

func (noopLocal) DeliverLocalGossip(addr string, batch map[string]lattice.Value) {}

func newTestWorker() *worker.Worker {
	info := cluster.WorkerInfo{IP: "10.0.0.1", Index: 0}
	return worker.NewWorker(info, storage.NewMemoryStore(), noopCoordinator{}, noopRemote{}, noopLocal{}, nil, "", time.Hour, 1000)
}

func TestClientHandlerPutThenGet(t *testing.T) {
	w := newTestWorker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	handler := clientHandler(w)

	putBody, _ := json.Marshal(cluster.Request{Put: &cluster.PutRequest{Key: "a", Value: []byte("1")}})
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(putBody))))
	var putResp cluster.Response
	if err := json.NewDecoder(rec.Body).Decode(&putResp); err != nil {
		t.Fatalf("decode put response: %v", err)
	}
	if !putResp.Succeed {
		t.Fatalf("put did not succeed")
	}

	getBody, _ := json.Marshal(cluster.Request{Get: &cluster.GetRequest{Key: "a"}})
	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(getBody))))
	var getResp cluster.Response
	if err := json.NewDecoder(rec.Body).Decode(&getResp); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if !getResp.Succeed || string(getResp.Value) != "1" {
		t.Errorf("get after put = %+v, want succeed with value 1", getResp)
	}
}

func TestClientHandlerRejectsBadJSON(t *testing.T) {
	handler := clientHandler(newTestWorker())
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGossipHandlerAppliesBatch(t *testing.T) {
	w := newTestWorker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	handler := gossipHandler(w)
	body, _ := json.Marshal(cluster.Gossip{Entries: []cluster.GossipEntry{{Key: "a", Value: []byte("v"), Timestamp: 1}}})
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/gossip", strings.NewReader(string(body))))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	deadline := time.After(2 * time.Second)
	for {
		resp := w.Submit(ctx, cluster.Request{Get: &cluster.GetRequest{Key: "a"}})
		if resp.Succeed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("gossip entry never applied")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestHTTPRemoteGossiperPostsBatch(t *testing.T) {
	received := make(chan cluster.Gossip, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch cluster.Gossip
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode request: %v", err)
		}
		received <- batch
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	var g httpRemoteGossiper
	batch := cluster.Gossip{Entries: []cluster.GossipEntry{{Key: "k", Value: []byte("v"), Timestamp: 1}}}
	if err := g.SendGossip(context.Background(), addr, batch); err != nil {
		t.Fatalf("SendGossip: %v", err)
	}

	select {
	case got := <-received:
		if len(got.Entries) != 1 || got.Entries[0].Key != "k" {
			t.Errorf("received batch = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the batch")
	}
}

func TestLocalGossipRouterDeliversToRegisteredWorker(t *testing.T) {
	w := newTestWorker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	router := &localGossipRouter{workers: map[string]*worker.Worker{"10.0.0.1:0": w}}
	router.DeliverLocalGossip("10.0.0.1:0", map[string]lattice.Value{"a": {Data: []byte("v"), Timestamp: 1}})

	deadline := time.After(2 * time.Second)
	for {
		resp := w.Submit(ctx, cluster.Request{Get: &cluster.GetRequest{Key: "a"}})
		if resp.Succeed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("local gossip never delivered")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestLocalGossipRouterDropsUnknownWorker(t *testing.T) {
	router := &localGossipRouter{workers: map[string]*worker.Worker{}}
	// Must not panic when the destination isn't registered.
	router.DeliverLocalGossip("10.0.0.9:0", map[string]lattice.Value{"a": {Data: []byte("v"), Timestamp: 1}})
}
