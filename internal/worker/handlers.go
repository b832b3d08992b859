package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/deepankarsharma/tiered-storage/internal/cluster"
	"github.com/deepankarsharma/tiered-storage/internal/lattice"
	"github.com/deepankarsharma/tiered-storage/internal/metrics"
)

// handleClientRequest serves a single GET or PUT against the local store.
// A PUT adds its key to the changeset so the next
// periodic gossip round advertises it.
func (w *Worker) handleClientRequest(cr clientRequest) {
	switch {
	case cr.req.Get != nil:
		cr.reply <- w.handleGet(cr.req.Get.Key)
	case cr.req.Put != nil:
		cr.reply <- w.handlePut(cr.req.Put.Key, cr.req.Put.Value)
	default:
		cr.reply <- cluster.Response{Succeed: false}
	}
}

func (w *Worker) handleGet(key string) cluster.Response {
	atomic.AddUint64(&w.gets, 1)
	metrics.Gets.WithLabelValues(w.Info.ID()).Inc()

	v, err := w.store.Get(key)
	if err != nil {
		return cluster.Response{Succeed: false}
	}
	return cluster.Response{Succeed: true, Value: v.Data}
}

func (w *Worker) handlePut(key string, data []byte) cluster.Response {
	atomic.AddUint64(&w.puts, 1)
	metrics.Puts.WithLabelValues(w.Info.ID()).Inc()

	incoming := lattice.Value{Data: data, Timestamp: nextTimestamp()}
	merged, err := w.mergeInto(key, incoming)
	if err != nil {
		glog.Errorf("worker %s: put %q: %v", w.Info.ID(), key, err)
		return cluster.Response{Succeed: false}
	}

	w.mu.Lock()
	w.changeset.Add(key)
	w.mu.Unlock()

	return cluster.Response{Succeed: true, Value: merged.Data}
}

// mergeInto merges incoming with whatever is currently stored at key (if
// anything) and writes the result back, applying the LWW lattice join
// at the storage boundary.
func (w *Worker) mergeInto(key string, incoming lattice.Value) (lattice.Value, error) {
	current, err := w.store.Get(key)
	if err != nil {
		current = lattice.Value{}
	}
	merged := lattice.Merge(current, incoming)
	if err := w.store.Put(key, merged); err != nil {
		return lattice.Value{}, err
	}
	return merged, nil
}

// applyGossip merges a batch of distributed or local gossip entries into
// the store. Gossip never touches the changeset:
// re-advertising a key this worker merely received would gossip forever.
func (w *Worker) applyGossip(entries []cluster.GossipEntry) {
	for _, e := range entries {
		if _, err := w.mergeInto(e.Key, lattice.Value{Data: e.Value, Timestamp: e.Timestamp}); err != nil {
			glog.Errorf("worker %s: apply gossip %q: %v", w.Info.ID(), e.Key, err)
		}
	}
}

func (w *Worker) applyLocalGossip(batch map[string]lattice.Value) {
	for key, v := range batch {
		if _, err := w.mergeInto(key, v); err != nil {
			glog.Errorf("worker %s: apply local gossip %q: %v", w.Info.ID(), key, err)
		}
	}
}

// maybeFlush triggers a periodic gossip round once either the flush
// interval has elapsed or the changeset has reached threshold entries.
func (w *Worker) maybeFlush(ctx context.Context) {
	w.mu.Lock()
	due := time.Since(w.lastFlush) >= w.period
	size := w.changeset.Cardinality()
	w.mu.Unlock()

	if !due && size < w.threshold {
		return
	}
	w.flush(ctx)
}

// flush resolves destinations for every key in the changeset and gossips
// each key's current value to its replica set, then clears the changeset.
func (w *Worker) flush(ctx context.Context) {
	w.mu.Lock()
	keys := make([]string, 0, w.changeset.Cardinality())
	for _, k := range w.changeset.ToSlice() {
		keys = append(keys, k.(string))
	}
	w.mu.Unlock()

	if len(keys) == 0 {
		w.mu.Lock()
		w.lastFlush = time.Now()
		w.mu.Unlock()
		return
	}

	resp, err := w.coordinator.ChangesetAddresses(ctx, cluster.KeyRequest{Sender: w.Info.ID(), Keys: keys})
	if err != nil {
		glog.Errorf("worker %s: resolve changeset addresses: %v", w.Info.ID(), err)
		return
	}

	byDest := w.groupByDestination(resp)
	for dest, destKeys := range byDest {
		w.sendGossip(ctx, dest, destKeys)
	}

	w.mu.Lock()
	for _, k := range keys {
		w.changeset.Remove(k)
	}
	w.lastFlush = time.Now()
	w.mu.Unlock()

	metrics.GossipFlushes.WithLabelValues(w.Info.ID()).Inc()
}

// groupByDestination inverts a KeyResponse's per-key address list into a
// per-address key list, skipping this worker's own address (gossiping a
// key to oneself is a no-op).
func (w *Worker) groupByDestination(resp cluster.KeyResponse) map[string][]string {
	self := w.Info.ID()
	byDest := make(map[string][]string)
	for _, t := range resp.Tuples {
		for _, addr := range t.Addresses {
			if addr == self {
				continue
			}
			byDest[addr] = append(byDest[addr], t.Key)
		}
	}
	return byDest
}

// sendGossip builds and ships the gossip batch for keys to dest, routing
// over the local transport when dest names a worker on this same node.
func (w *Worker) sendGossip(ctx context.Context, dest string, keys []string) {
	transport := "distributed"
	if w.isLocal(dest) {
		transport = "local"
	}
	metrics.GossipEntriesSent.WithLabelValues(w.Info.ID(), transport).Add(float64(len(keys)))

	if transport == "local" {
		if w.local == nil {
			glog.Warningf("worker %s: no local gossiper configured, dropping batch to %s", w.Info.ID(), dest)
			return
		}
		w.local.DeliverLocalGossip(dest, w.toValueMap(keys))
		return
	}

	if w.remote == nil {
		glog.Warningf("worker %s: no remote gossiper configured, dropping batch to %s", w.Info.ID(), dest)
		return
	}
	if err := w.remote.SendGossip(ctx, dest, w.buildGossipBatch(keys)); err != nil {
		glog.Errorf("worker %s: send gossip to %s: %v", w.Info.ID(), dest, err)
	}
}

func (w *Worker) buildGossipBatch(keys []string) cluster.Gossip {
	entries := make([]cluster.GossipEntry, 0, len(keys))
	for _, key := range keys {
		v, err := w.store.Get(key)
		if err != nil {
			continue
		}
		entries = append(entries, cluster.GossipEntry{Key: key, Value: v.Data, Timestamp: v.Timestamp})
	}
	return cluster.Gossip{Entries: entries}
}

func (w *Worker) toValueMap(keys []string) map[string]lattice.Value {
	out := make(map[string]lattice.Value, len(keys))
	for _, key := range keys {
		if v, err := w.store.Get(key); err == nil {
			out[key] = v
		}
	}
	return out
}

// handleRedistribute applies a local-redistribute command: for every destination,
// gossip the named keys there and, only for keys marked Remove and only
// after the send succeeds, delete the local copy. A key is never deleted
// before it is confirmed delivered.
func (w *Worker) handleRedistribute(ctx context.Context, cmd map[string][]KeyRemoval) {
	for dest, removals := range cmd {
		keys := make([]string, 0, len(removals))
		for _, r := range removals {
			keys = append(keys, r.Key)
		}

		if err := w.sendKeysTo(ctx, dest, keys); err != nil {
			glog.Errorf("worker %s: redistribute to %s: %v", w.Info.ID(), dest, err)
			continue
		}

		for _, r := range removals {
			if !r.Remove {
				continue
			}
			if err := w.store.Delete(r.Key); err != nil {
				glog.Errorf("worker %s: delete %q after hand-off: %v", w.Info.ID(), r.Key, err)
				continue
			}
			atomic.AddUint64(&w.deletes, 1)
			metrics.Deletes.WithLabelValues(w.Info.ID()).Inc()
		}
	}
}

// sendKeysTo delivers keys to dest over whichever transport applies and
// reports whether the send succeeded, so callers can gate deletion on it.
func (w *Worker) sendKeysTo(ctx context.Context, dest string, keys []string) error {
	if w.isLocal(dest) {
		if w.local == nil {
			return errNoLocalTransport
		}
		w.local.DeliverLocalGossip(dest, w.toValueMap(keys))
		return nil
	}
	if w.remote == nil {
		return errNoRemoteTransport
	}
	return w.remote.SendGossip(ctx, dest, w.buildGossipBatch(keys))
}

// handleDepart drains every key this worker holds to its replicas, detaches
// the backing volume (when one is configured) and acknowledges completion
// to the coordinator. The worker's event loop exits
// once this returns; Run does not re-enter select afterward.
func (w *Worker) handleDepart(ctx context.Context, device string) {
	keys := w.store.List()
	if len(keys) > 0 {
		resp, err := w.coordinator.ChangesetAddresses(ctx, cluster.KeyRequest{Sender: w.Info.ID(), Keys: keys})
		if err != nil {
			glog.Errorf("worker %s: depart: resolve addresses: %v", w.Info.ID(), err)
		} else {
			for dest, destKeys := range w.groupByDestination(resp) {
				if err := w.sendKeysTo(ctx, dest, destKeys); err != nil {
					glog.Errorf("worker %s: depart: send to %s: %v", w.Info.ID(), dest, err)
				}
			}
		}
	}

	if w.detacher != nil {
		if err := w.detacher.Detach(device); err != nil {
			glog.Errorf("worker %s: detach volume %s: %v", w.Info.ID(), device, err)
		}
	}

	if err := w.coordinator.DepartDone(ctx, w.Info.ID(), device); err != nil {
		glog.Errorf("worker %s: depart-done ack: %v", w.Info.ID(), err)
	}
}
