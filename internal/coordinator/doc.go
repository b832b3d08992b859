// Package coordinator implements the per-node control-plane role: the
// global consistent-hash ring over cluster node addresses, the local ring
// over this node's storage workers, the lazily-created placement map of
// per-key replication factors, and the ebs-device map for worker/device
// assignment.
//
// # Overview
//
// Exactly one coordinator runs per node, alongside the node's storage
// workers. It never stores or proxies value data itself — its only job is
// answering "who is responsible for this key" and driving the redistribute
// and depart protocols that keep worker partitions consistent with ring
// membership. Local workers reach it through direct Go method calls
// (cmd/node wires every worker's Coordinator interface straight to this
// node's own Server); peer nodes' coordinators reach it over HTTP, through
// one ServeX handler method on Server per endpoint.
//
// # Registry
//
// Registry holds the ring/placement/device state and exposes pure,
// lock-protected query and mutation methods with no network I/O of their
// own; Server (server.go) composes Registry with the HTTP transport and the
// collaborators needed to reach other nodes and local workers.
//
// # Health monitoring
//
// HealthMonitor polls every known node's /health endpoint and tracks consecutive
// failures, but no longer drives shard auto-reassignment — that policy is
// superseded by the placement oracle's ring-successor hand-off protocol.
//
// # Membership fan-out
//
// ServeNodeJoin only ever updates this node's own ring and redistributes
// this node's own keys; it assumes the joining node itself is responsible
// for announcing to every other existing member, not just the one it
// bootstrapped through (cmd/node's broadcastJoin does this). ClientNotifier
// is the separate, optional fan-out to external client proxies — wired via
// SetClientNotifier, fired on join and on SelfDepart.
package coordinator
