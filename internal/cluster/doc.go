// Package cluster provides the wire-level types and transport helpers
// shared by the coordinator and storage workers: node and worker identity,
// the request/response/gossip/key-exchange message shapes, the ebs-device
// map, and the line-oriented loaders for the conf/server/*.txt files.
//
// # Overview
//
// cluster sits below every other package in this module: it knows how to
// name a cluster member and how to move JSON over HTTP between members, but
// it has no opinion about placement, ownership, or the value lattice. Those
// live in internal/ring, internal/placement, internal/lattice,
// internal/worker, and internal/coordinator.
//
// # Identity
//
// A cluster member is either a node, identified by its "ip:port" address
// (the global ring hashes "ip:port"), or a storage worker within a node, identified by
// {ip, worker_index} (the local ring hashes "ip:worker_index"). NodeInfo
// and WorkerInfo carry these identities plus the endpoint addresses derived
// from them: a worker's client-reply port is SERVER_PORT+index, its
// distributed-gossip pull port is SERVER_PORT+100+index.
//
// # Wire messages
//
// Request, Response, Gossip, KeyRequest, and KeyResponse are the five
// record shapes exchanged between coordinators and workers. They are
// ordinary JSON structs here; the zmq-style length-prefixed framing of the
// original design is not part of this module's transport (see
// internal/coordinator and cmd/node for the HTTP handlers that move
// them).
//
// # Device map
//
// DeviceMap assigns two-letter device identifiers ("ba", "bb", ...) to
// worker indices, reusing the lowest freed slot before minting a new
// lexicographic successor. It is owned by the coordinator and consulted on
// every worker add/depart.
package cluster
