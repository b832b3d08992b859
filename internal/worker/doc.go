// Package worker implements the storage worker event loop:
// a single-threaded actor that owns a disjoint partition of a node's key
// space, serves client GET/PUT, applies inbound gossip, and participates
// in redistribution and depart protocols driven by the coordinator.
//
// # Event loop
//
// Worker.Run polls five channels in one goroutine, so state mutations
// within a worker are always serialized: client requests, distributed
// gossip, local gossip, redistribute commands, and the depart command.
// Interleaved with those, a ticker checks whether the periodic-gossip
// flush boundary has passed.
//
// # Collaborators
//
// A Worker does not know how to reach the coordinator or its peers
// directly; it is handed three small interfaces (Coordinator,
// RemoteGossiper, LocalGossiper) plus an optional VolumeDetacher at
// construction, so tests can substitute fakes and cmd/node can wire in
// the real HTTP/in-process transports.
package worker
