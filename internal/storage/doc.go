// Package storage defines the Store interface a storage worker uses to
// hold its partition of the key space, plus two implementations:
// MemoryStore (in-memory, non-durable) and FileStore (one file per key
// under an ebs-backed root).
//
// # Implementations
//
// MemoryStore is used by tests and by a worker started with ebs disabled
// (cmd/node's enable_ebs=n path). FileStore is used when ebs is enabled;
// its root directory is <ebs_root>/ebs_<worker_index>/, and it rebuilds
// its key index by scanning that directory on startup rather than
// keeping a separate manifest.
//
// # Concurrency
//
// Both implementations are safe for concurrent use, but in practice each
// Store is only ever driven by the single event-loop goroutine of the
// internal/worker.Worker that owns it — the locking here guards against
// the rare case of a concurrent Stats() call from outside that goroutine.
//
// # See also
//
// internal/worker: the only caller of this package's Store interface.
// internal/lattice: the Value type every Store holds.
package storage
