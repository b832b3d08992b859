package storage

import (
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"

	"github.com/deepankarsharma/tiered-storage/internal/lattice"
)

// FileStore persists each key as its own file under root, one file per
// key holding a gob-encoded lattice.Value. root is created by
// NewFileStore when absent and is expected to be exclusive to this
// store — directories are disjoint per worker.
//
// A read-through cache of key names is kept in memory so List and Stats
// don't require a directory scan on every call; it is populated at
// construction and kept current by Put/Delete.
type FileStore struct {
	root string
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewFileStore opens root as a FileStore, creating it if absent and
// indexing any files already present (a restart after a crash).
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", root, err)
	}
	keys := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, err := decodeFilename(e.Name())
		if err != nil {
			glog.Warningf("storage: skipping unreadable entry %s/%s: %v", root, e.Name(), err)
			continue
		}
		keys[name] = struct{}{}
	}
	return &FileStore{root: root, keys: keys}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.root, encodeFilename(key))
}

func (f *FileStore) Get(key string) (lattice.Value, error) {
	f.mu.RLock()
	_, known := f.keys[key]
	f.mu.RUnlock()
	if !known {
		return lattice.Value{}, ErrKeyNotFound
	}

	file, err := os.Open(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return lattice.Value{}, ErrKeyNotFound
		}
		return lattice.Value{}, fmt.Errorf("storage: open %s: %w", key, err)
	}
	defer file.Close()

	var v lattice.Value
	if err := gob.NewDecoder(file).Decode(&v); err != nil {
		return lattice.Value{}, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return v, nil
}

func (f *FileStore) Put(key string, v lattice.Value) error {
	tmp := f.path(key) + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", key, err)
	}
	if err := gob.NewEncoder(file).Encode(v); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: close %s: %w", key, err)
	}
	if err := os.Rename(tmp, f.path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: commit %s: %w", key, err)
	}

	f.mu.Lock()
	f.keys[key] = struct{}{}
	f.mu.Unlock()
	return nil
}

func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	delete(f.keys, key)
	f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

func (f *FileStore) List() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	keys := make([]string, 0, len(f.keys))
	for k := range f.keys {
		keys = append(keys, k)
	}
	return keys
}

func (f *FileStore) Stats() StoreStats {
	f.mu.RLock()
	keys := make([]string, 0, len(f.keys))
	for k := range f.keys {
		keys = append(keys, k)
	}
	f.mu.RUnlock()

	totalBytes := 0
	for _, k := range keys {
		if info, err := os.Stat(f.path(k)); err == nil {
			totalBytes += int(info.Size())
		}
	}
	return StoreStats{Keys: len(keys), Bytes: totalBytes}
}

// encodeFilename maps a key (an opaque byte string) to a
// filesystem-safe filename. Keys are hex-encoded so that keys containing
// "/" or other path-significant bytes never escape the worker's directory.
func encodeFilename(key string) string {
	return hex.EncodeToString([]byte(key))
}

func decodeFilename(name string) (string, error) {
	decoded, err := hex.DecodeString(name)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
