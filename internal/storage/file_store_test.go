package storage

import (
	"bytes"
	"testing"

	"github.com/deepankarsharma/tiered-storage/internal/lattice"
)

func TestFileStorePutGet(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	v := lattice.Value{Data: []byte("hello"), Timestamp: 42}
	if err := fs.Put("greeting", v); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := fs.Get("greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Data, v.Data) || got.Timestamp != v.Timestamp {
		t.Errorf("Get = %+v, want %+v", got, v)
	}
}

func TestFileStoreGetMissing(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := fs.Get("nope"); err != ErrKeyNotFound {
		t.Errorf("Get(missing) = %v, want ErrKeyNotFound", err)
	}
}

func TestFileStoreDelete(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	fs.Put("k", lattice.Value{Data: []byte("v"), Timestamp: 1})
	if err := fs.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := fs.Get("k"); err != ErrKeyNotFound {
		t.Errorf("Get after delete = %v, want ErrKeyNotFound", err)
	}
}

func TestFileStoreDeleteMissingIsNoop(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.Delete("never-existed"); err != nil {
		t.Errorf("Delete on missing key: %v, want nil", err)
	}
}

func TestFileStoreKeysWithSlashesAreSafe(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	key := "a/b/../c"
	if err := fs.Put(key, lattice.Value{Data: []byte("v"), Timestamp: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := fs.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Data) != "v" {
		t.Errorf("Get = %q, want v", got.Data)
	}
}

func TestFileStoreReopenRestoresKeys(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	fs.Put("k1", lattice.Value{Data: []byte("v1"), Timestamp: 1})
	fs.Put("k2", lattice.Value{Data: []byte("v2"), Timestamp: 2})

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore (reopen): %v", err)
	}
	if got := reopened.Stats().Keys; got != 2 {
		t.Errorf("Stats().Keys after reopen = %d, want 2", got)
	}
	v, err := reopened.Get("k1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(v.Data) != "v1" {
		t.Errorf("Get(k1) after reopen = %q, want v1", v.Data)
	}
}

func TestFileStoreListAndStats(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	fs.Put("a", lattice.Value{Data: []byte("12345"), Timestamp: 1})
	fs.Put("b", lattice.Value{Data: []byte("123"), Timestamp: 1})

	if got := len(fs.List()); got != 2 {
		t.Errorf("List length = %d, want 2", got)
	}
	stats := fs.Stats()
	if stats.Keys != 2 {
		t.Errorf("Stats().Keys = %d, want 2", stats.Keys)
	}
}
