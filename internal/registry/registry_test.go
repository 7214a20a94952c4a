package registry

import (
	"path/filepath"
	"testing"

	"github.com/coinstash/kpxc-go/internal/secretbuf"
)

func hashOf(b byte) [32]byte {
	var h [32]byte
	for i := range h {
		h[i] = b
	}
	return h
}

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	hash := hashOf(0x11)
	if m.HasDatabase(hash) {
		t.Fatal("expected empty registry to not have database")
	}

	key, _ := secretbuf.FromBytes([]byte("client-id-key"))
	if err := m.AddDatabase(hash, "host-app", key); err != nil {
		t.Fatalf("AddDatabase: %v", err)
	}

	if !m.HasDatabase(hash) {
		t.Fatal("expected database to be present after AddDatabase")
	}
	name, ok := m.GetName(hash)
	if !ok || name != "host-app" {
		t.Fatalf("GetName: got (%q, %v)", name, ok)
	}
	gotKey, ok := m.GetClientID(hash)
	if !ok {
		t.Fatal("expected client id key present")
	}
	eq, _ := gotKey.Equal(key)
	if !eq {
		t.Fatal("expected stored key to match")
	}

	if err := m.RemoveDatabase(hash); err != nil {
		t.Fatalf("RemoveDatabase: %v", err)
	}
	if m.HasDatabase(hash) {
		t.Fatal("expected database removed")
	}
}

func TestFileStorePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "associations.yaml")

	fs, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}

	hash := hashOf(0x22)
	key, _ := secretbuf.FromBytes([]byte("persisted-key-bytes"))
	if err := fs.AddDatabase(hash, "host-app", key); err != nil {
		t.Fatalf("AddDatabase: %v", err)
	}

	reloaded, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore (reload): %v", err)
	}
	if !reloaded.HasDatabase(hash) {
		t.Fatal("expected reloaded store to have database")
	}
	name, ok := reloaded.GetName(hash)
	if !ok || name != "host-app" {
		t.Fatalf("GetName after reload: got (%q, %v)", name, ok)
	}
	gotKey, ok := reloaded.GetClientID(hash)
	if !ok {
		t.Fatal("expected client id key present after reload")
	}
	eq, _ := gotKey.Equal(key)
	if !eq {
		t.Fatal("expected reloaded key to match original")
	}
}

func TestFileStoreRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "associations.yaml")

	fs, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	hash := hashOf(0x33)
	key, _ := secretbuf.FromBytes([]byte("key"))
	if err := fs.AddDatabase(hash, "n", key); err != nil {
		t.Fatalf("AddDatabase: %v", err)
	}
	if err := fs.RemoveDatabase(hash); err != nil {
		t.Fatalf("RemoveDatabase: %v", err)
	}

	reloaded, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore (reload): %v", err)
	}
	if reloaded.HasDatabase(hash) {
		t.Fatal("expected database to remain removed after reload")
	}
}

func TestOpenFileStoreMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "associations.yaml")

	fs, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if fs.HasDatabase(hashOf(0x44)) {
		t.Fatal("expected fresh store to be empty")
	}
}
