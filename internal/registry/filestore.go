package registry

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/coinstash/kpxc-go/internal/secretbuf"
)

// fileEntry is the on-disk shape of one association record. The client id
// key is stored base64-encoded since it must survive a text-based format.
type fileEntry struct {
	HashHex        string `yaml:"hash_hex"`
	Name           string `yaml:"name"`
	ClientIDKeyB64 string `yaml:"client_id_key_b64"`
}

// FileStore is a Registry backed by a single YAML file, written atomically
// (temp file + rename) so a crash mid-write never corrupts the existing
// file. Load is eager: the whole file is read into memory on construction
// and rewritten in full on every mutation.
type FileStore struct {
	mu   sync.Mutex
	path string
	recs map[[32]byte]Record
}

// OpenFileStore loads path if it exists, or starts empty if it does not.
// The parent directory is created if missing.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("registry: create directory: %w", err)
	}

	fs := &FileStore{path: path, recs: make(map[[32]byte]Record)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}

	var entries []fileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	for _, e := range entries {
		hashBytes, err := hex.DecodeString(e.HashHex)
		if err != nil || len(hashBytes) != 32 {
			return nil, fmt.Errorf("registry: malformed hash %q in %s", e.HashHex, path)
		}
		var hash [32]byte
		copy(hash[:], hashBytes)

		keyBuf, err := secretbuf.DecodeBase64(e.ClientIDKeyB64, secretbuf.Readable)
		if err != nil {
			return nil, fmt.Errorf("registry: malformed client id key for %q: %w", e.HashHex, err)
		}
		fs.recs[hash] = Record{Name: e.Name, ClientIDKey: keyBuf}
	}
	return fs, nil
}

func (fs *FileStore) HasDatabase(hash [32]byte) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.recs[hash]
	return ok
}

func (fs *FileStore) GetClientID(hash [32]byte) (*secretbuf.Buffer, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, ok := fs.recs[hash]
	if !ok {
		return nil, false
	}
	return rec.ClientIDKey, true
}

func (fs *FileStore) GetName(hash [32]byte) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, ok := fs.recs[hash]
	if !ok {
		return "", false
	}
	return rec.Name, true
}

func (fs *FileStore) AddDatabase(hash [32]byte, name string, clientID *secretbuf.Buffer) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.recs[hash] = Record{Name: name, ClientIDKey: clientID}
	return fs.persistLocked()
}

func (fs *FileStore) RemoveDatabase(hash [32]byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.recs, hash)
	return fs.persistLocked()
}

func (fs *FileStore) persistLocked() error {
	entries := make([]fileEntry, 0, len(fs.recs))
	for hash, rec := range fs.recs {
		keyB64, err := rec.ClientIDKey.Base64()
		if err != nil {
			return fmt.Errorf("registry: encode client id key: %w", err)
		}
		entries = append(entries, fileEntry{
			HashHex:        hex.EncodeToString(hash[:]),
			Name:           rec.Name,
			ClientIDKeyB64: keyB64,
		})
	}

	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("registry: write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: persist %s: %w", fs.path, err)
	}
	return nil
}
