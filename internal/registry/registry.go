// Package registry stores the long-term association between a database
// hash and this client's identity key for that database, so a returning
// connection can re-associate with test-associate instead of associate.
// The core treats it as an opaque store; Memory and FileStore are the two
// implementations a host application chooses between.
package registry

import (
	"sync"

	"github.com/coinstash/kpxc-go/internal/secretbuf"
)

// Record is this client's identity as registered with one database.
type Record struct {
	Name        string
	ClientIDKey *secretbuf.Buffer
}

// Registry persists database_hash -> Record. Implementations must be safe
// for concurrent use; the client's single event loop is the only caller in
// practice, but a FileStore may be shared across processes.
type Registry interface {
	HasDatabase(hash [32]byte) bool
	GetClientID(hash [32]byte) (*secretbuf.Buffer, bool)
	GetName(hash [32]byte) (string, bool)
	AddDatabase(hash [32]byte, name string, clientID *secretbuf.Buffer) error
	RemoveDatabase(hash [32]byte) error
}

// Memory is an in-memory Registry. Entries do not survive process restart.
type Memory struct {
	mu      sync.RWMutex
	records map[[32]byte]Record
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{records: make(map[[32]byte]Record)}
}

func (m *Memory) HasDatabase(hash [32]byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[hash]
	return ok
}

func (m *Memory) GetClientID(hash [32]byte) (*secretbuf.Buffer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[hash]
	if !ok {
		return nil, false
	}
	return rec.ClientIDKey, true
}

func (m *Memory) GetName(hash [32]byte) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[hash]
	if !ok {
		return "", false
	}
	return rec.Name, true
}

func (m *Memory) AddDatabase(hash [32]byte, name string, clientID *secretbuf.Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[hash] = Record{Name: name, ClientIDKey: clientID}
	return nil
}

func (m *Memory) RemoveDatabase(hash [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, hash)
	return nil
}
