package state

import (
	"errors"
	"fmt"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"assetescrow/storage"
)

// Manager layers a journaled write overlay on top of a key-value database.
// Writes stay in memory until Commit flushes them as one batch; Snapshot and
// RevertToSnapshot undo writes made since a snapshot. Manager is not safe for
// concurrent use; the escrow engine serialises access.
type Manager struct {
	db      storage.Database
	pending map[string]pendingValue
	journal []journalEntry
}

type pendingValue struct {
	value   []byte
	deleted bool
}

type journalEntry struct {
	key     string
	prev    pendingValue
	existed bool
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, pending: make(map[string]pendingValue)}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) get(hashed []byte) ([]byte, bool, error) {
	if p, ok := m.pending[string(hashed)]; ok {
		if p.deleted {
			return nil, false, nil
		}
		return p.value, true, nil
	}
	data, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (m *Manager) set(hashed []byte, value []byte, deleted bool) {
	key := string(hashed)
	prev, existed := m.pending[key]
	m.journal = append(m.journal, journalEntry{key: key, prev: prev, existed: existed})
	m.pending[key] = pendingValue{value: value, deleted: deleted}
}

// KVPut RLP-encodes value and stages it under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.set(kvKey(key), encoded, false)
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := m.get(kvKey(key))
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete stages the removal of key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.set(kvKey(key), nil, true)
	return nil
}

// Snapshot returns an identifier for the current overlay revision.
func (m *Manager) Snapshot() int {
	return len(m.journal)
}

// RevertToSnapshot discards every write staged after the snapshot was taken.
func (m *Manager) RevertToSnapshot(id int) {
	if id < 0 {
		id = 0
	}
	for i := len(m.journal) - 1; i >= id; i-- {
		entry := m.journal[i]
		if entry.existed {
			m.pending[entry.key] = entry.prev
		} else {
			delete(m.pending, entry.key)
		}
	}
	if id < len(m.journal) {
		m.journal = m.journal[:id]
	}
}

// Dirty returns the number of keys with staged changes.
func (m *Manager) Dirty() int {
	return len(m.pending)
}

// Commit writes the staged changes to the database atomically and clears the
// overlay. On failure the overlay is kept so the caller can revert it.
func (m *Manager) Commit() error {
	if len(m.pending) == 0 {
		m.journal = m.journal[:0]
		return nil
	}
	keys := make([]string, 0, len(m.pending))
	for k := range m.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := m.db.NewBatch()
	for _, k := range keys {
		p := m.pending[k]
		if p.deleted {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), p.value)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit %d keys: %w", len(keys), err)
	}
	m.pending = make(map[string]pendingValue)
	m.journal = m.journal[:0]
	return nil
}
