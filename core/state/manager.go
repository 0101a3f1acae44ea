package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"stakepool/storage"
)

// ErrTxnClosed is returned when a committed or discarded transaction is reused.
var ErrTxnClosed = errors.New("state: transaction closed")

// Manager serialises writers over a storage.Database. Every Update runs in its
// own Txn and commits through a single storage batch.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a transaction overlay. Callers outside Update/View must hold no
// assumptions about isolation from concurrent writers.
func (m *Manager) Begin() *Txn {
	return &Txn{
		db:     m.db,
		writes: make(map[string][]byte),
	}
}

// Update runs fn in a transaction and commits it when fn succeeds. Writers are
// admitted one at a time.
func (m *Manager) Update(fn func(tx *Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.Begin()
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

// View runs fn against a transaction that is always discarded.
func (m *Manager) View(fn func(tx *Txn) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx := m.Begin()
	defer tx.Discard()
	return fn(tx)
}

// Txn buffers writes on top of the committed database. A nil entry in writes
// marks a deletion.
type Txn struct {
	db     storage.Database
	writes map[string][]byte
	closed bool
}

// namespacedKey hashes the logical key under a readable namespace so that
// records of one kind can be enumerated by prefix.
func namespacedKey(namespace []byte, key []byte) []byte {
	hashed := ethcrypto.Keccak256(key)
	out := make([]byte, 0, len(namespace)+len(hashed))
	out = append(out, namespace...)
	return append(out, hashed...)
}

func (t *Txn) get(key []byte) ([]byte, error) {
	if t.closed {
		return nil, ErrTxnClosed
	}
	if value, ok := t.writes[string(key)]; ok {
		return value, nil
	}
	value, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

// KVPut RLP-encodes value under the raw storage key.
func (t *Txn) KVPut(key []byte, value interface{}) error {
	if t.closed {
		return ErrTxnClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	t.writes[string(key)] = encoded
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (t *Txn) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := t.get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
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
func (t *Txn) KVDelete(key []byte) error {
	if t.closed {
		return ErrTxnClosed
	}
	t.writes[string(key)] = nil
	return nil
}

// Keys lists the storage keys under prefix as seen by this transaction.
func (t *Txn) Keys(prefix []byte) ([][]byte, error) {
	if t.closed {
		return nil, ErrTxnClosed
	}
	committed, err := t.db.Keys(prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(committed)+len(t.writes))
	for _, key := range committed {
		seen[string(key)] = true
	}
	for key, value := range t.writes {
		if !bytes.HasPrefix([]byte(key), prefix) {
			continue
		}
		seen[key] = value != nil
	}
	keys := make([]string, 0, len(seen))
	for key, live := range seen {
		if live {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, key := range keys {
		out = append(out, []byte(key))
	}
	return out, nil
}

// Commit writes every staged change in one batch.
func (t *Txn) Commit() error {
	if t.closed {
		return ErrTxnClosed
	}
	t.closed = true
	batch := storage.NewBatch()
	keys := make([]string, 0, len(t.writes))
	for key := range t.writes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if value := t.writes[key]; value == nil {
			batch.Delete([]byte(key))
		} else {
			batch.Put([]byte(key), value)
		}
	}
	t.writes = nil
	return t.db.Write(batch)
}

// Discard drops every staged change.
func (t *Txn) Discard() {
	t.closed = true
	t.writes = nil
}
