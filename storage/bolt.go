package storage

import (
	"bytes"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Persistent engine names accepted by Open.
const (
	EngineLevelDB = "leveldb"
	EngineBolt    = "bolt"
)

var ledgerBucket = []byte("ledger")

// BoltDB stores ledger state in a single bbolt bucket. Batches are applied in
// one read-write transaction.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens or creates the database file at path. A nil options value
// waits up to one second for the file lock.
func NewBoltDB(path string, options *bolt.Options) (*BoltDB, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open bolt state: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(ledgerBucket).Get(key)
		if value == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), value...)
		return nil
	})
	return out, err
}

func (b *BoltDB) Has(key []byte) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(ledgerBucket).Get(key) != nil
		return nil
	})
	return ok, err
}

func (b *BoltDB) Put(key []byte, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).Put(key, value)
	})
}

// Write applies every staged operation or none of them.
func (b *BoltDB) Write(batch *Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(ledgerBucket)
		for _, op := range batch.ops {
			var err error
			if op.delete {
				err = bucket.Delete(op.key)
			} else {
				err = bucket.Put(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltDB) Keys(prefix []byte) ([][]byte, error) {
	out := make([][]byte, 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(ledgerBucket).Cursor()
		for key, _ := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, _ = cursor.Next() {
			out = append(out, append([]byte(nil), key...))
		}
		return nil
	})
	return out, err
}

func (b *BoltDB) Close() {
	b.db.Close()
}

// Open selects a persistent backend by engine name. An empty engine selects
// LevelDB.
func Open(engine, path string) (Database, error) {
	switch engine {
	case "", EngineLevelDB:
		db, err := NewLevelDB(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case EngineBolt:
		db, err := NewBoltDB(path, nil)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("storage: unknown engine %q", engine)
	}
}
