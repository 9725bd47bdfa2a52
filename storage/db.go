package storage

import (
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// Database is a generic interface for a key-value store. The ledger state
// manager only needs point reads and writes, so any backend satisfying this
// interface (in-memory or persistent) can host the record stores.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Close()
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, fmt.Errorf("key not found")
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) Has(key []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.data[string(key)]
	return ok, nil
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	// Nothing to close for an in-memory database.
}

// --- Write-buffering overlay ---

// Overlay buffers writes on top of a base database and applies them only on
// Commit. Reads observe the buffered writes first and fall through to the
// base, so a caller always sees its own uncommitted state.
type Overlay struct {
	base   Database
	writes map[string][]byte
	order  []string
}

// NewOverlay wraps base with an empty write buffer. The base database is
// never written until Commit.
func NewOverlay(base Database) *Overlay {
	return &Overlay{base: base, writes: make(map[string][]byte)}
}

// Put buffers the write. Repeated writes to the same key keep their original
// position in the commit order.
func (o *Overlay) Put(key []byte, value []byte) error {
	k := string(key)
	if _, ok := o.writes[k]; !ok {
		o.order = append(o.order, k)
	}
	o.writes[k] = append([]byte(nil), value...)
	return nil
}

// Get returns the buffered value when present, otherwise reads the base.
func (o *Overlay) Get(key []byte) ([]byte, error) {
	if value, ok := o.writes[string(key)]; ok {
		return append([]byte(nil), value...), nil
	}
	return o.base.Get(key)
}

// Has reports key existence across the buffer and the base.
func (o *Overlay) Has(key []byte) (bool, error) {
	if _, ok := o.writes[string(key)]; ok {
		return true, nil
	}
	return o.base.Has(key)
}

// Close discards the buffered writes. The base database stays open.
func (o *Overlay) Close() {
	o.writes = make(map[string][]byte)
	o.order = nil
}

// Commit applies the buffered writes to the base in first-write order and
// resets the buffer.
func (o *Overlay) Commit() error {
	for _, k := range o.order {
		if err := o.base.Put([]byte(k), o.writes[k]); err != nil {
			return err
		}
	}
	o.writes = make(map[string][]byte)
	o.order = nil
	return nil
}

// --- Persistent DB (for deployments) ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	return ldb.db.Get(key, nil)
}

// Has reports whether a key exists without fetching its value.
func (ldb *LevelDB) Has(key []byte) (bool, error) {
	return ldb.db.Has(key, nil)
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	ldb.db.Close()
}
