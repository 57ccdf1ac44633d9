package storage

import (
	"github.com/ethereum/go-ethereum/core/rawdb"
	gethleveldb "github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/triedb"
)

// Database is the node's key-value backend. Raw Put/Get/Has serve chain
// metadata such as the committed state root and genesis hash, while TrieDB
// exposes the handle the state trie persists through. Both views share a
// single underlying store.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Close()
	TrieDB() *triedb.Database
}

// --- In-Memory DB (for testing) ---

// MemDB keeps everything in memory. Used by tests and throwaway nodes.
type MemDB struct {
	backend *memorydb.Database
	trieDB  *triedb.Database
}

func NewMemDB() *MemDB {
	backend := memorydb.New()
	return &MemDB{
		backend: backend,
		trieDB:  triedb.NewDatabase(rawdb.NewDatabase(backend), triedb.HashDefaults),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	return db.backend.Put(key, value)
}

// Get retrieves a value for a given key. Missing keys return an error; use
// Has to probe for existence.
func (db *MemDB) Get(key []byte) ([]byte, error) {
	return db.backend.Get(key)
}

func (db *MemDB) Has(key []byte) (bool, error) {
	return db.backend.Has(key)
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	_ = db.trieDB.Close()
	_ = db.backend.Close()
}

func (db *MemDB) TrieDB() *triedb.Database {
	return db.trieDB
}

// --- Persistent DB (for the daemon) ---

// LevelDB is the persistent key-value store the daemon runs on.
type LevelDB struct {
	backend *gethleveldb.Database
	trieDB  *triedb.Database
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	backend, err := gethleveldb.New(path, 128, 128, "optionvault/db", false)
	if err != nil {
		return nil, err
	}
	return &LevelDB{
		backend: backend,
		trieDB:  triedb.NewDatabase(rawdb.NewDatabase(backend), triedb.HashDefaults),
	}, nil
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.backend.Put(key, value)
}

// Get retrieves a value for a given key. Missing keys return an error; use
// Has to probe for existence.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	return ldb.backend.Get(key)
}

// Has reports whether the key exists without fetching its value.
func (ldb *LevelDB) Has(key []byte) (bool, error) {
	return ldb.backend.Has(key)
}

// Close flushes pending trie writes and closes the database connection.
func (ldb *LevelDB) Close() {
	_ = ldb.trieDB.Close()
	_ = ldb.backend.Close()
}

func (ldb *LevelDB) TrieDB() *triedb.Database {
	return ldb.trieDB
}
