package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent response snapshots.
// Values live in named tiers; a key is unique within a tier.
// Entries never expire and are only replaced by a later write for the same key.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Get returns the cached snapshot for the given key in the tier, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(tier, key string) ([]byte, bool, error)
	// Put stores the given snapshot in the tier under the given key.
	Put(tier, key string, bytes []byte) error
	// PutAll stores all entries in the tier as one atomic operation:
	// either every entry is written or none is.
	PutAll(tier string, entries []CacheEntry) error
	// Has checks if the specified key exists in the tier.
	Has(tier, key string) (bool, error)
	// Keys calls the given callback for each key of the tier, in insertion order.
	Keys(tier string, cb func(string)) error
	// Purge removes the cache entry for the given key.
	// It is a utility method that is not used by the worker.
	Purge(tier, key string) error
	// Close releases the underlying storage.
	Close() error
}

type CacheEntry struct {
	Key   string
	Bytes []byte
}

type memTier struct {
	order []string
	db    map[string][]byte
}

type MemCache struct {
	mutex *sync.RWMutex
	tiers map[string]*memTier
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		tiers: make(map[string]*memTier),
	}
}

func (m MemCache) Get(tier, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	t, ok := m.tiers[tier]
	if !ok {
		return nil, false, nil
	}
	bytes, ok := t.db[key]
	return bytes, ok, nil
}

func (m MemCache) Put(tier, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.putLocked(tier, key, bytes)
	return nil
}

func (m MemCache) PutAll(tier string, entries []CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, e := range entries {
		m.putLocked(tier, e.Key, e.Bytes)
	}
	return nil
}

func (m MemCache) putLocked(tier, key string, bytes []byte) {
	t, ok := m.tiers[tier]
	if !ok {
		t = &memTier{db: make(map[string][]byte)}
		m.tiers[tier] = t
	}
	if _, exists := t.db[key]; !exists {
		t.order = append(t.order, key)
	}
	t.db[key] = bytes
}

func (m MemCache) Has(tier, key string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	t, ok := m.tiers[tier]
	if !ok {
		return false, nil
	}
	_, ok = t.db[key]
	return ok, nil
}

func (m MemCache) Keys(tier string, cb func(string)) error {
	m.mutex.RLock()
	var keys []string
	if t, ok := m.tiers[tier]; ok {
		keys = append(keys, t.order...)
	}
	m.mutex.RUnlock()
	// callbacks run unlocked so they may read the cache
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Purge(tier, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	t, ok := m.tiers[tier]
	if !ok {
		return nil
	}
	if _, ok := t.db[key]; !ok {
		return nil
	}
	delete(t.db, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m MemCache) Close() error {
	return nil
}

// upsertStmt updates in place, so a replaced key keeps its rowid and its position in Keys.
const upsertStmt = "INSERT INTO cache (tier, key, bytes) VALUES (?, ?, ?) ON CONFLICT (tier, key) DO UPDATE SET bytes = excluded.bytes"

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache opens (or creates) the SQLite database at filename.
// Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("open sqlite db: %w", err)
	}
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS cache (tier TEXT NOT NULL, key TEXT NOT NULL, bytes BLOB, PRIMARY KEY (tier, key))",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("init sqlite db: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Get(tier, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM cache WHERE tier = ? AND key = ?", tier, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(tier, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(upsertStmt, tier, key, bytes)
	return err
}

func (s SQLiteCache) PutAll(tier string, entries []CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.Exec(upsertStmt, tier, e.Key, e.Bytes); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s SQLiteCache) Has(tier, key string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM cache WHERE tier = ? AND key = ?", tier, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteCache) Keys(tier string, cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM cache WHERE tier = ? ORDER BY rowid", tier)
	if err != nil {
		return err
	}
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s SQLiteCache) Purge(tier, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE tier = ? AND key = ?", tier, key)
	return err
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
