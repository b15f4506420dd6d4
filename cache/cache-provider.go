package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Provider is an interface for a cache store.
// It stores and retrieves []byte values, which represent HTTP responses.
// Entries are scoped to a named generation, so that a whole cache
// generation can be provisioned and evicted as a unit.
//
// Implementations must be thread-safe. Concurrent writes to the same
// (generation, key) pair race and the last write wins.
type Provider interface {
	// Get returns the entry stored under the given key in the given
	// generation, if it exists.
	Get(generation, key string) (Entry, bool, error)
	// Put stores the given entry in the given generation.
	// An existing entry under the same key is overwritten.
	Put(generation string, entry Entry) error
	// Delete removes the entry for the given key.
	Delete(generation, key string) error
	// Keys returns all keys stored in the given generation.
	Keys(generation string) ([]string, error)
	// Generations returns the names of all generations that hold
	// at least one entry.
	Generations() ([]string, error)
	// DeleteGeneration removes a generation and all of its entries.
	DeleteGeneration(generation string) error
}

// Entry is a single stored response.
type Entry struct {
	Key string
	// StoredAt is the value of the clock when the response was captured.
	// Needed for max-age checks.
	StoredAt time.Time
	Bytes    []byte
}

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider creates a new provider with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteProvider(filename string) SQLiteProvider {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		generation TEXT,
		key TEXT,
		stored_at INTEGER,
		bytes BLOB,
		PRIMARY KEY (generation, key)
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS generation_idx ON cache (generation)")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s SQLiteProvider) Get(generation, key string) (Entry, bool, error) {
	var storedAt int64
	var bytes []byte
	err := s.db.QueryRow(
		"SELECT stored_at, bytes FROM cache WHERE generation = ? AND key = ?",
		generation, key).Scan(&storedAt, &bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, StoredAt: time.Unix(storedAt, 0), Bytes: bytes}, true, nil
}

func (s SQLiteProvider) Put(generation string, entry Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO cache (generation, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		generation, entry.Key, entry.StoredAt.Unix(), entry.Bytes)
	return err
}

func (s SQLiteProvider) Delete(generation, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE generation = ? AND key = ?", generation, key)
	return err
}

func (s SQLiteProvider) Keys(generation string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM cache WHERE generation = ?", generation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s SQLiteProvider) Generations() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT generation FROM cache")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	generations := make([]string, 0)
	for rows.Next() {
		var generation string
		if err := rows.Scan(&generation); err != nil {
			return generations, err
		}
		generations = append(generations, generation)
	}
	return generations, rows.Err()
}

func (s SQLiteProvider) DeleteGeneration(generation string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE generation = ?", generation)
	return err
}

type MemProvider struct {
	mutex *sync.RWMutex
	db    map[string]map[string]Entry
}

func NewMemProvider() MemProvider {
	return MemProvider{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]Entry),
	}
}

func (m MemProvider) Get(generation, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[generation][key]
	return entry, ok, nil
}

func (m MemProvider) Put(generation string, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	gen, ok := m.db[generation]
	if !ok {
		gen = make(map[string]Entry)
		m.db[generation] = gen
	}
	gen[entry.Key] = entry
	return nil
}

func (m MemProvider) Delete(generation, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db[generation], key)
	return nil
}

func (m MemProvider) Keys(generation string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, 0, len(m.db[generation]))
	for key := range m.db[generation] {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m MemProvider) Generations() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	generations := make([]string, 0, len(m.db))
	for generation, entries := range m.db {
		if len(entries) > 0 {
			generations = append(generations, generation)
		}
	}
	return generations, nil
}

func (m MemProvider) DeleteGeneration(generation string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, generation)
	return nil
}
