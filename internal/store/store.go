// Package store is the persistence gate in front of the embedded database
// holding user-authored data (favorites, stored playlists, cached lyrics and
// waveforms). The underlying store is not safe for concurrent access, so
// every read and write for one store instance is serialized through a single
// exclusive gate. Callers must not reach the database any other way.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog/log"
)

// Collection names the keyed collections feature managers own.
type Collection string

const (
	CollectionFavorites       Collection = "favorites"
	CollectionStoredPlaylists Collection = "stored_playlists"
	CollectionLyricsCache     Collection = "lyrics_cache"
	CollectionWaveformCache   Collection = "waveform_cache"
)

// collections is the closed set; writes to anything else are refused.
var collections = map[Collection]bool{
	CollectionFavorites:       true,
	CollectionStoredPlaylists: true,
	CollectionLyricsCache:     true,
	CollectionWaveformCache:   true,
}

var (
	// ErrPersistence wraps any store-level failure. The gate does not retry;
	// the owning feature manager decides whether to.
	ErrPersistence = errors.New("persistence error")

	// ErrNotFound is returned when a key has no record.
	ErrNotFound = errors.New("record not found")
)

const schemaVersion = "1"

// Record is one externally-keyed persisted value.
type Record struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the gate. All operations take the same mutex regardless of which
// logical collection they touch; the embedded store cannot safely interleave
// concurrent operations, so single-access is a hard rule here, not an
// optimization.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the store at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data directory: %v", ErrPersistence, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPersistence, path, err)
	}

	// The gate serializes access itself; one connection keeps the driver
	// honest about it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("Data store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, key)
	);

	CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: create schema: %v", ErrPersistence, err)
	}

	_, err := s.db.Exec(`
		INSERT INTO store_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = ?
	`, schemaVersion, schemaVersion)
	if err != nil {
		return fmt.Errorf("%w: set schema version: %v", ErrPersistence, err)
	}
	return nil
}

// Get retrieves one record by key.
func (s *Store) Get(collection Collection, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(collection); err != nil {
		return Record{}, err
	}

	var rec Record
	var value, updatedAt string
	err := s.db.QueryRow(
		"SELECT key, value, updated_at FROM records WHERE collection = ? AND key = ?",
		string(collection), key,
	).Scan(&rec.Key, &value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: get %s/%s: %v", ErrPersistence, collection, key, err)
	}

	rec.Value = json.RawMessage(value)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return rec, nil
}

// List returns every record in a collection, ordered by key.
func (s *Store) List(collection Collection) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(collection); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		"SELECT key, value, updated_at FROM records WHERE collection = ? ORDER BY key",
		string(collection),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrPersistence, collection, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var value, updatedAt string
		if err := rows.Scan(&rec.Key, &value, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrPersistence, collection, err)
		}
		rec.Value = json.RawMessage(value)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrPersistence, collection, err)
	}
	return records, nil
}

// Put inserts or replaces one record. The value must already be JSON.
func (s *Store) Put(collection Collection, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(collection); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO records (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET value = ?, updated_at = ?
	`, string(collection), key, string(value), now, string(value), now)
	if err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", ErrPersistence, collection, key, err)
	}
	return nil
}

// Delete removes one record. Deleting a missing key is not an error.
func (s *Store) Delete(collection Collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(collection); err != nil {
		return err
	}

	if _, err := s.db.Exec(
		"DELETE FROM records WHERE collection = ? AND key = ?",
		string(collection), key,
	); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", ErrPersistence, collection, key, err)
	}
	return nil
}

func (s *Store) readyLocked(collection Collection) error {
	if s.db == nil {
		return fmt.Errorf("%w: store is closed", ErrPersistence)
	}
	if !collections[collection] {
		return fmt.Errorf("%w: unknown collection %q", ErrPersistence, collection)
	}
	return nil
}
