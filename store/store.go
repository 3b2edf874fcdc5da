// Package store persists program snapshots in SQLite, addressed by
// content digest with mutable named refs on top.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ternvm/tern/snapshot"
	"github.com/ternvm/tern/vm"
)

// ErrNotFound indicates the requested digest or ref doesn't exist.
var ErrNotFound = errors.New("store: not found")

// Store is a content-addressed snapshot store. Snapshots are immutable
// rows keyed by digest; refs are mutable name -> digest pointers.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) a snapshot store at path. Use
// ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}

	// Serialized access plus a busy timeout keeps concurrent hosts from
	// tripping over SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: setting busy timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		digest     TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS refs (
		name       TEXT PRIMARY KEY,
		digest     TEXT NOT NULL REFERENCES snapshots(digest),
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores a snapshot of code and returns its digest. Storing the
// same program twice is a no-op returning the same digest.
func (s *Store) Put(code *vm.CodeObject) (string, error) {
	data, err := snapshot.Marshal(code)
	if err != nil {
		return "", err
	}
	digest := snapshot.DigestBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		"INSERT OR IGNORE INTO snapshots (digest, data, created_at) VALUES (?, ?, ?)",
		digest, data, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("store: saving snapshot: %w", err)
	}
	return digest, nil
}

// Get loads and validates the snapshot with the given digest.
func (s *Store) Get(digest string) (*vm.CodeObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.QueryRow("SELECT data FROM snapshots WHERE digest = ?", digest).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: digest %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("store: querying snapshot: %w", err)
	}

	if got := snapshot.DigestBytes(data); got != digest {
		return nil, fmt.Errorf("store: snapshot %s corrupted (content hashes to %s)", digest, got)
	}
	return snapshot.Unmarshal(data)
}

// Has reports whether a snapshot with the digest exists.
func (s *Store) Has(digest string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRow("SELECT 1 FROM snapshots WHERE digest = ?", digest).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: checking snapshot: %w", err)
	}
	return true, nil
}

// Tag points a named ref at a digest, replacing any previous target.
// The digest must already be stored.
func (s *Store) Tag(name, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRow("SELECT 1 FROM snapshots WHERE digest = ?", digest).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: digest %s", ErrNotFound, digest)
	}
	if err != nil {
		return fmt.Errorf("store: checking snapshot: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO refs (name, digest, updated_at) VALUES (?, ?, ?)",
		name, digest, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: tagging %q: %w", name, err)
	}
	return nil
}

// Resolve returns the digest a named ref points at.
func (s *Store) Resolve(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var digest string
	err := s.db.QueryRow("SELECT digest FROM refs WHERE name = ?", name).Scan(&digest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: ref %q", ErrNotFound, name)
		}
		return "", fmt.Errorf("store: resolving ref: %w", err)
	}
	return digest, nil
}

// Load resolves a ref and returns its snapshot.
func (s *Store) Load(name string) (*vm.CodeObject, error) {
	digest, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}
	return s.Get(digest)
}

// Refs returns all ref names in sorted order.
func (s *Store) Refs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT name FROM refs ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("store: listing refs: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scanning ref: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes a named ref. The snapshot it pointed at stays.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM refs WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("store: deleting ref: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: ref %q", ErrNotFound, name)
	}
	return nil
}
