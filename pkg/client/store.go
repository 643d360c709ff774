package client

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/aeolun/crosschat/pkg/protocol"
)

// Store persists everything that must survive a restart: the account
// key, per-channel shared secrets, decrypted channel names, and channel
// ordering.
type Store interface {
	// Credential returns the stored account key, or "" when none is
	// stored.
	Credential() (string, error)
	SetCredential(key string) error
	DeleteCredential() error

	// Secret returns a channel's shared secret, or nil when unknown.
	Secret(id protocol.ChannelID) ([]byte, error)
	SetSecret(id protocol.ChannelID, secret []byte) error

	// ChannelName returns the locally cached plaintext name.
	ChannelName(id protocol.ChannelID) (string, error)
	SetChannelName(id protocol.ChannelID, name string) error

	// ChannelOrder returns channel ids in the user's preferred order.
	ChannelOrder() ([]protocol.ChannelID, error)
	SetChannelOrder(ids []protocol.ChannelID) error

	// DeleteChannel forgets everything about a channel.
	DeleteChannel(id protocol.ChannelID) error

	Close() error
}

const credentialKey = "account_key"

// SQLStore is the sqlite-backed Store.
type SQLStore struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the client database in dir.
func OpenStore(dir string) (*SQLStore, error) {
	path := filepath.Join(dir, "client.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite only supports one writer; a single connection avoids
	// SQLITE_BUSY churn entirely.
	db.SetMaxOpenConns(1)

	store := &SQLStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		secret BLOB,
		name TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Credential() (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, credentialKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}
	return value, nil
}

func (s *SQLStore) SetCredential(key string) error {
	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, credentialKey, key)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteCredential() error {
	_, err := s.db.Exec(`DELETE FROM config WHERE key = ?`, credentialKey)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (s *SQLStore) Secret(id protocol.ChannelID) ([]byte, error) {
	var secret []byte
	err := s.db.QueryRow(`SELECT secret FROM channels WHERE id = ?`, id.String()).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read channel secret: %w", err)
	}
	return secret, nil
}

func (s *SQLStore) SetSecret(id protocol.ChannelID, secret []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO channels (id, secret) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET secret = excluded.secret
	`, id.String(), secret)
	if err != nil {
		return fmt.Errorf("failed to store channel secret: %w", err)
	}
	return nil
}

func (s *SQLStore) ChannelName(id protocol.ChannelID) (string, error) {
	var name string
	err := s.db.QueryRow(`SELECT name FROM channels WHERE id = ?`, id.String()).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read channel name: %w", err)
	}
	return name, nil
}

func (s *SQLStore) SetChannelName(id protocol.ChannelID, name string) error {
	_, err := s.db.Exec(`
		INSERT INTO channels (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, id.String(), name)
	if err != nil {
		return fmt.Errorf("failed to store channel name: %w", err)
	}
	return nil
}

func (s *SQLStore) ChannelOrder() ([]protocol.ChannelID, error) {
	rows, err := s.db.Query(`SELECT id FROM channels WHERE position > 0 ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to read channel order: %w", err)
	}
	defer rows.Close()

	var ids []protocol.ChannelID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := protocol.ParseChannelID(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) SetChannelOrder(ids []protocol.ChannelID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE channels SET position = 0`); err != nil {
		return fmt.Errorf("failed to clear channel order: %w", err)
	}
	for i, id := range ids {
		if _, err := tx.Exec(`
			INSERT INTO channels (id, position) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET position = excluded.position
		`, id.String(), i+1); err != nil {
			return fmt.Errorf("failed to store channel order: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteChannel(id protocol.ChannelID) error {
	_, err := s.db.Exec(`DELETE FROM channels WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu         sync.Mutex
	credential string
	secrets    map[protocol.ChannelID][]byte
	names      map[protocol.ChannelID]string
	order      []protocol.ChannelID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		secrets: make(map[protocol.ChannelID][]byte),
		names:   make(map[protocol.ChannelID]string),
	}
}

func (s *MemoryStore) Credential() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential, nil
}

func (s *MemoryStore) SetCredential(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = key
	return nil
}

func (s *MemoryStore) DeleteCredential() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = ""
	return nil
}

func (s *MemoryStore) Secret(id protocol.ChannelID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.secrets[id]...), nil
}

func (s *MemoryStore) SetSecret(id protocol.ChannelID, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[id] = append([]byte(nil), secret...)
	return nil
}

func (s *MemoryStore) ChannelName(id protocol.ChannelID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[id], nil
}

func (s *MemoryStore) SetChannelName(id protocol.ChannelID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[id] = name
	return nil
}

func (s *MemoryStore) ChannelOrder() ([]protocol.ChannelID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ChannelID(nil), s.order...), nil
}

func (s *MemoryStore) SetChannelOrder(ids []protocol.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append([]protocol.ChannelID(nil), ids...)
	return nil
}

func (s *MemoryStore) DeleteChannel(id protocol.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, id)
	delete(s.names, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
