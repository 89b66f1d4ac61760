package session

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
)

// Store is the minimal contract a backing secure store must satisfy.
// Encryption at rest is the store's responsibility, not the caller's.
type Store interface {
	// LoadItem returns the stored bytes for key, or nil when absent.
	LoadItem(key string) ([]byte, error)
	SaveItem(key string, data []byte) error
	RemoveItem(key string) error
}

// sessionRecord is the serialized persistence layout: one record per
// storage key capturing the token pair and user atomically.
type sessionRecord struct {
	SessionJwt string `json:"sessionJwt"`
	RefreshJwt string `json:"refreshJwt"`
	User       User   `json:"user"`
}

// Storage persists sessions through a Store, keyed by project id.
//
// Store failures are absorbed and logged rather than propagated: a corrupt
// or inaccessible store degrades to a logged out state instead of crashing
// the caller. Saves are skipped when the encoded payload is byte identical
// to the previous save, so the periodic refresh tick does not rewrite the
// secure store every 30 seconds.
type Storage struct {
	key    string
	store  Store
	logger *slog.Logger

	mu        sync.Mutex
	lastSaved []byte
}

// NewStorage creates session storage for a project backed by store.
func NewStorage(projectID string, store Store, logger *slog.Logger) *Storage {
	return &Storage{key: projectID, store: store, logger: logger}
}

// Save persists the session unless it is byte identical to the last save.
func (s *Storage) Save(session *Session) {
	if session == nil {
		return
	}
	data, err := json.Marshal(sessionRecord{
		SessionJwt: session.SessionToken.JWT,
		RefreshJwt: session.RefreshToken.JWT,
		User:       session.User,
	})
	if err != nil {
		s.logger.Error("failed to encode session for storage", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(data, s.lastSaved) {
		return
	}
	if err := s.store.SaveItem(s.key, data); err != nil {
		s.logger.Error("failed to save session", "error", err)
		return
	}
	s.lastSaved = data
}

// Load returns the persisted session, or nil when there is none or the
// stored record cannot be decoded.
func (s *Storage) Load() *Session {
	data, err := s.store.LoadItem(s.key)
	if err != nil {
		s.logger.Error("failed to load session", "error", err)
		return nil
	}
	if len(data) == 0 {
		return nil
	}

	var record sessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.logger.Error("failed to decode stored session", "error", err)
		return nil
	}
	session, err := FromJWTs(record.SessionJwt, record.RefreshJwt, record.User)
	if err != nil {
		s.logger.Error("stored session has invalid tokens", "error", err)
		return nil
	}

	s.mu.Lock()
	s.lastSaved = data
	s.mu.Unlock()

	return session
}

// Remove deletes the persisted session.
func (s *Storage) Remove() {
	s.mu.Lock()
	s.lastSaved = nil
	s.mu.Unlock()

	if err := s.store.RemoveItem(s.key); err != nil {
		s.logger.Error("failed to remove session", "error", err)
	}
}

// MemoryStore keeps items in process memory. It is the fallback when no
// durable store is configured, sessions do not survive a restart.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (m *MemoryStore) LoadItem(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[key], nil
}

func (m *MemoryStore) SaveItem(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) RemoveItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
