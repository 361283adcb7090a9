// Package keystore provides pluggable storage for pre-shared keys, looked
// up by the opaque identity a peer offers during session setup.
package keystore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/duskmesh/duskmesh/pkg/config"
)

// ErrNotFound indicates no key is stored under the requested identity
var ErrNotFound = errors.New("keystore: identity not found")

// Store resolves pre-shared keys by identity
type Store interface {
	// Lookup returns the key stored under identity, or ErrNotFound.
	Lookup(ctx context.Context, identity string) ([]byte, error)

	// Put stores or replaces the key for an identity.
	Put(ctx context.Context, identity string, key []byte) error

	// Delete removes an identity. Deleting an absent identity is not an error.
	Delete(ctx context.Context, identity string) error

	// Close releases any backend resources.
	Close() error
}

// Open builds a store from configuration. Keys configured inline are hex
// encoded.
func Open(cfg config.KeystoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		store := NewMemoryStore()
		for identity, hexKey := range cfg.Keys {
			key, err := hex.DecodeString(hexKey)
			if err != nil {
				return nil, fmt.Errorf("keystore: bad hex key for %q: %w", identity, err)
			}
			if err := store.Put(context.Background(), identity, key); err != nil {
				return nil, err
			}
		}
		return store, nil
	case "file":
		return OpenFileStore(cfg.Path, cfg.Passphrase)
	case "redis":
		return NewRedisStore(RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	case "postgres":
		return NewPostgresStore(PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			DBName:   cfg.Postgres.DBName,
			SSLMode:  cfg.Postgres.SSLMode,
		})
	default:
		return nil, fmt.Errorf("keystore: unknown backend %q", cfg.Backend)
	}
}

// MemoryStore keeps keys in process memory. Suitable for tests and static
// deployments configured from a file.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string][]byte)}
}

// Lookup returns the key for an identity
func (m *MemoryStore) Lookup(_ context.Context, identity string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[identity]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// Put stores a key under an identity
func (m *MemoryStore) Put(_ context.Context, identity string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[identity] = append([]byte(nil), key...)
	return nil
}

// Delete removes an identity
func (m *MemoryStore) Delete(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, identity)
	return nil
}

// Close is a no-op for the memory store
func (m *MemoryStore) Close() error { return nil }
