package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"gopkg.in/yaml.v3"
)

const (
	fileSaltSize   = 16
	pbkdf2Rounds   = 100_000
	fileMagic      = "DUSKPSK1"
	fileMagicBytes = len(fileMagic)
)

// FileStore persists keys in a YAML file, optionally sealed under a
// passphrase. The sealed form is magic || salt || nonce || ciphertext with a
// key derived by PBKDF2-SHA256.
type FileStore struct {
	mu         sync.RWMutex
	path       string
	passphrase string
	keys       map[string]string // identity -> hex key
}

// OpenFileStore loads (or initializes) a file-backed store. An empty
// passphrase selects the plaintext form.
func OpenFileStore(path, passphrase string) (*FileStore, error) {
	fs := &FileStore{
		path:       path,
		passphrase: passphrase,
		keys:       make(map[string]string),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to read %s: %w", path, err)
	}
	if passphrase != "" {
		if data, err = unseal(data, passphrase); err != nil {
			return nil, err
		}
	}
	if err := yaml.Unmarshal(data, &fs.keys); err != nil {
		return nil, fmt.Errorf("keystore: failed to parse %s: %w", path, err)
	}
	return fs, nil
}

// Lookup returns the key for an identity
func (f *FileStore) Lookup(_ context.Context, identity string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	hexKey, ok := f.keys[identity]
	if !ok {
		return nil, ErrNotFound
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: corrupt key for %q: %w", identity, err)
	}
	return key, nil
}

// Put stores a key and persists the file
func (f *FileStore) Put(_ context.Context, identity string, key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[identity] = hex.EncodeToString(key)
	return f.flush()
}

// Delete removes an identity and persists the file
func (f *FileStore) Delete(_ context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, identity)
	return f.flush()
}

// Close is a no-op; every mutation is flushed eagerly
func (f *FileStore) Close() error { return nil }

func (f *FileStore) flush() error {
	data, err := yaml.Marshal(f.keys)
	if err != nil {
		return fmt.Errorf("keystore: failed to marshal: %w", err)
	}
	if f.passphrase != "" {
		if data, err = seal(data, f.passphrase); err != nil {
			return err
		}
	}
	if err := os.WriteFile(f.path, data, 0600); err != nil {
		return fmt.Errorf("keystore: failed to write %s: %w", f.path, err)
	}
	return nil
}

func deriveFileKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Rounds, chacha20poly1305.KeySize, sha256.New)
}

func seal(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, fileSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: salt: %w", err)
	}
	aead, err := chacha20poly1305.New(deriveFileKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keystore: nonce: %w", err)
	}

	out := make([]byte, 0, fileMagicBytes+len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, fileMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

func unseal(data []byte, passphrase string) ([]byte, error) {
	if len(data) < fileMagicBytes+fileSaltSize+chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("keystore: sealed file too short")
	}
	if string(data[:fileMagicBytes]) != fileMagic {
		return nil, fmt.Errorf("keystore: not a sealed key file")
	}
	salt := data[fileMagicBytes : fileMagicBytes+fileSaltSize]
	nonce := data[fileMagicBytes+fileSaltSize : fileMagicBytes+fileSaltSize+chacha20poly1305.NonceSize]
	ciphertext := data[fileMagicBytes+fileSaltSize+chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(deriveFileKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: wrong passphrase or corrupt file")
	}
	return plaintext, nil
}
