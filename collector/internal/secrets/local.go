package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LocalKeyStore stores signing keys on the local filesystem.
// This is intended for development and testing only.
//
// Keys are stored in a directory with the following structure:
//
//	<base_dir>/
//	  <key_name>.json  (metadata)
//	  <key_name>.pem   (private key)
//	  <key_name>.pub   (public key, hand this to agents)
type LocalKeyStore struct {
	baseDir string
	logger  *slog.Logger

	mu       sync.RWMutex
	keyCache map[string]*SigningKey
}

// keyMetadata is the JSON structure stored alongside keys.
type keyMetadata struct {
	Name        string     `json:"name"`
	KeyType     string     `json:"key_type"`
	PublicKey   string     `json:"public_key"`
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty"`
}

// NewLocalKeyStore creates a new local filesystem-backed key store.
// If baseDir is empty, it defaults to ~/.golden-integrity/keys.
func NewLocalKeyStore(baseDir string, logger *slog.Logger) (*LocalKeyStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".golden-integrity", "keys")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	logger.Info("using local key store", "path", baseDir)

	return &LocalKeyStore{
		baseDir:  baseDir,
		logger:   logger,
		keyCache: make(map[string]*SigningKey),
	}, nil
}

// GetOrCreateKey returns the named key pair, creating one if it doesn't exist.
func (ks *LocalKeyStore) GetOrCreateKey(ctx context.Context, name string) (*SigningKey, error) {
	key, err := ks.GetKey(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading key: %w", err)
	}
	if key != nil {
		return key, nil
	}

	ks.logger.Info("creating new baseline signing key", "name", name)

	key, err = GenerateSigningKey(name)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	if err := ks.saveKey(key); err != nil {
		return nil, fmt.Errorf("saving key: %w", err)
	}

	ks.mu.Lock()
	ks.keyCache[name] = key
	ks.mu.Unlock()

	ks.logger.Info("created new baseline signing key",
		"name", name,
		"fingerprint", key.Fingerprint,
		"public_key_path", filepath.Join(ks.baseDir, name+".pub"))

	return key, nil
}

// GetKey returns the named key pair, or nil if it doesn't exist.
func (ks *LocalKeyStore) GetKey(ctx context.Context, name string) (*SigningKey, error) {
	ks.mu.RLock()
	if cached, ok := ks.keyCache[name]; ok {
		ks.mu.RUnlock()
		return cached, nil
	}
	ks.mu.RUnlock()

	key, err := ks.loadKey(name)
	if err != nil || key == nil {
		return nil, err
	}

	ks.mu.Lock()
	ks.keyCache[name] = key
	ks.mu.Unlock()
	return key, nil
}

// RotateKey creates a new key pair and archives the old one.
func (ks *LocalKeyStore) RotateKey(ctx context.Context, name string) (*SigningKey, error) {
	oldKey, err := ks.loadKey(name)
	if err != nil {
		return nil, fmt.Errorf("loading old key: %w", err)
	}

	if oldKey != nil {
		oldKey.Name = archiveName(name, time.Now())
		if err := ks.saveKey(oldKey); err != nil {
			ks.logger.Warn("failed to archive old key", "error", err)
		}
	}

	newKey, err := GenerateSigningKey(name)
	if err != nil {
		return nil, fmt.Errorf("generating new key: %w", err)
	}
	now := time.Now()
	newKey.RotatedAt = &now

	if err := ks.saveKey(newKey); err != nil {
		return nil, fmt.Errorf("saving new key: %w", err)
	}

	ks.mu.Lock()
	ks.keyCache[name] = newKey
	ks.mu.Unlock()

	ks.logger.Info("rotated baseline signing key",
		"name", name,
		"fingerprint", newKey.Fingerprint)

	return newKey, nil
}

// Close releases any resources.
func (ks *LocalKeyStore) Close() error {
	ks.mu.Lock()
	ks.keyCache = make(map[string]*SigningKey)
	ks.mu.Unlock()
	return nil
}

// loadKey loads a key from disk by name. Returns nil if it doesn't exist.
func (ks *LocalKeyStore) loadKey(name string) (*SigningKey, error) {
	metadataPath := filepath.Join(ks.baseDir, name+".json")
	privatePath := filepath.Join(ks.baseDir, name+".pem")

	metadataBytes, err := os.ReadFile(metadataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	var meta keyMetadata
	if err := json.Unmarshal(metadataBytes, &meta); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}

	privateBytes, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	return &SigningKey{
		Name:        meta.Name,
		KeyType:     meta.KeyType,
		PublicKey:   meta.PublicKey,
		PrivateKey:  privateBytes,
		Fingerprint: meta.Fingerprint,
		CreatedAt:   meta.CreatedAt,
		RotatedAt:   meta.RotatedAt,
	}, nil
}

// saveKey saves a key to disk.
func (ks *LocalKeyStore) saveKey(key *SigningKey) error {
	metadataPath := filepath.Join(ks.baseDir, key.Name+".json")
	privatePath := filepath.Join(ks.baseDir, key.Name+".pem")
	publicPath := filepath.Join(ks.baseDir, key.Name+".pub")

	meta := keyMetadata{
		Name:        key.Name,
		KeyType:     key.KeyType,
		PublicKey:   key.PublicKey,
		Fingerprint: key.Fingerprint,
		CreatedAt:   key.CreatedAt,
		RotatedAt:   key.RotatedAt,
	}
	metadataBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	// Private key first: metadata marks the key as present.
	if err := os.WriteFile(privatePath, key.PrivateKey, 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(publicPath, []byte(key.PublicKey), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	if err := os.WriteFile(metadataPath, metadataBytes, 0600); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}

	return nil
}
