package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// vaultClient is the subset of connect.Client the key store uses.
type vaultClient interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
	CreateItem(item *onepassword.Item, vaultQuery string) (*onepassword.Item, error)
	UpdateItem(item *onepassword.Item, vaultQuery string) (*onepassword.Item, error)
}

// OnePasswordKeyStore stores signing keys in 1Password using the Connect API.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault to store keys in
type OnePasswordKeyStore struct {
	client  vaultClient
	vaultID string
	logger  *slog.Logger

	// Cache to avoid repeated API calls
	mu       sync.RWMutex
	keyCache map[string]*SigningKey
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID
}

// NewOnePasswordKeyStore creates a new 1Password-backed key store.
func NewOnePasswordKeyStore(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordKeyStore, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "golden-integrity-collector")
	return newOnePasswordKeyStore(client, cfg.VaultID, logger), nil
}

func newOnePasswordKeyStore(client vaultClient, vaultID string, logger *slog.Logger) *OnePasswordKeyStore {
	return &OnePasswordKeyStore{
		client:   client,
		vaultID:  vaultID,
		logger:   logger,
		keyCache: make(map[string]*SigningKey),
	}
}

// GetOrCreateKey returns the named key pair, creating one if it doesn't exist.
func (ks *OnePasswordKeyStore) GetOrCreateKey(ctx context.Context, name string) (*SigningKey, error) {
	key, err := ks.GetKey(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("checking for existing key: %w", err)
	}
	if key != nil {
		return key, nil
	}

	ks.logger.Info("creating new baseline signing key", "name", name)

	key, err = GenerateSigningKey(name)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	if err := ks.storeKeyInVault(key); err != nil {
		return nil, fmt.Errorf("storing key in 1Password: %w", err)
	}

	ks.mu.Lock()
	ks.keyCache[name] = key
	ks.mu.Unlock()

	ks.logger.Info("created new baseline signing key",
		"name", name,
		"fingerprint", key.Fingerprint)

	return key, nil
}

// GetKey returns the named key pair, or nil if it doesn't exist.
func (ks *OnePasswordKeyStore) GetKey(ctx context.Context, name string) (*SigningKey, error) {
	ks.mu.RLock()
	if cached, ok := ks.keyCache[name]; ok {
		ks.mu.RUnlock()
		return cached, nil
	}
	ks.mu.RUnlock()

	key, err := ks.getKeyFromVault(name)
	if err != nil || key == nil {
		return nil, err
	}

	ks.mu.Lock()
	ks.keyCache[name] = key
	ks.mu.Unlock()
	return key, nil
}

// RotateKey creates a new key pair and archives the old one.
func (ks *OnePasswordKeyStore) RotateKey(ctx context.Context, name string) (*SigningKey, error) {
	oldKey, err := ks.getKeyFromVault(name)
	if err != nil {
		return nil, fmt.Errorf("getting old key: %w", err)
	}

	newKey, err := GenerateSigningKey(name)
	if err != nil {
		return nil, fmt.Errorf("generating new key: %w", err)
	}
	now := time.Now()
	newKey.RotatedAt = &now

	if oldKey != nil {
		oldKey.Name = archiveName(name, now)
		if err := ks.storeKeyInVault(oldKey); err != nil {
			ks.logger.Warn("failed to archive old key", "error", err)
		}
	}

	if err := ks.updateKeyInVault(newKey); err != nil {
		return nil, fmt.Errorf("updating key in 1Password: %w", err)
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
func (ks *OnePasswordKeyStore) Close() error {
	ks.mu.Lock()
	ks.keyCache = make(map[string]*SigningKey)
	ks.mu.Unlock()
	return nil
}

// getKeyFromVault retrieves a key from 1Password by title.
func (ks *OnePasswordKeyStore) getKeyFromVault(name string) (*SigningKey, error) {
	items, err := ks.client.GetItemsByTitle(name, ks.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	// List results omit field values.
	item, err := ks.client.GetItem(items[0].ID, ks.vaultID)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}

	return itemToSigningKey(item), nil
}

// storeKeyInVault stores a new key in 1Password.
func (ks *OnePasswordKeyStore) storeKeyInVault(key *SigningKey) error {
	if _, err := ks.client.CreateItem(ks.keyToItem(key), ks.vaultID); err != nil {
		return fmt.Errorf("creating item: %w", err)
	}
	return nil
}

// updateKeyInVault replaces an existing key in 1Password, creating it if absent.
func (ks *OnePasswordKeyStore) updateKeyInVault(key *SigningKey) error {
	items, err := ks.client.GetItemsByTitle(key.Name, ks.vaultID)
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("finding item: %w", err)
	}

	item := ks.keyToItem(key)
	if len(items) == 0 {
		_, err = ks.client.CreateItem(item, ks.vaultID)
	} else {
		item.ID = items[0].ID
		_, err = ks.client.UpdateItem(item, ks.vaultID)
	}
	if err != nil {
		return fmt.Errorf("saving item: %w", err)
	}
	return nil
}

// keyToItem converts a SigningKey to a 1Password item.
func (ks *OnePasswordKeyStore) keyToItem(key *SigningKey) *onepassword.Item {
	metadata := map[string]any{
		"key_type":    key.KeyType,
		"fingerprint": key.Fingerprint,
		"created_at":  key.CreatedAt.Format(time.RFC3339),
	}
	if key.RotatedAt != nil {
		metadata["rotated_at"] = key.RotatedAt.Format(time.RFC3339)
	}
	metadataJSON, _ := json.Marshal(metadata)

	return &onepassword.Item{
		Title:    key.Name,
		Category: onepassword.SSHKey,
		Vault:    onepassword.ItemVault{ID: ks.vaultID},
		Fields: []*onepassword.ItemField{
			{ID: "public_key", Label: "public key", Type: "STRING", Value: key.PublicKey},
			{ID: "private_key", Label: "private key", Type: "CONCEALED", Value: string(key.PrivateKey)},
			{ID: "fingerprint", Label: "fingerprint", Type: "STRING", Value: key.Fingerprint},
			{ID: "notesPlain", Label: "notesPlain", Type: "STRING", Value: string(metadataJSON), Purpose: "NOTES"},
		},
	}
}

// itemToSigningKey converts a 1Password item to a SigningKey.
func itemToSigningKey(item *onepassword.Item) *SigningKey {
	key := &SigningKey{
		ID:      item.ID,
		Name:    item.Title,
		KeyType: "ed25519",
	}

	for _, field := range item.Fields {
		switch field.ID {
		case "public_key":
			key.PublicKey = field.Value
		case "private_key":
			key.PrivateKey = []byte(field.Value)
		case "fingerprint":
			key.Fingerprint = field.Value
		case "notesPlain":
			var metadata struct {
				KeyType   string `json:"key_type"`
				CreatedAt string `json:"created_at"`
				RotatedAt string `json:"rotated_at"`
			}
			if err := json.Unmarshal([]byte(field.Value), &metadata); err != nil {
				continue
			}
			if metadata.KeyType != "" {
				key.KeyType = metadata.KeyType
			}
			if t, err := time.Parse(time.RFC3339, metadata.CreatedAt); err == nil {
				key.CreatedAt = t
			}
			if t, err := time.Parse(time.RFC3339, metadata.RotatedAt); err == nil {
				key.RotatedAt = &t
			}
		}
	}

	if key.CreatedAt.IsZero() {
		key.CreatedAt = item.CreatedAt
	}

	return key
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
// The Connect SDK does not export a sentinel for this.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}
