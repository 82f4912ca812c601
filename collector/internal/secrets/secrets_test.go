package secrets

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/1Password/connect-sdk-go/onepassword"
	"golang.org/x/crypto/ssh"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerateSigningKey(t *testing.T) {
	key, err := GenerateSigningKey("k")
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	if !strings.HasPrefix(key.PublicKey, "ssh-ed25519 ") {
		t.Errorf("PublicKey = %q", key.PublicKey)
	}

	signer, err := key.Signer()
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}
	if got := ssh.FingerprintSHA256(signer.PublicKey()); got != key.Fingerprint {
		t.Errorf("signer fingerprint %s != key fingerprint %s", got, key.Fingerprint)
	}
}

func TestLocalKeyStore_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ks, err := NewLocalKeyStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewLocalKeyStore: %v", err)
	}

	missing, err := ks.GetKey(ctx, DefaultKeyName)
	if err != nil || missing != nil {
		t.Fatalf("GetKey on empty store = %v, %v; want nil, nil", missing, err)
	}

	first, err := ks.GetOrCreateKey(ctx, DefaultKeyName)
	if err != nil {
		t.Fatalf("GetOrCreateKey: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, DefaultKeyName+".pem"))
	if err != nil {
		t.Fatalf("private key not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("private key mode = %o, want 600", info.Mode().Perm())
	}

	// A fresh store over the same directory loads the same key.
	ks2, err := NewLocalKeyStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewLocalKeyStore: %v", err)
	}
	second, err := ks2.GetOrCreateKey(ctx, DefaultKeyName)
	if err != nil {
		t.Fatalf("GetOrCreateKey: %v", err)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Errorf("reload produced a different key: %s vs %s", first.Fingerprint, second.Fingerprint)
	}
}

func TestLocalKeyStore_Rotate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ks, err := NewLocalKeyStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewLocalKeyStore: %v", err)
	}

	old, err := ks.GetOrCreateKey(ctx, "k")
	if err != nil {
		t.Fatalf("GetOrCreateKey: %v", err)
	}
	rotated, err := ks.RotateKey(ctx, "k")
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if rotated.Fingerprint == old.Fingerprint {
		t.Error("rotation should produce a new key")
	}
	if rotated.RotatedAt == nil {
		t.Error("RotatedAt should be set")
	}

	archived, err := filepath.Glob(filepath.Join(dir, "k-archived-*.pem"))
	if err != nil || len(archived) != 1 {
		t.Errorf("archived keys = %v, %v; want one", archived, err)
	}
}

// fakeVault is an in-memory vaultClient.
type fakeVault struct {
	items   map[string]*onepassword.Item
	listErr error
	creates int
	updates int
}

func newFakeVault() *fakeVault {
	return &fakeVault{items: make(map[string]*onepassword.Item)}
}

func (f *fakeVault) GetItemsByTitle(title, vault string) ([]onepassword.Item, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []onepassword.Item
	for _, item := range f.items {
		if item.Title == title {
			out = append(out, onepassword.Item{ID: item.ID, Title: item.Title})
		}
	}
	return out, nil
}

func (f *fakeVault) GetItem(id, vault string) (*onepassword.Item, error) {
	item, ok := f.items[id]
	if !ok {
		return nil, errors.New("item not found")
	}
	return item, nil
}

func (f *fakeVault) CreateItem(item *onepassword.Item, vault string) (*onepassword.Item, error) {
	f.creates++
	item.ID = item.Title + "-id"
	f.items[item.ID] = item
	return item, nil
}

func (f *fakeVault) UpdateItem(item *onepassword.Item, vault string) (*onepassword.Item, error) {
	f.updates++
	f.items[item.ID] = item
	return item, nil
}

func TestOnePasswordKeyStore_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	vault := newFakeVault()
	ks := newOnePasswordKeyStore(vault, "vault-1", testLogger())

	created, err := ks.GetOrCreateKey(ctx, DefaultKeyName)
	if err != nil {
		t.Fatalf("GetOrCreateKey: %v", err)
	}
	if vault.creates != 1 {
		t.Fatalf("creates = %d, want 1", vault.creates)
	}

	// A new store instance has an empty cache and must read the vault.
	ks2 := newOnePasswordKeyStore(vault, "vault-1", testLogger())
	loaded, err := ks2.GetOrCreateKey(ctx, DefaultKeyName)
	if err != nil {
		t.Fatalf("GetOrCreateKey: %v", err)
	}
	if vault.creates != 1 {
		t.Errorf("existing key should not be recreated, creates = %d", vault.creates)
	}
	if loaded.Fingerprint != created.Fingerprint {
		t.Errorf("fingerprint mismatch: %s vs %s", loaded.Fingerprint, created.Fingerprint)
	}
	if _, err := loaded.Signer(); err != nil {
		t.Errorf("loaded key unusable: %v", err)
	}
	if loaded.CreatedAt.IsZero() {
		t.Error("CreatedAt should be restored from notes")
	}
}

func TestOnePasswordKeyStore_NotFoundError(t *testing.T) {
	vault := newFakeVault()
	vault.listErr = errors.New("status 404: no items found")
	ks := newOnePasswordKeyStore(vault, "vault-1", testLogger())

	key, err := ks.GetKey(context.Background(), "k")
	if err != nil || key != nil {
		t.Fatalf("GetKey = %v, %v; want nil, nil", key, err)
	}

	vault.listErr = errors.New("connection refused")
	if _, err := ks.GetKey(context.Background(), "k"); err == nil {
		t.Fatal("expected error for transport failure")
	}
}

func TestOnePasswordKeyStore_Rotate(t *testing.T) {
	ctx := context.Background()
	vault := newFakeVault()
	ks := newOnePasswordKeyStore(vault, "vault-1", testLogger())

	old, err := ks.GetOrCreateKey(ctx, "k")
	if err != nil {
		t.Fatalf("GetOrCreateKey: %v", err)
	}
	rotated, err := ks.RotateKey(ctx, "k")
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if rotated.Fingerprint == old.Fingerprint {
		t.Error("rotation should produce a new key")
	}
	if vault.updates != 1 {
		t.Errorf("updates = %d, want 1", vault.updates)
	}
}

func TestNewKeyStore(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"local", Config{Backend: "local", LocalKeyDir: t.TempDir()}, "*secrets.LocalKeyStore", false},
		{"auto without 1password", Config{LocalKeyDir: t.TempDir()}, "*secrets.LocalKeyStore", false},
		{"auto with 1password", Config{OnePassword: OnePasswordConfig{Host: "http://op", Token: "t", VaultID: "v"}}, "*secrets.OnePasswordKeyStore", false},
		{"1password incomplete", Config{Backend: "1password"}, "", true},
		{"unknown", Config{Backend: "vault"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ks, err := NewKeyStore(tt.cfg, testLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewKeyStore error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer ks.Close()
			if got := typeName(ks); got != tt.want {
				t.Errorf("backend = %s, want %s", got, tt.want)
			}
		})
	}
}

func typeName(ks KeyStore) string {
	switch ks.(type) {
	case *LocalKeyStore:
		return "*secrets.LocalKeyStore"
	case *OnePasswordKeyStore:
		return "*secrets.OnePasswordKeyStore"
	}
	return "unknown"
}
