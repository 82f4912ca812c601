// Package secrets provides storage for the baseline signing key.
//
// The collector signs every baseline it produces with an Ed25519 SSH key.
// The KeyStore interface hides where that key lives: a 1Password Connect
// vault for production builders, or a local directory for development.
// Agents only ever see the public half.
package secrets

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultKeyName is the name of the default baseline signing key.
const DefaultKeyName = "golden-integrity-baseline-signing"

// SigningKey is an SSH key pair with metadata.
type SigningKey struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	KeyType     string     `json:"key_type"`    // "ed25519"
	PublicKey   string     `json:"public_key"`  // authorized_keys format (ssh-ed25519 AAAA...)
	PrivateKey  []byte     `json:"-"`           // PEM encoded, never serialized to JSON
	Fingerprint string     `json:"fingerprint"` // SHA256 fingerprint
	CreatedAt   time.Time  `json:"created_at"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty"`
}

// Signer returns an ssh.Signer for the private key.
func (k *SigningKey) Signer() (ssh.Signer, error) {
	return ParsePrivateKey(k.PrivateKey)
}

// KeyStore provides storage and retrieval of signing keys.
type KeyStore interface {
	// GetOrCreateKey returns the named key pair, creating one if it
	// doesn't exist.
	GetOrCreateKey(ctx context.Context, name string) (*SigningKey, error)

	// GetKey returns the named key pair, or nil if it doesn't exist.
	GetKey(ctx context.Context, name string) (*SigningKey, error)

	// RotateKey creates a new key pair under name and archives the old one.
	// Agents must be given the new public key before new baselines verify.
	RotateKey(ctx context.Context, name string) (*SigningKey, error)

	// Close releases any resources held by the key store.
	Close() error
}

// GenerateSigningKey generates a new Ed25519 SSH key pair.
func GenerateSigningKey(name string) (*SigningKey, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("converting to ssh public key: %w", err)
	}

	privKeyPEM, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}

	return &SigningKey{
		Name:        name,
		KeyType:     "ed25519",
		PublicKey:   string(ssh.MarshalAuthorizedKey(sshPubKey)),
		PrivateKey:  pem.EncodeToMemory(privKeyPEM),
		Fingerprint: ssh.FingerprintSHA256(sshPubKey),
		CreatedAt:   time.Now(),
	}, nil
}

// ParsePrivateKey parses a PEM-encoded private key and returns an ssh.Signer.
func ParsePrivateKey(pemBytes []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return signer, nil
}

// archiveName returns the name an old key is kept under after rotation.
func archiveName(name string, at time.Time) string {
	return fmt.Sprintf("%s-archived-%s", name, at.Format("20060102-150405"))
}
