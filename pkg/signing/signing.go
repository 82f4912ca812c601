// Package signing signs and verifies baselines with SSH keys.
//
// The signature covers a canonical SHA-512 digest of the image id, the
// creation time and every entry in path order, so the JSON encoding and
// entry order on the wire do not affect verification.
package signing

import (
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

var (
	// ErrUnsigned is returned when a baseline carries no signature.
	ErrUnsigned = errors.New("baseline is not signed")
	// ErrInvalidSignature is returned when verification fails.
	ErrInvalidSignature = errors.New("baseline signature is invalid")
)

const digestDomain = "golden-integrity-baseline-v1\n"

// Digest returns the canonical digest of a baseline. The signature field is
// not part of the digest.
func Digest(b *types.Baseline) []byte {
	entries := append([]types.FileIntegrityEntry(nil), b.Entries...)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	h := sha512.New()
	io.WriteString(h, digestDomain)
	fmt.Fprintf(h, "%d:%s\n", len(b.ImageID), b.ImageID)
	fmt.Fprintf(h, "%s\n", b.CreatedAt.UTC().Format(time.RFC3339Nano))
	for _, e := range entries {
		fmt.Fprintf(h, "%d:%s %s %o %d %d\n", len(e.Path), e.Path, e.ContentHash, e.Mode, e.UID, e.GID)
	}
	return h.Sum(nil)
}

// Sign attaches a signature to b.
func Sign(b *types.Baseline, signer ssh.Signer) error {
	sig, err := signer.Sign(rand.Reader, Digest(b))
	if err != nil {
		return fmt.Errorf("signing baseline: %w", err)
	}
	b.Signature = &types.Signature{
		Format:         sig.Format,
		Blob:           ssh.Marshal(sig),
		KeyFingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
	}
	return nil
}

// Verify checks b's signature against a trusted public key.
func Verify(b *types.Baseline, trusted ssh.PublicKey) error {
	if b.Signature == nil || len(b.Signature.Blob) == 0 {
		return ErrUnsigned
	}

	var sig ssh.Signature
	if err := ssh.Unmarshal(b.Signature.Blob, &sig); err != nil {
		return fmt.Errorf("%w: decoding signature: %v", ErrInvalidSignature, err)
	}
	if err := trusted.Verify(Digest(b), &sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// ParsePublicKey parses a key in authorized_keys format.
func ParsePublicKey(data []byte) (ssh.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return key, nil
}

// LoadPublicKey reads an authorized_keys formatted public key file.
func LoadPublicKey(path string) (ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	return ParsePublicKey(data)
}
