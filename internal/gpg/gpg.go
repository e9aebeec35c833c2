// Package gpg verifies detached PGP signatures on downloaded update
// packages against an operator-configured public key.
package gpg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
)

const (
	// maxSignatureSize caps the detached signature download.
	maxSignatureSize = 1 << 20
	signatureTimeout = 30 * time.Second
)

// ErrNoKeys is returned when verification is attempted with an empty
// keyring.
var ErrNoKeys = errors.New("no keys in keyring")

// KeyRing holds the public keys packages may be signed with.
type KeyRing struct {
	ring       *crypto.KeyRing
	httpClient *http.Client
}

// NewKeyRing creates an empty keyring.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		httpClient: &http.Client{Timeout: signatureTimeout},
	}
}

// NewKeyRingFromFile creates a keyring loaded with the armored public
// key at path.
func NewKeyRingFromFile(path string) (*KeyRing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	kr := NewKeyRing()
	if err := kr.AddArmoredKey(string(data)); err != nil {
		return nil, err
	}
	return kr, nil
}

// AddArmoredKey parses an armored public key and adds it to the ring.
func (kr *KeyRing) AddArmoredKey(armored string) error {
	if armored == "" {
		return errors.New("armored key data is empty")
	}
	key, err := crypto.NewKeyFromArmored(armored)
	if err != nil {
		return fmt.Errorf("failed to parse PGP key: %w", err)
	}
	if kr.ring == nil {
		ring, err := crypto.NewKeyRing(key)
		if err != nil {
			return fmt.Errorf("failed to create keyring: %w", err)
		}
		kr.ring = ring
		return nil
	}
	if err := kr.ring.AddKey(key); err != nil {
		return fmt.Errorf("failed to add key to keyring: %w", err)
	}
	return nil
}

// VerifyDetached checks a detached signature over message. Armored
// signatures are tried first, then binary.
func (kr *KeyRing) VerifyDetached(message, signature []byte) error {
	if kr.ring == nil {
		return ErrNoKeys
	}

	plain := crypto.NewPlainMessage(message)
	sig, err := crypto.NewPGPSignatureFromArmored(string(signature))
	if err != nil {
		sig = crypto.NewPGPSignature(signature)
	}

	if err := kr.ring.VerifyDetached(plain, sig, crypto.GetUnixTime()); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// VerifyFile downloads the detached signature at signatureURL and
// verifies it over the file at path. Satisfies the installer's
// Verifier interface.
func (kr *KeyRing) VerifyFile(ctx context.Context, path, signatureURL string) error {
	if kr.ring == nil {
		return ErrNoKeys
	}

	message, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file for verification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signatureURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create signature request: %w", err)
	}
	resp, err := kr.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download signature: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signature download returned status %d", resp.StatusCode)
	}
	signature, err := io.ReadAll(io.LimitReader(resp.Body, maxSignatureSize))
	if err != nil {
		return fmt.Errorf("failed to read signature: %w", err)
	}

	return kr.VerifyDetached(message, signature)
}
