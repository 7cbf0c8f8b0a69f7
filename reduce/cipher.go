package reduce

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/dirkpetersen/claudefs/fs"
)

// CipherSuite selects the AEAD protecting chunk payloads at rest.
type CipherSuite uint8

// Cipher suites
const (
	// SuiteAESGCM is AES-256-GCM with a 96-bit nonce.
	SuiteAESGCM CipherSuite = iota
	// SuiteXChaCha is XChaCha20-Poly1305 with a 192-bit nonce.
	SuiteXChaCha
)

// String turns a CipherSuite into a human-readable string
func (s CipherSuite) String() string {
	switch s {
	case SuiteAESGCM:
		return "aes-gcm"
	case SuiteXChaCha:
		return "xchacha20-poly1305"
	}
	return fmt.Sprintf("CipherSuite(%d)", uint8(s))
}

// KeyResolver returns the 32-byte key for a key id. It must be safe for
// concurrent use. The core never rotates keys itself: the id stored with
// each chunk lets keys rotate without rewriting data, and a resolver that
// returns a different key for an old id surfaces as an integrity failure
// on read.
type KeyResolver func(keyID uint32) ([]byte, error)

// chunkCipher seals and opens one chunk payload.
type chunkCipher interface {
	Seal(nonce, plaintext []byte) []byte
	Open(nonce, ciphertext []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// aeadCipher adapts a crypto AEAD to chunkCipher.
type aeadCipher struct {
	aead gocipher.AEAD
}

func (c *aeadCipher) Seal(nonce, plaintext []byte) []byte {
	return c.aead.Seal(nil, nonce, plaintext, nil)
}

func (c *aeadCipher) Open(nonce, ciphertext []byte) ([]byte, error) {
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w: %w", fs.ErrorIntegrity, err)
	}
	return plaintext, nil
}

func (c *aeadCipher) NonceSize() int { return c.aead.NonceSize() }
func (c *aeadCipher) Overhead() int  { return c.aead.Overhead() }

// newChunkCipher builds the AEAD for suite over a 32-byte key.
func newChunkCipher(suite CipherSuite, key []byte) (chunkCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d: %w", len(key), fs.ErrorInvalidArgument)
	}
	switch suite {
	case SuiteAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("aes: %w: %w", fs.ErrorInternal, err)
		}
		aead, err := gocipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("gcm: %w: %w", fs.ErrorInternal, err)
		}
		return &aeadCipher{aead: aead}, nil
	case SuiteXChaCha:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("xchacha: %w: %w", fs.ErrorInternal, err)
		}
		return &aeadCipher{aead: aead}, nil
	}
	return nil, fmt.Errorf("cipher suite %v: %w", suite, fs.ErrorNotSupported)
}

// cryptoRand is the nonce source, swappable in tests.
var cryptoRand io.Reader = rand.Reader

// newNonce draws a fresh random nonce. Nonces come from the CSPRNG and
// are never derived from counters, so process restarts cannot repeat one.
func newNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := io.ReadFull(cryptoRand, nonce); err != nil {
		return nil, fmt.Errorf("short read of nonce: %w: %w", fs.ErrorInternal, err)
	}
	return nonce, nil
}

// StaticKeyResolver derives per-id keys from a password with scrypt. It
// serves tests and single-node deployments; production resolvers talk to
// the key-management collaborator.
func StaticKeyResolver(password, salt string) KeyResolver {
	return func(keyID uint32) ([]byte, error) {
		idSalt := make([]byte, len(salt)+4)
		copy(idSalt, salt)
		binary.BigEndian.PutUint32(idSalt[len(salt):], keyID)
		key, err := scrypt.Key([]byte(password), idSalt, 16384, 8, 1, 32)
		if err != nil {
			return nil, fmt.Errorf("derive key %d: %w: %w", keyID, fs.ErrorInternal, err)
		}
		return key, nil
	}
}
