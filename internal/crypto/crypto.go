// Package crypto seals local snapshots at rest with AES-256-GCM.
// Keys are derived from a passphrase with Argon2id and a per-snapshot salt.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

// magic prefixes every sealed payload.
var magic = []byte("MCS1")

const (
	saltSize  = 16
	keySize   = 32
	nonceSize = 12

	// Argon2id parameters (RFC 9106 second recommended option).
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Sealer encrypts and decrypts payloads with a passphrase-derived key.
// The derived key for the most recent salt is cached.
type Sealer struct {
	passphrase []byte

	mu   sync.Mutex
	salt []byte
	key  []byte
}

// NewSealer creates a Sealer for passphrase.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrInvalidKey
	}
	return &Sealer{passphrase: []byte(passphrase)}, nil
}

// IsSealed reports whether data carries the sealed payload header.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}

// Seal encrypts plaintext. Output layout: magic | salt | nonce | ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	salt, key, err := s.currentKey()
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(magic)+saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, magic), nil
}

// Open decrypts a payload produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) || len(sealed) < len(magic)+saltSize+nonceSize {
		return nil, ErrInvalidCiphertext
	}
	body := sealed[len(magic):]
	salt, body := body[:saltSize], body[saltSize:]

	gcm, err := newGCM(s.keyFor(salt))
	if err != nil {
		return nil, err
	}
	nonce, cipherData := body[:nonceSize], body[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, cipherData, magic)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// currentKey returns the cached salt and key, creating them on first use.
func (s *Sealer) currentKey() ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, nil, err
		}
		s.salt, s.key = salt, deriveKey(s.passphrase, salt)
	}
	return s.salt, s.key, nil
}

// keyFor returns the key for salt and caches it, so later Seal calls reuse
// the salt already on disk.
func (s *Sealer) keyFor(salt []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil && bytes.Equal(s.salt, salt) {
		return s.key
	}
	s.salt = append([]byte(nil), salt...)
	s.key = deriveKey(s.passphrase, salt)
	return s.key
}

func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, keySize)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
