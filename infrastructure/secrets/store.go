package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

// Store derives a local symmetric key from a master secret and salt, both
// persisted under a secrets directory, and uses it to encrypt/decrypt
// individual field values in the configuration document.
//
// The master secret is generated on first run; the salt is generated once
// alongside it. Both are read-only after creation: rotating either
// invalidates every previously encrypted field.
type Store struct {
	dir  string
	aead cipher.AEAD
}

// Open ensures dir exists with restrictive permissions, loads or generates
// the master secret and salt inside it, and derives the AEAD used for field
// encryption.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("secrets: directory is required")
	}
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("secrets: create directory: %w", err)
	}
	// MkdirAll does not change the mode of a directory that already exists.
	if err := os.Chmod(dir, DirMode); err != nil {
		return nil, fmt.Errorf("secrets: chmod directory: %w", err)
	}

	master, err := loadOrGenerate(filepath.Join(dir, ".master"), masterSecretBytes)
	if err != nil {
		return nil, fmt.Errorf("secrets: master secret: %w", err)
	}
	salt, err := loadOrGenerate(filepath.Join(dir, ".salt"), saltBytes)
	if err != nil {
		return nil, fmt.Errorf("secrets: salt: %w", err)
	}

	key := pbkdf2.Key(master, salt, pbkdf2Iterations, derivedKeyBytes, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: init AEAD: %w", err)
	}

	// The derived key itself never touches disk; persisting it separately
	// (e.g. as a ".security_key" artefact) would be redundant since it is
	// fully determined by the master secret and salt above.
	return &Store{dir: dir, aead: aead}, nil
}

// loadOrGenerate reads an existing secret artefact or creates one with n
// cryptographically random bytes, mode 0600.
func loadOrGenerate(path string, n int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == n {
		return data, nil
	}

	fresh := make([]byte, n)
	if _, err := rand.Read(fresh); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, fresh, FileMode); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Encrypt seals value and returns it formatted as "encrypted:<base64>".
func (s *Store) Encrypt(value string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. raw must carry the "encrypted:" prefix.
func (s *Store) Decrypt(raw string) (string, error) {
	encoded, ok := cutPrefix(raw, EncryptedPrefix)
	if !ok {
		return "", fmt.Errorf("secrets: value is not encrypted")
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether raw carries the "encrypted:" marker.
func IsEncrypted(raw string) bool {
	_, ok := cutPrefix(raw, EncryptedPrefix)
	return ok
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}

// Mask returns a redacted form of secret suitable for logs: the first and
// last `visible` characters survive, the middle is replaced with asterisks.
// Secrets no longer than 2*visible are fully masked.
func Mask(secret string, visible int) string {
	if visible < 0 {
		visible = 0
	}
	if len(secret) <= visible*2 {
		return repeat('*', len(secret))
	}
	start := secret[:visible]
	end := secret[len(secret)-visible:]
	return start + repeat('*', len(secret)-2*visible) + end
}

func repeat(c byte, n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}
