// Package secrets implements the local, file-backed secrets store used to
// encrypt sensitive fields (panel credentials, bot tokens) inside the
// on-disk configuration document.
package secrets

import "errors"

var (
	// ErrNotFound indicates the requested dotted path does not exist in the document.
	ErrNotFound = errors.New("secrets: field not found")
	// ErrInvalidCiphertext indicates a stored value could not be decrypted with the
	// current master secret, e.g. it was encrypted under a different key or is corrupt.
	ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext")
)

const (
	// EncryptedPrefix marks a config value as an encrypted field on disk.
	EncryptedPrefix = "encrypted:"

	// DirMode is the permission mode applied to the secrets directory.
	DirMode = 0o700
	// FileMode is the permission mode applied to every secret artefact
	// (master secret, salt, config document).
	FileMode = 0o600

	masterSecretBytes = 32
	saltBytes         = 16
	pbkdf2Iterations  = 100_000
	derivedKeyBytes   = 16 // AES-128
)
