// Package security derives the backup encryption key and performs
// authenticated encryption/decryption of backup archives (component E),
// following the teacher's pkg/security/secrets.go AES-256-GCM shape.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdfSalt is a fixed salt for key derivation. This is a known weakening of
// PBKDF2 carried over unchanged from the source (backup_manager.py uses the
// literal salt b"protekt_salt"), preserved here to keep the on-disk backup
// format compatible; see the Open Questions note on this.
var pbkdfSalt = []byte("protekt_salt")

const (
	pbkdfIterations = 100_000
	pbkdfKeyLen     = 32
)

// DeriveBackupKey derives the 32-byte AES-256 key used to encrypt backup
// archives from the hex-decoded backup.encryption_key configuration value,
// via PBKDF2-HMAC-SHA256 with the fixed salt above.
func DeriveBackupKey(encryptionKeyBytes []byte) []byte {
	return pbkdf2.Key(encryptionKeyBytes, pbkdfSalt, pbkdfIterations, pbkdfKeyLen, sha256.New)
}

// BackupCipher performs authenticated encryption of backup archives using
// AES-256-GCM, with the nonce prepended to the ciphertext.
type BackupCipher struct {
	key []byte
}

// NewBackupCipher creates a BackupCipher. key must be 32 bytes, typically
// the output of DeriveBackupKey.
func NewBackupCipher(key []byte) (*BackupCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &BackupCipher{key: key}, nil
}

// Encrypt encrypts plaintext using AES-256-GCM, returning the nonce
// prepended to the ciphertext.
func (c *BackupCipher) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. A tag mismatch or truncated input returns an
// error; the backup engine wraps it with agenterr.ErrCryptoFailure, keeping
// this package free of upward dependencies.
func (c *BackupCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
