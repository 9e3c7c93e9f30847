/*
Package security derives the backup encryption key and performs
authenticated encryption/decryption of backup archives for component E.

# Key derivation

The backup encryption key is never used directly. It is hex-decoded from
backup.encryption_key in configuration, then stretched via
PBKDF2-HMAC-SHA256 (100,000 iterations, 32-byte output) into the AES-256
key:

	configKey := hexDecode(cfg.Backup.EncryptionKey)
	aesKey := DeriveBackupKey(configKey)

The salt is fixed, not random. This is a known weakening of PBKDF2,
carried over unchanged from the agent's original implementation to keep
the on-disk backup format stable; see DESIGN.md for the full rationale.

# Authenticated encryption

BackupCipher wraps AES-256-GCM with the nonce prepended to the
ciphertext:

	cipher, err := NewBackupCipher(DeriveBackupKey(keyBytes))
	ciphertext, err := cipher.Encrypt(archiveBytes)
	...
	plaintext, err := cipher.Decrypt(ciphertext)

Decrypt never returns a partial plaintext: a tag mismatch or truncated
input is a plain error, which the backup engine wraps as
agenterr.ErrCryptoFailure, keeping this package free of upward
dependencies.
*/
package security
