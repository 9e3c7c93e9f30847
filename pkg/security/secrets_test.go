package security

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackupCipher(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32)},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewBackupCipher(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c)
		})
	}
}

func TestDeriveBackupKeyDeterministic(t *testing.T) {
	raw, err := hex.DecodeString("aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"[:64])
	require.NoError(t, err)

	key1 := DeriveBackupKey(raw)
	key2 := DeriveBackupKey(raw)
	assert.Equal(t, key1, key2)
	assert.Len(t, key1, 32)

	other := DeriveBackupKey(append(raw, 0x01))
	assert.NotEqual(t, key1, other)
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := []byte("test-encryption-key-32-bytes-!!!")
	c, err := NewBackupCipher(key)
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "simple string", plaintext: []byte("hello world")},
		{name: "json data", plaintext: []byte(`{"backup_id":"backup_1_abcd1234"}`)},
		{name: "binary data", plaintext: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}},
		{name: "large data", plaintext: bytes.Repeat([]byte("test"), 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := c.Encrypt(tt.plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, tt.plaintext, ciphertext)

			decrypted, err := c.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestDecryptErrors(t *testing.T) {
	key := make([]byte, 32)
	c, err := NewBackupCipher(key)
	require.NoError(t, err)

	tests := []struct {
		name       string
		ciphertext []byte
	}{
		{name: "empty data", ciphertext: []byte{}},
		{name: "nil data", ciphertext: nil},
		{name: "too short", ciphertext: []byte{0x01, 0x02}},
		{name: "corrupted data", ciphertext: bytes.Repeat([]byte("x"), 100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.ciphertext)
			assert.Error(t, err)
		})
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	key1 := []byte("key-one-32-bytes-long-!!!!!!!!!!")[:32]
	key2 := []byte("key-two-32-bytes-long-!!!!!!!!!!")[:32]

	c1, err := NewBackupCipher(key1)
	require.NoError(t, err)
	c2, err := NewBackupCipher(key2)
	require.NoError(t, err)

	ciphertext, err := c1.Encrypt([]byte("secret data"))
	require.NoError(t, err)

	_, err = c2.Decrypt(ciphertext)
	assert.Error(t, err)
}

// One-byte corruption of the ciphertext must be refused, not silently
// produce partial output: the GCM authentication tag detects it.
func TestDecryptRefusesCorruptedChecksum(t *testing.T) {
	key := make([]byte, 32)
	c, err := NewBackupCipher(key)
	require.NoError(t, err)

	ciphertext, err := c.Encrypt([]byte("archive contents"))
	require.NoError(t, err)

	corrupted := append([]byte(nil), ciphertext...)
	corrupted[len(corrupted)-1] ^= 0xFF

	_, err = c.Decrypt(corrupted)
	assert.Error(t, err)
}
