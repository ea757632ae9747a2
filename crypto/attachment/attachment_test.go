package attachment

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("not actually a png")
	ciphertext, info, err := Encrypt(plaintext)
	require.NoError(t, err)
	assert.Equal(t, "v2", info.Version)
	assert.Equal(t, "A256CTR", info.Key.Alg)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := Decrypt(ciphertext, info)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, decrypted))
}

func TestFreshKeyPerFile(t *testing.T) {
	_, a, err := Encrypt([]byte("one"))
	require.NoError(t, err)
	_, b, err := Encrypt([]byte("two"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Key.K, b.Key.K)
	assert.NotEqual(t, a.IV, b.IV)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	ciphertext, info, err := Encrypt([]byte("payload bytes"))
	require.NoError(t, err)
	ciphertext[0] ^= 0xff

	_, err = Decrypt(ciphertext, info)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestDecryptRejectsUnknownVersion(t *testing.T) {
	ciphertext, info, err := Encrypt([]byte("payload"))
	require.NoError(t, err)
	info.Version = "v1"

	_, err = Decrypt(ciphertext, info)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecryptRejectsBadKey(t *testing.T) {
	ciphertext, info, err := Encrypt([]byte("payload"))
	require.NoError(t, err)
	info.Key.K = "dG9vIHNob3J0"

	_, err = Decrypt(ciphertext, info)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEmptyFile(t *testing.T) {
	ciphertext, info, err := Encrypt(nil)
	require.NoError(t, err)
	decrypted, err := Decrypt(ciphertext, info)
	require.NoError(t, err)
	assert.Empty(t, decrypted)
}
