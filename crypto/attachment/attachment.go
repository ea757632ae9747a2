// Package attachment encrypts and decrypts media uploads with the v2
// encrypted attachment scheme: AES-256-CTR with a fresh random key per
// file and a SHA-256 digest of the ciphertext.
package attachment

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

const (
	keyLength = 32
	ivLength  = 16
	// Only the first 8 bytes of the IV are random; the rest is the
	// counter, starting at zero.
	ivRandomLength = 8
)

var (
	ErrUnsupportedVersion = errors.New("attachment: unsupported version")
	ErrHashMismatch       = errors.New("attachment: ciphertext hash mismatch")
	ErrInvalidKey         = errors.New("attachment: invalid key")
	ErrInvalidIV          = errors.New("attachment: invalid iv")
)

var unpadded = base64.RawStdEncoding

// JSONWebKey carries the attachment key in the wire format.
type JSONWebKey struct {
	Kty    string   `json:"kty"`
	KeyOps []string `json:"key_ops"`
	Alg    string   `json:"alg"`
	K      string   `json:"k"`
	Ext    bool     `json:"ext"`
}

// EncryptedFileInfo is the metadata that rides alongside the uploaded
// ciphertext in the event content. URL is filled in by the uploader.
type EncryptedFileInfo struct {
	Version string            `json:"v"`
	URL     string            `json:"url,omitempty"`
	Key     JSONWebKey        `json:"key"`
	IV      string            `json:"iv"`
	Hashes  map[string]string `json:"hashes"`
}

// Encrypt encrypts plaintext in place semantics aside: it returns the
// ciphertext and the file info needed to decrypt it again.
func Encrypt(plaintext []byte) ([]byte, *EncryptedFileInfo, error) {
	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, err
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv[:ivRandomLength]); err != nil {
		return nil, nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	digest := sha256.Sum256(ciphertext)
	info := &EncryptedFileInfo{
		Version: "v2",
		Key: JSONWebKey{
			Kty:    "oct",
			KeyOps: []string{"encrypt", "decrypt"},
			Alg:    "A256CTR",
			K:      base64.RawURLEncoding.EncodeToString(key),
			Ext:    true,
		},
		IV:     unpadded.EncodeToString(iv),
		Hashes: map[string]string{"sha256": unpadded.EncodeToString(digest[:])},
	}
	return ciphertext, info, nil
}

// Decrypt verifies the ciphertext digest, then decrypts.
func Decrypt(ciphertext []byte, info *EncryptedFileInfo) ([]byte, error) {
	if info.Version != "v2" {
		return nil, ErrUnsupportedVersion
	}
	expected, err := unpadded.DecodeString(info.Hashes["sha256"])
	if err != nil || len(expected) != sha256.Size {
		return nil, ErrHashMismatch
	}
	digest := sha256.Sum256(ciphertext)
	if string(digest[:]) != string(expected) {
		return nil, ErrHashMismatch
	}

	key, err := base64.RawURLEncoding.DecodeString(info.Key.K)
	if err != nil || len(key) != keyLength {
		return nil, ErrInvalidKey
	}
	iv, err := unpadded.DecodeString(info.IV)
	if err != nil || len(iv) != ivLength {
		return nil, ErrInvalidIV
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
