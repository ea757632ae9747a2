// Package keyexport implements the portable megolm session export file:
// a passphrase-encrypted JSON payload in an armored container, compatible
// across clients.
package keyexport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/veilchat/veil/crypto"
)

const (
	headerLine = "-----BEGIN MEGOLM SESSION DATA-----"
	footerLine = "-----END MEGOLM SESSION DATA-----"

	lineLength = 96

	// DefaultRounds is the pbkdf2 iteration count used when exporting.
	DefaultRounds = 500000

	versionByte = 0x01

	saltLength = 16
	ivLength   = 16
	macLength  = 32

	// version + salt + iv + round count
	prefixLength = 1 + saltLength + ivLength + 4
)

var (
	ErrMissingHeader      = errors.New("keyexport: header line not found")
	ErrMissingFooter      = errors.New("keyexport: footer line not found")
	ErrUnsupportedVersion = errors.New("keyexport: unsupported format version")
	ErrCorruptedFile      = errors.New("keyexport: file too short or corrupted")
	ErrInvalidPassphrase  = errors.New("keyexport: incorrect passphrase or corrupted file")
)

// deriveKeys stretches the passphrase into an AES-256 key and an HMAC key.
func deriveKeys(passphrase string, salt []byte, rounds int) (aesKey, hmacKey []byte) {
	stretched := pbkdf2.Key([]byte(passphrase), salt, rounds, 64, sha512.New)
	return stretched[:32], stretched[32:]
}

// Export encrypts sessions under passphrase and returns the armored file
// contents.
func Export(sessions []*crypto.ExportedSession, passphrase string, rounds int) ([]byte, error) {
	if rounds <= 0 {
		rounds = DefaultRounds
	}
	plaintext, err := json.Marshal(sessions)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	// Clearing this bit keeps the counter from overflowing within one
	// payload.
	iv[9] &= 0x7f

	aesKey, hmacKey := deriveKeys(passphrase, salt, rounds)

	payload := make([]byte, prefixLength+len(plaintext)+macLength)
	payload[0] = versionByte
	copy(payload[1:], salt)
	copy(payload[1+saltLength:], iv)
	binary.BigEndian.PutUint32(payload[1+saltLength+ivLength:], uint32(rounds))

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	cipher.NewCTR(block, iv).XORKeyStream(payload[prefixLength:prefixLength+len(plaintext)], plaintext)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(payload[:prefixLength+len(plaintext)])
	copy(payload[prefixLength+len(plaintext):], mac.Sum(nil))

	return armor(payload), nil
}

// Import decrypts an armored export file, verifying its integrity before
// touching the ciphertext.
func Import(data []byte, passphrase string) ([]*crypto.ExportedSession, error) {
	payload, err := unarmor(data)
	if err != nil {
		return nil, err
	}
	if len(payload) < prefixLength+macLength {
		return nil, ErrCorruptedFile
	}
	if payload[0] != versionByte {
		return nil, ErrUnsupportedVersion
	}
	salt := payload[1 : 1+saltLength]
	iv := payload[1+saltLength : 1+saltLength+ivLength]
	rounds := int(binary.BigEndian.Uint32(payload[1+saltLength+ivLength : prefixLength]))

	aesKey, hmacKey := deriveKeys(passphrase, salt, rounds)

	body := payload[:len(payload)-macLength]
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), payload[len(payload)-macLength:]) {
		return nil, ErrInvalidPassphrase
	}

	ciphertext := payload[prefixLength : len(payload)-macLength]
	plaintext := make([]byte, len(ciphertext))
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)

	var sessions []*crypto.ExportedSession
	if err := json.Unmarshal(plaintext, &sessions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedFile, err)
	}
	return sessions, nil
}

// armor wraps payload in the base64 container with the standard line
// length.
func armor(payload []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(payload)
	var buf bytes.Buffer
	buf.WriteString(headerLine)
	buf.WriteByte('\n')
	for len(encoded) > lineLength {
		buf.WriteString(encoded[:lineLength])
		buf.WriteByte('\n')
		encoded = encoded[lineLength:]
	}
	buf.WriteString(encoded)
	buf.WriteByte('\n')
	buf.WriteString(footerLine)
	buf.WriteByte('\n')
	return buf.Bytes()
}

// unarmor finds the container lines and decodes everything between them,
// ignoring whitespace.
func unarmor(data []byte) ([]byte, error) {
	start := bytes.Index(data, []byte(headerLine))
	if start < 0 {
		return nil, ErrMissingHeader
	}
	start += len(headerLine)
	end := bytes.Index(data[start:], []byte(footerLine))
	if end < 0 {
		return nil, ErrMissingFooter
	}
	encoded := bytes.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, data[start:start+end])
	payload := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(payload, encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedFile, err)
	}
	return payload[:n], nil
}
