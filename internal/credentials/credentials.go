// Package credentials keeps the secrets the crypto engine needs between
// runs in the OS keychain: the pickle key that encrypts session material at
// rest, and the metadata of the most recently used crypto store.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	serviceName       = "veil"
	keyPickleKey      = "pickle_key"
	keyCurrentSession = "current_session"

	pickleKeyLength = 32
)

var ErrNotFound = errors.New("credentials: not found")

// SessionMetadata records which user and store path the tooling worked with
// last, so repeat invocations can omit the flags.
type SessionMetadata struct {
	UserID    string `json:"user_id"`
	StorePath string `json:"store_path"`
}

// StoreSession remembers meta as the default session for future runs.
func StoreSession(meta SessionMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	if err := keyring.Set(serviceName, keyCurrentSession, string(raw)); err != nil {
		return fmt.Errorf("store session metadata: %w", err)
	}
	return nil
}

// LoadSession returns the remembered default session, or ErrNotFound.
func LoadSession() (SessionMetadata, error) {
	raw, err := keyring.Get(serviceName, keyCurrentSession)
	if err != nil {
		return SessionMetadata{}, ErrNotFound
	}
	var meta SessionMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return SessionMetadata{}, fmt.Errorf("unmarshal session metadata: %w", err)
	}
	return meta, nil
}

// DeleteSession forgets the remembered default session.
func DeleteSession() {
	_ = keyring.Delete(serviceName, keyCurrentSession)
}

// LoadOrCreatePickleKey returns the per-account pickle key, generating and
// storing a fresh one on first use.
func LoadOrCreatePickleKey(userID string) ([]byte, error) {
	val, err := keyring.Get(serviceName, userID+":"+keyPickleKey)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(val)
		if err != nil || len(key) != pickleKeyLength {
			return nil, fmt.Errorf("stored pickle key is corrupted")
		}
		return key, nil
	}

	key := make([]byte, pickleKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := keyring.Set(serviceName, userID+":"+keyPickleKey, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("store pickle key: %w", err)
	}
	return key, nil
}

func DeletePickleKey(userID string) {
	_ = keyring.Delete(serviceName, userID+":"+keyPickleKey)
}
