package crypto

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Encryptor encrypts room events for one room under one algorithm.
type Encryptor interface {
	// Encrypt produces the m.room.encrypted body for a payload, given the
	// users the room key must reach.
	Encrypt(ctx context.Context, evtType event.Type, content json.RawMessage, users []id.UserID) (*EncryptedContent, error)
	// Discard invalidates the live outbound session, if any, so the next
	// Encrypt provisions a fresh one.
	Discard(ctx context.Context) error
}

// Decryptor decrypts events of one algorithm, for any room.
type Decryptor interface {
	Decrypt(ctx context.Context, evt *EncryptedEvent, timelineID string) (*DecryptionResult, error)
}

// roomKeyReceiver is implemented by decryptors that consume room key
// to-device events.
type roomKeyReceiver interface {
	OnRoomKey(ctx context.Context, senderKey id.Curve25519, claimedEd25519 id.Ed25519, content *RoomKeyContent) error
	OnForwardedRoomKey(ctx context.Context, senderKey id.Curve25519, content *ForwardedRoomKeyContent) error
}

// keySharer is implemented by decryptors that can re-share session keys
// with another of the user's devices.
type keySharer interface {
	ShareKeys(ctx context.Context, req *IncomingKeyRequest, dev *DeviceIdentity) error
}

// AlgorithmEnv bundles the collaborators an algorithm implementation works
// against. It is handed to factories by the engine.
type AlgorithmEnv struct {
	Log         zerolog.Logger
	Store       Store
	Transport   Transport
	Olm         *OlmDevice
	DeviceList  *DeviceList
	KeyRequests *KeyRequestManager
	OwnUserID   id.UserID
	OwnDeviceID id.DeviceID
}

// EncryptorFactory builds a per-room encryptor.
type EncryptorFactory func(env *AlgorithmEnv, roomID id.RoomID, cfg *EncryptionConfig) Encryptor

// DecryptorFactory builds the (room-independent) decryptor of an algorithm.
type DecryptorFactory func(env *AlgorithmEnv) Decryptor

// AlgorithmRegistry statically maps algorithm ids to factories. It replaces
// any form of dynamic lookup: adding an algorithm is a registry entry. The
// registry is constructed explicitly and passed into the engine; there is
// no global instance.
type AlgorithmRegistry struct {
	encryptors map[id.Algorithm]EncryptorFactory
	decryptors map[id.Algorithm]DecryptorFactory
}

func NewAlgorithmRegistry() *AlgorithmRegistry {
	return &AlgorithmRegistry{
		encryptors: make(map[id.Algorithm]EncryptorFactory),
		decryptors: make(map[id.Algorithm]DecryptorFactory),
	}
}

// DefaultAlgorithmRegistry returns a registry with the two standard
// algorithms registered.
func DefaultAlgorithmRegistry() *AlgorithmRegistry {
	r := NewAlgorithmRegistry()
	r.RegisterEncryptor(id.AlgorithmMegolmV1, newMegolmEncryptor)
	r.RegisterDecryptor(id.AlgorithmMegolmV1, newMegolmDecryptor)
	r.RegisterEncryptor(id.AlgorithmOlmV1, newOlmEncryptor)
	r.RegisterDecryptor(id.AlgorithmOlmV1, newOlmDecryptor)
	return r
}

func (r *AlgorithmRegistry) RegisterEncryptor(alg id.Algorithm, f EncryptorFactory) {
	r.encryptors[alg] = f
}

func (r *AlgorithmRegistry) RegisterDecryptor(alg id.Algorithm, f DecryptorFactory) {
	r.decryptors[alg] = f
}

func (r *AlgorithmRegistry) NewEncryptor(alg id.Algorithm, env *AlgorithmEnv, roomID id.RoomID, cfg *EncryptionConfig) (Encryptor, bool) {
	f, ok := r.encryptors[alg]
	if !ok {
		return nil, false
	}
	return f(env, roomID, cfg), true
}

func (r *AlgorithmRegistry) NewDecryptor(alg id.Algorithm, env *AlgorithmEnv) (Decryptor, bool) {
	f, ok := r.decryptors[alg]
	if !ok {
		return nil, false
	}
	return f(env), true
}

func (r *AlgorithmRegistry) SupportsDecryption(alg id.Algorithm) bool {
	_, ok := r.decryptors[alg]
	return ok
}
