package crypto

import (
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ToDeviceEvent is a single to-device message handed to the engine by the
// sync layer, exactly once per sync batch.
type ToDeviceEvent struct {
	Type    event.Type      `json:"type"`
	Sender  id.UserID       `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// EncryptedEvent is a room event carrying an m.room.encrypted payload.
type EncryptedEvent struct {
	EventID   id.EventID       `json:"event_id"`
	RoomID    id.RoomID        `json:"room_id"`
	Sender    id.UserID        `json:"sender"`
	Timestamp int64            `json:"origin_server_ts"`
	Content   EncryptedContent `json:"content"`
}

// EncryptedContent is the wire body of m.room.encrypted. Ciphertext is a
// base64 string for megolm and a per-recipient-key object for olm, so it
// stays raw until the algorithm is known.
type EncryptedContent struct {
	Algorithm  id.Algorithm    `json:"algorithm"`
	SenderKey  id.Curve25519   `json:"sender_key"`
	DeviceID   id.DeviceID     `json:"device_id,omitempty"`
	SessionID  id.SessionID    `json:"session_id,omitempty"`
	Ciphertext json.RawMessage `json:"ciphertext,omitempty"`
}

// OlmCiphertext is one entry of an olm ciphertext map.
type OlmCiphertext struct {
	Type id.OlmMsgType `json:"type"`
	Body string        `json:"body"`
}

func (c *EncryptedContent) MegolmCiphertext() (string, error) {
	var s string
	if err := json.Unmarshal(c.Ciphertext, &s); err != nil {
		return "", ErrBadEncryptedMessage
	}
	return s, nil
}

func (c *EncryptedContent) OlmCiphertext() (map[id.Curve25519]OlmCiphertext, error) {
	var m map[id.Curve25519]OlmCiphertext
	if err := json.Unmarshal(c.Ciphertext, &m); err != nil {
		return nil, ErrBadEncryptedMessage
	}
	return m, nil
}

// olmPayload is the signed plaintext carried inside an olm message. The
// recipient checks the embedded sender/recipient identities to prevent a
// device relaying someone else's ciphertext as its own.
type olmPayload struct {
	Type          event.Type                     `json:"type"`
	Content       json.RawMessage                `json:"content"`
	Sender        id.UserID                      `json:"sender"`
	Recipient     id.UserID                      `json:"recipient"`
	RecipientKeys map[id.KeyAlgorithm]string     `json:"recipient_keys"`
	Keys          map[id.KeyAlgorithm]id.Ed25519 `json:"keys"`
}

// RoomKeyContent is the body of m.room_key.
type RoomKeyContent struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	RoomID     id.RoomID    `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`
	ChainIndex uint         `json:"chain_index,omitempty"`
}

// ForwardedRoomKeyContent is the body of m.forwarded_room_key.
type ForwardedRoomKeyContent struct {
	Algorithm                    id.Algorithm  `json:"algorithm"`
	RoomID                       id.RoomID     `json:"room_id"`
	SessionID                    id.SessionID  `json:"session_id"`
	SessionKey                   string        `json:"session_key"`
	SenderKey                    id.Curve25519 `json:"sender_key"`
	SenderClaimedEd25519Key      id.Ed25519    `json:"sender_claimed_ed25519_key"`
	ForwardingCurve25519KeyChain []string      `json:"forwarding_curve25519_key_chain"`
}

// Key request actions on the wire.
const (
	KeyRequestActionRequest = "request"
	KeyRequestActionCancel  = "request_cancellation"
)

// RoomKeyRequestBody identifies the session a key request is about. Two
// requests with equal bodies are the same request.
type RoomKeyRequestBody struct {
	Algorithm id.Algorithm  `json:"algorithm"`
	RoomID    id.RoomID     `json:"room_id"`
	SenderKey id.Curve25519 `json:"sender_key"`
	SessionID id.SessionID  `json:"session_id"`
}

// KeyRequestContent is the body of m.room_key_request.
type KeyRequestContent struct {
	Action             string              `json:"action"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
	RequestingDeviceID id.DeviceID         `json:"requesting_device_id"`
	RequestID          string              `json:"request_id"`
}

// EncryptionConfig is the body of the m.room.encryption state event.
type EncryptionConfig struct {
	Algorithm              id.Algorithm `json:"algorithm"`
	RotationPeriodMillis   int64        `json:"rotation_period_ms,omitempty"`
	RotationPeriodMessages int          `json:"rotation_period_msgs,omitempty"`
}

// DecryptionResult is the cleartext outcome of a successful decrypt, with
// the provenance callers need for sender authentication.
type DecryptionResult struct {
	ClearType    event.Type      `json:"type"`
	ClearContent json.RawMessage `json:"content"`

	SenderKey         id.Curve25519
	ClaimedEd25519Key id.Ed25519
	ForwardingChain   []string
}
