package crypto

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// olmEncryptor encrypts room events pairwise, one olm ciphertext per
// recipient device. There is no shared session to rotate.
type olmEncryptor struct {
	env    *AlgorithmEnv
	roomID id.RoomID
}

func newOlmEncryptor(env *AlgorithmEnv, roomID id.RoomID, _ *EncryptionConfig) Encryptor {
	return &olmEncryptor{env: env, roomID: roomID}
}

func (e *olmEncryptor) Encrypt(ctx context.Context, evtType event.Type, content json.RawMessage, users []id.UserID) (*EncryptedContent, error) {
	devices, err := e.env.DeviceList.DownloadKeys(ctx, users, false)
	if err != nil {
		return nil, err
	}

	var targets []*DeviceIdentity
	for userID, userDevices := range devices {
		for deviceID, dev := range userDevices {
			if userID == e.env.OwnUserID && deviceID == e.env.OwnDeviceID {
				continue
			}
			if dev.Trust == TrustBlocked {
				continue
			}
			targets = append(targets, dev)
		}
	}
	failed, err := e.env.ensureOlmSessions(ctx, targets)
	if err != nil {
		return nil, err
	}

	wrapped, err := json.Marshal(map[string]any{
		"room_id": e.roomID,
		"type":    evtType.Type,
		"content": content,
	})
	if err != nil {
		return nil, err
	}

	ciphertext := make(map[id.Curve25519]OlmCiphertext)
	for _, dev := range targets {
		if containsDevice(failed[dev.UserID], dev.DeviceID) {
			continue
		}
		msg, err := e.encryptForDevice(ctx, dev, evtType, wrapped)
		if err != nil {
			e.env.Log.Warn().Err(err).
				Str("device_id", dev.DeviceID.String()).
				Msg("skipping device for olm encryption")
			continue
		}
		ciphertext[dev.IdentityKey] = *msg
	}
	if len(ciphertext) == 0 {
		return nil, &UnableToEncryptError{RoomID: e.roomID, Reason: "no reachable devices"}
	}

	raw, err := json.Marshal(ciphertext)
	if err != nil {
		return nil, err
	}
	return &EncryptedContent{
		Algorithm:  id.AlgorithmOlmV1,
		SenderKey:  e.env.Olm.IdentityKey,
		DeviceID:   e.env.OwnDeviceID,
		Ciphertext: raw,
	}, nil
}

func (e *olmEncryptor) encryptForDevice(ctx context.Context, dev *DeviceIdentity, evtType event.Type, wrapped json.RawMessage) (*OlmCiphertext, error) {
	payload, err := json.Marshal(&olmPayload{
		Type:      evtType,
		Content:   wrapped,
		Sender:    e.env.OwnUserID,
		Recipient: dev.UserID,
		RecipientKeys: map[id.KeyAlgorithm]string{
			id.KeyAlgorithmEd25519: string(dev.SigningKey),
		},
		Keys: map[id.KeyAlgorithm]id.Ed25519{
			id.KeyAlgorithmEd25519: e.env.Olm.SigningKey,
		},
	})
	if err != nil {
		return nil, err
	}
	sessionIDs, err := e.env.Olm.SessionIDsForDevice(ctx, dev.IdentityKey)
	if err != nil {
		return nil, err
	}
	if len(sessionIDs) == 0 {
		return nil, ErrNoOlmSession
	}
	return e.env.Olm.EncryptMessage(ctx, dev.IdentityKey, sessionIDs[0], payload)
}

func (e *olmEncryptor) Discard(context.Context) error {
	return nil
}

// olmDecryptor decrypts pairwise olm messages, both room events and the
// to-device envelopes that carry room keys.
type olmDecryptor struct {
	env *AlgorithmEnv
}

func newOlmDecryptor(env *AlgorithmEnv) Decryptor {
	return &olmDecryptor{env: env}
}

func (d *olmDecryptor) Decrypt(ctx context.Context, evt *EncryptedEvent, _ string) (*DecryptionResult, error) {
	payload, err := d.decryptPayload(ctx, evt.Sender, &evt.Content)
	if err != nil {
		return nil, err
	}
	var inner struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
		RoomID  id.RoomID       `json:"room_id"`
	}
	if err := json.Unmarshal(payload.Content, &inner); err != nil {
		return nil, ErrBadEncryptedMessage
	}
	if inner.RoomID != "" && inner.RoomID != evt.RoomID {
		return nil, &MismatchedRoomError{Expected: inner.RoomID, Actual: evt.RoomID}
	}
	return &DecryptionResult{
		ClearType:         event.Type{Type: inner.Type, Class: event.MessageEventType},
		ClearContent:      inner.Content,
		SenderKey:         evt.Content.SenderKey,
		ClaimedEd25519Key: payload.Keys[id.KeyAlgorithmEd25519],
	}, nil
}

// decryptPayload unwraps the olm envelope addressed to this device and
// validates the identity bindings embedded in the plaintext.
func (d *olmDecryptor) decryptPayload(ctx context.Context, sender id.UserID, content *EncryptedContent) (*olmPayload, error) {
	if content.SenderKey == "" {
		return nil, ErrMissingFields
	}
	ciphertexts, err := content.OlmCiphertext()
	if err != nil {
		return nil, err
	}
	msg, ok := ciphertexts[d.env.Olm.IdentityKey]
	if !ok {
		return nil, fmt.Errorf("%w: no ciphertext for this device", ErrBadEncryptedMessage)
	}

	plaintext, err := d.decryptWithKnownSessions(ctx, content.SenderKey, &msg)
	if err != nil {
		return nil, err
	}

	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, ErrBadEncryptedMessage
	}
	if payload.Recipient != d.env.OwnUserID {
		return nil, fmt.Errorf("%w: payload intended for %s", ErrBadEncryptedMessage, payload.Recipient)
	}
	if key := payload.RecipientKeys[id.KeyAlgorithmEd25519]; key != string(d.env.Olm.SigningKey) {
		return nil, fmt.Errorf("%w: payload intended for a different device", ErrBadEncryptedMessage)
	}
	if sender != "" && payload.Sender != sender {
		return nil, fmt.Errorf("%w: payload sender mismatch", ErrBadEncryptedMessage)
	}
	return &payload, nil
}

// decryptWithKnownSessions tries every existing session with the sender,
// then falls back to creating a new inbound session when the message is a
// pre-key message.
func (d *olmDecryptor) decryptWithKnownSessions(ctx context.Context, senderKey id.Curve25519, msg *OlmCiphertext) ([]byte, error) {
	sessionIDs, err := d.env.Olm.SessionIDsForDevice(ctx, senderKey)
	if err != nil {
		return nil, err
	}
	for _, sessionID := range sessionIDs {
		plaintext, err := d.env.Olm.DecryptMessage(ctx, senderKey, sessionID, msg.Type, msg.Body)
		if err == nil {
			return plaintext, nil
		}
	}
	if msg.Type != id.OlmMsgTypePreKey {
		return nil, fmt.Errorf("%w: no session could decrypt the message", ErrBadEncryptedMessage)
	}
	plaintext, sessionID, err := d.env.Olm.CreateInboundSession(ctx, senderKey, msg.Body)
	if err != nil {
		return nil, err
	}
	d.env.Log.Debug().
		Str("sender_key", senderKey.String()).
		Str("session_id", string(sessionID)).
		Msg("created inbound olm session from pre-key message")
	return plaintext, nil
}
